package roll

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/schaermu/vendorroll/internal/config"
	"github.com/schaermu/vendorroll/internal/fsutil"
	"github.com/schaermu/vendorroll/internal/git"
	"github.com/schaermu/vendorroll/internal/patch"
)

// RollLinux replaces the vendored directory of the Linux checkout with the
// newest upstream tree, regenerates its build configuration and force-pushes
// the result to the staging ref for the Windows phase.
func (e *Engine) RollLinux(ctx context.Context) error {
	r, err := e.newRun(config.Linux)
	if err != nil {
		return err
	}

	e.logger.Info("starting linux roll",
		"checkout", r.checkout,
		"upstream", e.cfg.Upstream.Path,
		"ref", e.cfg.UpstreamRef(),
		"dry_run", e.opts.DryRun)

	if !e.opts.DryRun {
		if err := config.RequireDir(r.checkout); err != nil {
			return err
		}
		if err := config.RequireDir(e.cfg.Upstream.Path); err != nil {
			return fmt.Errorf("upstream checkout: %w", err)
		}
	}

	steps := []step{
		{name: "wipe", run: e.wipe},
		{name: "restore-preserved", run: e.restorePreserved},
		{name: "fetch-upstream", run: e.fetchUpstream},
		{name: "export", run: e.export},
		{name: "remove-ignored", run: e.removeIgnored},
		{name: "stamp-version", run: e.stampVersion},
		{name: "patch-sources", run: e.patchSources},
		{name: "generate-root", run: e.generateRoot},
		{name: "generate-linux", run: e.generateLinux},
		{name: "strip-header", run: e.stripHeader},
		{name: "share-headers", stage: StageLinuxExported, run: e.shareHeaders},
		{name: "commit", run: e.commitLinux},
		{name: "push-staging", stage: StagePushedToStaging, run: e.pushLinux},
	}

	if err := e.execute(ctx, r, steps); err != nil {
		return err
	}

	if !e.opts.DryRun {
		e.logger.Info("linux roll pushed to staging",
			"commit", r.commit,
			"remote", e.cfg.Staging.Remote,
			"ref", e.cfg.Staging.Ref)
	}
	return nil
}

// wipe removes the vendored directory from the index and disk and leaves an
// empty directory behind
func (e *Engine) wipe(ctx context.Context, r *run) error {
	if err := e.git.RemoveTree(ctx, r.checkout, filepath.ToSlash(e.cfg.Downstream.VendorDir)); err != nil {
		return err
	}
	if err := os.RemoveAll(r.vendor); err != nil {
		return fmt.Errorf("failed to remove %s: %w", r.vendor, err)
	}
	if err := os.MkdirAll(r.vendor, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", r.vendor, err)
	}
	return nil
}

// restorePreserved brings the preserved files back from HEAD and checks they
// match the committed blobs
func (e *Engine) restorePreserved(ctx context.Context, r *run) error {
	paths := make([]string, 0, len(e.cfg.Roll.Preserve))
	for _, name := range e.cfg.Roll.Preserve {
		paths = append(paths, e.vendorRel(name))
	}

	if err := e.git.ResetPaths(ctx, r.checkout, paths...); err != nil {
		return err
	}
	if err := e.git.CheckoutPaths(ctx, r.checkout, paths...); err != nil {
		return err
	}

	for _, p := range paths {
		got, err := e.git.HashObject(ctx, r.checkout, p)
		if err != nil {
			return err
		}
		want, err := e.git.RevParse(ctx, r.checkout, "HEAD:"+p)
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("%s: %w (worktree %s, HEAD %s)", p, ErrPreservedModified, got, want)
		}
	}
	return nil
}

// fetchUpstream updates the upstream checkout and captures the commit to roll
func (e *Engine) fetchUpstream(ctx context.Context, r *run) error {
	if err := e.git.RemoteUpdate(ctx, e.cfg.Upstream.Path, e.cfg.Upstream.Remote); err != nil {
		return err
	}
	commit, err := e.git.LatestCommit(ctx, e.cfg.Upstream.Path, e.cfg.UpstreamRef())
	if err != nil {
		return err
	}
	r.commit = commit
	e.logger.Info("captured upstream commit", "commit", commit, "ref", e.cfg.UpstreamRef())
	return nil
}

// export writes the captured commit's tree into the vendored directory,
// leaving preserved files alone
func (e *Engine) export(ctx context.Context, r *run) error {
	if r.commit == "" {
		return fmt.Errorf("no upstream commit captured")
	}

	preserved := make(map[string]bool, len(e.cfg.Roll.Preserve))
	for _, name := range e.cfg.Roll.Preserve {
		preserved[filepath.ToSlash(filepath.Clean(filepath.FromSlash(name)))] = true
	}

	res, err := git.Export(ctx, e.git, e.cfg.Upstream.Path, r.commit, r.vendor, func(name string) bool {
		return preserved[name]
	})
	if err != nil {
		return err
	}
	if res.Commit != "" && res.Commit != r.commit {
		return fmt.Errorf("%w: archive %s, captured %s", ErrCommitMismatch, res.Commit, r.commit)
	}
	for _, name := range res.Skipped {
		e.logger.Warn("upstream file shadowed by preserved file", "file", name)
	}
	e.logger.Info("exported upstream tree", "files", res.Files, "dest", r.vendor)
	return nil
}

// removeIgnored deletes upstream files that must not ship downstream
func (e *Engine) removeIgnored(_ context.Context, r *run) error {
	for _, name := range e.cfg.Roll.Remove {
		if err := os.Remove(filepath.Join(r.vendor, filepath.FromSlash(name))); err != nil {
			return fmt.Errorf("failed to remove %s: %w", name, err)
		}
	}
	return nil
}

// stampVersion writes the captured commit into the metadata file
func (e *Engine) stampVersion(_ context.Context, r *run) error {
	path := filepath.Join(r.vendor, filepath.FromSlash(e.cfg.Roll.MetadataFile))
	return patch.StampVersion(path, r.commit)
}

func (e *Engine) patchSources(_ context.Context, r *run) error {
	return e.applyPatches(r.vendor, e.cfg.Roll.Patches)
}

// generateRoot produces the portable build scaffolding other platforms need
func (e *Engine) generateRoot(ctx context.Context, r *run) error {
	return e.generate(ctx, r.vendor, e.cfg.Roll.Linux.RootGenerate...)
}

func (e *Engine) generateLinux(ctx context.Context, r *run) error {
	dir := e.linuxDir(r)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return e.generate(ctx, dir, e.cfg.Roll.Linux.Generate)
}

func (e *Engine) stripHeader(_ context.Context, r *run) error {
	return e.applyPatches(e.linuxDir(r), e.cfg.Roll.Linux.HeaderPatches)
}

// shareHeaders moves generated headers every platform uses out of the linux
// directory into the vendored root
func (e *Engine) shareHeaders(_ context.Context, r *run) error {
	for _, name := range e.cfg.Roll.Linux.SharedHeaders {
		rel := filepath.FromSlash(name)
		if err := fsutil.MoveFile(filepath.Join(e.linuxDir(r), rel), filepath.Join(r.vendor, rel)); err != nil {
			return fmt.Errorf("failed to move %s: %w", name, err)
		}
	}
	return nil
}

func (e *Engine) commitLinux(ctx context.Context, r *run) error {
	if err := e.git.AddAll(ctx, r.checkout, filepath.ToSlash(e.cfg.Downstream.VendorDir)); err != nil {
		return err
	}
	return e.git.Commit(ctx, r.checkout, LinuxCommitMessage(r.commit))
}

func (e *Engine) pushLinux(ctx context.Context, r *run) error {
	return e.git.Push(ctx, r.checkout, e.cfg.Staging.Remote, "HEAD:"+e.cfg.Staging.Ref, true)
}

func (e *Engine) linuxDir(r *run) string {
	return filepath.Join(r.vendor, filepath.FromSlash(e.cfg.Roll.Linux.Dir))
}

// LinuxCommitMessage is the subject of the commit the Linux phase pushes
func LinuxCommitMessage(commit string) string {
	return commit + " linux"
}

// applyPatches runs the substitutions under root. An optional patch whose
// pattern matches nothing leaves its file alone.
func (e *Engine) applyPatches(root string, patches []config.PatchConfig) error {
	for _, p := range patches {
		s := patch.Substitution{File: p.File, Pattern: p.Pattern, Replace: p.Replace, All: p.All}
		err := s.Apply(root)
		if errors.Is(err, patch.ErrNoMatch) && !p.Required {
			e.logger.Warn("patch matched nothing", "file", p.File, "pattern", p.Pattern)
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}
