package roll

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/schaermu/vendorroll/internal/config"
	"github.com/schaermu/vendorroll/internal/fsutil"
)

// WindowsCommitMessage is the subject of the commit the Windows phase pushes
const WindowsCommitMessage = "Windows"

var (
	linuxSubjectRe = regexp.MustCompile(`^([0-9a-f]{40}) linux$`)
	versionLineRe  = regexp.MustCompile(`(?m)^Version: ([^\r\n]*)`)
)

// RollWindows takes the Linux roll from the staging ref, runs the Windows
// configuration generator and pushes the result back to the staging ref.
func (e *Engine) RollWindows(ctx context.Context) error {
	r, err := e.newRun(config.Windows)
	if err != nil {
		return err
	}

	e.logger.Info("starting windows roll",
		"checkout", r.checkout,
		"remote", e.cfg.Staging.Remote,
		"ref", e.cfg.Staging.Ref,
		"dry_run", e.opts.DryRun)

	if !e.opts.DryRun {
		if err := config.RequireDir(r.checkout); err != nil {
			return err
		}
	}

	steps := []step{
		{name: "fetch-staging", stage: StagePushedToStaging, run: e.fetchStaging},
		{name: "verify-handoff", run: e.verifyHandoff},
		{name: "generate-windows", run: e.generateWindows},
		{name: "move-header", stage: StageWindowsConfigured, run: e.moveHeader},
		{name: "commit", run: e.commitWindows},
		{name: "push-staging", stage: StagePushedFinal, run: e.pushWindows},
	}

	if err := e.execute(ctx, r, steps); err != nil {
		return err
	}

	if !e.opts.DryRun {
		e.logger.Info("windows roll pushed to staging",
			"commit", r.commit,
			"remote", e.cfg.Staging.Remote,
			"ref", e.cfg.Staging.Ref)
	}
	return nil
}

// fetchStaging hard-resets the checkout to the staging ref, discarding any
// local divergence
func (e *Engine) fetchStaging(ctx context.Context, r *run) error {
	if err := e.git.Fetch(ctx, r.checkout, e.cfg.Staging.Remote, e.cfg.Staging.Ref); err != nil {
		return err
	}
	return e.git.ResetHard(ctx, r.checkout, "FETCH_HEAD")
}

// verifyHandoff checks that the fetched tip is a Linux roll commit whose
// metadata file carries the same upstream commit
func (e *Engine) verifyHandoff(ctx context.Context, r *run) error {
	subject, err := e.git.HeadSubject(ctx, r.checkout)
	if err != nil {
		return err
	}
	m := linuxSubjectRe.FindStringSubmatch(subject)
	if m == nil {
		return fmt.Errorf("%w: HEAD subject is %q", ErrHandoff, subject)
	}
	commit := m[1]

	version, err := ReadVersion(filepath.Join(r.vendor, filepath.FromSlash(e.cfg.Roll.MetadataFile)))
	if err != nil {
		return err
	}
	if version != commit {
		return fmt.Errorf("%w: commit subject names %s but %s has Version: %s",
			ErrHandoff, commit, e.cfg.Roll.MetadataFile, version)
	}

	r.commit = commit
	e.logger.Info("verified staging hand-off", "commit", commit)
	return nil
}

func (e *Engine) generateWindows(ctx context.Context, r *run) error {
	dir := e.windowsDir(r)
	if err := config.RequireDir(dir); err != nil {
		return err
	}
	return e.generate(ctx, dir, e.cfg.Roll.Windows.Generate)
}

// moveHeader relocates the generated configuration header into the windows
// directory
func (e *Engine) moveHeader(_ context.Context, r *run) error {
	header := filepath.FromSlash(e.cfg.Roll.Windows.Header)
	src := filepath.Join(r.vendor, header)
	dst := filepath.Join(e.windowsDir(r), filepath.Base(header))
	if err := fsutil.MoveFile(src, dst); err != nil {
		return fmt.Errorf("failed to move %s: %w", e.cfg.Roll.Windows.Header, err)
	}
	return nil
}

func (e *Engine) commitWindows(ctx context.Context, r *run) error {
	if err := e.git.AddAll(ctx, r.checkout, filepath.ToSlash(e.cfg.Downstream.VendorDir)); err != nil {
		return err
	}
	return e.git.Commit(ctx, r.checkout, WindowsCommitMessage)
}

func (e *Engine) pushWindows(ctx context.Context, r *run) error {
	return e.git.Push(ctx, r.checkout, e.cfg.Staging.Remote, "HEAD:"+e.cfg.Staging.Ref, false)
}

func (e *Engine) windowsDir(r *run) string {
	return filepath.Join(r.vendor, filepath.FromSlash(e.cfg.Roll.Windows.Dir))
}

// ReadVersion returns the value of the first "Version:" line in a metadata file
func ReadVersion(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	m := versionLineRe.FindSubmatch(data)
	if m == nil {
		return "", fmt.Errorf("%s has no Version: line", path)
	}
	return string(m[1]), nil
}
