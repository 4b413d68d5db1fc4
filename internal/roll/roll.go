// Package roll implements the vendored library roll: the Linux export
// phase, the Windows configure phase and recovery of either checkout.
package roll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/schaermu/vendorroll/internal/buildgen"
	"github.com/schaermu/vendorroll/internal/config"
	"github.com/schaermu/vendorroll/internal/git"
)

var (
	// ErrPreservedModified is returned when a restored file differs from HEAD
	ErrPreservedModified = errors.New("preserved file differs from committed content")
	// ErrCommitMismatch is returned when the exported tree is not the captured commit
	ErrCommitMismatch = errors.New("exported tree does not match captured commit")
	// ErrHandoff is returned when the staging ref does not carry a Linux roll
	ErrHandoff = errors.New("staging ref does not hold a linux roll")
)

// Options tune a single run of the engine
type Options struct {
	// DryRun logs the steps that would run without executing them
	DryRun bool
	// Resume skips steps a failed earlier run already completed
	Resume bool
}

// Engine runs the roll phases against one configuration
type Engine struct {
	cfg    *config.Config
	git    git.Client
	gen    buildgen.Runner
	logger *slog.Logger
	opts   Options
	now    func() time.Time
}

// NewEngine creates a new roll engine
func NewEngine(cfg *config.Config, gitClient git.Client, gen buildgen.Runner, logger *slog.Logger, opts Options) *Engine {
	return &Engine{
		cfg:    cfg,
		git:    gitClient,
		gen:    gen,
		logger: logger,
		opts:   opts,
		now:    time.Now,
	}
}

// step is one named unit of a phase. stage, when set, is recorded once the
// step completes.
type step struct {
	name  string
	stage Stage
	run   func(ctx context.Context, r *run) error
}

// run carries the values shared between the steps of one phase
type run struct {
	platform config.Platform
	checkout string // downstream checkout root
	vendor   string // absolute vendored directory
	commit   string // upstream commit being rolled
}

func (e *Engine) newRun(platform config.Platform) (*run, error) {
	checkout, err := e.cfg.DownstreamPath(platform)
	if err != nil {
		return nil, err
	}
	return &run{
		platform: platform,
		checkout: checkout,
		vendor:   e.cfg.VendorPath(checkout),
	}, nil
}

// vendorRel returns a slash-separated path inside the vendored directory,
// relative to the checkout root, as git pathspecs expect.
func (e *Engine) vendorRel(name string) string {
	return filepath.ToSlash(filepath.Join(filepath.FromSlash(e.cfg.Downstream.VendorDir), filepath.FromSlash(name)))
}

// Status returns the recorded state for a platform
func (e *Engine) Status(platform config.Platform) (*State, error) {
	return LoadState(e.cfg.StatePath(platform), platform)
}

// execute runs steps in order, recording progress after each one. The first
// failing step aborts the phase; nothing is rolled back.
func (e *Engine) execute(ctx context.Context, r *run, steps []step) error {
	statePath := e.cfg.StatePath(r.platform)

	prev, err := LoadState(statePath, r.platform)
	if err != nil {
		if e.opts.Resume {
			return fmt.Errorf("failed to load state for resume: %w", err)
		}
		e.logger.Warn("failed to load previous state (starting fresh)", "error", err)
		prev = &State{Platform: r.platform, Stage: StageClean}
	}

	// a fresh run starts over; only a resumed run inherits the stage
	state := &State{Platform: r.platform, Stage: StageClean, Status: StatusRunning}
	if e.opts.Resume {
		if !prev.Resumable() {
			return fmt.Errorf("nothing to resume: last %s run is %q", r.platform, prev.Status)
		}
		state.Stage = prev.Stage
		state.Commit = prev.Commit
		state.Completed = append([]string(nil), prev.Completed...)
		r.commit = prev.Commit
		e.logger.Info("resuming roll",
			"platform", r.platform,
			"commit", r.commit,
			"completed", len(state.Completed))
	}

	if e.opts.DryRun {
		for _, s := range steps {
			if state.completed(s.name) {
				e.logger.Info("[dry-run] would skip completed step", "step", s.name)
				continue
			}
			e.logger.Info("[dry-run] would run", "step", s.name, "platform", r.platform)
		}
		e.logger.Info("dry-run complete, no changes applied")
		return nil
	}

	if err := e.save(statePath, state); err != nil {
		return err
	}

	for _, s := range steps {
		if state.completed(s.name) {
			e.logger.Info("skipping completed step", "step", s.name)
			continue
		}

		e.logger.Info("running step", "step", s.name, "platform", r.platform, "commit", r.commit)
		if err := s.run(ctx, r); err != nil {
			state.Status = StatusFailed
			state.Error = err.Error()
			state.Commit = r.commit
			if saveErr := e.save(statePath, state); saveErr != nil {
				e.logger.Warn("failed to record failure", "error", saveErr)
			}
			return fmt.Errorf("step %s: %w", s.name, err)
		}

		state.Completed = append(state.Completed, s.name)
		state.Commit = r.commit
		if s.stage != "" {
			state.Stage = s.stage
		}
		if err := e.save(statePath, state); err != nil {
			return err
		}
	}

	state.Status = StatusDone
	return e.save(statePath, state)
}

func (e *Engine) save(path string, state *State) error {
	state.UpdatedAt = e.now().UTC()
	if err := SaveState(path, state); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// generate parses and runs each command line in dir
func (e *Engine) generate(ctx context.Context, dir string, cmdlines ...string) error {
	for _, cmdline := range cmdlines {
		argv, err := buildgen.Parse(cmdline)
		if err != nil {
			return err
		}
		e.logger.Info("running generator", "dir", dir, "command", cmdline)
		if err := e.gen.Run(ctx, dir, argv); err != nil {
			return err
		}
	}
	return nil
}
