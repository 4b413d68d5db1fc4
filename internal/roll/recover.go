package roll

import (
	"context"
	"path/filepath"

	"github.com/schaermu/vendorroll/internal/config"
)

// Recover abandons whatever roll the platform's checkout is in: it hard-resets
// the checkout to the downstream branch tip and removes untracked leftovers in
// the vendored directory. Local changes are discarded unconditionally.
func (e *Engine) Recover(ctx context.Context, platform config.Platform) error {
	r, err := e.newRun(platform)
	if err != nil {
		return err
	}
	if err := config.RequireDir(r.checkout); err != nil {
		return err
	}

	ref := e.cfg.RecoveryRef()
	e.logger.Warn("discarding local changes", "platform", platform, "checkout", r.checkout, "ref", ref)

	if err := e.git.ResetHard(ctx, r.checkout, ref); err != nil {
		return err
	}
	if err := e.git.Clean(ctx, r.checkout, filepath.ToSlash(e.cfg.Downstream.VendorDir)); err != nil {
		return err
	}

	state := &State{Platform: platform, Stage: StageClean, Status: StatusDone}
	if err := e.save(e.cfg.StatePath(platform), state); err != nil {
		return err
	}

	e.logger.Info("checkout recovered", "platform", platform, "ref", ref)
	return nil
}
