package graphics

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	"github.com/benaskins/powerd/internal/state"
	"github.com/benaskins/powerd/internal/transition"
	"github.com/spf13/afero"
)

// Step names, in plan order.
const (
	StepGuardInitramfs   = "guard-initramfs"
	StepPrimeSelection   = "write-prime-selection"
	StepModprobePolicy   = "write-modprobe-policy"
	StepFallbackService  = "fallback-service"
	StepRebuildInitramfs = "rebuild-initramfs"
	StepMarkPending      = "mark-pending"
)

// plan builds the ordered steps that move boot configuration to target.
// The guard comes first so that it is compensated last: once the files
// are restored it rebuilds the initramfs again, but only if the forward
// rebuild was attempted.
func (c *Controller) plan(target state.Mode, bootID string) []transition.Step {
	rebuildAttempted := false

	return []transition.Step{
		{
			Name:  StepGuardInitramfs,
			Apply: func(context.Context) error { return nil },
			Compensate: func(ctx context.Context) error {
				if !rebuildAttempted {
					return nil
				}
				return c.rebuildInitramfs(ctx)
			},
		},
		c.fileStep(StepPrimeSelection, c.primePath, primeSelection(target)+"\n"),
		c.fileStep(StepModprobePolicy, c.modprobePath, modprobePolicy(target)),
		c.fallbackStep(target),
		{
			Name: StepRebuildInitramfs,
			Apply: func(ctx context.Context) error {
				rebuildAttempted = true
				return c.rebuildInitramfs(ctx)
			},
		},
		c.markPendingStep(target, bootID),
	}
}

// fileStep replaces path with content and restores the previous bytes, or
// removes the file, on compensation.
func (c *Controller) fileStep(name, path, content string) transition.Step {
	var (
		prev    []byte
		existed bool
	)
	return transition.Step{
		Name: name,
		Apply: func(context.Context) error {
			data, err := afero.ReadFile(c.fs, path)
			switch {
			case err == nil:
				prev, existed = data, true
			case errors.Is(err, fs.ErrNotExist):
				existed = false
			default:
				return fmt.Errorf("reading %s: %w", path, err)
			}
			return state.WriteDurable(c.fs, path, []byte(content), 0o644)
		},
		Compensate: func(context.Context) error {
			if existed {
				return state.WriteDurable(c.fs, path, prev, 0o644)
			}
			if err := c.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("removing %s: %w", path, err)
			}
			return nil
		},
	}
}

// fallbackStep enables the fallback unit for discrete mode and disables it
// otherwise. The unit is optional, so systemctl failures are only logged.
func (c *Controller) fallbackStep(target state.Mode) transition.Step {
	enable := wantsFallback(target)
	var (
		checked    bool
		wasEnabled bool
	)
	return transition.Step{
		Name: StepFallbackService,
		Apply: func(ctx context.Context) error {
			if c.fallbackService == "" || !c.cmd.Available("systemctl") {
				c.logger.Warn("skipping fallback service", "service", c.fallbackService)
				return nil
			}
			_, err := c.cmd.Run(ctx, "systemctl", "is-enabled", "--quiet", c.fallbackService)
			wasEnabled, checked = err == nil, true
			if wasEnabled == enable {
				return nil
			}
			c.setUnit(ctx, enable)
			return nil
		},
		Compensate: func(ctx context.Context) error {
			if !checked || wasEnabled == enable {
				return nil
			}
			c.setUnit(ctx, wasEnabled)
			return nil
		},
	}
}

func (c *Controller) setUnit(ctx context.Context, enable bool) {
	action := "disable"
	if enable {
		action = "enable"
	}
	if _, err := c.cmd.Run(ctx, "systemctl", action, c.fallbackService); err != nil {
		c.logger.Warn("fallback service change failed, ignoring", "service", c.fallbackService, "action", action, "error", err)
	}
}

// rebuildInitramfs regenerates the initramfs so the new module policy is
// honoured at the next boot.
func (c *Controller) rebuildInitramfs(ctx context.Context) error {
	name, args := "update-initramfs", []string{"-u"}
	if c.cmd.Available("dracut") {
		name, args = "dracut", []string{"--force"}
	}
	if _, err := c.cmd.Run(ctx, name, args...); err != nil {
		return fmt.Errorf("rebuilding initramfs: %w", err)
	}
	return nil
}

// markPendingStep records target as pending for the next boot. Switching
// back to the running mode clears the pending mode instead.
func (c *Controller) markPendingStep(target state.Mode, bootID string) transition.Step {
	var prev state.Graphics
	return transition.Step{
		Name: StepMarkPending,
		Apply: func(context.Context) error {
			prev = c.record()
			next := prev
			if target == next.Current && c.recoveryState() == nil {
				next.Pending, next.PendingBootID = "", ""
			} else {
				next.Pending, next.PendingBootID = target, bootID
			}
			return c.persist(next)
		},
		Compensate: func(context.Context) error {
			next := c.record()
			next.Pending, next.PendingBootID = prev.Pending, prev.PendingBootID
			return c.persist(next)
		},
	}
}
