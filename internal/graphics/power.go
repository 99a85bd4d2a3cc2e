package graphics

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/benaskins/powerd/internal/hwprobe"
	"github.com/benaskins/powerd/internal/state"
	"github.com/benaskins/powerd/internal/transition"
	"github.com/benaskins/powerd/internal/txn"
)

var ErrInvalidPower = errors.New("invalid power state")

// SetDiscretePower turns the discrete GPU's power rail on or off. Off
// unbinds every function of the device from its driver and removes it from
// the PCI bus; on rescans the bus. No reboot is involved.
func (c *Controller) SetDiscretePower(ctx context.Context, tok *txn.Token, power state.Power) (Outcome, error) {
	if err := checkToken(tok); err != nil {
		return "", err
	}
	if power != state.PowerOn && power != state.PowerOff {
		return "", fmt.Errorf("%w: %q", ErrInvalidPower, power)
	}
	if err := c.ensureReconciled(ctx); err != nil {
		return "", err
	}

	g, err := c.probe.Graphics()
	if err != nil {
		return "", fmt.Errorf("probing graphics: %w", err)
	}
	// A removed device is gone from sysfs; only the record remembers it.
	if len(g.Discrete) == 0 && c.record().DiscretePower != state.PowerOff {
		return "", fmt.Errorf("%w: no discrete GPU present", ErrNotSwitchable)
	}

	if on, err := c.probe.DiscretePowered(); err == nil && state.PowerFromBool(on) == power {
		if err := c.recordPower(power); err != nil {
			return "", err
		}
		return OutcomeNoChange, nil
	}

	var steps []transition.Step
	if power == state.PowerOff {
		steps = c.powerOffSteps(g.Discrete)
	} else {
		steps = c.powerOnSteps()
	}

	c.logger.Info("changing discrete GPU power", "power", power, "txn", tok.ID())
	if err := c.runner().Run(ctx, steps); err != nil {
		stepErr, ok := transition.AsStepError(err)
		if !ok {
			return "", err
		}
		c.refreshPower()
		return "", &PowerError{Target: power, Step: stepErr.Step, Err: stepErr.Err}
	}

	if err := c.recordPower(power); err != nil {
		return "", err
	}
	c.logger.Info("discrete GPU power changed", "power", power)
	return OutcomeApplied, nil
}

// AutoPower brings the discrete GPU's power in line with the committed
// mode: on for discrete and hybrid, off for integrated. It does nothing on
// non-switchable hardware or while recovery is pending.
func (c *Controller) AutoPower(ctx context.Context, tok *txn.Token) (Outcome, error) {
	if c.recoveryState() != nil {
		return OutcomeNoChange, nil
	}
	g, err := c.probe.Graphics()
	if err != nil {
		return "", fmt.Errorf("probing graphics: %w", err)
	}
	if !g.Switchable() {
		return OutcomeNoChange, nil
	}
	want := state.PowerOn
	if c.record().Current == state.ModeIntegrated {
		want = state.PowerOff
	}
	return c.SetDiscretePower(ctx, tok, want)
}

// powerOffSteps unbinds and then removes every function of devs. Secondary
// functions (audio, USB-C) go first so the GPU function is detached last.
func (c *Controller) powerOffSteps(devs []hwprobe.Device) []transition.Step {
	var fns []hwprobe.Function
	for _, d := range devs {
		fns = append(fns, d.Functions...)
	}
	sort.Slice(fns, func(i, j int) bool { return fns[i].Slot > fns[j].Slot })

	var steps []transition.Step
	for _, fn := range fns {
		steps = append(steps, c.unbindStep(fn))
	}
	for _, fn := range fns {
		steps = append(steps, transition.Step{
			Name:       "remove " + fn.Slot,
			Apply:      func(context.Context) error { return c.bus.Remove(fn) },
			Compensate: func(context.Context) error { return c.bus.Rescan() },
		})
	}
	return steps
}

func (c *Controller) unbindStep(fn hwprobe.Function) transition.Step {
	var driver string
	return transition.Step{
		Name: "unbind " + fn.Slot,
		Apply: func(context.Context) error {
			driver = c.probe.Driver(fn)
			if driver == "" {
				return nil
			}
			if err := c.bus.Unbind(fn, driver); err != nil {
				return err
			}
			if still := c.probe.Driver(fn); still != "" {
				return fmt.Errorf("%w: %s still bound to %s", ErrDeviceInUse, fn.Slot, still)
			}
			return nil
		},
		Compensate: func(context.Context) error {
			if driver == "" {
				return nil
			}
			return c.bus.Bind(fn, driver)
		},
	}
}

// restoreDiscrete rescans the bus to bring back a discrete GPU that was
// powered off, records it as on and returns the new hardware view.
func (c *Controller) restoreDiscrete(ctx context.Context, tok *txn.Token) (hwprobe.Graphics, error) {
	c.logger.Info("rescanning PCI bus for powered-off discrete GPU", "txn", tok.ID())
	if err := c.runner().Run(ctx, c.powerOnSteps()); err != nil {
		stepErr, ok := transition.AsStepError(err)
		if !ok {
			return hwprobe.Graphics{}, err
		}
		c.refreshPower()
		return hwprobe.Graphics{}, &PowerError{Target: state.PowerOn, Step: stepErr.Step, Err: stepErr.Err}
	}
	if err := c.recordPower(state.PowerOn); err != nil {
		return hwprobe.Graphics{}, err
	}
	g, err := c.probe.Graphics()
	if err != nil {
		return hwprobe.Graphics{}, fmt.Errorf("probing graphics: %w", err)
	}
	return g, nil
}

func (c *Controller) powerOnSteps() []transition.Step {
	return []transition.Step{{
		Name: "rescan",
		Apply: func(context.Context) error {
			if err := c.bus.Rescan(); err != nil {
				return err
			}
			on, err := c.probe.DiscretePowered()
			if err != nil {
				return err
			}
			if !on {
				return errors.New("discrete GPU did not reappear after rescan")
			}
			return nil
		},
	}}
}

// recordPower persists the discrete power flag when it changed.
func (c *Controller) recordPower(p state.Power) error {
	rec := c.record()
	if rec.DiscretePower == p {
		return nil
	}
	rec.DiscretePower = p
	return c.persist(rec)
}

// probedPower reads the discrete power rail. Sysfs cannot tell a removed
// device from a machine without one, so absence only counts as off when
// prev says powerd switched it off.
func (c *Controller) probedPower(prev state.Power) state.Power {
	on, err := c.probe.DiscretePowered()
	switch {
	case err != nil:
		return state.PowerUnknown
	case on:
		return state.PowerOn
	case prev == state.PowerOff:
		return state.PowerOff
	}
	return state.PowerUnknown
}

// refreshPower records the probed power after a failed change.
func (c *Controller) refreshPower() {
	p := c.probedPower(c.record().DiscretePower)
	if err := c.recordPower(p); err != nil {
		c.logger.Error("failed to persist discrete power", "error", err)
	}
}
