package dbus

import (
	"context"

	godbus "github.com/godbus/dbus/v5"

	"github.com/benaskins/powerd/internal/profile"
	"github.com/benaskins/powerd/internal/state"
)

// object carries the exported bus methods. godbus runs each call on its
// own goroutine.
type object struct {
	s *Service
}

// GetGraphics returns the current mode, the pending mode ("" when none)
// and the discrete GPU power state.
func (o *object) GetGraphics() (string, string, string, *godbus.Error) {
	st := o.s.daemon.Graphics()
	return string(st.Current), string(st.Pending), string(st.DiscretePower), nil
}

// GetRecovery reports the error-recovery reason ("" when healthy) with
// the expected and probed modes.
func (o *object) GetRecovery() (string, string, string, *godbus.Error) {
	st := o.s.daemon.Graphics()
	if st.Recovery == nil {
		return "", "", "", nil
	}
	return st.Recovery.Reason, string(st.Recovery.Expected), string(st.Recovery.Probed), nil
}

func (o *object) SetGraphics(sender godbus.Sender, mode string) (string, *godbus.Error) {
	m, err := state.ParseMode(mode)
	if err != nil {
		return "", godbus.NewError(ErrorInvalidArgs, []any{err.Error()})
	}
	ctx := context.Background()
	req, derr := o.s.request(ctx, sender)
	if derr != nil {
		return "", derr
	}
	outcome, err := o.s.daemon.SetGraphicsMode(ctx, req, m)
	if err != nil {
		return "", toError(err)
	}
	return string(outcome), nil
}

func (o *object) AcceptHardwareMode(sender godbus.Sender) (string, *godbus.Error) {
	ctx := context.Background()
	req, derr := o.s.request(ctx, sender)
	if derr != nil {
		return "", derr
	}
	mode, err := o.s.daemon.AcceptHardwareMode(ctx, req)
	if err != nil {
		return "", toError(err)
	}
	return string(mode), nil
}

func (o *object) SetGraphicsPower(sender godbus.Sender, on bool) (string, *godbus.Error) {
	ctx := context.Background()
	req, derr := o.s.request(ctx, sender)
	if derr != nil {
		return "", derr
	}
	outcome, err := o.s.daemon.SetDiscretePower(ctx, req, state.PowerFromBool(on))
	if err != nil {
		return "", toError(err)
	}
	return string(outcome), nil
}

// GetProfile returns the active and effective profiles and the number of
// holds.
func (o *object) GetProfile() (string, string, uint32, *godbus.Error) {
	st := o.s.daemon.Profile()
	return string(st.Active), string(st.Effective), uint32(st.HoldCount), nil
}

func (o *object) SetProfile(sender godbus.Sender, name string, hold bool) *godbus.Error {
	p, err := profile.Parse(name)
	if err != nil {
		return godbus.NewError(ErrorInvalidArgs, []any{err.Error()})
	}
	ctx := context.Background()
	req, derr := o.s.request(ctx, sender)
	if derr != nil {
		return derr
	}
	if err := o.s.daemon.SetProfile(ctx, req, p, hold); err != nil {
		return toError(err)
	}
	return nil
}

// ReleaseProfileHold drops the sender's hold. The sender's identity is the
// only credential needed.
func (o *object) ReleaseProfileHold(sender godbus.Sender) *godbus.Error {
	req := o.s.releaseRequest(sender)
	if err := o.s.daemon.ReleaseProfileHold(context.Background(), req); err != nil {
		return toError(err)
	}
	return nil
}
