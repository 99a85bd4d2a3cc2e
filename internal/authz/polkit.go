package authz

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
)

const (
	polkitName      = "org.freedesktop.PolicyKit1"
	polkitPath      = dbus.ObjectPath("/org/freedesktop/PolicyKit1/Authority")
	polkitCheckAuth = "org.freedesktop.PolicyKit1.Authority.CheckAuthorization"
)

// Subject is polkit's (sa{sv}) subject.
type Subject struct {
	Kind    string
	Details map[string]dbus.Variant
}

// SubjectFor identifies caller to polkit: by unique bus name when the call
// came over D-Bus, by process otherwise. A zero start-time makes polkit
// look it up.
func SubjectFor(c Caller) Subject {
	if c.BusName != "" {
		return Subject{
			Kind:    "system-bus-name",
			Details: map[string]dbus.Variant{"name": dbus.MakeVariant(c.BusName)},
		}
	}
	return Subject{
		Kind: "unix-process",
		Details: map[string]dbus.Variant{
			"pid":        dbus.MakeVariant(uint32(c.PID)),
			"start-time": dbus.MakeVariant(uint64(0)),
			"uid":        dbus.MakeVariant(int32(c.UID)),
		},
	}
}

// AuthorizationResult is polkit's (bba{ss}) reply.
type AuthorizationResult struct {
	IsAuthorized bool
	IsChallenge  bool
	Details      map[string]string
}

// Authority performs CheckAuthorization.
type Authority interface {
	CheckAuthorization(ctx context.Context, subject Subject, action Action) (AuthorizationResult, error)
}

// Polkit is the Backend backed by the system polkit authority.
type Polkit struct {
	authority Authority
}

// NewPolkit creates a backend that talks to polkit over conn.
func NewPolkit(conn *dbus.Conn) *Polkit {
	return &Polkit{authority: busAuthority{obj: conn.Object(polkitName, polkitPath)}}
}

// NewPolkitWithAuthority creates a backend over a custom Authority.
func NewPolkitWithAuthority(a Authority) *Polkit {
	return &Polkit{authority: a}
}

// Check never lets polkit prompt: a challenge is returned to the caller as
// RequiresInteractiveAuth so it can authenticate and retry.
func (p *Polkit) Check(ctx context.Context, caller Caller, action Action) (Decision, error) {
	if caller.UID == 0 {
		return Allow, nil
	}
	res, err := p.authority.CheckAuthorization(ctx, SubjectFor(caller), action)
	if err != nil {
		return Deny, err
	}
	switch {
	case res.IsAuthorized:
		return Allow, nil
	case res.IsChallenge:
		return RequiresInteractiveAuth, nil
	}
	return Deny, nil
}

type busAuthority struct {
	obj dbus.BusObject
}

func (b busAuthority) CheckAuthorization(ctx context.Context, subject Subject, action Action) (AuthorizationResult, error) {
	var res AuthorizationResult
	call := b.obj.CallWithContext(ctx, polkitCheckAuth, 0,
		subject, string(action), map[string]string{}, uint32(0), "")
	if err := call.Store(&res); err != nil {
		return AuthorizationResult{}, fmt.Errorf("polkit CheckAuthorization: %w", err)
	}
	return res, nil
}
