// Package authz decides whether a caller may perform a mutating action.
// Decisions come from a pluggable backend and are never cached: every
// request is checked again because privileges can change between calls.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrDenied is terminal for the request.
	ErrDenied = errors.New("not authorized")

	// ErrInteractiveAuthRequired means the caller may retry after
	// authenticating interactively.
	ErrInteractiveAuthRequired = errors.New("interactive authentication required")
)

// Decision is a backend's answer.
type Decision int

const (
	Deny Decision = iota
	Allow
	RequiresInteractiveAuth
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case RequiresInteractiveAuth:
		return "requires_interactive_auth"
	}
	return "deny"
}

// Action names a mutating operation, in polkit action id form.
type Action string

const (
	ActionSetGraphicsMode    Action = "com.github.benaskins.powerd.set-graphics-mode"
	ActionSetDiscretePower   Action = "com.github.benaskins.powerd.set-discrete-power"
	ActionAcceptHardwareMode Action = "com.github.benaskins.powerd.accept-hardware-mode"
	ActionSetProfile         Action = "com.github.benaskins.powerd.set-profile"
)

// Caller is the identity the transport attaches to a request. It is
// forwarded to the backend unmodified.
type Caller struct {
	UID     uint32 `json:"uid"`
	GID     uint32 `json:"gid,omitempty"`
	PID     int32  `json:"pid,omitempty"`
	BusName string `json:"bus_name,omitempty"` // D-Bus unique name, empty for socket peers
}

func (c Caller) String() string {
	if c.BusName != "" {
		return fmt.Sprintf("%s (uid %d)", c.BusName, c.UID)
	}
	return fmt.Sprintf("pid %d (uid %d)", c.PID, c.UID)
}

// Backend evaluates policy.
type Backend interface {
	Check(ctx context.Context, caller Caller, action Action) (Decision, error)
}

// Authorizer wraps a Backend.
type Authorizer struct {
	backend Backend
	logger  *slog.Logger
}

// New creates an Authorizer over backend.
func New(backend Backend) *Authorizer {
	return &Authorizer{backend: backend, logger: slog.With("component", "authz")}
}

// Check asks the backend. A backend error denies the request.
func (a *Authorizer) Check(ctx context.Context, caller Caller, action Action) Decision {
	d, err := a.backend.Check(ctx, caller, action)
	if err != nil {
		a.logger.Error("authorization backend failed, denying", "caller", caller, "action", action, "error", err)
		return Deny
	}
	a.logger.Debug("authorization decision", "caller", caller, "action", action, "decision", d)
	return d
}

// Require returns nil when caller may perform action, and ErrDenied or
// ErrInteractiveAuthRequired otherwise.
func (a *Authorizer) Require(ctx context.Context, caller Caller, action Action) error {
	_, err := a.Authorize(ctx, caller, action)
	return err
}

// Authorize is Require that also returns the decision, for auditing.
func (a *Authorizer) Authorize(ctx context.Context, caller Caller, action Action) (Decision, error) {
	d := a.Check(ctx, caller, action)
	switch d {
	case Allow:
		return d, nil
	case RequiresInteractiveAuth:
		return d, fmt.Errorf("%w for %s", ErrInteractiveAuthRequired, action)
	}
	return Deny, fmt.Errorf("%w: %s may not %s", ErrDenied, caller, action)
}
