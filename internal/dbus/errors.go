package dbus

import (
	"errors"

	godbus "github.com/godbus/dbus/v5"

	"github.com/benaskins/powerd/internal/authz"
	"github.com/benaskins/powerd/internal/graphics"
	"github.com/benaskins/powerd/internal/profile"
	"github.com/benaskins/powerd/internal/txn"
)

// Error names returned to bus callers.
const (
	ErrorDenied           = Interface + ".Error.Denied"
	ErrorInteractiveAuth  = Interface + ".Error.InteractiveAuthorizationRequired"
	ErrorBusy             = Interface + ".Error.Busy"
	ErrorNotSwitchable    = Interface + ".Error.NotSwitchable"
	ErrorTransitionFailed = Interface + ".Error.TransitionFailed"
	ErrorInconsistent     = Interface + ".Error.Inconsistent"
	ErrorPartial          = Interface + ".Error.PartiallyApplied"
	ErrorRecovery         = Interface + ".Error.Recovery"
	ErrorNoRecovery       = Interface + ".Error.NoRecovery"
	ErrorFailed           = Interface + ".Error.Failed"

	// ErrorInvalidArgs is the standard bus error for malformed arguments.
	ErrorInvalidArgs = "org.freedesktop.DBus.Error.InvalidArgs"
)

// toError maps a daemon error to a bus error. The message body always
// starts with the error text; busy, transition and partial errors carry
// their details as extra body values.
func toError(err error) *godbus.Error {
	var (
		busy    *txn.BusyError
		terr    *graphics.TransitionError
		perr    *graphics.PowerError
		partial *profile.PartialError
	)
	msg := err.Error()
	switch {
	case errors.Is(err, authz.ErrDenied):
		return godbus.NewError(ErrorDenied, []any{msg})
	case errors.Is(err, authz.ErrInteractiveAuthRequired):
		return godbus.NewError(ErrorInteractiveAuth, []any{msg})
	case errors.As(err, &busy):
		return godbus.NewError(ErrorBusy, []any{msg, string(busy.Holder), busy.Since.Unix(), busy.Stuck})
	case errors.As(err, &partial):
		return godbus.NewError(ErrorPartial, []any{msg, partial.Failed, partial.Committed})
	case errors.As(err, &terr) && terr.Recovered:
		return godbus.NewError(ErrorTransitionFailed, []any{msg, terr.Step})
	case errors.As(err, &terr), errors.Is(err, graphics.ErrInconsistent):
		return godbus.NewError(ErrorInconsistent, []any{msg})
	case errors.Is(err, graphics.ErrNotSwitchable):
		return godbus.NewError(ErrorNotSwitchable, []any{msg})
	case errors.As(err, &perr):
		return godbus.NewError(ErrorTransitionFailed, []any{msg, perr.Step})
	case errors.Is(err, graphics.ErrInvalidMode),
		errors.Is(err, graphics.ErrInvalidPower),
		errors.Is(err, profile.ErrInvalidProfile):
		return godbus.NewError(ErrorInvalidArgs, []any{msg})
	case errors.Is(err, graphics.ErrNothingToAccept):
		return godbus.NewError(ErrorNoRecovery, []any{msg})
	case errors.Is(err, graphics.ErrProbeMismatch),
		errors.Is(err, graphics.ErrInterrupted),
		errors.Is(err, graphics.ErrProbeFailed):
		return godbus.NewError(ErrorRecovery, []any{msg})
	}
	return godbus.NewError(ErrorFailed, []any{msg})
}
