package graphics

import (
	"errors"
	"fmt"

	"github.com/benaskins/powerd/internal/state"
)

var (
	// ErrNotSwitchable means the machine lacks the integrated + discrete
	// pair (or the runtime PM support hybrid needs).
	ErrNotSwitchable = errors.New("graphics mode is not switchable on this hardware")

	// ErrInconsistent means an earlier transition could not be undone. No
	// further switch is attempted until an operator accepts the hardware
	// mode.
	ErrInconsistent = errors.New("graphics configuration is inconsistent; operator action required")

	// ErrProbeMismatch means the mode found after a reboot is not the one
	// that was pending.
	ErrProbeMismatch = errors.New("probed graphics mode does not match pending mode")

	// ErrInterrupted means a transition was still in flight when the
	// daemon stopped.
	ErrInterrupted = errors.New("graphics transition was interrupted")

	// ErrProbeFailed means the hardware could not be read when the record
	// was reconciled. Mutations are refused until a reconcile succeeds.
	ErrProbeFailed = errors.New("graphics hardware could not be probed")

	// ErrNothingToAccept means AcceptHardwareMode was called with no
	// recovery, in-flight or inconsistent condition to clear.
	ErrNothingToAccept = errors.New("no graphics recovery condition to accept")

	// ErrDeviceInUse means a discrete GPU function stayed bound to its
	// driver after unbinding.
	ErrDeviceInUse = errors.New("discrete GPU is in use")

	ErrInvalidMode = errors.New("invalid graphics mode")
)

// TransitionError reports a mode switch that failed at Step. Recovered is
// true when every completed step was undone and the previous configuration
// is intact, so the switch may be retried.
type TransitionError struct {
	Target    state.Mode
	Step      string
	Recovered bool
	Err       error
}

func (e *TransitionError) Error() string {
	if e.Recovered {
		return fmt.Sprintf("switching to %s failed at %s: %v (previous configuration restored)", e.Target, e.Step, e.Err)
	}
	return fmt.Sprintf("switching to %s failed at %s: %v (compensation failed, configuration inconsistent)", e.Target, e.Step, e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }

// Is matches ErrInconsistent for unrecovered failures.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInconsistent && !e.Recovered
}

// Retryable reports whether the caller may simply try again.
func (e *TransitionError) Retryable() bool { return e.Recovered }

// PowerError reports a failed discrete power change. These never touch
// boot policy and are always retryable.
type PowerError struct {
	Target state.Power
	Step   string
	Err    error
}

func (e *PowerError) Error() string {
	return fmt.Sprintf("powering discrete GPU %s failed at %s: %v", e.Target, e.Step, e.Err)
}

func (e *PowerError) Unwrap() error { return e.Err }

func (e *PowerError) Retryable() bool { return true }
