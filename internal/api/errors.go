package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/benaskins/powerd/internal/authz"
	"github.com/benaskins/powerd/internal/graphics"
	"github.com/benaskins/powerd/internal/profile"
	"github.com/benaskins/powerd/internal/txn"
)

// Error kinds reported in ErrorResponse.Kind.
const (
	KindDenied           = "denied"
	KindInteractiveAuth  = "interactive_auth_required"
	KindBusy             = "busy"
	KindNotSwitchable    = "not_switchable"
	KindInvalid          = "invalid"
	KindTransitionFailed = "transition_failed"
	KindInconsistent     = "inconsistent"
	KindRecovery         = "recovery"
	KindPartial          = "partially_applied"
	KindInternal         = "internal"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Kind      string `json:"kind"`
	Retryable *bool  `json:"retryable,omitempty"`

	Step string `json:"step,omitempty"` // failed transition step

	// Busy details.
	Holder  string        `json:"holder,omitempty"`
	Since   time.Time     `json:"since,omitzero"`
	Stuck   bool          `json:"stuck,omitempty"`
	Elapsed time.Duration `json:"elapsed,omitempty"`

	// Partial profile application.
	Failed    []string `json:"failed_subsystems,omitempty"`
	Committed bool     `json:"committed,omitempty"`
}

// errorStatus maps a daemon error to an HTTP status and body. Inconsistent
// states are never reported as retryable.
func errorStatus(err error) (int, ErrorResponse) {
	resp := ErrorResponse{Error: err.Error(), Kind: KindInternal}
	yes, no := true, false

	var (
		busy    *txn.BusyError
		terr    *graphics.TransitionError
		perr    *graphics.PowerError
		partial *profile.PartialError
	)
	switch {
	case errors.Is(err, authz.ErrDenied):
		resp.Kind = KindDenied
		return http.StatusForbidden, resp

	case errors.Is(err, authz.ErrInteractiveAuthRequired):
		resp.Kind = KindInteractiveAuth
		resp.Retryable = &yes
		return http.StatusUnauthorized, resp

	case errors.As(err, &busy):
		resp.Kind = KindBusy
		resp.Retryable = &yes
		resp.Holder = string(busy.Holder)
		resp.Since = busy.Since
		resp.Elapsed = busy.Elapsed
		resp.Stuck = busy.Stuck
		return http.StatusConflict, resp

	case errors.As(err, &partial):
		resp.Kind = KindPartial
		resp.Retryable = &yes
		resp.Failed = partial.Failed
		resp.Committed = partial.Committed
		return http.StatusMultiStatus, resp

	case errors.As(err, &terr):
		resp.Step = terr.Step
		if terr.Recovered {
			resp.Kind = KindTransitionFailed
			resp.Retryable = &yes
		} else {
			resp.Kind = KindInconsistent
			resp.Retryable = &no
		}
		return http.StatusInternalServerError, resp

	case errors.Is(err, graphics.ErrInconsistent):
		resp.Kind = KindInconsistent
		resp.Retryable = &no
		return http.StatusInternalServerError, resp

	case errors.Is(err, graphics.ErrNotSwitchable):
		resp.Kind = KindNotSwitchable
		resp.Retryable = &no
		return http.StatusUnprocessableEntity, resp

	case errors.As(err, &perr):
		resp.Kind = KindTransitionFailed
		resp.Step = perr.Step
		resp.Retryable = &yes
		return http.StatusInternalServerError, resp

	case errors.Is(err, graphics.ErrInvalidMode),
		errors.Is(err, graphics.ErrInvalidPower),
		errors.Is(err, profile.ErrInvalidProfile):
		resp.Kind = KindInvalid
		return http.StatusBadRequest, resp

	case errors.Is(err, graphics.ErrNothingToAccept):
		resp.Kind = KindInvalid
		return http.StatusConflict, resp

	case errors.Is(err, graphics.ErrProbeMismatch),
		errors.Is(err, graphics.ErrInterrupted),
		errors.Is(err, graphics.ErrProbeFailed):
		resp.Kind = KindRecovery
		resp.Retryable = &yes
		return http.StatusConflict, resp
	}
	return http.StatusInternalServerError, resp
}
