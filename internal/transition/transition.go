// Package transition executes an ordered list of side-effect steps and,
// when one fails, compensates the steps that already completed in reverse
// order. It knows nothing about the subsystems the steps touch.
package transition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Step is one named unit of work in a transition.
type Step struct {
	Name string

	// Apply performs the forward action.
	Apply func(ctx context.Context) error

	// Compensate reverses a completed Apply. Nil when there is nothing
	// meaningful to undo.
	Compensate func(ctx context.Context) error
}

// CompensationError records a compensating action that itself failed.
type CompensationError struct {
	Step string
	Err  error
}

// StepError is returned by Run when a step failed. Recovered is true only
// when every completed step was compensated successfully.
type StepError struct {
	Step          string
	Index         int
	Err           error
	Recovered     bool
	Compensations []CompensationError
}

func (e *StepError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "step %q failed: %v", e.Step, e.Err)
	if !e.Recovered {
		names := make([]string, 0, len(e.Compensations))
		for _, c := range e.Compensations {
			names = append(names, c.Step)
		}
		fmt.Fprintf(&b, " (compensation failed for %s)", strings.Join(names, ", "))
	}
	return b.String()
}

func (e *StepError) Unwrap() error { return e.Err }

// Runner applies step lists.
type Runner struct {
	logger *slog.Logger

	// BeforeStep runs ahead of each step's Apply. An error aborts the
	// transition as if the step itself failed.
	BeforeStep func(ctx context.Context, index int, name string) error
}

// NewRunner creates a Runner that logs through logger.
func NewRunner(logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger}
}

// Run applies steps in order. Cancelling ctx only has an effect before the
// first step starts; once a step has begun the remaining steps and any
// compensation run to completion.
func (r *Runner) Run(ctx context.Context, steps []Step) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stepCtx := context.WithoutCancel(ctx)

	for i, s := range steps {
		if r.BeforeStep != nil {
			if err := r.BeforeStep(stepCtx, i, s.Name); err != nil {
				return r.compensate(stepCtx, steps, i, fmt.Errorf("preparing step: %w", err))
			}
		}

		r.logger.Info("applying step", "step", s.Name, "index", i)
		if err := call(stepCtx, s.Name, s.Apply); err != nil {
			r.logger.Error("step failed", "step", s.Name, "error", err)
			return r.compensate(stepCtx, steps, i, err)
		}
	}
	return nil
}

// compensate reverses steps[:failed] and builds the StepError.
func (r *Runner) compensate(ctx context.Context, steps []Step, failed int, cause error) error {
	stepErr := &StepError{
		Step:  steps[failed].Name,
		Index: failed,
		Err:   cause,
	}

	for i := failed - 1; i >= 0; i-- {
		s := steps[i]
		if s.Compensate == nil {
			continue
		}
		r.logger.Info("compensating step", "step", s.Name)
		if err := call(ctx, s.Name, s.Compensate); err != nil {
			r.logger.Error("compensation failed", "step", s.Name, "error", err)
			stepErr.Compensations = append(stepErr.Compensations, CompensationError{Step: s.Name, Err: err})
		}
	}

	stepErr.Recovered = len(stepErr.Compensations) == 0
	return stepErr
}

// call runs fn and turns a panic into an error so compensation still runs.
func call(ctx context.Context, name string, fn func(context.Context) error) (err error) {
	if fn == nil {
		return nil
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("step %s panicked: %v", name, p)
		}
	}()
	return fn(ctx)
}

// AsStepError extracts a *StepError from err.
func AsStepError(err error) (*StepError, bool) {
	var stepErr *StepError
	ok := errors.As(err, &stepErr)
	return stepErr, ok
}
