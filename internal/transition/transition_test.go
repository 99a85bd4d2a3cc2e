package transition

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type recorder struct {
	events []string
}

func (r *recorder) step(name string, applyErr, compErr error) Step {
	return Step{
		Name: name,
		Apply: func(context.Context) error {
			r.events = append(r.events, "apply:"+name)
			return applyErr
		},
		Compensate: func(context.Context) error {
			r.events = append(r.events, "undo:"+name)
			return compErr
		},
	}
}

func TestRunAllStepsSucceed(t *testing.T) {
	rec := &recorder{}
	steps := []Step{rec.step("a", nil, nil), rec.step("b", nil, nil), rec.step("c", nil, nil)}

	if err := NewRunner(nil).Run(context.Background(), steps); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []string{"apply:a", "apply:b", "apply:c"}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestRunCompensatesInReverseOrder(t *testing.T) {
	rec := &recorder{}
	boom := errors.New("boom")
	steps := []Step{
		rec.step("a", nil, nil),
		rec.step("b", nil, nil),
		rec.step("c", boom, nil),
		rec.step("d", nil, nil),
	}

	err := NewRunner(nil).Run(context.Background(), steps)

	stepErr, ok := AsStepError(err)
	if !ok {
		t.Fatalf("expected *StepError, got %v", err)
	}
	if stepErr.Step != "c" || stepErr.Index != 2 {
		t.Errorf("expected failure at c/2, got %s/%d", stepErr.Step, stepErr.Index)
	}
	if !stepErr.Recovered {
		t.Error("expected recovered=true")
	}
	if !errors.Is(err, boom) {
		t.Error("expected StepError to wrap the step's error")
	}

	want := []string{"apply:a", "apply:b", "apply:c", "undo:b", "undo:a"}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestRunCompensationFailureIsNotRecovered(t *testing.T) {
	rec := &recorder{}
	steps := []Step{
		rec.step("a", nil, nil),
		rec.step("b", nil, errors.New("cannot undo b")),
		rec.step("c", errors.New("boom"), nil),
	}

	err := NewRunner(nil).Run(context.Background(), steps)

	stepErr, ok := AsStepError(err)
	if !ok {
		t.Fatalf("expected *StepError, got %v", err)
	}
	if stepErr.Recovered {
		t.Error("expected recovered=false when a compensation fails")
	}
	if len(stepErr.Compensations) != 1 || stepErr.Compensations[0].Step != "b" {
		t.Errorf("unexpected compensation errors: %+v", stepErr.Compensations)
	}
	// Compensation continues past a failing undo
	want := []string{"apply:a", "apply:b", "apply:c", "undo:b", "undo:a"}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestRunSkipsNilCompensation(t *testing.T) {
	rec := &recorder{}
	noUndo := Step{Name: "fire-and-forget", Apply: func(context.Context) error { return nil }}
	steps := []Step{rec.step("a", nil, nil), noUndo, rec.step("c", errors.New("boom"), nil)}

	err := NewRunner(nil).Run(context.Background(), steps)
	stepErr, _ := AsStepError(err)
	if stepErr == nil || !stepErr.Recovered {
		t.Fatalf("expected recovered StepError, got %v", err)
	}
}

func TestRunCancelledBeforeStart(t *testing.T) {
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewRunner(nil).Run(ctx, []Step{rec.step("a", nil, nil)})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if len(rec.events) != 0 {
		t.Errorf("expected no side effects, got %v", rec.events)
	}
}

func TestRunIgnoresCancellationOnceStarted(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var sawCancelled bool
	steps := []Step{
		{Name: "a", Apply: func(context.Context) error { cancel(); return nil }},
		{Name: "b", Apply: func(stepCtx context.Context) error {
			sawCancelled = stepCtx.Err() != nil
			return nil
		}},
	}

	if err := NewRunner(nil).Run(ctx, steps); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sawCancelled {
		t.Error("step context should not observe cancellation after the first step began")
	}
}

func TestRunPanicIsCompensated(t *testing.T) {
	rec := &recorder{}
	steps := []Step{
		rec.step("a", nil, nil),
		{Name: "explode", Apply: func(context.Context) error { panic("kaboom") }},
	}

	err := NewRunner(nil).Run(context.Background(), steps)
	stepErr, ok := AsStepError(err)
	if !ok || stepErr.Step != "explode" {
		t.Fatalf("expected StepError for explode, got %v", err)
	}
	if rec.events[len(rec.events)-1] != "undo:a" {
		t.Errorf("expected a to be compensated, got %v", rec.events)
	}
}

func TestBeforeStepFailureCompensates(t *testing.T) {
	rec := &recorder{}
	r := NewRunner(nil)
	r.BeforeStep = func(_ context.Context, index int, _ string) error {
		if index == 1 {
			return errors.New("disk full")
		}
		return nil
	}

	err := r.Run(context.Background(), []Step{rec.step("a", nil, nil), rec.step("b", nil, nil)})
	stepErr, ok := AsStepError(err)
	if !ok || stepErr.Step != "b" {
		t.Fatalf("expected StepError at b, got %v", err)
	}
	want := []string{"apply:a", "undo:a"}
	if diff := cmp.Diff(want, rec.events); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}
