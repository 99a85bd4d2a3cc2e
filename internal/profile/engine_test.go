package profile

import (
	"context"
	"errors"
	"testing"

	"github.com/benaskins/powerd/internal/txn"
	"github.com/google/go-cmp/cmp"
)

type fakeSubsystem struct {
	name  string
	err   error
	calls int
	last  Settings
}

func (f *fakeSubsystem) Name() string { return f.name }

func (f *fakeSubsystem) Apply(_ context.Context, s Settings) error {
	f.calls++
	f.last = s
	return f.err
}

func fakeSubsystems() []*fakeSubsystem {
	var subs []*fakeSubsystem
	for _, name := range []string{SubsystemCPU, SubsystemPCI, SubsystemUSB, SubsystemDisk, SubsystemPlatform, SubsystemRadeon} {
		subs = append(subs, &fakeSubsystem{name: name})
	}
	return subs
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, []*fakeSubsystem, *txn.Serializer) {
	t.Helper()
	fakes := fakeSubsystems()
	subs := make([]Subsystem, len(fakes))
	for i, f := range fakes {
		subs[i] = f
	}
	return NewEngine(subs, opts...), fakes, txn.New()
}

func withToken(t *testing.T, s *txn.Serializer, fn func(tok *txn.Token) error) error {
	t.Helper()
	tok, err := s.TryAcquire(txn.KindProfile)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}
	defer tok.Release()
	return fn(tok)
}

func apply(t *testing.T, e *Engine, s *txn.Serializer, p Profile, hold Owner) error {
	t.Helper()
	return withToken(t, s, func(tok *txn.Token) error {
		return e.Apply(context.Background(), tok, p, hold)
	})
}

func release(t *testing.T, e *Engine, s *txn.Serializer, owner Owner) {
	t.Helper()
	err := withToken(t, s, func(tok *txn.Token) error {
		return e.ReleaseHold(context.Background(), tok, owner)
	})
	if err != nil {
		t.Fatalf("ReleaseHold(%s): %v", owner, err)
	}
}

func TestHigher(t *testing.T) {
	tests := []struct {
		a, b, want Profile
	}{
		{Balanced, Battery, Battery},
		{Battery, Performance, Performance},
		{Performance, Battery, Performance},
		{Balanced, Balanced, Balanced},
		{"", Balanced, Balanced},
	}
	for _, tt := range tests {
		if got := Higher(tt.a, tt.b); got != tt.want {
			t.Errorf("Higher(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestParse(t *testing.T) {
	if p, err := Parse(" Performance "); err != nil || p != Performance {
		t.Errorf("Parse = %q, %v", p, err)
	}
	if _, err := Parse("turbo"); !errors.Is(err, ErrInvalidProfile) {
		t.Errorf("expected ErrInvalidProfile, got %v", err)
	}
}

func TestDefaultIsBalanced(t *testing.T) {
	e, _, _ := newTestEngine(t)
	st := e.Status()
	if st.Effective != Balanced || st.Base != Balanced || st.Active != "" || st.HoldCount != 0 {
		t.Errorf("unexpected initial status: %+v", st)
	}
}

func TestTwoClientsHoldingProfiles(t *testing.T) {
	e, fakes, s := newTestEngine(t)

	if err := apply(t, e, s, Performance, "client-a"); err != nil {
		t.Fatalf("apply performance: %v", err)
	}
	if err := apply(t, e, s, Battery, "client-b"); err != nil {
		t.Fatalf("apply battery: %v", err)
	}
	st := e.Status()
	if st.Effective != Performance || st.Active != Performance || st.HoldCount != 2 {
		t.Fatalf("expected performance with two holds, got %+v", st)
	}
	if fakes[0].last != Defaults()[Performance] {
		t.Error("performance settings should be the last applied")
	}

	release(t, e, s, "client-a")
	st = e.Status()
	if st.Effective != Battery || st.Active != Battery || st.HoldCount != 1 {
		t.Fatalf("expected battery after client-a leaves, got %+v", st)
	}

	release(t, e, s, "client-b")
	if st := e.Status(); st.Active != Balanced || st.HoldCount != 0 {
		t.Fatalf("expected balanced with no holds, got %+v", st)
	}
}

func TestReleaseOrderIndependent(t *testing.T) {
	holds := map[Owner]Profile{"a": Performance, "b": Battery, "c": Balanced}
	orders := [][]Owner{
		{"a", "b", "c"}, {"a", "c", "b"}, {"b", "a", "c"},
		{"b", "c", "a"}, {"c", "a", "b"}, {"c", "b", "a"},
	}

	for _, order := range orders {
		e, _, s := newTestEngine(t)
		for _, owner := range []Owner{"a", "b", "c"} {
			if err := apply(t, e, s, holds[owner], owner); err != nil {
				t.Fatalf("apply: %v", err)
			}
		}

		remaining := map[Owner]bool{"a": true, "b": true, "c": true}
		for _, owner := range order {
			release(t, e, s, owner)
			delete(remaining, owner)

			want := Balanced
			if len(remaining) > 0 {
				want = ""
				for o := range remaining {
					want = Higher(want, holds[o])
				}
			}
			if got := e.Effective(); got != want {
				t.Errorf("order %v: after releasing %s effective = %s, want %s", order, owner, got, want)
			}
		}
		if st := e.Status(); st.Active != Balanced {
			t.Errorf("order %v: final active = %s", order, st.Active)
		}
	}
}

func TestHoldReplacedBySameOwner(t *testing.T) {
	e, _, s := newTestEngine(t)
	apply(t, e, s, Performance, "a")
	apply(t, e, s, Battery, "a")

	if st := e.Status(); st.HoldCount != 1 || st.Effective != Battery {
		t.Errorf("expected single battery hold, got %+v", st)
	}
}

func TestBaseProfileWithoutHold(t *testing.T) {
	e, _, s := newTestEngine(t)
	apply(t, e, s, Battery, "")
	apply(t, e, s, Performance, "a")
	release(t, e, s, "a")

	st := e.Status()
	if st.Base != Battery || st.Active != Battery {
		t.Errorf("expected to fall back to battery base, got %+v", st)
	}
}

func TestReapplyIsNoopWhenUnchanged(t *testing.T) {
	e, fakes, s := newTestEngine(t)
	apply(t, e, s, Balanced, "")
	apply(t, e, s, Balanced, "")
	withToken(t, s, func(tok *txn.Token) error { return e.Reapply(context.Background(), tok) })
	release(t, e, s, "nobody")

	for _, f := range fakes {
		if f.calls != 1 {
			t.Errorf("%s applied %d times, want 1", f.name, f.calls)
		}
	}
}

func TestPartialFailureRetriesOnlyFailed(t *testing.T) {
	e, fakes, s := newTestEngine(t)
	usb := fakes[2]
	usb.err = errors.New("permission denied")

	err := apply(t, e, s, Performance, "a")
	var perr *PartialError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PartialError, got %v", err)
	}
	if diff := cmp.Diff([]string{SubsystemUSB}, perr.Failed); diff != "" {
		t.Errorf("failed subsystems mismatch (-want +got):\n%s", diff)
	}
	if !perr.Committed {
		t.Error("a single failure should still commit")
	}
	st := e.Status()
	if st.Active != Performance || len(st.Failed) != 1 {
		t.Errorf("unexpected status: %+v", st)
	}

	usb.err = nil
	if err := withToken(t, s, func(tok *txn.Token) error { return e.Reapply(context.Background(), tok) }); err != nil {
		t.Fatalf("Reapply: %v", err)
	}
	for _, f := range fakes {
		want := 1
		if f == usb {
			want = 2
		}
		if f.calls != want {
			t.Errorf("%s applied %d times, want %d", f.name, f.calls, want)
		}
	}
	if st := e.Status(); len(st.Failed) != 0 {
		t.Errorf("failed list should be empty, got %v", st.Failed)
	}
}

func TestMajorityFailureDoesNotCommit(t *testing.T) {
	e, fakes, s := newTestEngine(t)
	for _, f := range fakes[:4] {
		f.err = errors.New("read-only filesystem")
	}

	err := apply(t, e, s, Battery, "")
	var perr *PartialError
	if !errors.As(err, &perr) || perr.Committed {
		t.Fatalf("expected uncommitted PartialError, got %v", err)
	}
	if st := e.Status(); st.Active != "" {
		t.Errorf("active should not change, got %s", st.Active)
	}
}

func TestSetDefinitionsReportsEffectiveChange(t *testing.T) {
	e, _, s := newTestEngine(t)
	apply(t, e, s, Balanced, "")

	defs := Defaults()
	perf := defs[Performance]
	perf.CPU.MaxPerfPct = 90
	defs[Performance] = perf
	if e.SetDefinitions(defs) {
		t.Error("changing an inactive profile should not require reapply")
	}

	defs = Defaults()
	bal := defs[Balanced]
	bal.USB.Autosuspend = false
	defs[Balanced] = bal
	if !e.SetDefinitions(defs) {
		t.Error("changing the effective profile should require reapply")
	}
}

func TestMutationsRequireToken(t *testing.T) {
	e, _, _ := newTestEngine(t)
	if err := e.Apply(context.Background(), nil, Battery, ""); err == nil {
		t.Error("expected error without token")
	}
	if err := e.ReleaseHold(context.Background(), nil, "a"); err == nil {
		t.Error("expected error without token")
	}
}
