package dbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	godbus "github.com/godbus/dbus/v5"
	"github.com/google/go-cmp/cmp"

	"github.com/benaskins/powerd/internal/authz"
	"github.com/benaskins/powerd/internal/command"
	"github.com/benaskins/powerd/internal/daemon"
	"github.com/benaskins/powerd/internal/graphics"
	"github.com/benaskins/powerd/internal/hwprobe"
	"github.com/benaskins/powerd/internal/hwprobe/hwprobetest"
	"github.com/benaskins/powerd/internal/profile"
	"github.com/benaskins/powerd/internal/state"
	"github.com/benaskins/powerd/internal/txn"
)

type fakeBackend struct {
	mu        sync.Mutex
	decisions map[uint32]authz.Decision

	// block parks Check until closed, like an open polkit dialog.
	block   chan struct{}
	entered chan struct{}
}

func (b *fakeBackend) Check(_ context.Context, c authz.Caller, _ authz.Action) (authz.Decision, error) {
	b.mu.Lock()
	block, entered := b.block, b.entered
	b.mu.Unlock()
	if block != nil {
		entered <- struct{}{}
		<-block
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if d, ok := b.decisions[c.UID]; ok {
		return d, nil
	}
	return authz.Allow, nil
}

type nopSubsystem struct{}

func (nopSubsystem) Name() string { return "cpu" }

func (nopSubsystem) Apply(context.Context, profile.Settings) error { return nil }

type signal struct {
	member string
	values []any
}

type fixture struct {
	svc     *Service
	obj     *object
	daemon  *daemon.Daemon
	backend *fakeBackend

	mu      sync.Mutex
	emitted []signal
}

// newFixture builds a service without a bus connection. Bus names map
// to uids through uids; unknown names fail the lookup.
func newFixture(t *testing.T, uids map[string]uint32) *fixture {
	t.Helper()

	tree := hwprobetest.New()
	tree.IntelHybrid()
	tree.SetModules("i915")
	tree.SetBootID("boot-1")

	f := &fixture{backend: &fakeBackend{decisions: make(map[uint32]authz.Decision)}}
	ctrl := graphics.New(state.NewStore(tree.FS, "/var/lib/powerd"), hwprobe.New(tree.FS),
		hwprobe.NewPCI(tree.FS, "/sys"), graphics.WithFS(tree.FS), graphics.WithCommands(command.NewFake()))
	f.daemon = daemon.New(ctrl, profile.NewEngine([]profile.Subsystem{nopSubsystem{}}), authz.New(f.backend))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := f.daemon.Start(ctx); err != nil {
		t.Fatalf("daemon start: %v", err)
	}
	t.Cleanup(f.daemon.Stop)

	f.svc = New(f.daemon, nil, "")
	f.svc.lookup = func(_ context.Context, sender string) (authz.Caller, error) {
		uid, ok := uids[sender]
		if !ok {
			return authz.Caller{}, errors.New("no such name")
		}
		return authz.Caller{UID: uid, PID: 100, BusName: sender}, nil
	}
	f.svc.emit = func(member string, values ...any) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.emitted = append(f.emitted, signal{member, values})
		return nil
	}
	f.obj = &object{s: f.svc}
	return f
}

func (f *fixture) signals() []signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]signal(nil), f.emitted...)
}

func TestGraphicsMethods(t *testing.T) {
	f := newFixture(t, map[string]uint32{":1.10": 1000})

	current, pending, power, derr := f.obj.GetGraphics()
	if derr != nil {
		t.Fatalf("GetGraphics: %v", derr)
	}
	if current != "integrated" || pending != "" || power == "" {
		t.Errorf("GetGraphics = %q %q %q", current, pending, power)
	}

	outcome, derr := f.obj.SetGraphics(":1.10", "discrete")
	if derr != nil {
		t.Fatalf("SetGraphics: %v", derr)
	}
	if outcome != string(graphics.OutcomePendingReboot) {
		t.Errorf("outcome = %q, want pending_reboot", outcome)
	}
	if _, pending, _, _ = f.obj.GetGraphics(); pending != "discrete" {
		t.Errorf("pending = %q, want discrete", pending)
	}

	reason, _, _, _ := f.obj.GetRecovery()
	if reason != "" {
		t.Errorf("recovery reason = %q on a healthy system", reason)
	}
}

func TestInvalidArguments(t *testing.T) {
	f := newFixture(t, map[string]uint32{":1.10": 1000})

	if _, derr := f.obj.SetGraphics(":1.10", "rainbow"); derr == nil || derr.Name != ErrorInvalidArgs {
		t.Errorf("SetGraphics(rainbow) = %v, want %s", derr, ErrorInvalidArgs)
	}
	if derr := f.obj.SetProfile(":1.10", "turbo", false); derr == nil || derr.Name != ErrorInvalidArgs {
		t.Errorf("SetProfile(turbo) = %v, want %s", derr, ErrorInvalidArgs)
	}
}

func TestUnidentifiedCallerDenied(t *testing.T) {
	f := newFixture(t, nil)

	derr := f.obj.SetProfile(":1.99", "performance", false)
	if derr == nil || derr.Name != ErrorDenied {
		t.Fatalf("SetProfile from unknown caller = %v, want %s", derr, ErrorDenied)
	}
	if active, _, _, _ := f.obj.GetProfile(); active != string(profile.Balanced) {
		t.Errorf("active = %q after denied request", active)
	}
}

func TestAuthorizationErrors(t *testing.T) {
	f := newFixture(t, map[string]uint32{":1.10": 1000, ":1.11": 1001})
	f.backend.decisions[1000] = authz.Deny
	f.backend.decisions[1001] = authz.RequiresInteractiveAuth

	if _, derr := f.obj.SetGraphicsPower(":1.10", true); derr == nil || derr.Name != ErrorDenied {
		t.Errorf("denied caller got %v", derr)
	}
	if _, derr := f.obj.AcceptHardwareMode(":1.11"); derr == nil || derr.Name != ErrorInteractiveAuth {
		t.Errorf("interactive caller got %v", derr)
	}
}

func TestHoldOwnedBySender(t *testing.T) {
	f := newFixture(t, map[string]uint32{":1.10": 1000, ":1.11": 1000})

	if derr := f.obj.SetProfile(":1.10", "performance", true); derr != nil {
		t.Fatalf("hold: %v", derr)
	}
	if derr := f.obj.SetProfile(":1.11", "battery", true); derr != nil {
		t.Fatalf("hold: %v", derr)
	}
	if _, eff, holds, _ := f.obj.GetProfile(); eff != "performance" || holds != 2 {
		t.Fatalf("effective %q holds %d", eff, holds)
	}

	// Another name cannot drop :1.10's hold.
	if derr := f.obj.ReleaseProfileHold(":1.12"); derr != nil {
		t.Fatalf("release without hold: %v", derr)
	}
	if _, _, holds, _ := f.obj.GetProfile(); holds != 2 {
		t.Errorf("holds = %d after foreign release", holds)
	}

	if derr := f.obj.ReleaseProfileHold(":1.10"); derr != nil {
		t.Fatalf("release: %v", derr)
	}
	if active, _, holds, _ := f.obj.GetProfile(); active != "battery" || holds != 1 {
		t.Errorf("after release: active %q holds %d", active, holds)
	}
}

func TestNameOwnerChangedReleasesHold(t *testing.T) {
	f := newFixture(t, map[string]uint32{":1.10": 1000})

	if derr := f.obj.SetProfile(":1.10", "performance", true); derr != nil {
		t.Fatalf("hold: %v", derr)
	}

	ignored := []*godbus.Signal{
		{Name: "org.freedesktop.DBus.NameOwnerChanged", Body: []any{"com.example.Well", ":1.10", ""}},
		{Name: "org.freedesktop.DBus.NameOwnerChanged", Body: []any{":1.10", "", ":1.10"}},
		{Name: "org.freedesktop.DBus.NameAcquired", Body: []any{":1.10"}},
	}
	for _, sig := range ignored {
		f.svc.handleSignal(sig)
	}
	time.Sleep(50 * time.Millisecond)
	if _, _, holds, _ := f.obj.GetProfile(); holds != 1 {
		t.Fatalf("hold released by unrelated signal, holds = %d", holds)
	}

	f.svc.handleSignal(&godbus.Signal{
		Name: "org.freedesktop.DBus.NameOwnerChanged",
		Body: []any{":1.10", ":1.10", ""},
	})

	deadline := time.Now().Add(5 * time.Second)
	for {
		active, _, holds, _ := f.obj.GetProfile()
		if holds == 0 && active == "balanced" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("hold not released: active %q holds %d", active, holds)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestClientLeavesWhileHoldIsAuthorized(t *testing.T) {
	f := newFixture(t, map[string]uint32{":1.42": 1000})
	f.backend.mu.Lock()
	f.backend.block = make(chan struct{})
	f.backend.entered = make(chan struct{}, 1)
	f.backend.mu.Unlock()

	done := make(chan *godbus.Error, 1)
	go func() {
		done <- f.obj.SetProfile(":1.42", "performance", true)
	}()
	select {
	case <-f.backend.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("SetProfile never reached authorization")
	}

	f.svc.handleSignal(&godbus.Signal{
		Name: "org.freedesktop.DBus.NameOwnerChanged",
		Body: []any{":1.42", ":1.42", ""},
	})
	time.Sleep(50 * time.Millisecond)
	close(f.backend.block)

	select {
	case derr := <-done:
		if derr == nil {
			t.Error("SetProfile succeeded for a departed client")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("SetProfile did not return")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, effective, holds, _ := f.obj.GetProfile()
		if holds == 0 && effective == "balanced" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("hold for departed client kept: effective %q holds %d", effective, holds)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestForwardEmitsSignals(t *testing.T) {
	f := newFixture(t, map[string]uint32{":1.10": 1000})

	ctx, cancel := context.WithCancel(context.Background())
	events, unsubscribe := f.daemon.Subscribe()
	defer unsubscribe()
	done := make(chan struct{})
	go func() {
		f.svc.forward(ctx, events)
		close(done)
	}()

	f.obj.SetProfile(":1.10", "battery", false)
	f.obj.SetGraphics(":1.10", "discrete")

	deadline := time.Now().Add(5 * time.Second)
	for len(f.signals()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	st := f.daemon.Graphics()
	got := f.signals()
	want := []signal{
		{"ProfileChanged", []any{"battery", "battery", uint32(0)}},
		{"GraphicsModeChanged", []any{string(st.Current), string(st.Pending), string(st.DiscretePower)}},
	}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(signal{})); diff != "" {
		t.Errorf("signals mismatch (-want +got):\n%s", diff)
	}
}

func TestEmitBusySignal(t *testing.T) {
	f := newFixture(t, nil)

	since := time.Unix(1700000000, 0)
	err := f.svc.emitEvent(daemon.Event{
		Kind: daemon.EventTransactionBusy,
		Busy: &txn.Status{Busy: true, Kind: txn.KindGraphicsMode, Since: since, Stuck: true},
	})
	if err != nil {
		t.Fatalf("emitEvent: %v", err)
	}
	want := []signal{{"TransactionBusy", []any{"graphics_mode", int64(1700000000), true}}}
	if diff := cmp.Diff(want, f.signals(), cmp.AllowUnexported(signal{})); diff != "" {
		t.Errorf("signals mismatch (-want +got):\n%s", diff)
	}

	// Events without a payload are dropped.
	f.svc.emitEvent(daemon.Event{Kind: daemon.EventGraphicsModeChanged})
	if n := len(f.signals()); n != 1 {
		t.Errorf("emitted %d signals, want 1", n)
	}
}

func TestToError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{authz.ErrDenied, ErrorDenied},
		{authz.ErrInteractiveAuthRequired, ErrorInteractiveAuth},
		{&txn.BusyError{Holder: txn.KindProfile, Since: time.Now()}, ErrorBusy},
		{&profile.PartialError{Profile: profile.Battery, Failed: []string{"cpu"}}, ErrorPartial},
		{&graphics.TransitionError{Step: "unbind", Recovered: true, Err: errors.New("boom")}, ErrorTransitionFailed},
		{&graphics.TransitionError{Step: "unbind", Err: errors.New("boom")}, ErrorInconsistent},
		{graphics.ErrInconsistent, ErrorInconsistent},
		{graphics.ErrNotSwitchable, ErrorNotSwitchable},
		{graphics.ErrInvalidMode, ErrorInvalidArgs},
		{profile.ErrInvalidProfile, ErrorInvalidArgs},
		{graphics.ErrInterrupted, ErrorRecovery},
		{graphics.ErrProbeFailed, ErrorRecovery},
		{graphics.ErrNothingToAccept, ErrorNoRecovery},
		{errors.New("disk on fire"), ErrorFailed},
	}
	for _, tt := range tests {
		if got := toError(tt.err); got.Name != tt.want {
			t.Errorf("toError(%v) = %s, want %s", tt.err, got.Name, tt.want)
		}
	}
}
