package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"

	"github.com/benaskins/powerd/internal/audit"
	"github.com/benaskins/powerd/internal/authz"
	"github.com/benaskins/powerd/internal/command"
	"github.com/benaskins/powerd/internal/graphics"
	"github.com/benaskins/powerd/internal/hwprobe"
	"github.com/benaskins/powerd/internal/hwprobe/hwprobetest"
	"github.com/benaskins/powerd/internal/profile"
	"github.com/benaskins/powerd/internal/state"
	"github.com/benaskins/powerd/internal/txn"
)

const profilesPath = "/etc/powerd/profiles.yaml"

var user = authz.Caller{UID: 1000, PID: 4242}

type fakeBackend struct {
	mu        sync.Mutex
	decisions map[uint32]authz.Decision
	calls     int

	// When block is set, Check signals entered and waits for block
	// to close, like a pending polkit dialog.
	block   chan struct{}
	entered chan struct{}
}

func (b *fakeBackend) gate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.block = make(chan struct{})
	b.entered = make(chan struct{}, 1)
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
	b.calls++
	if d, ok := b.decisions[c.UID]; ok {
		return d, nil
	}
	return authz.Allow, nil
}

// fakeSubsystem records applications and can be made to block inside
// Apply to hold the transaction slot.
type fakeSubsystem struct {
	name string

	mu      sync.Mutex
	applied []profile.Settings
	block   chan struct{}
	entered chan struct{}

	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (s *fakeSubsystem) Name() string { return s.name }

func (s *fakeSubsystem) Apply(ctx context.Context, set profile.Settings) error {
	n := s.inFlight.Add(1)
	defer s.inFlight.Add(-1)
	for {
		m := s.maxSeen.Load()
		if n <= m || s.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	s.mu.Lock()
	s.applied = append(s.applied, set)
	block, entered := s.block, s.entered
	s.mu.Unlock()

	if block != nil {
		entered <- struct{}{}
		<-block
	}
	return nil
}

func (s *fakeSubsystem) applications() []profile.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]profile.Settings(nil), s.applied...)
}

// gate makes the next Apply block until the returned release func runs.
func (s *fakeSubsystem) gate() (entered <-chan struct{}, release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.block = make(chan struct{})
	s.entered = make(chan struct{}, 1)
	block := s.block
	return s.entered, func() {
		s.mu.Lock()
		s.block = nil
		s.mu.Unlock()
		close(block)
	}
}

type fixture struct {
	t       *testing.T
	tree    *hwprobetest.Tree
	backend *fakeBackend
	cpu     *fakeSubsystem
	engine  *profile.Engine
	daemon  *Daemon
	audit   string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	tree := hwprobetest.New()
	tree.IntelHybrid()
	tree.SetModules("i915")
	tree.SetBootID("boot-1")

	f := &fixture{
		t:       t,
		tree:    tree,
		backend: &fakeBackend{decisions: make(map[uint32]authz.Decision)},
		cpu:     &fakeSubsystem{name: "cpu"},
		audit:   filepath.Join(t.TempDir(), "audit.log"),
	}

	ctrl := graphics.New(
		state.NewStore(tree.FS, "/var/lib/powerd"),
		hwprobe.New(tree.FS),
		hwprobe.NewPCI(tree.FS, "/sys"),
		graphics.WithFS(tree.FS),
		graphics.WithCommands(command.NewFake()),
	)
	f.engine = profile.NewEngine([]profile.Subsystem{f.cpu, &fakeSubsystem{name: "usb"}})

	logger, err := audit.NewLogger(f.audit)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	t.Cleanup(func() { logger.Close() })

	opts = append([]Option{WithAudit(logger), WithBusyNotifyInterval(time.Hour)}, opts...)
	f.daemon = New(ctrl, f.engine, authz.New(f.backend), opts...)
	if err := f.daemon.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(f.daemon.Stop)
	return f
}

func (f *fixture) req(owner string) Request {
	return Request{Caller: user, Transport: "http", Owner: profile.Owner(owner)}
}

func (f *fixture) auditEntries() []audit.Entry {
	f.t.Helper()
	data, err := os.ReadFile(f.audit)
	if err != nil {
		f.t.Fatalf("reading audit log: %v", err)
	}
	var entries []audit.Entry
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		var e audit.Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			f.t.Fatalf("bad audit line %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}

// holdSlot starts a profile change that blocks inside the cpu subsystem
// and returns once it holds the transaction slot.
func (f *fixture) holdSlot(p profile.Profile) (release func()) {
	f.t.Helper()
	entered, unblock := f.cpu.gate()
	done := make(chan error, 1)
	go func() {
		done <- f.daemon.SetProfile(context.Background(), f.req(""), p, false)
	}()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		f.t.Fatal("profile application never started")
	}
	return func() {
		unblock()
		if err := <-done; err != nil {
			f.t.Errorf("blocked SetProfile: %v", err)
		}
	}
}

func nextEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed waiting for %s", kind)
			}
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("no %s event", kind)
		}
	}
}

func TestStartAppliesEffectiveProfile(t *testing.T) {
	f := newFixture(t)

	st := f.daemon.Profile()
	if st.Active != profile.Balanced || st.Effective != profile.Balanced {
		t.Errorf("after start: active=%s effective=%s, want balanced", st.Active, st.Effective)
	}
	if n := len(f.cpu.applications()); n != 1 {
		t.Errorf("cpu applied %d times at start, want 1", n)
	}
	if got := f.daemon.Graphics().Current; got != state.ModeIntegrated {
		t.Errorf("graphics current = %s, want integrated", got)
	}
	if e := f.auditEntries()[0]; e.Action != audit.ActionReconcile || e.Outcome != "ok" {
		t.Errorf("first audit entry = %+v, want reconcile ok", e)
	}
}

func TestSetGraphicsModeRoutesAndNotifies(t *testing.T) {
	f := newFixture(t)
	events, cancel := f.daemon.Subscribe()
	defer cancel()

	outcome, err := f.daemon.SetGraphicsMode(context.Background(), f.req(""), state.ModeDiscrete)
	if err != nil {
		t.Fatalf("SetGraphicsMode: %v", err)
	}
	if outcome != graphics.OutcomePendingReboot {
		t.Errorf("outcome = %s, want pending_reboot", outcome)
	}

	st := f.daemon.Graphics()
	if st.Pending != state.ModeDiscrete || !st.PendingReboot {
		t.Errorf("status = %+v, want pending discrete", st)
	}

	e := nextEvent(t, events, EventGraphicsModeChanged)
	if e.Graphics == nil || e.Graphics.Pending != state.ModeDiscrete {
		t.Errorf("event payload = %+v", e.Graphics)
	}

	entries := f.auditEntries()
	last := entries[len(entries)-1]
	if last.Action != audit.ActionSetGraphicsMode || last.Target != "discrete" ||
		last.Outcome != "pending_reboot" || last.Decision != "allow" || last.Txn == "" {
		t.Errorf("audit entry = %+v", last)
	}
	if last.UID == nil || *last.UID != 1000 || last.PID != 4242 {
		t.Errorf("audit caller = uid %v pid %d", last.UID, last.PID)
	}
}

func TestNoChangeDoesNotNotify(t *testing.T) {
	f := newFixture(t)
	events, cancel := f.daemon.Subscribe()
	defer cancel()

	outcome, err := f.daemon.SetGraphicsMode(context.Background(), f.req(""), state.ModeIntegrated)
	if err != nil || outcome != graphics.OutcomeNoChange {
		t.Fatalf("got %s, %v; want no_change", outcome, err)
	}
	select {
	case e := <-events:
		t.Errorf("unexpected event %s", e.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeniedNeverReachesController(t *testing.T) {
	f := newFixture(t)
	f.backend.decisions[1000] = authz.Deny

	_, err := f.daemon.SetGraphicsMode(context.Background(), f.req(""), state.ModeDiscrete)
	if !errors.Is(err, authz.ErrDenied) {
		t.Fatalf("expected ErrDenied, got %v", err)
	}
	if st := f.daemon.Graphics(); st.PendingReboot {
		t.Error("denied request changed graphics state")
	}
	if got := f.tree.Read("/etc/prime-discrete"); got != "" {
		t.Errorf("denied request wrote prime-discrete: %q", got)
	}

	last := f.auditEntries()[len(f.auditEntries())-1]
	if last.Decision != "deny" || last.Txn != "" || last.Error == "" {
		t.Errorf("audit entry = %+v", last)
	}
}

func TestInteractiveAuthIsDistinct(t *testing.T) {
	f := newFixture(t)
	f.backend.decisions[1000] = authz.RequiresInteractiveAuth

	err := f.daemon.SetProfile(context.Background(), f.req(""), profile.Performance, false)
	if !errors.Is(err, authz.ErrInteractiveAuthRequired) {
		t.Fatalf("expected ErrInteractiveAuthRequired, got %v", err)
	}
	if errors.Is(err, authz.ErrDenied) {
		t.Error("interactive auth must not match ErrDenied")
	}
}

func TestEveryRequestIsReauthorized(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.daemon.SetProfile(ctx, f.req(""), profile.Battery, false); err != nil {
		t.Fatalf("first SetProfile: %v", err)
	}
	f.backend.mu.Lock()
	f.backend.decisions[1000] = authz.Deny
	f.backend.mu.Unlock()

	if err := f.daemon.SetProfile(ctx, f.req(""), profile.Performance, false); !errors.Is(err, authz.ErrDenied) {
		t.Fatalf("second SetProfile should be denied, got %v", err)
	}
	if f.backend.calls != 2 {
		t.Errorf("backend consulted %d times, want 2", f.backend.calls)
	}
}

func TestBusyWhileTransactionRuns(t *testing.T) {
	f := newFixture(t)
	events, cancel := f.daemon.Subscribe()
	defer cancel()

	release := f.holdSlot(profile.Performance)

	// Reads never wait on the slot.
	if st := f.daemon.Transaction(); !st.Busy || st.Kind != txn.KindProfile {
		t.Errorf("transaction status = %+v, want busy profile", st)
	}
	_ = f.daemon.Graphics()
	_ = f.daemon.Profile()

	_, err := f.daemon.SetGraphicsMode(context.Background(), f.req(""), state.ModeDiscrete)
	var busy *txn.BusyError
	if !errors.As(err, &busy) || busy.Holder != txn.KindProfile {
		t.Fatalf("expected BusyError held by profile, got %v", err)
	}
	if err := f.daemon.SetProfile(context.Background(), f.req(""), profile.Battery, false); !errors.Is(err, txn.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	e := nextEvent(t, events, EventTransactionBusy)
	if e.Busy == nil || e.Busy.Kind != txn.KindProfile || e.Busy.Since.IsZero() {
		t.Errorf("busy payload = %+v", e.Busy)
	}
	// Throttled to one notification per interval.
	select {
	case e := <-events:
		if e.Kind == EventTransactionBusy {
			t.Error("second TransactionBusy was not throttled")
		}
	case <-time.After(50 * time.Millisecond):
	}

	release()
	if st := f.daemon.Graphics(); st.PendingReboot {
		t.Error("busy graphics request must not have run")
	}
}

func TestWaitQueuesBehindRunningTransaction(t *testing.T) {
	f := newFixture(t)
	release := f.holdSlot(profile.Performance)

	done := make(chan error, 1)
	go func() {
		req := f.req("")
		req.Wait = true
		_, err := f.daemon.SetGraphicsMode(context.Background(), req, state.ModeDiscrete)
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("queued request finished while slot was held: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	release()
	if err := <-done; err != nil {
		t.Fatalf("queued SetGraphicsMode: %v", err)
	}
	if !f.daemon.Graphics().PendingReboot {
		t.Error("queued request did not run")
	}
}

func TestConcurrentRequestsAreSerialized(t *testing.T) {
	f := newFixture(t)
	profiles := []profile.Profile{profile.Battery, profile.Performance, profile.Balanced}

	var wg sync.WaitGroup
	var ok, busy atomic.Int32
	for i := range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req := f.req("")
			req.Wait = i%2 == 0
			err := f.daemon.SetProfile(context.Background(), req, profiles[i%3], false)
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, txn.ErrBusy):
				busy.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if peak := f.cpu.maxSeen.Load(); peak != 1 {
		t.Errorf("max concurrent applications = %d, want 1", peak)
	}
	if ok.Load()+busy.Load() != 30 {
		t.Errorf("ok=%d busy=%d, want 30 total", ok.Load(), busy.Load())
	}
	if ok.Load() < 15 {
		t.Errorf("every waiting request must succeed, got %d successes", ok.Load())
	}
}

func TestHoldReleasedOnDisconnect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	events, cancel := f.daemon.Subscribe()
	defer cancel()

	if err := f.daemon.SetProfile(ctx, f.req("client-a"), profile.Performance, true); err != nil {
		t.Fatalf("SetProfile a: %v", err)
	}
	if err := f.daemon.SetProfile(ctx, f.req("client-b"), profile.Battery, true); err != nil {
		t.Fatalf("SetProfile b: %v", err)
	}
	if st := f.daemon.Profile(); st.Effective != profile.Performance || st.HoldCount != 2 {
		t.Fatalf("with two holds: %+v", st)
	}

	if err := f.daemon.OnDisconnect("client-a"); err != nil {
		t.Fatalf("OnDisconnect a: %v", err)
	}
	if st := f.daemon.Profile(); st.Active != profile.Battery || st.HoldCount != 1 {
		t.Fatalf("after a disconnects: %+v", st)
	}

	if err := f.daemon.OnDisconnect("client-b"); err != nil {
		t.Fatalf("OnDisconnect b: %v", err)
	}
	if st := f.daemon.Profile(); st.Active != profile.Balanced || st.HoldCount != 0 {
		t.Fatalf("after all disconnect: %+v", st)
	}

	var last Event
	for range 4 {
		last = nextEvent(t, events, EventProfileChanged)
	}
	if last.Profile == nil || last.Profile.Active != profile.Balanced || last.Profile.HoldCount != 0 {
		t.Errorf("final ProfileChanged = %+v", last.Profile)
	}

	entries := f.auditEntries()
	release := entries[len(entries)-1]
	if release.Action != audit.ActionReleaseHold || release.Transport != "daemon" || release.UID != nil {
		t.Errorf("disconnect audit entry = %+v", release)
	}
}

func TestDisconnectWithoutHoldIsNoop(t *testing.T) {
	f := newFixture(t)
	before := len(f.auditEntries())

	if err := f.daemon.OnDisconnect("stranger"); err != nil {
		t.Fatalf("OnDisconnect: %v", err)
	}
	if err := f.daemon.ReleaseProfileHold(context.Background(), f.req("stranger")); err != nil {
		t.Fatalf("ReleaseProfileHold: %v", err)
	}
	if after := len(f.auditEntries()); after != before {
		t.Errorf("no-op release wrote %d audit entries", after-before)
	}
}

func TestDisconnectDuringAuthorizationDropsHold(t *testing.T) {
	f := newFixture(t)
	f.backend.gate()

	done := make(chan error, 1)
	go func() {
		done <- f.daemon.SetProfile(context.Background(), f.req("client-a"), profile.Performance, true)
	}()
	select {
	case <-f.backend.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("SetProfile never reached authorization")
	}

	if err := f.daemon.OnDisconnect("client-a"); err != nil {
		t.Fatalf("OnDisconnect: %v", err)
	}
	close(f.backend.block)

	select {
	case err := <-done:
		if !errors.Is(err, ErrOwnerGone) {
			t.Fatalf("SetProfile error = %v, want ErrOwnerGone", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("SetProfile did not return")
	}
	if st := f.daemon.Profile(); st.HoldCount != 0 || st.Effective != profile.Balanced {
		t.Errorf("after disconnect: %+v", st)
	}

	// The tombstone does not outlive the request.
	f.backend.mu.Lock()
	f.backend.block = nil
	f.backend.mu.Unlock()
	if err := f.daemon.SetProfile(context.Background(), f.req("client-a"), profile.Performance, true); err != nil {
		t.Fatalf("SetProfile after tombstone cleared: %v", err)
	}
	if st := f.daemon.Profile(); st.HoldCount != 1 {
		t.Errorf("hold count = %d, want 1", st.HoldCount)
	}
}

func TestExplicitReleaseSkipsAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.daemon.SetProfile(ctx, f.req("client-a"), profile.Performance, true); err != nil {
		t.Fatalf("SetProfile: %v", err)
	}
	f.backend.decisions[1000] = authz.Deny

	if err := f.daemon.ReleaseProfileHold(ctx, f.req("client-a")); err != nil {
		t.Fatalf("ReleaseProfileHold: %v", err)
	}
	if st := f.daemon.Profile(); st.HoldCount != 0 || st.Active != profile.Balanced {
		t.Errorf("after release: %+v", st)
	}
}

func TestHoldRequiresOwner(t *testing.T) {
	f := newFixture(t)
	if err := f.daemon.SetProfile(context.Background(), f.req(""), profile.Performance, true); err == nil {
		t.Fatal("expected error for hold without owner")
	}
}

func TestAcceptHardwareModeAfterCorruptState(t *testing.T) {
	tree := hwprobetest.New()
	tree.IntelHybrid()
	tree.SetModules("i915")
	tree.SetBootID("boot-1")
	tree.Write("/var/lib/powerd/graphics.json", "{not json")

	ctrl := graphics.New(state.NewStore(tree.FS, "/var/lib/powerd"), hwprobe.New(tree.FS),
		hwprobe.NewPCI(tree.FS, "/sys"), graphics.WithFS(tree.FS), graphics.WithCommands(command.NewFake()))
	engine := profile.NewEngine([]profile.Subsystem{&fakeSubsystem{name: "cpu"}})
	d := New(ctrl, engine, authz.New(&fakeBackend{}))
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	st := d.Graphics()
	if st.Recovery == nil || st.Recovery.Reason != graphics.ReasonCorruptState {
		t.Fatalf("expected corrupt_state recovery, got %+v", st.Recovery)
	}

	mode, err := d.AcceptHardwareMode(context.Background(), Request{Caller: user, Transport: "http"})
	if err != nil {
		t.Fatalf("AcceptHardwareMode: %v", err)
	}
	if mode != state.ModeIntegrated || d.Graphics().Recovery != nil {
		t.Errorf("after accept: mode=%s status=%+v", mode, d.Graphics())
	}
}

func TestReloadProfilesReappliesChangedDefinition(t *testing.T) {
	fsys := afero.NewMemMapFs()
	write := func(governor string) {
		content := "profiles:\n  balanced:\n    cpu:\n      governor: " + governor + "\n"
		if err := afero.WriteFile(fsys, profilesPath, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("schedutil")

	f := newFixture(t, WithProfileDefinitions(fsys, profilesPath))
	apps := f.cpu.applications()
	if len(apps) != 1 || apps[0].CPU.Governor != "schedutil" {
		t.Fatalf("start applied %+v, want schedutil governor", apps)
	}

	events, cancel := f.daemon.Subscribe()
	defer cancel()

	write("performance")
	if err := f.daemon.ReloadProfiles(context.Background()); err != nil {
		t.Fatalf("ReloadProfiles: %v", err)
	}
	apps = f.cpu.applications()
	if len(apps) != 2 || apps[1].CPU.Governor != "performance" {
		t.Fatalf("after reload applied %+v", apps)
	}
	nextEvent(t, events, EventProfileChanged)

	// Unchanged effective definition: no writes.
	if err := f.daemon.ReloadProfiles(context.Background()); err != nil {
		t.Fatalf("second ReloadProfiles: %v", err)
	}
	if n := len(f.cpu.applications()); n != 2 {
		t.Errorf("unchanged reload applied again (%d applications)", n)
	}
}

func TestReloadProfilesRejectsInvalidFile(t *testing.T) {
	fsys := afero.NewMemMapFs()
	f := newFixture(t, WithProfileDefinitions(fsys, profilesPath))

	if err := afero.WriteFile(fsys, profilesPath, []byte("profiles: ["), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := f.daemon.ReloadProfiles(context.Background()); err == nil {
		t.Fatal("expected error for invalid definitions")
	}
	if n := len(f.cpu.applications()); n != 1 {
		t.Errorf("invalid file caused %d applications", n)
	}
}
