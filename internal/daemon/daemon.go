// Package daemon is the service boundary of powerd. Every mutating request
// is authorized, serialized and handed to the graphics controller or the
// profile engine; committed changes are broadcast to subscribers. Read
// queries never touch the transaction slot.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/time/rate"

	"github.com/benaskins/powerd/internal/audit"
	"github.com/benaskins/powerd/internal/authz"
	"github.com/benaskins/powerd/internal/graphics"
	"github.com/benaskins/powerd/internal/hwprobe"
	"github.com/benaskins/powerd/internal/metrics"
	"github.com/benaskins/powerd/internal/profile"
	"github.com/benaskins/powerd/internal/txn"
)

// DefaultBusyNotifyInterval limits how often TransactionBusy is broadcast.
const DefaultBusyNotifyInterval = time.Second

// Daemon wires the controllers to the transports.
type Daemon struct {
	graphics *graphics.Controller
	profiles *profile.Engine
	authz    *authz.Authorizer
	txns     *txn.Serializer
	events   *Broadcaster

	observer *hwprobe.Observer
	audit    *audit.Logger
	metrics  *metrics.Metrics

	fs           afero.Fs
	profilesPath string
	autoPower    bool
	stuckAfter   time.Duration
	busyLimiter  *rate.Limiter
	now          func() time.Time

	// Hold requests still in flight per owner, and owners that
	// disconnected while one was.
	holdMu       sync.Mutex
	holdRequests map[profile.Owner]int
	departed     map[profile.Owner]struct{}

	mu     sync.Mutex
	ctx    context.Context // daemon lifecycle context, set in Start()
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// Option configures the daemon.
type Option func(*Daemon)

// WithObserver serves hardware queries from a cached probe.
func WithObserver(o *hwprobe.Observer) Option {
	return func(d *Daemon) { d.observer = o }
}

// WithAudit records every mutating request.
func WithAudit(l *audit.Logger) Option {
	return func(d *Daemon) { d.audit = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Daemon) { d.metrics = m }
}

// WithProfileDefinitions loads profile tunables from path at start and
// reloads them when the file changes.
func WithProfileDefinitions(fsys afero.Fs, path string) Option {
	return func(d *Daemon) {
		d.fs = fsys
		d.profilesPath = path
	}
}

// WithAutoPower matches discrete GPU power to the committed mode at start.
func WithAutoPower(enabled bool) Option {
	return func(d *Daemon) { d.autoPower = enabled }
}

// WithStuckAfter sets when a running transaction is reported as stuck.
func WithStuckAfter(after time.Duration) Option {
	return func(d *Daemon) { d.stuckAfter = after }
}

// WithBusyNotifyInterval throttles TransactionBusy notifications.
func WithBusyNotifyInterval(every time.Duration) Option {
	return func(d *Daemon) { d.busyLimiter = rate.NewLimiter(rate.Every(every), 1) }
}

func WithClock(now func() time.Time) Option {
	return func(d *Daemon) { d.now = now }
}

// New creates a daemon around an already-constructed controller, engine
// and authorizer. The daemon owns the transaction serializer.
func New(gfx *graphics.Controller, profiles *profile.Engine, authorizer *authz.Authorizer, opts ...Option) *Daemon {
	d := &Daemon{
		graphics:     gfx,
		profiles:     profiles,
		authz:        authorizer,
		events:       NewBroadcaster(),
		holdRequests: make(map[profile.Owner]int),
		departed:     make(map[profile.Owner]struct{}),
		fs:           afero.NewOsFs(),
		stuckAfter:   txn.DefaultStuckAfter,
		busyLimiter:  rate.NewLimiter(rate.Every(DefaultBusyNotifyInterval), 1),
		now:          time.Now,
		ctx:          context.Background(),
		logger:       slog.With("component", "daemon"),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.txns = txn.New(
		txn.WithStuckAfter(d.stuckAfter),
		txn.WithClock(d.now),
		txn.WithBusyHook(d.onBusy),
	)
	return d
}

// Start reconciles graphics state against the hardware, applies the
// effective profile and starts background work. Transports should be
// started after Start returns.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.ctx, d.cancel = ctx, cancel
	d.mu.Unlock()

	if d.observer != nil {
		d.observer.Start(ctx)
	}

	if err := d.graphics.Reconcile(ctx); err != nil {
		// Profiles still work without a usable graphics probe.
		d.logger.Error("graphics reconciliation failed", "error", err)
		d.record(audit.Entry{Action: audit.ActionReconcile, Transport: "daemon", Error: err.Error()})
	} else {
		st := d.graphics.Status()
		entry := audit.Entry{Action: audit.ActionReconcile, Transport: "daemon", Target: string(st.Current), Outcome: "ok"}
		if st.Recovery != nil {
			entry.Outcome = st.Recovery.Reason
			d.logger.Warn("graphics in error recovery", "reason", st.Recovery.Reason,
				"expected", st.Recovery.Expected, "probed", st.Recovery.Probed)
		}
		d.record(entry)
		d.metrics.Recovery(st.Recovery != nil)
	}

	if d.profilesPath != "" {
		if err := d.loadDefinitions(); err != nil {
			d.logger.Warn("using built-in profile definitions", "error", err)
		}
	}

	err := d.txns.DoWait(ctx, txn.KindProfile, func(tok *txn.Token) error {
		return d.profiles.Reapply(ctx, tok)
	})
	d.profileApplied(d.profiles.Effective(), err)
	if err != nil {
		d.logger.Warn("initial profile application incomplete", "error", err)
	}

	if d.autoPower {
		err := d.txns.DoWait(ctx, txn.KindGraphicsPower, func(tok *txn.Token) error {
			_, err := d.graphics.AutoPower(ctx, tok)
			return err
		})
		if err != nil {
			d.logger.Warn("automatic discrete power failed", "error", err)
		}
	}

	if d.profilesPath != "" {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.WatchProfiles(ctx); err != nil {
				d.logger.Error("profile definitions watcher failed", "error", err)
			}
		}()
	}

	st := d.profiles.Status()
	d.logger.Info("daemon started", "graphics", d.graphics.Status().Current, "profile", st.Active)
	return nil
}

// Stop ends background work and disconnects subscribers. A transaction in
// progress is allowed to finish.
func (d *Daemon) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if d.observer != nil {
		d.observer.Stop()
	}
	d.wg.Wait()
	d.events.Close()
	d.logger.Info("daemon stopped")
}

// Graphics returns the graphics mode view.
func (d *Daemon) Graphics() graphics.Status { return d.graphics.Status() }

// Profile returns the profile view.
func (d *Daemon) Profile() profile.Status { return d.profiles.Status() }

// Hardware returns the cached hardware snapshot.
func (d *Daemon) Hardware() hwprobe.Snapshot {
	if d.observer == nil {
		return hwprobe.Snapshot{}
	}
	return d.observer.Snapshot()
}

// Transaction reports the serializer's current holder.
func (d *Daemon) Transaction() txn.Status { return d.txns.Status() }

// Subscribe registers for notifications. cancel must be called when the
// subscriber goes away.
func (d *Daemon) Subscribe() (events <-chan Event, cancel func()) {
	return d.events.Subscribe()
}

func (d *Daemon) lifecycle() context.Context {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ctx
}

func (d *Daemon) onBusy(b *txn.BusyError) {
	d.metrics.BusyRejected(string(b.Holder))
	if !d.busyLimiter.Allow() {
		return
	}
	d.events.Publish(Event{
		Kind: EventTransactionBusy,
		Time: d.now(),
		Busy: &txn.Status{Busy: true, Kind: b.Holder, ID: b.ID, Since: b.Since, Elapsed: b.Elapsed, Stuck: b.Stuck},
	})
}

func (d *Daemon) record(e audit.Entry) {
	if err := d.audit.Log(e); err != nil {
		d.logger.Warn("audit write failed", "action", e.Action, "error", err)
	}
}

func (d *Daemon) loadDefinitions() error {
	defs, err := d.readDefinitions()
	if err != nil {
		return err
	}
	d.profiles.SetDefinitions(defs)
	return nil
}

func (d *Daemon) readDefinitions() (profile.Definitions, error) {
	defs, err := profile.LoadDefinitions(d.fs, d.profilesPath)
	if err != nil {
		return nil, fmt.Errorf("loading profile definitions: %w", err)
	}
	return defs, nil
}
