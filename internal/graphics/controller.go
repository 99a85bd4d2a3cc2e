// Package graphics switches the boot-time graphics mode and the discrete
// GPU's power rail.
//
// A mode switch is an ordered list of side effects (PRIME selection,
// modprobe policy, fallback unit, initramfs rebuild, pending marker) run by
// a transition.Runner. Boot policy only takes effect after a restart, so a
// successful switch leaves the new mode pending until Reconcile observes a
// new boot whose hardware matches it.
//
// The controller does not serialize itself. Every mutating method takes the
// txn.Token the caller acquired.
package graphics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benaskins/powerd/internal/command"
	"github.com/benaskins/powerd/internal/hwprobe"
	"github.com/benaskins/powerd/internal/state"
	"github.com/benaskins/powerd/internal/transition"
	"github.com/benaskins/powerd/internal/txn"
	"github.com/spf13/afero"
)

// Outcome is the successful result of a mutating call.
type Outcome string

const (
	OutcomeNoChange      Outcome = "no_change"
	OutcomePendingReboot Outcome = "pending_reboot"
	// OutcomeReverted means a pending switch was cancelled by switching
	// back to the running mode.
	OutcomeReverted Outcome = "reverted"
	OutcomeApplied  Outcome = "applied"
)

// Recovery reasons.
const (
	ReasonProbeMismatch = "probe_mismatch"
	ReasonInterrupted   = "interrupted"
	ReasonCorruptState  = "corrupt_state"
	ReasonProbeFailed   = "probe_failed"
)

// Prober is the hardware view the controller needs.
type Prober interface {
	Graphics() (hwprobe.Graphics, error)
	Mode() (state.Mode, error)
	DiscretePowered() (bool, error)
	BootID() (string, error)
	Driver(fn hwprobe.Function) string
}

// Bus attaches and detaches PCI functions.
type Bus interface {
	Rescan() error
	Bind(fn hwprobe.Function, driver string) error
	Unbind(fn hwprobe.Function, driver string) error
	Remove(fn hwprobe.Function) error
}

// Recovery describes an ErrorRecovery condition found at startup. The
// operator either retries the switch or accepts the probed mode.
type Recovery struct {
	Reason   string     `json:"reason"`
	Expected state.Mode `json:"expected,omitempty"`
	Probed   state.Mode `json:"probed,omitempty"`
	Since    time.Time  `json:"since"`
	Error    string     `json:"error,omitempty"`
}

// Err returns the sentinel matching the recovery reason.
func (r *Recovery) Err() error {
	switch r.Reason {
	case ReasonInterrupted:
		return fmt.Errorf("%w: expected %s, hardware reports %s", ErrInterrupted, r.Expected, r.Probed)
	case ReasonProbeMismatch:
		return fmt.Errorf("%w: expected %s, hardware reports %s", ErrProbeMismatch, r.Expected, r.Probed)
	case ReasonProbeFailed:
		return fmt.Errorf("%w: %s", ErrProbeFailed, r.Error)
	}
	return fmt.Errorf("%w: graphics state unreadable", state.ErrCorrupt)
}

// Status is the read-only view returned by get_graphics_mode.
type Status struct {
	Current       state.Mode          `json:"current"`
	Pending       state.Mode          `json:"pending,omitempty"`
	PendingReboot bool                `json:"pending_reboot"`
	DiscretePower state.Power         `json:"discrete_power"`
	Recovery      *Recovery           `json:"recovery,omitempty"`
	Inconsistent  *state.Inconsistent `json:"inconsistent,omitempty"`
}

// Controller owns the graphics record.
type Controller struct {
	store *state.Store
	probe Prober
	bus   Bus
	fs    afero.Fs
	cmd   command.Runner

	primePath       string
	modprobePath    string
	fallbackService string
	stepHook        func(ctx context.Context, index int, name string) error

	now    func() time.Time
	logger *slog.Logger

	mu         sync.RWMutex
	rec        state.Graphics
	recovery   *Recovery
	reconciled bool
}

// Option configures a Controller.
type Option func(*Controller)

// WithFS sets the filesystem policy files are written to.
func WithFS(fsys afero.Fs) Option {
	return func(c *Controller) { c.fs = fsys }
}

// WithCommands sets the runner for systemctl and the initramfs tools.
func WithCommands(r command.Runner) Option {
	return func(c *Controller) { c.cmd = r }
}

// WithPrimeDiscretePath overrides /etc/prime-discrete.
func WithPrimeDiscretePath(path string) Option {
	return func(c *Controller) { c.primePath = path }
}

// WithModprobePath overrides the generated modprobe.d file.
func WithModprobePath(path string) Option {
	return func(c *Controller) { c.modprobePath = path }
}

// WithFallbackService sets the unit enabled in discrete mode. Empty
// disables the step.
func WithFallbackService(unit string) Option {
	return func(c *Controller) { c.fallbackService = unit }
}

// WithStepHook runs fn before every mode-switch step, after the in-flight
// marker for that step is persisted.
func WithStepHook(fn func(ctx context.Context, index int, name string) error) Option {
	return func(c *Controller) { c.stepHook = fn }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// New creates a Controller. Call Reconcile before serving requests.
func New(store *state.Store, probe Prober, bus Bus, opts ...Option) *Controller {
	c := &Controller{
		store:           store,
		probe:           probe,
		bus:             bus,
		fs:              afero.NewOsFs(),
		cmd:             command.NewExec(),
		primePath:       hwprobe.DefaultPrimeDiscretePath,
		modprobePath:    DefaultModprobePath,
		fallbackService: DefaultFallbackService,
		now:             time.Now,
		logger:          slog.With("component", "graphics"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Reconcile loads the persisted record and compares it with the hardware.
// A pending mode is committed once a new boot shows it active; a mismatch
// or a leftover in-flight marker puts the controller in recovery. When the
// hardware cannot be read the loaded record is kept as is, on disk and in
// memory, and mutations are refused until a later Reconcile succeeds.
func (c *Controller) Reconcile(ctx context.Context) error {
	err := c.reconcile()
	c.mu.Lock()
	c.reconciled = err == nil
	c.mu.Unlock()
	return err
}

func (c *Controller) reconcile() error {
	rec, found, loadErr := c.store.Load()
	corrupt := errors.Is(loadErr, state.ErrCorrupt)
	if loadErr != nil && !corrupt {
		return loadErr
	}

	probed, err := c.probe.Mode()
	if err != nil {
		return c.probeFailed(rec, fmt.Errorf("probing graphics mode: %w", err))
	}
	power := c.probedPower(rec.DiscretePower)

	if corrupt {
		c.logger.Error("graphics state is corrupt", "path", c.store.Path(), "error", loadErr)
		c.set(state.Graphics{Current: probed, DiscretePower: power}, &Recovery{
			Reason: ReasonCorruptState,
			Probed: probed,
			Since:  c.now(),
		})
		return nil
	}

	if !found {
		c.logger.Info("no graphics state, adopting probed mode", "mode", probed)
		return c.persistWith(state.Graphics{Current: probed, DiscretePower: power}, nil)
	}

	bootID, err := c.probe.BootID()
	if err != nil {
		return c.probeFailed(rec, fmt.Errorf("reading boot id: %w", err))
	}
	rec.DiscretePower = power

	switch {
	case rec.InFlight != nil:
		c.logger.Warn("graphics transition was interrupted",
			"txn", rec.InFlight.TxnID, "target", rec.InFlight.Target,
			"step", rec.InFlight.Step, "probed", probed)
		return c.persistWith(rec, &Recovery{
			Reason:   ReasonInterrupted,
			Expected: rec.InFlight.Target,
			Probed:   probed,
			Since:    c.now(),
		})

	case rec.HasPending() && rec.PendingBootID == bootID:
		c.logger.Info("graphics switch still waiting for reboot", "pending", rec.Pending)
		return c.persistWith(rec, nil)

	case rec.HasPending() && rec.Pending == probed:
		c.logger.Info("committing graphics mode", "from", rec.Current, "to", probed)
		rec.Current = probed
		rec.Pending, rec.PendingBootID = "", ""
		return c.persistWith(rec, nil)

	case rec.HasPending():
		c.logger.Error("graphics mode mismatch after reboot", "pending", rec.Pending, "probed", probed)
		return c.persistWith(rec, &Recovery{
			Reason:   ReasonProbeMismatch,
			Expected: rec.Pending,
			Probed:   probed,
			Since:    c.now(),
		})

	case rec.Current != probed:
		c.logger.Error("graphics mode changed outside powerd", "recorded", rec.Current, "probed", probed)
		return c.persistWith(rec, &Recovery{
			Reason:   ReasonProbeMismatch,
			Expected: rec.Current,
			Probed:   probed,
			Since:    c.now(),
		})
	}

	return c.persistWith(rec, nil)
}

// probeFailed keeps rec without persisting it and reports the failure as
// a recovery condition.
func (c *Controller) probeFailed(rec state.Graphics, err error) error {
	c.logger.Error("cannot reconcile graphics state with hardware", "error", err)
	c.set(rec, &Recovery{
		Reason:   ReasonProbeFailed,
		Expected: rec.Target(),
		Since:    c.now(),
		Error:    err.Error(),
	})
	return fmt.Errorf("%w: %w", ErrProbeFailed, err)
}

// ensureReconciled retries Reconcile when the last one did not succeed.
func (c *Controller) ensureReconciled(ctx context.Context) error {
	c.mu.RLock()
	ok := c.reconciled
	c.mu.RUnlock()
	if ok {
		return nil
	}
	return c.Reconcile(ctx)
}

// Status returns the current view. It never blocks on a running
// transition.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		Current:       c.rec.Current,
		Pending:       c.rec.Pending,
		PendingReboot: c.rec.HasPending(),
		DiscretePower: c.rec.DiscretePower,
		Recovery:      c.recovery,
		Inconsistent:  c.rec.Inconsistent,
	}
}

// RequestMode switches the boot-time graphics mode to target.
func (c *Controller) RequestMode(ctx context.Context, tok *txn.Token, target state.Mode) (Outcome, error) {
	if err := checkToken(tok); err != nil {
		return "", err
	}
	if !target.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, target)
	}
	if err := c.ensureReconciled(ctx); err != nil {
		return "", err
	}

	rec := c.record()
	if rec.Inconsistent != nil {
		return "", fmt.Errorf("%w: step %s failed at %s", ErrInconsistent, rec.Inconsistent.Step, rec.Inconsistent.At.Format(time.RFC3339))
	}
	recovering := c.recoveryState() != nil
	if !recovering && rec.Target() == target {
		return OutcomeNoChange, nil
	}

	g, err := c.probe.Graphics()
	if err != nil {
		return "", fmt.Errorf("probing graphics: %w", err)
	}
	// A powered-off discrete GPU is absent from sysfs until the bus is
	// rescanned.
	if len(g.Discrete) == 0 && len(g.Integrated) > 0 && rec.DiscretePower == state.PowerOff {
		if g, err = c.restoreDiscrete(ctx, tok); err != nil {
			return "", err
		}
		rec = c.record()
	}
	if !g.Switchable() {
		return "", ErrNotSwitchable
	}
	if target == state.ModeHybrid && !g.RuntimePM() {
		return "", fmt.Errorf("%w: hybrid mode needs runtime power management on the discrete GPU", ErrNotSwitchable)
	}
	bootID, err := c.probe.BootID()
	if err != nil {
		return "", err
	}

	if err := ctx.Err(); err != nil {
		return "", err
	}

	log := c.logger.With("txn", tok.ID(), "from", rec.Target(), "to", target)
	log.Info("switching graphics mode")

	rec.InFlight = &state.InFlight{TxnID: tok.ID(), Target: target, StartedAt: c.now().UTC()}
	if err := c.persist(rec); err != nil {
		return "", fmt.Errorf("recording transition start: %w", err)
	}

	runErr := c.runner().Run(ctx, c.plan(target, bootID))

	after := c.record()
	after.InFlight = nil
	if runErr != nil {
		stepErr, ok := transition.AsStepError(runErr)
		if !ok {
			// Cancelled before the first step.
			if err := c.persist(after); err != nil {
				log.Error("failed to clear in-flight marker", "error", err)
			}
			return "", runErr
		}
		terr := &TransitionError{Target: target, Step: stepErr.Step, Recovered: stepErr.Recovered, Err: stepErr.Err}
		if !stepErr.Recovered {
			after.Inconsistent = &state.Inconsistent{Step: stepErr.Step, Error: stepErr.Error(), At: c.now().UTC()}
			log.Error("graphics transition left configuration inconsistent", "step", stepErr.Step, "error", stepErr)
		} else {
			log.Warn("graphics transition rolled back", "step", stepErr.Step, "error", stepErr.Err)
		}
		if err := c.persist(after); err != nil {
			log.Error("failed to persist rolled back state", "error", err)
		}
		return "", terr
	}

	if err := c.persistWith(after, nil); err != nil {
		return "", fmt.Errorf("recording transition end: %w", err)
	}
	if !after.HasPending() {
		log.Info("pending graphics switch cancelled")
		return OutcomeReverted, nil
	}
	log.Info("graphics mode pending reboot", "pending", after.Pending)
	return OutcomePendingReboot, nil
}

// AcceptHardwareMode makes the probed mode current and clears pending,
// in-flight and inconsistent markers. It is the operator's way out of
// recovery and fails with ErrNothingToAccept when there is none; a normal
// pending switch is left as it is.
func (c *Controller) AcceptHardwareMode(ctx context.Context, tok *txn.Token) (state.Mode, error) {
	if err := checkToken(tok); err != nil {
		return "", err
	}
	if err := c.ensureReconciled(ctx); err != nil {
		return "", err
	}
	if cur := c.record(); c.recoveryState() == nil && cur.InFlight == nil && cur.Inconsistent == nil {
		return "", ErrNothingToAccept
	}
	probed, err := c.probe.Mode()
	if err != nil {
		return "", fmt.Errorf("probing graphics mode: %w", err)
	}
	rec := c.record()
	rec.Current = probed
	rec.Pending, rec.PendingBootID = "", ""
	rec.InFlight, rec.Inconsistent = nil, nil
	if err := c.persistWith(rec, nil); err != nil {
		return "", err
	}
	c.logger.Info("accepted hardware graphics mode", "mode", probed, "txn", tok.ID())
	return probed, nil
}

// runner builds a transition runner that persists the current step into
// the in-flight marker before it starts.
func (c *Controller) runner() *transition.Runner {
	r := transition.NewRunner(c.logger)
	r.BeforeStep = func(ctx context.Context, index int, name string) error {
		rec := c.record()
		if rec.InFlight != nil {
			rec.InFlight.Step = name
			if err := c.persist(rec); err != nil {
				return err
			}
		}
		if c.stepHook != nil {
			return c.stepHook(ctx, index, name)
		}
		return nil
	}
	return r
}

// record returns a copy of the in-memory record.
func (c *Controller) record() state.Graphics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec := c.rec
	if rec.InFlight != nil {
		inflight := *rec.InFlight
		rec.InFlight = &inflight
	}
	return rec
}

func (c *Controller) recoveryState() *Recovery {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.recovery
}

func (c *Controller) set(rec state.Graphics, rcv *Recovery) {
	c.mu.Lock()
	c.rec = rec
	c.recovery = rcv
	c.mu.Unlock()
}

// persist saves rec and then makes it the in-memory record.
func (c *Controller) persist(rec state.Graphics) error {
	if err := c.store.Save(rec); err != nil {
		return err
	}
	c.mu.Lock()
	c.rec = rec
	c.mu.Unlock()
	return nil
}

// persistWith saves rec and replaces the recovery condition.
func (c *Controller) persistWith(rec state.Graphics, rcv *Recovery) error {
	if err := c.store.Save(rec); err != nil {
		return err
	}
	c.set(rec, rcv)
	return nil
}

var errNoToken = errors.New("graphics: caller does not hold a transaction token")

func checkToken(tok *txn.Token) error {
	if !tok.Valid() {
		return errNoToken
	}
	return nil
}
