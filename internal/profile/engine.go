// Package profile applies power profiles and tracks the client holds that
// pin one.
//
// The effective profile is the highest-priority profile among current
// holds, or the base profile (the last request made without a hold,
// Balanced by default) when there are none. The active profile is the one
// last written to hardware. Each subsystem is applied independently: a
// failure in one does not stop the others and is reported as a
// *PartialError.
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benaskins/powerd/internal/txn"
)

var ErrInvalidProfile = errors.New("invalid power profile")

var errNoToken = errors.New("profile: caller does not hold a transaction token")

// Owner identifies the client a hold belongs to. Transports derive it from
// the client connection so it dies with the connection.
type Owner string

// Hold pins a profile for as long as its owner is connected.
type Hold struct {
	Owner   Owner     `json:"owner"`
	Profile Profile   `json:"profile"`
	Since   time.Time `json:"since"`
}

// PartialError reports subsystems that failed while applying Profile.
// Committed is true when the profile still became active.
type PartialError struct {
	Profile   Profile
	Failed    []string
	Errs      map[string]error
	Committed bool
}

func (e *PartialError) Error() string {
	parts := make([]string, 0, len(e.Failed))
	for _, name := range e.Failed {
		parts = append(parts, fmt.Sprintf("%s: %v", name, e.Errs[name]))
	}
	return fmt.Sprintf("profile %s partially applied: %s", e.Profile, strings.Join(parts, "; "))
}

// Status is the read-only view returned by get_profile.
type Status struct {
	Active    Profile  `json:"active"`
	Effective Profile  `json:"effective"`
	Base      Profile  `json:"base"`
	HoldCount int      `json:"hold_count"`
	Holds     []Hold   `json:"holds,omitempty"`
	Failed    []string `json:"failed_subsystems,omitempty"`
}

// Engine owns the hold table and the applied profile.
type Engine struct {
	subsystems []Subsystem
	now        func() time.Time
	logger     *slog.Logger

	mu      sync.RWMutex
	defs    Definitions
	base    Profile
	holds   map[Owner]Hold
	active  Profile
	applied Settings
	failed  map[string]error
}

// Option configures an Engine.
type Option func(*Engine)

// WithDefinitions replaces the built-in profile definitions.
func WithDefinitions(defs Definitions) Option {
	return func(e *Engine) { e.defs = defs }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine that writes through subsystems. Nothing is
// applied until the first Apply or Reapply.
func NewEngine(subsystems []Subsystem, opts ...Option) *Engine {
	e := &Engine{
		subsystems: subsystems,
		now:        time.Now,
		logger:     slog.With("component", "profile"),
		defs:       Defaults(),
		base:       Balanced,
		holds:      make(map[Owner]Hold),
		failed:     make(map[string]error),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply requests p. With a non-empty hold the request pins p for that
// owner, replacing any earlier hold of the same owner; without one it
// becomes the base profile. The effective profile is then applied.
func (e *Engine) Apply(ctx context.Context, tok *txn.Token, p Profile, hold Owner) error {
	if !tok.Valid() {
		return errNoToken
	}
	if !p.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidProfile, p)
	}

	e.mu.Lock()
	if hold != "" {
		e.holds[hold] = Hold{Owner: hold, Profile: p, Since: e.now()}
	} else {
		e.base = p
	}
	e.mu.Unlock()

	e.logger.Info("profile requested", "profile", p, "hold", hold, "txn", tok.ID())
	return e.reconcile(ctx)
}

// ReleaseHold drops owner's hold and reapplies if the effective profile
// changed. Releasing an unknown owner is a no-op.
func (e *Engine) ReleaseHold(ctx context.Context, tok *txn.Token, owner Owner) error {
	if !tok.Valid() {
		return errNoToken
	}
	e.mu.Lock()
	_, ok := e.holds[owner]
	delete(e.holds, owner)
	e.mu.Unlock()
	if !ok {
		return nil
	}

	e.logger.Info("profile hold released", "owner", owner, "txn", tok.ID())
	return e.reconcile(ctx)
}

// HasHold reports whether owner holds a profile.
func (e *Engine) HasHold(owner Owner) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.holds[owner]
	return ok
}

// Reapply writes the effective profile again if it or its definition
// changed since the last application, or retries subsystems that failed.
func (e *Engine) Reapply(ctx context.Context, tok *txn.Token) error {
	if !tok.Valid() {
		return errNoToken
	}
	return e.reconcile(ctx)
}

// SetDefinitions swaps the profile definitions. It reports whether the
// effective profile's settings changed, in which case the caller should
// Reapply.
func (e *Engine) SetDefinitions(defs Definitions) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	eff := e.effectiveLocked()
	changed := defs[eff] != e.defs[eff]
	e.defs = defs
	return changed
}

// Status returns the current view without touching hardware.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	holds := make([]Hold, 0, len(e.holds))
	for _, h := range e.holds {
		holds = append(holds, h)
	}
	sort.Slice(holds, func(i, j int) bool { return holds[i].Owner < holds[j].Owner })

	return Status{
		Active:    e.active,
		Effective: e.effectiveLocked(),
		Base:      e.base,
		HoldCount: len(holds),
		Holds:     holds,
		Failed:    sortedKeys(e.failed),
	}
}

// Effective returns the profile the priority rule selects.
func (e *Engine) Effective() Profile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.effectiveLocked()
}

func (e *Engine) effectiveLocked() Profile {
	if len(e.holds) == 0 {
		return e.base
	}
	var eff Profile
	for _, h := range e.holds {
		eff = Higher(eff, h.Profile)
	}
	return eff
}

// reconcile brings hardware to the effective profile. Reapplying the
// active profile with unchanged settings and no failed subsystems does no
// writes; with failed subsystems only those are retried.
func (e *Engine) reconcile(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.RLock()
	eff := e.effectiveLocked()
	settings := e.defs[eff]
	retryOnly := eff == e.active && settings == e.applied
	prevFailed := make(map[string]bool, len(e.failed))
	for name := range e.failed {
		prevFailed[name] = true
	}
	e.mu.RUnlock()

	if retryOnly && len(prevFailed) == 0 {
		e.logger.Debug("profile already active", "profile", eff)
		return nil
	}

	failed := make(map[string]error)
	attempted := 0
	for _, sub := range e.subsystems {
		if retryOnly && !prevFailed[sub.Name()] {
			continue
		}
		attempted++
		if err := sub.Apply(ctx, settings); err != nil {
			e.logger.Warn("subsystem failed", "subsystem", sub.Name(), "profile", eff, "error", err)
			failed[sub.Name()] = err
		}
	}

	// A full application commits unless most subsystems failed.
	commit := retryOnly || len(failed)*2 <= attempted

	e.mu.Lock()
	if commit {
		e.active = eff
		e.applied = settings
		e.failed = failed
	}
	e.mu.Unlock()

	if len(failed) == 0 {
		e.logger.Info("profile applied", "profile", eff, "subsystems", attempted)
		return nil
	}
	perr := &PartialError{Profile: eff, Failed: sortedKeys(failed), Errs: failed, Committed: commit}
	if !commit {
		e.logger.Error("profile not committed", "profile", eff, "failed", perr.Failed)
	}
	return perr
}

func sortedKeys(m map[string]error) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
