// Package txn owns the daemon's single mutation slot. At most one Token
// exists at a time across graphics and profile operations; read paths
// never touch the slot.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrBusy is matched (errors.Is) by every *BusyError.
var ErrBusy = errors.New("another transaction is in progress")

// DefaultStuckAfter is how long a transaction may hold the slot before
// Busy reports it as stuck.
const DefaultStuckAfter = 2 * time.Minute

// Kind names the operation holding the slot.
type Kind string

const (
	KindGraphicsMode    Kind = "graphics_mode"
	KindGraphicsPower   Kind = "graphics_power"
	KindGraphicsRecover Kind = "graphics_recover"
	KindProfile         Kind = "profile"
)

// BusyError describes the transaction that blocked an acquisition.
type BusyError struct {
	Holder  Kind
	ID      string
	Since   time.Time
	Elapsed time.Duration
	Stuck   bool
}

func (e *BusyError) Error() string {
	if e.Stuck {
		return fmt.Sprintf("busy, stuck: %s transaction running for %s", e.Holder, e.Elapsed.Round(time.Second))
	}
	return fmt.Sprintf("busy: %s transaction in progress", e.Holder)
}

func (e *BusyError) Is(target error) bool { return target == ErrBusy }

// Status is the externally visible state of the slot.
type Status struct {
	Busy    bool          `json:"busy"`
	Kind    Kind          `json:"kind,omitempty"`
	ID      string        `json:"id,omitempty"`
	Since   time.Time     `json:"since,omitzero"`
	Elapsed time.Duration `json:"elapsed,omitempty"`
	Stuck   bool          `json:"stuck,omitempty"`
}

// Token is exclusive ownership of the mutation slot.
type Token struct {
	s        *Serializer
	id       string
	kind     Kind
	acquired time.Time
	released atomic.Bool
}

// ID returns the transaction id.
func (t *Token) ID() string { return t.id }

// Kind returns the operation the token was acquired for.
func (t *Token) Kind() Kind { return t.kind }

// AcquiredAt returns when the slot was taken.
func (t *Token) AcquiredAt() time.Time { return t.acquired }

// Valid reports whether the token still owns the slot.
func (t *Token) Valid() bool { return t != nil && !t.released.Load() }

// Release frees the slot. Only the first call has an effect.
func (t *Token) Release() {
	if !t.released.CompareAndSwap(false, true) {
		t.s.logger.Warn("token released twice", "txn", t.id, "kind", t.kind)
		return
	}
	t.s.release(t)
}

// Serializer hands out Tokens. The holder is installed in the same
// critical section that takes the slot, so a refusal always names it.
type Serializer struct {
	mu         sync.Mutex
	current    *Token
	freed      chan struct{} // closed when current is released
	now        func() time.Time
	stuckAfter time.Duration
	onBusy     func(*BusyError)
	logger     *slog.Logger
}

// Option configures a Serializer.
type Option func(*Serializer)

// WithStuckAfter sets the threshold after which a holder is reported stuck.
func WithStuckAfter(d time.Duration) Option {
	return func(s *Serializer) { s.stuckAfter = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Serializer) { s.now = now }
}

// WithBusyHook registers a callback invoked whenever TryAcquire is refused.
func WithBusyHook(fn func(*BusyError)) Option {
	return func(s *Serializer) { s.onBusy = fn }
}

// New creates an idle Serializer.
func New(opts ...Option) *Serializer {
	s := &Serializer{
		freed:      make(chan struct{}),
		now:        time.Now,
		stuckAfter: DefaultStuckAfter,
		logger:     slog.With("component", "txn"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TryAcquire takes the slot or fails immediately with a *BusyError.
func (s *Serializer) TryAcquire(kind Kind) (*Token, error) {
	s.mu.Lock()
	if s.current == nil {
		tok := s.installLocked(kind)
		s.mu.Unlock()
		return tok, nil
	}
	busy := s.busyErrorLocked()
	s.mu.Unlock()

	if s.onBusy != nil {
		s.onBusy(busy)
	}
	return nil, busy
}

// Acquire waits for the slot. A cancelled ctx abandons the wait; the
// request is then simply never started.
func (s *Serializer) Acquire(ctx context.Context, kind Kind) (*Token, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		s.mu.Lock()
		if s.current == nil {
			tok := s.installLocked(kind)
			s.mu.Unlock()
			return tok, nil
		}
		freed := s.freed
		s.mu.Unlock()

		select {
		case <-freed:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Do runs fn while holding the slot, failing fast with Busy. The token is
// released exactly once on every exit path, including a panic in fn.
func (s *Serializer) Do(kind Kind, fn func(*Token) error) error {
	tok, err := s.TryAcquire(kind)
	if err != nil {
		return err
	}
	defer tok.Release()
	return fn(tok)
}

// DoWait is Do with a queued Acquire.
func (s *Serializer) DoWait(ctx context.Context, kind Kind, fn func(*Token) error) error {
	tok, err := s.Acquire(ctx, kind)
	if err != nil {
		return err
	}
	defer tok.Release()
	return fn(tok)
}

// Status reports the current holder without contending for the slot.
func (s *Serializer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Serializer) statusLocked() Status {
	cur := s.current
	if cur == nil {
		return Status{}
	}
	elapsed := s.now().Sub(cur.acquired)
	return Status{
		Busy:    true,
		Kind:    cur.kind,
		ID:      cur.id,
		Since:   cur.acquired,
		Elapsed: elapsed,
		Stuck:   s.stuckAfter > 0 && elapsed >= s.stuckAfter,
	}
}

func (s *Serializer) installLocked(kind Kind) *Token {
	tok := &Token{
		s:        s,
		id:       uuid.NewString(),
		kind:     kind,
		acquired: s.now(),
	}
	s.current = tok
	s.logger.Debug("transaction started", "txn", tok.id, "kind", kind)
	return tok
}

func (s *Serializer) release(t *Token) {
	s.mu.Lock()
	if s.current == t {
		s.current = nil
		close(s.freed)
		s.freed = make(chan struct{})
	}
	s.mu.Unlock()
	s.logger.Debug("transaction finished", "txn", t.id, "kind", t.kind, "duration", s.now().Sub(t.acquired))
}

func (s *Serializer) busyErrorLocked() *BusyError {
	st := s.statusLocked()
	return &BusyError{
		Holder:  st.Kind,
		ID:      st.ID,
		Since:   st.Since,
		Elapsed: st.Elapsed,
		Stuck:   st.Stuck,
	}
}
