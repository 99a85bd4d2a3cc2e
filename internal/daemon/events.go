package daemon

import (
	"sync"
	"time"

	"github.com/benaskins/powerd/internal/graphics"
	"github.com/benaskins/powerd/internal/profile"
	"github.com/benaskins/powerd/internal/txn"
)

// EventKind names a notification.
type EventKind string

const (
	EventGraphicsModeChanged EventKind = "GraphicsModeChanged"
	EventProfileChanged      EventKind = "ProfileChanged"
	EventTransactionBusy     EventKind = "TransactionBusy"
)

// subscriberBuffer is how many events a slow subscriber may lag behind
// before events are dropped for it.
const subscriberBuffer = 32

// ProfileInfo is the payload of ProfileChanged.
type ProfileInfo struct {
	Active    profile.Profile `json:"active"`
	Effective profile.Profile `json:"effective"`
	HoldCount int             `json:"hold_count"`
}

// Event is a notification. Exactly one payload is set, matching Kind.
type Event struct {
	Kind     EventKind        `json:"kind"`
	Time     time.Time        `json:"time"`
	Graphics *graphics.Status `json:"graphics,omitempty"`
	Profile  *ProfileInfo     `json:"profile,omitempty"`
	Busy     *txn.Status      `json:"busy,omitempty"`
}

// Broadcaster fans events out to subscribers without ever blocking the
// publisher.
type Broadcaster struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	next   int
	closed bool
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a cancel func that closes it.
// After Close the channel is returned already closed.
func (b *Broadcaster) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers e to every subscriber with room for it.
func (b *Broadcaster) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close disconnects all subscribers.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
