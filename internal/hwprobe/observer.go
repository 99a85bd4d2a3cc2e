package hwprobe

import (
	"context"
	"sync"
	"time"

	"github.com/benaskins/powerd/internal/state"
)

// Snapshot is a point-in-time view of the hardware for read-only queries.
type Snapshot struct {
	Graphics      Graphics     `json:"graphics"`
	Switchable    bool         `json:"switchable"`
	Mode          state.Mode   `json:"mode,omitempty"`
	DiscretePower state.Power  `json:"discrete_power"`
	Capabilities  Capabilities `json:"capabilities"`
	Error         string       `json:"error,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
}

// Snapshot probes everything once.
func (p *Probe) Snapshot() Snapshot {
	snap := Snapshot{DiscretePower: state.PowerUnknown, Timestamp: time.Now()}

	g, err := p.Graphics()
	if err != nil {
		snap.Error = err.Error()
		return snap
	}
	snap.Graphics = g
	snap.Switchable = g.Switchable()
	snap.Capabilities = p.Capabilities()

	if mode, err := p.Mode(); err == nil {
		snap.Mode = mode
	} else {
		snap.Error = err.Error()
	}
	if on, err := p.DiscretePowered(); err == nil {
		snap.DiscretePower = state.PowerFromBool(on)
	}
	return snap
}

// Observer periodically probes the hardware and caches the result so read
// paths never touch sysfs directly.
type Observer struct {
	probe    *Probe
	interval time.Duration

	mu     sync.RWMutex
	snap   Snapshot
	cancel context.CancelFunc
}

// NewObserver creates an observer that polls at interval.
func NewObserver(probe *Probe, interval time.Duration) *Observer {
	return &Observer{probe: probe, interval: interval}
}

// Start takes an initial snapshot and keeps polling until Stop or ctx ends.
func (o *Observer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()

	o.Refresh()

	go func() {
		ticker := time.NewTicker(o.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				o.Refresh()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends polling.
func (o *Observer) Stop() {
	o.mu.Lock()
	cancel := o.cancel
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Refresh re-probes immediately, e.g. after a committed transition.
func (o *Observer) Refresh() {
	snap := o.probe.Snapshot()
	o.mu.Lock()
	o.snap = snap
	o.mu.Unlock()
}

// Snapshot returns the cached snapshot.
func (o *Observer) Snapshot() Snapshot {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.snap
}
