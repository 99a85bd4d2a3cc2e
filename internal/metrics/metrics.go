// Package metrics exposes the daemon's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "powerd"

// Metrics holds the collectors on a private registry so tests and multiple
// daemons in one process do not collide.
type Metrics struct {
	registry *prometheus.Registry

	transitions     *prometheus.CounterVec
	powerChanges    *prometheus.CounterVec
	busyRejections  *prometheus.CounterVec
	denials         *prometheus.CounterVec
	profileApplies  *prometheus.CounterVec
	subsystemErrors *prometheus.CounterVec
	holds           prometheus.Gauge
	effective       *prometheus.GaugeVec
	recovery        prometheus.Gauge
	txnDuration     *prometheus.HistogramVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "graphics_transitions_total",
			Help:      "Graphics mode requests grouped by target mode and outcome.",
		}, []string{"target", "outcome"}),
		powerChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discrete_power_changes_total",
			Help:      "Discrete GPU power requests grouped by target state and outcome.",
		}, []string{"target", "outcome"}),
		busyRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "busy_rejections_total",
			Help:      "Mutating requests rejected because a transaction was in progress, by the running kind.",
		}, []string{"kind"}),
		denials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "authorization_denials_total",
			Help:      "Requests refused by the authorizer, by action and decision.",
		}, []string{"action", "decision"}),
		profileApplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "profile_applies_total",
			Help:      "Profile applications grouped by profile and result.",
		}, []string{"profile", "result"}),
		subsystemErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "profile_subsystem_errors_total",
			Help:      "Failed subsystem applications by subsystem.",
		}, []string{"subsystem"}),
		holds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "profile_holds",
			Help:      "Number of live profile holds.",
		}),
		effective: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "profile_effective",
			Help:      "1 for the currently applied profile, 0 otherwise.",
		}, []string{"profile"}),
		recovery: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "graphics_recovery",
			Help:      "1 while the graphics controller is in error recovery.",
		}),
		txnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "transaction_duration_seconds",
			Help:      "Time mutating transactions held the serializer, by kind.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transitions,
		m.powerChanges,
		m.busyRejections,
		m.denials,
		m.profileApplies,
		m.subsystemErrors,
		m.holds,
		m.effective,
		m.recovery,
		m.txnDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// All recording methods are safe on a nil *Metrics.

func (m *Metrics) GraphicsTransition(target, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(target, outcome).Inc()
}

func (m *Metrics) DiscretePower(target, outcome string) {
	if m == nil {
		return
	}
	m.powerChanges.WithLabelValues(target, outcome).Inc()
}

func (m *Metrics) BusyRejected(kind string) {
	if m == nil {
		return
	}
	m.busyRejections.WithLabelValues(kind).Inc()
}

func (m *Metrics) Denied(action, decision string) {
	if m == nil {
		return
	}
	m.denials.WithLabelValues(action, decision).Inc()
}

// ProfileApplied records one application attempt. failed lists the
// subsystems that did not take the new settings.
func (m *Metrics) ProfileApplied(profile string, committed bool, failed []string) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case !committed:
		result = "failed"
	case len(failed) > 0:
		result = "partial"
	}
	m.profileApplies.WithLabelValues(profile, result).Inc()
	for _, s := range failed {
		m.subsystemErrors.WithLabelValues(s).Inc()
	}
}

// ProfileState updates the hold gauge and marks the effective profile.
func (m *Metrics) ProfileState(active string, all []string, holds int) {
	if m == nil {
		return
	}
	m.holds.Set(float64(holds))
	for _, p := range all {
		v := 0.0
		if p == active {
			v = 1
		}
		m.effective.WithLabelValues(p).Set(v)
	}
}

func (m *Metrics) Recovery(active bool) {
	if m == nil {
		return
	}
	if active {
		m.recovery.Set(1)
	} else {
		m.recovery.Set(0)
	}
}

func (m *Metrics) TransactionDuration(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.txnDuration.WithLabelValues(kind).Observe(seconds)
}
