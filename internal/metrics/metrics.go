// Package metrics defines the Prometheus instruments for the orchestration
// core. Instruments are registered once against an explicit registerer and
// threaded into the components that record them.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every instrument the core records.
type Metrics struct {
	// RequestsTotal counts dispatched requests by intent and outcome. The
	// outcome is "ok" or the response error kind.
	RequestsTotal *prometheus.CounterVec

	// RequestDuration observes handler wall time per skill.
	RequestDuration *prometheus.HistogramVec

	// HeartbeatTicks counts completed scheduler ticks.
	HeartbeatTicks prometheus.Counter

	// HeartbeatDuration observes whole-tick wall time.
	HeartbeatDuration prometheus.Histogram

	// HeartbeatTimeouts counts per-skill heartbeat deadline overruns.
	HeartbeatTimeouts *prometheus.CounterVec

	// HeartbeatActions counts actions collected per tick, by skill.
	HeartbeatActions *prometheus.CounterVec

	// PendingActions counts pending-action lifecycle outcomes.
	PendingActions *prometheus.CounterVec

	// UpdateAttempts counts self-update attempts by final status.
	UpdateAttempts *prometheus.CounterVec

	// EventsPublished counts bus events by kind.
	EventsPublished *prometheus.CounterVec
}

// New registers all core instruments against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castellan_requests_total",
			Help: "Dispatched requests by intent and outcome.",
		}, []string{"intent", "outcome"}),
		RequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "castellan_request_duration_seconds",
			Help:    "Handler wall time per skill.",
			Buckets: prometheus.DefBuckets,
		}, []string{"skill"}),
		HeartbeatTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "castellan_heartbeat_ticks_total",
			Help: "Completed heartbeat ticks.",
		}),
		HeartbeatDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "castellan_heartbeat_tick_duration_seconds",
			Help:    "Whole-tick wall time.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 15, 30, 60},
		}),
		HeartbeatTimeouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castellan_heartbeat_timeouts_total",
			Help: "Per-skill heartbeat deadline overruns.",
		}, []string{"skill"}),
		HeartbeatActions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castellan_heartbeat_actions_total",
			Help: "Heartbeat actions collected, by producing skill.",
		}, []string{"skill"}),
		PendingActions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castellan_pending_actions_total",
			Help: "Pending-action outcomes.",
		}, []string{"outcome"}),
		UpdateAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castellan_update_attempts_total",
			Help: "Self-update attempts by final status.",
		}, []string{"status"}),
		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "castellan_events_published_total",
			Help: "Bus events published by kind.",
		}, []string{"kind"}),
	}
}

// NewNop returns instruments bound to a throwaway registry, for tests and
// for components constructed without metrics.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveRequest records one dispatched request.
func (m *Metrics) ObserveRequest(intent, skillName, outcome string, elapsed time.Duration) {
	m.RequestsTotal.WithLabelValues(intent, outcome).Inc()
	if skillName != "" {
		m.RequestDuration.WithLabelValues(skillName).Observe(elapsed.Seconds())
	}
}
