package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records nothing.
type Metrics struct {
	transitions    *prometheus.CounterVec
	initiations    *prometheus.CounterVec
	sweepDuration  prometheus.Histogram
	sweepInstances *prometheus.CounterVec
	outboxEvents   *prometheus.CounterVec
}

// NewMetrics registers the collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_transitions_total",
			Help: "Committed instance transitions by action.",
		}, []string{"action"}),
		initiations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_initiations_total",
			Help: "Initiation attempts by outcome.",
		}, []string{"outcome"}),
		sweepDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "approvals_sweep_duration_seconds",
			Help:    "Reconciliation sweep duration.",
			Buckets: prometheus.DefBuckets,
		}),
		sweepInstances: f.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_sweep_instances_total",
			Help: "Instances visited by the reconciliation sweep by outcome.",
		}, []string{"outcome"}),
		outboxEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_outbox_events_total",
			Help: "Outbox relay attempts by outcome.",
		}, []string{"outcome"}),
	}
}

func (m *Metrics) transition(action string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(action).Inc()
}

func (m *Metrics) initiation(outcome string) {
	if m == nil {
		return
	}
	m.initiations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) sweep(d time.Duration, r SweepResult) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
	m.sweepInstances.WithLabelValues("auto_approved").Add(float64(r.AutoApproved))
	m.sweepInstances.WithLabelValues("escalated").Add(float64(r.Escalated))
	m.sweepInstances.WithLabelValues("skipped").Add(float64(r.Skipped))
	m.sweepInstances.WithLabelValues("failed").Add(float64(r.Failed))
}

func (m *Metrics) outbox(outcome string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.outboxEvents.WithLabelValues(outcome).Add(float64(n))
}
