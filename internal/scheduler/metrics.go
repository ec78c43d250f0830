package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	sweepExpiry    = "expiry"
	sweepReminders = "reminders"
)

type Metrics struct {
	SweepRuns        *prometheus.CounterVec
	SweepFailures    *prometheus.CounterVec
	SweepDuration    *prometheus.HistogramVec
	GrantsReconciled *prometheus.CounterVec
}

// NewMetrics registers the scheduler collectors on reg (the default registerer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		SweepRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_scheduler_sweeps_total",
			Help: "Scheduler sweeps run, labeled by sweep",
		}, []string{"sweep"}),
		SweepFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_scheduler_sweep_failures_total",
			Help: "Scheduler sweeps that finished with at least one error, labeled by sweep",
		}, []string{"sweep"}),
		SweepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gatehouse_scheduler_sweep_duration_seconds",
			Help:    "Wall time of a scheduler sweep",
			Buckets: prometheus.DefBuckets,
		}, []string{"sweep"}),
		GrantsReconciled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_scheduler_grants_reconciled_total",
			Help: "Grants changed by the scheduler, labeled by action",
		}, []string{"action"}),
	}
}

func (m *Metrics) ObserveSweep(sweep string, seconds float64, failed bool) {
	m.SweepRuns.WithLabelValues(sweep).Inc()
	m.SweepDuration.WithLabelValues(sweep).Observe(seconds)
	if failed {
		m.SweepFailures.WithLabelValues(sweep).Inc()
	}
}

func (m *Metrics) AddReconciled(action string, n int) {
	if n > 0 {
		m.GrantsReconciled.WithLabelValues(action).Add(float64(n))
	}
}
