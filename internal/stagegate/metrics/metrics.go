package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for stage transitions.
type Metrics struct {
	CandidatesCreated prometheus.Counter
	StagesStarted     *prometheus.CounterVec
	Transitions       *prometheus.CounterVec
	AutoStartFailures *prometheus.CounterVec
	GrantCleanupFails prometheus.Counter
	ShardLockWait     prometheus.Histogram
}

// New registers the stage gate collectors on reg (the default registerer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		CandidatesCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "gatehouse_candidates_created_total",
			Help: "Candidates registered at intake",
		}),
		StagesStarted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_stages_started_total",
			Help: "Assessment stages started, labeled by stage",
		}, []string{"stage"}),
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_stage_transitions_total",
			Help: "Committed gate decisions, labeled by stage and decision",
		}, []string{"stage", "decision"}),
		AutoStartFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_stage_autostart_failures_total",
			Help: "Passed stages whose follow-up stage could not be started automatically",
		}, []string{"stage"}),
		GrantCleanupFails: f.NewCounter(prometheus.CounterOpts{
			Name: "gatehouse_stage_grant_cleanup_failures_total",
			Help: "Active grants of a closed stage that could not be revoked",
		}),
		ShardLockWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatehouse_stagegate_shard_lock_wait_seconds",
			Help:    "Time spent waiting to acquire a candidate shard lock",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}
}

func (m *Metrics) IncrementCreated() {
	m.CandidatesCreated.Inc()
}

func (m *Metrics) IncrementStarted(stage string) {
	m.StagesStarted.WithLabelValues(stage).Inc()
}

func (m *Metrics) IncrementTransition(stage, decision string) {
	m.Transitions.WithLabelValues(stage, decision).Inc()
}

func (m *Metrics) IncrementAutoStartFailure(stage string) {
	m.AutoStartFailures.WithLabelValues(stage).Inc()
}

func (m *Metrics) IncrementCleanupFailure() {
	m.GrantCleanupFails.Inc()
}

func (m *Metrics) ObserveShardLockWait(seconds float64) {
	m.ShardLockWait.Observe(seconds)
}
