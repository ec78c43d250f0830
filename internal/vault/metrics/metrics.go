package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus collectors for grant operations.
type Metrics struct {
	GrantsIssued     *prometheus.CounterVec
	Validations      *prometheus.CounterVec
	FailedAttempts   prometheus.Counter
	Lockouts         prometheus.Counter
	GrantsExpired    *prometheus.CounterVec
	ProbeRefusals    prometheus.Counter
	ShardLockWait    prometheus.Histogram
	OperationLatency *prometheus.HistogramVec
}

// New registers the vault collectors on reg (the default registerer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		GrantsIssued: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_grants_issued_total",
			Help: "Total number of grants issued, labeled by stage",
		}, []string{"stage"}),
		Validations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_grant_validations_total",
			Help: "Grant validations, labeled by outcome",
		}, []string{"outcome"}),
		FailedAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "gatehouse_grant_failed_attempts_total",
			Help: "Failed attempts recorded against existing grants",
		}),
		Lockouts: f.NewCounter(prometheus.CounterOpts{
			Name: "gatehouse_grant_lockouts_total",
			Help: "Grants revoked after too many failed attempts",
		}),
		GrantsExpired: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_grants_expired_total",
			Help: "Grants moved to expired, labeled by stage",
		}, []string{"stage"}),
		ProbeRefusals: f.NewCounter(prometheus.CounterOpts{
			Name: "gatehouse_grant_probe_refusals_total",
			Help: "Lookups refused because the client source exceeded the probe threshold",
		}),
		ShardLockWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "gatehouse_vault_shard_lock_wait_seconds",
			Help:    "Time spent waiting to acquire a vault shard lock",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
		OperationLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gatehouse_vault_operation_latency_seconds",
			Help:    "Latency of vault operations in seconds",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"operation"}),
	}
}

func (m *Metrics) IncrementIssued(stage string) {
	m.GrantsIssued.WithLabelValues(stage).Inc()
}

func (m *Metrics) IncrementValidation(outcome string) {
	m.Validations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementExpired(stage string) {
	m.GrantsExpired.WithLabelValues(stage).Inc()
}

func (m *Metrics) ObserveShardLockWait(durationSeconds float64) {
	m.ShardLockWait.Observe(durationSeconds)
}

func (m *Metrics) ObserveOperationLatency(operation string, durationSeconds float64) {
	m.OperationLatency.WithLabelValues(operation).Observe(durationSeconds)
}
