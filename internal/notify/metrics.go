package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Emitted   *prometheus.CounterVec
	Dropped   *prometheus.CounterVec
	Delivered *prometheus.CounterVec
	Failed    *prometheus.CounterVec
	Breaker   *prometheus.GaugeVec
}

// NewMetrics registers the notification collectors on reg (the default registerer when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Emitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_notifications_emitted_total",
			Help: "Notifications accepted for delivery, labeled by kind",
		}, []string{"kind"}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_notifications_dropped_total",
			Help: "Notifications dropped because the buffer was full or closed, labeled by kind",
		}, []string{"kind"}),
		Delivered: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_notifications_delivered_total",
			Help: "Notifications delivered, labeled by sink",
		}, []string{"sink"}),
		Failed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "gatehouse_notifications_failed_total",
			Help: "Notification deliveries that failed, labeled by sink",
		}, []string{"sink"}),
		Breaker: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gatehouse_notification_breaker_state",
			Help: "Circuit breaker state per sink (0 closed, 1 open, 2 half-open)",
		}, []string{"sink"}),
	}
}
