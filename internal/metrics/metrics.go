// Package metrics exposes the service's Prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	WebhookRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "webhook_requests_total", Help: "Inbound webhook deliveries by response code"},
		[]string{"code"},
	)
	WebhookDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webhook_duration_seconds",
			Help:    "Wall-clock time spent handling a webhook delivery",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 4, 6, 8, 10},
		},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Per-stock order outcomes"},
		[]string{"account", "status"},
	)
	BrokerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "broker_requests_total", Help: "Broker REST calls by route and result"},
		[]string{"route", "result"},
	)
	StorageWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "storage_writes_total", Help: "Storage tier attempts by result"},
		[]string{"tier", "result"},
	)
	StorageLateWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "storage_late_writes_total", Help: "Tier writes that landed after their timeout fired"},
		[]string{"tier"},
	)
	EmergencyQueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "emergency_queue_size", Help: "Records held in the in-memory emergency queue"},
	)
)

func init() {
	prometheus.MustRegister(
		WebhookRequests,
		WebhookDuration,
		OrdersTotal,
		BrokerRequests,
		StorageWrites,
		StorageLateWrites,
		EmergencyQueueSize,
	)
}

// Handler serves the default registry in the text exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
