// Package metrics exposes Prometheus instrumentation for the relay,
// delivery, and ingress loops, grounded on email-service's
// app/metrics/metrics.go.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xraypipe_queue_depth",
			Help: "Claimed batch size per iteration, by queue",
		},
		[]string{"queue"},
	)

	RetryAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xraypipe_retry_attempts_total",
			Help: "Total retry attempts, by queue",
		},
		[]string{"queue"},
	)

	DLQMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xraypipe_dlq_messages_total",
			Help: "Total stream messages routed to the DLQ stream",
		},
		[]string{"reason"},
	)

	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xraypipe_batch_duration_seconds",
			Help:    "Iteration duration for relay/delivery loops",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"loop"},
	)

	IngressMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xraypipe_ingress_messages_total",
			Help: "Total stream messages dispatched, by event kind and outcome",
		},
		[]string{"event", "outcome"},
	)
)

// RecordBatch records a batch's size and wall-clock duration for a
// named loop (relay, delivery, ingress).
func RecordBatch(loop string, n int, d time.Duration) {
	QueueDepth.WithLabelValues(loop).Set(float64(n))
	BatchDuration.WithLabelValues(loop).Observe(d.Seconds())
}

// Handler exposes the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
