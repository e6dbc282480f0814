package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	DispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handheld_dispatch_total",
			Help: "Total number of dispatched requests by outcome.",
		},
		[]string{"kind", "outcome"}, // kind: scan, job, raw; outcome: delivered, queued
	)

	SendFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handheld_send_failures_total",
			Help: "Total number of failed sends by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, timeout, connection_refused
	)

	SendLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "handheld_send_latency_seconds",
			Help:    "Latency of HTTP sends to the API.",
			Buckets: prometheus.DefBuckets,
		},
	)

	DrainDeliveredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "handheld_drain_delivered_total",
			Help: "Total number of queued requests delivered by drain.",
		},
	)

	DrainRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "handheld_drain_runs_total",
			Help: "Total number of drain calls by result.",
		},
		[]string{"result"}, // empty, flushed, stalled, error
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "handheld_queue_depth",
			Help: "Number of requests waiting in the local outbox.",
		},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(DispatchTotal, SendFailuresTotal, SendLatency, DrainDeliveredTotal, DrainRunsTotal, QueueDepth)
}

// RecordDispatch counts a dispatch decision.
func RecordDispatch(kind, outcome string) {
	DispatchTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordSend observes one HTTP attempt. reason is empty on success.
func RecordSend(reason string, latency time.Duration) {
	SendLatency.Observe(latency.Seconds())
	if reason != "" {
		SendFailuresTotal.WithLabelValues(reason).Inc()
	}
}

// RecordDrain counts a finished drain call.
func RecordDrain(result string, delivered int) {
	DrainRunsTotal.WithLabelValues(result).Inc()
	DrainDeliveredTotal.Add(float64(delivered))
}

// UpdateQueueDepth sets the outbox gauge.
func UpdateQueueDepth(n int) {
	QueueDepth.Set(float64(n))
}
