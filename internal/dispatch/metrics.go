package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyhub_dispatch_send_total",
			Help: "Channel send attempts by result.",
		},
		[]string{"channel", "result"},
	)
	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notifyhub_dispatch_send_duration_seconds",
			Help:    "Duration of a single channel send.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"channel"},
	)
	requeuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifyhub_dispatch_requeued_total",
			Help: "Stale IN_FLIGHT records returned to PENDING by the reconciler.",
		},
	)
)
