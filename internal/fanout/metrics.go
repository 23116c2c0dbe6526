package fanout

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	fanoutRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifyhub_fanout_records_total",
			Help: "Fan-out results per channel: created, duplicate or blocked.",
		},
		[]string{"channel", "result"},
	)
	fanoutDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notifyhub_fanout_duration_seconds",
			Help:    "Duration of one event fan-out including the batch insert.",
			Buckets: prometheus.DefBuckets,
		},
	)
)
