package intake

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var intakeOutcomesTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "notifyhub_intake_outcomes_total",
		Help: "Inbound events by intake outcome.",
	},
	[]string{"outcome"},
)
