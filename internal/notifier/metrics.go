package notifier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sendRequestsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "notifier",
			Name:      "send_requests_total",
			Help:      "Total send requests by category and outcome.",
		},
		[]string{"category", "outcome"}, // outcome: "accepted", "denied"
	)

	quietHoursDeferralsCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "notifier",
			Name:      "quiet_hours_deferrals_total",
			Help:      "Total messages deferred to the end of the quiet-hours window.",
		},
	)

	recallsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "notifier",
			Name:      "recalls_total",
			Help:      "Total recall attempts by outcome.",
		},
		[]string{"outcome"}, // "recalled", "denied", "conflict"
	)

	manualRetriesCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "notifier",
			Name:      "manual_retries_total",
			Help:      "Total admin-triggered message retries.",
		},
	)
)
