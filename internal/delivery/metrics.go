package delivery

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	messagesClaimedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "delivery",
			Name:      "messages_claimed_total",
			Help:      "Total messages claimed from the queue for sending.",
		},
	)

	attemptsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "delivery",
			Name:      "attempts_total",
			Help:      "Total channel send attempts.",
		},
		[]string{"channel", "outcome"}, // outcome: "delivered", "accepted", "failed"
	)

	attemptDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "delivery",
			Name:      "attempt_duration_seconds",
			Help:      "Duration of channel send attempts.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	fallbacksCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "delivery",
			Name:      "fallbacks_total",
			Help:      "Total requeues onto the next ranked channel after a failure.",
		},
		[]string{"from_channel", "to_channel"},
	)

	exhaustedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "delivery",
			Name:      "messages_exhausted_total",
			Help:      "Total messages that ran out of ranked channels.",
		},
		[]string{"category"},
	)

	receiptsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "delivery",
			Name:      "receipts_processed_total",
			Help:      "Total delivery receipts consumed from the broker.",
		},
		[]string{"status"}, // e.g. "delivered", "duplicate", "unknown_message", "invalid"
	)
)
