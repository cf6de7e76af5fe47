package emergency

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	broadcastsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emergency",
			Name:      "broadcasts_total",
			Help:      "Total emergency broadcasts fanned out.",
		},
		[]string{"type"},
	)

	fanoutMessagesCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "emergency",
			Name:      "fanout_messages_total",
			Help:      "Total per-channel messages created by broadcast and escalation waves.",
		},
	)

	escalationsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emergency",
			Name:      "escalations_total",
			Help:      "Total escalation level advances.",
		},
		[]string{"trigger"}, // "automatic", "manual"
	)

	acksCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emergency",
			Name:      "acknowledgments_total",
			Help:      "Total guardian acknowledgments recorded.",
		},
		[]string{"method"},
	)

	resolutionsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "emergency",
			Name:      "resolutions_total",
			Help:      "Total emergencies closed.",
		},
		[]string{"outcome"}, // "resolved", "cancelled"
	)

	activeEmergenciesGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "emergency",
			Name:      "active_incidents",
			Help:      "Emergencies currently broadcasting or escalating.",
		},
	)

	drainedMessagesCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "emergency",
			Name:      "drained_messages_total",
			Help:      "Queued emergency messages cancelled by resolve or cancel.",
		},
	)
)
