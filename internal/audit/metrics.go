package audit

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	eventsPublishedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "audit",
			Name:      "events_published_total",
			Help:      "Total audit events published to the broker.",
		},
		[]string{"kind"},
	)

	eventsDroppedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "audit",
			Name:      "events_dropped_total",
			Help:      "Total audit events lost to publish or encode failures.",
		},
	)

	eventsPersistedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "audit",
			Name:      "events_persisted_total",
			Help:      "Total audit events written to the log store.",
		},
		[]string{"status"}, // "ok", "invalid", "error"
	)
)
