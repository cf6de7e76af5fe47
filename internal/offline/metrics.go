package offline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	spooledCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "offline",
			Name:      "spooled_total",
			Help:      "Total send requests buffered into the offline spool.",
		},
	)

	replayedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "offline",
			Name:      "replayed_total",
			Help:      "Total spooled requests replayed through the send path.",
		},
		[]string{"outcome"}, // "submitted", "rejected", "retained"
	)

	droppedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "offline",
			Name:      "dropped_total",
			Help:      "Total spooled requests dropped after exhausting the replay budget.",
		},
	)

	spoolDepthGauge = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "offline",
			Name:      "spool_depth",
			Help:      "Send requests currently buffered in the spool.",
		},
	)
)
