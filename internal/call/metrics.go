package call

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "groupcall",
		Subsystem: "session",
		Name:      "state_transitions_total",
		Help:      "Session state transitions by destination state.",
	}, []string{"state"})

	metricRejoins = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "groupcall",
		Subsystem: "session",
		Name:      "rejoins_total",
		Help:      "Join protocol restarts by trigger.",
	}, []string{"trigger"})

	metricLivenessFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "groupcall",
		Subsystem: "session",
		Name:      "liveness_failures_total",
		Help:      "Liveness polls that found the device missing or failed.",
	})

	metricBroadcastParts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "groupcall",
		Subsystem: "broadcast",
		Name:      "parts_total",
		Help:      "Broadcast segment fetches by outcome.",
	}, []string{"status"})
)
