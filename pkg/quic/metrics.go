package quic

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the core, always registered: a transport with
// no visibility into connection count, congestion-state churn, or
// path-validation outcomes is not operable in production.
var (
	connectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "qcore",
		Subsystem: "connection",
		Name:      "active",
		Help:      "Number of connections currently registered.",
	})

	connectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qcore",
		Subsystem: "connection",
		Name:      "total",
		Help:      "Connections created, by role.",
	}, []string{"role"})

	congestionStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qcore",
		Subsystem: "congestion",
		Name:      "state_transitions_total",
		Help:      "Congestion controller discipline transitions, by destination state.",
	}, []string{"to"})

	pathValidationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "qcore",
		Subsystem: "path",
		Name:      "validation_outcomes_total",
		Help:      "Path challenge/response validation outcomes.",
	}, []string{"outcome"})
)
