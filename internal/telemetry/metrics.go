package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "prepquiz"

var (
	SessionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_started_total",
		Help:      "Questions dispatched, by subject.",
	}, []string{"subject"})

	SessionsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sessions_resolved_total",
		Help:      "Resolved sessions, by subject and outcome.",
	}, []string{"subject", "outcome"})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Sessions currently waiting for an answer or their deadline.",
	})

	ResolutionFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "resolution_failures_total",
		Help:      "Resolutions whose score could not be applied.",
	})

	AccessDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "access_decisions_total",
		Help:      "Access checks, by reason.",
	}, []string{"reason"})

	StoreUp = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "store_up",
		Help:      "1 if the last user store health check succeeded.",
	})
)
