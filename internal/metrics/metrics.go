package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// AI outcome labels.
const (
	AIOutcomeReplied  = "replied"
	AIOutcomeFallback = "fallback"
)

// Metrics groups the collectors exported on /metrics.
type Metrics struct {
	registry          *prometheus.Registry
	SessionsCreated   prometheus.Counter
	MessagesAccepted  prometheus.Counter
	MessagesRejected  *prometheus.CounterVec
	AIRequests        *prometheus.CounterVec
	LedgerFailures    prometheus.Counter
	ConnectionsActive prometheus.Gauge
	ConnectionsDrops  prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "huddle", Name: "sessions_created_total",
			Help: "Sessions created.",
		}),
		MessagesAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "huddle", Name: "messages_accepted_total",
			Help: "Messages persisted and broadcast, including assistant replies.",
		}),
		MessagesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle", Name: "messages_rejected_total",
			Help: "Inbound messages rejected before persistence.",
		}, []string{"reason"}),
		AIRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle", Name: "ai_requests_total",
			Help: "Assistant invocations by outcome.",
		}, []string{"outcome"}),
		LedgerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "huddle", Name: "ledger_failures_total",
			Help: "Digests that could not be recorded.",
		}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "huddle", Name: "connections_active",
			Help: "Live connections admitted to a session.",
		}),
		ConnectionsDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "huddle", Name: "connections_dropped_total",
			Help: "Connections dropped because their send queue was full.",
		}),
	}
	m.registry.MustRegister(
		m.SessionsCreated,
		m.MessagesAccepted,
		m.MessagesRejected,
		m.AIRequests,
		m.LedgerFailures,
		m.ConnectionsActive,
		m.ConnectionsDrops,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
