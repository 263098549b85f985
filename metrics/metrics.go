// Package metrics exposes Prometheus instrumentation for the secure
// session layer. The registry is injected at construction so tests
// stay hermetic; nothing registers against the global default.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the collectors observing the transport and
// resilience layers.
type Metrics struct {
	RetriesTotal       *prometheus.CounterVec
	BreakerTransitions *prometheus.CounterVec
	HandshakesTotal    *prometheus.CounterVec
	DecryptFailures    prometheus.Counter
	QueueDepth         prometheus.Gauge
	DeadLettersTotal   prometheus.Counter
	TokenRefreshes     *prometheus.CounterVec
}

// New creates and registers the collectors against the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "securelink",
			Name:      "retries_total",
			Help:      "Retry attempts performed, by operation name.",
		}, []string{"operation"}),
		BreakerTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "securelink",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions, by breaker and new state.",
		}, []string{"breaker", "state"}),
		HandshakesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "securelink",
			Name:      "handshakes_total",
			Help:      "Handshake attempts, by result.",
		}, []string{"result"}),
		DecryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "securelink",
			Name:      "decrypt_failures_total",
			Help:      "Envelope decryption failures forcing session resets.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "securelink",
			Name:      "offline_queue_depth",
			Help:      "Operations currently waiting in the offline queue.",
		}),
		DeadLettersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "securelink",
			Name:      "offline_queue_dead_letters_total",
			Help:      "Queued operations dropped after exceeding their retry budget.",
		}),
		TokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "securelink",
			Name:      "token_refreshes_total",
			Help:      "Token refresh attempts, by result.",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.RetriesTotal,
			m.BreakerTransitions,
			m.HandshakesTotal,
			m.DecryptFailures,
			m.QueueDepth,
			m.DeadLettersTotal,
			m.TokenRefreshes,
		)
	}

	return m
}
