// Package metrics holds the relay's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lesson"

type Metrics struct {
	SessionsCreated  prometheus.Counter
	SessionsEnded    *prometheus.CounterVec
	RoomsActive      prometheus.Gauge
	JoinsRejected    *prometheus.CounterVec
	MessagesRelayed  *prometheus.CounterVec
	MessagesDropped  prometheus.Counter
	ConnectionsOpen  prometheus.Gauge
	RateLimitedTotal prometheus.Counter
}

// New registers every collector on reg. Passing a fresh prometheus.NewRegistry()
// keeps tests isolated from the default registry.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_created_total",
			Help: "Tutoring sessions created through the relay.",
		}),
		SessionsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "sessions_ended_total",
			Help: "Sessions ended, by cause.",
		}, []string{"cause"}),
		RoomsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "rooms_active",
			Help: "Signaling rooms currently held in memory.",
		}),
		JoinsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "joins_rejected_total",
			Help: "Join attempts rejected, by wire error code.",
		}, []string{"reason"}),
		MessagesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "signaling_messages_relayed_total",
			Help: "Negotiation messages forwarded to room members, by type.",
		}, []string{"type"}),
		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "signaling_messages_dropped_total",
			Help: "Messages dropped because a member's send queue was full.",
		}),
		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "signaling_connections_open",
			Help: "Open signaling WebSocket connections.",
		}),
		RateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "signaling_rate_limited_total",
			Help: "Messages rejected by the per-participant rate limiter.",
		}),
	}
	reg.MustRegister(
		m.SessionsCreated,
		m.SessionsEnded,
		m.RoomsActive,
		m.JoinsRejected,
		m.MessagesRelayed,
		m.MessagesDropped,
		m.ConnectionsOpen,
		m.RateLimitedTotal,
	)
	return m
}
