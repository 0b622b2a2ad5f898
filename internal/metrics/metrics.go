// Package metrics exposes the operational counters named in SPEC_FULL's domain stack: gateway connection count,
// sequence allocation throughput, outbox backlog, and zombie-session eviction rate, scraped from an internal
// /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry groups every metric the server exposes, constructed once at startup and passed to the components that
// update it (in the teacher's style of passing narrow collaborators rather than a global registry). Only
// GatewayConnections and ZombieEvictions are updated; SequenceAllocations, OutboxBacklog and BotWebhookRequests are
// registered but no code in this tree updates them, so they stay at zero.
type Registry struct {
	GatewayConnections  prometheus.Gauge
	SequenceAllocations prometheus.Counter
	OutboxBacklog       prometheus.Gauge
	ZombieEvictions     prometheus.Counter
	BotWebhookRequests  *prometheus.CounterVec
}

// NewRegistry registers every metric against reg (pass prometheus.NewRegistry() in production, or
// prometheus.NewPedanticRegistry() in tests to catch duplicate registration).
func NewRegistry(reg prometheus.Registerer) *Registry {
	factory := promauto.With(reg)
	return &Registry{
		GatewayConnections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "imcore",
			Subsystem: "gateway",
			Name:      "connections",
			Help:      "Number of currently connected device sessions across all gateway nodes this process can see.",
		}),
		SequenceAllocations: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "imcore",
			Subsystem: "sequence",
			Name:      "allocations_total",
			Help:      "Total number of seqId allocations performed by the SequenceAllocator.",
		}),
		OutboxBacklog: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "imcore",
			Subsystem: "outbox",
			Name:      "backlog",
			Help:      "Number of message_outbox rows currently in the pending state.",
		}),
		ZombieEvictions: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "imcore",
			Subsystem: "heartbeat",
			Name:      "zombie_evictions_total",
			Help:      "Total number of device sessions evicted by the zombie sweeper for missing their heartbeat TTL.",
		}),
		BotWebhookRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "imcore",
			Subsystem: "broadcast",
			Name:      "bot_webhook_requests_total",
			Help:      "Total number of bot webhook dispatch attempts, labeled by outcome.",
		}, []string{"outcome"}),
	}
}
