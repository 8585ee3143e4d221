package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "relay"

// Metrics holds the Prometheus instruments for the relay core.
type Metrics struct {
	ActivePeers      prometheus.Gauge
	ConnectsTotal    prometheus.Counter
	DisconnectsTotal prometheus.Counter
	MessagesRelayed  prometheus.Counter
	SendErrors       prometheus.Counter
	DecodeErrors     prometheus.Counter
	FramesDropped    prometheus.Counter
}

// NewMetrics registers the relay metrics with the given registerer. Tests
// pass a fresh prometheus.NewRegistry() to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ActivePeers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_peers",
			Help:      "Number of currently connected peers.",
		}),
		ConnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connects_total",
			Help:      "Total number of peer connections established.",
		}),
		DisconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "disconnects_total",
			Help:      "Total number of peer disconnections.",
		}),
		MessagesRelayed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "messages_relayed_total",
			Help:      "Total number of chat messages relayed to peers.",
		}),
		SendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "send_errors_total",
			Help:      "Total number of failed sends to peers during fan-out.",
		}),
		DecodeErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "decode_errors_total",
			Help:      "Total number of inbound frames that failed to decode.",
		}),
		FramesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "frames_dropped_total",
			Help:      "Total number of inbound frames dropped by rate limiting.",
		}),
	}
}
