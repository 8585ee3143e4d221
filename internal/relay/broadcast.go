package relay

import (
	"go.uber.org/zap"

	"github.com/wirebound/relay/internal/observability"
	"github.com/wirebound/relay/internal/wire"
)

// Broadcaster fans envelopes out to registered peers.
type Broadcaster struct {
	registry *Registry
	metrics  *observability.Metrics
	log      *zap.Logger
}

// NewBroadcaster returns a broadcaster over the given registry.
func NewBroadcaster(registry *Registry, metrics *observability.Metrics, log *zap.Logger) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		metrics:  metrics,
		log:      log.Named("broadcast"),
	}
}

// Broadcast sends env to every registered peer except excludeID and returns
// how many peers received it. The envelope is encoded exactly once, so all
// recipients see byte-identical payloads. A failed send is logged, counted,
// and isolates the target by closing its connection — its own session loop
// observes the close and cleans up — without aborting the rest of the
// fan-out.
func (b *Broadcaster) Broadcast(env *wire.Envelope, excludeID string) int {
	targets := b.registry.SnapshotExcept(excludeID)
	if len(targets) == 0 {
		return 0
	}

	payload := wire.Marshal(env)
	delivered := 0
	for _, p := range targets {
		if err := p.Send(payload); err != nil {
			b.metrics.SendErrors.Inc()
			b.log.Warn("send failed, dropping peer",
				zap.String("peer_id", p.ID()),
				zap.String("method", env.Method()),
				zap.Error(err))
			_ = p.Close()
			continue
		}
		delivered++
	}
	return delivered
}
