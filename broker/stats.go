package broker

import (
	"github.com/maxpert/burrow/store"
	"github.com/maxpert/burrow/telemetry"
)

// MetricsSnapshot implements telemetry.StatsProvider.
func (b *Broker) MetricsSnapshot() telemetry.Snapshot {
	snap := telemetry.Snapshot{
		Subscriptions: make(map[string]int),
		Pending:       make(map[string]int64),
	}

	b.topics.Range(func(name string, t *topic) bool {
		snap.Destinations++
		snap.InFlight += t.inFlight.Load()
		snap.Pending[name] = 0
		return true
	})
	b.subs.Range(func(_ store.SubscriptionKey, sub *Subscription) bool {
		sub.mu.Lock()
		snap.Subscriptions[sub.state.String()]++
		snap.Pending[sub.rec.Destination] += int64(sub.rec.Pending())
		sub.mu.Unlock()
		return true
	})
	if b.audit != nil {
		snap.AuditSize = b.audit.Len()
	}
	return snap
}
