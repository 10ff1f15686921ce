package broker

import (
	"sync"
	"sync/atomic"

	"github.com/maxpert/burrow/store"
)

// topic is the in-memory state of one destination.
type topic struct {
	name string

	// mu serializes commits with activation snapshots and subscription changes
	mu   sync.Mutex
	head uint64
	subs map[store.SubscriptionKey]*Subscription

	enqueued atomic.Uint64
	dequeued atomic.Uint64 // messages taken by non-durable listeners
	released atomic.Uint64
	inFlight atomic.Int64
}

func newTopic(name string) *topic {
	return &topic{
		name: name,
		subs: make(map[store.SubscriptionKey]*Subscription),
	}
}

// DestinationStats is a read-only view of a destination. Durable
// acknowledgements never change DequeueCount: it counts messages handed to
// at least one non-durable listener. ReleasedCount counts messages whose
// last durable reference was acknowledged.
type DestinationStats struct {
	Name          string `json:"name"`
	Head          uint64 `json:"head"`
	EnqueueCount  uint64 `json:"enqueue_count"`
	DequeueCount  uint64 `json:"dequeue_count"`
	ReleasedCount uint64 `json:"released_count"`
	InFlightCount int64  `json:"in_flight_count"`
	Subscriptions int    `json:"subscriptions"`
}

func (t *topic) stats() DestinationStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return DestinationStats{
		Name:          t.name,
		Head:          t.head,
		EnqueueCount:  t.enqueued.Load(),
		DequeueCount:  t.dequeued.Load(),
		ReleasedCount: t.released.Load(),
		InFlightCount: t.inFlight.Load(),
		Subscriptions: len(t.subs),
	}
}
