package kaha

import (
	"github.com/maxpert/burrow/store"
)

// Journal record types
const (
	recCommit uint8 = iota + 1
	recAck
	recSubscription
	recRemove
	recCheckpoint
)

type subscriptionOp struct {
	Sub   *store.SubscriptionRecord `msgpack:"sub"`
	Reset bool                      `msgpack:"reset,omitempty"`
}

type removeOp struct {
	Key store.SubscriptionKey `msgpack:"key"`
}

type checkpointSub struct {
	Sub  *store.SubscriptionRecord `msgpack:"sub"`
	Refs []uint64                  `msgpack:"refs,omitempty"`
}

// checkpoint is the complete broker state at one journal position. A rebuild
// starts from the latest checkpoint, so compaction may delete the segments
// before it.
type checkpoint struct {
	Destinations  []*store.DestinationRecord `msgpack:"dests"`
	Subscriptions []checkpointSub            `msgpack:"subs"`
}

func recordTypeName(t uint8) string {
	switch t {
	case recCommit:
		return "commit"
	case recAck:
		return "ack"
	case recSubscription:
		return "subscription"
	case recRemove:
		return "remove"
	case recCheckpoint:
		return "checkpoint"
	default:
		return "unknown"
	}
}
