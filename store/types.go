// Package store defines the persistence contract of the broker: messages
// appended per destination, durable subscription records and the pending
// references that tie the two together.
package store

import (
	"bytes"
	"fmt"
	"maps"

	"github.com/maxpert/burrow/selector"
)

// Header pseudo-properties resolved from message fields rather than Properties.
const (
	PropertyPriority  = "JMSPriority"
	PropertyTimestamp = "JMSTimestamp"
)

// DefaultPriority is assigned to messages published without one.
const DefaultPriority uint8 = 4

// SubscriptionKey identifies a durable subscription.
type SubscriptionKey struct {
	ClientID string `msgpack:"c"`
	Name     string `msgpack:"n"`
}

func (k SubscriptionKey) String() string {
	return k.ClientID + ":" + k.Name
}

// Message is an immutable record appended to a destination.
type Message struct {
	Seq         uint64                    `msgpack:"seq"`
	Destination string                    `msgpack:"dst"`
	ProducerID  string                    `msgpack:"pid,omitempty"`
	ProducerSeq uint64                    `msgpack:"psq,omitempty"`
	Priority    uint8                     `msgpack:"pri"`
	Timestamp   int64                     `msgpack:"ts"` // unix milliseconds
	Origin      string                    `msgpack:"org,omitempty"`
	Properties  map[string]selector.Value `msgpack:"props,omitempty"`
	Payload     []byte                    `msgpack:"body,omitempty"`
}

// Property implements selector.Properties.
func (m *Message) Property(name string) (selector.Value, bool) {
	switch name {
	case PropertyPriority:
		return selector.Int(int64(m.Priority)), true
	case PropertyTimestamp:
		return selector.Int(m.Timestamp), true
	}
	v, ok := m.Properties[name]
	if !ok || v.IsAbsent() {
		return selector.Value{}, false
	}
	return v, true
}

// Clone returns a copy of m that shares no properties or payload with it.
func (m *Message) Clone() *Message {
	cp := *m
	cp.Properties = maps.Clone(m.Properties)
	cp.Payload = bytes.Clone(m.Payload)
	return &cp
}

func (m *Message) String() string {
	return fmt.Sprintf("%s#%d", m.Destination, m.Seq)
}

// SubscriptionRecord is the persisted state of a durable subscription.
type SubscriptionRecord struct {
	Key            SubscriptionKey `msgpack:"key"`
	Destination    string          `msgpack:"dst"`
	Selector       string          `msgpack:"sel,omitempty"`
	NoLocal        bool            `msgpack:"nl,omitempty"`
	Generation     uint64          `msgpack:"gen"`
	Cursor         uint64          `msgpack:"cur"`
	EnqueueCounter uint64          `msgpack:"enq"`
	DequeueCounter uint64          `msgpack:"deq"`
	CreatedAt      int64           `msgpack:"at"`
}

// Pending is the number of references not yet acknowledged.
func (r *SubscriptionRecord) Pending() uint64 {
	if r.DequeueCounter > r.EnqueueCounter {
		return 0
	}
	return r.EnqueueCounter - r.DequeueCounter
}

// DestinationRecord is the persisted state of a destination.
type DestinationRecord struct {
	Name          string `msgpack:"name"`
	Head          uint64 `msgpack:"head"` // last assigned sequence
	EnqueueCount  uint64 `msgpack:"enq"`
	ReleasedCount uint64 `msgpack:"rel"` // messages left without any reference
}

// SubscriberRef names a subscription incarnation that must receive a message.
// References for a generation other than the stored one are ignored.
type SubscriberRef struct {
	Key        SubscriptionKey `msgpack:"key"`
	Generation uint64          `msgpack:"gen"`
}

// Entry is one message of a commit together with its matching subscribers.
type Entry struct {
	Message     *Message        `msgpack:"msg"`
	Subscribers []SubscriberRef `msgpack:"subs,omitempty"`
}

// Commit is applied atomically: every message is appended, destination heads
// and enqueue counts advance, and each subscriber gets a pending reference.
type Commit struct {
	Entries []Entry `msgpack:"entries"`
}

// Ack drops the pending references of one subscription.
type Ack struct {
	Key        SubscriptionKey `msgpack:"key"`
	Generation uint64          `msgpack:"gen"`
	Seqs       []uint64        `msgpack:"seqs"`
}

// AckResult reports the effect of an Ack.
type AckResult struct {
	// Acked lists the sequences whose reference was dropped.
	Acked []uint64
	// Released lists messages left without any reference.
	Released []uint64
}

// State is everything the broker needs after a restart.
type State struct {
	Destinations  []*DestinationRecord
	Subscriptions []*SubscriptionRecord
}

// CompactResult reports what a compaction pass reclaimed.
type CompactResult struct {
	SegmentsRemoved int
	SlotsReclaimed  int
	MessagesRemoved int
}
