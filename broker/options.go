package broker

import (
	"context"
	"time"

	"github.com/maxpert/burrow/selector"
)

const (
	DefaultPrefetch    = 100
	DefaultReadBatch   = 100
	DefaultDupsOkBatch = 32
)

// Compactor is notified when unsubscribes or resets leave reclaimable storage.
type Compactor interface {
	Trigger()
}

// Options configures a Broker.
type Options struct {
	// Prefetch bounds unacknowledged deliveries per consumer.
	Prefetch int
	// ReadBatch bounds references fetched from the store per round.
	ReadBatch int
	// PrioritizedMessages orders each fetched batch by priority, then sequence.
	PrioritizedMessages bool
	// DupsOkBatch is the number of buffered DupsOkAck acknowledgements persisted together.
	DupsOkBatch int
	// AuditWindow enables producer duplicate detection over the last N sends. 0 disables it.
	AuditWindow int
	// SelectorCacheSize bounds compiled selectors kept in memory.
	SelectorCacheSize int
	// ListenerBuffer is the default channel size of non-durable listeners.
	ListenerBuffer int
	Compactor      Compactor
	// Now stamps message timestamps; tests override it.
	Now func() time.Time
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Prefetch <= 0 {
		out.Prefetch = DefaultPrefetch
	}
	if out.ReadBatch <= 0 {
		out.ReadBatch = DefaultReadBatch
	}
	if out.DupsOkBatch <= 0 {
		out.DupsOkBatch = DefaultDupsOkBatch
	}
	if out.SelectorCacheSize <= 0 {
		out.SelectorCacheSize = selector.DefaultCacheSize
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

type subscriptionOptions struct {
	noLocal bool
}

// SubscriptionOption customizes CreateDurableSubscription.
type SubscriptionOption func(*subscriptionOptions)

// WithNoLocal skips messages published by the subscription's own client id.
func WithNoLocal() SubscriptionOption {
	return func(o *subscriptionOptions) {
		o.noLocal = true
	}
}

// AckMode selects how deliveries of a consumer are acknowledged.
type AckMode int

const (
	// AutoAck acknowledges a delivery when Receive hands it out, or when the handler returns nil.
	AutoAck AckMode = iota
	// ClientAck requires an explicit Acknowledge per delivery.
	ClientAck
	// DupsOkAck acknowledges like AutoAck but persists in batches. A crash may redeliver.
	DupsOkAck
)

func (m AckMode) String() string {
	switch m {
	case AutoAck:
		return "auto"
	case ClientAck:
		return "client"
	case DupsOkAck:
		return "dups_ok"
	default:
		return "unknown"
	}
}

// Handler processes one delivery. A nil return acknowledges it under
// AutoAck and DupsOkAck.
type Handler func(ctx context.Context, d *Delivery) error

// ConsumerOptions configures an activation.
type ConsumerOptions struct {
	AckMode AckMode
	// Prefetch overrides Options.Prefetch when positive.
	Prefetch int
	// Handler, when set, is run by a goroutine for each delivery instead of Receive.
	Handler Handler
}
