package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store is closed")
)

// Adapter persists broker state. Every method is atomic: it either applies
// completely and durably or not at all.
type Adapter interface {
	// Load returns the recovered destinations and subscriptions.
	Load(ctx context.Context) (*State, error)

	// Commit appends messages and records references and counters.
	Commit(ctx context.Context, c *Commit) error

	// ReadFrom returns retained messages of dest with Seq > after, ascending.
	// limit <= 0 means no limit.
	ReadFrom(ctx context.Context, dest string, after uint64, limit int) ([]*Message, error)

	// ReadMessages returns the retained messages among seqs, ascending.
	ReadMessages(ctx context.Context, dest string, seqs []uint64) ([]*Message, error)

	// PendingRefs returns referenced sequences of a subscription with
	// seq > after, ascending. limit <= 0 means no limit.
	PendingRefs(ctx context.Context, key SubscriptionKey, after uint64, limit int) ([]uint64, error)

	// SaveSubscription creates or replaces a subscription record. With reset,
	// every pending reference of the key is dropped first.
	SaveSubscription(ctx context.Context, rec *SubscriptionRecord, reset bool) error

	// Acknowledge drops references, advances the cursor and dequeue counters.
	// Returns ErrNotFound for an unknown subscription or stale generation.
	Acknowledge(ctx context.Context, ack *Ack) (*AckResult, error)

	// RemoveSubscription deletes a subscription and its references.
	RemoveSubscription(ctx context.Context, key SubscriptionKey) error

	// Compact reclaims storage no reference points into.
	Compact(ctx context.Context) (*CompactResult, error)

	Close() error
}
