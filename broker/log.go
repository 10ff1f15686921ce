package broker

import (
	"context"
	"fmt"

	"github.com/maxpert/burrow/store"
)

// Append publishes m to destination outside any transaction and returns its
// sequence once it is durable.
func (b *Broker) Append(ctx context.Context, destination string, m *store.Message) (uint64, error) {
	return b.Publish(ctx, destination, m, nil)
}

// ReadFrom returns retained messages of destination with Seq > after in
// append order. Messages no subscription references may have been reclaimed.
func (b *Broker) ReadFrom(ctx context.Context, destination string, after uint64, limit int) ([]*store.Message, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	msgs, err := b.store.ReadFrom(ctx, destination, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s after %d: %w", destination, after, err)
	}
	return msgs, nil
}
