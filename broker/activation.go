package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/maxpert/burrow/store"
	"github.com/rs/zerolog/log"
)

// Activate attaches a consumer to an inactive durable subscription. The
// consumer first receives the backlog of pending references, then live
// messages, in sequence order with no gap between the two.
func (b *Broker) Activate(ctx context.Context, sub *Subscription, opts ConsumerOptions) (*Consumer, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	b.regMu.Lock()
	defer b.regMu.Unlock()
	// Close may have run while we waited for regMu
	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	sub.mu.Lock()
	state := sub.state
	t := sub.topic
	sub.mu.Unlock()
	if state != StateInactive {
		return nil, &InvalidStateError{Key: sub.key, State: state, Op: "activate"}
	}

	// The head snapshot is ordered with commits: a message either committed
	// before it and is in the backlog, or after it and wakes the consumer.
	t.mu.Lock()
	sub.mu.Lock()
	c := newConsumer(b, sub, t, opts)
	sub.consumer = c
	sub.state = StateActivating
	sub.mu.Unlock()
	t.mu.Unlock()

	c.start(opts.Handler)

	log.Debug().
		Str("subscription", sub.key.String()).
		Str("consumer", c.id).
		Str("ack_mode", c.mode.String()).
		Uint64("snapshot", c.snapshot).
		Msg("Durable subscription activated")
	return c, nil
}

// Deactivate detaches the consumer of sub. Buffered acknowledgements are
// persisted and unacknowledged deliveries return to the backlog. It is a
// no-op for an inactive subscription.
func (b *Broker) Deactivate(ctx context.Context, sub *Subscription) error {
	b.regMu.Lock()
	defer b.regMu.Unlock()
	return b.deactivate(ctx, sub)
}

// deactivate requires regMu.
func (b *Broker) deactivate(ctx context.Context, sub *Subscription) error {
	sub.mu.Lock()
	c := sub.consumer
	if c == nil {
		sub.mu.Unlock()
		return nil
	}
	sub.state = StateDeactivating
	sub.mu.Unlock()

	returned, err := c.stop(ctx)

	sub.mu.Lock()
	sub.consumer = nil
	sub.state = StateInactive
	sub.mu.Unlock()

	log.Debug().
		Str("subscription", sub.key.String()).
		Str("consumer", c.id).
		Int("returned", returned).
		Msg("Durable subscription deactivated")
	if err != nil {
		return fmt.Errorf("failed to flush acknowledgements of %s: %w", sub.key, err)
	}
	return nil
}

// Disconnect deactivates every durable subscription of clientID.
func (b *Broker) Disconnect(ctx context.Context, clientID string) error {
	b.regMu.Lock()
	defer b.regMu.Unlock()

	var subs []*Subscription
	b.subs.Range(func(key store.SubscriptionKey, sub *Subscription) bool {
		if key.ClientID == clientID {
			subs = append(subs, sub)
		}
		return true
	})

	var errs []error
	for _, sub := range subs {
		if err := b.deactivate(ctx, sub); err != nil {
			errs = append(errs, err)
		}
	}
	if len(subs) > 0 {
		log.Info().Str("client_id", clientID).Int("subscriptions", len(subs)).Msg("Client disconnected")
	}
	return errors.Join(errs...)
}

// Acknowledge acknowledges seq, an outstanding delivery of sub's consumer.
func (b *Broker) Acknowledge(ctx context.Context, sub *Subscription, seq uint64) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	c := sub.Consumer()
	if c == nil {
		return &InvalidStateError{Key: sub.key, State: sub.State(), Op: "acknowledge", Seq: seq}
	}
	return c.Acknowledge(ctx, seq)
}
