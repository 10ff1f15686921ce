// Package broker implements durable topic subscriptions over a store.Adapter.
//
// Every publish is one store commit carrying the messages together with a
// pending reference for each matching durable subscription, active or not.
// Active subscriptions are additionally woken to stream their references to
// a consumer. Acknowledging drops a reference and advances the durable
// cursor; messages without references become reclaimable by the store.
//
// Locking: Broker.regMu serializes lifecycle operations. A topic's mu
// serializes its commits with activation snapshots and subscription changes.
// Lock order is regMu, then topics in name order, then Subscription.mu, then
// Consumer.mu.
package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/maxpert/burrow/dedup"
	"github.com/maxpert/burrow/notify"
	"github.com/maxpert/burrow/selector"
	"github.com/maxpert/burrow/store"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// Broker is the process-wide durable subscription state.
type Broker struct {
	opts      Options
	store     store.Adapter
	selectors *selector.Cache
	audit     *dedup.Audit
	hub       *notify.Hub

	regMu  sync.Mutex
	topics *xsync.MapOf[string, *topic]
	subs   *xsync.MapOf[store.SubscriptionKey, *Subscription]

	closed atomic.Bool
}

// Open loads destinations and durable subscriptions from st. Every
// subscription starts inactive. The caller keeps ownership of st.
func Open(ctx context.Context, st store.Adapter, opts Options) (*Broker, error) {
	opts = opts.withDefaults()

	selectors, err := selector.NewCache(opts.SelectorCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create selector cache: %w", err)
	}

	b := &Broker{
		opts:      opts,
		store:     st,
		selectors: selectors,
		hub:       notify.NewHub(),
		topics:    xsync.NewMapOf[string, *topic](),
		subs:      xsync.NewMapOf[store.SubscriptionKey, *Subscription](),
	}
	if opts.AuditWindow > 0 {
		if b.audit, err = dedup.NewAudit(opts.AuditWindow); err != nil {
			return nil, fmt.Errorf("failed to create producer audit: %w", err)
		}
	}

	state, err := st.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load broker state: %w", err)
	}
	for _, d := range state.Destinations {
		t := b.topic(d.Name)
		t.head = d.Head
		t.enqueued.Store(d.EnqueueCount)
		t.released.Store(d.ReleasedCount)
	}
	for _, rec := range state.Subscriptions {
		expr, err := b.selectors.Parse(rec.Selector)
		if err != nil {
			return nil, fmt.Errorf("subscription %s has an invalid stored selector: %w", rec.Key, err)
		}
		t := b.topic(rec.Destination)
		sub := &Subscription{
			key:   rec.Key,
			b:     b,
			topic: t,
			rec:   *rec,
			expr:  expr,
			state: StateInactive,
		}
		t.subs[rec.Key] = sub
		b.subs.Store(rec.Key, sub)
	}

	log.Info().
		Int("destinations", len(state.Destinations)).
		Int("subscriptions", len(state.Subscriptions)).
		Bool("audit", b.audit != nil).
		Msg("Broker opened")
	return b, nil
}

// topic returns the topic for name, creating it in memory if needed.
func (b *Broker) topic(name string) *topic {
	t, _ := b.topics.LoadOrCompute(name, func() *topic {
		return newTopic(name)
	})
	return t
}

func (b *Broker) checkOpen() error {
	if b.closed.Load() {
		return ErrClosed
	}
	return nil
}

// lockTopics locks ts in name order, skipping duplicates, and returns the unlock function.
func lockTopics(ts ...*topic) func() {
	uniq := make([]*topic, 0, len(ts))
	seen := make(map[string]bool, len(ts))
	for _, t := range ts {
		if !seen[t.name] {
			seen[t.name] = true
			uniq = append(uniq, t)
		}
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i].name < uniq[j].name })
	for _, t := range uniq {
		t.mu.Lock()
	}
	return func() {
		for i := len(uniq) - 1; i >= 0; i-- {
			uniq[i].mu.Unlock()
		}
	}
}

func validName(field, v string) error {
	if v == "" || strings.IndexByte(v, 0) >= 0 {
		return &InvalidNameError{Field: field, Value: v}
	}
	return nil
}

// Subscribe attaches a non-durable listener to a destination or destination
// pattern. It only sees messages committed after it is attached.
func (b *Broker) Subscribe(destination, sel string, buffer int) (*notify.Listener, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	expr, err := b.selectors.Parse(sel)
	if err != nil {
		return nil, err
	}
	if buffer <= 0 {
		buffer = b.opts.ListenerBuffer
	}
	return b.hub.Subscribe(destination, expr, buffer)
}

// Compact asks the store to reclaim unreferenced storage.
func (b *Broker) Compact(ctx context.Context) (*store.CompactResult, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	return b.store.Compact(ctx)
}

func (b *Broker) triggerCompaction() {
	if b.opts.Compactor != nil {
		b.opts.Compactor.Trigger()
	}
}

// Close deactivates every consumer, flushing buffered acknowledgements, and
// detaches all listeners. The store is not closed.
func (b *Broker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	b.regMu.Lock()
	defer b.regMu.Unlock()

	var subs []*Subscription
	b.subs.Range(func(_ store.SubscriptionKey, sub *Subscription) bool {
		subs = append(subs, sub)
		return true
	})

	ctx := context.Background()
	var firstErr error
	for _, sub := range subs {
		if err := b.deactivate(ctx, sub); err != nil {
			log.Error().Err(err).Str("subscription", sub.key.String()).Msg("Failed to deactivate on close")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	b.hub.CloseAll()

	log.Info().Msg("Broker closed")
	return firstErr
}
