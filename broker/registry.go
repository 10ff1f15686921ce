package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/maxpert/burrow/selector"
	"github.com/maxpert/burrow/store"
	"github.com/maxpert/burrow/telemetry"
	"github.com/rs/zerolog/log"
)

// State is the lifecycle state of a durable subscription.
type State int32

const (
	StateInactive State = iota
	StateActivating
	StateActive
	StateDeactivating
	StateDeleted
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "inactive"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateDeactivating:
		return "deactivating"
	case StateDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Subscription is the handle of a durable subscription. It stays valid
// across resets; after Unsubscribe it is Deleted for good.
type Subscription struct {
	key store.SubscriptionKey
	b   *Broker

	mu       sync.Mutex
	topic    *topic
	rec      store.SubscriptionRecord
	expr     selector.Expr
	state    State
	consumer *Consumer
}

func (s *Subscription) Key() store.SubscriptionKey {
	return s.key
}

func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Subscription) Destination() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Destination
}

func (s *Subscription) Selector() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rec.Selector
}

// Consumer returns the active consumer, or nil.
func (s *Subscription) Consumer() *Consumer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumer
}

// matches must be called with mu held.
func (s *Subscription) matches(m *store.Message) bool {
	if s.rec.NoLocal && m.Origin != "" && m.Origin == s.key.ClientID {
		return false
	}
	return selector.Matches(m, s.expr)
}

// SubscriptionStats is a read-only view of a durable subscription.
type SubscriptionStats struct {
	ClientID       string `json:"client_id"`
	Name           string `json:"name"`
	Destination    string `json:"destination"`
	Selector       string `json:"selector,omitempty"`
	NoLocal        bool   `json:"no_local,omitempty"`
	State          string `json:"state"`
	Active         bool   `json:"active"`
	Generation     uint64 `json:"generation"`
	Cursor         uint64 `json:"cursor"`
	EnqueueCounter uint64 `json:"enqueue_counter"`
	DequeueCounter uint64 `json:"dequeue_counter"`
	Pending        uint64 `json:"pending"`
	// AwaitingAck counts deliveries handed to the consumer and not yet acknowledged
	AwaitingAck int `json:"awaiting_ack"`
}

func (s *Subscription) Stats() SubscriptionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := SubscriptionStats{
		ClientID:       s.key.ClientID,
		Name:           s.key.Name,
		Destination:    s.rec.Destination,
		Selector:       s.rec.Selector,
		NoLocal:        s.rec.NoLocal,
		State:          s.state.String(),
		Active:         s.state == StateActive || s.state == StateActivating,
		Generation:     s.rec.Generation,
		Cursor:         s.rec.Cursor,
		EnqueueCounter: s.rec.EnqueueCounter,
		DequeueCounter: s.rec.DequeueCounter,
		Pending:        s.rec.Pending(),
	}
	if s.consumer != nil {
		st.AwaitingAck = s.consumer.awaitingAck()
	}
	return st
}

// CreateDurableSubscription registers a durable subscription, or returns the
// existing one when nothing changed. A changed selector, destination or
// no-local flag resets the subscription: pending references are dropped,
// counters zeroed and the cursor moved to the destination head.
func (b *Broker) CreateDurableSubscription(ctx context.Context, clientID, name, sel, destination string, opts ...SubscriptionOption) (*Subscription, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	for _, v := range [][2]string{{"client id", clientID}, {"subscription name", name}, {"destination", destination}} {
		if err := validName(v[0], v[1]); err != nil {
			return nil, err
		}
	}
	var o subscriptionOptions
	for _, opt := range opts {
		opt(&o)
	}

	sel = strings.TrimSpace(sel)
	expr, err := b.selectors.Parse(sel)
	if err != nil {
		return nil, err
	}

	key := store.SubscriptionKey{ClientID: clientID, Name: name}
	b.regMu.Lock()
	defer b.regMu.Unlock()

	if sub, ok := b.subs.Load(key); ok {
		return b.resetIfChanged(ctx, sub, sel, destination, o.noLocal, expr)
	}

	t := b.topic(destination)
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := store.SubscriptionRecord{
		Key:         key,
		Destination: destination,
		Selector:    sel,
		NoLocal:     o.noLocal,
		Generation:  1,
		Cursor:      t.head,
		CreatedAt:   b.opts.Now().UnixMilli(),
	}
	if err := b.store.SaveSubscription(ctx, &rec, false); err != nil {
		return nil, fmt.Errorf("failed to save subscription %s: %w", key, err)
	}

	sub := &Subscription{
		key:   key,
		b:     b,
		topic: t,
		rec:   rec,
		expr:  expr,
		state: StateInactive,
	}
	t.subs[key] = sub
	b.subs.Store(key, sub)

	log.Debug().Str("subscription", key.String()).Str("destination", destination).Str("selector", sel).Msg("Durable subscription created")
	return sub, nil
}

func (b *Broker) resetIfChanged(ctx context.Context, sub *Subscription, sel, destination string, noLocal bool, expr selector.Expr) (*Subscription, error) {
	sub.mu.Lock()
	unchanged := sub.rec.Destination == destination && sub.rec.Selector == sel && sub.rec.NoLocal == noLocal
	state := sub.state
	oldTopic := sub.topic
	sub.mu.Unlock()

	if unchanged {
		return sub, nil
	}
	if state != StateInactive {
		return nil, &InvalidStateError{Key: sub.key, State: state, Op: "change"}
	}

	newTopic := b.topic(destination)
	unlock := lockTopics(oldTopic, newTopic)
	defer unlock()
	sub.mu.Lock()
	defer sub.mu.Unlock()

	rec := store.SubscriptionRecord{
		Key:         sub.key,
		Destination: destination,
		Selector:    sel,
		NoLocal:     noLocal,
		Generation:  sub.rec.Generation + 1,
		Cursor:      newTopic.head,
		CreatedAt:   b.opts.Now().UnixMilli(),
	}
	if err := b.store.SaveSubscription(ctx, &rec, true); err != nil {
		return nil, fmt.Errorf("failed to reset subscription %s: %w", sub.key, err)
	}

	delete(oldTopic.subs, sub.key)
	newTopic.subs[sub.key] = sub
	sub.topic = newTopic
	sub.rec = rec
	sub.expr = expr

	telemetry.SubscriptionResetsTotal.Inc()
	log.Info().
		Str("subscription", sub.key.String()).
		Str("destination", destination).
		Str("selector", sel).
		Uint64("generation", rec.Generation).
		Msg("Durable subscription reset")
	b.triggerCompaction()
	return sub, nil
}

// Unsubscribe deletes an inactive durable subscription and its backlog.
func (b *Broker) Unsubscribe(ctx context.Context, clientID, name string) error {
	if err := b.checkOpen(); err != nil {
		return err
	}
	key := store.SubscriptionKey{ClientID: clientID, Name: name}

	b.regMu.Lock()
	defer b.regMu.Unlock()

	sub, ok := b.subs.Load(key)
	if !ok {
		return &NotFoundError{Key: key}
	}

	sub.mu.Lock()
	state := sub.state
	t := sub.topic
	sub.mu.Unlock()
	if state != StateInactive {
		return &InvalidStateError{Key: key, State: state, Op: "unsubscribe"}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := b.store.RemoveSubscription(ctx, key); err != nil {
		return fmt.Errorf("failed to remove subscription %s: %w", key, err)
	}

	sub.mu.Lock()
	sub.state = StateDeleted
	sub.mu.Unlock()
	delete(t.subs, key)
	b.subs.Delete(key)

	log.Debug().Str("subscription", key.String()).Msg("Durable subscription deleted")
	b.triggerCompaction()
	return nil
}

// Lookup returns the subscription registered under (clientID, name).
func (b *Broker) Lookup(clientID, name string) (*Subscription, error) {
	key := store.SubscriptionKey{ClientID: clientID, Name: name}
	sub, ok := b.subs.Load(key)
	if !ok {
		return nil, &NotFoundError{Key: key}
	}
	return sub, nil
}

// Subscriptions returns stats of every durable subscription, ordered by key.
func (b *Broker) Subscriptions() []SubscriptionStats {
	var out []SubscriptionStats
	b.subs.Range(func(_ store.SubscriptionKey, sub *Subscription) bool {
		out = append(out, sub.Stats())
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientID != out[j].ClientID {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// SubscriptionStats returns stats of one durable subscription.
func (b *Broker) SubscriptionStats(key store.SubscriptionKey) (SubscriptionStats, error) {
	sub, ok := b.subs.Load(key)
	if !ok {
		return SubscriptionStats{}, &NotFoundError{Key: key}
	}
	return sub.Stats(), nil
}

// Destinations returns stats of every known destination, ordered by name.
func (b *Broker) Destinations() []DestinationStats {
	var out []DestinationStats
	b.topics.Range(func(_ string, t *topic) bool {
		out = append(out, t.stats())
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DestinationStats returns stats of one destination.
func (b *Broker) DestinationStats(name string) (DestinationStats, bool) {
	t, ok := b.topics.Load(name)
	if !ok {
		return DestinationStats{}, false
	}
	return t.stats(), true
}
