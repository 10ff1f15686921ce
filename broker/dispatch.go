package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maxpert/burrow/store"
	"github.com/maxpert/burrow/telemetry"
)

const maxPriority = 9

// Txn buffers publishes that become visible together on Commit.
type Txn struct {
	b    *Broker
	mu   sync.Mutex
	msgs []*store.Message
	done bool
}

// Begin starts a transaction.
func (b *Broker) Begin() *Txn {
	return &Txn{b: b}
}

// Commit publishes every buffered message atomically and returns their
// sequences in publish order. No message is visible before all are.
func (tx *Txn) Commit(ctx context.Context) ([]uint64, error) {
	tx.mu.Lock()
	if tx.done {
		tx.mu.Unlock()
		return nil, ErrTxnDone
	}
	tx.done = true
	msgs := tx.msgs
	tx.msgs = nil
	tx.mu.Unlock()

	if len(msgs) == 0 {
		return nil, nil
	}
	return tx.b.commit(ctx, msgs, "txn")
}

// Rollback discards every buffered message.
func (tx *Txn) Rollback() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.done = true
	tx.msgs = nil
}

func (tx *Txn) add(m *store.Message) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrTxnDone
	}
	tx.msgs = append(tx.msgs, m)
	return nil
}

// Publish sends m to destination. Outside a transaction the message is
// durable and visible when Publish returns its sequence. Inside one it is
// buffered and Publish returns 0; sequences are assigned on Commit.
// m is copied; the broker assigns Seq, Destination and Timestamp.
func (b *Broker) Publish(ctx context.Context, destination string, m *store.Message, tx *Txn) (uint64, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	if err := validName("destination", destination); err != nil {
		return 0, err
	}

	cp := m.Clone()
	cp.Destination = destination
	if cp.Priority > maxPriority {
		cp.Priority = maxPriority
	}

	if tx != nil {
		return 0, tx.add(cp)
	}
	seqs, err := b.commit(ctx, []*store.Message{cp}, "single")
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

type matched struct {
	sub   *Subscription
	count uint64
}

// commit runs one store commit for msgs, which may span destinations.
func (b *Broker) commit(ctx context.Context, msgs []*store.Message, kind string) ([]uint64, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	start := time.Now()

	if b.audit != nil {
		for i, m := range msgs {
			if !b.audit.Admit(m.ProducerID, m.ProducerSeq) {
				for _, prev := range msgs[:i] {
					b.audit.Forget(prev.ProducerID, prev.ProducerSeq)
				}
				telemetry.DuplicatesRejectedTotal.Inc()
				return nil, fmt.Errorf("%s/%d: %w", m.ProducerID, m.ProducerSeq, ErrDuplicate)
			}
		}
	}
	forget := func() {
		if b.audit != nil {
			for _, m := range msgs {
				b.audit.Forget(m.ProducerID, m.ProducerSeq)
			}
		}
	}

	topics := make(map[string]*topic)
	var all []*topic
	for _, m := range msgs {
		if _, ok := topics[m.Destination]; !ok {
			t := b.topic(m.Destination)
			topics[m.Destination] = t
			all = append(all, t)
		}
	}
	unlock := lockTopics(all...)
	defer unlock()

	now := b.opts.Now().UnixMilli()
	heads := make(map[string]uint64, len(topics))
	for name, t := range topics {
		heads[name] = t.head
	}

	c := &store.Commit{Entries: make([]store.Entry, 0, len(msgs))}
	matches := make(map[store.SubscriptionKey]*matched)
	seqs := make([]uint64, len(msgs))
	refs := 0
	for i, m := range msgs {
		heads[m.Destination]++
		m.Seq = heads[m.Destination]
		m.Timestamp = now
		seqs[i] = m.Seq

		e := store.Entry{Message: m}
		for _, sub := range topics[m.Destination].subs {
			sub.mu.Lock()
			ok := sub.matches(m)
			gen := sub.rec.Generation
			sub.mu.Unlock()
			if !ok {
				continue
			}
			e.Subscribers = append(e.Subscribers, store.SubscriberRef{Key: sub.key, Generation: gen})
			mt, seen := matches[sub.key]
			if !seen {
				mt = &matched{sub: sub}
				matches[sub.key] = mt
			}
			mt.count++
			refs++
		}
		c.Entries = append(c.Entries, e)
	}

	if err := b.store.Commit(ctx, c); err != nil {
		forget()
		return nil, fmt.Errorf("failed to commit %d messages: %w", len(msgs), err)
	}

	for name, t := range topics {
		t.enqueued.Add(heads[name] - t.head)
		t.head = heads[name]
	}
	for _, mt := range matches {
		mt.sub.mu.Lock()
		mt.sub.rec.EnqueueCounter += mt.count
		consumer := mt.sub.consumer
		mt.sub.mu.Unlock()
		if consumer != nil {
			consumer.wake()
		}
	}

	for name, n := range b.hub.Signal(msgs) {
		if t, ok := topics[name]; ok {
			t.dequeued.Add(n)
		}
	}

	telemetry.MessagesPublishedTotal.Add(float64(len(msgs)))
	telemetry.ReferencesCreatedTotal.Add(float64(refs))
	telemetry.PublishDurationSeconds.With(kind).Observe(time.Since(start).Seconds())
	return seqs, nil
}
