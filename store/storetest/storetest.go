// Package storetest is a conformance suite every store.Adapter must pass.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/burrow/selector"
	"github.com/maxpert/burrow/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Harness describes the adapter under test.
type Harness struct {
	// Open opens an adapter rooted at dir. Opening the same dir again after
	// Close must recover the previous state when Durable is set.
	Open func(t *testing.T, dir string) store.Adapter

	Durable bool

	// ExactCompaction is set when Compact removes every unreferenced message
	// rather than whole storage units.
	ExactCompaction bool
}

// RunAdapterTests runs the complete adapter test suite against h.
func RunAdapterTests(t *testing.T, h Harness) {
	t.Run("EmptyLoad", func(t *testing.T) {
		testEmptyLoad(t, h)
	})
	t.Run("CommitAndReadFrom", func(t *testing.T) {
		testCommitAndReadFrom(t, h)
	})
	t.Run("StoredMessagesAreCopies", func(t *testing.T) {
		testStoredMessagesAreCopies(t, h)
	})
	t.Run("ReferencesAndAcknowledge", func(t *testing.T) {
		testReferencesAndAcknowledge(t, h)
	})
	t.Run("StaleGenerationIgnored", func(t *testing.T) {
		testStaleGenerationIgnored(t, h)
	})
	t.Run("ResetDropsReferences", func(t *testing.T) {
		testResetDropsReferences(t, h)
	})
	t.Run("RemoveSubscription", func(t *testing.T) {
		testRemoveSubscription(t, h)
	})
	t.Run("CompactKeepsReferenced", func(t *testing.T) {
		testCompactKeepsReferenced(t, h)
	})
	t.Run("ConcurrentDestinations", func(t *testing.T) {
		testConcurrentDestinations(t, h)
	})
	t.Run("ClosedRejectsWrites", func(t *testing.T) {
		testClosedRejectsWrites(t, h)
	})
	if h.Durable {
		t.Run("RecoversAfterReopen", func(t *testing.T) {
			testRecoversAfterReopen(t, h)
		})
	}
}

func open(t *testing.T, h Harness) (store.Adapter, string) {
	t.Helper()
	dir := t.TempDir()
	s := h.Open(t, dir)
	t.Cleanup(func() { s.Close() })
	return s, dir
}

func ctxT(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// NewMessage builds a message with a "filter" property and a small payload.
func NewMessage(dest string, seq uint64) *store.Message {
	return &store.Message{
		Seq:         seq,
		Destination: dest,
		ProducerID:  "producer-1",
		ProducerSeq: seq,
		Priority:    store.DefaultPriority,
		Timestamp:   1700000000000 + int64(seq),
		Properties: map[string]selector.Value{
			"filter": selector.Bool(seq%2 == 1),
			"index":  selector.Int(int64(seq)),
		},
		Payload: []byte(fmt.Sprintf("payload-%d", seq)),
	}
}

func testStoredMessagesAreCopies(t *testing.T, h Harness) {
	s, _ := open(t, h)
	ctx := ctxT(t)

	m := NewMessage("orders", 1)
	require.NoError(t, s.Commit(ctx, &store.Commit{Entries: []store.Entry{entry(m)}}))
	m.Properties["index"] = selector.Int(99)
	m.Payload[0] = 'X'

	got, err := s.ReadMessages(ctx, "orders", []uint64{1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(1), got[0].Properties["index"].I)
	assert.Equal(t, "payload-1", string(got[0].Payload))

	got[0].Properties["index"] = selector.Int(7)
	got[0].Payload[0] = 'Y'
	again, err := s.ReadFrom(ctx, "orders", 0, 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, int64(1), again[0].Properties["index"].I)
	assert.Equal(t, "payload-1", string(again[0].Payload))
}

func entry(m *store.Message, subs ...store.SubscriberRef) store.Entry {
	return store.Entry{Message: m, Subscribers: subs}
}

func sub(client, name, dest string, gen uint64) *store.SubscriptionRecord {
	return &store.SubscriptionRecord{
		Key:         store.SubscriptionKey{ClientID: client, Name: name},
		Destination: dest,
		Generation:  gen,
		CreatedAt:   1700000000000,
	}
}

func ref(rec *store.SubscriptionRecord) store.SubscriberRef {
	return store.SubscriberRef{Key: rec.Key, Generation: rec.Generation}
}

func seqsOf(msgs []*store.Message) []uint64 {
	out := make([]uint64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Seq)
	}
	return out
}

func findSub(state *store.State, key store.SubscriptionKey) *store.SubscriptionRecord {
	for _, r := range state.Subscriptions {
		if r.Key == key {
			return r
		}
	}
	return nil
}

func findDest(state *store.State, name string) *store.DestinationRecord {
	for _, d := range state.Destinations {
		if d.Name == name {
			return d
		}
	}
	return nil
}

func testEmptyLoad(t *testing.T, h Harness) {
	s, _ := open(t, h)
	state, err := s.Load(ctxT(t))
	require.NoError(t, err)
	assert.Empty(t, state.Destinations)
	assert.Empty(t, state.Subscriptions)

	msgs, err := s.ReadFrom(ctxT(t), "nowhere", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	refs, err := s.PendingRefs(ctxT(t), store.SubscriptionKey{ClientID: "c", Name: "n"}, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func testCommitAndReadFrom(t *testing.T, h Harness) {
	s, _ := open(t, h)
	ctx := ctxT(t)

	c := &store.Commit{}
	for seq := uint64(1); seq <= 5; seq++ {
		c.Entries = append(c.Entries, entry(NewMessage("orders", seq)))
	}
	c.Entries = append(c.Entries, entry(NewMessage("audit", 1)))
	require.NoError(t, s.Commit(ctx, c))

	msgs, err := s.ReadFrom(ctx, "orders", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqsOf(msgs))

	msgs, err = s.ReadFrom(ctx, "orders", 2, 2)
	require.NoError(t, err)
	require.Equal(t, []uint64{3, 4}, seqsOf(msgs))

	m := msgs[0]
	assert.Equal(t, "orders", m.Destination)
	assert.Equal(t, "producer-1", m.ProducerID)
	assert.Equal(t, uint64(3), m.ProducerSeq)
	assert.Equal(t, store.DefaultPriority, m.Priority)
	assert.Equal(t, int64(1700000000003), m.Timestamp)
	assert.Equal(t, selector.Bool(true), m.Properties["filter"])
	assert.Equal(t, selector.Int(3), m.Properties["index"])
	assert.Equal(t, []byte("payload-3"), m.Payload)

	got, err := s.ReadMessages(ctx, "orders", []uint64{5, 1, 9})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 5}, seqsOf(got))

	state, err := s.Load(ctx)
	require.NoError(t, err)
	orders := findDest(state, "orders")
	require.NotNil(t, orders)
	assert.Equal(t, uint64(5), orders.Head)
	assert.Equal(t, uint64(5), orders.EnqueueCount)
	assert.Equal(t, uint64(0), orders.ReleasedCount)
	audit := findDest(state, "audit")
	require.NotNil(t, audit)
	assert.Equal(t, uint64(1), audit.Head)
}

func testReferencesAndAcknowledge(t *testing.T, h Harness) {
	s, _ := open(t, h)
	ctx := ctxT(t)

	a := sub("client-a", "durable", "orders", 1)
	b := sub("client-b", "durable", "orders", 1)
	require.NoError(t, s.SaveSubscription(ctx, a, false))
	require.NoError(t, s.SaveSubscription(ctx, b, false))

	require.NoError(t, s.Commit(ctx, &store.Commit{Entries: []store.Entry{
		entry(NewMessage("orders", 1), ref(a)),
		entry(NewMessage("orders", 2), ref(a), ref(b)),
		entry(NewMessage("orders", 3), ref(a)),
	}}))

	refs, err := s.PendingRefs(ctx, a.Key, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, refs)

	refs, err = s.PendingRefs(ctx, a.Key, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, refs)

	refs, err = s.PendingRefs(ctx, b.Key, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, refs)

	res, err := s.Acknowledge(ctx, &store.Ack{Key: a.Key, Generation: 1, Seqs: []uint64{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, res.Acked)
	assert.Equal(t, []uint64{1}, res.Released, "b still references 2")

	res, err = s.Acknowledge(ctx, &store.Ack{Key: b.Key, Generation: 1, Seqs: []uint64{2}})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, res.Released)

	// acknowledging again is a no-op
	res, err = s.Acknowledge(ctx, &store.Ack{Key: a.Key, Generation: 1, Seqs: []uint64{1}})
	require.NoError(t, err)
	assert.Empty(t, res.Acked)
	assert.Empty(t, res.Released)

	refs, err = s.PendingRefs(ctx, a.Key, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, refs)

	state, err := s.Load(ctx)
	require.NoError(t, err)
	ra := findSub(state, a.Key)
	require.NotNil(t, ra)
	assert.Equal(t, uint64(2), ra.Cursor)
	assert.Equal(t, uint64(3), ra.EnqueueCounter)
	assert.Equal(t, uint64(2), ra.DequeueCounter)
	assert.Equal(t, uint64(1), ra.Pending())

	rb := findSub(state, b.Key)
	require.NotNil(t, rb)
	assert.Equal(t, uint64(1), rb.EnqueueCounter)
	assert.Equal(t, uint64(1), rb.DequeueCounter)

	orders := findDest(state, "orders")
	require.NotNil(t, orders)
	assert.Equal(t, uint64(3), orders.EnqueueCount)
	assert.Equal(t, uint64(2), orders.ReleasedCount)
}

func testStaleGenerationIgnored(t *testing.T, h Harness) {
	s, _ := open(t, h)
	ctx := ctxT(t)

	rec := sub("client", "durable", "orders", 2)
	require.NoError(t, s.SaveSubscription(ctx, rec, false))

	stale := store.SubscriberRef{Key: rec.Key, Generation: 1}
	unknown := store.SubscriberRef{Key: store.SubscriptionKey{ClientID: "ghost", Name: "x"}, Generation: 1}
	require.NoError(t, s.Commit(ctx, &store.Commit{Entries: []store.Entry{
		entry(NewMessage("orders", 1), stale, unknown),
		entry(NewMessage("orders", 2), ref(rec)),
	}}))

	refs, err := s.PendingRefs(ctx, rec.Key, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, refs)

	_, err = s.Acknowledge(ctx, &store.Ack{Key: rec.Key, Generation: 1, Seqs: []uint64{2}})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = s.Acknowledge(ctx, &store.Ack{Key: unknown.Key, Generation: 1, Seqs: []uint64{1}})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func testResetDropsReferences(t *testing.T, h Harness) {
	s, _ := open(t, h)
	ctx := ctxT(t)

	rec := sub("client", "durable", "orders", 1)
	require.NoError(t, s.SaveSubscription(ctx, rec, false))
	require.NoError(t, s.Commit(ctx, &store.Commit{Entries: []store.Entry{
		entry(NewMessage("orders", 1), ref(rec)),
		entry(NewMessage("orders", 2), ref(rec)),
	}}))

	reset := *rec
	reset.Generation = 2
	reset.Selector = "filter = TRUE"
	reset.Cursor = 2
	require.NoError(t, s.SaveSubscription(ctx, &reset, true))

	refs, err := s.PendingRefs(ctx, rec.Key, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, refs)

	require.NoError(t, s.Commit(ctx, &store.Commit{Entries: []store.Entry{
		entry(NewMessage("orders", 3), ref(&reset)),
	}}))
	refs, err = s.PendingRefs(ctx, rec.Key, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, refs)

	state, err := s.Load(ctx)
	require.NoError(t, err)
	got := findSub(state, rec.Key)
	require.NotNil(t, got)
	assert.Equal(t, uint64(2), got.Generation)
	assert.Equal(t, "filter = TRUE", got.Selector)
	assert.Equal(t, uint64(2), got.Cursor)
	assert.Equal(t, uint64(1), got.EnqueueCounter)

	orders := findDest(state, "orders")
	require.NotNil(t, orders)
	assert.Equal(t, uint64(0), orders.ReleasedCount, "dropped references are not releases")
}

func testRemoveSubscription(t *testing.T, h Harness) {
	s, _ := open(t, h)
	ctx := ctxT(t)

	rec := sub("client", "durable", "orders", 1)
	require.NoError(t, s.SaveSubscription(ctx, rec, false))
	require.NoError(t, s.Commit(ctx, &store.Commit{Entries: []store.Entry{
		entry(NewMessage("orders", 1), ref(rec)),
	}}))

	require.NoError(t, s.RemoveSubscription(ctx, rec.Key))
	require.NoError(t, s.RemoveSubscription(ctx, rec.Key))

	refs, err := s.PendingRefs(ctx, rec.Key, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, refs)

	state, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Nil(t, findSub(state, rec.Key))
	assert.NotNil(t, findDest(state, "orders"))

	// a new subscription with the same name starts empty
	require.NoError(t, s.SaveSubscription(ctx, sub("client", "durable", "orders", 2), false))
	refs, err = s.PendingRefs(ctx, rec.Key, 0, 0)
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func testCompactKeepsReferenced(t *testing.T, h Harness) {
	s, _ := open(t, h)
	ctx := ctxT(t)

	rec := sub("client", "durable", "orders", 1)
	require.NoError(t, s.SaveSubscription(ctx, rec, false))
	require.NoError(t, s.Commit(ctx, &store.Commit{Entries: []store.Entry{
		entry(NewMessage("orders", 1)),
		entry(NewMessage("orders", 2), ref(rec)),
		entry(NewMessage("orders", 3)),
		entry(NewMessage("orders", 4), ref(rec)),
	}}))
	_, err := s.Acknowledge(ctx, &store.Ack{Key: rec.Key, Generation: 1, Seqs: []uint64{2}})
	require.NoError(t, err)

	res, err := s.Compact(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)

	msgs, err := s.ReadFrom(ctx, "orders", 0, 0)
	require.NoError(t, err)
	assert.Contains(t, seqsOf(msgs), uint64(4))
	if h.ExactCompaction {
		assert.Equal(t, []uint64{4}, seqsOf(msgs))
		assert.Equal(t, 3, res.MessagesRemoved)
	}

	// heads survive compaction so sequences are never reused
	state, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), findDest(state, "orders").Head)
}

func testConcurrentDestinations(t *testing.T, h Harness) {
	s, _ := open(t, h)
	ctx := ctxT(t)

	const dests, perDest = 4, 25
	recs := make([]*store.SubscriptionRecord, dests)
	for i := range recs {
		recs[i] = sub("client", fmt.Sprintf("sub-%d", i), fmt.Sprintf("dest-%d", i), 1)
		require.NoError(t, s.SaveSubscription(ctx, recs[i], false))
	}

	var wg sync.WaitGroup
	for i := 0; i < dests; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dest := fmt.Sprintf("dest-%d", i)
			for seq := uint64(1); seq <= perDest; seq++ {
				c := &store.Commit{Entries: []store.Entry{entry(NewMessage(dest, seq), ref(recs[i]))}}
				if !assert.NoError(t, s.Commit(ctx, c)) {
					return
				}
				if seq%5 == 0 {
					_, err := s.Acknowledge(ctx, &store.Ack{Key: recs[i].Key, Generation: 1, Seqs: []uint64{seq - 4, seq - 3}})
					assert.NoError(t, err)
				}
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < dests; i++ {
		refs, err := s.PendingRefs(ctx, recs[i].Key, 0, 0)
		require.NoError(t, err)
		assert.Len(t, refs, perDest-2*(perDest/5))
	}

	state, err := s.Load(ctx)
	require.NoError(t, err)
	for i := 0; i < dests; i++ {
		d := findDest(state, fmt.Sprintf("dest-%d", i))
		require.NotNil(t, d)
		assert.Equal(t, uint64(perDest), d.Head)
		assert.Equal(t, uint64(2*(perDest/5)), d.ReleasedCount)
	}
}

func testClosedRejectsWrites(t *testing.T, h Harness) {
	s := h.Open(t, t.TempDir())
	require.NoError(t, s.Close())

	err := s.Commit(context.Background(), &store.Commit{Entries: []store.Entry{entry(NewMessage("orders", 1))}})
	assert.Error(t, err)
}

func testRecoversAfterReopen(t *testing.T, h Harness) {
	dir := t.TempDir()
	ctx := ctxT(t)

	s := h.Open(t, dir)
	a := sub("client-a", "durable", "orders", 1)
	a.Selector = "filter = TRUE"
	a.NoLocal = true
	b := sub("client-b", "durable", "orders", 1)
	require.NoError(t, s.SaveSubscription(ctx, a, false))
	require.NoError(t, s.SaveSubscription(ctx, b, false))

	for seq := uint64(1); seq <= 10; seq++ {
		subs := []store.SubscriberRef{ref(b)}
		if seq%2 == 1 {
			subs = append(subs, ref(a))
		}
		require.NoError(t, s.Commit(ctx, &store.Commit{Entries: []store.Entry{entry(NewMessage("orders", seq), subs...)}}))
	}
	_, err := s.Acknowledge(ctx, &store.Ack{Key: a.Key, Generation: 1, Seqs: []uint64{1, 3}})
	require.NoError(t, err)
	_, err = s.Acknowledge(ctx, &store.Ack{Key: b.Key, Generation: 1, Seqs: []uint64{1, 2}})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = h.Open(t, dir)
	defer s.Close()

	state, err := s.Load(ctx)
	require.NoError(t, err)

	ra := findSub(state, a.Key)
	require.NotNil(t, ra)
	assert.Equal(t, "filter = TRUE", ra.Selector)
	assert.True(t, ra.NoLocal)
	assert.Equal(t, uint64(3), ra.Cursor)
	assert.Equal(t, uint64(5), ra.EnqueueCounter)
	assert.Equal(t, uint64(2), ra.DequeueCounter)

	rb := findSub(state, b.Key)
	require.NotNil(t, rb)
	assert.Equal(t, uint64(10), rb.EnqueueCounter)
	assert.Equal(t, uint64(2), rb.DequeueCounter)

	orders := findDest(state, "orders")
	require.NotNil(t, orders)
	assert.Equal(t, uint64(10), orders.Head)
	assert.Equal(t, uint64(10), orders.EnqueueCount)
	assert.Equal(t, uint64(2), orders.ReleasedCount, "seqs 1 and 2 lost their last reference")

	refs, err := s.PendingRefs(ctx, a.Key, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{5, 7, 9}, refs)

	refs, err = s.PendingRefs(ctx, b.Key, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 4, 5, 6, 7, 8, 9, 10}, refs)

	msgs, err := s.ReadMessages(ctx, "orders", refs)
	require.NoError(t, err)
	require.Len(t, msgs, len(refs))
	assert.Equal(t, []byte("payload-3"), msgs[0].Payload)

	// writes continue after recovery
	require.NoError(t, s.Commit(ctx, &store.Commit{Entries: []store.Entry{entry(NewMessage("orders", 11), ref(rb))}}))
	refs, err = s.PendingRefs(ctx, b.Key, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{11}, refs)
}
