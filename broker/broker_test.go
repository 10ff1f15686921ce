package broker

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/maxpert/burrow/selector"
	"github.com/maxpert/burrow/store"
	"github.com/maxpert/burrow/store/kaha"
	"github.com/maxpert/burrow/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitDelivery = 2 * time.Second
	waitNothing  = 100 * time.Millisecond
)

func openBroker(t *testing.T, st store.Adapter, opts Options) *Broker {
	t.Helper()
	b, err := Open(context.Background(), st, opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func newMemoryBroker(t *testing.T) *Broker {
	t.Helper()
	return openBroker(t, memory.New(), Options{})
}

func msg(props map[string]selector.Value) *store.Message {
	return &store.Message{Priority: store.DefaultPriority, Properties: props, Payload: []byte("body")}
}

func publishN(t *testing.T, b *Broker, dest string, n int) []uint64 {
	t.Helper()
	seqs := make([]uint64, 0, n)
	for i := 0; i < n; i++ {
		seq, err := b.Publish(context.Background(), dest, msg(nil), nil)
		require.NoError(t, err)
		seqs = append(seqs, seq)
	}
	return seqs
}

func receiveN(t *testing.T, c *Consumer, n int) []*Delivery {
	t.Helper()
	out := make([]*Delivery, 0, n)
	for len(out) < n {
		d, err := c.Receive(context.Background(), waitDelivery)
		require.NoError(t, err)
		require.NotNil(t, d, "expected delivery %d of %d", len(out)+1, n)
		out = append(out, d)
	}
	return out
}

func requireDrained(t *testing.T, c *Consumer) {
	t.Helper()
	d, err := c.Receive(context.Background(), waitNothing)
	require.NoError(t, err)
	require.Nil(t, d, "unexpected delivery")
}

func seqsOf(ds []*Delivery) []uint64 {
	out := make([]uint64, len(ds))
	for i, d := range ds {
		out[i] = d.Message.Seq
	}
	return out
}

func durable(t *testing.T, b *Broker, client, name, sel, dest string, opts ...SubscriptionOption) *Subscription {
	t.Helper()
	sub, err := b.CreateDurableSubscription(context.Background(), client, name, sel, dest, opts...)
	require.NoError(t, err)
	return sub
}

func activate(t *testing.T, b *Broker, sub *Subscription, mode AckMode) *Consumer {
	t.Helper()
	c, err := b.Activate(context.Background(), sub, ConsumerOptions{AckMode: mode})
	require.NoError(t, err)
	return c
}

func TestSelectorFilterScenario(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t)
	sub := durable(t, b, "cli", "filtered", "filter = 'true'", "orders")

	var want []uint64
	for i := 0; i < 10; i++ {
		v := "false"
		if i%2 == 0 {
			v = "true"
		}
		seq, err := b.Publish(ctx, "orders", msg(map[string]selector.Value{"filter": selector.String(v)}), nil)
		require.NoError(t, err)
		if v == "true" {
			want = append(want, seq)
		}
	}

	c := activate(t, b, sub, AutoAck)
	got := receiveN(t, c, 5)
	assert.Equal(t, want, seqsOf(got))
	for _, d := range got {
		assert.Equal(t, "true", d.Message.Properties["filter"].S)
	}
	requireDrained(t, c)
	require.NoError(t, b.Deactivate(ctx, sub))

	c = activate(t, b, sub, AutoAck)
	requireDrained(t, c)

	st := sub.Stats()
	assert.Equal(t, uint64(5), st.EnqueueCounter)
	assert.Equal(t, uint64(5), st.DequeueCounter)
	assert.Equal(t, uint64(0), st.Pending)
}

func TestOfflineSubscriberReceivesEverything(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t)
	sub := durable(t, b, "cli", "s", "", "news")

	c := activate(t, b, sub, AutoAck)
	first := publishN(t, b, "news", 3)
	assert.Equal(t, first, seqsOf(receiveN(t, c, 3)))
	require.NoError(t, b.Deactivate(ctx, sub))
	assert.Equal(t, StateInactive, sub.State())

	offline := publishN(t, b, "news", 7)
	c = activate(t, b, sub, AutoAck)
	assert.Equal(t, offline, seqsOf(receiveN(t, c, 7)))
	requireDrained(t, c)
	assert.Eventually(t, func() bool { return sub.State() == StateActive }, waitDelivery, 10*time.Millisecond)
}

func TestIndependentSubscribers(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t)
	a := durable(t, b, "a", "s", "kind = 'x'", "events")
	z := durable(t, b, "z", "s", "kind = 'x'", "events")

	for i := 0; i < 4; i++ {
		_, err := b.Publish(ctx, "events", msg(map[string]selector.Value{"kind": selector.String("x")}), nil)
		require.NoError(t, err)
	}

	ca := activate(t, b, a, ClientAck)
	got := receiveN(t, ca, 4)
	for _, d := range got {
		require.NoError(t, d.Ack(ctx))
	}
	require.NoError(t, b.Deactivate(ctx, a))

	ds, ok := b.DestinationStats("events")
	require.True(t, ok)
	assert.Equal(t, uint64(4), ds.EnqueueCount)
	assert.Equal(t, uint64(0), ds.ReleasedCount, "z still references every message")

	cz := activate(t, b, z, AutoAck)
	assert.Equal(t, []uint64{1, 2, 3, 4}, seqsOf(receiveN(t, cz, 4)))

	ds, _ = b.DestinationStats("events")
	assert.Equal(t, uint64(4), ds.ReleasedCount)
	assert.Equal(t, uint64(0), ds.DequeueCount, "durable acks are not destination dequeues")
}

func TestUnsubscribeDeletesBacklog(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t)
	sub := durable(t, b, "cli", "s", "", "q")
	publishN(t, b, "q", 5)

	require.NoError(t, b.Unsubscribe(ctx, "cli", "s"))
	assert.Equal(t, StateDeleted, sub.State())

	_, err := b.Lookup("cli", "s")
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)

	_, err = b.Activate(ctx, sub, ConsumerOptions{})
	var inv *InvalidStateError
	require.ErrorAs(t, err, &inv)

	again := durable(t, b, "cli", "s", "", "q")
	assert.Equal(t, uint64(0), again.Stats().Pending)
	c := activate(t, b, again, AutoAck)
	requireDrained(t, c)

	res, err := b.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, res.MessagesRemoved)
}

func TestUnsubscribeErrors(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t)

	var nf *NotFoundError
	require.ErrorAs(t, b.Unsubscribe(ctx, "cli", "missing"), &nf)

	sub := durable(t, b, "cli", "s", "", "q")
	activate(t, b, sub, AutoAck)
	var inv *InvalidStateError
	require.ErrorAs(t, b.Unsubscribe(ctx, "cli", "s"), &inv)
	assert.Equal(t, "unsubscribe", inv.Op)
}

func TestCountersSurviveRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	st, err := kaha.Open(dir, kaha.Options{})
	require.NoError(t, err)
	b, err := Open(ctx, st, Options{})
	require.NoError(t, err)

	sub := durable(t, b, "cli", "s", "", "q")
	publishN(t, b, "q", 10)
	c := activate(t, b, sub, ClientAck)
	got := receiveN(t, c, 10)
	for _, d := range got[:4] {
		require.NoError(t, d.Ack(ctx))
	}
	ds, _ := b.DestinationStats("q")
	assert.Equal(t, int64(6), ds.InFlightCount)
	assert.Equal(t, 6, sub.Stats().AwaitingAck)

	require.NoError(t, b.Close())
	require.NoError(t, st.Close())

	st, err = kaha.Open(dir, kaha.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	b = openBroker(t, st, Options{})

	sub, err = b.Lookup("cli", "s")
	require.NoError(t, err)
	stats := sub.Stats()
	assert.False(t, stats.Active)
	assert.Equal(t, uint64(10), stats.EnqueueCounter)
	assert.Equal(t, uint64(4), stats.DequeueCounter)
	assert.Equal(t, uint64(4), stats.Cursor)
	assert.Equal(t, 0, stats.AwaitingAck)

	ds, ok := b.DestinationStats("q")
	require.True(t, ok)
	assert.Equal(t, uint64(10), ds.EnqueueCount)
	assert.Equal(t, uint64(0), ds.DequeueCount)
	assert.Equal(t, uint64(4), ds.ReleasedCount)
	assert.Equal(t, int64(0), ds.InFlightCount)

	c = activate(t, b, sub, AutoAck)
	assert.Equal(t, []uint64{5, 6, 7, 8, 9, 10}, seqsOf(receiveN(t, c, 6)))
	requireDrained(t, c)

	seq, err := b.Publish(ctx, "q", msg(nil), nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(11), seq)
}

func TestPublishedMessageIsImmutable(t *testing.T) {
	ctx := context.Background()
	st, err := kaha.Open(t.TempDir(), kaha.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	b := openBroker(t, st, Options{})
	a := durable(t, b, "a", "s", "filter = 'true'", "q")
	z := durable(t, b, "z", "s", "", "q")

	props := map[string]selector.Value{"filter": selector.String("true")}
	payload := []byte("original")
	_, err = b.Publish(ctx, "q", &store.Message{Properties: props, Payload: payload}, nil)
	require.NoError(t, err)

	props["filter"] = selector.String("false")
	copy(payload, "reused!!")

	ca := activate(t, b, a, ClientAck)
	d := receiveN(t, ca, 1)[0]
	assert.Equal(t, "true", d.Message.Properties["filter"].S)
	assert.Equal(t, "original", string(d.Message.Payload))

	// a consumer scribbling on its copy does not reach other subscriptions
	d.Message.Properties["filter"] = selector.String("scribbled")
	d.Message.Payload[0] = 'X'

	cz := activate(t, b, z, ClientAck)
	d = receiveN(t, cz, 1)[0]
	assert.Equal(t, "true", d.Message.Properties["filter"].S)
	assert.Equal(t, "original", string(d.Message.Payload))
}

func TestConcurrentPublishAndActivation(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t)
	sub := durable(t, b, "cli", "s", "", "hot")

	const total = 300
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			_, err := b.Publish(ctx, "hot", msg(nil), nil)
			assert.NoError(t, err)
		}
	}()

	time.Sleep(time.Millisecond)
	c := activate(t, b, sub, AutoAck)
	got := receiveN(t, c, total)
	wg.Wait()
	requireDrained(t, c)

	seen := make(map[uint64]bool, total)
	var last uint64
	for _, d := range got {
		seq := d.Message.Seq
		require.False(t, seen[seq], "seq %d delivered twice", seq)
		require.Greater(t, seq, last)
		seen[seq] = true
		last = seq
	}
	assert.Len(t, seen, total)
}

func TestConcurrentDestinations(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		dest := fmt.Sprintf("d%d", i)
		durable(t, b, "cli", dest, "", dest)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := b.Publish(ctx, dest, msg(nil), nil)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	for _, ds := range b.Destinations() {
		assert.Equal(t, uint64(50), ds.Head, ds.Name)
		assert.Equal(t, uint64(50), ds.EnqueueCount, ds.Name)
	}
	for _, ss := range b.Subscriptions() {
		assert.Equal(t, uint64(50), ss.Pending, ss.Name)
	}
}

func TestSegmentsReclaimedAfterConsumption(t *testing.T) {
	ctx := context.Background()
	st, err := kaha.Open(filepath.Join(t.TempDir(), "kaha"), kaha.Options{MaxSegmentSize: 4 << 10})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	b := openBroker(t, st, Options{})

	sub := durable(t, b, "cli", "s", "", "bulk")
	body := make([]byte, 512)
	for i := 0; i < 60; i++ {
		_, err := b.Publish(ctx, "bulk", &store.Message{Payload: body}, nil)
		require.NoError(t, err)
	}
	before := st.Segments()
	require.Greater(t, before, 4)

	c := activate(t, b, sub, AutoAck)
	receiveN(t, c, 60)

	_, err = b.Compact(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, st.Segments(), 2)
	assert.Less(t, st.Segments(), before)
}

func TestTransactionAtomicity(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t)
	l, err := b.Subscribe("tx.*", "", 16)
	require.NoError(t, err)

	tx := b.Begin()
	for _, dest := range []string{"tx.a", "tx.b", "tx.a"} {
		seq, err := b.Publish(ctx, dest, msg(nil), tx)
		require.NoError(t, err)
		assert.Zero(t, seq)
	}

	msgs, err := b.ReadFrom(ctx, "tx.a", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.Empty(t, l.C())

	seqs, err := tx.Commit(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 1, 2}, seqs)

	msgs, err = b.ReadFrom(ctx, "tx.a", 0, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 2)
	assert.Len(t, l.C(), 3)

	_, err = tx.Commit(ctx)
	require.ErrorIs(t, err, ErrTxnDone)
	_, err = b.Publish(ctx, "tx.a", msg(nil), tx)
	require.ErrorIs(t, err, ErrTxnDone)
}

func TestTransactionRollback(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t)
	sub := durable(t, b, "cli", "s", "", "q")

	tx := b.Begin()
	_, err := b.Publish(ctx, "q", msg(nil), tx)
	require.NoError(t, err)
	tx.Rollback()

	_, err = tx.Commit(ctx)
	require.ErrorIs(t, err, ErrTxnDone)
	assert.Equal(t, uint64(0), sub.Stats().EnqueueCounter)
	_, ok := b.DestinationStats("q")
	assert.True(t, ok)
}

func TestDuplicateProducerSequence(t *testing.T) {
	ctx := context.Background()
	b := openBroker(t, memory.New(), Options{AuditWindow: 128})
	sub := durable(t, b, "cli", "s", "", "q")

	m := &store.Message{ProducerID: "p1", ProducerSeq: 1}
	_, err := b.Publish(ctx, "q", m, nil)
	require.NoError(t, err)
	_, err = b.Publish(ctx, "q", m, nil)
	require.ErrorIs(t, err, ErrDuplicate)

	tx := b.Begin()
	_, _ = b.Publish(ctx, "q", &store.Message{ProducerID: "p1", ProducerSeq: 2}, tx)
	_, _ = b.Publish(ctx, "q", &store.Message{ProducerID: "p1", ProducerSeq: 1}, tx)
	_, err = tx.Commit(ctx)
	require.ErrorIs(t, err, ErrDuplicate)

	// the rejected transaction did not consume seq 2
	_, err = b.Publish(ctx, "q", &store.Message{ProducerID: "p1", ProducerSeq: 2}, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), sub.Stats().EnqueueCounter)
}

func TestNoLocal(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t)
	sub := durable(t, b, "me", "s", "", "chat", WithNoLocal())

	_, err := b.Publish(ctx, "chat", &store.Message{Origin: "me"}, nil)
	require.NoError(t, err)
	seq, err := b.Publish(ctx, "chat", &store.Message{Origin: "you"}, nil)
	require.NoError(t, err)

	c := activate(t, b, sub, AutoAck)
	assert.Equal(t, []uint64{seq}, seqsOf(receiveN(t, c, 1)))
	requireDrained(t, c)
}

func TestSelectorChangeResets(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t)
	sub := durable(t, b, "cli", "s", "", "q")
	publishN(t, b, "q", 3)

	same := durable(t, b, "cli", "s", "  ", "q")
	assert.Same(t, sub, same)
	assert.Equal(t, uint64(3), sub.Stats().Pending)

	reset := durable(t, b, "cli", "s", "color = 'red'", "q")
	assert.Same(t, sub, reset)
	st := sub.Stats()
	assert.Equal(t, uint64(2), st.Generation)
	assert.Equal(t, uint64(3), st.Cursor)
	assert.Equal(t, uint64(0), st.Pending)
	assert.Equal(t, uint64(0), st.EnqueueCounter)

	_, err := b.Publish(ctx, "q", msg(map[string]selector.Value{"color": selector.String("blue")}), nil)
	require.NoError(t, err)
	red, err := b.Publish(ctx, "q", msg(map[string]selector.Value{"color": selector.String("red")}), nil)
	require.NoError(t, err)

	c := activate(t, b, sub, AutoAck)
	assert.Equal(t, []uint64{red}, seqsOf(receiveN(t, c, 1)))
	requireDrained(t, c)

	_, err = b.CreateDurableSubscription(ctx, "cli", "s", "", "q")
	var inv *InvalidStateError
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, StateActive, inv.State)
}

func TestDestinationChangeMovesSubscription(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t)
	sub := durable(t, b, "cli", "s", "", "old")
	publishN(t, b, "old", 2)

	durable(t, b, "cli", "s", "", "new")
	assert.Equal(t, "new", sub.Destination())
	ds, _ := b.DestinationStats("old")
	assert.Equal(t, 0, ds.Subscriptions)

	publishN(t, b, "old", 1)
	seq, err := b.Publish(ctx, "new", msg(nil), nil)
	require.NoError(t, err)

	c := activate(t, b, sub, AutoAck)
	assert.Equal(t, []uint64{seq}, seqsOf(receiveN(t, c, 1)))
	requireDrained(t, c)
}

func TestInvalidSelectorRegistersNothing(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t)

	_, err := b.CreateDurableSubscription(ctx, "cli", "s", "color = ", "q")
	var serr *selector.Error
	require.ErrorAs(t, err, &serr)
	_, err = b.Lookup("cli", "s")
	require.Error(t, err)
	assert.Empty(t, b.Subscriptions())
}

func TestInvalidNames(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t)

	var inv *InvalidNameError
	_, err := b.CreateDurableSubscription(ctx, "", "s", "", "q")
	require.ErrorAs(t, err, &inv)
	assert.Equal(t, "client id", inv.Field)

	_, err = b.CreateDurableSubscription(ctx, "cli", "s", "", "bad\x00dest")
	require.ErrorAs(t, err, &inv)

	_, err = b.Publish(ctx, "", msg(nil), nil)
	require.ErrorAs(t, err, &inv)
}

func TestClientAckRedeliversInOrder(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t)
	sub := durable(t, b, "cli", "s", "", "q")
	publishN(t, b, "q", 5)

	c := activate(t, b, sub, ClientAck)
	got := receiveN(t, c, 5)
	require.NoError(t, b.Acknowledge(ctx, sub, got[1].Message.Seq))
	require.NoError(t, b.Deactivate(ctx, sub))

	ds, _ := b.DestinationStats("q")
	assert.Equal(t, int64(0), ds.InFlightCount)

	c = activate(t, b, sub, ClientAck)
	assert.Equal(t, []uint64{1, 3, 4, 5}, seqsOf(receiveN(t, c, 4)))
	requireDrained(t, c)
}

func TestAcknowledgeErrors(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t)
	sub := durable(t, b, "cli", "s", "", "q")
	publishN(t, b, "q", 2)

	var inv *InvalidStateError
	require.ErrorAs(t, b.Acknowledge(ctx, sub, 1), &inv, "inactive")

	c := activate(t, b, sub, ClientAck)
	d := receiveN(t, c, 1)[0]

	require.ErrorAs(t, b.Acknowledge(ctx, sub, 99), &inv, "never delivered")
	assert.Equal(t, uint64(99), inv.Seq)

	require.NoError(t, d.Ack(ctx))
	require.ErrorAs(t, d.Ack(ctx), &inv, "already acknowledged")

	st := sub.Stats()
	assert.Equal(t, uint64(1), st.DequeueCounter)
	assert.Equal(t, uint64(1), st.Cursor)
}

func TestPriorityOrdering(t *testing.T) {
	ctx := context.Background()
	b := openBroker(t, memory.New(), Options{PrioritizedMessages: true})
	sub := durable(t, b, "cli", "s", "", "q")

	for _, p := range []uint8{1, 9, 4, 9, 0, 12} {
		_, err := b.Publish(ctx, "q", &store.Message{Priority: p}, nil)
		require.NoError(t, err)
	}

	c := activate(t, b, sub, AutoAck)
	got := receiveN(t, c, 6)
	assert.Equal(t, []uint64{2, 4, 6, 3, 1, 5}, seqsOf(got))
	assert.Equal(t, uint8(9), got[2].Message.Priority)
}

func TestDupsOkFlushesOnDeactivate(t *testing.T) {
	ctx := context.Background()
	b := openBroker(t, memory.New(), Options{DupsOkBatch: 4})
	sub := durable(t, b, "cli", "s", "", "q")
	publishN(t, b, "q", 10)

	c := activate(t, b, sub, DupsOkAck)
	receiveN(t, c, 10)
	// two full batches are persisted, two acks stay buffered
	assert.Equal(t, uint64(8), sub.Stats().DequeueCounter)
	ds, _ := b.DestinationStats("q")
	assert.Equal(t, int64(0), ds.InFlightCount)

	require.NoError(t, b.Deactivate(ctx, sub))
	st := sub.Stats()
	assert.Equal(t, uint64(10), st.DequeueCounter)
	assert.Equal(t, uint64(0), st.Pending)
}

func TestHandlerConsumer(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t)
	sub := durable(t, b, "cli", "s", "", "q")

	var mu sync.Mutex
	var seen []uint64
	_, err := b.Activate(ctx, sub, ConsumerOptions{
		AckMode: AutoAck,
		Handler: func(_ context.Context, d *Delivery) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, d.Message.Seq)
			return nil
		},
	})
	require.NoError(t, err)

	publishN(t, b, "q", 5)
	require.Eventually(t, func() bool {
		return sub.Stats().DequeueCounter == 5
	}, waitDelivery, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seen)
	mu.Unlock()
}

func TestActivateTwice(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t)
	sub := durable(t, b, "cli", "s", "", "q")
	c := activate(t, b, sub, AutoAck)
	assert.Same(t, c, sub.Consumer())

	_, err := b.Activate(ctx, sub, ConsumerOptions{})
	var inv *InvalidStateError
	require.ErrorAs(t, err, &inv)

	require.NoError(t, b.Deactivate(ctx, sub))
	require.NoError(t, b.Deactivate(ctx, sub))
	assert.Nil(t, sub.Consumer())

	_, err = c.Receive(ctx, waitNothing)
	require.ErrorIs(t, err, ErrConsumerClosed)
}

func TestDisconnect(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t)
	one := durable(t, b, "cli", "one", "", "q")
	two := durable(t, b, "cli", "two", "", "r")
	other := durable(t, b, "other", "one", "", "q")
	for _, sub := range []*Subscription{one, two, other} {
		activate(t, b, sub, AutoAck)
	}

	require.NoError(t, b.Disconnect(ctx, "cli"))
	assert.Equal(t, StateInactive, one.State())
	assert.Equal(t, StateInactive, two.State())
	assert.NotEqual(t, StateInactive, other.State())
}

func TestReceiveTimeoutHasNoSideEffects(t *testing.T) {
	b := newMemoryBroker(t)
	sub := durable(t, b, "cli", "s", "", "q")
	c := activate(t, b, sub, AutoAck)

	requireDrained(t, c)
	st := sub.Stats()
	assert.Equal(t, uint64(0), st.DequeueCounter)
	assert.Equal(t, 0, st.AwaitingAck)
}

func TestReceivePollReturnsBufferedDeliveries(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t)
	sub := durable(t, b, "cli", "s", "", "q")
	publishN(t, b, "q", 50)

	c, err := b.Activate(ctx, sub, ConsumerOptions{AckMode: ClientAck, Prefetch: 50})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(c.Messages()) == 50 }, waitDelivery, 5*time.Millisecond)

	for i := 0; i < 50; i++ {
		d, err := c.Receive(ctx, 0)
		require.NoError(t, err)
		require.NotNil(t, d, "poll %d found nothing", i)
	}
	d, err := c.Receive(ctx, 0)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestPrefetchBoundsOutstanding(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t)
	sub := durable(t, b, "cli", "s", "", "q")
	publishN(t, b, "q", 10)

	c, err := b.Activate(ctx, sub, ConsumerOptions{AckMode: ClientAck, Prefetch: 3})
	require.NoError(t, err)
	got := receiveN(t, c, 3)
	requireDrained(t, c)
	assert.Equal(t, 3, sub.Stats().AwaitingAck)

	require.NoError(t, got[0].Ack(ctx))
	d, err := c.Receive(ctx, waitDelivery)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, uint64(4), d.Message.Seq)
}

func TestNonDurableListener(t *testing.T) {
	ctx := context.Background()
	b := newMemoryBroker(t)
	publishN(t, b, "q", 2)

	l, err := b.Subscribe("q", "n > 1", 0)
	require.NoError(t, err)
	defer l.Close()

	for i := int64(0); i < 3; i++ {
		_, err := b.Publish(ctx, "q", msg(map[string]selector.Value{"n": selector.Int(i)}), nil)
		require.NoError(t, err)
	}
	select {
	case m := <-l.C():
		assert.Equal(t, uint64(5), m.Seq)
	case <-time.After(waitDelivery):
		t.Fatal("listener got nothing")
	}
	assert.Empty(t, l.C())

	ds, _ := b.DestinationStats("q")
	assert.Equal(t, uint64(1), ds.DequeueCount)
}

func TestMetricsSnapshot(t *testing.T) {
	b := openBroker(t, memory.New(), Options{AuditWindow: 16})
	durable(t, b, "cli", "a", "", "q")
	sub := durable(t, b, "cli", "b", "", "q")
	activate(t, b, sub, ClientAck)
	publishN(t, b, "q", 3)

	require.Eventually(t, func() bool {
		return b.MetricsSnapshot().InFlight == 3
	}, waitDelivery, 10*time.Millisecond)

	snap := b.MetricsSnapshot()
	assert.Equal(t, 1, snap.Destinations)
	assert.Equal(t, 1, snap.Subscriptions["inactive"])
	assert.Equal(t, int64(6), snap.Pending["q"])
}

func TestClosedBroker(t *testing.T) {
	ctx := context.Background()
	b, err := Open(ctx, memory.New(), Options{})
	require.NoError(t, err)
	sub := durable(t, b, "cli", "s", "", "q")
	c := activate(t, b, sub, AutoAck)

	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.Equal(t, StateInactive, sub.State())

	_, err = b.Publish(ctx, "q", msg(nil), nil)
	require.ErrorIs(t, err, ErrClosed)
	_, err = c.Receive(ctx, waitNothing)
	require.ErrorIs(t, err, ErrConsumerClosed)
}

func TestCloseRacingActivate(t *testing.T) {
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		b, err := Open(ctx, memory.New(), Options{})
		require.NoError(t, err)
		sub := durable(t, b, "cli", "s", "", "q")

		var (
			wg  sync.WaitGroup
			c   *Consumer
			aer error
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, aer = b.Activate(ctx, sub, ConsumerOptions{})
		}()
		require.NoError(t, b.Close())
		wg.Wait()

		assert.Equal(t, StateInactive, sub.State(), "iteration %d", i)
		if aer != nil {
			require.ErrorIs(t, aer, ErrClosed)
			continue
		}
		_, err = c.Receive(ctx, 0)
		require.ErrorIs(t, err, ErrConsumerClosed)
	}
}
