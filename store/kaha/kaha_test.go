package kaha

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/maxpert/burrow/store"
	"github.com/maxpert/burrow/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openKaha(t *testing.T, dir string, segmentSize int64) *Store {
	t.Helper()
	s, err := Open(dir, Options{MaxSegmentSize: segmentSize, RecordCacheSize: 64})
	require.NoError(t, err)
	return s
}

func TestKahaStore(t *testing.T) {
	storetest.RunAdapterTests(t, storetest.Harness{
		Open: func(t *testing.T, dir string) store.Adapter {
			return openKaha(t, dir, 0)
		},
		Durable: true,
	})
}

func subscription(client, name, dest string, gen uint64) *store.SubscriptionRecord {
	return &store.SubscriptionRecord{
		Key:         store.SubscriptionKey{ClientID: client, Name: name},
		Destination: dest,
		Generation:  gen,
		CreatedAt:   1700000000000,
	}
}

func bigMessage(dest string, seq uint64) *store.Message {
	m := storetest.NewMessage(dest, seq)
	m.Payload = bytes.Repeat([]byte{byte(seq)}, 512)
	return m
}

// publish commits seqs [from, to] to dest, each referenced by rec.
func publish(t *testing.T, s *Store, rec *store.SubscriptionRecord, from, to uint64) {
	t.Helper()
	ctx := context.Background()
	for seq := from; seq <= to; seq++ {
		require.NoError(t, s.Commit(ctx, &store.Commit{Entries: []store.Entry{{
			Message:     bigMessage(rec.Destination, seq),
			Subscribers: []store.SubscriberRef{{Key: rec.Key, Generation: rec.Generation}},
		}}}))
	}
}

func seqs(from, to uint64) []uint64 {
	var out []uint64
	for seq := from; seq <= to; seq++ {
		out = append(out, seq)
	}
	return out
}

func TestKahaStore_RebuildsIndex(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openKaha(t, dir, 0)
	rec := subscription("client", "durable", "orders", 1)
	require.NoError(t, s.SaveSubscription(ctx, rec, false))
	publish(t, s, rec, 1, 10)
	_, err := s.Acknowledge(ctx, &store.Ack{Key: rec.Key, Generation: 1, Seqs: seqs(1, 4)})
	require.NoError(t, err)

	before, err := s.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.NoError(t, os.RemoveAll(filepath.Join(dir, "index")))

	s = openKaha(t, dir, 0)
	defer s.Close()

	after, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	refs, err := s.PendingRefs(ctx, rec.Key, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, seqs(5, 10), refs)

	msgs, err := s.ReadFrom(ctx, "orders", 8, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, bigMessage("orders", 9).Payload, msgs[0].Payload)
}

func TestKahaStore_IndexVersionMismatchRebuilds(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openKaha(t, dir, 0)
	rec := subscription("client", "durable", "orders", 1)
	require.NoError(t, s.SaveSubscription(ctx, rec, false))
	publish(t, s, rec, 1, 3)
	require.NoError(t, s.db.Set([]byte(keyVersion), []byte{0, 0, 0, 99}, nil))
	require.NoError(t, s.Close())

	s = openKaha(t, dir, 0)
	defer s.Close()

	refs, err := s.PendingRefs(ctx, rec.Key, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, seqs(1, 3), refs)
}

func TestKahaStore_TornTail(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openKaha(t, dir, 0)
	rec := subscription("client", "durable", "orders", 1)
	require.NoError(t, s.SaveSubscription(ctx, rec, false))
	publish(t, s, rec, 1, 5)
	require.NoError(t, s.Close())

	segs, err := filepath.Glob(filepath.Join(dir, "journal", "*.log"))
	require.NoError(t, err)
	require.NotEmpty(t, segs)
	f, err := os.OpenFile(segs[len(segs)-1], os.O_APPEND|os.O_WRONLY, 0640)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x40, 0x00, 0x00, 0x00, 0x01})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	s = openKaha(t, dir, 0)
	defer s.Close()

	refs, err := s.PendingRefs(ctx, rec.Key, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, seqs(1, 5), refs)

	publish(t, s, rec, 6, 6)
	msgs, err := s.ReadFrom(ctx, "orders", 5, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, uint64(6), msgs[0].Seq)
}

func TestKahaStore_CompactReclaimsSegments(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openKaha(t, dir, 4<<10)
	rec := subscription("client", "durable", "orders", 1)
	require.NoError(t, s.SaveSubscription(ctx, rec, false))
	publish(t, s, rec, 1, 60)
	segmentsBefore := s.Segments()
	require.Greater(t, segmentsBefore, 3)

	// nothing acknowledged yet, every sealed segment is still referenced
	res, err := s.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.SegmentsRemoved)

	_, err = s.Acknowledge(ctx, &store.Ack{Key: rec.Key, Generation: 1, Seqs: seqs(1, 55)})
	require.NoError(t, err)

	res, err = s.Compact(ctx)
	require.NoError(t, err)
	assert.Greater(t, res.SegmentsRemoved, 0)
	assert.Greater(t, res.MessagesRemoved, 0)
	assert.Less(t, s.Segments(), segmentsBefore)

	msgs, err := s.ReadMessages(ctx, "orders", seqs(56, 60))
	require.NoError(t, err)
	assert.Len(t, msgs, 5)

	msgs, err = s.ReadFrom(ctx, "orders", 0, 0)
	require.NoError(t, err)
	assert.NotContains(t, seqsOfMessages(msgs), uint64(1))

	before, err := s.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	// the checkpoint stands in for the removed segments
	require.NoError(t, os.RemoveAll(filepath.Join(dir, "index")))
	s = openKaha(t, dir, 4<<10)
	defer s.Close()

	after, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	refs, err := s.PendingRefs(ctx, rec.Key, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, seqs(56, 60), refs)

	msgs, err = s.ReadMessages(ctx, "orders", refs)
	require.NoError(t, err)
	require.Len(t, msgs, 5)
	assert.Equal(t, bigMessage("orders", 56).Payload, msgs[0].Payload)

	publish(t, s, &store.SubscriptionRecord{Key: rec.Key, Destination: "orders", Generation: 1}, 61, 61)
	state, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, state.Destinations, 1)
	assert.Equal(t, uint64(61), state.Destinations[0].Head)
}

func TestKahaStore_SlotsReusedAcrossChurn(t *testing.T) {
	s := openKaha(t, t.TempDir(), 0)
	defer s.Close()
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		for i := 0; i < 5; i++ {
			rec := subscription("client", fmt.Sprintf("sub-%d", i), "orders", uint64(round+1))
			require.NoError(t, s.SaveSubscription(ctx, rec, false))
		}
		for i := 0; i < 5; i++ {
			require.NoError(t, s.RemoveSubscription(ctx, store.SubscriptionKey{ClientID: "client", Name: fmt.Sprintf("sub-%d", i)}))
		}
		res, err := s.Compact(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, res.SlotsReclaimed)
	}
	assert.LessOrEqual(t, s.SlotCapacity(), 5)

	state, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, state.Subscriptions)
}

func TestKahaStore_SlotsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := openKaha(t, dir, 0)
	a := subscription("client", "a", "orders", 1)
	b := subscription("client", "b", "orders", 1)
	require.NoError(t, s.SaveSubscription(ctx, a, false))
	require.NoError(t, s.SaveSubscription(ctx, b, false))
	require.NoError(t, s.RemoveSubscription(ctx, a.Key))
	publish(t, s, b, 1, 2)
	require.NoError(t, s.Close())

	s = openKaha(t, dir, 0)
	defer s.Close()

	// the slot freed by a is reused
	_, err := s.Compact(ctx)
	require.NoError(t, err)
	c := subscription("client", "c", "orders", 1)
	require.NoError(t, s.SaveSubscription(ctx, c, false))
	assert.Equal(t, 2, s.SlotCapacity())

	publish(t, s, c, 3, 3)
	refs, err := s.PendingRefs(ctx, b.Key, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, refs)
	refs, err = s.PendingRefs(ctx, c.Key, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, refs)
}

func TestKahaStore_StaleAckAfterRemove(t *testing.T) {
	s := openKaha(t, t.TempDir(), 0)
	defer s.Close()
	ctx := context.Background()

	rec := subscription("client", "durable", "orders", 1)
	require.NoError(t, s.SaveSubscription(ctx, rec, false))
	publish(t, s, rec, 1, 1)
	require.NoError(t, s.RemoveSubscription(ctx, rec.Key))

	_, err := s.Acknowledge(ctx, &store.Ack{Key: rec.Key, Generation: 1, Seqs: []uint64{1}})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("/ref0"), prefixUpperBound([]byte("/ref/")))
	assert.Equal(t, []byte{0x01}, prefixUpperBound([]byte{0x00, 0xff}))
	assert.Nil(t, prefixUpperBound([]byte{0xff, 0xff}))
}

func TestLocationEncoding(t *testing.T) {
	loc := location{index: 7}
	loc.pos.Segment = 3
	loc.pos.Offset = 4096
	got, err := decodeLocation(encodeLocation(loc))
	require.NoError(t, err)
	assert.Equal(t, loc, got)

	_, err = decodeLocation([]byte{1, 2, 3})
	assert.Error(t, err)
}

func seqsOfMessages(msgs []*store.Message) []uint64 {
	out := make([]uint64, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Seq)
	}
	return out
}
