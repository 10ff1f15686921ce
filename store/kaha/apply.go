package kaha

import (
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/burrow/encoding"
	"github.com/maxpert/burrow/journal"
	"github.com/maxpert/burrow/store"
)

// The apply functions mutate the in-memory state and stage the matching
// index writes. They run with mu held, both for live writes and replay.

var emptyValue = []byte{}

func (s *Store) destination(w *batchWriter, name string) *store.DestinationRecord {
	d, ok := s.dests[name]
	if !ok {
		d = &store.DestinationRecord{Name: name}
		s.dests[name] = d
		w.set(destKey(name), encodeDest(d))
	}
	return d
}

func (s *Store) applyCommit(w *batchWriter, pos journal.Position, c *store.Commit) error {
	for i, e := range c.Entries {
		m := e.Message
		d := s.destination(w, m.Destination)
		if m.Seq <= d.Head {
			continue
		}
		d.Head = m.Seq
		d.EnqueueCount++
		w.set(locKey(m.Destination, m.Seq), encodeLocation(location{pos: pos, index: uint32(i)}))
		w.set(destKey(d.Name), encodeDest(d))

		for _, ref := range e.Subscribers {
			st, ok := s.subs[ref.Key]
			if !ok || st.rec.Destination != m.Destination {
				continue
			}
			sl, err := s.slots.Get(st.slot)
			if err != nil {
				return fmt.Errorf("subscription %s: %w", ref.Key, err)
			}
			if sl.Generation != ref.Generation {
				continue
			}
			w.set(refKey(ref.Key, m.Seq), emptyValue)
			sl.Enqueue++
			w.set(slotKey(st.slot), encodeSlot(sl))
			s.addRef(msgKey{m.Destination, m.Seq}, pos.Segment)
		}
	}
	return w.err
}

func (s *Store) applyAck(w *batchWriter, a *store.Ack) (*store.AckResult, error) {
	st, ok := s.subs[a.Key]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", a.Key, store.ErrNotFound)
	}
	sl, err := s.slots.Get(st.slot)
	if err != nil {
		return nil, fmt.Errorf("subscription %s: %w", a.Key, err)
	}
	if sl.Generation != a.Generation {
		return nil, fmt.Errorf("subscription %s generation %d: %w", a.Key, a.Generation, store.ErrNotFound)
	}

	res := &store.AckResult{}
	d := s.destination(w, st.rec.Destination)
	for _, seq := range a.Seqs {
		dropped, released, err := s.dropRef(w, a.Key, st.rec.Destination, seq)
		if err != nil {
			return nil, err
		}
		if !dropped {
			continue
		}
		res.Acked = append(res.Acked, seq)
		sl.Dequeue++
		if seq > sl.Cursor {
			sl.Cursor = seq
		}
		if released {
			res.Released = append(res.Released, seq)
			d.ReleasedCount++
		}
	}
	w.set(slotKey(st.slot), encodeSlot(sl))
	if len(res.Released) > 0 {
		w.set(destKey(d.Name), encodeDest(d))
	}
	return res, w.err
}

func (s *Store) applySubscription(w *batchWriter, op *subscriptionOp) error {
	rec := op.Sub
	st, exists := s.subs[rec.Key]
	if exists && op.Reset {
		if err := s.dropAllRefs(w, rec.Key, st.rec.Destination); err != nil {
			return err
		}
	}
	if !exists {
		st = &subState{slot: s.slots.Alloc()}
		s.subs[rec.Key] = st
	}
	st.rec = store.SubscriptionRecord{
		Key:         rec.Key,
		Destination: rec.Destination,
		Selector:    rec.Selector,
		NoLocal:     rec.NoLocal,
		CreatedAt:   rec.CreatedAt,
	}

	sl, err := s.slots.Get(st.slot)
	if err != nil {
		return fmt.Errorf("subscription %s: %w", rec.Key, err)
	}
	*sl = slot{
		Generation: rec.Generation,
		Cursor:     rec.Cursor,
		Enqueue:    rec.EnqueueCounter,
		Dequeue:    rec.DequeueCounter,
	}

	meta, err := encoding.Marshal(&subMeta{
		Destination: rec.Destination,
		Selector:    rec.Selector,
		NoLocal:     rec.NoLocal,
		CreatedAt:   rec.CreatedAt,
		Slot:        st.slot,
	})
	if err != nil {
		return fmt.Errorf("failed to encode subscription %s: %w", rec.Key, err)
	}
	w.set(subKey(rec.Key), meta)
	w.set(slotKey(st.slot), encodeSlot(sl))
	s.destination(w, rec.Destination)
	return w.err
}

func (s *Store) applyRemove(w *batchWriter, key store.SubscriptionKey) error {
	st, ok := s.subs[key]
	if !ok {
		return nil
	}
	if err := s.dropAllRefs(w, key, st.rec.Destination); err != nil {
		return err
	}
	w.del(subKey(key))
	w.del(slotKey(st.slot))
	if err := s.slots.Release(st.slot); err != nil {
		return fmt.Errorf("subscription %s: %w", key, err)
	}
	delete(s.subs, key)
	return w.err
}

// applyCheckpoint loads a checkpoint into an empty index. Message locations
// must already be indexed.
func (s *Store) applyCheckpoint(w *batchWriter, cp *checkpoint) error {
	for _, d := range cp.Destinations {
		rec := *d
		s.dests[rec.Name] = &rec
		w.set(destKey(rec.Name), encodeDest(&rec))
	}
	for _, cs := range cp.Subscriptions {
		if err := s.applySubscription(w, &subscriptionOp{Sub: cs.Sub}); err != nil {
			return err
		}
		for _, seq := range cs.Refs {
			loc, err := s.lookupLocation(w.b, cs.Sub.Destination, seq)
			if err != nil {
				return fmt.Errorf("reference %s#%d: %w", cs.Sub.Key, seq, err)
			}
			w.set(refKey(cs.Sub.Key, seq), emptyValue)
			s.addRef(msgKey{cs.Sub.Destination, seq}, loc.pos.Segment)
		}
	}
	return w.err
}

func (s *Store) addRef(mk msgKey, seg uint32) {
	meta, ok := s.msgs[mk]
	if !ok {
		meta = &msgMeta{seg: seg}
		s.msgs[mk] = meta
	}
	meta.refs++
	s.segRefs[meta.seg]++
}

// dropRef deletes one reference. released reports that the message has no
// references left.
func (s *Store) dropRef(w *batchWriter, key store.SubscriptionKey, dest string, seq uint64) (dropped, released bool, err error) {
	k := refKey(key, seq)
	_, closer, err := w.b.Get(k)
	if err == pebble.ErrNotFound {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	closer.Close()
	w.del(k)

	mk := msgKey{dest, seq}
	meta, ok := s.msgs[mk]
	if !ok {
		return true, true, nil
	}
	meta.refs--
	if s.segRefs[meta.seg]--; s.segRefs[meta.seg] <= 0 {
		delete(s.segRefs, meta.seg)
	}
	if meta.refs <= 0 {
		delete(s.msgs, mk)
		return true, true, nil
	}
	return true, false, nil
}

// dropAllRefs discards every reference of key without counting dequeues.
func (s *Store) dropAllRefs(w *batchWriter, key store.SubscriptionKey, dest string) error {
	prefix := refPrefix(key)
	iter, err := w.b.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	var seqs []uint64
	for iter.First(); iter.Valid(); iter.Next() {
		seqs = append(seqs, seqSuffix(iter.Key()))
	}
	if err := iter.Close(); err != nil {
		return err
	}

	for _, seq := range seqs {
		if _, _, err := s.dropRef(w, key, dest, seq); err != nil {
			return err
		}
	}
	return w.err
}
