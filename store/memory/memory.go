// Package memory is a non-durable store.Adapter for tests and ephemeral brokers.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/maxpert/burrow/store"
	"github.com/puzpuzpuz/xsync/v3"
)

type msgID struct {
	dest string
	seq  uint64
}

type destLog struct {
	rec  store.DestinationRecord
	msgs map[uint64]*store.Message
}

// Store keeps everything in process memory. Writers serialize on mu so each
// operation is atomic; readers use the concurrent maps directly.
type Store struct {
	mu     sync.Mutex
	closed bool

	dests *xsync.MapOf[string, *destLog]
	subs  *xsync.MapOf[store.SubscriptionKey, *store.SubscriptionRecord]
	// refs holds each subscription's referenced sequences, ascending
	refs *xsync.MapOf[store.SubscriptionKey, []uint64]
	// refCount counts references per message
	refCount map[msgID]int
}

var _ store.Adapter = (*Store)(nil)

func New() *Store {
	return &Store{
		dests:    xsync.NewMapOf[string, *destLog](),
		subs:     xsync.NewMapOf[store.SubscriptionKey, *store.SubscriptionRecord](),
		refs:     xsync.NewMapOf[store.SubscriptionKey, []uint64](),
		refCount: make(map[msgID]int),
	}
}

func (s *Store) Load(ctx context.Context) (*store.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	state := &store.State{}
	s.dests.Range(func(_ string, d *destLog) bool {
		rec := d.rec
		state.Destinations = append(state.Destinations, &rec)
		return true
	})
	s.subs.Range(func(_ store.SubscriptionKey, r *store.SubscriptionRecord) bool {
		rec := *r
		state.Subscriptions = append(state.Subscriptions, &rec)
		return true
	})
	sort.Slice(state.Destinations, func(i, j int) bool {
		return state.Destinations[i].Name < state.Destinations[j].Name
	})
	sort.Slice(state.Subscriptions, func(i, j int) bool {
		return state.Subscriptions[i].Key.String() < state.Subscriptions[j].Key.String()
	})
	return state, nil
}

func (s *Store) dest(name string) *destLog {
	d, _ := s.dests.LoadOrCompute(name, func() *destLog {
		return &destLog{rec: store.DestinationRecord{Name: name}, msgs: make(map[uint64]*store.Message)}
	})
	return d
}

func (s *Store) Commit(ctx context.Context, c *store.Commit) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	for _, e := range c.Entries {
		m := e.Message
		if d, ok := s.dests.Load(m.Destination); ok && m.Seq <= d.rec.Head {
			return fmt.Errorf("failed to append %s: head is %d", m, d.rec.Head)
		}
	}

	for _, e := range c.Entries {
		m := e.Message
		d := s.dest(m.Destination)
		d.msgs[m.Seq] = m.Clone()
		d.rec.Head = m.Seq
		d.rec.EnqueueCount++

		for _, ref := range e.Subscribers {
			sub, ok := s.subs.Load(ref.Key)
			if !ok || sub.Generation != ref.Generation || sub.Destination != m.Destination {
				continue
			}
			seqs, _ := s.refs.Load(ref.Key)
			s.refs.Store(ref.Key, insertSorted(seqs, m.Seq))
			s.refCount[msgID{m.Destination, m.Seq}]++
			sub.EnqueueCounter++
		}
	}
	return nil
}

func (s *Store) ReadFrom(ctx context.Context, dest string, after uint64, limit int) ([]*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.dests.Load(dest)
	if !ok {
		return nil, nil
	}
	seqs := make([]uint64, 0, len(d.msgs))
	for seq := range d.msgs {
		if seq > after {
			seqs = append(seqs, seq)
		}
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	if limit > 0 && len(seqs) > limit {
		seqs = seqs[:limit]
	}

	out := make([]*store.Message, 0, len(seqs))
	for _, seq := range seqs {
		out = append(out, d.msgs[seq].Clone())
	}
	return out, nil
}

func (s *Store) ReadMessages(ctx context.Context, dest string, seqs []uint64) ([]*store.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.dests.Load(dest)
	if !ok {
		return nil, nil
	}
	sorted := append([]uint64(nil), seqs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := make([]*store.Message, 0, len(sorted))
	for _, seq := range sorted {
		if m, ok := d.msgs[seq]; ok {
			out = append(out, m.Clone())
		}
	}
	return out, nil
}

func (s *Store) PendingRefs(ctx context.Context, key store.SubscriptionKey, after uint64, limit int) ([]uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seqs, _ := s.refs.Load(key)
	i := sort.Search(len(seqs), func(i int) bool { return seqs[i] > after })
	seqs = seqs[i:]
	if limit > 0 && len(seqs) > limit {
		seqs = seqs[:limit]
	}
	return append([]uint64(nil), seqs...), nil
}

func (s *Store) SaveSubscription(ctx context.Context, rec *store.SubscriptionRecord, reset bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	if reset {
		s.dropRefs(rec.Key)
	}
	s.dest(rec.Destination)
	cp := *rec
	s.subs.Store(rec.Key, &cp)
	return nil
}

func (s *Store) Acknowledge(ctx context.Context, ack *store.Ack) (*store.AckResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	sub, ok := s.subs.Load(ack.Key)
	if !ok || sub.Generation != ack.Generation {
		return nil, fmt.Errorf("subscription %s generation %d: %w", ack.Key, ack.Generation, store.ErrNotFound)
	}

	res := &store.AckResult{}
	seqs, _ := s.refs.Load(ack.Key)
	d := s.dest(sub.Destination)
	for _, seq := range ack.Seqs {
		var removed bool
		if seqs, removed = removeSorted(seqs, seq); !removed {
			continue
		}
		res.Acked = append(res.Acked, seq)
		sub.DequeueCounter++
		if seq > sub.Cursor {
			sub.Cursor = seq
		}

		id := msgID{sub.Destination, seq}
		if s.refCount[id]--; s.refCount[id] <= 0 {
			delete(s.refCount, id)
			res.Released = append(res.Released, seq)
			d.rec.ReleasedCount++
		}
	}
	s.refs.Store(ack.Key, seqs)
	return res, nil
}

func (s *Store) RemoveSubscription(ctx context.Context, key store.SubscriptionKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}

	s.dropRefs(key)
	s.subs.Delete(key)
	return nil
}

// dropRefs discards every reference of key without counting dequeues.
func (s *Store) dropRefs(key store.SubscriptionKey) {
	seqs, ok := s.refs.LoadAndDelete(key)
	if !ok {
		return
	}
	sub, ok := s.subs.Load(key)
	if !ok {
		return
	}
	for _, seq := range seqs {
		id := msgID{sub.Destination, seq}
		if s.refCount[id]--; s.refCount[id] <= 0 {
			delete(s.refCount, id)
		}
	}
}

// Compact drops message bodies nothing references.
func (s *Store) Compact(ctx context.Context) (*store.CompactResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, store.ErrClosed
	}

	res := &store.CompactResult{}
	s.dests.Range(func(name string, d *destLog) bool {
		for seq := range d.msgs {
			if s.refCount[msgID{name, seq}] == 0 {
				delete(d.msgs, seq)
				res.MessagesRemoved++
			}
		}
		return true
	})
	return res, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func insertSorted(seqs []uint64, seq uint64) []uint64 {
	i := sort.Search(len(seqs), func(i int) bool { return seqs[i] >= seq })
	if i < len(seqs) && seqs[i] == seq {
		return seqs
	}
	seqs = append(seqs, 0)
	copy(seqs[i+1:], seqs[i:])
	seqs[i] = seq
	return seqs
}

func removeSorted(seqs []uint64, seq uint64) ([]uint64, bool) {
	i := sort.Search(len(seqs), func(i int) bool { return seqs[i] >= seq })
	if i >= len(seqs) || seqs[i] != seq {
		return seqs, false
	}
	return append(seqs[:i], seqs[i+1:]...), true
}
