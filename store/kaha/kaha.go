// Package kaha is the journal-backed store.Adapter.
//
// Every mutation is appended to a segmented journal first and then applied
// to a Pebble index in journal order:
//
//	/loc/{dest}\x00{seq}           -> journal position of the commit holding the message
//	/ref/{client}\x00{name}\x00{seq} -> pending reference
//	/sub/{client}\x00{name}        -> static subscription fields and its slot index
//	/slot/{idx}                    -> generation, cursor and counters
//	/dest/{name}                   -> head, enqueue and dequeue counts
//	/meta/applied                  -> journal position the index reflects
//
// Message bodies stay in the journal; the index only points at them. The
// index can always be rebuilt from the journal, starting at the latest
// checkpoint record.
package kaha

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/maxpert/burrow/arena"
	"github.com/maxpert/burrow/encoding"
	"github.com/maxpert/burrow/journal"
	"github.com/maxpert/burrow/store"
	"github.com/rs/zerolog/log"
)

const defaultRecordCacheSize = 4096

// Options configures a Store.
type Options struct {
	MaxSegmentSize   int64
	Sync             bool
	CompressionLevel int
	// RecordCacheSize bounds the number of decoded commit records kept for reads.
	RecordCacheSize int
}

type msgKey struct {
	dest string
	seq  uint64
}

// msgMeta tracks a referenced message: the segment holding it and its live references.
type msgMeta struct {
	seg  uint32
	refs int
}

type subState struct {
	rec  store.SubscriptionRecord // static fields only; counters live in the slot
	slot uint32
}

// Store is a journal-backed store.Adapter.
type Store struct {
	opts     Options
	journal  *journal.Journal
	db       *pebble.DB
	indexDir string
	cache    *lru.Cache[journal.Position, *store.Commit]

	// gate is held shared by writers and exclusively while a checkpoint is taken
	gate sync.RWMutex
	// segMu is held shared by readers and exclusively while segments are removed
	segMu sync.RWMutex

	mu        sync.Mutex
	cond      *sync.Cond
	nextOrder uint64
	failed    error
	closed    bool

	subs    map[store.SubscriptionKey]*subState
	dests   map[string]*store.DestinationRecord
	msgs    map[msgKey]*msgMeta
	segRefs map[uint32]int
	slots   *arena.Arena[slot]
}

var _ store.Adapter = (*Store)(nil)

// Open opens or creates a store in dir.
func Open(dir string, opts Options) (*Store, error) {
	if opts.RecordCacheSize <= 0 {
		opts.RecordCacheSize = defaultRecordCacheSize
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create store dir: %w", err)
	}

	cache, err := lru.New[journal.Position, *store.Commit](opts.RecordCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create record cache: %w", err)
	}

	j, err := journal.Open(journal.Options{
		Dir:              filepath.Join(dir, "journal"),
		MaxSegmentSize:   opts.MaxSegmentSize,
		Sync:             opts.Sync,
		CompressionLevel: opts.CompressionLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	s := &Store{
		opts:     opts,
		journal:  j,
		indexDir: filepath.Join(dir, "index"),
		cache:    cache,
		subs:     make(map[store.SubscriptionKey]*subState),
		dests:    make(map[string]*store.DestinationRecord),
		msgs:     make(map[msgKey]*msgMeta),
		segRefs:  make(map[uint32]int),
		slots:    arena.New[slot](),
	}
	s.cond = sync.NewCond(&s.mu)

	if err := s.openIndex(); err != nil {
		if s.db != nil {
			s.db.Close()
		}
		j.Close()
		return nil, err
	}

	log.Info().
		Str("dir", dir).
		Int("destinations", len(s.dests)).
		Int("subscriptions", len(s.subs)).
		Int("referenced", len(s.msgs)).
		Msg("Kaha store opened")
	return s, nil
}

// checkOpen must be called with mu held.
func (s *Store) checkOpen() error {
	if s.closed {
		return store.ErrClosed
	}
	return s.failed
}

func (s *Store) isOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkOpen()
}

// submit journals v and applies it to the index in journal order.
func (s *Store) submit(ctx context.Context, typ uint8, v interface{}, apply func(w *batchWriter, pos journal.Position) error) (journal.Position, error) {
	payload, err := encoding.Marshal(v)
	if err != nil {
		return journal.Position{}, fmt.Errorf("failed to encode %s record: %w", recordTypeName(typ), err)
	}

	s.gate.RLock()
	defer s.gate.RUnlock()
	return s.appendAndApply(ctx, typ, payload, apply)
}

func (s *Store) appendAndApply(ctx context.Context, typ uint8, payload []byte, apply func(w *batchWriter, pos journal.Position) error) (journal.Position, error) {
	if err := s.isOpen(); err != nil {
		return journal.Position{}, err
	}

	rc, err := s.journal.Append(ctx, typ, payload)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
			errors.Is(err, journal.ErrRecordTooLarge) || errors.Is(err, journal.ErrClosed) {
			return journal.Position{}, err
		}
		s.fail(fmt.Errorf("journal append failed: %w", err))
		return journal.Position{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.failed == nil && s.nextOrder != rc.Order {
		s.cond.Wait()
	}
	if s.failed != nil {
		return journal.Position{}, s.failed
	}

	err = s.commitBatch(rc.Next, func(w *batchWriter) error { return apply(w, rc.Position) })
	if err != nil {
		s.failed = fmt.Errorf("index update failed at %s: %w", rc.Position, err)
		s.cond.Broadcast()
		log.Error().Err(err).Str("type", recordTypeName(typ)).Str("pos", rc.Position.String()).Msg("Kaha store failed")
		return journal.Position{}, s.failed
	}
	s.nextOrder++
	s.cond.Broadcast()
	return rc.Position, nil
}

func (s *Store) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed == nil {
		s.failed = err
		log.Error().Err(err).Msg("Kaha store failed")
	}
	s.cond.Broadcast()
}

func (s *Store) Load(ctx context.Context) (*store.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	state := &store.State{}
	for _, d := range s.dests {
		rec := *d
		state.Destinations = append(state.Destinations, &rec)
	}
	for _, st := range s.subs {
		rec := st.rec
		sl, err := s.slots.Get(st.slot)
		if err != nil {
			return nil, fmt.Errorf("subscription %s: %w", rec.Key, err)
		}
		rec.Generation = sl.Generation
		rec.Cursor = sl.Cursor
		rec.EnqueueCounter = sl.Enqueue
		rec.DequeueCounter = sl.Dequeue
		state.Subscriptions = append(state.Subscriptions, &rec)
	}
	sort.Slice(state.Destinations, func(i, j int) bool {
		return state.Destinations[i].Name < state.Destinations[j].Name
	})
	sort.Slice(state.Subscriptions, func(i, j int) bool {
		return state.Subscriptions[i].Key.String() < state.Subscriptions[j].Key.String()
	})
	return state, nil
}

func (s *Store) Commit(ctx context.Context, c *store.Commit) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	for _, e := range c.Entries {
		m := e.Message
		if d, ok := s.dests[m.Destination]; ok && m.Seq <= d.Head {
			s.mu.Unlock()
			return fmt.Errorf("failed to append %s: head is %d", m, d.Head)
		}
	}
	s.mu.Unlock()

	pos, err := s.submit(ctx, recCommit, c, func(w *batchWriter, pos journal.Position) error {
		return s.applyCommit(w, pos, c)
	})
	if err != nil {
		return err
	}
	s.cache.Add(pos, cachedCommit(c))
	return nil
}

// cachedCommit copies the messages of c so the cache never aliases caller memory.
func cachedCommit(c *store.Commit) *store.Commit {
	entries := make([]store.Entry, len(c.Entries))
	for i, e := range c.Entries {
		entries[i] = store.Entry{Message: e.Message.Clone()}
	}
	return &store.Commit{Entries: entries}
}

func (s *Store) Acknowledge(ctx context.Context, ack *store.Ack) (*store.AckResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.checkGeneration(ack.Key, ack.Generation); err != nil {
		return nil, err
	}

	var res *store.AckResult
	var soft error
	_, err := s.submit(ctx, recAck, ack, func(w *batchWriter, _ journal.Position) error {
		var err error
		res, err = s.applyAck(w, ack)
		if errors.Is(err, store.ErrNotFound) {
			soft = err
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if soft != nil {
		return nil, soft
	}
	return res, nil
}

func (s *Store) checkGeneration(key store.SubscriptionKey, gen uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	st, ok := s.subs[key]
	if !ok {
		return fmt.Errorf("subscription %s: %w", key, store.ErrNotFound)
	}
	sl, err := s.slots.Get(st.slot)
	if err != nil {
		return err
	}
	if sl.Generation != gen {
		return fmt.Errorf("subscription %s generation %d: %w", key, gen, store.ErrNotFound)
	}
	return nil
}

func (s *Store) SaveSubscription(ctx context.Context, rec *store.SubscriptionRecord, reset bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	op := &subscriptionOp{Sub: rec, Reset: reset}
	_, err := s.submit(ctx, recSubscription, op, func(w *batchWriter, _ journal.Position) error {
		return s.applySubscription(w, op)
	})
	return err
}

func (s *Store) RemoveSubscription(ctx context.Context, key store.SubscriptionKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	err := s.checkOpen()
	_, exists := s.subs[key]
	s.mu.Unlock()
	if err != nil || !exists {
		return err
	}

	_, err = s.submit(ctx, recRemove, &removeOp{Key: key}, func(w *batchWriter, _ journal.Position) error {
		return s.applyRemove(w, key)
	})
	return err
}

func (s *Store) ReadFrom(ctx context.Context, dest string, after uint64, limit int) ([]*store.Message, error) {
	s.segMu.RLock()
	defer s.segMu.RUnlock()
	if err := s.isOpen(); err != nil {
		return nil, err
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: locKey(dest, after+1),
		UpperBound: prefixUpperBound(destPrefix(dest)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []*store.Message
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		val, err := iter.ValueAndErr()
		if err != nil {
			return nil, err
		}
		loc, err := decodeLocation(val)
		if err != nil {
			return nil, err
		}
		m, err := s.readMessage(loc)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s#%d: %w", dest, seqSuffix(iter.Key()), err)
		}
		out = append(out, m)
	}
	return out, iter.Error()
}

func (s *Store) ReadMessages(ctx context.Context, dest string, seqs []uint64) ([]*store.Message, error) {
	s.segMu.RLock()
	defer s.segMu.RUnlock()
	if err := s.isOpen(); err != nil {
		return nil, err
	}

	sorted := append([]uint64(nil), seqs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	out := make([]*store.Message, 0, len(sorted))
	for _, seq := range sorted {
		loc, err := s.lookupLocation(s.db, dest, seq)
		if err == pebble.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		m, err := s.readMessage(loc)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s#%d: %w", dest, seq, err)
		}
		out = append(out, m)
	}
	return out, nil
}

// readMessage must be called with segMu held shared.
func (s *Store) readMessage(loc location) (*store.Message, error) {
	c, ok := s.cache.Get(loc.pos)
	if !ok {
		r, err := s.journal.Read(loc.pos)
		if err != nil {
			return nil, err
		}
		if r.Type != recCommit {
			return nil, fmt.Errorf("%s record at %s: %w", recordTypeName(r.Type), loc.pos, journal.ErrCorrupt)
		}
		c = &store.Commit{}
		if err := encoding.Unmarshal(r.Payload, c); err != nil {
			return nil, fmt.Errorf("commit at %s: %w", loc.pos, err)
		}
		s.cache.Add(loc.pos, c)
	}
	if int(loc.index) >= len(c.Entries) {
		return nil, fmt.Errorf("entry %d of commit at %s: %w", loc.index, loc.pos, journal.ErrCorrupt)
	}
	return c.Entries[loc.index].Message.Clone(), nil
}

func (s *Store) PendingRefs(ctx context.Context, key store.SubscriptionKey, after uint64, limit int) ([]uint64, error) {
	s.segMu.RLock()
	defer s.segMu.RUnlock()
	if err := s.isOpen(); err != nil {
		return nil, err
	}

	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: refKey(key, after+1),
		UpperBound: prefixUpperBound(refPrefix(key)),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []uint64
	for iter.First(); iter.Valid(); iter.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		out = append(out, seqSuffix(iter.Key()))
	}
	return out, iter.Error()
}

func (s *Store) Close() error {
	s.gate.Lock()
	defer s.gate.Unlock()
	s.segMu.Lock()
	defer s.segMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()

	var errs []error
	if err := s.journal.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close journal: %w", err))
	}
	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close index: %w", err))
	}
	return errors.Join(errs...)
}

// Segments returns the number of live journal segments.
func (s *Store) Segments() int {
	return len(s.journal.Segments())
}

// SlotCapacity returns the size of the subscription slot table.
func (s *Store) SlotCapacity() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.slots.Cap()
}
