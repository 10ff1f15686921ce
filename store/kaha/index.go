package kaha

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/burrow/encoding"
	"github.com/maxpert/burrow/journal"
	"github.com/maxpert/burrow/store"
	"github.com/rs/zerolog/log"
)

var errStopReplay = errors.New("stop replay")

// pebbleLogger wraps zerolog for Pebble
type pebbleLogger struct{}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

func openPebble(path string) (*pebble.DB, error) {
	return pebble.Open(path, &pebble.Options{
		MemTableSize:             16 << 20,
		L0CompactionThreshold:    4,
		L0StopWritesThreshold:    12,
		MaxConcurrentCompactions: func() int { return 2 },
		Logger:                   &pebbleLogger{},
	})
}

// batchWriter records the first error of a sequence of batch mutations.
type batchWriter struct {
	b   *pebble.Batch
	err error
}

func (w *batchWriter) set(k, v []byte) {
	if w.err == nil {
		w.err = w.b.Set(k, v, nil)
	}
}

func (w *batchWriter) del(k []byte) {
	if w.err == nil {
		w.err = w.b.Delete(k, nil)
	}
}

type subMeta struct {
	Destination string `msgpack:"dst"`
	Selector    string `msgpack:"sel,omitempty"`
	NoLocal     bool   `msgpack:"nl,omitempty"`
	CreatedAt   int64  `msgpack:"at"`
	Slot        uint32 `msgpack:"slot"`
}

// openIndex opens the Pebble index and brings it up to the journal head,
// rebuilding it from the journal when it is missing or unusable.
func (s *Store) openIndex() error {
	db, err := openPebble(s.indexDir)
	if err == nil {
		var applied journal.Position
		if applied, err = s.checkIndex(db); err == nil {
			s.db = db
			if err := s.loadIndex(); err != nil {
				return fmt.Errorf("failed to load index: %w", err)
			}
			return s.replay(applied)
		}
		db.Close()
	}

	log.Warn().Err(err).Str("dir", s.indexDir).Msg("Index unusable, rebuilding from journal")
	if err := os.RemoveAll(s.indexDir); err != nil {
		return fmt.Errorf("failed to wipe index: %w", err)
	}
	if db, err = openPebble(s.indexDir); err != nil {
		return fmt.Errorf("failed to create index: %w", err)
	}
	s.db = db

	version := binary.BigEndian.AppendUint32(nil, indexVersion)
	if err := db.Set([]byte(keyVersion), version, pebble.Sync); err != nil {
		return fmt.Errorf("failed to write index version: %w", err)
	}
	return s.rebuild()
}

// checkIndex validates the index version and returns its applied position.
func (s *Store) checkIndex(db *pebble.DB) (journal.Position, error) {
	val, closer, err := db.Get([]byte(keyVersion))
	if err == pebble.ErrNotFound {
		return journal.Position{}, errors.New("index version missing")
	}
	if err != nil {
		return journal.Position{}, err
	}
	version := uint32(0)
	if len(val) == 4 {
		version = binary.BigEndian.Uint32(val)
	}
	closer.Close()
	if version != indexVersion {
		return journal.Position{}, fmt.Errorf("index version %d, want %d", version, indexVersion)
	}

	val, closer, err = db.Get([]byte(keyApplied))
	if err == pebble.ErrNotFound {
		return journal.Position{}, nil
	}
	if err != nil {
		return journal.Position{}, err
	}
	applied, err := decodePosition(val)
	closer.Close()
	if err != nil {
		return journal.Position{}, err
	}

	if s.journal.Head().Less(applied) {
		return journal.Position{}, fmt.Errorf("applied position %s is beyond journal head %s", applied, s.journal.Head())
	}
	found := false
	for _, id := range s.journal.Segments() {
		if id == applied.Segment {
			found = true
			break
		}
	}
	if !found {
		return journal.Position{}, fmt.Errorf("applied position %s is in a missing segment", applied)
	}
	return applied, nil
}

func (s *Store) iterate(prefix []byte, fn func(k, v []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		val, err := iter.ValueAndErr()
		if err != nil {
			return err
		}
		if err := fn(iter.Key(), val); err != nil {
			return err
		}
	}
	return iter.Error()
}

// loadIndex rebuilds the in-memory state from a valid index.
func (s *Store) loadIndex() error {
	err := s.iterate([]byte(prefixDest), func(k, v []byte) error {
		name := string(k[len(prefixDest):])
		d, err := decodeDest(name, v)
		if err != nil {
			return fmt.Errorf("destination %s: %w", name, err)
		}
		s.dests[name] = d
		return nil
	})
	if err != nil {
		return err
	}

	slots := make(map[uint32]slot)
	err = s.iterate([]byte(prefixSlot), func(k, v []byte) error {
		idx := binary.BigEndian.Uint32(k[len(prefixSlot):])
		sl, err := decodeSlot(v)
		if err != nil {
			return fmt.Errorf("slot %d: %w", idx, err)
		}
		slots[idx] = sl
		return nil
	})
	if err != nil {
		return err
	}

	err = s.iterate([]byte(prefixSub), func(k, v []byte) error {
		client, name, ok := bytes.Cut(k[len(prefixSub):], []byte{sep})
		if !ok {
			return fmt.Errorf("malformed subscription key %q", k)
		}
		var meta subMeta
		if err := encoding.Unmarshal(v, &meta); err != nil {
			return fmt.Errorf("subscription %s:%s: %w", client, name, err)
		}
		key := store.SubscriptionKey{ClientID: string(client), Name: string(name)}
		s.subs[key] = &subState{
			rec: store.SubscriptionRecord{
				Key:         key,
				Destination: meta.Destination,
				Selector:    meta.Selector,
				NoLocal:     meta.NoLocal,
				CreatedAt:   meta.CreatedAt,
			},
			slot: meta.Slot,
		}
		s.slots.Restore(meta.Slot, slots[meta.Slot])
		return nil
	})
	if err != nil {
		return err
	}
	s.slots.Rebuild()

	return s.iterate([]byte(prefixRef), func(k, _ []byte) error {
		rest := k[len(prefixRef) : len(k)-8]
		client, name, ok := bytes.Cut(rest[:len(rest)-1], []byte{sep})
		if !ok {
			return fmt.Errorf("malformed reference key %q", k)
		}
		key := store.SubscriptionKey{ClientID: string(client), Name: string(name)}
		st, ok := s.subs[key]
		if !ok {
			return nil
		}
		seq := seqSuffix(k)
		loc, err := s.lookupLocation(s.db, st.rec.Destination, seq)
		if err != nil {
			return fmt.Errorf("reference %s#%d: %w", key, seq, err)
		}
		s.addRef(msgKey{st.rec.Destination, seq}, loc.pos.Segment)
		return nil
	})
}

type getter interface {
	Get(key []byte) ([]byte, io.Closer, error)
}

func (s *Store) lookupLocation(g getter, dest string, seq uint64) (location, error) {
	val, closer, err := g.Get(locKey(dest, seq))
	if err != nil {
		return location{}, err
	}
	defer closer.Close()
	return decodeLocation(val)
}

// replay applies every journal record after from to the index.
func (s *Store) replay(from journal.Position) error {
	n := 0
	err := s.journal.Replay(from, func(r *journal.Record) error {
		n++
		return s.applyRecord(r)
	})
	if err != nil {
		return fmt.Errorf("failed to replay journal: %w", err)
	}
	if n > 0 {
		log.Info().Int("records", n).Str("from", from.String()).Msg("Replayed journal into index")
	}
	return nil
}

// rebuild populates an empty index from the journal. State before the latest
// checkpoint comes from the checkpoint itself; only message locations are
// taken from the records preceding it.
func (s *Store) rebuild() error {
	var cpPos journal.Position
	found := false
	err := s.journal.Replay(journal.Position{}, func(r *journal.Record) error {
		if r.Type == recCheckpoint {
			cpPos = r.Pos
			found = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan journal: %w", err)
	}
	if !found {
		return s.replay(journal.Position{})
	}

	err = s.journal.Replay(journal.Position{}, func(r *journal.Record) error {
		if !r.Pos.Less(cpPos) {
			return errStopReplay
		}
		if r.Type != recCommit {
			return nil
		}
		var c store.Commit
		if err := encoding.Unmarshal(r.Payload, &c); err != nil {
			return fmt.Errorf("commit at %s: %w", r.Pos, err)
		}
		return s.commitBatch(r.Next, func(w *batchWriter) error {
			for i, e := range c.Entries {
				w.set(locKey(e.Message.Destination, e.Message.Seq), encodeLocation(location{r.Pos, uint32(i)}))
			}
			return nil
		})
	})
	if err != nil && !errors.Is(err, errStopReplay) {
		return fmt.Errorf("failed to index messages: %w", err)
	}

	r, err := s.journal.Read(cpPos)
	if err != nil {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}
	var cp checkpoint
	if err := encoding.Unmarshal(r.Payload, &cp); err != nil {
		return fmt.Errorf("checkpoint at %s: %w", r.Pos, err)
	}
	s.mu.Lock()
	err = s.commitBatch(r.Next, func(w *batchWriter) error { return s.applyCheckpoint(w, &cp) })
	s.mu.Unlock()
	if err != nil {
		return err
	}
	log.Info().Str("checkpoint", cpPos.String()).Msg("Index restored from checkpoint")
	return s.replay(r.Next)
}

// applyRecord decodes a journal record and applies it in its own batch.
func (s *Store) applyRecord(r *journal.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var apply func(w *batchWriter) error
	switch r.Type {
	case recCommit:
		var c store.Commit
		if err := encoding.Unmarshal(r.Payload, &c); err != nil {
			return fmt.Errorf("commit at %s: %w", r.Pos, err)
		}
		apply = func(w *batchWriter) error { return s.applyCommit(w, r.Pos, &c) }
	case recAck:
		var a store.Ack
		if err := encoding.Unmarshal(r.Payload, &a); err != nil {
			return fmt.Errorf("ack at %s: %w", r.Pos, err)
		}
		apply = func(w *batchWriter) error {
			_, err := s.applyAck(w, &a)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			return err
		}
	case recSubscription:
		var op subscriptionOp
		if err := encoding.Unmarshal(r.Payload, &op); err != nil {
			return fmt.Errorf("subscription at %s: %w", r.Pos, err)
		}
		apply = func(w *batchWriter) error { return s.applySubscription(w, &op) }
	case recRemove:
		var op removeOp
		if err := encoding.Unmarshal(r.Payload, &op); err != nil {
			return fmt.Errorf("remove at %s: %w", r.Pos, err)
		}
		apply = func(w *batchWriter) error { return s.applyRemove(w, op.Key) }
	case recCheckpoint:
		// the index already holds everything a checkpoint describes
		apply = func(*batchWriter) error { return nil }
	default:
		return fmt.Errorf("record at %s: unknown type %d: %w", r.Pos, r.Type, journal.ErrCorrupt)
	}
	return s.commitBatch(r.Next, apply)
}

// commitBatch runs fn in an indexed batch and commits it together with the
// new applied position.
func (s *Store) commitBatch(next journal.Position, fn func(w *batchWriter) error) error {
	b := s.db.NewIndexedBatch()
	defer b.Close()

	w := &batchWriter{b: b}
	if err := fn(w); err != nil {
		return err
	}
	w.set([]byte(keyApplied), encodePosition(next))
	if w.err != nil {
		return fmt.Errorf("failed to stage index update: %w", w.err)
	}
	if err := b.Commit(pebble.NoSync); err != nil {
		return fmt.Errorf("failed to commit index update: %w", err)
	}
	return nil
}
