package kaha

import (
	"context"
	"fmt"
	"sort"

	"github.com/cockroachdb/pebble"
	"github.com/maxpert/burrow/encoding"
	"github.com/maxpert/burrow/journal"
	"github.com/maxpert/burrow/store"
	"github.com/rs/zerolog/log"
)

// Compact reclaims released subscription slots and removes sealed journal
// segments that no pending reference points into. A checkpoint is journaled
// first so a rebuild never needs the removed segments.
func (s *Store) Compact(ctx context.Context) (*store.CompactResult, error) {
	res := &store.CompactResult{}

	s.mu.Lock()
	if err := s.checkOpen(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	res.SlotsReclaimed = s.slots.Reclaim()
	active := s.journal.Head().Segment
	var candidates []uint32
	for _, id := range s.journal.Segments() {
		if id < active && s.segRefs[id] == 0 {
			candidates = append(candidates, id)
		}
	}
	s.mu.Unlock()

	if len(candidates) == 0 {
		return res, nil
	}

	cpPos, err := s.checkpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to write checkpoint: %w", err)
	}

	drop := make(map[uint32]struct{}, len(candidates))
	var ids []uint32
	for _, id := range candidates {
		if id < cpPos.Segment {
			drop[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return res, nil
	}

	removed, err := s.dropLocations(drop)
	if err != nil {
		return nil, fmt.Errorf("failed to drop message locations: %w", err)
	}
	res.MessagesRemoved = removed

	s.segMu.Lock()
	err = s.journal.Remove(ids...)
	for _, pos := range s.cache.Keys() {
		if _, ok := drop[pos.Segment]; ok {
			s.cache.Remove(pos)
		}
	}
	s.segMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to remove segments: %w", err)
	}
	res.SegmentsRemoved = len(ids)

	log.Info().
		Int("segments", len(ids)).
		Int("messages", removed).
		Str("checkpoint", cpPos.String()).
		Msg("Journal segments reclaimed")
	return res, nil
}

// checkpoint journals the complete state. Writers are excluded for the
// duration so the captured state is exactly the state at the record.
func (s *Store) checkpoint(ctx context.Context) (journal.Position, error) {
	s.gate.Lock()
	defer s.gate.Unlock()

	cp := &checkpoint{}
	s.mu.Lock()
	for _, d := range s.dests {
		rec := *d
		cp.Destinations = append(cp.Destinations, &rec)
	}
	for key, st := range s.subs {
		sl, err := s.slots.Get(st.slot)
		if err != nil {
			s.mu.Unlock()
			return journal.Position{}, fmt.Errorf("subscription %s: %w", key, err)
		}
		rec := st.rec
		rec.Generation = sl.Generation
		rec.Cursor = sl.Cursor
		rec.EnqueueCounter = sl.Enqueue
		rec.DequeueCounter = sl.Dequeue
		cp.Subscriptions = append(cp.Subscriptions, checkpointSub{Sub: &rec})
	}
	s.mu.Unlock()

	sort.Slice(cp.Destinations, func(i, j int) bool { return cp.Destinations[i].Name < cp.Destinations[j].Name })
	sort.Slice(cp.Subscriptions, func(i, j int) bool {
		return cp.Subscriptions[i].Sub.Key.String() < cp.Subscriptions[j].Sub.Key.String()
	})

	for i := range cp.Subscriptions {
		cs := &cp.Subscriptions[i]
		err := s.iterate(refPrefix(cs.Sub.Key), func(k, _ []byte) error {
			cs.Refs = append(cs.Refs, seqSuffix(k))
			return nil
		})
		if err != nil {
			return journal.Position{}, err
		}
	}

	payload, err := encoding.Marshal(cp)
	if err != nil {
		return journal.Position{}, fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	return s.appendAndApply(ctx, recCheckpoint, payload, func(*batchWriter, journal.Position) error { return nil })
}

// dropLocations deletes the /loc entries of messages stored in drop.
func (s *Store) dropLocations(drop map[uint32]struct{}) (int, error) {
	b := s.db.NewBatch()
	defer b.Close()

	removed := 0
	err := s.iterate([]byte(prefixLoc), func(k, v []byte) error {
		loc, err := decodeLocation(v)
		if err != nil {
			return err
		}
		if _, ok := drop[loc.pos.Segment]; !ok {
			return nil
		}
		removed++
		return b.Delete(k, nil)
	})
	if err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, b.Commit(pebble.Sync)
}
