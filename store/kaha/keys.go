package kaha

import (
	"encoding/binary"
	"fmt"

	"github.com/maxpert/burrow/journal"
	"github.com/maxpert/burrow/store"
)

// Key prefixes for the Pebble index
const (
	prefixLoc  = "/loc/"  // /loc/{dest}\x00{seq} -> location
	prefixRef  = "/ref/"  // /ref/{client}\x00{name}\x00{seq} -> empty
	prefixSub  = "/sub/"  // /sub/{client}\x00{name} -> subMeta
	prefixSlot = "/slot/" // /slot/{idx} -> slot
	prefixDest = "/dest/" // /dest/{name} -> head, enqueue, dequeue

	keyApplied = "/meta/applied"
	keyVersion = "/meta/version"

	indexVersion uint32 = 1

	sep = 0x00
)

// location addresses a message: the commit record holding it and its entry index.
type location struct {
	pos   journal.Position
	index uint32
}

func encodeLocation(l location) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint32(buf[0:4], l.pos.Segment)
	binary.BigEndian.PutUint64(buf[4:12], uint64(l.pos.Offset))
	binary.BigEndian.PutUint32(buf[12:16], l.index)
	return buf
}

func decodeLocation(b []byte) (location, error) {
	if len(b) != 16 {
		return location{}, fmt.Errorf("invalid location length: %d", len(b))
	}
	return location{
		pos: journal.Position{
			Segment: binary.BigEndian.Uint32(b[0:4]),
			Offset:  int64(binary.BigEndian.Uint64(b[4:12])),
		},
		index: binary.BigEndian.Uint32(b[12:16]),
	}, nil
}

func encodePosition(p journal.Position) []byte {
	buf := make([]byte, 12)
	binary.BigEndian.PutUint32(buf[0:4], p.Segment)
	binary.BigEndian.PutUint64(buf[4:12], uint64(p.Offset))
	return buf
}

func decodePosition(b []byte) (journal.Position, error) {
	if len(b) != 12 {
		return journal.Position{}, fmt.Errorf("invalid position length: %d", len(b))
	}
	return journal.Position{
		Segment: binary.BigEndian.Uint32(b[0:4]),
		Offset:  int64(binary.BigEndian.Uint64(b[4:12])),
	}, nil
}

func appendSeq(b []byte, seq uint64) []byte {
	return binary.BigEndian.AppendUint64(b, seq)
}

func destPrefix(dest string) []byte {
	b := make([]byte, 0, len(prefixLoc)+len(dest)+1)
	b = append(b, prefixLoc...)
	b = append(b, dest...)
	return append(b, sep)
}

func locKey(dest string, seq uint64) []byte {
	return appendSeq(destPrefix(dest), seq)
}

func refPrefix(key store.SubscriptionKey) []byte {
	b := make([]byte, 0, len(prefixRef)+len(key.ClientID)+len(key.Name)+2)
	b = append(b, prefixRef...)
	b = append(b, key.ClientID...)
	b = append(b, sep)
	b = append(b, key.Name...)
	return append(b, sep)
}

func refKey(key store.SubscriptionKey, seq uint64) []byte {
	return appendSeq(refPrefix(key), seq)
}

// seqSuffix returns the trailing big-endian sequence of a /loc or /ref key.
func seqSuffix(k []byte) uint64 {
	return binary.BigEndian.Uint64(k[len(k)-8:])
}

func subKey(key store.SubscriptionKey) []byte {
	b := make([]byte, 0, len(prefixSub)+len(key.ClientID)+len(key.Name)+1)
	b = append(b, prefixSub...)
	b = append(b, key.ClientID...)
	b = append(b, sep)
	return append(b, key.Name...)
}

func slotKey(idx uint32) []byte {
	return binary.BigEndian.AppendUint32([]byte(prefixSlot), idx)
}

func destKey(name string) []byte {
	return append([]byte(prefixDest), name...)
}

// slot is the fixed-size cursor record every live subscription owns.
type slot struct {
	Generation uint64
	Cursor     uint64
	Enqueue    uint64
	Dequeue    uint64
}

const slotSize = 32

func encodeSlot(s *slot) []byte {
	buf := make([]byte, slotSize)
	binary.BigEndian.PutUint64(buf[0:8], s.Generation)
	binary.BigEndian.PutUint64(buf[8:16], s.Cursor)
	binary.BigEndian.PutUint64(buf[16:24], s.Enqueue)
	binary.BigEndian.PutUint64(buf[24:32], s.Dequeue)
	return buf
}

func decodeSlot(b []byte) (slot, error) {
	if len(b) != slotSize {
		return slot{}, fmt.Errorf("invalid slot length: %d", len(b))
	}
	return slot{
		Generation: binary.BigEndian.Uint64(b[0:8]),
		Cursor:     binary.BigEndian.Uint64(b[8:16]),
		Enqueue:    binary.BigEndian.Uint64(b[16:24]),
		Dequeue:    binary.BigEndian.Uint64(b[24:32]),
	}, nil
}

func encodeDest(d *store.DestinationRecord) []byte {
	buf := make([]byte, 24)
	binary.BigEndian.PutUint64(buf[0:8], d.Head)
	binary.BigEndian.PutUint64(buf[8:16], d.EnqueueCount)
	binary.BigEndian.PutUint64(buf[16:24], d.ReleasedCount)
	return buf
}

func decodeDest(name string, b []byte) (*store.DestinationRecord, error) {
	if len(b) != 24 {
		return nil, fmt.Errorf("invalid destination length: %d", len(b))
	}
	return &store.DestinationRecord{
		Name:          name,
		Head:          binary.BigEndian.Uint64(b[0:8]),
		EnqueueCount:  binary.BigEndian.Uint64(b[8:16]),
		ReleasedCount: binary.BigEndian.Uint64(b[16:24]),
	}, nil
}

// prefixUpperBound returns the smallest key greater than every key with prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
