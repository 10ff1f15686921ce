// Package dedup detects duplicate publishes and redeliveries by
// (producer id, producer sequence).
package dedup

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	cuckoo "github.com/linvon/cuckoo-filter"
	"github.com/maxpert/burrow/telemetry"
)

const (
	// capacity = bucketSize × numBuckets = 4 × 65536 = 256K entries
	cuckooBucketSize      = 4
	cuckooFingerprintSize = 32
	cuckooNumBuckets      = 65536

	DefaultWindow = 65536
)

var ErrInvalidWindow = errors.New("audit window must be positive")

// ProducerKey identifies one message of one producer.
type ProducerKey struct {
	ProducerID string
	Seq        uint64
}

// Hash returns XXH64(producerID:seq).
func (k ProducerKey) Hash() uint64 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], k.Seq)
	h := xxhash.New()
	h.WriteString(k.ProducerID)
	h.WriteString(":")
	h.Write(buf[:])
	return h.Sum64()
}

// Audit remembers the last window accepted producer keys.
//
// Design:
//   - Filter MISS = definitely new → admit without touching the window
//   - Filter HIT = maybe seen → exact lookup in the LRU window
//   - Evicting a key from the window deletes it from the filter
//
// Thread-safe for concurrent access.
type Audit struct {
	mu     sync.Mutex
	filter *cuckoo.Filter
	window *lru.Cache[ProducerKey, uint64]
}

// NewAudit creates an audit remembering up to window keys.
func NewAudit(window int) (*Audit, error) {
	if window <= 0 {
		return nil, ErrInvalidWindow
	}
	a := &Audit{
		filter: cuckoo.NewFilter(cuckooBucketSize, cuckooFingerprintSize, cuckooNumBuckets, cuckoo.TableTypePacked),
	}
	w, err := lru.NewWithEvict[ProducerKey, uint64](window, func(_ ProducerKey, hash uint64) {
		a.filter.Delete(hashBytes(hash))
	})
	if err != nil {
		return nil, err
	}
	a.window = w
	return a, nil
}

func hashBytes(h uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, h)
	return buf
}

// Admit records key and reports whether it was new. Messages without a
// producer id are always admitted and never recorded.
func (a *Audit) Admit(producerID string, seq uint64) bool {
	if producerID == "" {
		return true
	}
	key := ProducerKey{producerID, seq}
	hash := key.Hash()
	buf := hashBytes(hash)

	a.mu.Lock()
	if a.filter.Contain(buf) && a.window.Contains(key) {
		a.mu.Unlock()
		return false
	}
	a.filter.Add(buf)
	a.window.Add(key, hash)
	size := a.filter.Size()
	a.mu.Unlock()

	telemetry.AuditFilterSize.Set(float64(size))
	return true
}

// Forget removes key, used when the publish it guarded did not commit.
func (a *Audit) Forget(producerID string, seq uint64) {
	if producerID == "" {
		return
	}
	a.mu.Lock()
	a.window.Remove(ProducerKey{producerID, seq})
	size := a.filter.Size()
	a.mu.Unlock()

	telemetry.AuditFilterSize.Set(float64(size))
}

// Len returns the number of remembered keys.
func (a *Audit) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.window.Len()
}

// Window tracks keys handed out by one consumer activation. Not safe for
// concurrent use.
type Window struct {
	seen *lru.Cache[ProducerKey, struct{}]
}

// NewWindow creates a window remembering up to size keys.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = DefaultWindow
	}
	seen, _ := lru.New[ProducerKey, struct{}](size)
	return &Window{seen: seen}
}

// Seen records key and reports whether it was already recorded.
func (w *Window) Seen(producerID string, seq uint64) bool {
	if producerID == "" {
		return false
	}
	key := ProducerKey{producerID, seq}
	if w.seen.Contains(key) {
		return true
	}
	w.seen.Add(key, struct{}{})
	return false
}

// Reset forgets everything.
func (w *Window) Reset() {
	w.seen.Purge()
}
