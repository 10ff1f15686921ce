// Package journal implements an append-only record log split into
// fixed-size rotatable segment files.
//
// Layout: each segment file `{id:08d}.log` starts with a 24-byte header
// (magic, version, segment id, creation time) followed by framed records
// (length, type, flags, payload, xxhash64 checksum). Payloads above a small
// threshold are zstd-compressed when a compression level is configured.
//
// Writes use group commit: concurrent Append calls are queued, a single
// writer goroutine writes every queued record, then flushes and fsyncs once
// and resolves each caller's future with the record's Position. Records are
// written in the order they were queued; Receipt.Order exposes that order to
// callers that must apply records in journal order.
//
// Recovery: on Open the last segment is scanned and a torn tail (a partial
// record or a checksum mismatch left by a crash mid-write) is truncated.
// Damage anywhere else surfaces as ErrCorrupt from Replay.
package journal

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/burrow/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxSegmentSize = 32 << 20 // 32MB
	minSegmentSize        = 4 << 10

	writeBufferSize = 64 * 1024
)

var (
	ErrClosed        = errors.New("journal is closed")
	ErrActiveSegment = errors.New("cannot remove the active segment")
)

// Options configures a Journal.
type Options struct {
	Dir            string
	MaxSegmentSize int64
	// Sync fsyncs each group commit. Disable only for tests.
	Sync bool
	// CompressionLevel 0 disables compression, 1-4 select zstd speed/ratio.
	CompressionLevel int
}

// Receipt reports where a record was written and its queue order.
type Receipt struct {
	Position Position
	Next     Position
	Order    uint64
}

type appendRequest struct {
	data    []byte
	order   uint64
	promise *future.Promise[Receipt]
}

// Journal is an append-only, segmented record log.
type Journal struct {
	opts  Options
	codec *codec

	mu      sync.Mutex
	pending []*appendRequest
	order   uint64
	closed  bool
	failed  error

	signal chan struct{}
	stopCh chan struct{}
	wg     sync.WaitGroup

	// writer state, owned by the flush loop after Open
	active   *os.File
	activeID uint32
	writer   *bufio.Writer
	size     int64

	segMu    sync.RWMutex
	segments []uint32
	readers  map[uint32]*os.File

	head         atomic.Pointer[Position]
	bytesWritten atomic.Int64
}

// Open opens or creates a journal in opts.Dir and recovers its tail.
func Open(opts Options) (*Journal, error) {
	if opts.MaxSegmentSize <= 0 {
		opts.MaxSegmentSize = DefaultMaxSegmentSize
	}
	if opts.MaxSegmentSize < minSegmentSize {
		opts.MaxSegmentSize = minSegmentSize
	}
	if err := os.MkdirAll(opts.Dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create journal dir: %w", err)
	}

	c, err := newCodec(opts.CompressionLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create codec: %w", err)
	}

	j := &Journal{
		opts:    opts,
		codec:   c,
		signal:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		readers: make(map[uint32]*os.File),
	}

	if err := j.recover(); err != nil {
		c.close()
		return nil, err
	}

	j.wg.Add(1)
	go j.flushLoop()

	log.Info().
		Str("dir", opts.Dir).
		Int("segments", len(j.segments)).
		Str("head", j.Head().String()).
		Msg("Journal opened")
	return j, nil
}

func (j *Journal) recover() error {
	ids, err := listSegments(j.opts.Dir)
	if err != nil {
		return fmt.Errorf("failed to list segments: %w", err)
	}

	if len(ids) == 0 {
		file, err := createSegment(j.opts.Dir, 1)
		if err != nil {
			return err
		}
		j.segments = []uint32{1}
		return j.activate(file, 1, HeaderSize)
	}

	last := ids[len(ids)-1]
	end, torn, err := scanTail(j.opts.Dir, last)
	if err != nil {
		return fmt.Errorf("failed to scan segment %d: %w", last, err)
	}

	file, err := os.OpenFile(segmentPath(j.opts.Dir, last), os.O_RDWR, 0640)
	if err != nil {
		return fmt.Errorf("failed to open segment %d: %w", last, err)
	}
	if torn {
		log.Warn().
			Uint32("segment", last).
			Int64("offset", end).
			Msg("Truncating torn journal tail")
		if err := file.Truncate(end); err != nil {
			file.Close()
			return fmt.Errorf("failed to truncate segment %d: %w", last, err)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return err
		}
	}
	if _, err := file.Seek(end, io.SeekStart); err != nil {
		file.Close()
		return err
	}

	j.segments = ids
	return j.activate(file, last, end)
}

func (j *Journal) activate(file *os.File, id uint32, size int64) error {
	j.active = file
	j.activeID = id
	j.size = size
	if j.writer == nil {
		j.writer = bufio.NewWriterSize(file, writeBufferSize)
	} else {
		j.writer.Reset(file)
	}
	j.head.Store(&Position{Segment: id, Offset: size})
	telemetry.JournalSegments.Set(float64(len(j.segments)))
	return nil
}

// Append queues a record and blocks until it is durable. ctx is honoured
// only until the record is queued; once queued it will be written.
func (j *Journal) Append(ctx context.Context, typ uint8, payload []byte) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	if len(payload) > MaxRecordSize {
		return Receipt{}, ErrRecordTooLarge
	}

	req := &appendRequest{
		data:    j.codec.encode(typ, payload),
		promise: future.NewPromise[Receipt](),
	}

	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return Receipt{}, ErrClosed
	}
	if j.failed != nil {
		j.mu.Unlock()
		return Receipt{}, j.failed
	}
	req.order = j.order
	j.order++
	j.pending = append(j.pending, req)
	j.mu.Unlock()

	select {
	case j.signal <- struct{}{}:
	default:
	}

	rec, err := req.promise.Future().Get()
	if err != nil {
		return Receipt{Order: req.order}, err
	}
	return rec, nil
}

func (j *Journal) flushLoop() {
	defer j.wg.Done()

	for {
		select {
		case <-j.signal:
			j.flushPending()
		case <-j.stopCh:
			j.flushPending()
			return
		}
	}
}

func (j *Journal) flushPending() {
	j.mu.Lock()
	batch := j.pending
	j.pending = nil
	failed := j.failed
	j.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	if failed != nil {
		for _, req := range batch {
			req.promise.Set(Receipt{Order: req.order}, failed)
		}
		return
	}

	start := time.Now()
	receipts := make([]Receipt, len(batch))
	var err error
	for i, req := range batch {
		var pos Position
		if pos, err = j.write(req.data); err != nil {
			break
		}
		receipts[i] = Receipt{
			Position: pos,
			Next:     Position{Segment: pos.Segment, Offset: pos.Offset + int64(len(req.data))},
			Order:    req.order,
		}
	}
	if err == nil {
		err = j.flush()
	}

	if err != nil {
		err = fmt.Errorf("journal write failed: %w", err)
		log.Error().Err(err).Msg("Journal entering failed state")
		j.mu.Lock()
		j.failed = err
		j.mu.Unlock()
		for _, req := range batch {
			req.promise.Set(Receipt{Order: req.order}, err)
		}
		return
	}

	telemetry.JournalGroupCommitSize.Observe(float64(len(batch)))
	telemetry.JournalFlushSeconds.Observe(time.Since(start).Seconds())

	j.head.Store(&Position{Segment: j.activeID, Offset: j.size})
	for i, req := range batch {
		req.promise.Set(receipts[i], nil)
	}
}

func (j *Journal) write(data []byte) (Position, error) {
	if j.size > HeaderSize && j.size+int64(len(data)) > j.opts.MaxSegmentSize {
		if err := j.rotate(); err != nil {
			return Position{}, err
		}
	}

	pos := Position{Segment: j.activeID, Offset: j.size}
	if _, err := j.writer.Write(data); err != nil {
		return Position{}, err
	}
	j.size += int64(len(data))
	j.bytesWritten.Add(int64(len(data)))
	telemetry.JournalBytesWritten.Add(float64(len(data)))
	return pos, nil
}

func (j *Journal) flush() error {
	if err := j.writer.Flush(); err != nil {
		return err
	}
	if j.opts.Sync {
		return j.active.Sync()
	}
	return nil
}

// rotate seals the active segment and starts the next one.
func (j *Journal) rotate() error {
	if err := j.flush(); err != nil {
		return err
	}
	if !j.opts.Sync {
		if err := j.active.Sync(); err != nil {
			return err
		}
	}

	next := j.activeID + 1
	file, err := createSegment(j.opts.Dir, next)
	if err != nil {
		return err
	}
	if err := j.active.Close(); err != nil {
		log.Warn().Err(err).Uint32("segment", j.activeID).Msg("Failed to close sealed segment")
	}

	j.segMu.Lock()
	j.segments = append(j.segments, next)
	j.segMu.Unlock()

	log.Debug().Uint32("segment", next).Msg("Journal rotated")
	return j.activate(file, next, HeaderSize)
}

// Read returns the record at pos. pos must come from a Receipt or Replay.
func (j *Journal) Read(pos Position) (*Record, error) {
	file, err := j.reader(pos.Segment)
	if err != nil {
		return nil, err
	}

	var hdr [recordHeaderSize]byte
	if _, err := file.ReadAt(hdr[:], pos.Offset); err != nil {
		return nil, fmt.Errorf("read record header at %s: %w", pos, err)
	}
	length := int(binary.LittleEndian.Uint32(hdr[0:4]))
	if length > MaxRecordSize {
		return nil, fmt.Errorf("record at %s: %w", pos, errInvalidLength)
	}

	body := make([]byte, length+checksumSize)
	if _, err := file.ReadAt(body, pos.Offset+recordHeaderSize); err != nil {
		return nil, fmt.Errorf("read record body at %s: %w", pos, err)
	}
	if err := verify(hdr[4], hdr[5], body); err != nil {
		return nil, fmt.Errorf("record at %s: %w", pos, err)
	}

	payload, err := j.codec.decode(hdr[5], body[:length])
	if err != nil {
		return nil, fmt.Errorf("decompress record at %s: %w", pos, err)
	}
	return &Record{
		Type:    hdr[4],
		Pos:     pos,
		Next:    Position{Segment: pos.Segment, Offset: pos.Offset + int64(recordOverhead+length)},
		Payload: payload,
	}, nil
}

func (j *Journal) reader(id uint32) (*os.File, error) {
	j.segMu.RLock()
	file, ok := j.readers[id]
	j.segMu.RUnlock()
	if ok {
		return file, nil
	}

	j.segMu.Lock()
	defer j.segMu.Unlock()
	if file, ok := j.readers[id]; ok {
		return file, nil
	}
	if !j.hasSegmentLocked(id) {
		return nil, fmt.Errorf("segment %d: %w", id, os.ErrNotExist)
	}
	file, err := os.Open(segmentPath(j.opts.Dir, id))
	if err != nil {
		return nil, err
	}
	j.readers[id] = file
	return file, nil
}

func (j *Journal) hasSegmentLocked(id uint32) bool {
	for _, s := range j.segments {
		if s == id {
			return true
		}
	}
	return false
}

// Replay calls fn for every record at or after from, in journal order,
// up to the durable head at the time of the call. A zero from starts at
// the oldest segment.
func (j *Journal) Replay(from Position, fn func(*Record) error) error {
	head := j.Head()
	for _, id := range j.Segments() {
		if id < from.Segment {
			continue
		}
		start := int64(HeaderSize)
		if id == from.Segment && from.Offset > start {
			start = from.Offset
		}
		limit := int64(-1)
		if id == head.Segment {
			limit = head.Offset
		}
		if err := j.replaySegment(id, start, limit, fn); err != nil {
			return err
		}
		if id == head.Segment {
			break
		}
	}
	return nil
}

func (j *Journal) replaySegment(id uint32, start, limit int64, fn func(*Record) error) error {
	sr, err := openSegmentReader(j.opts.Dir, id, start, limit)
	if err != nil {
		return fmt.Errorf("open segment %d: %w", id, err)
	}
	defer sr.close()

	for {
		typ, flags, raw, pos, err := sr.next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		payload, err := j.codec.decode(flags, raw)
		if err != nil {
			return fmt.Errorf("segment %d offset %d: %w: %v", id, pos.Offset, ErrCorrupt, err)
		}
		rec := &Record{
			Type:    typ,
			Pos:     pos,
			Next:    Position{Segment: id, Offset: sr.offset},
			Payload: payload,
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
}

// Head returns the position just past the last durable record.
func (j *Journal) Head() Position {
	return *j.head.Load()
}

// Segments returns the ids of all live segments, ascending.
func (j *Journal) Segments() []uint32 {
	j.segMu.RLock()
	defer j.segMu.RUnlock()
	out := make([]uint32, len(j.segments))
	copy(out, j.segments)
	return out
}

// BytesWritten returns the number of record bytes written since Open.
func (j *Journal) BytesWritten() int64 {
	return j.bytesWritten.Load()
}

// Remove deletes sealed segments. The active segment cannot be removed.
func (j *Journal) Remove(ids ...uint32) error {
	if len(ids) == 0 {
		return nil
	}
	active := j.Head().Segment

	j.segMu.Lock()
	defer j.segMu.Unlock()

	drop := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		if id >= active {
			return fmt.Errorf("segment %d: %w", id, ErrActiveSegment)
		}
		drop[id] = struct{}{}
	}

	kept := j.segments[:0]
	var errs []error
	for _, id := range j.segments {
		if _, ok := drop[id]; !ok {
			kept = append(kept, id)
			continue
		}
		if file, ok := j.readers[id]; ok {
			file.Close()
			delete(j.readers, id)
		}
		if err := os.Remove(segmentPath(j.opts.Dir, id)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
			kept = append(kept, id)
		}
	}
	j.segments = kept
	telemetry.JournalSegments.Set(float64(len(j.segments)))
	return errors.Join(errs...)
}

// Close flushes queued records and closes every file.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	j.mu.Unlock()

	close(j.stopCh)
	j.wg.Wait()

	var errs []error
	if err := j.flush(); err != nil {
		errs = append(errs, err)
	}
	if err := j.active.Close(); err != nil {
		errs = append(errs, err)
	}

	j.segMu.Lock()
	for id, file := range j.readers {
		file.Close()
		delete(j.readers, id)
	}
	j.segMu.Unlock()

	j.codec.close()
	return errors.Join(errs...)
}
