package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// Magic bytes for segment identification
	Magic = "BRWJ"
	// Current format version
	Version uint16 = 1
	// Segment header size in bytes
	HeaderSize = 24

	segmentExt = ".log"
)

var (
	ErrInvalidMagic    = errors.New("invalid magic bytes")
	ErrVersionMismatch = errors.New("version mismatch")
	ErrCorrupt         = errors.New("journal corrupt")
)

func segmentName(id uint32) string {
	return fmt.Sprintf("%08d%s", id, segmentExt)
}

func segmentPath(dir string, id uint32) string {
	return filepath.Join(dir, segmentName(id))
}

// listSegments returns the ids of all segment files in dir, ascending.
func listSegments(dir string) ([]uint32, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var ids []uint32
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, segmentExt) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(name, segmentExt), 10, 32)
		if err != nil || id == 0 {
			continue
		}
		ids = append(ids, uint32(id))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// createSegment creates a new segment file and writes its header.
func createSegment(dir string, id uint32) (*os.File, error) {
	path := segmentPath(dir, id)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0640)
	if err != nil {
		return nil, fmt.Errorf("create segment %d: %w", id, err)
	}

	header := make([]byte, HeaderSize)
	copy(header[0:4], Magic)
	binary.LittleEndian.PutUint16(header[4:6], Version)
	// reserved at 6:8
	binary.LittleEndian.PutUint32(header[8:12], id)
	// reserved at 12:16
	binary.LittleEndian.PutUint64(header[16:24], uint64(time.Now().UnixNano()))

	if _, err := file.Write(header); err != nil {
		file.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write segment header: %w", err)
	}
	return file, nil
}

// checkHeader validates a segment header read from r.
func checkHeader(r io.Reader, id uint32) error {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return fmt.Errorf("read header of segment %d: %w", id, err)
	}
	if string(header[0:4]) != Magic {
		return fmt.Errorf("segment %d: %w", id, ErrInvalidMagic)
	}
	if v := binary.LittleEndian.Uint16(header[4:6]); v != Version {
		return fmt.Errorf("segment %d: %w: got %d, want %d", id, ErrVersionMismatch, v, Version)
	}
	if got := binary.LittleEndian.Uint32(header[8:12]); got != id {
		return fmt.Errorf("segment %d: header carries id %d: %w", id, got, ErrCorrupt)
	}
	return nil
}

// scanTail walks every record of a segment and returns the offset just past
// the last intact record. torn is true when bytes after that offset could
// not be decoded.
func scanTail(dir string, id uint32) (end int64, torn bool, err error) {
	file, err := os.Open(segmentPath(dir, id))
	if err != nil {
		return 0, false, err
	}
	defer file.Close()

	r := bufio.NewReaderSize(file, 64*1024)
	if err := checkHeader(r, id); err != nil {
		return 0, false, err
	}

	end = HeaderSize
	for {
		_, _, _, n, err := readFrame(r)
		if err == io.EOF {
			return end, false, nil
		}
		if err != nil {
			return end, true, nil
		}
		end += n
	}
}

// segmentReader iterates the records of one segment sequentially.
type segmentReader struct {
	id     uint32
	file   *os.File
	r      *bufio.Reader
	offset int64
	limit  int64 // stop at this offset; < 0 means end of file
}

func openSegmentReader(dir string, id uint32, from, limit int64) (*segmentReader, error) {
	file, err := os.Open(segmentPath(dir, id))
	if err != nil {
		return nil, err
	}

	r := bufio.NewReaderSize(file, 64*1024)
	if err := checkHeader(r, id); err != nil {
		file.Close()
		return nil, err
	}

	sr := &segmentReader{id: id, file: file, r: r, offset: HeaderSize, limit: limit}
	if from > HeaderSize {
		if _, err := file.Seek(from, io.SeekStart); err != nil {
			file.Close()
			return nil, err
		}
		sr.r.Reset(file)
		sr.offset = from
	}
	return sr, nil
}

// next returns the next raw record, or io.EOF at the end of the segment.
func (s *segmentReader) next() (typ, flags uint8, payload []byte, pos Position, err error) {
	if s.limit >= 0 && s.offset >= s.limit {
		return 0, 0, nil, Position{}, io.EOF
	}
	typ, flags, payload, n, err := readFrame(s.r)
	if err == io.EOF {
		return 0, 0, nil, Position{}, io.EOF
	}
	if err != nil {
		return 0, 0, nil, Position{}, fmt.Errorf("segment %d offset %d: %w: %v", s.id, s.offset, ErrCorrupt, err)
	}
	pos = Position{Segment: s.id, Offset: s.offset}
	s.offset += n
	return typ, flags, payload, pos, nil
}

func (s *segmentReader) close() error {
	return s.file.Close()
}
