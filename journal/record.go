package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/cespare/xxhash/v2"
)

const (
	// len(4) + type(1) + flags(1)
	recordHeaderSize = 6
	checksumSize     = 8
	recordOverhead   = recordHeaderSize + checksumSize

	// MaxRecordSize bounds a single record payload.
	MaxRecordSize = 64 << 20

	flagCompressed uint8 = 1 << 0
)

var (
	ErrChecksumFailed = errors.New("record checksum verification failed")
	ErrRecordTooLarge = errors.New("record exceeds maximum size")
	errInvalidLength  = errors.New("invalid record length")
)

// Position addresses a record: the segment it lives in and its byte offset.
type Position struct {
	Segment uint32 `msgpack:"s"`
	Offset  int64  `msgpack:"o"`
}

// Less reports whether p is strictly before o in journal order.
func (p Position) Less(o Position) bool {
	if p.Segment != o.Segment {
		return p.Segment < o.Segment
	}
	return p.Offset < o.Offset
}

func (p Position) IsZero() bool {
	return p.Segment == 0 && p.Offset == 0
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Segment, p.Offset)
}

// Record is one decoded journal entry.
type Record struct {
	Type    uint8
	Pos     Position
	Next    Position // position immediately after this record
	Payload []byte
}

// frame serializes a record. Layout:
//
//	len u32 | type u8 | flags u8 | payload | xxhash64(type|flags|payload) u64
func frame(typ, flags uint8, payload []byte) []byte {
	buf := make([]byte, recordOverhead+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(payload)))
	buf[4] = typ
	buf[5] = flags
	copy(buf[recordHeaderSize:], payload)
	sum := xxhash.Sum64(buf[4 : recordHeaderSize+len(payload)])
	binary.LittleEndian.PutUint64(buf[recordHeaderSize+len(payload):], sum)
	return buf
}

// readFrame reads one framed record from r. It returns io.EOF only at a
// clean record boundary; a partial record yields io.ErrUnexpectedEOF.
func readFrame(r *bufio.Reader) (typ, flags uint8, payload []byte, n int64, err error) {
	var hdr [recordHeaderSize]byte
	if _, err = io.ReadFull(r, hdr[:]); err != nil {
		return 0, 0, nil, 0, err
	}

	length := binary.LittleEndian.Uint32(hdr[0:4])
	if length > MaxRecordSize {
		return 0, 0, nil, 0, errInvalidLength
	}

	body := make([]byte, int(length)+checksumSize)
	if _, err = io.ReadFull(r, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return 0, 0, nil, 0, err
	}

	if err = verify(hdr[4], hdr[5], body); err != nil {
		return 0, 0, nil, 0, err
	}
	return hdr[4], hdr[5], body[:length], int64(recordOverhead) + int64(length), nil
}

func verify(typ, flags uint8, body []byte) error {
	payloadLen := len(body) - checksumSize
	d := xxhash.New()
	d.Write([]byte{typ, flags})
	d.Write(body[:payloadLen])
	if d.Sum64() != binary.LittleEndian.Uint64(body[payloadLen:]) {
		return ErrChecksumFailed
	}
	return nil
}
