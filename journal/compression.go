package journal

import (
	"github.com/klauspost/compress/zstd"
)

// Payloads below this size are stored uncompressed.
const minCompressSize = 256

// codec compresses record payloads with zstd. EncodeAll and DecodeAll are
// safe for concurrent use, so one encoder and one decoder serve every
// appender.
type codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCodec(level int) (*codec, error) {
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, err
	}
	c := &codec{dec: dec}
	if level > 0 {
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(levelToZstd(level)))
		if err != nil {
			dec.Close()
			return nil, err
		}
		c.enc = enc
	}
	return c, nil
}

// encode returns the framed record for payload, compressing when it pays off.
func (c *codec) encode(typ uint8, payload []byte) []byte {
	if c.enc != nil && len(payload) >= minCompressSize {
		compressed := c.enc.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		if len(compressed) < len(payload) {
			return frame(typ, flagCompressed, compressed)
		}
	}
	return frame(typ, 0, payload)
}

func (c *codec) decode(flags uint8, payload []byte) ([]byte, error) {
	if flags&flagCompressed == 0 {
		return payload, nil
	}
	return c.dec.DecodeAll(payload, nil)
}

func (c *codec) close() {
	if c.enc != nil {
		c.enc.Close()
	}
	c.dec.Close()
}

// levelToZstd maps config levels (1-4) to zstd.EncoderLevel
func levelToZstd(level int) zstd.EncoderLevel {
	switch level {
	case 1:
		return zstd.SpeedFastest
	case 2:
		return zstd.SpeedDefault
	case 3:
		return zstd.SpeedBetterCompression
	case 4:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedFastest
	}
}
