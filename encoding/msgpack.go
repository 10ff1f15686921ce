// Package encoding provides the record codec shared by the journal, the
// stores and the bridges. Every msgpack operation in burrow goes through this
// package so that journal records written by one backend can be decoded by a
// rebuild or by another process reading the same data directory.
//
// Thread Safety: Marshal, MarshalAppend and Unmarshal are safe for concurrent use.
//
// Struct encoding: structs are encoded as arrays (msgpack "as_array") when
// they opt in with the `msgpack:",as_array"` tag, which keeps journal records
// compact. Field order is then part of the on-disk format and must only grow
// at the end.
package encoding

import (
	"bytes"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// Marshal encodes a value to msgpack format.
func Marshal(v interface{}) ([]byte, error) {
	return MarshalAppend(nil, v)
}

// MarshalAppend encodes v and appends the result to dst.
func MarshalAppend(dst []byte, v interface{}) ([]byte, error) {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer bufferPool.Put(buf)

	enc := msgpack.GetEncoder()
	defer msgpack.PutEncoder(enc)
	enc.Reset(buf)
	enc.UseCompactInts(true)

	if err := enc.Encode(v); err != nil {
		return nil, err
	}

	return append(dst, buf.Bytes()...), nil
}

// Unmarshal decodes msgpack data using loose interface decoding.
// When decoding into interface{}, strings are preserved as Go strings (not []byte)
// so that property values survive a round trip with their original kind.
func Unmarshal(data []byte, v interface{}) error {
	dec := msgpack.GetDecoder()
	defer msgpack.PutDecoder(dec)
	dec.Reset(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)

	return dec.Decode(v)
}
