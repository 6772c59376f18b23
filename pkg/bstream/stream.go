// Package bstream implements the binary append/consume buffer used for
// metadata and dataset serialization, dataset dumps, the reader metadata
// cache and communicator payloads.
//
// All primitives are little-endian. Strings and byte slices carry a uint64
// length prefix. A Stream is either being appended to or being consumed;
// Rewind resets the read cursor to the start.
package bstream

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
)

// Stream is a growable byte buffer with a read cursor.
type Stream struct {
	buf []byte
	off int
}

// New returns an empty stream.
func New() *Stream {
	return &Stream{}
}

// FromBytes wraps b for consumption. The stream takes ownership of b.
func FromBytes(b []byte) *Stream {
	return &Stream{buf: b}
}

// Bytes returns the underlying buffer.
func (s *Stream) Bytes() []byte { return s.buf }

// Len returns the total number of bytes held.
func (s *Stream) Len() int { return len(s.buf) }

// Remaining returns the number of unconsumed bytes.
func (s *Stream) Remaining() int { return len(s.buf) - s.off }

// Rewind resets the read cursor.
func (s *Stream) Rewind() { s.off = 0 }

// Checksum returns the xxhash64 of the full buffer.
func (s *Stream) Checksum() uint64 { return xxhash.Sum64(s.buf) }

func (s *Stream) grow(n int) []byte {
	l := len(s.buf)
	if cap(s.buf)-l < n {
		nb := make([]byte, l, 2*cap(s.buf)+n)
		copy(nb, s.buf)
		s.buf = nb
	}
	s.buf = s.buf[:l+n]
	return s.buf[l:]
}

func (s *Stream) take(n int) ([]byte, error) {
	if s.Remaining() < n {
		return nil, fmt.Errorf("bstream: need %d bytes, have %d", n, s.Remaining())
	}
	b := s.buf[s.off : s.off+n]
	s.off += n
	return b, nil
}

// AppendUint8 appends a single byte.
func (s *Stream) AppendUint8(v uint8) { s.grow(1)[0] = v }

// AppendUint16 appends v little-endian.
func (s *Stream) AppendUint16(v uint16) { binary.LittleEndian.PutUint16(s.grow(2), v) }

// AppendUint32 appends v little-endian.
func (s *Stream) AppendUint32(v uint32) { binary.LittleEndian.PutUint32(s.grow(4), v) }

// AppendUint64 appends v little-endian.
func (s *Stream) AppendUint64(v uint64) { binary.LittleEndian.PutUint64(s.grow(8), v) }

// AppendInt8 appends v as its unsigned bit pattern.
func (s *Stream) AppendInt8(v int8) { s.AppendUint8(uint8(v)) }

// AppendInt16 appends v as its unsigned bit pattern.
func (s *Stream) AppendInt16(v int16) { s.AppendUint16(uint16(v)) }

// AppendInt32 appends v as its unsigned bit pattern.
func (s *Stream) AppendInt32(v int32) { s.AppendUint32(uint32(v)) }

// AppendInt64 appends v as its unsigned bit pattern.
func (s *Stream) AppendInt64(v int64) { s.AppendUint64(uint64(v)) }

// AppendFloat32 appends the IEEE-754 bits of v.
func (s *Stream) AppendFloat32(v float32) { s.AppendUint32(math.Float32bits(v)) }

// AppendFloat64 appends the IEEE-754 bits of v.
func (s *Stream) AppendFloat64(v float64) { s.AppendUint64(math.Float64bits(v)) }

// AppendBytes appends a length-prefixed byte slice.
func (s *Stream) AppendBytes(b []byte) {
	s.AppendUint64(uint64(len(b)))
	copy(s.grow(len(b)), b)
}

// AppendString appends a length-prefixed string.
func (s *Stream) AppendString(v string) {
	s.AppendUint64(uint64(len(v)))
	copy(s.grow(len(v)), v)
}

// AppendRaw appends b without a length prefix.
func (s *Stream) AppendRaw(b []byte) { copy(s.grow(len(b)), b) }

// ConsumeUint8 reads a single byte.
func (s *Stream) ConsumeUint8() (uint8, error) {
	b, err := s.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// ConsumeUint16 reads a little-endian uint16.
func (s *Stream) ConsumeUint16() (uint16, error) {
	b, err := s.take(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// ConsumeUint32 reads a little-endian uint32.
func (s *Stream) ConsumeUint32() (uint32, error) {
	b, err := s.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

// ConsumeUint64 reads a little-endian uint64.
func (s *Stream) ConsumeUint64() (uint64, error) {
	b, err := s.take(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

// ConsumeInt8 reads a signed byte.
func (s *Stream) ConsumeInt8() (int8, error) {
	v, err := s.ConsumeUint8()
	return int8(v), err
}

// ConsumeInt16 reads a little-endian int16.
func (s *Stream) ConsumeInt16() (int16, error) {
	v, err := s.ConsumeUint16()
	return int16(v), err
}

// ConsumeInt32 reads a little-endian int32.
func (s *Stream) ConsumeInt32() (int32, error) {
	v, err := s.ConsumeUint32()
	return int32(v), err
}

// ConsumeInt64 reads a little-endian int64.
func (s *Stream) ConsumeInt64() (int64, error) {
	v, err := s.ConsumeUint64()
	return int64(v), err
}

// ConsumeFloat32 reads an IEEE-754 float32.
func (s *Stream) ConsumeFloat32() (float32, error) {
	v, err := s.ConsumeUint32()
	return math.Float32frombits(v), err
}

// ConsumeFloat64 reads an IEEE-754 float64.
func (s *Stream) ConsumeFloat64() (float64, error) {
	v, err := s.ConsumeUint64()
	return math.Float64frombits(v), err
}

// ConsumeBytes reads a length-prefixed byte slice. The returned slice
// aliases the stream buffer.
func (s *Stream) ConsumeBytes() ([]byte, error) {
	n, err := s.ConsumeUint64()
	if err != nil {
		return nil, err
	}
	return s.take(int(n))
}

// ConsumeString reads a length-prefixed string.
func (s *Stream) ConsumeString() (string, error) {
	b, err := s.ConsumeBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
