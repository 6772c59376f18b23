package bstream

import (
	"bytes"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression codec names accepted by Pack and the dataset dump writer.
const (
	CodecNone   = "none"
	CodecSnappy = "snappy"
	CodecLZ4    = "lz4"
	CodecZstd   = "zstd"
)

// ValidCodec reports whether name is a known codec.
func ValidCodec(name string) bool {
	switch name {
	case CodecNone, CodecSnappy, CodecLZ4, CodecZstd:
		return true
	}
	return false
}

// Pack compresses b with the named codec.
func Pack(codec string, b []byte) ([]byte, error) {
	switch codec {
	case CodecNone, "":
		return b, nil
	case CodecSnappy:
		return snappy.Encode(nil, b), nil
	case CodecLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(b); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case CodecZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		out := enc.EncodeAll(b, nil)
		enc.Close()
		return out, nil
	}
	return nil, fmt.Errorf("bstream: unknown codec %q", codec)
}

// Unpack reverses Pack.
func Unpack(codec string, b []byte) ([]byte, error) {
	switch codec {
	case CodecNone, "":
		return b, nil
	case CodecSnappy:
		return snappy.Decode(nil, b)
	case CodecLZ4:
		r := lz4.NewReader(bytes.NewReader(b))
		return io.ReadAll(r)
	case CodecZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, err
		}
		defer dec.Close()
		return dec.DecodeAll(b, nil)
	}
	return nil, fmt.Errorf("bstream: unknown codec %q", codec)
}
