package metadata

import (
	"fmt"

	"meshflow/pkg/bstream"
	"meshflow/pkg/vararray"
)

const (
	kindArray    = 0
	kindMetadata = 1
)

// Encode serializes the metadata in key order.
func (m *Metadata) Encode(s *bstream.Stream) {
	m.mu.RLock()
	keys := append([]string(nil), m.keys...)
	vals := m.vals
	m.mu.RUnlock()

	s.AppendUint64(uint64(len(keys)))
	for _, k := range keys {
		e := vals[k]
		s.AppendString(k)
		if e.md != nil {
			s.AppendUint8(kindMetadata)
			e.md.Encode(s)
		} else {
			s.AppendUint8(kindArray)
			e.arr.Encode(s)
		}
	}
}

// Decode reads a metadata previously written by Encode.
func Decode(s *bstream.Stream) (*Metadata, error) {
	n, err := s.ConsumeUint64()
	if err != nil {
		return nil, err
	}
	m := New()
	for i := uint64(0); i < n; i++ {
		key, err := s.ConsumeString()
		if err != nil {
			return nil, err
		}
		kind, err := s.ConsumeUint8()
		if err != nil {
			return nil, err
		}
		switch kind {
		case kindMetadata:
			nested, err := Decode(s)
			if err != nil {
				return nil, err
			}
			m.SetMetadata(key, nested)
		case kindArray:
			a, err := vararray.Decode(s)
			if err != nil {
				return nil, err
			}
			m.Set(key, a)
		default:
			return nil, fmt.Errorf("metadata: bad value kind %d for key %q", kind, key)
		}
	}
	return m, nil
}

// Serialize returns the encoded bytes.
func (m *Metadata) Serialize() []byte {
	s := bstream.New()
	m.Encode(s)
	return s.Bytes()
}

// Deserialize decodes b into a new metadata.
func Deserialize(b []byte) (*Metadata, error) {
	return Decode(bstream.FromBytes(b))
}
