package dataset

import (
	"meshflow/pkg/bstream"
	"meshflow/pkg/vararray"
)

// Collection is an ordered name to array map. A shallow copy shares the
// arrays themselves; arrays held by a published dataset are immutable by
// convention.
type Collection struct {
	keys []string
	m    map[string]vararray.Array
}

// NewCollection returns an empty collection.
func NewCollection() *Collection {
	return &Collection{m: make(map[string]vararray.Array)}
}

// Set stores a under name, keeping first-insertion order.
func (c *Collection) Set(name string, a vararray.Array) {
	if _, ok := c.m[name]; !ok {
		c.keys = append(c.keys, name)
	}
	c.m[name] = a
}

// Get returns the array stored under name.
func (c *Collection) Get(name string) (vararray.Array, bool) {
	a, ok := c.m[name]
	return a, ok
}

// Has reports whether name is present.
func (c *Collection) Has(name string) bool {
	_, ok := c.m[name]
	return ok
}

// Remove deletes name if present.
func (c *Collection) Remove(name string) {
	if _, ok := c.m[name]; !ok {
		return
	}
	delete(c.m, name)
	for i, k := range c.keys {
		if k == name {
			c.keys = append(c.keys[:i:i], c.keys[i+1:]...)
			break
		}
	}
}

// Len returns the number of arrays.
func (c *Collection) Len() int { return len(c.keys) }

// Names returns the array names in insertion order.
func (c *Collection) Names() []string { return append([]string(nil), c.keys...) }

// ShallowCopy returns a collection sharing the same arrays.
func (c *Collection) ShallowCopy() *Collection {
	n := NewCollection()
	for _, k := range c.keys {
		n.Set(k, c.m[k])
	}
	return n
}

// Clone returns a collection of cloned arrays.
func (c *Collection) Clone() *Collection {
	n := NewCollection()
	for _, k := range c.keys {
		n.Set(k, c.m[k].Clone())
	}
	return n
}

// Equal reports deep equality including order.
func (c *Collection) Equal(o *Collection) bool {
	if len(c.keys) != len(o.keys) {
		return false
	}
	for i, k := range c.keys {
		if o.keys[i] != k {
			return false
		}
		if !c.m[k].Equal(o.m[k]) {
			return false
		}
	}
	return true
}

// Encode appends the collection to s.
func (c *Collection) Encode(s *bstream.Stream) {
	s.AppendUint64(uint64(len(c.keys)))
	for _, k := range c.keys {
		s.AppendString(k)
		c.m[k].Encode(s)
	}
}

// DecodeCollection reads a collection written by Encode.
func DecodeCollection(s *bstream.Stream) (*Collection, error) {
	n, err := s.ConsumeUint64()
	if err != nil {
		return nil, err
	}
	c := NewCollection()
	for i := uint64(0); i < n; i++ {
		name, err := s.ConsumeString()
		if err != nil {
			return nil, err
		}
		a, err := vararray.Decode(s)
		if err != nil {
			return nil, err
		}
		c.Set(name, a)
	}
	return c, nil
}
