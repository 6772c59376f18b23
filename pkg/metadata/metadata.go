// Package metadata implements the recursive ordered mapping passed between
// pipeline stages: string keys to variant arrays or nested metadata.
//
// Assignment through ShallowCopy shares storage between instances; the first
// mutation of a shared instance copies the key table first, so aliases never
// observe each other's writes. Stored arrays and nested metadata are treated
// as immutable once set; replace them, do not edit in place.
package metadata

import (
	"sync"

	"meshflow/pkg/bstream"
	"meshflow/pkg/vararray"
)

type entry struct {
	arr vararray.Array
	md  *Metadata
}

// Metadata is an ordered string-keyed mapping. The zero value is not usable;
// call New.
type Metadata struct {
	mu     sync.RWMutex
	keys   []string
	vals   map[string]entry
	shared bool
}

// New returns an empty metadata.
func New() *Metadata {
	return &Metadata{vals: make(map[string]entry)}
}

// ShallowCopy returns an instance sharing this one's storage. Both sides are
// marked shared so the next mutation on either copies first.
func (m *Metadata) ShallowCopy() *Metadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shared = true
	return &Metadata{keys: m.keys, vals: m.vals, shared: true}
}

// Clone returns a deep copy: nested metadata and arrays are cloned.
func (m *Metadata) Clone() *Metadata {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c := New()
	c.keys = append([]string(nil), m.keys...)
	for k, e := range m.vals {
		ne := entry{}
		if e.md != nil {
			ne.md = e.md.Clone()
		} else if e.arr != nil {
			ne.arr = e.arr.Clone()
		}
		c.vals[k] = ne
	}
	return c
}

// copyOnWriteIfNeeded copies the key table when shared. Must be called with
// the write lock held.
func (m *Metadata) copyOnWriteIfNeeded() {
	if !m.shared {
		return
	}
	keys := append([]string(nil), m.keys...)
	vals := make(map[string]entry, len(m.vals))
	for k, e := range m.vals {
		vals[k] = e
	}
	m.keys = keys
	m.vals = vals
	m.shared = false
}

func (m *Metadata) set(key string, e entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.copyOnWriteIfNeeded()
	if _, ok := m.vals[key]; !ok {
		m.keys = append(m.keys, key)
	}
	m.vals[key] = e
}

// Set stores an array value under key, keeping first-insertion order.
func (m *Metadata) Set(key string, a vararray.Array) { m.set(key, entry{arr: a}) }

// SetMetadata stores a nested metadata under key.
func (m *Metadata) SetMetadata(key string, md *Metadata) { m.set(key, entry{md: md}) }

// Delete removes key if present.
func (m *Metadata) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.vals[key]; !ok {
		return
	}
	m.copyOnWriteIfNeeded()
	delete(m.vals, key)
	for i, k := range m.keys {
		if k == key {
			m.keys = append(m.keys[:i:i], m.keys[i+1:]...)
			break
		}
	}
}

// Get returns the array stored under key.
func (m *Metadata) Get(key string) (vararray.Array, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.vals[key]
	if !ok || e.arr == nil {
		return nil, false
	}
	return e.arr, true
}

// GetMetadata returns the nested metadata stored under key.
func (m *Metadata) GetMetadata(key string) (*Metadata, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.vals[key]
	if !ok || e.md == nil {
		return nil, false
	}
	return e.md, true
}

// Has reports whether key is present.
func (m *Metadata) Has(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.vals[key]
	return ok
}

// Len returns the number of entries.
func (m *Metadata) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keys)
}

// Empty reports whether the metadata has no entries. A nil receiver is empty;
// stages use nil/empty as the failure sentinel.
func (m *Metadata) Empty() bool {
	if m == nil {
		return true
	}
	return m.Len() == 0
}

// Keys returns the keys in insertion order.
func (m *Metadata) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.keys...)
}

// Scalar and slice helpers. Scalars are stored as 1-element arrays, tuples
// as fixed-size arrays (extents are 6 uint64s, bounds 6 float64s).

// SetInt64 stores v as a 1-element int64 array.
func (m *Metadata) SetInt64(key string, v int64) { m.Set(key, vararray.NewInt64(v)) }

// SetUint64 stores v as a 1-element uint64 array.
func (m *Metadata) SetUint64(key string, v uint64) { m.Set(key, vararray.NewUint64(v)) }

// SetFloat64 stores v as a 1-element float64 array.
func (m *Metadata) SetFloat64(key string, v float64) { m.Set(key, vararray.NewFloat64(v)) }

// SetString stores v as a 1-element string array.
func (m *Metadata) SetString(key string, v string) { m.Set(key, vararray.NewString(v)) }

// SetUint64Slice stores vals as a uint64 array.
func (m *Metadata) SetUint64Slice(key string, vals []uint64) {
	m.Set(key, vararray.NewUint64(vals...))
}

// SetFloat64Slice stores vals as a float64 array.
func (m *Metadata) SetFloat64Slice(key string, vals []float64) {
	m.Set(key, vararray.NewFloat64(vals...))
}

// SetStringSlice stores vals as a string array.
func (m *Metadata) SetStringSlice(key string, vals []string) {
	m.Set(key, vararray.NewString(vals...))
}

// GetInt64 returns element 0 of the array under key.
func (m *Metadata) GetInt64(key string) (int64, bool) {
	a, ok := m.Get(key)
	if !ok || a.Size() == 0 {
		return 0, false
	}
	return a.Int64At(0), true
}

// GetUint64 returns element 0 of the array under key.
func (m *Metadata) GetUint64(key string) (uint64, bool) {
	v, ok := m.GetInt64(key)
	return uint64(v), ok
}

// GetFloat64 returns element 0 of the array under key.
func (m *Metadata) GetFloat64(key string) (float64, bool) {
	a, ok := m.Get(key)
	if !ok || a.Size() == 0 {
		return 0, false
	}
	return a.Float64At(0), true
}

// GetString returns element 0 of the array under key.
func (m *Metadata) GetString(key string) (string, bool) {
	a, ok := m.Get(key)
	if !ok || a.Size() == 0 {
		return "", false
	}
	return a.StringAt(0), true
}

// GetUint64Slice returns the array under key as []uint64.
func (m *Metadata) GetUint64Slice(key string) ([]uint64, bool) {
	a, ok := m.Get(key)
	if !ok {
		return nil, false
	}
	return vararray.Uint64s(a), true
}

// GetFloat64Slice returns the array under key as []float64.
func (m *Metadata) GetFloat64Slice(key string) ([]float64, bool) {
	a, ok := m.Get(key)
	if !ok {
		return nil, false
	}
	return vararray.Float64s(a), true
}

// GetStringSlice returns the array under key as []string.
func (m *Metadata) GetStringSlice(key string) ([]string, bool) {
	a, ok := m.Get(key)
	if !ok {
		return nil, false
	}
	return vararray.Strings(a), true
}

// Equal reports deep equality including key order.
func (m *Metadata) Equal(o *Metadata) bool {
	if m == nil || o == nil {
		return m.Empty() && o.Empty()
	}
	ka, kb := m.Keys(), o.Keys()
	if len(ka) != len(kb) {
		return false
	}
	for i := range ka {
		if ka[i] != kb[i] {
			return false
		}
		if ma, found := m.Get(ka[i]); found {
			oa, ook := o.Get(ka[i])
			if !ook || !ma.Equal(oa) {
				return false
			}
			continue
		}
		mm, _ := m.GetMetadata(ka[i])
		om, ook := o.GetMetadata(ka[i])
		if !ook || !mm.Equal(om) {
			return false
		}
	}
	return true
}
