// Package dataset defines the bundles of arrays exchanged between pipeline
// stages: an abstract Dataset carrying a metadata blob, a Table of columns
// and a CartesianMesh of point/cell/information arrays.
//
// Datasets are reference types. Once a stage has produced one it is treated
// as immutable; a downstream stage that needs to modify it takes a shallow
// copy and replaces individual arrays.
package dataset

import (
	"fmt"
	"sort"
	"sync"

	"meshflow/pkg/bstream"
	"meshflow/pkg/metadata"
)

// Dataset is the unit of data flowing through the pipeline.
type Dataset interface {
	// TypeName identifies the concrete shape for polymorphic decode.
	TypeName() string
	// Metadata returns the attached metadata blob, never nil.
	Metadata() *metadata.Metadata
	// SetMetadata replaces the attached metadata blob.
	SetMetadata(md *metadata.Metadata)
	// NewInstance returns an empty dataset of the same concrete shape.
	NewInstance() Dataset
	// Encode appends the dataset, including its type name, to s.
	Encode(s *bstream.Stream)
	// Decode reads the body written by Encode after the type name.
	Decode(s *bstream.Stream) error
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Dataset{}
)

// Register installs a factory for a concrete dataset shape. Called from
// package init funcs.
func Register(name string, factory func() Dataset) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// DecodeAny reads a dataset of any registered shape.
func DecodeAny(s *bstream.Stream) (Dataset, error) {
	name, err := s.ConsumeString()
	if err != nil {
		return nil, err
	}
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		known := make([]string, 0, len(registry))
		registryMu.RLock()
		for k := range registry {
			known = append(known, k)
		}
		registryMu.RUnlock()
		sort.Strings(known)
		return nil, fmt.Errorf("dataset: unknown type %q (registered: %v)", name, known)
	}
	d := factory()
	if err := d.Decode(s); err != nil {
		return nil, err
	}
	return d, nil
}

// Empty reports whether d is the failure sentinel: nil or a dataset with no
// arrays and no metadata.
func Empty(d Dataset) bool {
	if d == nil {
		return true
	}
	switch v := d.(type) {
	case *Table:
		return v.Columns.Len() == 0 && v.md.Empty()
	case *CartesianMesh:
		return v.X == nil && v.Points.Len() == 0 && v.Info.Len() == 0 && v.md.Empty()
	}
	return false
}
