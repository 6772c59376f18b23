// Package pipeline implements the dataflow engine: the stage contract, the
// connected-graph driver with reported-metadata caching, and the executive
// that turns a terminal stage's metadata into a request iteration.
package pipeline

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/pflag"
)

// PropType enumerates the value types a stage property may hold.
type PropType int

const (
	PropInt PropType = iota
	PropFloat
	PropBool
	PropString
	PropStringList
	PropFloatList
)

// PropSpec describes one property: name, type, default and description.
// Applications build their command-line surface from these tables.
type PropSpec struct {
	Name        string
	Type        PropType
	Default     interface{}
	Description string
}

// Properties is a stage's named typed configuration bag. Every mutation
// bumps a modification counter observed by the driver's metadata cache.
type Properties struct {
	mu    sync.RWMutex
	order []string
	specs map[string]PropSpec
	vals  map[string]interface{}
	mod   uint64
}

// NewProperties builds a bag from its spec table; values start at their
// defaults.
func NewProperties(specs ...PropSpec) *Properties {
	p := &Properties{
		specs: make(map[string]PropSpec, len(specs)),
		vals:  make(map[string]interface{}, len(specs)),
	}
	for _, s := range specs {
		p.order = append(p.order, s.Name)
		p.specs[s.Name] = s
		p.vals[s.Name] = s.Default
	}
	return p
}

// Mod returns the modification counter.
func (p *Properties) Mod() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.mod
}

// Specs returns the property table in declaration order.
func (p *Properties) Specs() []PropSpec {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PropSpec, 0, len(p.order))
	for _, n := range p.order {
		out = append(out, p.specs[n])
	}
	return out
}

// Set stores a value after checking it against the declared type.
func (p *Properties) Set(name string, v interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	spec, ok := p.specs[name]
	if !ok {
		return fmt.Errorf("properties: unknown property %q", name)
	}
	if !typeMatches(spec.Type, v) {
		return fmt.Errorf("properties: %q expects %s, got %T", name, typeName(spec.Type), v)
	}
	p.vals[name] = v
	p.mod++
	return nil
}

func typeMatches(t PropType, v interface{}) bool {
	switch t {
	case PropInt:
		_, ok := v.(int64)
		return ok
	case PropFloat:
		_, ok := v.(float64)
		return ok
	case PropBool:
		_, ok := v.(bool)
		return ok
	case PropString:
		_, ok := v.(string)
		return ok
	case PropStringList:
		_, ok := v.([]string)
		return ok
	case PropFloatList:
		_, ok := v.([]float64)
		return ok
	}
	return false
}

func typeName(t PropType) string {
	switch t {
	case PropInt:
		return "int"
	case PropFloat:
		return "float"
	case PropBool:
		return "bool"
	case PropString:
		return "string"
	case PropStringList:
		return "string list"
	case PropFloatList:
		return "float list"
	}
	return "unknown"
}

// SetFromString parses s per the property's type; list values are
// comma-separated. Used by the CLI flag binding.
func (p *Properties) SetFromString(name, s string) error {
	p.mu.RLock()
	spec, ok := p.specs[name]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("properties: unknown property %q", name)
	}
	switch spec.Type {
	case PropInt:
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("properties: %q: %w", name, err)
		}
		return p.Set(name, v)
	case PropFloat:
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("properties: %q: %w", name, err)
		}
		return p.Set(name, v)
	case PropBool:
		v, err := strconv.ParseBool(s)
		if err != nil {
			return fmt.Errorf("properties: %q: %w", name, err)
		}
		return p.Set(name, v)
	case PropString:
		return p.Set(name, s)
	case PropStringList:
		if s == "" {
			return p.Set(name, []string{})
		}
		return p.Set(name, strings.Split(s, ","))
	case PropFloatList:
		if s == "" {
			return p.Set(name, []float64{})
		}
		parts := strings.Split(s, ",")
		vals := make([]float64, len(parts))
		for i, part := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
			if err != nil {
				return fmt.Errorf("properties: %q: %w", name, err)
			}
			vals[i] = v
		}
		return p.Set(name, vals)
	}
	return fmt.Errorf("properties: %q has unsupported type", name)
}

func (p *Properties) get(name string) interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.vals[name]
}

// GetInt returns an int property.
func (p *Properties) GetInt(name string) int64 {
	v, _ := p.get(name).(int64)
	return v
}

// GetFloat returns a float property.
func (p *Properties) GetFloat(name string) float64 {
	v, _ := p.get(name).(float64)
	return v
}

// GetBool returns a bool property.
func (p *Properties) GetBool(name string) bool {
	v, _ := p.get(name).(bool)
	return v
}

// GetString returns a string property.
func (p *Properties) GetString(name string) string {
	v, _ := p.get(name).(string)
	return v
}

// GetStringList returns a string-list property.
func (p *Properties) GetStringList(name string) []string {
	v, _ := p.get(name).([]string)
	return v
}

// GetFloatList returns a float-list property.
func (p *Properties) GetFloatList(name string) []float64 {
	v, _ := p.get(name).([]float64)
	return v
}

// Fingerprint renders the bag canonically for content hashing: sorted
// name=value pairs joined by newlines.
func (p *Properties) Fingerprint() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	names := append([]string(nil), p.order...)
	sort.Strings(names)
	var b strings.Builder
	for _, n := range names {
		fmt.Fprintf(&b, "%s=%v\n", n, p.vals[n])
	}
	return b.String()
}

// BindFlags registers one --<prefix>.<name> flag per property on fs. The
// returned apply function copies the flags the user changed back into the
// bag; call it after flag parsing.
func (p *Properties) BindFlags(prefix string, fs *pflag.FlagSet) func() error {
	specs := p.Specs()
	for _, s := range specs {
		flagName := prefix + "." + s.Name
		fs.String(flagName, fmt.Sprintf("%v", s.Default), s.Description)
	}
	return func() error {
		for _, s := range specs {
			flagName := prefix + "." + s.Name
			f := fs.Lookup(flagName)
			if f == nil || !f.Changed {
				continue
			}
			if err := p.SetFromString(s.Name, f.Value.String()); err != nil {
				return err
			}
		}
		return nil
	}
}
