// Package vararray provides the type-erased 1-D array carried by metadata
// and datasets. The element type is fixed at construction and identified by
// a Type tag; interface operations dispatch on the tag and re-enter a
// generic body. Arrays round-trip through a bstream exactly.
package vararray

import (
	"fmt"

	"meshflow/pkg/bstream"
)

// Type identifies the element type of an Array.
type Type uint8

// Element type tags. The numeric values are part of the serialized form and
// must not be reordered.
const (
	Invalid Type = iota
	Int8
	UInt8
	Int16
	UInt16
	Int32
	UInt32
	Int64
	UInt64
	Float32
	Float64
	String
)

var typeNames = map[Type]string{
	Invalid: "invalid",
	Int8:    "int8",
	UInt8:   "uint8",
	Int16:   "int16",
	UInt16:  "uint16",
	Int32:   "int32",
	UInt32:  "uint32",
	Int64:   "int64",
	UInt64:  "uint64",
	Float32: "float32",
	Float64: "float64",
	String:  "string",
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// IsNumeric reports whether t is one of the numeric tags.
func (t Type) IsNumeric() bool { return t >= Int8 && t <= Float64 }

// IsFloat reports whether t is a floating point tag.
func (t Type) IsFloat() bool { return t == Float32 || t == Float64 }

// Array is a homogeneous 1-D sequence with O(1) random access. Numeric
// accessors on a string array and vice versa convert through the natural
// formatting rules; mixing them is allowed but lossy.
type Array interface {
	// Type returns the element type tag fixed at construction.
	Type() Type
	// Size returns the element count.
	Size() int
	// Resize grows or truncates to n elements; grown elements are zero.
	Resize(n int)
	// NewInstance returns an empty array of the same element type.
	NewInstance() Array
	// NewCopy returns a new array holding elements [lo,hi] inclusive.
	NewCopy(lo, hi int) Array
	// Clone returns a deep copy.
	Clone() Array

	Float64At(i int) float64
	SetFloat64At(i int, v float64)
	Int64At(i int) int64
	SetInt64At(i int, v int64)
	StringAt(i int) string
	SetStringAt(i int, v string)

	AppendFloat64(v float64)
	AppendInt64(v int64)
	AppendString(v string)

	// Equal reports element-wise equality with matching type tags.
	Equal(o Array) bool
	// Encode serializes the tag, the size and the elements.
	Encode(s *bstream.Stream)
}

// New returns a zero-filled array of n elements with the given tag.
func New(t Type, n int) Array {
	switch t {
	case Int8:
		return &numeric[int8]{tag: t, v: make([]int8, n)}
	case UInt8:
		return &numeric[uint8]{tag: t, v: make([]uint8, n)}
	case Int16:
		return &numeric[int16]{tag: t, v: make([]int16, n)}
	case UInt16:
		return &numeric[uint16]{tag: t, v: make([]uint16, n)}
	case Int32:
		return &numeric[int32]{tag: t, v: make([]int32, n)}
	case UInt32:
		return &numeric[uint32]{tag: t, v: make([]uint32, n)}
	case Int64:
		return &numeric[int64]{tag: t, v: make([]int64, n)}
	case UInt64:
		return &numeric[uint64]{tag: t, v: make([]uint64, n)}
	case Float32:
		return &numeric[float32]{tag: t, v: make([]float32, n)}
	case Float64:
		return &numeric[float64]{tag: t, v: make([]float64, n)}
	case String:
		return &strings{v: make([]string, n)}
	}
	panic(fmt.Sprintf("vararray: invalid element type %v", t))
}

// NewFloat64 returns a float64 array holding vals.
func NewFloat64(vals ...float64) Array {
	return &numeric[float64]{tag: Float64, v: append([]float64(nil), vals...)}
}

// NewFloat32 returns a float32 array holding vals.
func NewFloat32(vals ...float32) Array {
	return &numeric[float32]{tag: Float32, v: append([]float32(nil), vals...)}
}

// NewInt64 returns an int64 array holding vals.
func NewInt64(vals ...int64) Array {
	return &numeric[int64]{tag: Int64, v: append([]int64(nil), vals...)}
}

// NewUint64 returns a uint64 array holding vals.
func NewUint64(vals ...uint64) Array {
	return &numeric[uint64]{tag: UInt64, v: append([]uint64(nil), vals...)}
}

// NewInt32 returns an int32 array holding vals.
func NewInt32(vals ...int32) Array {
	return &numeric[int32]{tag: Int32, v: append([]int32(nil), vals...)}
}

// NewString returns a string array holding vals.
func NewString(vals ...string) Array {
	return &strings{v: append([]string(nil), vals...)}
}

// Float64s copies a into a []float64.
func Float64s(a Array) []float64 {
	out := make([]float64, a.Size())
	for i := range out {
		out[i] = a.Float64At(i)
	}
	return out
}

// Uint64s copies a into a []uint64.
func Uint64s(a Array) []uint64 {
	out := make([]uint64, a.Size())
	for i := range out {
		out[i] = uint64(a.Int64At(i))
	}
	return out
}

// Strings copies a into a []string.
func Strings(a Array) []string {
	out := make([]string, a.Size())
	for i := range out {
		out[i] = a.StringAt(i)
	}
	return out
}

// Decode reads an array previously written by Encode.
func Decode(s *bstream.Stream) (Array, error) {
	tag, err := s.ConsumeUint8()
	if err != nil {
		return nil, err
	}
	n, err := s.ConsumeUint64()
	if err != nil {
		return nil, err
	}
	t := Type(tag)
	if t == Invalid || t > String {
		return nil, fmt.Errorf("vararray: bad type tag %d", tag)
	}
	a := New(t, int(n))
	if err := a.(decoder).decodeBody(s); err != nil {
		return nil, err
	}
	return a, nil
}

type decoder interface {
	decodeBody(s *bstream.Stream) error
}
