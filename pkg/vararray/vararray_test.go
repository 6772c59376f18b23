package vararray

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshflow/pkg/bstream"
)

// TestRoundTripAllTypes checks that serialization preserves the element
// type tag and every value exactly, for every supported type.
func TestRoundTripAllTypes(t *testing.T) {
	cases := []struct {
		name string
		a    Array
	}{
		{"int8", func() Array { a := New(Int8, 3); a.SetInt64At(0, -128); a.SetInt64At(1, 0); a.SetInt64At(2, 127); return a }()},
		{"uint8", func() Array { a := New(UInt8, 2); a.SetInt64At(0, 0); a.SetInt64At(1, 255); return a }()},
		{"int16", func() Array { a := New(Int16, 2); a.SetInt64At(0, -32768); a.SetInt64At(1, 32767); return a }()},
		{"uint16", func() Array { a := New(UInt16, 1); a.SetInt64At(0, 65535); return a }()},
		{"int32", NewInt32(-2147483648, 2147483647)},
		{"uint32", func() Array { a := New(UInt32, 1); a.SetInt64At(0, 4294967295); return a }()},
		{"int64", NewInt64(-9007199254740993, 42)},
		{"uint64", NewUint64(0, 18446744073709551615)},
		{"float32", NewFloat32(1.5, -0.25, 3e7)},
		{"float64", NewFloat64(3.141592653589793, -1e300)},
		{"string", NewString("", "alpha", "with spaces\nand newline")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := bstream.New()
			tc.a.Encode(s)
			got, err := Decode(bstream.FromBytes(s.Bytes()))
			require.NoError(t, err)
			assert.Equal(t, tc.a.Type(), got.Type())
			assert.True(t, tc.a.Equal(got))
		})
	}
}

func TestNewInstanceAndCopy(t *testing.T) {
	a := NewFloat64(0, 1, 2, 3, 4)

	empty := a.NewInstance()
	assert.Equal(t, Float64, empty.Type())
	assert.Equal(t, 0, empty.Size())

	sub := a.NewCopy(1, 3)
	assert.Equal(t, 3, sub.Size())
	assert.Equal(t, 1.0, sub.Float64At(0))
	assert.Equal(t, 3.0, sub.Float64At(2))

	// The copy is independent.
	sub.SetFloat64At(0, 99)
	assert.Equal(t, 1.0, a.Float64At(1))
}

func TestResize(t *testing.T) {
	a := NewInt64(1, 2, 3)
	a.Resize(5)
	assert.Equal(t, 5, a.Size())
	assert.Equal(t, int64(3), a.Int64At(2))
	assert.Equal(t, int64(0), a.Int64At(4))
	a.Resize(2)
	assert.Equal(t, 2, a.Size())
}

func TestEqualMismatchedTypes(t *testing.T) {
	assert.False(t, NewInt64(1).Equal(NewFloat64(1)))
	assert.False(t, NewInt64(1).Equal(NewInt64(1, 2)))
	assert.True(t, NewString("x").Equal(NewString("x")))
}

func TestStringNumericViews(t *testing.T) {
	a := NewString("2.5", "7")
	assert.Equal(t, 2.5, a.Float64At(0))
	assert.Equal(t, int64(7), a.Int64At(1))

	b := NewFloat64(1.25)
	assert.Equal(t, "1.25", b.StringAt(0))
}

func TestDecodeBadTag(t *testing.T) {
	s := bstream.New()
	s.AppendUint8(200)
	s.AppendUint64(1)
	_, err := Decode(bstream.FromBytes(s.Bytes()))
	assert.Error(t, err)
}
