package dataset

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshflow/pkg/bstream"
	"meshflow/pkg/vararray"
)

func sampleMesh() *CartesianMesh {
	m := NewCartesianMesh()
	m.X = vararray.NewFloat64(0, 10, 20)
	m.Y = vararray.NewFloat64(10, 0)
	m.Z = vararray.NewFloat64(0)
	m.Time = 1.5
	m.TimeStep = 3
	m.Extent = [6]uint64{0, 2, 0, 1, 0, 0}
	m.WholeExtent = [6]uint64{0, 5, 0, 3, 0, 0}
	m.Bounds = [6]float64{0, 20, 10, 0, 0, 0}
	m.Points.Set("t2m", vararray.NewFloat64(1, 2, 3, 4, 5, 6))
	m.Info.Set("ps_mean", vararray.NewFloat64(1013.25))
	m.Metadata().SetString("source", "test")
	return m
}

func TestMeshValidate(t *testing.T) {
	m := sampleMesh()
	require.NoError(t, m.Validate())

	m.Points.Set("bad", vararray.NewFloat64(1, 2))
	assert.Error(t, m.Validate())
}

func TestMeshEncodeDecode(t *testing.T) {
	m := sampleMesh()
	s := bstream.New()
	m.Encode(s)
	got, err := DecodeAny(bstream.FromBytes(s.Bytes()))
	require.NoError(t, err)
	gm, ok := got.(*CartesianMesh)
	require.True(t, ok)
	assert.True(t, m.Equal(gm))
}

func TestTableEncodeDecode(t *testing.T) {
	tbl := NewTable()
	tbl.Columns.Set("step", vararray.NewInt64(0, 1, 2))
	tbl.Columns.Set("value", vararray.NewFloat64(0.5, 1.5, 2.5))
	require.NoError(t, tbl.Validate())

	s := bstream.New()
	tbl.Encode(s)
	got, err := DecodeAny(bstream.FromBytes(s.Bytes()))
	require.NoError(t, err)
	gt, ok := got.(*Table)
	require.True(t, ok)
	assert.True(t, tbl.Equal(gt))
	assert.Equal(t, 3, gt.NumRows())
}

func TestTableValidateUnequalColumns(t *testing.T) {
	tbl := NewTable()
	tbl.Columns.Set("a", vararray.NewInt64(1, 2))
	tbl.Columns.Set("b", vararray.NewInt64(1))
	assert.Error(t, tbl.Validate())
}

func TestShallowCopyIndependentStructure(t *testing.T) {
	m := sampleMesh()
	c := m.ShallowCopy()
	c.Extent = [6]uint64{0, 0, 0, 0, 0, 0}
	c.Points.Set("extra", vararray.NewFloat64(1, 2, 3, 4, 5, 6))
	assert.Equal(t, uint64(2), m.Extent[1])
	assert.False(t, m.Points.Has("extra"))

	// The arrays themselves are shared.
	a, _ := m.Points.Get("t2m")
	b, _ := c.Points.Get("t2m")
	assert.True(t, a == b)
}

func TestDecodeUnknownType(t *testing.T) {
	s := bstream.New()
	s.AppendString("no_such_shape")
	_, err := DecodeAny(bstream.FromBytes(s.Bytes()))
	assert.Error(t, err)
}

func TestEmptySentinel(t *testing.T) {
	assert.True(t, Empty(nil))
	assert.True(t, Empty(NewCartesianMesh()))
	assert.True(t, Empty(NewTable()))
	assert.False(t, Empty(sampleMesh()))
}
