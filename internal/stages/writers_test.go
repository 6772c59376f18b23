package stages

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshflow/internal/cfio"
	"meshflow/pkg/bstream"
	"meshflow/pkg/dataset"
	"meshflow/pkg/metadata"
	"meshflow/pkg/vararray"
)

func writerMesh() *dataset.CartesianMesh {
	m := dataset.NewCartesianMesh()
	m.X = vararray.NewFloat64(0, 10)
	m.Y = vararray.NewFloat64(-5, 5)
	m.Z = vararray.NewFloat64(0)
	m.Time = 7
	m.TimeStep = 7
	m.Extent = [6]uint64{0, 1, 0, 1, 0, 0}
	m.WholeExtent = m.Extent
	m.Bounds = [6]float64{0, 10, -5, 5, 0, 0}
	m.Points.Set("t2m", vararray.NewFloat64(280, 281, 282, 283))
	return m
}

func TestDumpRoundTrip(t *testing.T) {
	dir := t.TempDir()
	for _, codec := range []string{
		bstream.CodecNone, bstream.CodecSnappy, bstream.CodecLZ4, bstream.CodecZstd,
	} {
		t.Run(codec, func(t *testing.T) {
			w := NewDumpWriter(quietLogger())
			pattern := filepath.Join(dir, codec+"_%t%.mfds")
			require.NoError(t, w.Properties().Set("file_name", pattern))
			require.NoError(t, w.Properties().Set("codec", codec))

			mesh := writerMesh()
			out := w.Execute(0, []dataset.Dataset{mesh}, metadata.New())
			require.NotNil(t, out)

			got, err := ReadDump(filepath.Join(dir, codec+"_7.mfds"))
			require.NoError(t, err)
			gm, ok := got.(*dataset.CartesianMesh)
			require.True(t, ok)
			assert.True(t, mesh.Equal(gm))
		})
	}
}

func TestDumpBadCodec(t *testing.T) {
	w := NewDumpWriter(quietLogger())
	require.NoError(t, w.Properties().Set("codec", "brotli"))
	assert.Nil(t, w.Execute(0, []dataset.Dataset{writerMesh()}, metadata.New()))
}

func TestCFWriterOutputReadable(t *testing.T) {
	dir := t.TempDir()
	w := NewCFWriter(quietLogger())
	require.NoError(t, w.Properties().Set("file_name", filepath.Join(dir, "out_%t%.nc")))

	mesh := writerMesh()
	out := w.Execute(0, []dataset.Dataset{mesh}, metadata.New())
	require.NotNil(t, out)

	f, err := cfio.OpenClassic(filepath.Join(dir, "out_7.nc"))
	require.NoError(t, err)
	defer f.Close()

	v, ok := f.Variable("t2m")
	require.True(t, ok)
	assert.Equal(t, []string{"time", "lat", "lon"}, v.Dims)
	a, err := f.ReadSlab("t2m", []int{0, 0, 0}, []int{1, 2, 2})
	require.NoError(t, err)
	assert.Equal(t, []float64{280, 281, 282, 283}, vararray.Float64s(a))

	tv, err := f.ReadSlab("time", []int{0}, []int{1})
	require.NoError(t, err)
	assert.Equal(t, 7.0, tv.Float64At(0))
}

func TestCSVWriter(t *testing.T) {
	dir := t.TempDir()
	w := NewCSVWriter(quietLogger())
	require.NoError(t, w.Properties().Set("file_name", filepath.Join(dir, "table_%t%.csv")))

	tbl := dataset.NewTable()
	tbl.Columns.Set("step", vararray.NewInt64(0, 1))
	tbl.Columns.Set("value", vararray.NewFloat64(1.5, 2.5))

	req := metadata.New()
	req.SetInt64(KeyTimeStep, 3)
	out := w.Execute(0, []dataset.Dataset{tbl}, req)
	require.NotNil(t, out)

	raw, err := os.ReadFile(filepath.Join(dir, "table_3.csv"))
	require.NoError(t, err)
	assert.Equal(t, "step,value\n0,1.5\n1,2.5\n", string(raw))
}

func TestInterpolateIndex(t *testing.T) {
	assert.Equal(t, "out_42.nc", interpolateIndex("out_%t%.nc", 42))
	assert.Equal(t, "plain.nc", interpolateIndex("plain.nc", 42))
}
