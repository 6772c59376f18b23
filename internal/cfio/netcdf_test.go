package cfio

import (
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshflow/pkg/metadata"
	"meshflow/pkg/vararray"
)

// writeSample writes a small CF file: T(time,y,x) of shape (3,2,2) with
// T[t,j,i] = 100t + 10j + i, time = [0,1,2].
func writeSample(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "t.nc")

	data := vararray.New(vararray.Float64, 12)
	for ts := 0; ts < 3; ts++ {
		for j := 0; j < 2; j++ {
			for i := 0; i < 2; i++ {
				data.SetFloat64At((ts*2+j)*2+i, float64(100*ts+10*j+i))
			}
		}
	}
	tatts := metadata.New()
	tatts.SetString("units", "days since 2000-01-01")
	tatts.SetString("calendar", "standard")
	vatts := metadata.New()
	vatts.SetString("units", "K")
	vatts.SetFloat64("_FillValue", 1e20)

	def := FileDef{
		Dims: []Dimension{
			{Name: "lon", Len: 2},
			{Name: "lat", Len: 2},
			{Name: "time", Len: 3, Unlimited: true},
		},
		Atts: func() *metadata.Metadata {
			m := metadata.New()
			m.SetString("Conventions", "CF-1.7")
			return m
		}(),
		Vars: []VarDef{
			{Name: "lon", Type: vararray.Float64, Dims: []string{"lon"},
				Data: vararray.NewFloat64(0, 10)},
			{Name: "lat", Type: vararray.Float64, Dims: []string{"lat"},
				Data: vararray.NewFloat64(-5, 5)},
			{Name: "time", Type: vararray.Float64, Dims: []string{"time"},
				Atts: tatts, Data: vararray.NewFloat64(0, 1, 2)},
			{Name: "T", Type: vararray.Float64, Dims: []string{"time", "lat", "lon"},
				Atts: vatts, Data: data},
		},
	}
	require.NoError(t, WriteClassic(path, def))
	return path
}

func TestWriteThenReadHeader(t *testing.T) {
	path := writeSample(t, t.TempDir())
	f, err := OpenClassic(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, 3, f.NumRecords())

	dims := f.Dimensions()
	require.Len(t, dims, 3)
	assert.Equal(t, "lon", dims[0].Name)
	assert.Equal(t, 2, dims[0].Len)
	assert.True(t, dims[2].Unlimited)
	assert.Equal(t, 3, dims[2].Len)

	conv, ok := f.GlobalAttributes().GetString("Conventions")
	assert.True(t, ok)
	assert.Equal(t, "CF-1.7", conv)

	v, ok := f.Variable("T")
	require.True(t, ok)
	assert.Equal(t, []string{"time", "lat", "lon"}, v.Dims)
	assert.Equal(t, vararray.Float64, v.Type)
	units, _ := v.Atts.GetString("units")
	assert.Equal(t, "K", units)
	fill, _ := v.Atts.GetFloat64("_FillValue")
	assert.Equal(t, 1e20, fill)
}

// TestHyperslabTimeSlice reads time step 1 of T and expects the 2x2 slice
// [[100,101],[110,111]].
func TestHyperslabTimeSlice(t *testing.T) {
	path := writeSample(t, t.TempDir())
	f, err := OpenClassic(path)
	require.NoError(t, err)
	defer f.Close()

	a, err := f.ReadSlab("T", []int{1, 0, 0}, []int{1, 2, 2})
	require.NoError(t, err)
	assert.Equal(t, []float64{100, 101, 110, 111}, vararray.Float64s(a))
}

func TestHyperslabSpatialSubset(t *testing.T) {
	path := writeSample(t, t.TempDir())
	f, err := OpenClassic(path)
	require.NoError(t, err)
	defer f.Close()

	// Column i=1 across both rows of step 2.
	a, err := f.ReadSlab("T", []int{2, 0, 1}, []int{1, 2, 1})
	require.NoError(t, err)
	assert.Equal(t, []float64{201, 211}, vararray.Float64s(a))
}

func TestNonRecordVariable(t *testing.T) {
	path := writeSample(t, t.TempDir())
	f, err := OpenClassic(path)
	require.NoError(t, err)
	defer f.Close()

	a, err := f.ReadSlab("lat", []int{0}, []int{2})
	require.NoError(t, err)
	assert.Equal(t, []float64{-5, 5}, vararray.Float64s(a))
}

func TestSlabOutOfRange(t *testing.T) {
	path := writeSample(t, t.TempDir())
	f, err := OpenClassic(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.ReadSlab("T", []int{0, 0, 0}, []int{4, 2, 2})
	assert.Error(t, err)
	_, err = f.ReadSlab("missing", []int{0}, []int{1})
	assert.Error(t, err)
}

func TestBadMagic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "junk.nc")
	require.NoError(t, os.WriteFile(path, []byte("not a netcdf file"), 0644))
	_, err := OpenClassic(path)
	assert.Error(t, err)
}

func TestDiskProviderList(t *testing.T) {
	dir := t.TempDir()
	writeSample(t, dir)
	p := DiskProvider{}
	names, err := p.List(dir, regexp.MustCompile(`\.nc$`))
	require.NoError(t, err)
	assert.Equal(t, []string{"t.nc"}, names)

	names, err = p.List(dir, regexp.MustCompile(`\.grib$`))
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestMemFileSlab(t *testing.T) {
	f := NewMemFile("/mem/a.nc")
	f.AddDim("time", 2, true)
	f.AddDim("x", 3, false)
	data := vararray.NewFloat64(0, 1, 2, 10, 11, 12)
	f.AddVar(VarInfo{Name: "v", Type: vararray.Float64, Dims: []string{"time", "x"}}, data)

	a, err := f.ReadSlab("v", []int{1, 1}, []int{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []float64{11, 12}, vararray.Float64s(a))
}
