package stages

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshflow/internal/cfio"
	"meshflow/internal/pipeline"
	"meshflow/pkg/comm"
	"meshflow/pkg/dataset"
	"meshflow/pkg/metadata"
	"meshflow/pkg/vararray"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return l
}

// writeSampleFile writes t.nc: T(time,lat,lon) of shape (3,2,2) with
// T[t,j,i] = 100t + 10j + i and time = [0,1,2].
func writeSampleFile(t *testing.T, dir string) {
	t.Helper()
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
	def := cfio.FileDef{
		Dims: []cfio.Dimension{
			{Name: "lon", Len: 2},
			{Name: "lat", Len: 2},
			{Name: "time", Len: 3, Unlimited: true},
		},
		Vars: []cfio.VarDef{
			{Name: "lon", Type: vararray.Float64, Dims: []string{"lon"},
				Data: vararray.NewFloat64(0, 10)},
			{Name: "lat", Type: vararray.Float64, Dims: []string{"lat"},
				Data: vararray.NewFloat64(-5, 5)},
			{Name: "time", Type: vararray.Float64, Dims: []string{"time"},
				Atts: tatts, Data: vararray.NewFloat64(0, 1, 2)},
			{Name: "T", Type: vararray.Float64, Dims: []string{"time", "lat", "lon"},
				Data: data},
		},
	}
	require.NoError(t, cfio.WriteClassic(filepath.Join(dir, "t.nc"), def))
}

func newTestReader(t *testing.T, dir string) *CFReader {
	t.Helper()
	t.Setenv(noCacheEnv, "1")
	r := NewCFReader(quietLogger(), nil, nil)
	require.NoError(t, r.Properties().Set("files_regex", filepath.Join(dir, `t\.nc$`)))
	return r
}

// TestReaderSingleFile is the single-file scenario: requesting index 1
// returns the 2x2 slice of that step and its time value.
func TestReaderSingleFile(t *testing.T) {
	dir := t.TempDir()
	writeSampleFile(t, dir)
	r := newTestReader(t, dir)

	md := r.ReportMetadata(0, nil)
	require.False(t, md.Empty())
	steps, _ := md.GetInt64(KeyNumTimeSteps)
	assert.Equal(t, int64(3), steps)
	initKey, _ := md.GetString(pipeline.KeyIndexInitializer)
	assert.Equal(t, KeyNumTimeSteps, initKey)
	reqKey, _ := md.GetString(pipeline.KeyIndexRequest)
	assert.Equal(t, KeyTimeStep, reqKey)
	vars, _ := md.GetStringSlice(KeyVariables)
	assert.Contains(t, vars, "T")

	req := metadata.New()
	req.SetInt64(KeyTimeStep, 1)
	req.SetStringSlice(pipeline.KeyArrays, []string{"T"})
	ds := r.Execute(0, nil, req)
	require.NotNil(t, ds)
	mesh := ds.(*dataset.CartesianMesh)
	assert.Equal(t, 1.0, mesh.Time)
	a, ok := mesh.Points.Get("T")
	require.True(t, ok)
	assert.Equal(t, []float64{100, 101, 110, 111}, vararray.Float64s(a))
	require.NoError(t, mesh.Validate())
}

// TestReaderUnitConversion is the two-file scenario: the second file's
// hours convert into the first file's days, giving the axis [0,1,2,3].
func TestReaderUnitConversion(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(noCacheEnv, "1")

	mk := func(name, units string, times []float64) {
		tatts := metadata.New()
		tatts.SetString("units", units)
		tatts.SetString("calendar", "standard")
		n := len(times)
		data := vararray.New(vararray.Float64, n)
		def := cfio.FileDef{
			Dims: []cfio.Dimension{
				{Name: "lon", Len: 1},
				{Name: "lat", Len: 1},
				{Name: "time", Len: n, Unlimited: true},
			},
			Vars: []cfio.VarDef{
				{Name: "lon", Type: vararray.Float64, Dims: []string{"lon"},
					Data: vararray.NewFloat64(0)},
				{Name: "lat", Type: vararray.Float64, Dims: []string{"lat"},
					Data: vararray.NewFloat64(0)},
				{Name: "time", Type: vararray.Float64, Dims: []string{"time"},
					Atts: tatts, Data: vararray.NewFloat64(times...)},
				{Name: "T", Type: vararray.Float64, Dims: []string{"time", "lat", "lon"},
					Data: data},
			},
		}
		require.NoError(t, cfio.WriteClassic(filepath.Join(dir, name), def))
	}
	mk("a.nc", "days since 2000-01-01", []float64{0, 1})
	mk("b.nc", "hours since 2000-01-01", []float64{48, 72})

	r := NewCFReader(quietLogger(), nil, nil)
	require.NoError(t, r.Properties().Set("files_regex", filepath.Join(dir, `\.nc$`)))
	md := r.ReportMetadata(0, nil)
	require.False(t, md.Empty())

	coords, _ := md.GetMetadata(pipeline.KeyCoordinates)
	taxis, _ := coords.Get(pipeline.KeyTimeAxis)
	assert.Equal(t, []float64{0, 1, 2, 3}, vararray.Float64s(taxis))
	units, _ := coords.GetString(pipeline.KeyTimeUnits)
	assert.Equal(t, "days since 2000-01-01", units)

	stepCount, _ := md.Get(KeyStepCount)
	assert.Equal(t, []float64{2, 2}, vararray.Float64s(stepCount))

	// Index 2 resolves to the second file's first step.
	req := metadata.New()
	req.SetInt64(KeyTimeStep, 2)
	req.SetStringSlice(pipeline.KeyArrays, []string{"T"})
	ds := r.Execute(0, nil, req)
	require.NotNil(t, ds)
	assert.Equal(t, 2.0, ds.(*dataset.CartesianMesh).Time)
}

func TestReaderCalendarDisagreement(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(noCacheEnv, "1")

	mk := func(name, cal string) {
		tatts := metadata.New()
		tatts.SetString("units", "days since 2000-01-01")
		tatts.SetString("calendar", cal)
		def := cfio.FileDef{
			Dims: []cfio.Dimension{
				{Name: "lon", Len: 1},
				{Name: "lat", Len: 1},
				{Name: "time", Len: 1, Unlimited: true},
			},
			Vars: []cfio.VarDef{
				{Name: "lon", Type: vararray.Float64, Dims: []string{"lon"},
					Data: vararray.NewFloat64(0)},
				{Name: "lat", Type: vararray.Float64, Dims: []string{"lat"},
					Data: vararray.NewFloat64(0)},
				{Name: "time", Type: vararray.Float64, Dims: []string{"time"},
					Atts: tatts, Data: vararray.NewFloat64(0)},
			},
		}
		require.NoError(t, cfio.WriteClassic(filepath.Join(dir, name), def))
	}
	mk("a.nc", "standard")
	mk("b.nc", "360_day")

	r := NewCFReader(quietLogger(), nil, nil)
	require.NoError(t, r.Properties().Set("files_regex", filepath.Join(dir, `\.nc$`)))
	assert.True(t, r.ReportMetadata(0, nil).Empty())
}

// TestCacheIdempotence covers cache properties: a second scan with
// unchanged inputs loads byte-identical metadata from disk, and any
// property change moves to a different cache file.
func TestCacheIdempotence(t *testing.T) {
	dir := t.TempDir()
	home := t.TempDir()
	t.Setenv("HOME", home)
	writeSampleFile(t, dir)

	r := NewCFReader(quietLogger(), nil, nil)
	require.NoError(t, r.Properties().Set("files_regex", filepath.Join(dir, `t\.nc$`)))

	md1 := r.ReportMetadata(0, nil)
	require.False(t, md1.Empty())

	root, files, err := r.enumerate()
	require.NoError(t, err)
	hash1 := r.cacheHash(root, files)
	cachePath := filepath.Join(home, "."+hash1+cacheExt)
	raw1, err := os.ReadFile(cachePath)
	require.NoError(t, err, "scan must write the cache under HOME")

	// Second report: loaded from cache, identical in memory and on disk.
	r2 := NewCFReader(quietLogger(), nil, nil)
	require.NoError(t, r2.Properties().Set("files_regex", filepath.Join(dir, `t\.nc$`)))
	md2 := r2.ReportMetadata(0, nil)
	assert.True(t, md1.Equal(md2))
	raw2, err := os.ReadFile(cachePath)
	require.NoError(t, err)
	assert.Equal(t, raw1, raw2)

	// Changing any reader property changes the hash.
	require.NoError(t, r2.Properties().Set("y_axis_variable", "latitude"))
	hash2 := r2.cacheHash(root, files)
	assert.NotEqual(t, hash1, hash2)
}

func TestCacheCorruptionFallsThrough(t *testing.T) {
	dir := t.TempDir()
	home := t.TempDir()
	t.Setenv("HOME", home)
	writeSampleFile(t, dir)

	r := NewCFReader(quietLogger(), nil, nil)
	require.NoError(t, r.Properties().Set("files_regex", filepath.Join(dir, `t\.nc$`)))
	root, files, err := r.enumerate()
	require.NoError(t, err)
	cachePath := filepath.Join(home, "."+r.cacheHash(root, files)+cacheExt)
	require.NoError(t, os.WriteFile(cachePath, []byte("garbage"), 0664))

	// A bad cache is recoverable: the reader falls through to scanning.
	md := r.ReportMetadata(0, nil)
	assert.False(t, md.Empty())
}

// TestBoundsExtentEquivalence: a bounds request and the matching extent
// request yield equal datasets.
func TestBoundsExtentEquivalence(t *testing.T) {
	dir := t.TempDir()
	writeSampleFile(t, dir)
	r := newTestReader(t, dir)
	require.False(t, r.ReportMetadata(0, nil).Empty())

	byBounds := metadata.New()
	byBounds.SetInt64(KeyTimeStep, 0)
	byBounds.SetStringSlice(pipeline.KeyArrays, []string{"T"})
	byBounds.SetFloat64Slice(pipeline.KeyBounds, []float64{0, 10, -5, 5, 0, 0})

	byExtent := metadata.New()
	byExtent.SetInt64(KeyTimeStep, 0)
	byExtent.SetStringSlice(pipeline.KeyArrays, []string{"T"})
	byExtent.SetUint64Slice(pipeline.KeyExtent, []uint64{0, 1, 0, 1, 0, 0})

	a := r.Execute(0, nil, byBounds)
	b := r.Execute(0, nil, byExtent)
	require.NotNil(t, a)
	require.NotNil(t, b)
	assert.True(t, a.(*dataset.CartesianMesh).Equal(b.(*dataset.CartesianMesh)))
}

func TestBoundsOutsideDomain(t *testing.T) {
	dir := t.TempDir()
	writeSampleFile(t, dir)
	r := newTestReader(t, dir)
	require.False(t, r.ReportMetadata(0, nil).Empty())

	req := metadata.New()
	req.SetInt64(KeyTimeStep, 0)
	req.SetStringSlice(pipeline.KeyArrays, []string{"T"})
	req.SetFloat64Slice(pipeline.KeyBounds, []float64{500, 600, -5, 5, 0, 0})
	assert.Nil(t, r.Execute(0, nil, req))
}

// memTestProvider builds a four-step in-memory input set.
func memTestProvider(t *testing.T) *cfio.MemProvider {
	t.Helper()
	p := cfio.NewMemProvider()
	f := cfio.NewMemFile("/data/in.nc")
	f.AddDim("lon", 2, false)
	f.AddDim("lat", 2, false)
	f.AddDim("time", 4, true)
	f.AddVar(cfio.VarInfo{Name: "lon", Type: vararray.Float64, Dims: []string{"lon"}},
		vararray.NewFloat64(0, 10))
	f.AddVar(cfio.VarInfo{Name: "lat", Type: vararray.Float64, Dims: []string{"lat"}},
		vararray.NewFloat64(-5, 5))
	tatts := metadata.New()
	tatts.SetString("units", "days since 2000-01-01")
	f.AddVar(cfio.VarInfo{Name: "time", Type: vararray.Float64, Dims: []string{"time"}, Atts: tatts},
		vararray.NewFloat64(0, 1, 2, 3))
	field := vararray.New(vararray.Float64, 16)
	for i := 0; i < 16; i++ {
		field.SetFloat64At(i, float64(i))
	}
	f.AddVar(cfio.VarInfo{Name: "T", Type: vararray.Float64, Dims: []string{"time", "lat", "lon"}},
		field)
	p.Add(f)
	return p
}

// TestDistributedEquivalence: a 2-rank run produces the same per-index
// datasets and the same reported metadata as a single-rank run.
func TestDistributedEquivalence(t *testing.T) {
	t.Setenv(noCacheEnv, "1")
	provider := memTestProvider(t)

	single := NewCFReader(quietLogger(), provider, comm.NewSelf())
	require.NoError(t, single.Properties().Set("files_regex", `/data/in\.nc$`))
	mdSingle := single.ReportMetadata(0, nil)
	require.False(t, mdSingle.Empty())

	comms := comm.NewGroup(2)
	readers := make([]*CFReader, 2)
	mds := make([]*metadata.Metadata, 2)
	var wg sync.WaitGroup
	for rank := 0; rank < 2; rank++ {
		rank := rank
		readers[rank] = NewCFReader(quietLogger(), provider, comms[rank])
		require.NoError(t, readers[rank].Properties().Set("files_regex", `/data/in\.nc$`))
		wg.Add(1)
		go func() {
			defer wg.Done()
			mds[rank] = readers[rank].ReportMetadata(0, nil)
		}()
	}
	wg.Wait()
	require.False(t, mds[0].Empty())
	require.False(t, mds[1].Empty())
	assert.True(t, mdSingle.Equal(mds[0]))
	assert.True(t, mdSingle.Equal(mds[1]))

	// Each rank executes its block partition; byte-identical to the
	// single-rank execution of the same index.
	n, _ := mdSingle.GetInt64(KeyNumTimeSteps)
	for rank := 0; rank < 2; rank++ {
		lo, hi := comm.BlockPartition(n, 2, rank)
		for i := lo; i < hi; i++ {
			req := metadata.New()
			req.SetInt64(KeyTimeStep, i)
			req.SetStringSlice(pipeline.KeyArrays, []string{"T"})
			got := readers[rank].Execute(0, nil, req)
			want := single.Execute(0, nil, req)
			require.NotNil(t, got)
			require.NotNil(t, want)
			assert.True(t, want.(*dataset.CartesianMesh).Equal(got.(*dataset.CartesianMesh)),
				"rank %d index %d", rank, i)
		}
	}
}

func TestMissingVariableFails(t *testing.T) {
	dir := t.TempDir()
	writeSampleFile(t, dir)
	r := newTestReader(t, dir)
	require.False(t, r.ReportMetadata(0, nil).Empty())

	req := metadata.New()
	req.SetInt64(KeyTimeStep, 0)
	req.SetStringSlice(pipeline.KeyArrays, []string{"no_such_var"})
	assert.Nil(t, r.Execute(0, nil, req))
}

func TestSyntheticTimeAxis(t *testing.T) {
	dir := t.TempDir()
	writeSampleFile(t, dir)
	t.Setenv(noCacheEnv, "1")

	r := NewCFReader(quietLogger(), nil, nil)
	require.NoError(t, r.Properties().Set("files_regex", filepath.Join(dir, `t\.nc$`)))
	require.NoError(t, r.Properties().Set("t_axis_variable", ""))
	md := r.ReportMetadata(0, nil)
	require.False(t, md.Empty())
	steps, _ := md.GetInt64(KeyNumTimeSteps)
	assert.Equal(t, int64(1), steps)
}

func TestFilenameTemplateAxis(t *testing.T) {
	t.Setenv(noCacheEnv, "1")
	p := cfio.NewMemProvider()
	for _, name := range []string{"x_2000-01-01.nc", "x_2000-01-02.nc", "x_2000-02-01.nc"} {
		f := cfio.NewMemFile("/tmpl/" + name)
		f.AddDim("lon", 1, false)
		f.AddDim("lat", 1, false)
		f.AddVar(cfio.VarInfo{Name: "lon", Type: vararray.Float64, Dims: []string{"lon"}},
			vararray.NewFloat64(0))
		f.AddVar(cfio.VarInfo{Name: "lat", Type: vararray.Float64, Dims: []string{"lat"}},
			vararray.NewFloat64(0))
		p.Add(f)
	}
	r := NewCFReader(quietLogger(), p, nil)
	require.NoError(t, r.Properties().Set("files_regex", `/tmpl/x_.*\.nc$`))
	require.NoError(t, r.Properties().Set("filename_time_template", `x_%Y-%m-%d.nc`))
	require.NoError(t, r.Properties().Set("t_units", "days since 2000-01-01"))
	require.NoError(t, r.Properties().Set("calendar", "noleap"))

	md := r.ReportMetadata(0, nil)
	require.False(t, md.Empty())
	coords, _ := md.GetMetadata(pipeline.KeyCoordinates)
	taxis, _ := coords.Get(pipeline.KeyTimeAxis)
	assert.Equal(t, []float64{0, 1, 31}, vararray.Float64s(taxis))
}
