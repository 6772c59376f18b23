package stages

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshflow/internal/pipeline"
	"meshflow/pkg/dataset"
	"meshflow/pkg/metadata"
	"meshflow/pkg/vararray"
)

// dailySource serves a 1x1 scalar field equal to the step index over 60
// daily steps of a 360-day calendar.
func dailySource() *MeshSource {
	src := NewMeshSource(quietLogger())
	src.XCoords = []float64{0}
	src.YCoords = []float64{0}
	src.TimeUnits = "days since 2000-01-01"
	src.Calendar = "360_day"
	for i := 0; i < 60; i++ {
		src.TimeValues = append(src.TimeValues, float64(i))
	}
	src.SetField("value", func(step int64, t float64, x, y, z []float64) []float64 {
		return []float64{float64(step)}
	})
	return src
}

// TestMonthlyMean: the mean of steps 0..29 is 14.5 and of 30..59 is 44.5
// on a 30-day calendar.
func TestMonthlyMean(t *testing.T) {
	src := dailySource()
	red := NewTemporalReduction(quietLogger())
	require.NoError(t, red.Properties().Set("point_arrays", []string{"value"}))

	d := pipeline.NewDriver(quietLogger(), nil)
	defer d.Close()
	require.NoError(t, d.Connect(src, 0, red, 0))

	md, err := d.Report(context.Background(), red, 0)
	require.NoError(t, err)
	n, _ := md.GetInt64(KeyNumIntervals)
	assert.Equal(t, int64(2), n)
	initKey, _ := md.GetString(pipeline.KeyIndexInitializer)
	assert.Equal(t, KeyNumIntervals, initKey)
	reqKey, _ := md.GetString(pipeline.KeyIndexRequest)
	assert.Equal(t, KeyIntervalID, reqKey)

	want := []float64{14.5, 44.5}
	for month := int64(0); month < 2; month++ {
		req := metadata.New()
		req.SetInt64(KeyIntervalID, month)
		ds, err := d.Request(context.Background(), red, 0, req)
		require.NoError(t, err)
		v, ok := ds.(*dataset.CartesianMesh).Points.Get("value")
		require.True(t, ok)
		assert.InDelta(t, want[month], v.Float64At(0), 1e-12, "month %d", month)
	}
}

func TestMonthlyMax(t *testing.T) {
	src := dailySource()
	red := NewTemporalReduction(quietLogger())
	require.NoError(t, red.Properties().Set("point_arrays", []string{"value"}))
	require.NoError(t, red.Properties().Set("operator", "max"))

	d := pipeline.NewDriver(quietLogger(), nil)
	defer d.Close()
	require.NoError(t, d.Connect(src, 0, red, 0))

	req := metadata.New()
	req.SetInt64(KeyIntervalID, 1)
	ds, err := d.Request(context.Background(), red, 0, req)
	require.NoError(t, err)
	v, _ := ds.(*dataset.CartesianMesh).Points.Get("value")
	assert.Equal(t, 59.0, v.Float64At(0))
}

func stepMesh(value float64) *dataset.CartesianMesh {
	m := dataset.NewCartesianMesh()
	m.X = vararray.NewFloat64(0)
	m.Y = vararray.NewFloat64(0)
	m.Z = vararray.NewFloat64(0)
	m.Extent = [6]uint64{0, 0, 0, 0, 0, 0}
	m.WholeExtent = m.Extent
	m.Time = value
	m.Points.Set("value", vararray.NewFloat64(value))
	return m
}

// TestReduceAssociativity is the map-reduce invariant: the reduce operator
// is associative (and commutative), so grouping must not change the
// finalized result.
func TestReduceAssociativity(t *testing.T) {
	for _, op := range []string{"mean", "sum", "min", "max"} {
		t.Run(op, func(t *testing.T) {
			red := NewTemporalReduction(quietLogger())
			require.NoError(t, red.Properties().Set("point_arrays", []string{"value"}))
			require.NoError(t, red.Properties().Set("operator", op))

			a, b, c := stepMesh(3), stepMesh(7), stepMesh(11)
			left := red.Reduce(red.Reduce(a, b), c)
			right := red.Reduce(a, red.Reduce(b, c))
			require.NotNil(t, left)
			require.NotNil(t, right)

			req := metadata.New()
			lv, _ := red.Finalize(left, req).(*dataset.CartesianMesh).Points.Get("value")
			rv, _ := red.Finalize(right, req).(*dataset.CartesianMesh).Points.Get("value")
			assert.InDelta(t, lv.Float64At(0), rv.Float64At(0), 1e-12)

			// Commutativity, since the pool combines in completion order.
			swapped := red.Reduce(red.Reduce(c, a), b)
			sv, _ := red.Finalize(swapped, req).(*dataset.CartesianMesh).Points.Get("value")
			assert.InDelta(t, lv.Float64At(0), sv.Float64At(0), 1e-12)
		})
	}
}

func TestFillValueHandling(t *testing.T) {
	red := NewTemporalReduction(quietLogger())
	require.NoError(t, red.Properties().Set("point_arrays", []string{"value"}))
	require.NoError(t, red.Properties().Set("use_fill_value", true))
	require.NoError(t, red.Properties().Set("fill_value", -999.0))

	a, b, c := stepMesh(2), stepMesh(-999), stepMesh(4)
	folded := red.Reduce(red.Reduce(a, b), c)
	require.NotNil(t, folded)
	v, _ := red.Finalize(folded, metadata.New()).(*dataset.CartesianMesh).Points.Get("value")
	// The fill sample does not contribute to the mean.
	assert.InDelta(t, 3.0, v.Float64At(0), 1e-12)
}

func TestTranslateSequenceNumbers(t *testing.T) {
	src := dailySource()
	red := NewTemporalReduction(quietLogger())
	require.NoError(t, red.Properties().Set("point_arrays", []string{"value"}))

	in := src.ReportMetadata(0, nil)
	req := metadata.New()
	req.SetInt64(KeyIntervalID, 1)
	ups := red.TranslateRequest(0, []*metadata.Metadata{in}, req)
	require.Len(t, ups, 1)
	require.Len(t, ups[0], 30)
	for j, up := range ups[0] {
		step, _ := up.GetInt64(KeyTimeStep)
		assert.Equal(t, int64(30+j), step)
		seq, _ := up.GetInt64(pipeline.KeySequenceNumber)
		assert.Equal(t, int64(j), seq)
		assert.False(t, up.Has(KeyIntervalID))
	}
}

// TestNStepsInterval exercises the calendar-free grouping.
func TestNStepsInterval(t *testing.T) {
	src := dailySource()
	red := NewTemporalReduction(quietLogger())
	require.NoError(t, red.Properties().Set("point_arrays", []string{"value"}))
	require.NoError(t, red.Properties().Set("interval", "n_steps"))
	require.NoError(t, red.Properties().Set("steps_per_request", int64(20)))

	in := src.ReportMetadata(0, nil)
	out := red.ReportMetadata(0, []*metadata.Metadata{in})
	require.False(t, out.Empty())
	n, _ := out.GetInt64(KeyNumIntervals)
	assert.Equal(t, int64(3), n)
}
