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

// ivtSource serves a 8x8 IVT field with a strong 3x3 blob and one isolated
// hot cell.
func ivtSource() *MeshSource {
	src := NewMeshSource(quietLogger())
	for i := 0; i < 8; i++ {
		src.XCoords = append(src.XCoords, float64(i))
		src.YCoords = append(src.YCoords, float64(i))
	}
	src.TimeUnits = "days since 2000-01-01"
	src.TimeValues = []float64{0}
	src.SetField("ivt", func(step int64, t float64, x, y, z []float64) []float64 {
		out := make([]float64, 64)
		for j := 2; j <= 4; j++ {
			for i := 2; i <= 4; i++ {
				out[j*8+i] = 600
			}
		}
		out[7*8+7] = 600 // isolated single cell
		return out
	})
	return src
}

func TestARDetectProbability(t *testing.T) {
	src := ivtSource()
	det := NewARDetect(quietLogger())
	require.NoError(t, det.Properties().Set("min_points", int64(4)))
	require.NoError(t, det.Properties().Set("threshold_spread", 0.0))

	d := pipeline.NewDriver(quietLogger(), nil)
	defer d.Close()
	require.NoError(t, d.Connect(src, 0, det, 0))

	req := metadata.New()
	req.SetInt64(KeyTimeStep, 0)
	ds, err := d.Request(context.Background(), det, 0, req)
	require.NoError(t, err)
	prob, ok := ds.(*dataset.CartesianMesh).Points.Get("ar_probability")
	require.True(t, ok)

	// Every member agrees: probability 1 inside the blob, 0 outside, and
	// the isolated cell was pruned.
	assert.Equal(t, 1.0, prob.Float64At(3*8+3))
	assert.Equal(t, 0.0, prob.Float64At(0))
	assert.Equal(t, 0.0, prob.Float64At(7*8+7))
}

func TestARDetectIndexKeysPassThrough(t *testing.T) {
	src := ivtSource()
	det := NewARDetect(quietLogger())
	in := src.ReportMetadata(0, nil)
	out := det.ReportMetadata(0, []*metadata.Metadata{in})
	require.False(t, out.Empty())
	initKey, _ := out.GetString(pipeline.KeyIndexInitializer)
	assert.Equal(t, KeyNumTimeSteps, initKey)
	reqKey, _ := out.GetString(pipeline.KeyIndexRequest)
	assert.Equal(t, KeyTimeStep, reqKey)
}

func TestARDetectEnsembleFanOut(t *testing.T) {
	det := NewARDetect(quietLogger())
	require.NoError(t, det.Properties().Set("num_ensemble", int64(7)))
	req := metadata.New()
	req.SetInt64(KeyTimeStep, 4)
	ups := det.TranslateRequest(0, []*metadata.Metadata{metadata.New()}, req)
	require.Len(t, ups, 1)
	require.Len(t, ups[0], 7)
	for e, up := range ups[0] {
		seq, _ := up.GetInt64(pipeline.KeySequenceNumber)
		assert.Equal(t, int64(e), seq)
		step, _ := up.GetInt64(KeyTimeStep)
		assert.Equal(t, int64(4), step)
		assert.Contains(t, pipeline.RequestedArrays(up), "ivt")
	}
}

func TestPruneSmallComponents(t *testing.T) {
	// 4x3 mask: an L of 3 cells and a singleton.
	mask := vararray.NewFloat64(
		1, 1, 0, 0,
		1, 0, 0, 1,
		0, 0, 0, 0,
	)
	pruneSmallComponents(mask, 4, 3, 2)
	assert.Equal(t, []float64{
		1, 1, 0, 0,
		1, 0, 0, 0,
		0, 0, 0, 0,
	}, vararray.Float64s(mask))
}

func TestMemberThresholdSpread(t *testing.T) {
	det := NewARDetect(quietLogger())
	require.NoError(t, det.Properties().Set("threshold", 100.0))
	require.NoError(t, det.Properties().Set("threshold_spread", 0.5))
	lo := det.memberThreshold(0, 5)
	mid := det.memberThreshold(2, 5)
	hi := det.memberThreshold(4, 5)
	assert.InDelta(t, 50.0, lo, 1e-12)
	assert.InDelta(t, 100.0, mid, 1e-12)
	assert.InDelta(t, 150.0, hi, 1e-12)
}
