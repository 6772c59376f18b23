package stages

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshflow/internal/pipeline"
	"meshflow/pkg/dataset"
	"meshflow/pkg/metadata"
	"meshflow/pkg/vararray"
)

// constantWindMesh builds a 3x3 lat-lon mesh with constant u and v.
func constantWindMesh() *dataset.CartesianMesh {
	m := dataset.NewCartesianMesh()
	m.X = vararray.NewFloat64(0, 10, 20)
	m.Y = vararray.NewFloat64(10, 0, -10)
	m.Z = vararray.NewFloat64(0)
	m.Extent = [6]uint64{0, 2, 0, 2, 0, 0}
	m.WholeExtent = m.Extent
	ones := make([]float64, 9)
	for i := range ones {
		ones[i] = 1
	}
	m.Points.Set("ua", vararray.NewFloat64(ones...))
	m.Points.Set("va", vararray.NewFloat64(ones...))
	return m
}

// TestVorticityConstantWind: a constant wind field has zero interior
// vorticity.
func TestVorticityConstantWind(t *testing.T) {
	v := NewVorticity(quietLogger())
	out := v.Execute(0, []dataset.Dataset{constantWindMesh()}, metadata.New())
	require.NotNil(t, out)
	mesh := out.(*dataset.CartesianMesh)
	z, ok := mesh.Points.Get("vorticity")
	require.True(t, ok)
	// Interior point (1,1).
	assert.InDelta(t, 0.0, z.Float64At(4), 1e-12)
}

func TestVorticityTranslateRequest(t *testing.T) {
	v := NewVorticity(quietLogger())
	req := metadata.New()
	req.SetStringSlice(pipeline.KeyArrays, []string{"vorticity"})
	ups := v.TranslateRequest(0, []*metadata.Metadata{metadata.New()}, req)
	require.Len(t, ups, 1)
	require.Len(t, ups[0], 1)
	arrays := pipeline.RequestedArrays(ups[0][0])
	assert.Contains(t, arrays, "ua")
	assert.Contains(t, arrays, "va")
	assert.NotContains(t, arrays, "vorticity")
}

func TestVorticityReportAppendsVariable(t *testing.T) {
	v := NewVorticity(quietLogger())
	in := metadata.New()
	in.SetStringSlice(KeyVariables, []string{"ua", "va"})
	out := v.ReportMetadata(0, []*metadata.Metadata{in})
	require.False(t, out.Empty())
	vars, _ := out.GetStringSlice(KeyVariables)
	assert.Equal(t, []string{"ua", "va", "vorticity"}, vars)

	// Reporting must not mutate the upstream metadata.
	orig, _ := in.GetStringSlice(KeyVariables)
	assert.Equal(t, []string{"ua", "va"}, orig)
}

// TestVerticalIntegral: a 1x1x4 column with a = [0,0.25,0.5,0.75,1],
// b = 0, p_top = 100 and q = 1 integrates to -(1/9.81)*100.
func TestVerticalIntegral(t *testing.T) {
	m := dataset.NewCartesianMesh()
	m.X = vararray.NewFloat64(0)
	m.Y = vararray.NewFloat64(0)
	m.Z = vararray.NewFloat64(1, 2, 3, 4)
	m.Extent = [6]uint64{0, 0, 0, 0, 0, 3}
	m.WholeExtent = m.Extent
	m.Points.Set("hus", vararray.NewFloat64(1, 1, 1, 1))
	m.Info.Set("a", vararray.NewFloat64(0, 0.25, 0.5, 0.75, 1))
	m.Info.Set("b", vararray.NewFloat64(0, 0, 0, 0, 0))

	s := NewVerticalIntegral(quietLogger())
	require.NoError(t, s.Properties().Set("p_top", 100.0))
	out := s.Execute(0, []dataset.Dataset{m}, metadata.New())
	require.NotNil(t, out)
	mesh := out.(*dataset.CartesianMesh)
	got, ok := mesh.Points.Get("integral")
	require.True(t, ok)
	assert.InDelta(t, -100.0/9.81, got.Float64At(0), 1e-6)

	// The vertical axis collapsed.
	assert.Equal(t, uint64(0), mesh.Extent[5])
	require.NoError(t, mesh.Validate())
}

func TestVerticalIntegralBadCoefficients(t *testing.T) {
	m := dataset.NewCartesianMesh()
	m.X = vararray.NewFloat64(0)
	m.Y = vararray.NewFloat64(0)
	m.Z = vararray.NewFloat64(1, 2, 3, 4)
	m.Extent = [6]uint64{0, 0, 0, 0, 0, 3}
	m.WholeExtent = m.Extent
	m.Points.Set("hus", vararray.NewFloat64(1, 1, 1, 1))
	m.Info.Set("a", vararray.NewFloat64(0, 1))
	m.Info.Set("b", vararray.NewFloat64(0, 0))

	s := NewVerticalIntegral(quietLogger())
	assert.Nil(t, s.Execute(0, []dataset.Dataset{m}, metadata.New()))
}

func TestVerticalIntegralReportCollapsesExtent(t *testing.T) {
	s := NewVerticalIntegral(quietLogger())
	in := metadata.New()
	in.SetStringSlice(KeyVariables, []string{"hus"})
	in.SetUint64Slice(KeyWholeExtent, []uint64{0, 9, 0, 9, 0, 7})
	in.SetFloat64Slice(pipeline.KeyBounds, []float64{0, 90, -45, 45, 1000, 10})
	out := s.ReportMetadata(0, []*metadata.Metadata{in})
	require.False(t, out.Empty())
	ext, _ := out.GetUint64Slice(KeyWholeExtent)
	assert.Equal(t, []uint64{0, 9, 0, 9, 0, 0}, ext)
}

// TestIVTUniformColumn: with q*u constant through the column the transport
// reduces to the vertical-integral form.
func TestIVTUniformColumn(t *testing.T) {
	m := dataset.NewCartesianMesh()
	m.X = vararray.NewFloat64(0)
	m.Y = vararray.NewFloat64(0)
	m.Z = vararray.NewFloat64(1, 2, 3, 4)
	m.Extent = [6]uint64{0, 0, 0, 0, 0, 3}
	m.WholeExtent = m.Extent
	m.Points.Set("hus", vararray.NewFloat64(0.01, 0.01, 0.01, 0.01))
	m.Points.Set("ua", vararray.NewFloat64(10, 10, 10, 10))
	m.Points.Set("va", vararray.NewFloat64(-10, -10, -10, -10))
	m.Info.Set("a", vararray.NewFloat64(0, 0.25, 0.5, 0.75, 1))
	m.Info.Set("b", vararray.NewFloat64(0, 0, 0, 0, 0))

	s := NewIVT(quietLogger())
	require.NoError(t, s.Properties().Set("p_top", 100.0))
	out := s.Execute(0, []dataset.Dataset{m}, metadata.New())
	require.NotNil(t, out)
	mesh := out.(*dataset.CartesianMesh)
	u, _ := mesh.Points.Get("ivt_u")
	v, _ := mesh.Points.Get("ivt_v")
	want := -0.01 * 10 * 100 / 9.81
	assert.InDelta(t, want, u.Float64At(0), 1e-9)
	assert.InDelta(t, -want, v.Float64At(0), 1e-9)
}

func TestIVTMagnitude(t *testing.T) {
	m := dataset.NewCartesianMesh()
	m.X = vararray.NewFloat64(0)
	m.Y = vararray.NewFloat64(0)
	m.Z = vararray.NewFloat64(0)
	m.Extent = [6]uint64{0, 0, 0, 0, 0, 0}
	m.WholeExtent = m.Extent
	m.Points.Set("ivt_u", vararray.NewFloat64(3))
	m.Points.Set("ivt_v", vararray.NewFloat64(4))

	s := NewIVTMagnitude(quietLogger())
	out := s.Execute(0, []dataset.Dataset{m}, metadata.New())
	require.NotNil(t, out)
	mag, _ := out.(*dataset.CartesianMesh).Points.Get("ivt")
	assert.InDelta(t, 5.0, mag.Float64At(0), 1e-12)
}
