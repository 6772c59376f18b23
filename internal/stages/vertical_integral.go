package stages

import (
	"github.com/sirupsen/logrus"

	"meshflow/internal/pipeline"
	"meshflow/pkg/dataset"
	"meshflow/pkg/errors"
	"meshflow/pkg/metadata"
	"meshflow/pkg/vararray"
)

// standardGravity in m/s^2.
const standardGravity = 9.81

// VerticalIntegral integrates a point field over the hybrid-sigma vertical
// coordinate, collapsing the k axis:
//
//	out = -(1/g) * sum_k f_k * (p_{k+1} - p_k),  p_k = a_k*p_top + b_k*ps
//
// The a and b interface coefficients arrive as information arrays; the
// surface pressure is optional when every b is zero.
type VerticalIntegral struct {
	pipeline.Stage
}

// NewVerticalIntegral builds the stage.
func NewVerticalIntegral(logger *logrus.Logger) *VerticalIntegral {
	props := pipeline.NewProperties(
		pipeline.PropSpec{Name: "input_variable", Type: pipeline.PropString, Default: "hus",
			Description: "point field to integrate"},
		pipeline.PropSpec{Name: "output_variable", Type: pipeline.PropString, Default: "integral",
			Description: "name of the produced array"},
		pipeline.PropSpec{Name: "hybrid_a_variable", Type: pipeline.PropString, Default: "a",
			Description: "hybrid interface coefficient a"},
		pipeline.PropSpec{Name: "hybrid_b_variable", Type: pipeline.PropString, Default: "b",
			Description: "hybrid interface coefficient b"},
		pipeline.PropSpec{Name: "surface_pressure_variable", Type: pipeline.PropString, Default: "ps",
			Description: "surface pressure point field, optional when b is zero"},
		pipeline.PropSpec{Name: "p_top", Type: pipeline.PropFloat, Default: 0.0,
			Description: "model top pressure"},
	)
	return &VerticalIntegral{Stage: pipeline.NewStage("vertical_integral", 1, 1, logger, props)}
}

// ReportMetadata implements pipeline.Algorithm: the vertical axis collapses
// in the advertised extent and bounds.
func (s *VerticalIntegral) ReportMetadata(port int, in []*metadata.Metadata) *metadata.Metadata {
	if len(in) == 0 || in[0].Empty() {
		errors.New(errors.KindSemantic, s.Name(), "report_metadata",
			"no upstream metadata").Emit(s.Logger())
		return nil
	}
	out := in[0].ShallowCopy()
	name := s.Properties().GetString("output_variable")
	vars, _ := out.GetStringSlice(KeyVariables)
	out.SetStringSlice(KeyVariables, append(vars, name))

	if ext, ok := out.GetUint64Slice(KeyWholeExtent); ok && len(ext) == 6 {
		ext[4], ext[5] = 0, 0
		out.SetUint64Slice(KeyWholeExtent, ext)
	}
	if b, ok := out.GetFloat64Slice(pipeline.KeyBounds); ok && len(b) == 6 {
		b[4], b[5] = 0, 0
		out.SetFloat64Slice(pipeline.KeyBounds, b)
	}
	if coords, ok := out.GetMetadata(pipeline.KeyCoordinates); ok {
		nc := coords.ShallowCopy()
		nc.Set("z", vararray.NewFloat64(0))
		out.SetMetadata(pipeline.KeyCoordinates, nc)
	}
	return out
}

// TranslateRequest implements pipeline.Algorithm: the integrand needs the
// full vertical column, so any z narrowing is discarded.
func (s *VerticalIntegral) TranslateRequest(port int, in []*metadata.Metadata, req *metadata.Metadata) [][]*metadata.Metadata {
	up := req.ShallowCopy()
	pipeline.RemoveRequestedArray(up, s.Properties().GetString("output_variable"))
	names := []string{
		s.Properties().GetString("input_variable"),
		s.Properties().GetString("hybrid_a_variable"),
		s.Properties().GetString("hybrid_b_variable"),
	}
	if ps := s.Properties().GetString("surface_pressure_variable"); ps != "" {
		names = append(names, ps)
	}
	pipeline.AddRequestedArrays(up, names...)

	// The integral needs every level; widen the request to the whole
	// vertical column.
	if len(in) > 0 && in[0] != nil {
		if ext, ok := up.GetUint64Slice(pipeline.KeyExtent); ok && len(ext) == 6 {
			if whole, ok := in[0].GetUint64Slice(KeyWholeExtent); ok && len(whole) == 6 {
				ext[4], ext[5] = whole[4], whole[5]
				up.SetUint64Slice(pipeline.KeyExtent, ext)
			}
		}
		if b, ok := up.GetFloat64Slice(pipeline.KeyBounds); ok && len(b) == 6 {
			if wb, ok := in[0].GetFloat64Slice(pipeline.KeyBounds); ok && len(wb) == 6 {
				b[4], b[5] = wb[4], wb[5]
				up.SetFloat64Slice(pipeline.KeyBounds, b)
			}
		}
	}
	return [][]*metadata.Metadata{{up}}
}

// Execute implements pipeline.Algorithm.
func (s *VerticalIntegral) Execute(port int, in []dataset.Dataset, req *metadata.Metadata) dataset.Dataset {
	mesh, ok := in[0].(*dataset.CartesianMesh)
	if !ok {
		errors.New(errors.KindSemantic, s.Name(), "execute",
			"input is not a cartesian mesh").Emit(s.Logger())
		return nil
	}
	name := s.Properties().GetString("input_variable")
	f, ok := mesh.Points.Get(name)
	if !ok {
		errors.Newf(errors.KindSemantic, s.Name(), "execute",
			"integrand %q not present", name).Emit(s.Logger())
		return nil
	}
	a, aok := findArray(mesh, s.Properties().GetString("hybrid_a_variable"))
	b, bok := findArray(mesh, s.Properties().GetString("hybrid_b_variable"))
	if !aok || !bok {
		errors.New(errors.KindSemantic, s.Name(), "execute",
			"hybrid coefficients not present").Emit(s.Logger())
		return nil
	}
	nx, ny, nz := mesh.Span(0), mesh.Span(1), mesh.Span(2)
	if a.Size() != nz+1 || b.Size() != nz+1 {
		errors.Newf(errors.KindSemantic, s.Name(), "execute",
			"hybrid coefficients have %d interfaces for %d layers", a.Size(), nz).Emit(s.Logger())
		return nil
	}
	pTop := s.Properties().GetFloat("p_top")
	ps, havePs := mesh.Points.Get(s.Properties().GetString("surface_pressure_variable"))

	out := vararray.New(vararray.Float64, nx*ny)
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			col := j*nx + i
			sp := 0.0
			if havePs {
				sp = ps.Float64At(col)
			}
			sum := 0.0
			for k := 0; k < nz; k++ {
				p0 := a.Float64At(k)*pTop + b.Float64At(k)*sp
				p1 := a.Float64At(k+1)*pTop + b.Float64At(k+1)*sp
				sum += f.Float64At((k*ny+j)*nx+i) * (p1 - p0)
			}
			out.SetFloat64At(col, -sum/standardGravity)
		}
	}

	result := mesh.ShallowCopy()
	result.Extent[4], result.Extent[5] = 0, 0
	result.WholeExtent[4], result.WholeExtent[5] = 0, 0
	result.Bounds[4], result.Bounds[5] = 0, 0
	result.Z = vararray.NewFloat64(0)
	result.Points = dataset.NewCollection()
	result.Points.Set(s.Properties().GetString("output_variable"), out)
	return result
}

// findArray looks name up in the point then information collections.
func findArray(mesh *dataset.CartesianMesh, name string) (vararray.Array, bool) {
	if a, ok := mesh.Points.Get(name); ok {
		return a, ok
	}
	return mesh.Info.Get(name)
}
