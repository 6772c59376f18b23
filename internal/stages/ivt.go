package stages

import (
	"math"

	"github.com/sirupsen/logrus"

	"meshflow/internal/pipeline"
	"meshflow/pkg/dataset"
	"meshflow/pkg/errors"
	"meshflow/pkg/metadata"
	"meshflow/pkg/vararray"
)

// IVT computes the integrated vapor transport vector components
//
//	ivt_u = -(1/g) * integral q*u dp
//	ivt_v = -(1/g) * integral q*v dp
//
// over the hybrid-sigma vertical coordinate, collapsing the k axis.
type IVT struct {
	pipeline.Stage
}

// NewIVT builds the stage.
func NewIVT(logger *logrus.Logger) *IVT {
	props := pipeline.NewProperties(
		pipeline.PropSpec{Name: "specific_humidity_variable", Type: pipeline.PropString, Default: "hus",
			Description: "specific humidity point field"},
		pipeline.PropSpec{Name: "u_variable", Type: pipeline.PropString, Default: "ua",
			Description: "zonal wind component"},
		pipeline.PropSpec{Name: "v_variable", Type: pipeline.PropString, Default: "va",
			Description: "meridional wind component"},
		pipeline.PropSpec{Name: "hybrid_a_variable", Type: pipeline.PropString, Default: "a",
			Description: "hybrid interface coefficient a"},
		pipeline.PropSpec{Name: "hybrid_b_variable", Type: pipeline.PropString, Default: "b",
			Description: "hybrid interface coefficient b"},
		pipeline.PropSpec{Name: "surface_pressure_variable", Type: pipeline.PropString, Default: "ps",
			Description: "surface pressure point field"},
		pipeline.PropSpec{Name: "p_top", Type: pipeline.PropFloat, Default: 0.0,
			Description: "model top pressure"},
	)
	return &IVT{Stage: pipeline.NewStage("ivt", 1, 1, logger, props)}
}

// ReportMetadata implements pipeline.Algorithm.
func (s *IVT) ReportMetadata(port int, in []*metadata.Metadata) *metadata.Metadata {
	if len(in) == 0 || in[0].Empty() {
		errors.New(errors.KindSemantic, s.Name(), "report_metadata",
			"no upstream metadata").Emit(s.Logger())
		return nil
	}
	out := in[0].ShallowCopy()
	vars, _ := out.GetStringSlice(KeyVariables)
	out.SetStringSlice(KeyVariables, append(vars, "ivt_u", "ivt_v"))
	if ext, ok := out.GetUint64Slice(KeyWholeExtent); ok && len(ext) == 6 {
		ext[4], ext[5] = 0, 0
		out.SetUint64Slice(KeyWholeExtent, ext)
	}
	if atts, ok := out.GetMetadata(KeyAttributes); ok {
		natts := atts.ShallowCopy()
		for _, n := range []string{"ivt_u", "ivt_v"} {
			va := metadata.New()
			va.SetString("units", "kg m-1 s-1")
			natts.SetMetadata(n, va)
		}
		out.SetMetadata(KeyAttributes, natts)
	}
	return out
}

// TranslateRequest implements pipeline.Algorithm.
func (s *IVT) TranslateRequest(port int, in []*metadata.Metadata, req *metadata.Metadata) [][]*metadata.Metadata {
	up := req.ShallowCopy()
	pipeline.RemoveRequestedArray(up, "ivt_u")
	pipeline.RemoveRequestedArray(up, "ivt_v")
	pipeline.AddRequestedArrays(up,
		s.Properties().GetString("specific_humidity_variable"),
		s.Properties().GetString("u_variable"),
		s.Properties().GetString("v_variable"),
		s.Properties().GetString("hybrid_a_variable"),
		s.Properties().GetString("hybrid_b_variable"),
		s.Properties().GetString("surface_pressure_variable"))
	return [][]*metadata.Metadata{{up}}
}

// Execute implements pipeline.Algorithm.
func (s *IVT) Execute(port int, in []dataset.Dataset, req *metadata.Metadata) dataset.Dataset {
	mesh, ok := in[0].(*dataset.CartesianMesh)
	if !ok {
		errors.New(errors.KindSemantic, s.Name(), "execute",
			"input is not a cartesian mesh").Emit(s.Logger())
		return nil
	}
	q, qok := mesh.Points.Get(s.Properties().GetString("specific_humidity_variable"))
	u, uok := mesh.Points.Get(s.Properties().GetString("u_variable"))
	v, vok := mesh.Points.Get(s.Properties().GetString("v_variable"))
	if !qok || !uok || !vok {
		errors.New(errors.KindSemantic, s.Name(), "execute",
			"humidity or wind fields not present").Emit(s.Logger())
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

	ivtU := vararray.New(vararray.Float64, nx*ny)
	ivtV := vararray.New(vararray.Float64, nx*ny)
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			col := j*nx + i
			sp := 0.0
			if havePs {
				sp = ps.Float64At(col)
			}
			var su, sv float64
			for k := 0; k < nz; k++ {
				p0 := a.Float64At(k)*pTop + b.Float64At(k)*sp
				p1 := a.Float64At(k+1)*pTop + b.Float64At(k+1)*sp
				dp := p1 - p0
				p := (k*ny+j)*nx + i
				su += q.Float64At(p) * u.Float64At(p) * dp
				sv += q.Float64At(p) * v.Float64At(p) * dp
			}
			ivtU.SetFloat64At(col, -su/standardGravity)
			ivtV.SetFloat64At(col, -sv/standardGravity)
		}
	}

	result := mesh.ShallowCopy()
	result.Extent[4], result.Extent[5] = 0, 0
	result.WholeExtent[4], result.WholeExtent[5] = 0, 0
	result.Bounds[4], result.Bounds[5] = 0, 0
	result.Z = vararray.NewFloat64(0)
	result.Points = dataset.NewCollection()
	result.Points.Set("ivt_u", ivtU)
	result.Points.Set("ivt_v", ivtV)
	return result
}

// IVTMagnitude computes sqrt(ivt_u^2 + ivt_v^2) from the IVT vector
// components.
type IVTMagnitude struct {
	pipeline.Stage
}

// NewIVTMagnitude builds the stage.
func NewIVTMagnitude(logger *logrus.Logger) *IVTMagnitude {
	props := pipeline.NewProperties(
		pipeline.PropSpec{Name: "ivt_u_variable", Type: pipeline.PropString, Default: "ivt_u",
			Description: "zonal IVT component"},
		pipeline.PropSpec{Name: "ivt_v_variable", Type: pipeline.PropString, Default: "ivt_v",
			Description: "meridional IVT component"},
		pipeline.PropSpec{Name: "output_variable", Type: pipeline.PropString, Default: "ivt",
			Description: "name of the produced magnitude array"},
	)
	return &IVTMagnitude{Stage: pipeline.NewStage("ivt_magnitude", 1, 1, logger, props)}
}

// ReportMetadata implements pipeline.Algorithm.
func (s *IVTMagnitude) ReportMetadata(port int, in []*metadata.Metadata) *metadata.Metadata {
	if len(in) == 0 || in[0].Empty() {
		errors.New(errors.KindSemantic, s.Name(), "report_metadata",
			"no upstream metadata").Emit(s.Logger())
		return nil
	}
	out := in[0].ShallowCopy()
	vars, _ := out.GetStringSlice(KeyVariables)
	out.SetStringSlice(KeyVariables, append(vars, s.Properties().GetString("output_variable")))
	return out
}

// TranslateRequest implements pipeline.Algorithm.
func (s *IVTMagnitude) TranslateRequest(port int, in []*metadata.Metadata, req *metadata.Metadata) [][]*metadata.Metadata {
	up := req.ShallowCopy()
	pipeline.RemoveRequestedArray(up, s.Properties().GetString("output_variable"))
	pipeline.AddRequestedArrays(up,
		s.Properties().GetString("ivt_u_variable"),
		s.Properties().GetString("ivt_v_variable"))
	return [][]*metadata.Metadata{{up}}
}

// Execute implements pipeline.Algorithm.
func (s *IVTMagnitude) Execute(port int, in []dataset.Dataset, req *metadata.Metadata) dataset.Dataset {
	mesh, ok := in[0].(*dataset.CartesianMesh)
	if !ok {
		errors.New(errors.KindSemantic, s.Name(), "execute",
			"input is not a cartesian mesh").Emit(s.Logger())
		return nil
	}
	u, uok := mesh.Points.Get(s.Properties().GetString("ivt_u_variable"))
	v, vok := mesh.Points.Get(s.Properties().GetString("ivt_v_variable"))
	if !uok || !vok {
		errors.New(errors.KindSemantic, s.Name(), "execute",
			"IVT components not present").Emit(s.Logger())
		return nil
	}
	n := u.Size()
	out := vararray.New(vararray.Float64, n)
	for i := 0; i < n; i++ {
		out.SetFloat64At(i, math.Hypot(u.Float64At(i), v.Float64At(i)))
	}
	result := mesh.ShallowCopy()
	result.Points.Set(s.Properties().GetString("output_variable"), out)
	return result
}
