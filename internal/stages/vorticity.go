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

// earthRadius in meters, shared by the stages that convert angular
// coordinates to distances.
const earthRadius = 6.371e6

const degToRad = math.Pi / 180.0

// Vorticity computes the vertical component of the relative vorticity,
// dv/dx - du/dy, over a lat-lon mesh by centered differences.
type Vorticity struct {
	pipeline.Stage
}

// NewVorticity builds the stage.
func NewVorticity(logger *logrus.Logger) *Vorticity {
	props := pipeline.NewProperties(
		pipeline.PropSpec{Name: "u_variable", Type: pipeline.PropString, Default: "ua",
			Description: "zonal wind component"},
		pipeline.PropSpec{Name: "v_variable", Type: pipeline.PropString, Default: "va",
			Description: "meridional wind component"},
		pipeline.PropSpec{Name: "output_variable", Type: pipeline.PropString, Default: "vorticity",
			Description: "name of the produced array"},
	)
	return &Vorticity{Stage: pipeline.NewStage("vorticity", 1, 1, logger, props)}
}

// ReportMetadata implements pipeline.Algorithm: the output variable is
// appended to the upstream's variable set.
func (v *Vorticity) ReportMetadata(port int, in []*metadata.Metadata) *metadata.Metadata {
	if len(in) == 0 || in[0].Empty() {
		errors.New(errors.KindSemantic, v.Name(), "report_metadata",
			"no upstream metadata").Emit(v.Logger())
		return nil
	}
	out := in[0].ShallowCopy()
	name := v.Properties().GetString("output_variable")
	vars, _ := out.GetStringSlice(KeyVariables)
	out.SetStringSlice(KeyVariables, append(vars, name))
	if atts, ok := out.GetMetadata(KeyAttributes); ok {
		va := metadata.New()
		va.SetString("units", "1/s")
		va.SetString("long_name", "vertical component of the relative vorticity")
		natts := atts.ShallowCopy()
		natts.SetMetadata(name, va)
		out.SetMetadata(KeyAttributes, natts)
	}
	return out
}

// TranslateRequest implements pipeline.Algorithm: the wind components are
// added upstream and the produced variable is stripped.
func (v *Vorticity) TranslateRequest(port int, in []*metadata.Metadata, req *metadata.Metadata) [][]*metadata.Metadata {
	up := req.ShallowCopy()
	pipeline.RemoveRequestedArray(up, v.Properties().GetString("output_variable"))
	pipeline.AddRequestedArrays(up,
		v.Properties().GetString("u_variable"),
		v.Properties().GetString("v_variable"))
	return [][]*metadata.Metadata{{up}}
}

// Execute implements pipeline.Algorithm.
func (v *Vorticity) Execute(port int, in []dataset.Dataset, req *metadata.Metadata) dataset.Dataset {
	mesh, ok := in[0].(*dataset.CartesianMesh)
	if !ok {
		errors.New(errors.KindSemantic, v.Name(), "execute",
			"input is not a cartesian mesh").Emit(v.Logger())
		return nil
	}
	uName := v.Properties().GetString("u_variable")
	vName := v.Properties().GetString("v_variable")
	ua, uok := mesh.Points.Get(uName)
	va, vok := mesh.Points.Get(vName)
	if !uok || !vok {
		errors.Newf(errors.KindSemantic, v.Name(), "execute",
			"wind components %q/%q not present", uName, vName).Emit(v.Logger())
		return nil
	}

	nx, ny, nz := mesh.Span(0), mesh.Span(1), mesh.Span(2)
	if nx < 3 || ny < 3 {
		errors.New(errors.KindSemantic, v.Name(), "execute",
			"mesh too small for centered differences").Emit(v.Logger())
		return nil
	}

	lon := vararray.Float64s(mesh.X)
	lat := vararray.Float64s(mesh.Y)
	out := vararray.New(vararray.Float64, nx*ny*nz)

	for k := 0; k < nz; k++ {
		for j := 1; j < ny-1; j++ {
			// Meters per degree at this latitude.
			mx := earthRadius * degToRad * math.Cos(lat[j]*degToRad)
			my := earthRadius * degToRad
			for i := 1; i < nx-1; i++ {
				p := (k*ny+j)*nx + i
				dx := (lon[i+1] - lon[i-1]) * mx
				dy := (lat[j+1] - lat[j-1]) * my
				dvdx := (va.Float64At(p+1) - va.Float64At(p-1)) / dx
				dudy := (ua.Float64At(p+nx) - ua.Float64At(p-nx)) / dy
				out.SetFloat64At(p, dvdx-dudy)
			}
		}
	}

	result := mesh.ShallowCopy()
	result.Points.Set(v.Properties().GetString("output_variable"), out)
	return result
}
