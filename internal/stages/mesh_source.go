package stages

import (
	"github.com/sirupsen/logrus"

	"meshflow/internal/pipeline"
	"meshflow/pkg/dataset"
	"meshflow/pkg/errors"
	"meshflow/pkg/metadata"
	"meshflow/pkg/vararray"
)

// FieldFunc generates one time step of a point field over the given
// coordinate arrays, row-major with x fastest.
type FieldFunc func(step int64, t float64, x, y, z []float64) []float64

// MeshSource is an in-memory source stage serving synthetic cartesian
// meshes. It honors the same index-key contract as the CF reader and backs
// demos and the end-to-end tests.
type MeshSource struct {
	pipeline.Stage

	XCoords, YCoords, ZCoords []float64
	TimeValues                []float64
	TimeUnits                 string
	Calendar                  string

	fields map[string]FieldFunc
	order  []string
}

// NewMeshSource builds an empty synthetic source; add fields before use.
func NewMeshSource(logger *logrus.Logger) *MeshSource {
	return &MeshSource{
		Stage:  pipeline.NewStage("mesh_source", 0, 1, logger, nil),
		fields: make(map[string]FieldFunc),
	}
}

// SetField installs a generator for the named variable.
func (s *MeshSource) SetField(name string, f FieldFunc) {
	if _, ok := s.fields[name]; !ok {
		s.order = append(s.order, name)
	}
	s.fields[name] = f
}

func orOne(v []float64) []float64 {
	if len(v) == 0 {
		return []float64{0}
	}
	return v
}

// ReportMetadata implements pipeline.Algorithm.
func (s *MeshSource) ReportMetadata(port int, in []*metadata.Metadata) *metadata.Metadata {
	x, y, z := orOne(s.XCoords), orOne(s.YCoords), orOne(s.ZCoords)
	md := metadata.New()
	md.SetStringSlice(KeyVariables, s.order)

	coords := metadata.New()
	coords.SetString("x_variable", "lon")
	coords.SetString("y_variable", "lat")
	coords.SetString("z_variable", "plev")
	coords.Set("x", vararray.NewFloat64(x...))
	coords.Set("y", vararray.NewFloat64(y...))
	coords.Set("z", vararray.NewFloat64(z...))
	coords.Set(pipeline.KeyTimeAxis, vararray.NewFloat64(s.TimeValues...))
	coords.SetString(pipeline.KeyTimeUnits, s.TimeUnits)
	coords.SetString(pipeline.KeyTimeCalendar, s.Calendar)
	md.SetMetadata(pipeline.KeyCoordinates, coords)

	md.SetUint64Slice(KeyWholeExtent, []uint64{
		0, uint64(len(x) - 1), 0, uint64(len(y) - 1), 0, uint64(len(z) - 1)})
	md.SetFloat64Slice(pipeline.KeyBounds, []float64{
		x[0], x[len(x)-1], y[0], y[len(y)-1], z[0], z[len(z)-1]})

	md.SetInt64(KeyNumTimeSteps, int64(len(s.TimeValues)))
	md.SetString(pipeline.KeyIndexInitializer, KeyNumTimeSteps)
	md.SetString(pipeline.KeyIndexRequest, KeyTimeStep)
	return md
}

// TranslateRequest implements pipeline.Algorithm; a source has no inputs.
func (s *MeshSource) TranslateRequest(port int, in []*metadata.Metadata, req *metadata.Metadata) [][]*metadata.Metadata {
	return [][]*metadata.Metadata{}
}

// Execute implements pipeline.Algorithm.
func (s *MeshSource) Execute(port int, in []dataset.Dataset, req *metadata.Metadata) dataset.Dataset {
	step, ok := req.GetInt64(KeyTimeStep)
	if !ok {
		step = 0
	}
	if step < 0 || step >= int64(len(s.TimeValues)) {
		errors.Newf(errors.KindSemantic, s.Name(), "execute",
			"time step %d out of range", step).Emit(s.Logger())
		return nil
	}

	x, y, z := orOne(s.XCoords), orOne(s.YCoords), orOne(s.ZCoords)
	md := s.ReportMetadata(0, nil)
	coords, _ := md.GetMetadata(pipeline.KeyCoordinates)
	whole, _ := md.GetUint64Slice(KeyWholeExtent)
	extent, err := resolveExtent(coords, whole, req)
	if err != nil {
		errors.New(errors.KindSemantic, s.Name(), "execute", err.Error()).Emit(s.Logger())
		return nil
	}

	t := s.TimeValues[step]
	mesh := dataset.NewCartesianMesh()
	mesh.Time = t
	mesh.TimeStep = uint64(step)
	copy(mesh.WholeExtent[:], whole)
	copy(mesh.Extent[:], extent)
	mesh.X = vararray.NewFloat64(x[extent[0] : extent[1]+1]...)
	mesh.Y = vararray.NewFloat64(y[extent[2] : extent[3]+1]...)
	mesh.Z = vararray.NewFloat64(z[extent[4] : extent[5]+1]...)
	mesh.Bounds = [6]float64{
		x[extent[0]], x[extent[1]], y[extent[2]], y[extent[3]], z[extent[4]], z[extent[5]]}
	pipeline.CopyIndexKeys(md, mesh.Metadata())

	requested := pipeline.RequestedArrays(req)
	if len(requested) == 0 {
		requested = s.order
	}
	for _, name := range requested {
		gen, ok := s.fields[name]
		if !ok {
			errors.Newf(errors.KindSemantic, s.Name(), "execute",
				"requested variable %q is not defined", name).Emit(s.Logger())
			return nil
		}
		full := gen(step, t, x, y, z)
		sub := subsetField(full, whole, extent)
		mesh.Points.Set(name, vararray.NewFloat64(sub...))
	}
	return mesh
}

// subsetField extracts the extent's points from a whole-extent row-major
// field (x fastest, then y, then z).
func subsetField(full []float64, whole, extent []uint64) []float64 {
	nx := int(whole[1]-whole[0]) + 1
	ny := int(whole[3]-whole[2]) + 1
	out := make([]float64, 0,
		(extent[1]-extent[0]+1)*(extent[3]-extent[2]+1)*(extent[5]-extent[4]+1))
	for k := int(extent[4]); k <= int(extent[5]); k++ {
		for j := int(extent[2]); j <= int(extent[3]); j++ {
			for i := int(extent[0]); i <= int(extent[1]); i++ {
				out = append(out, full[(k*ny+j)*nx+i])
			}
		}
	}
	return out
}
