// Package stages holds the concrete pipeline stages: the CF reader source,
// the numeric transforms, the map-reduce stages and the writers. Every
// stage satisfies the pipeline.Algorithm contract and signals failure by
// returning nil after emitting a structured error record.
package stages

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"meshflow/internal/cfio"
	"meshflow/internal/pipeline"
	"meshflow/pkg/comm"
	"meshflow/pkg/dataset"
	"meshflow/pkg/errors"
	"meshflow/pkg/metadata"
	"meshflow/pkg/vararray"
)

// Keys the reader publishes in its reported metadata.
const (
	KeyVariables     = "variables"
	KeyAttributes    = "attributes"
	KeyFiles         = "files"
	KeyRoot          = "root"
	KeyStepCount     = "step_count"
	KeyNumTimeSteps  = "number_of_time_steps"
	KeyTimeStep      = "time_step"
	KeyWholeExtent   = "whole_extent"
	KeyFillValue     = "_FillValue"
	KeyMissingValue  = "missing_value"
)

// CFReader is the source stage: it enumerates CF NetCDF inputs, assembles
// the time axis across files, publishes the pipeline metadata and serves
// mesh subsets on execute.
type CFReader struct {
	pipeline.Stage

	provider cfio.Provider
	comm     comm.Communicator

	mu sync.Mutex
	md *metadata.Metadata
}

// NewCFReader builds the reader over the given provider. A nil provider
// reads from disk; a nil communicator means single rank.
func NewCFReader(logger *logrus.Logger, provider cfio.Provider, c comm.Communicator) *CFReader {
	if provider == nil {
		provider = cfio.DiskProvider{}
	}
	if c == nil {
		c = comm.NewSelf()
	}
	props := pipeline.NewProperties(
		pipeline.PropSpec{Name: "files_regex", Type: pipeline.PropString, Default: "",
			Description: "directory/regex selecting the input files"},
		pipeline.PropSpec{Name: "file_names", Type: pipeline.PropStringList, Default: []string{},
			Description: "explicit ordered list of input files"},
		pipeline.PropSpec{Name: "x_axis_variable", Type: pipeline.PropString, Default: "lon",
			Description: "name of the x coordinate variable"},
		pipeline.PropSpec{Name: "y_axis_variable", Type: pipeline.PropString, Default: "lat",
			Description: "name of the y coordinate variable"},
		pipeline.PropSpec{Name: "z_axis_variable", Type: pipeline.PropString, Default: "",
			Description: "name of the z coordinate variable, empty for 2D data"},
		pipeline.PropSpec{Name: "t_axis_variable", Type: pipeline.PropString, Default: "time",
			Description: "name of the time variable, empty for a synthetic axis"},
		pipeline.PropSpec{Name: "calendar", Type: pipeline.PropString, Default: "",
			Description: "calendar override applied to the time axis"},
		pipeline.PropSpec{Name: "t_units", Type: pipeline.PropString, Default: "",
			Description: "time units override, offsets are converted per file"},
		pipeline.PropSpec{Name: "filename_time_template", Type: pipeline.PropString, Default: "",
			Description: "date template (%Y %m %d %H) inferring time from file names"},
		pipeline.PropSpec{Name: "t_values", Type: pipeline.PropFloatList, Default: []float64{},
			Description: "user supplied time values, one per file"},
		pipeline.PropSpec{Name: "metadata_cache_dir", Type: pipeline.PropString, Default: "",
			Description: "extra directory searched for the metadata cache"},
		pipeline.PropSpec{Name: "thread_pool_size", Type: pipeline.PropInt, Default: int64(-1),
			Description: "threads used for the time axis scan, -1 for hardware concurrency"},
		pipeline.PropSpec{Name: "periodic_in_x", Type: pipeline.PropBool, Default: false,
			Description: "treat the x axis as periodic"},
	)
	return &CFReader{
		Stage:    pipeline.NewStage("cf_reader", 0, 1, logger, props),
		provider: provider,
		comm:     c,
	}
}

// enumerate resolves the property bag to a root path and an ordered file
// list.
func (r *CFReader) enumerate() (string, []string, error) {
	names := r.Properties().GetStringList("file_names")
	if len(names) > 0 {
		root := filepath.Dir(names[0])
		files := make([]string, len(names))
		for i, n := range names {
			if filepath.Dir(n) != root {
				return "", nil, errors.Newf(errors.KindConfig, r.Name(), "enumerate",
					"file %q is outside the root %q", n, root).Emit(r.Logger())
			}
			files[i] = filepath.Base(n)
		}
		return root, files, nil
	}

	spec := r.Properties().GetString("files_regex")
	if spec == "" {
		return "", nil, errors.New(errors.KindConfig, r.Name(), "enumerate",
			"one of files_regex or file_names is required").Emit(r.Logger())
	}
	dir, pattern := filepath.Split(spec)
	if dir == "" {
		dir = "."
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", nil, errors.Newf(errors.KindConfig, r.Name(), "enumerate",
			"invalid regex %q", pattern).Wrap(err).Emit(r.Logger())
	}
	files, err := r.provider.List(filepath.Clean(dir), re)
	if err != nil {
		return "", nil, errors.Newf(errors.KindIO, r.Name(), "enumerate",
			"listing %q failed", dir).Wrap(err).Emit(r.Logger())
	}
	if len(files) == 0 {
		return "", nil, errors.Newf(errors.KindConfig, r.Name(), "enumerate",
			"no files in %q match %q", dir, pattern).Emit(r.Logger())
	}
	sort.Strings(files)
	return filepath.Clean(dir), files, nil
}

// ReportMetadata implements pipeline.Algorithm. Scanning happens on the
// highest-numbered rank; all other ranks receive the serialized metadata
// through a broadcast.
func (r *CFReader) ReportMetadata(port int, in []*metadata.Metadata) *metadata.Metadata {
	r.mu.Lock()
	defer r.mu.Unlock()

	root := r.comm.Size() - 1
	var payload []byte
	if r.comm.Rank() == root {
		md := r.scanWithCache()
		if md == nil {
			// An empty broadcast tells the other ranks the scan failed.
			r.comm.Broadcast(root, nil)
			return nil
		}
		r.md = md
		payload = md.Serialize()
	}
	payload, err := r.comm.Broadcast(root, payload)
	if err != nil {
		errors.New(errors.KindResource, r.Name(), "report_metadata",
			"metadata broadcast failed").Wrap(err).Emit(r.Logger())
		return nil
	}
	if len(payload) == 0 {
		return nil
	}
	if r.comm.Rank() != root {
		md, err := metadata.Deserialize(payload)
		if err != nil {
			errors.New(errors.KindResource, r.Name(), "report_metadata",
				"metadata deserialization failed").Wrap(err).Emit(r.Logger())
			return nil
		}
		r.md = md
	}
	return r.md
}

// scan opens the inputs and assembles the reported metadata.
func (r *CFReader) scan() *metadata.Metadata {
	root, files, err := r.enumerate()
	if err != nil {
		return nil
	}

	first, err := r.provider.Open(filepath.Join(root, files[0]))
	if err != nil {
		errors.Newf(errors.KindIO, r.Name(), "report_metadata",
			"opening %q failed", files[0]).Wrap(err).Emit(r.Logger())
		return nil
	}
	defer first.Close()

	md := metadata.New()
	md.SetString(KeyRoot, root)
	md.SetStringSlice(KeyFiles, files)

	// Variables and their attributes.
	var varNames []string
	atts := metadata.New()
	for _, v := range first.Variables() {
		varNames = append(varNames, v.Name)
		atts.SetMetadata(v.Name, v.Atts)
	}
	md.SetStringSlice(KeyVariables, varNames)
	md.SetMetadata(KeyAttributes, atts)
	md.SetMetadata("global_attributes", first.GlobalAttributes())

	// Spatial coordinates.
	coords, extent, bounds := r.readCoordinates(first)
	if coords == nil {
		return nil
	}

	// Time axis.
	taxis, stepCount, tUnits, tCal := r.buildTimeAxis(root, files, first)
	if taxis == nil {
		return nil
	}
	coords.Set(pipeline.KeyTimeAxis, taxis)
	coords.SetString(pipeline.KeyTimeUnits, tUnits)
	coords.SetString(pipeline.KeyTimeCalendar, tCal)
	md.SetMetadata(pipeline.KeyCoordinates, coords)

	md.SetUint64Slice(KeyWholeExtent, extent)
	md.SetFloat64Slice(pipeline.KeyBounds, bounds)

	steps := make([]int64, len(stepCount))
	total := int64(0)
	for i, n := range stepCount {
		steps[i] = int64(n)
		total += int64(n)
	}
	md.Set(KeyStepCount, vararray.NewInt64(steps...))
	md.SetInt64(KeyNumTimeSteps, total)
	md.SetString(pipeline.KeyIndexInitializer, KeyNumTimeSteps)
	md.SetString(pipeline.KeyIndexRequest, KeyTimeStep)

	r.Log().WithFields(logrus.Fields{
		"root":  root,
		"files": len(files),
		"steps": total,
	}).Info("Scanned input set")
	return md
}

// readCoordinates pulls the x/y/z coordinate arrays of the first file and
// derives the whole extent and bounds.
func (r *CFReader) readCoordinates(f cfio.DataFile) (*metadata.Metadata, []uint64, []float64) {
	coords := metadata.New()
	extent := make([]uint64, 6)
	bounds := make([]float64, 6)

	axes := []struct {
		key  string
		prop string
	}{
		{"x", "x_axis_variable"},
		{"y", "y_axis_variable"},
		{"z", "z_axis_variable"},
	}
	for i, ax := range axes {
		name := r.Properties().GetString(ax.prop)
		coords.SetString(ax.key+"_variable", name)
		if name == "" {
			coords.Set(ax.key, vararray.NewFloat64(0))
			extent[2*i], extent[2*i+1] = 0, 0
			continue
		}
		v, ok := f.Variable(name)
		if !ok {
			errors.Newf(errors.KindSemantic, r.Name(), "report_metadata",
				"coordinate variable %q not found in %q", name, f.Path()).Emit(r.Logger())
			return nil, nil, nil
		}
		if len(v.Dims) != 1 {
			errors.Newf(errors.KindSemantic, r.Name(), "report_metadata",
				"coordinate variable %q is not one dimensional", name).Emit(r.Logger())
			return nil, nil, nil
		}
		n := r.dimLen(f, v.Dims[0])
		a, err := f.ReadSlab(name, []int{0}, []int{n})
		if err != nil {
			errors.Newf(errors.KindIO, r.Name(), "report_metadata",
				"reading coordinate %q failed", name).Wrap(err).Emit(r.Logger())
			return nil, nil, nil
		}
		coords.Set(ax.key, a)
		coords.SetString(ax.key+"_dimension", v.Dims[0])
		extent[2*i], extent[2*i+1] = 0, uint64(n-1)
		bounds[2*i] = a.Float64At(0)
		bounds[2*i+1] = a.Float64At(n - 1)
	}
	return coords, extent, bounds
}

func (r *CFReader) dimLen(f cfio.DataFile, name string) int {
	for _, d := range f.Dimensions() {
		if d.Name == name {
			return d.Len
		}
	}
	return 0
}

// TranslateRequest implements pipeline.Algorithm; a source has no inputs.
func (r *CFReader) TranslateRequest(port int, in []*metadata.Metadata, req *metadata.Metadata) [][]*metadata.Metadata {
	return [][]*metadata.Metadata{}
}

// Execute implements pipeline.Algorithm: resolve the requested index to a
// file and local step, resolve bounds to an extent and read the arrays.
func (r *CFReader) Execute(port int, in []dataset.Dataset, req *metadata.Metadata) dataset.Dataset {
	r.mu.Lock()
	md := r.md
	r.mu.Unlock()
	if md == nil {
		errors.New(errors.KindSemantic, r.Name(), "execute",
			"execute before report_metadata").Emit(r.Logger())
		return nil
	}

	step, ok := req.GetInt64(KeyTimeStep)
	if !ok {
		step = 0
	}
	stepArr, _ := md.Get(KeyStepCount)
	fileIdx, local := resolveStep(stepArr, step)
	if fileIdx < 0 {
		errors.Newf(errors.KindSemantic, r.Name(), "execute",
			"time step %d out of range", step).Emit(r.Logger())
		return nil
	}

	rootPath, _ := md.GetString(KeyRoot)
	files, _ := md.GetStringSlice(KeyFiles)
	coords, _ := md.GetMetadata(pipeline.KeyCoordinates)
	wholeExtent, _ := md.GetUint64Slice(KeyWholeExtent)

	extent, err := resolveExtent(coords, wholeExtent, req)
	if err != nil {
		errors.New(errors.KindSemantic, r.Name(), "execute", err.Error()).Emit(r.Logger())
		return nil
	}

	f, err := r.provider.Open(filepath.Join(rootPath, files[fileIdx]))
	if err != nil {
		errors.Newf(errors.KindIO, r.Name(), "execute",
			"opening %q failed", files[fileIdx]).Wrap(err).Emit(r.Logger())
		return nil
	}
	defer f.Close()

	mesh := dataset.NewCartesianMesh()
	mesh.TimeStep = uint64(step)
	copy(mesh.WholeExtent[:], wholeExtent)
	copy(mesh.Extent[:], extent)

	// Slice the coordinate arrays to the extent.
	for i, key := range []string{"x", "y", "z"} {
		a, _ := coords.Get(key)
		sub := a.NewCopy(int(extent[2*i]), int(extent[2*i+1]))
		switch key {
		case "x":
			mesh.X = sub
		case "y":
			mesh.Y = sub
		case "z":
			mesh.Z = sub
		}
		mesh.Bounds[2*i] = sub.Float64At(0)
		mesh.Bounds[2*i+1] = sub.Float64At(sub.Size() - 1)
	}
	if taxis, ok := coords.Get(pipeline.KeyTimeAxis); ok && int(step) < taxis.Size() {
		mesh.Time = taxis.Float64At(int(step))
	}
	mesh.SetMetadata(mdForMesh(md))

	// Spatial dimension names, slowest to fastest as they appear in files.
	xdim, _ := coords.GetString("x_dimension")
	ydim, _ := coords.GetString("y_dimension")
	zdim, _ := coords.GetString("z_dimension")
	tdim := r.timeDimension(f)

	for _, name := range pipeline.RequestedArrays(req) {
		v, ok := f.Variable(name)
		if !ok {
			errors.Newf(errors.KindSemantic, r.Name(), "execute",
				"requested variable %q not present in %q", name, f.Path()).Emit(r.Logger())
			return nil
		}
		if isMeshVariable(v, xdim, ydim, zdim, tdim) {
			a, err := r.readMeshVariable(f, v, extent, local, xdim, ydim, zdim, tdim)
			if err != nil {
				errors.Newf(errors.KindIO, r.Name(), "execute",
					"reading %q failed", name).Wrap(err).Emit(r.Logger())
				return nil
			}
			mesh.Points.Set(name, a)
		} else {
			a, err := r.readInfoVariable(f, v, local, tdim)
			if err != nil {
				errors.Newf(errors.KindIO, r.Name(), "execute",
					"reading %q failed", name).Wrap(err).Emit(r.Logger())
				return nil
			}
			mesh.Info.Set(name, a)
		}
	}
	return mesh
}

// timeDimension returns the dimension name of the time variable, or "".
func (r *CFReader) timeDimension(f cfio.DataFile) string {
	tvar := r.Properties().GetString("t_axis_variable")
	if tvar == "" {
		return ""
	}
	if v, ok := f.Variable(tvar); ok && len(v.Dims) == 1 {
		return v.Dims[0]
	}
	return ""
}

// isMeshVariable reports whether v's dimensions are exactly the mesh's
// spatial dimensions, optionally led by time as the slowest.
func isMeshVariable(v cfio.VarInfo, xdim, ydim, zdim, tdim string) bool {
	dims := v.Dims
	if len(dims) > 0 && tdim != "" && dims[0] == tdim {
		dims = dims[1:]
	}
	var want []string
	if zdim != "" {
		want = append(want, zdim)
	}
	if ydim != "" {
		want = append(want, ydim)
	}
	if xdim != "" {
		want = append(want, xdim)
	}
	if len(dims) != len(want) || len(dims) == 0 {
		return false
	}
	for i := range dims {
		if dims[i] != want[i] {
			return false
		}
	}
	return true
}

// readMeshVariable reads the hyperslab of v covering extent at the local
// time step.
func (r *CFReader) readMeshVariable(f cfio.DataFile, v cfio.VarInfo, extent []uint64, local int64, xdim, ydim, zdim, tdim string) (vararray.Array, error) {
	var start, count []int
	for _, d := range v.Dims {
		switch d {
		case tdim:
			start = append(start, int(local))
			count = append(count, 1)
		case zdim:
			start = append(start, int(extent[4]))
			count = append(count, int(extent[5]-extent[4])+1)
		case ydim:
			start = append(start, int(extent[2]))
			count = append(count, int(extent[3]-extent[2])+1)
		case xdim:
			start = append(start, int(extent[0]))
			count = append(count, int(extent[1]-extent[0])+1)
		}
	}
	return f.ReadSlab(v.Name, start, count)
}

// readInfoVariable reads v whole, slicing time when present.
func (r *CFReader) readInfoVariable(f cfio.DataFile, v cfio.VarInfo, local int64, tdim string) (vararray.Array, error) {
	start := make([]int, len(v.Dims))
	count := make([]int, len(v.Dims))
	for i, d := range v.Dims {
		if d == tdim {
			start[i] = int(local)
			count[i] = 1
			continue
		}
		count[i] = r.dimLen(f, d)
	}
	return f.ReadSlab(v.Name, start, count)
}

// resolveStep maps a global step index to (file index, local step) through
// the step-count vector.
func resolveStep(stepCount vararray.Array, step int64) (int, int64) {
	if stepCount == nil || step < 0 {
		return -1, 0
	}
	acc := int64(0)
	for i := 0; i < stepCount.Size(); i++ {
		n := stepCount.Int64At(i)
		if step < acc+n {
			return i, step - acc
		}
		acc += n
	}
	return -1, 0
}

// mdForMesh copies the report keys a downstream stage may want onto the
// produced dataset.
func mdForMesh(md *metadata.Metadata) *metadata.Metadata {
	out := metadata.New()
	for _, key := range []string{KeyAttributes, pipeline.KeyCoordinates, "global_attributes"} {
		if nested, ok := md.GetMetadata(key); ok {
			out.SetMetadata(key, nested)
		}
	}
	pipeline.CopyIndexKeys(md, out)
	return out
}

// resolveExtent turns a request's bounds (or explicit extent) into an
// inclusive index extent by binary search on the coordinate arrays.
func resolveExtent(coords *metadata.Metadata, whole []uint64, req *metadata.Metadata) ([]uint64, error) {
	if ext, ok := req.GetUint64Slice(pipeline.KeyExtent); ok && len(ext) == 6 {
		return ext, nil
	}
	bounds, ok := req.GetFloat64Slice(pipeline.KeyBounds)
	if !ok || len(bounds) != 6 {
		return append([]uint64(nil), whole...), nil
	}
	out := make([]uint64, 6)
	for i, key := range []string{"x", "y", "z"} {
		a, _ := coords.Get(key)
		if a == nil || a.Size() < 2 {
			out[2*i], out[2*i+1] = whole[2*i], whole[2*i+1]
			continue
		}
		lo, hi, err := boundsToRange(a, bounds[2*i], bounds[2*i+1])
		if err != nil {
			return nil, err
		}
		out[2*i], out[2*i+1] = uint64(lo), uint64(hi)
	}
	return out, nil
}

// boundsToRange locates the inclusive index range covering [b0,b1] on a
// monotonic coordinate array.
func boundsToRange(a vararray.Array, b0, b1 float64) (int, int, error) {
	n := a.Size()
	ascending := a.Float64At(0) <= a.Float64At(n-1)
	lo, hi := b0, b1
	if lo > hi {
		lo, hi = hi, lo
	}
	min, max := a.Float64At(0), a.Float64At(n-1)
	if !ascending {
		min, max = max, min
	}
	if hi < min || lo > max {
		return 0, 0, &boundsError{lo: lo, hi: hi, min: min, max: max}
	}

	// Index of the first coordinate >= v (ascending view).
	lower := func(v float64) int {
		s, e := 0, n
		for s < e {
			m := (s + e) / 2
			x := a.Float64At(m)
			if !ascending {
				x = a.Float64At(n - 1 - m)
			}
			if x < v {
				s = m + 1
			} else {
				e = m
			}
		}
		return s
	}
	i0 := lower(lo)
	i1 := lower(hi)
	if i1 >= n || a.Float64At(ix(i1, n, ascending)) > hi {
		i1--
	}
	if i1 < i0 {
		i1 = i0
	}
	if !ascending {
		i0, i1 = n-1-i1, n-1-i0
	}
	return i0, i1, nil
}

func ix(i, n int, ascending bool) int {
	if ascending {
		return i
	}
	return n - 1 - i
}

type boundsError struct{ lo, hi, min, max float64 }

func (e *boundsError) Error() string {
	return fmt.Sprintf("requested bounds [%g, %g] are outside the domain [%g, %g]",
		e.lo, e.hi, e.min, e.max)
}
