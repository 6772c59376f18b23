package stages

import (
	"math"

	"github.com/sirupsen/logrus"

	"meshflow/internal/pipeline"
	"meshflow/pkg/calendar"
	"meshflow/pkg/dataset"
	"meshflow/pkg/errors"
	"meshflow/pkg/metadata"
	"meshflow/pkg/vararray"
)

// Keys the reduction publishes.
const (
	KeyNumIntervals = "number_of_intervals"
	KeyIntervalID   = "interval_id"

	accFlagKey  = "temporal_accumulator"
	accCountSfx = "_valid_count"
)

// TemporalReduction is the interval map-reduce stage: one downstream index
// covers many upstream time steps, combined through an associative,
// commutative operator (min, max, mean, sum).
type TemporalReduction struct {
	pipeline.Stage
}

// NewTemporalReduction builds the stage.
func NewTemporalReduction(logger *logrus.Logger) *TemporalReduction {
	props := pipeline.NewProperties(
		pipeline.PropSpec{Name: "interval", Type: pipeline.PropString, Default: "monthly",
			Description: "reduction interval: daily, monthly, seasonal, yearly or n_steps"},
		pipeline.PropSpec{Name: "operator", Type: pipeline.PropString, Default: "mean",
			Description: "reduction operator: min, max, mean or sum"},
		pipeline.PropSpec{Name: "point_arrays", Type: pipeline.PropStringList, Default: []string{},
			Description: "point arrays to reduce"},
		pipeline.PropSpec{Name: "steps_per_request", Type: pipeline.PropInt, Default: int64(30),
			Description: "steps per interval when interval is n_steps"},
		pipeline.PropSpec{Name: "fill_value", Type: pipeline.PropFloat, Default: math.NaN(),
			Description: "value marking missing samples"},
		pipeline.PropSpec{Name: "use_fill_value", Type: pipeline.PropBool, Default: false,
			Description: "skip fill values instead of propagating them"},
		pipeline.PropSpec{Name: "tolerate_missing", Type: pipeline.PropBool, Default: false,
			Description: "continue the reduction when an upstream step fails"},
	)
	return &TemporalReduction{Stage: pipeline.NewStage("temporal_reduction", 1, 1, logger, props)}
}

// intervalGroups partitions the upstream step indices into intervals.
func (s *TemporalReduction) intervalGroups(in *metadata.Metadata) ([][]int64, error) {
	n, ok := in.GetInt64(KeyNumTimeSteps)
	if !ok {
		if key, ok2 := in.GetString(pipeline.KeyIndexInitializer); ok2 {
			n, ok = in.GetInt64(key)
		}
	}
	if !ok {
		return nil, errors.New(errors.KindSemantic, s.Name(), "report_metadata",
			"upstream metadata has no step count")
	}

	interval := s.Properties().GetString("interval")
	if interval == "n_steps" {
		per := s.Properties().GetInt("steps_per_request")
		if per < 1 {
			per = 1
		}
		var groups [][]int64
		for i := int64(0); i < n; i += per {
			end := i + per
			if end > n {
				end = n
			}
			g := make([]int64, 0, end-i)
			for j := i; j < end; j++ {
				g = append(g, j)
			}
			groups = append(groups, g)
		}
		return groups, nil
	}

	coords, ok := in.GetMetadata(pipeline.KeyCoordinates)
	if !ok {
		return nil, errors.New(errors.KindSemantic, s.Name(), "report_metadata",
			"upstream metadata has no coordinates")
	}
	taxis, _ := coords.Get(pipeline.KeyTimeAxis)
	unitsStr, _ := coords.GetString(pipeline.KeyTimeUnits)
	calStr, _ := coords.GetString(pipeline.KeyTimeCalendar)
	units, err := calendar.ParseUnits(unitsStr)
	if err != nil {
		return nil, errors.New(errors.KindSemantic, s.Name(), "report_metadata",
			"time axis has unusable units").Wrap(err)
	}
	cal, err := calendar.Parse(calStr)
	if err != nil {
		return nil, errors.New(errors.KindSemantic, s.Name(), "report_metadata",
			"time axis has an unusable calendar").Wrap(err)
	}

	key := func(d calendar.DateTime) [2]int {
		switch interval {
		case "daily":
			return [2]int{d.Year*12 + (d.Month - 1), d.Day}
		case "monthly":
			return [2]int{d.Year, d.Month}
		case "seasonal":
			// DJF, MAM, JJA, SON; december belongs to the next year's DJF.
			season := (d.Month % 12) / 3
			y := d.Year
			if d.Month == 12 {
				y++
			}
			return [2]int{y, season}
		case "yearly":
			return [2]int{d.Year, 0}
		}
		return [2]int{0, 0}
	}

	var groups [][]int64
	var last [2]int
	for i := int64(0); i < n && int(i) < taxis.Size(); i++ {
		d, err := calendar.Date(taxis.Float64At(int(i)), units, cal)
		if err != nil {
			return nil, errors.Newf(errors.KindSemantic, s.Name(), "report_metadata",
				"time value at step %d does not resolve to a date", i).Wrap(err)
		}
		k := key(d)
		if len(groups) == 0 || k != last {
			groups = append(groups, []int64{i})
			last = k
			continue
		}
		groups[len(groups)-1] = append(groups[len(groups)-1], i)
	}
	return groups, nil
}

// ReportMetadata implements pipeline.Algorithm: the index keys are
// rewritten to the reduced interval count and the time axis shrinks to one
// value per interval.
func (s *TemporalReduction) ReportMetadata(port int, in []*metadata.Metadata) *metadata.Metadata {
	if len(in) == 0 || in[0].Empty() {
		errors.New(errors.KindSemantic, s.Name(), "report_metadata",
			"no upstream metadata").Emit(s.Logger())
		return nil
	}
	groups, err := s.intervalGroups(in[0])
	if err != nil {
		if r, ok := errors.AsRecord(err); ok {
			r.Emit(s.Logger())
		}
		return nil
	}
	out := in[0].ShallowCopy()
	out.SetInt64(KeyNumIntervals, int64(len(groups)))
	out.SetString(pipeline.KeyIndexInitializer, KeyNumIntervals)
	out.SetString(pipeline.KeyIndexRequest, KeyIntervalID)

	if coords, ok := out.GetMetadata(pipeline.KeyCoordinates); ok {
		if taxis, ok := coords.Get(pipeline.KeyTimeAxis); ok {
			nt := vararray.New(vararray.Float64, len(groups))
			for i, g := range groups {
				nt.SetFloat64At(i, taxis.Float64At(int(g[0])))
			}
			nc := coords.ShallowCopy()
			nc.Set(pipeline.KeyTimeAxis, nt)
			out.SetMetadata(pipeline.KeyCoordinates, nc)
		}
	}
	return out
}

// TranslateRequest implements pipeline.Algorithm: one upstream request per
// step in the requested interval, tagged with a stable sequence number.
func (s *TemporalReduction) TranslateRequest(port int, in []*metadata.Metadata, req *metadata.Metadata) [][]*metadata.Metadata {
	groups, err := s.intervalGroups(in[0])
	if err != nil {
		if r, ok := errors.AsRecord(err); ok {
			r.Emit(s.Logger())
		}
		return nil
	}
	id, ok := req.GetInt64(KeyIntervalID)
	if !ok {
		id = 0
	}
	if id < 0 || id >= int64(len(groups)) {
		errors.Newf(errors.KindSemantic, s.Name(), "translate_request",
			"interval %d out of range, have %d", id, len(groups)).Emit(s.Logger())
		return nil
	}
	arrays := s.Properties().GetStringList("point_arrays")
	if len(arrays) == 0 {
		arrays = pipeline.RequestedArrays(req)
	}

	ups := make([]*metadata.Metadata, 0, len(groups[id]))
	for j, step := range groups[id] {
		up := req.ShallowCopy()
		up.Delete(KeyIntervalID)
		up.SetInt64(KeyTimeStep, step)
		up.SetInt64(pipeline.KeySequenceNumber, int64(j))
		if len(arrays) > 0 {
			up.SetStringSlice(pipeline.KeyArrays, arrays)
		}
		ups = append(ups, up)
	}
	return [][]*metadata.Metadata{ups}
}

func (s *TemporalReduction) reducedNames(m *dataset.CartesianMesh) []string {
	names := s.Properties().GetStringList("point_arrays")
	if len(names) == 0 {
		names = m.Points.Names()
	}
	return names
}

func (s *TemporalReduction) isFill(v float64) bool {
	if math.IsNaN(v) {
		return true
	}
	if !s.Properties().GetBool("use_fill_value") {
		return false
	}
	return v == s.Properties().GetFloat("fill_value")
}

// toAccumulator lifts a raw step mesh into accumulator form: cloned value
// arrays plus per-point valid counts. Accumulators already in that form
// pass through untouched.
func (s *TemporalReduction) toAccumulator(m *dataset.CartesianMesh) *dataset.CartesianMesh {
	if _, ok := m.Info.Get(accFlagKey); ok {
		return m
	}
	op := s.Properties().GetString("operator")
	acc := m.ShallowCopy()
	acc.Points = dataset.NewCollection()
	for _, name := range s.reducedNames(m) {
		a, ok := m.Points.Get(name)
		if !ok {
			continue
		}
		n := a.Size()
		vals := vararray.New(vararray.Float64, n)
		counts := vararray.New(vararray.Int64, n)
		for i := 0; i < n; i++ {
			v := a.Float64At(i)
			if s.isFill(v) {
				if op == "sum" || op == "mean" {
					vals.SetFloat64At(i, 0)
				} else {
					vals.SetFloat64At(i, math.NaN())
				}
				continue
			}
			vals.SetFloat64At(i, v)
			counts.SetInt64At(i, 1)
		}
		acc.Points.Set(name, vals)
		acc.Info.Set(name+accCountSfx, counts)
	}
	acc.Info.Set(accFlagKey, vararray.NewInt64(1))
	return acc
}

// Reduce implements pipeline.Reducer. The operator is associative and
// commutative, so partials may combine in any order.
func (s *TemporalReduction) Reduce(left, right dataset.Dataset) dataset.Dataset {
	lm, lok := left.(*dataset.CartesianMesh)
	rm, rok := right.(*dataset.CartesianMesh)
	if !lok || !rok {
		errors.New(errors.KindSemantic, s.Name(), "reduce",
			"reduction inputs are not cartesian meshes").Emit(s.Logger())
		return nil
	}
	la := s.toAccumulator(lm)
	ra := s.toAccumulator(rm)
	op := s.Properties().GetString("operator")

	out := la.ShallowCopy()
	out.Points = dataset.NewCollection()
	if ra.Time < out.Time {
		out.Time = ra.Time
		out.TimeStep = ra.TimeStep
	}
	for _, name := range la.Points.Names() {
		a, _ := la.Points.Get(name)
		b, ok := ra.Points.Get(name)
		if !ok {
			errors.Newf(errors.KindSemantic, s.Name(), "reduce",
				"array %q missing from one side of the reduction", name).Emit(s.Logger())
			return nil
		}
		if a.Size() != b.Size() {
			errors.Newf(errors.KindSemantic, s.Name(), "reduce",
				"array %q has mismatched sizes %d and %d", name, a.Size(), b.Size()).Emit(s.Logger())
			return nil
		}
		ca, _ := la.Info.Get(name + accCountSfx)
		cb, _ := ra.Info.Get(name + accCountSfx)
		n := a.Size()
		vals := vararray.New(vararray.Float64, n)
		counts := vararray.New(vararray.Int64, n)
		for i := 0; i < n; i++ {
			na, nb := ca.Int64At(i), cb.Int64At(i)
			counts.SetInt64At(i, na+nb)
			va, vb := a.Float64At(i), b.Float64At(i)
			switch {
			case na == 0:
				vals.SetFloat64At(i, vb)
			case nb == 0:
				vals.SetFloat64At(i, va)
			default:
				switch op {
				case "min":
					vals.SetFloat64At(i, math.Min(va, vb))
				case "max":
					vals.SetFloat64At(i, math.Max(va, vb))
				default: // mean, sum
					vals.SetFloat64At(i, va+vb)
				}
			}
		}
		out.Points.Set(name, vals)
		out.Info.Set(name+accCountSfx, counts)
	}
	return out
}

// Finalize implements pipeline.Reducer: the mean divides by the per-point
// valid count and the accumulator bookkeeping is stripped.
func (s *TemporalReduction) Finalize(d dataset.Dataset, req *metadata.Metadata) dataset.Dataset {
	m, ok := d.(*dataset.CartesianMesh)
	if !ok {
		return nil
	}
	acc := s.toAccumulator(m)
	op := s.Properties().GetString("operator")
	fill := s.Properties().GetFloat("fill_value")

	out := acc.ShallowCopy()
	out.Points = dataset.NewCollection()
	out.Info = dataset.NewCollection()
	for _, name := range acc.Points.Names() {
		a, _ := acc.Points.Get(name)
		c, _ := acc.Info.Get(name + accCountSfx)
		n := a.Size()
		vals := vararray.New(vararray.Float64, n)
		for i := 0; i < n; i++ {
			cnt := c.Int64At(i)
			if cnt == 0 {
				vals.SetFloat64At(i, fill)
				continue
			}
			v := a.Float64At(i)
			if op == "mean" {
				v /= float64(cnt)
			}
			vals.SetFloat64At(i, v)
		}
		out.Points.Set(name, vals)
	}
	if id, ok := req.GetInt64(KeyIntervalID); ok {
		out.TimeStep = uint64(id)
	}
	return out
}

// OrderedReduction implements pipeline.Reducer.
func (s *TemporalReduction) OrderedReduction() bool { return false }

// ToleratesMissing implements pipeline.Reducer.
func (s *TemporalReduction) ToleratesMissing() bool {
	return s.Properties().GetBool("tolerate_missing")
}

// Execute implements pipeline.Algorithm: the fan-in arrives already folded
// and finalized; pass it through.
func (s *TemporalReduction) Execute(port int, in []dataset.Dataset, req *metadata.Metadata) dataset.Dataset {
	if len(in) == 0 || in[0] == nil {
		errors.New(errors.KindSemantic, s.Name(), "execute",
			"no reduced input").Emit(s.Logger())
		return nil
	}
	return in[0]
}
