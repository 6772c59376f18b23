package stages

import (
	"github.com/sirupsen/logrus"

	"meshflow/internal/pipeline"
	"meshflow/pkg/dataset"
	"meshflow/pkg/errors"
	"meshflow/pkg/metadata"
	"meshflow/pkg/vararray"
)

// ARDetect detects atmospheric-river candidates in an IVT magnitude field.
//
// It is an ensemble map-reduce stage: each downstream time step fans out
// into num_ensemble identical upstream requests; every member thresholds
// the field with its own perturbed cutoff and filters candidates by
// connected-component size, and the reduction averages the member masks
// into a detection probability.
type ARDetect struct {
	pipeline.Stage
}

// NewARDetect builds the stage.
func NewARDetect(logger *logrus.Logger) *ARDetect {
	props := pipeline.NewProperties(
		pipeline.PropSpec{Name: "ivt_variable", Type: pipeline.PropString, Default: "ivt",
			Description: "IVT magnitude point field"},
		pipeline.PropSpec{Name: "threshold", Type: pipeline.PropFloat, Default: 250.0,
			Description: "base IVT cutoff"},
		pipeline.PropSpec{Name: "threshold_spread", Type: pipeline.PropFloat, Default: 0.2,
			Description: "relative cutoff spread across the ensemble"},
		pipeline.PropSpec{Name: "min_points", Type: pipeline.PropInt, Default: int64(8),
			Description: "minimum connected-component size kept"},
		pipeline.PropSpec{Name: "num_ensemble", Type: pipeline.PropInt, Default: int64(5),
			Description: "ensemble member count"},
		pipeline.PropSpec{Name: "output_variable", Type: pipeline.PropString, Default: "ar_probability",
			Description: "name of the produced probability array"},
	)
	return &ARDetect{Stage: pipeline.NewStage("ar_detect", 1, 1, logger, props)}
}

// ReportMetadata implements pipeline.Algorithm: one output index per input
// index, so the index keys pass through unchanged.
func (s *ARDetect) ReportMetadata(port int, in []*metadata.Metadata) *metadata.Metadata {
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

// TranslateRequest implements pipeline.Algorithm: the same upstream step is
// requested once per ensemble member, tagged with its sequence number.
func (s *ARDetect) TranslateRequest(port int, in []*metadata.Metadata, req *metadata.Metadata) [][]*metadata.Metadata {
	n := int(s.Properties().GetInt("num_ensemble"))
	if n < 1 {
		n = 1
	}
	ups := make([]*metadata.Metadata, n)
	for e := 0; e < n; e++ {
		up := req.ShallowCopy()
		pipeline.RemoveRequestedArray(up, s.Properties().GetString("output_variable"))
		pipeline.AddRequestedArrays(up, s.Properties().GetString("ivt_variable"))
		up.SetInt64(pipeline.KeySequenceNumber, int64(e))
		ups[e] = up
	}
	return [][]*metadata.Metadata{ups}
}

// memberThreshold perturbs the base cutoff for ensemble member e of n.
func (s *ARDetect) memberThreshold(e, n int) float64 {
	base := s.Properties().GetFloat("threshold")
	spread := s.Properties().GetFloat("threshold_spread")
	if n < 2 {
		return base
	}
	// Members span [base*(1-spread), base*(1+spread)] evenly.
	frac := 2*float64(e)/float64(n-1) - 1
	return base * (1 + spread*frac)
}

// MapDatum implements pipeline.Mapper: member e thresholds the IVT field
// and keeps components of at least min_points cells.
func (s *ARDetect) MapDatum(seq int, d dataset.Dataset) dataset.Dataset {
	mesh, ok := d.(*dataset.CartesianMesh)
	if !ok {
		errors.New(errors.KindSemantic, s.Name(), "map",
			"ensemble input is not a cartesian mesh").Emit(s.Logger())
		return nil
	}
	ivt, ok := mesh.Points.Get(s.Properties().GetString("ivt_variable"))
	if !ok {
		errors.Newf(errors.KindSemantic, s.Name(), "map",
			"IVT field %q not present", s.Properties().GetString("ivt_variable")).Emit(s.Logger())
		return nil
	}
	nx, ny := mesh.Span(0), mesh.Span(1)
	cutoff := s.memberThreshold(seq, int(s.Properties().GetInt("num_ensemble")))

	mask := thresholdMask(ivt, cutoff)
	pruneSmallComponents(mask, nx, ny, int(s.Properties().GetInt("min_points")))

	out := mesh.ShallowCopy()
	out.Points = dataset.NewCollection()
	out.Points.Set(s.Properties().GetString("output_variable"), mask)
	out.Info.Set("ensemble_members", vararray.NewInt64(1))
	return out
}

// thresholdMask returns 1 where the field meets the cutoff.
func thresholdMask(a vararray.Array, cutoff float64) vararray.Array {
	n := a.Size()
	mask := vararray.New(vararray.Float64, n)
	for i := 0; i < n; i++ {
		if a.Float64At(i) >= cutoff {
			mask.SetFloat64At(i, 1)
		}
	}
	return mask
}

// pruneSmallComponents zeroes 4-connected components smaller than
// minPoints, in place.
func pruneSmallComponents(mask vararray.Array, nx, ny, minPoints int) {
	if minPoints <= 1 {
		return
	}
	visited := make([]bool, nx*ny)
	var stack []int
	for p0 := 0; p0 < nx*ny; p0++ {
		if visited[p0] || mask.Float64At(p0) == 0 {
			continue
		}
		// Flood fill from p0.
		var comp []int
		stack = append(stack[:0], p0)
		visited[p0] = true
		for len(stack) > 0 {
			p := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			comp = append(comp, p)
			i, j := p%nx, p/nx
			for _, q := range [4]int{p - 1, p + 1, p - nx, p + nx} {
				qi, qj := q%nx, q/nx
				if q < 0 || q >= nx*ny || visited[q] || mask.Float64At(q) == 0 {
					continue
				}
				// Reject wrap-around neighbors.
				if (q == p-1 || q == p+1) && qj != j {
					continue
				}
				if (q == p-nx || q == p+nx) && qi != i {
					continue
				}
				visited[q] = true
				stack = append(stack, q)
			}
		}
		if len(comp) < minPoints {
			for _, p := range comp {
				mask.SetFloat64At(p, 0)
			}
		}
	}
}

// Reduce implements pipeline.Reducer: member masks add; the member count
// rides along in the information collection.
func (s *ARDetect) Reduce(left, right dataset.Dataset) dataset.Dataset {
	lm, lok := left.(*dataset.CartesianMesh)
	rm, rok := right.(*dataset.CartesianMesh)
	if !lok || !rok {
		errors.New(errors.KindSemantic, s.Name(), "reduce",
			"reduction inputs are not cartesian meshes").Emit(s.Logger())
		return nil
	}
	name := s.Properties().GetString("output_variable")
	a, aok := lm.Points.Get(name)
	b, bok := rm.Points.Get(name)
	if !aok || !bok || a.Size() != b.Size() {
		errors.New(errors.KindSemantic, s.Name(), "reduce",
			"member masks are missing or mismatched").Emit(s.Logger())
		return nil
	}
	n := a.Size()
	sum := vararray.New(vararray.Float64, n)
	for i := 0; i < n; i++ {
		sum.SetFloat64At(i, a.Float64At(i)+b.Float64At(i))
	}
	la, _ := lm.Info.Get("ensemble_members")
	ra, _ := rm.Info.Get("ensemble_members")
	out := lm.ShallowCopy()
	out.Points = dataset.NewCollection()
	out.Points.Set(name, sum)
	out.Info.Set("ensemble_members", vararray.NewInt64(la.Int64At(0)+ra.Int64At(0)))
	return out
}

// Finalize implements pipeline.Reducer: the mask sum becomes a probability.
func (s *ARDetect) Finalize(d dataset.Dataset, req *metadata.Metadata) dataset.Dataset {
	m, ok := d.(*dataset.CartesianMesh)
	if !ok {
		return nil
	}
	name := s.Properties().GetString("output_variable")
	a, aok := m.Points.Get(name)
	members, mok := m.Info.Get("ensemble_members")
	if !aok || !mok || members.Int64At(0) == 0 {
		errors.New(errors.KindSemantic, s.Name(), "finalize",
			"no ensemble members reached the reduction").Emit(s.Logger())
		return nil
	}
	count := float64(members.Int64At(0))
	n := a.Size()
	prob := vararray.New(vararray.Float64, n)
	for i := 0; i < n; i++ {
		prob.SetFloat64At(i, a.Float64At(i)/count)
	}
	out := m.ShallowCopy()
	out.Points = dataset.NewCollection()
	out.Points.Set(name, prob)
	out.Info = dataset.NewCollection()
	return out
}

// OrderedReduction implements pipeline.Reducer; mask addition commutes.
func (s *ARDetect) OrderedReduction() bool { return false }

// ToleratesMissing implements pipeline.Reducer: a failed member shrinks the
// ensemble instead of failing the step.
func (s *ARDetect) ToleratesMissing() bool { return true }

// Execute implements pipeline.Algorithm: the probability arrives already
// reduced and finalized.
func (s *ARDetect) Execute(port int, in []dataset.Dataset, req *metadata.Metadata) dataset.Dataset {
	if len(in) == 0 || in[0] == nil {
		errors.New(errors.KindSemantic, s.Name(), "execute",
			"no reduced input").Emit(s.Logger())
		return nil
	}
	return in[0]
}
