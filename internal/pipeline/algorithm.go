package pipeline

import (
	"github.com/sirupsen/logrus"

	"meshflow/pkg/dataset"
	"meshflow/pkg/metadata"
)

// Well-known request and metadata keys.
const (
	// KeyIndexInitializer names the metadata key holding the key under
	// which the total work-index count is published.
	KeyIndexInitializer = "index_initializer_key"
	// KeyIndexRequest names the metadata key holding the key a request
	// uses to select a work index.
	KeyIndexRequest = "index_request_key"
	// KeyArrays lists the arrays a request asks for.
	KeyArrays = "arrays"
	// KeyBounds is a 6-double coordinate box on a request.
	KeyBounds = "bounds"
	// KeyExtent is a 6-integer inclusive index box on a request.
	KeyExtent = "extent"
	// KeySequenceNumber tags fan-in requests with a stable order for
	// non-commutative reductions.
	KeySequenceNumber = "sequence_number"
)

// Algorithm is the stage contract. A stage is a node with N input and M
// output ports, a property bag and the three pipeline operations. Each
// operation signals failure by returning nil after emitting a structured
// error record; the engine never sees a panic cross a stage boundary.
type Algorithm interface {
	// Name identifies the stage in logs, errors and flag names.
	Name() string
	// InputPorts returns the number of logical inputs.
	InputPorts() int
	// OutputPorts returns the number of logical outputs.
	OutputPorts() int
	// Properties returns the stage's configuration bag.
	Properties() *Properties

	// ReportMetadata produces the metadata for one output port given the
	// metadata of each connected upstream output. It must be pure with
	// respect to the property bag and its inputs.
	ReportMetadata(port int, in []*metadata.Metadata) *metadata.Metadata

	// TranslateRequest maps a downstream request for one output port to
	// requests on the upstream inputs, one slice per input port. More
	// than one request on a port marks map-reduce fan-in.
	TranslateRequest(port int, in []*metadata.Metadata, req *metadata.Metadata) [][]*metadata.Metadata

	// Execute produces the requested dataset from one input dataset per
	// port (fan-in ports arrive already reduced). An empty dataset is a
	// valid result; nil is the failure sentinel.
	Execute(port int, in []dataset.Dataset, req *metadata.Metadata) dataset.Dataset
}

// Reducer marks a map-reduce stage. The driver schedules the stage's fan-in
// requests on the per-stage thread pool and folds results through Reduce;
// the folded dataset passes through Finalize before reaching Execute.
type Reducer interface {
	Algorithm
	// Reduce combines two partial results. It must be associative; when
	// OrderedReduction is false it must be commutative as well, and the
	// driver is free to combine partials in completion order.
	Reduce(left, right dataset.Dataset) dataset.Dataset
	// Finalize post-processes the folded result (e.g. divide a running
	// sum by its count).
	Finalize(d dataset.Dataset, req *metadata.Metadata) dataset.Dataset
	// OrderedReduction requests combination in sequence-number order.
	OrderedReduction() bool
	// ToleratesMissing reports whether the reduction continues when an
	// upstream datum fails; when false a missing datum fails the whole
	// downstream index.
	ToleratesMissing() bool
}

// Mapper is an optional Reducer extension: the driver applies MapDatum to
// each fan-in dataset before it enters the reduction, passing the datum's
// sequence number. Ensemble stages use this to apply per-member parameters
// to otherwise identical upstream data.
type Mapper interface {
	MapDatum(seq int, d dataset.Dataset) dataset.Dataset
}

// Stage carries the pieces every concrete stage shares; embed it and
// implement the three operations.
type Stage struct {
	name   string
	nIn    int
	nOut   int
	props  *Properties
	logger *logrus.Logger
}

// NewStage builds the common stage core.
func NewStage(name string, nIn, nOut int, logger *logrus.Logger, props *Properties) Stage {
	if props == nil {
		props = NewProperties()
	}
	return Stage{name: name, nIn: nIn, nOut: nOut, props: props, logger: logger}
}

// Name implements Algorithm.
func (s *Stage) Name() string { return s.name }

// InputPorts implements Algorithm.
func (s *Stage) InputPorts() int { return s.nIn }

// OutputPorts implements Algorithm.
func (s *Stage) OutputPorts() int { return s.nOut }

// Properties implements Algorithm.
func (s *Stage) Properties() *Properties { return s.props }

// Log returns the stage's logger tagged with its name.
func (s *Stage) Log() *logrus.Entry {
	return s.logger.WithFields(logrus.Fields{"stage": s.name})
}

// Logger returns the underlying logger for error-record emission.
func (s *Stage) Logger() *logrus.Logger { return s.logger }

// SetLogger replaces the stage's logger; the CLI builds stages before the
// application logger exists and attaches it here.
func (s *Stage) SetLogger(l *logrus.Logger) { s.logger = l }

// PassThroughRequest is the TranslateRequest of a 1-in 1-out stage that
// forwards the request unchanged.
func PassThroughRequest(req *metadata.Metadata) [][]*metadata.Metadata {
	return [][]*metadata.Metadata{{req.ShallowCopy()}}
}

// CopyIndexKeys forwards the two pipeline index keys from in to out.
func CopyIndexKeys(in, out *metadata.Metadata) {
	if v, ok := in.GetString(KeyIndexInitializer); ok {
		out.SetString(KeyIndexInitializer, v)
		if n, ok := in.GetInt64(v); ok {
			out.SetInt64(v, n)
		}
	}
	if v, ok := in.GetString(KeyIndexRequest); ok {
		out.SetString(KeyIndexRequest, v)
	}
}

// RequestedArrays returns the KeyArrays list of a request.
func RequestedArrays(req *metadata.Metadata) []string {
	arrays, _ := req.GetStringSlice(KeyArrays)
	return arrays
}

// AddRequestedArrays merges names into the request's KeyArrays list,
// skipping duplicates.
func AddRequestedArrays(req *metadata.Metadata, names ...string) {
	arrays := RequestedArrays(req)
	have := make(map[string]bool, len(arrays))
	for _, a := range arrays {
		have[a] = true
	}
	for _, n := range names {
		if !have[n] {
			arrays = append(arrays, n)
			have[n] = true
		}
	}
	req.SetStringSlice(KeyArrays, arrays)
}

// RemoveRequestedArray strips name from the request's KeyArrays list.
func RemoveRequestedArray(req *metadata.Metadata, name string) {
	arrays := RequestedArrays(req)
	out := arrays[:0]
	for _, a := range arrays {
		if a != name {
			out = append(out, a)
		}
	}
	req.SetStringSlice(KeyArrays, out)
}
