package stages

import (
	"encoding/csv"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"meshflow/internal/cfio"
	"meshflow/internal/metrics"
	"meshflow/internal/pipeline"
	"meshflow/pkg/bstream"
	"meshflow/pkg/dataset"
	"meshflow/pkg/errors"
	"meshflow/pkg/metadata"
	"meshflow/pkg/vararray"
)

// interpolateIndex substitutes the work index into a filename pattern.
// Ranks write distinct files because each rank owns distinct indices.
func interpolateIndex(pattern string, index uint64) string {
	return strings.ReplaceAll(pattern, "%t%", strconv.FormatUint(index, 10))
}

// CFWriter writes each incoming cartesian mesh to a NetCDF classic file
// and passes the dataset through unchanged.
type CFWriter struct {
	pipeline.Stage
}

// NewCFWriter builds the stage.
func NewCFWriter(logger *logrus.Logger) *CFWriter {
	props := pipeline.NewProperties(
		pipeline.PropSpec{Name: "file_name", Type: pipeline.PropString, Default: "out_%t%.nc",
			Description: "output path, %t% interpolates the work index"},
		pipeline.PropSpec{Name: "point_arrays", Type: pipeline.PropStringList, Default: []string{},
			Description: "point arrays to write, empty for all"},
	)
	return &CFWriter{Stage: pipeline.NewStage("cf_writer", 1, 1, logger, props)}
}

// ReportMetadata implements pipeline.Algorithm.
func (w *CFWriter) ReportMetadata(port int, in []*metadata.Metadata) *metadata.Metadata {
	if len(in) == 0 || in[0].Empty() {
		errors.New(errors.KindSemantic, w.Name(), "report_metadata",
			"no upstream metadata").Emit(w.Logger())
		return nil
	}
	return in[0].ShallowCopy()
}

// TranslateRequest implements pipeline.Algorithm.
func (w *CFWriter) TranslateRequest(port int, in []*metadata.Metadata, req *metadata.Metadata) [][]*metadata.Metadata {
	up := req.ShallowCopy()
	if arrays := w.Properties().GetStringList("point_arrays"); len(arrays) > 0 {
		pipeline.AddRequestedArrays(up, arrays...)
	}
	return [][]*metadata.Metadata{{up}}
}

// Execute implements pipeline.Algorithm.
func (w *CFWriter) Execute(port int, in []dataset.Dataset, req *metadata.Metadata) dataset.Dataset {
	mesh, ok := in[0].(*dataset.CartesianMesh)
	if !ok {
		errors.New(errors.KindSemantic, w.Name(), "execute",
			"input is not a cartesian mesh").Emit(w.Logger())
		return nil
	}
	path := interpolateIndex(w.Properties().GetString("file_name"), mesh.TimeStep)

	def := cfio.FileDef{Atts: metadata.New()}
	def.Atts.SetString("Conventions", "CF-1.7")

	axes := []struct {
		dim   string
		coord vararray.Array
	}{
		{"lon", mesh.X},
		{"lat", mesh.Y},
		{"plev", mesh.Z},
	}
	var spatial []string
	for _, ax := range axes {
		if ax.coord == nil || ax.coord.Size() <= 1 {
			continue
		}
		def.Dims = append(def.Dims, cfio.Dimension{Name: ax.dim, Len: ax.coord.Size()})
		def.Vars = append(def.Vars, cfio.VarDef{
			Name: ax.dim, Type: vararray.Float64, Dims: []string{ax.dim}, Data: ax.coord,
		})
		spatial = append(spatial, ax.dim)
	}
	// Slowest varying first.
	for i, j := 0, len(spatial)-1; i < j; i, j = i+1, j-1 {
		spatial[i], spatial[j] = spatial[j], spatial[i]
	}
	def.Dims = append(def.Dims, cfio.Dimension{Name: "time", Len: 1, Unlimited: true})
	def.Vars = append(def.Vars, cfio.VarDef{
		Name: "time", Type: vararray.Float64, Dims: []string{"time"},
		Data: vararray.NewFloat64(mesh.Time),
	})

	names := w.Properties().GetStringList("point_arrays")
	if len(names) == 0 {
		names = mesh.Points.Names()
	}
	for _, name := range names {
		a, ok := mesh.Points.Get(name)
		if !ok {
			errors.Newf(errors.KindSemantic, w.Name(), "execute",
				"point array %q not present", name).Emit(w.Logger())
			return nil
		}
		def.Vars = append(def.Vars, cfio.VarDef{
			Name: name, Type: vararray.Float64,
			Dims: append([]string{"time"}, spatial...), Data: a,
		})
	}

	if err := cfio.WriteClassic(path, def); err != nil {
		metrics.DatasetsWritten.WithLabelValues(w.Name(), "failed").Inc()
		errors.Newf(errors.KindIO, w.Name(), "execute",
			"writing %q failed", path).Wrap(err).Emit(w.Logger())
		return nil
	}
	metrics.DatasetsWritten.WithLabelValues(w.Name(), "ok").Inc()
	w.Log().WithField("path", path).Debug("Wrote mesh")
	return in[0]
}

// Dump-file framing.
const (
	dumpMagic   = "MFDS"
	dumpVersion = 1
)

// DumpWriter serializes each incoming dataset to a binary dump: magic,
// version, codec name and a checksummed, optionally compressed payload.
type DumpWriter struct {
	pipeline.Stage
}

// NewDumpWriter builds the stage.
func NewDumpWriter(logger *logrus.Logger) *DumpWriter {
	props := pipeline.NewProperties(
		pipeline.PropSpec{Name: "file_name", Type: pipeline.PropString, Default: "out_%t%.mfds",
			Description: "output path, %t% interpolates the work index"},
		pipeline.PropSpec{Name: "codec", Type: pipeline.PropString, Default: bstream.CodecZstd,
			Description: "payload compression: none, snappy, lz4 or zstd"},
	)
	return &DumpWriter{Stage: pipeline.NewStage("dump_writer", 1, 1, logger, props)}
}

// ReportMetadata implements pipeline.Algorithm.
func (w *DumpWriter) ReportMetadata(port int, in []*metadata.Metadata) *metadata.Metadata {
	if len(in) == 0 || in[0].Empty() {
		errors.New(errors.KindSemantic, w.Name(), "report_metadata",
			"no upstream metadata").Emit(w.Logger())
		return nil
	}
	return in[0].ShallowCopy()
}

// TranslateRequest implements pipeline.Algorithm.
func (w *DumpWriter) TranslateRequest(port int, in []*metadata.Metadata, req *metadata.Metadata) [][]*metadata.Metadata {
	return pipeline.PassThroughRequest(req)
}

// Execute implements pipeline.Algorithm.
func (w *DumpWriter) Execute(port int, in []dataset.Dataset, req *metadata.Metadata) dataset.Dataset {
	if len(in) == 0 || in[0] == nil {
		errors.New(errors.KindSemantic, w.Name(), "execute", "no input dataset").Emit(w.Logger())
		return nil
	}
	codec := w.Properties().GetString("codec")
	if !bstream.ValidCodec(codec) {
		errors.Newf(errors.KindConfig, w.Name(), "execute",
			"unknown codec %q", codec).Emit(w.Logger())
		return nil
	}

	var index uint64
	if m, ok := in[0].(*dataset.CartesianMesh); ok {
		index = m.TimeStep
	}
	path := interpolateIndex(w.Properties().GetString("file_name"), index)

	body := bstream.New()
	in[0].Encode(body)
	packed, err := bstream.Pack(codec, body.Bytes())
	if err != nil {
		errors.New(errors.KindIO, w.Name(), "execute", "payload compression failed").
			Wrap(err).Emit(w.Logger())
		return nil
	}

	out := bstream.New()
	out.AppendRaw([]byte(dumpMagic))
	out.AppendUint32(dumpVersion)
	out.AppendString(codec)
	out.AppendBytes(packed)
	out.AppendUint64(body.Checksum())

	if err := os.WriteFile(path, out.Bytes(), 0664); err != nil {
		metrics.DatasetsWritten.WithLabelValues(w.Name(), "failed").Inc()
		errors.Newf(errors.KindIO, w.Name(), "execute",
			"writing %q failed", path).Wrap(err).Emit(w.Logger())
		return nil
	}
	metrics.DatasetsWritten.WithLabelValues(w.Name(), "ok").Inc()
	return in[0]
}

// ReadDump loads a dataset dump written by DumpWriter.
func ReadDump(path string) (dataset.Dataset, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	s := bstream.FromBytes(raw)
	magic := make([]byte, len(dumpMagic))
	for i := range magic {
		if magic[i], err = s.ConsumeUint8(); err != nil {
			return nil, err
		}
	}
	if string(magic) != dumpMagic {
		return nil, errBadCache("bad dump magic")
	}
	if v, err := s.ConsumeUint32(); err != nil {
		return nil, err
	} else if v != dumpVersion {
		return nil, errBadCache("dump version mismatch")
	}
	codec, err := s.ConsumeString()
	if err != nil {
		return nil, err
	}
	packed, err := s.ConsumeBytes()
	if err != nil {
		return nil, err
	}
	sum, err := s.ConsumeUint64()
	if err != nil {
		return nil, err
	}
	body, err := bstream.Unpack(codec, packed)
	if err != nil {
		return nil, err
	}
	if bstream.FromBytes(body).Checksum() != sum {
		return nil, errBadCache("dump checksum mismatch")
	}
	return dataset.DecodeAny(bstream.FromBytes(body))
}

// CSVWriter writes incoming tables as CSV files.
type CSVWriter struct {
	pipeline.Stage
}

// NewCSVWriter builds the stage.
func NewCSVWriter(logger *logrus.Logger) *CSVWriter {
	props := pipeline.NewProperties(
		pipeline.PropSpec{Name: "file_name", Type: pipeline.PropString, Default: "out_%t%.csv",
			Description: "output path, %t% interpolates the work index"},
	)
	return &CSVWriter{Stage: pipeline.NewStage("csv_writer", 1, 1, logger, props)}
}

// ReportMetadata implements pipeline.Algorithm.
func (w *CSVWriter) ReportMetadata(port int, in []*metadata.Metadata) *metadata.Metadata {
	if len(in) == 0 || in[0].Empty() {
		errors.New(errors.KindSemantic, w.Name(), "report_metadata",
			"no upstream metadata").Emit(w.Logger())
		return nil
	}
	return in[0].ShallowCopy()
}

// TranslateRequest implements pipeline.Algorithm.
func (w *CSVWriter) TranslateRequest(port int, in []*metadata.Metadata, req *metadata.Metadata) [][]*metadata.Metadata {
	return pipeline.PassThroughRequest(req)
}

// Execute implements pipeline.Algorithm.
func (w *CSVWriter) Execute(port int, in []dataset.Dataset, req *metadata.Metadata) dataset.Dataset {
	tbl, ok := in[0].(*dataset.Table)
	if !ok {
		errors.New(errors.KindSemantic, w.Name(), "execute",
			"input is not a table").Emit(w.Logger())
		return nil
	}
	var index uint64
	if step, ok := req.GetInt64(KeyTimeStep); ok {
		index = uint64(step)
	}
	path := interpolateIndex(w.Properties().GetString("file_name"), index)

	f, err := os.Create(path)
	if err != nil {
		metrics.DatasetsWritten.WithLabelValues(w.Name(), "failed").Inc()
		errors.Newf(errors.KindIO, w.Name(), "execute",
			"creating %q failed", path).Wrap(err).Emit(w.Logger())
		return nil
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	names := tbl.Columns.Names()
	if err := cw.Write(names); err != nil {
		errors.New(errors.KindIO, w.Name(), "execute", "CSV write failed").
			Wrap(err).Emit(w.Logger())
		return nil
	}
	row := make([]string, len(names))
	for r := 0; r < tbl.NumRows(); r++ {
		for c, name := range names {
			col, _ := tbl.Columns.Get(name)
			row[c] = col.StringAt(r)
		}
		if err := cw.Write(row); err != nil {
			errors.New(errors.KindIO, w.Name(), "execute", "CSV write failed").
				Wrap(err).Emit(w.Logger())
			return nil
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		metrics.DatasetsWritten.WithLabelValues(w.Name(), "failed").Inc()
		errors.New(errors.KindIO, w.Name(), "execute", "CSV flush failed").
			Wrap(err).Emit(w.Logger())
		return nil
	}
	metrics.DatasetsWritten.WithLabelValues(w.Name(), "ok").Inc()
	return in[0]
}
