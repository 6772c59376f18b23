package cfio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"

	"meshflow/pkg/metadata"
	"meshflow/pkg/vararray"
)

// VarDef defines one variable for WriteClassic. Data holds the full
// row-major array; for a record variable the records are concatenated.
type VarDef struct {
	Name string
	Type vararray.Type
	Dims []string
	Atts *metadata.Metadata
	Data vararray.Array
}

// FileDef defines a complete file for WriteClassic.
type FileDef struct {
	Dims []Dimension
	Atts *metadata.Metadata
	Vars []VarDef
}

func arrayToNcType(t vararray.Type) (int, error) {
	switch t {
	case vararray.Int8, vararray.UInt8:
		return ncByte, nil
	case vararray.Int16, vararray.UInt16:
		return ncShort, nil
	case vararray.Int32, vararray.UInt32:
		return ncInt, nil
	case vararray.Float32:
		return ncFloat, nil
	// The classic format has no 64-bit integer type; widen to double.
	case vararray.Int64, vararray.UInt64, vararray.Float64:
		return ncDouble, nil
	}
	return 0, fmt.Errorf("cfio: cannot store %v variables in a classic file", t)
}

type headerWriter struct {
	buf bytes.Buffer
}

func (w *headerWriter) int32(v int) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(int32(v)))
	w.buf.Write(b[:])
}

func (w *headerWriter) name(s string) {
	w.int32(len(s))
	w.buf.WriteString(s)
	w.buf.Write(make([]byte, pad4(len(s))))
}

func (w *headerWriter) attValues(t int, a vararray.Array) {
	switch t {
	case ncChar:
		s := a.StringAt(0)
		w.int32(len(s))
		w.buf.WriteString(s)
		w.buf.Write(make([]byte, pad4(len(s))))
		return
	}
	n := a.Size()
	w.int32(n)
	var b [8]byte
	for i := 0; i < n; i++ {
		switch t {
		case ncByte:
			w.buf.WriteByte(byte(int8(a.Int64At(i))))
		case ncShort:
			binary.BigEndian.PutUint16(b[:2], uint16(int16(a.Int64At(i))))
			w.buf.Write(b[:2])
		case ncInt:
			binary.BigEndian.PutUint32(b[:4], uint32(int32(a.Int64At(i))))
			w.buf.Write(b[:4])
		case ncFloat:
			binary.BigEndian.PutUint32(b[:4], math.Float32bits(float32(a.Float64At(i))))
			w.buf.Write(b[:4])
		case ncDouble:
			binary.BigEndian.PutUint64(b[:8], math.Float64bits(a.Float64At(i)))
			w.buf.Write(b[:8])
		}
	}
	w.buf.Write(make([]byte, pad4(n*ncTypeSize(t))))
}

func (w *headerWriter) attList(atts *metadata.Metadata) error {
	if atts == nil || atts.Len() == 0 {
		w.int32(0)
		w.int32(0)
		return nil
	}
	w.int32(ncAttribute)
	w.int32(atts.Len())
	for _, key := range atts.Keys() {
		a, ok := atts.Get(key)
		if !ok {
			return fmt.Errorf("cfio: attribute %q holds nested metadata, not storable", key)
		}
		w.name(key)
		var t int
		if a.Type() == vararray.String {
			t = ncChar
		} else {
			var err error
			if t, err = arrayToNcType(a.Type()); err != nil {
				return fmt.Errorf("cfio: attribute %q: %w", key, err)
			}
		}
		w.int32(t)
		w.attValues(t, a)
	}
	return nil
}

// WriteClassic writes def to path as a CDF-1 file through a create-then-
// rename so readers never observe a partial file.
func WriteClassic(path string, def FileDef) error {
	handleMu.Lock()
	defer handleMu.Unlock()

	dimID := make(map[string]int, len(def.Dims))
	numrecs := 0
	for i, d := range def.Dims {
		dimID[d.Name] = i
		if d.Unlimited {
			numrecs = d.Len
		}
	}

	type layout struct {
		ncType  int
		vsize   int64
		begin   int64
		record  bool
		perRec  int64
		dimIDs  []int
	}
	lays := make([]layout, len(def.Vars))
	var recVarCount int
	for i, v := range def.Vars {
		t, err := arrayToNcType(v.Type)
		if err != nil {
			return fmt.Errorf("cfio: variable %q: %w", v.Name, err)
		}
		l := layout{ncType: t}
		n := int64(ncTypeSize(t))
		for j, dn := range v.Dims {
			id, ok := dimID[dn]
			if !ok {
				return fmt.Errorf("cfio: variable %q uses undefined dimension %q", v.Name, dn)
			}
			l.dimIDs = append(l.dimIDs, id)
			if j == 0 && def.Dims[id].Unlimited {
				l.record = true
				continue
			}
			if def.Dims[id].Unlimited {
				return fmt.Errorf("cfio: variable %q: unlimited dimension must be slowest", v.Name)
			}
			n *= int64(def.Dims[id].Len)
		}
		l.perRec = n
		l.vsize = n
		if r := l.vsize % 4; r != 0 {
			l.vsize += 4 - r
		}
		if l.record {
			recVarCount++
		}
		lays[i] = l
	}

	// Header with zeroed begins to learn its size, then real begins.
	build := func() (*headerWriter, error) {
		w := &headerWriter{}
		w.buf.Write([]byte{'C', 'D', 'F', 1})
		w.int32(numrecs)
		if len(def.Dims) == 0 {
			w.int32(0)
			w.int32(0)
		} else {
			w.int32(ncDimension)
			w.int32(len(def.Dims))
			for _, d := range def.Dims {
				w.name(d.Name)
				if d.Unlimited {
					w.int32(0)
				} else {
					w.int32(d.Len)
				}
			}
		}
		if err := w.attList(def.Atts); err != nil {
			return nil, err
		}
		if len(def.Vars) == 0 {
			w.int32(0)
			w.int32(0)
			return w, nil
		}
		w.int32(ncVariable)
		w.int32(len(def.Vars))
		for i, v := range def.Vars {
			w.name(v.Name)
			w.int32(len(lays[i].dimIDs))
			for _, id := range lays[i].dimIDs {
				w.int32(id)
			}
			if err := w.attList(v.Atts); err != nil {
				return nil, err
			}
			w.int32(lays[i].ncType)
			w.int32(int(lays[i].vsize))
			w.int32(int(lays[i].begin))
		}
		return w, nil
	}

	probe, err := build()
	if err != nil {
		return err
	}
	headerLen := int64(probe.buf.Len())

	// Non-record variables first, then the record block.
	off := headerLen
	for i := range def.Vars {
		if lays[i].record {
			continue
		}
		lays[i].begin = off
		off += lays[i].vsize
	}
	recStart := off
	var recSize int64
	for i := range def.Vars {
		if !lays[i].record {
			continue
		}
		lays[i].begin = recStart + recSize
		n := lays[i].perRec
		if recVarCount > 1 {
			if r := n % 4; r != 0 {
				n += 4 - r
			}
		}
		recSize += n
	}

	final, err := build()
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0664)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	write := func(b []byte) error {
		_, werr := f.Write(b)
		return werr
	}
	if err := write(final.buf.Bytes()); err != nil {
		f.Close()
		return err
	}

	encodeRun := func(a vararray.Array, lo, n, t int) []byte {
		out := make([]byte, 0, n*ncTypeSize(t))
		var b [8]byte
		for j := 0; j < n; j++ {
			switch t {
			case ncByte:
				out = append(out, byte(int8(a.Int64At(lo+j))))
			case ncShort:
				binary.BigEndian.PutUint16(b[:2], uint16(int16(a.Int64At(lo+j))))
				out = append(out, b[:2]...)
			case ncInt:
				binary.BigEndian.PutUint32(b[:4], uint32(int32(a.Int64At(lo+j))))
				out = append(out, b[:4]...)
			case ncFloat:
				binary.BigEndian.PutUint32(b[:4], math.Float32bits(float32(a.Float64At(lo+j))))
				out = append(out, b[:4]...)
			case ncDouble:
				binary.BigEndian.PutUint64(b[:8], math.Float64bits(a.Float64At(lo+j)))
				out = append(out, b[:8]...)
			}
		}
		return out
	}

	// Non-record data.
	for i, v := range def.Vars {
		l := lays[i]
		if l.record {
			continue
		}
		n := int(l.perRec) / ncTypeSize(l.ncType)
		if v.Data.Size() != n {
			f.Close()
			return fmt.Errorf("cfio: variable %q has %d elements, dimensions give %d",
				v.Name, v.Data.Size(), n)
		}
		if err := write(encodeRun(v.Data, 0, n, l.ncType)); err != nil {
			f.Close()
			return err
		}
		if p := l.vsize - l.perRec; p > 0 {
			if err := write(make([]byte, p)); err != nil {
				f.Close()
				return err
			}
		}
	}

	// Record data, interleaved per record.
	for r := 0; r < numrecs; r++ {
		for i, v := range def.Vars {
			l := lays[i]
			if !l.record {
				continue
			}
			perRecElems := int(l.perRec) / ncTypeSize(l.ncType)
			if v.Data.Size() != perRecElems*numrecs {
				f.Close()
				return fmt.Errorf("cfio: record variable %q has %d elements, dimensions give %d",
					v.Name, v.Data.Size(), perRecElems*numrecs)
			}
			if err := write(encodeRun(v.Data, r*perRecElems, perRecElems, l.ncType)); err != nil {
				f.Close()
				return err
			}
			if recVarCount > 1 {
				if p := pad4(int(l.perRec % 4)); p > 0 {
					if err := write(make([]byte, p)); err != nil {
						f.Close()
						return err
					}
				}
			}
		}
	}

	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
