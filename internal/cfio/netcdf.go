package cfio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"

	"meshflow/pkg/metadata"
	"meshflow/pkg/vararray"
)

// Classic-format constants.
const (
	ncDimension = 0x0A
	ncVariable  = 0x0B
	ncAttribute = 0x0C

	ncByte   = 1
	ncChar   = 2
	ncShort  = 3
	ncInt    = 4
	ncFloat  = 5
	ncDouble = 6
)

func ncTypeSize(t int) int {
	switch t {
	case ncByte, ncChar:
		return 1
	case ncShort:
		return 2
	case ncInt, ncFloat:
		return 4
	case ncDouble:
		return 8
	}
	return 0
}

func ncToArrayType(t int) (vararray.Type, error) {
	switch t {
	case ncByte:
		return vararray.Int8, nil
	case ncChar:
		return vararray.String, nil
	case ncShort:
		return vararray.Int16, nil
	case ncInt:
		return vararray.Int32, nil
	case ncFloat:
		return vararray.Float32, nil
	case ncDouble:
		return vararray.Float64, nil
	}
	return vararray.Invalid, fmt.Errorf("cfio: unsupported external type %d", t)
}

type classicVar struct {
	info   VarInfo
	dimIDs []int
	ncType int
	vsize  int64
	begin  int64
	record bool
}

// ClassicFile is an open NetCDF classic (CDF-1/CDF-2) file.
type ClassicFile struct {
	path    string
	f       *os.File
	version byte
	numrecs int
	dims    []Dimension
	atts    *metadata.Metadata
	vars    []classicVar
	byName  map[string]int
	recSize int64
}

// OpenClassic opens and parses the header of a classic-format file.
func OpenClassic(path string) (*ClassicFile, error) {
	handleMu.Lock()
	defer handleMu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	cf := &ClassicFile{path: path, f: f, byName: make(map[string]int)}
	if err := cf.parseHeader(); err != nil {
		f.Close()
		return nil, fmt.Errorf("cfio: %s: %w", path, err)
	}
	return cf, nil
}

type headerReader struct {
	r   io.Reader
	err error
}

func (h *headerReader) bytes(n int) []byte {
	if h.err != nil {
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(h.r, b); err != nil {
		h.err = err
		return nil
	}
	return b
}

func (h *headerReader) int32() int {
	b := h.bytes(4)
	if b == nil {
		return 0
	}
	return int(int32(binary.BigEndian.Uint32(b)))
}

func (h *headerReader) int64v() int64 {
	b := h.bytes(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

// name reads a length-prefixed name padded to a 4-byte boundary.
func (h *headerReader) name() string {
	n := h.int32()
	if h.err != nil {
		return ""
	}
	b := h.bytes(n + pad4(n))
	if b == nil {
		return ""
	}
	return string(b[:n])
}

func pad4(n int) int {
	if r := n % 4; r != 0 {
		return 4 - r
	}
	return 0
}

func (cf *ClassicFile) parseHeader() error {
	h := &headerReader{r: cf.f}

	magic := h.bytes(4)
	if h.err != nil {
		return h.err
	}
	if magic[0] != 'C' || magic[1] != 'D' || magic[2] != 'F' {
		return fmt.Errorf("not a NetCDF classic file (bad magic)")
	}
	cf.version = magic[3]
	if cf.version != 1 && cf.version != 2 {
		return fmt.Errorf("unsupported format version %d", cf.version)
	}

	cf.numrecs = h.int32()

	// dim_list
	tag := h.int32()
	ndims := h.int32()
	if tag != ncDimension && !(tag == 0 && ndims == 0) {
		return fmt.Errorf("malformed dimension list (tag %#x)", tag)
	}
	for i := 0; i < ndims; i++ {
		name := h.name()
		size := h.int32()
		d := Dimension{Name: name, Len: size}
		if size == 0 {
			d.Unlimited = true
			d.Len = cf.numrecs
		}
		cf.dims = append(cf.dims, d)
	}

	// gatt_list
	atts, err := cf.parseAttList(h)
	if err != nil {
		return err
	}
	cf.atts = atts

	// var_list
	tag = h.int32()
	nvars := h.int32()
	if tag != ncVariable && !(tag == 0 && nvars == 0) {
		return fmt.Errorf("malformed variable list (tag %#x)", tag)
	}
	for i := 0; i < nvars; i++ {
		var v classicVar
		v.info.Name = h.name()
		nd := h.int32()
		v.dimIDs = make([]int, nd)
		for j := 0; j < nd; j++ {
			id := h.int32()
			if id < 0 || id >= len(cf.dims) {
				return fmt.Errorf("variable %q has bad dimension id %d", v.info.Name, id)
			}
			v.dimIDs[j] = id
			v.info.Dims = append(v.info.Dims, cf.dims[id].Name)
		}
		if vatts, err := cf.parseAttList(h); err != nil {
			return err
		} else {
			v.info.Atts = vatts
		}
		v.ncType = h.int32()
		at, err := ncToArrayType(v.ncType)
		if err != nil {
			return fmt.Errorf("variable %q: %w", v.info.Name, err)
		}
		v.info.Type = at
		v.vsize = int64(h.int32())
		if cf.version == 2 {
			v.begin = h.int64v()
		} else {
			v.begin = int64(h.int32())
		}
		v.record = nd > 0 && cf.dims[v.dimIDs[0]].Unlimited
		cf.byName[v.info.Name] = len(cf.vars)
		cf.vars = append(cf.vars, v)
	}
	if h.err != nil {
		return h.err
	}

	// Record size: sum of padded per-record sizes; a single record
	// variable is laid out without padding.
	var recVars []int
	for i, v := range cf.vars {
		if v.record {
			recVars = append(recVars, i)
		}
	}
	for _, i := range recVars {
		v := &cf.vars[i]
		n := int64(ncTypeSize(v.ncType))
		for _, id := range v.dimIDs[1:] {
			n *= int64(cf.dims[id].Len)
		}
		if len(recVars) > 1 {
			if r := n % 4; r != 0 {
				n += 4 - r
			}
		}
		cf.recSize += n
	}
	return nil
}

func (cf *ClassicFile) parseAttList(h *headerReader) (*metadata.Metadata, error) {
	tag := h.int32()
	natts := h.int32()
	if tag != ncAttribute && !(tag == 0 && natts == 0) {
		return nil, fmt.Errorf("malformed attribute list (tag %#x)", tag)
	}
	atts := metadata.New()
	for i := 0; i < natts; i++ {
		name := h.name()
		t := h.int32()
		n := h.int32()
		sz := ncTypeSize(t)
		if sz == 0 {
			return nil, fmt.Errorf("attribute %q has unsupported type %d", name, t)
		}
		raw := h.bytes(n*sz + pad4(n*sz))
		if h.err != nil {
			return nil, h.err
		}
		raw = raw[:n*sz]
		switch t {
		case ncChar:
			atts.SetString(name, string(raw))
		case ncByte:
			a := vararray.New(vararray.Int8, n)
			for j := 0; j < n; j++ {
				a.SetInt64At(j, int64(int8(raw[j])))
			}
			atts.Set(name, a)
		case ncShort:
			a := vararray.New(vararray.Int16, n)
			for j := 0; j < n; j++ {
				a.SetInt64At(j, int64(int16(binary.BigEndian.Uint16(raw[2*j:]))))
			}
			atts.Set(name, a)
		case ncInt:
			a := vararray.New(vararray.Int32, n)
			for j := 0; j < n; j++ {
				a.SetInt64At(j, int64(int32(binary.BigEndian.Uint32(raw[4*j:]))))
			}
			atts.Set(name, a)
		case ncFloat:
			a := vararray.New(vararray.Float32, n)
			for j := 0; j < n; j++ {
				a.SetFloat64At(j, float64(math.Float32frombits(binary.BigEndian.Uint32(raw[4*j:]))))
			}
			atts.Set(name, a)
		case ncDouble:
			a := vararray.New(vararray.Float64, n)
			for j := 0; j < n; j++ {
				a.SetFloat64At(j, math.Float64frombits(binary.BigEndian.Uint64(raw[8*j:])))
			}
			atts.Set(name, a)
		}
	}
	return atts, nil
}

// Path implements DataFile.
func (cf *ClassicFile) Path() string { return cf.path }

// Dimensions implements DataFile.
func (cf *ClassicFile) Dimensions() []Dimension { return cf.dims }

// Variables implements DataFile.
func (cf *ClassicFile) Variables() []VarInfo {
	out := make([]VarInfo, len(cf.vars))
	for i, v := range cf.vars {
		out[i] = v.info
	}
	return out
}

// Variable implements DataFile.
func (cf *ClassicFile) Variable(name string) (VarInfo, bool) {
	i, ok := cf.byName[name]
	if !ok {
		return VarInfo{}, false
	}
	return cf.vars[i].info, true
}

// GlobalAttributes implements DataFile.
func (cf *ClassicFile) GlobalAttributes() *metadata.Metadata { return cf.atts }

// NumRecords returns the record count of the unlimited dimension.
func (cf *ClassicFile) NumRecords() int { return cf.numrecs }

// Close implements DataFile.
func (cf *ClassicFile) Close() error {
	handleMu.Lock()
	defer handleMu.Unlock()
	return cf.f.Close()
}

// ReadSlab implements DataFile.
func (cf *ClassicFile) ReadSlab(name string, start, count []int) (vararray.Array, error) {
	handleMu.Lock()
	defer handleMu.Unlock()

	i, ok := cf.byName[name]
	if !ok {
		return nil, fmt.Errorf("cfio: %s: no variable %q", cf.path, name)
	}
	v := cf.vars[i]
	nd := len(v.dimIDs)
	if len(start) != nd || len(count) != nd {
		return nil, fmt.Errorf("cfio: %s: variable %q has %d dims, slab has %d",
			cf.path, name, nd, len(start))
	}
	dims := make([]int, nd)
	for j, id := range v.dimIDs {
		dims[j] = cf.dims[id].Len
		if start[j] < 0 || count[j] < 0 || start[j]+count[j] > dims[j] {
			return nil, fmt.Errorf("cfio: %s: slab [%d,%d) out of range for dimension %q (len %d)",
				cf.path, start[j], start[j]+count[j], cf.dims[id].Name, dims[j])
		}
	}

	total := 1
	for _, c := range count {
		total *= c
	}
	elemSize := ncTypeSize(v.ncType)
	out := vararray.New(v.info.Type, total)
	pos := 0

	if v.record {
		// Per record, the variable's slab covers the non-record dims.
		innerDims := dims[1:]
		innerStart := start[1:]
		innerCount := count[1:]
		for r := start[0]; r < start[0]+count[0]; r++ {
			base := v.begin + int64(r)*cf.recSize
			n, err := cf.readSub(out, pos, base, innerDims, innerStart, innerCount, elemSize, v.ncType)
			if err != nil {
				return nil, err
			}
			pos += n
		}
		return out, nil
	}

	if _, err := cf.readSub(out, pos, v.begin, dims, start, count, elemSize, v.ncType); err != nil {
		return nil, err
	}
	return out, nil
}

// readSub reads a hyperslab of a contiguous row-major block starting at
// base, appending decoded values into out from element position pos.
func (cf *ClassicFile) readSub(out vararray.Array, pos int, base int64, dims, start, count []int, elemSize, ncType int) (int, error) {
	if len(dims) == 0 {
		// Scalar block.
		return cf.readRun(out, pos, base, 1, elemSize, ncType)
	}
	strides := make([]int64, len(dims))
	s := int64(1)
	for i := len(dims) - 1; i >= 0; i-- {
		strides[i] = s
		s *= int64(dims[i])
	}
	idx := make([]int, len(dims))
	written := 0
	for {
		var off int64
		for i := range idx {
			off += int64(start[i]+idx[i]) * strides[i]
		}
		run := count[len(count)-1]
		n, err := cf.readRun(out, pos+written, base+off*int64(elemSize), run, elemSize, ncType)
		if err != nil {
			return written, err
		}
		written += n
		i := len(idx) - 2
		for ; i >= 0; i-- {
			idx[i]++
			if idx[i] < count[i] {
				break
			}
			idx[i] = 0
		}
		if i < 0 {
			break
		}
	}
	return written, nil
}

// readRun reads n contiguous elements at file offset off into out.
func (cf *ClassicFile) readRun(out vararray.Array, pos int, off int64, n, elemSize, ncType int) (int, error) {
	buf := make([]byte, n*elemSize)
	if _, err := cf.f.ReadAt(buf, off); err != nil {
		return 0, fmt.Errorf("cfio: %s: read at %d: %w", cf.path, off, err)
	}
	for j := 0; j < n; j++ {
		switch ncType {
		case ncByte:
			out.SetInt64At(pos+j, int64(int8(buf[j])))
		case ncChar:
			out.SetStringAt(pos+j, string(buf[j:j+1]))
		case ncShort:
			out.SetInt64At(pos+j, int64(int16(binary.BigEndian.Uint16(buf[2*j:]))))
		case ncInt:
			out.SetInt64At(pos+j, int64(int32(binary.BigEndian.Uint32(buf[4*j:]))))
		case ncFloat:
			out.SetFloat64At(pos+j, float64(math.Float32frombits(binary.BigEndian.Uint32(buf[4*j:]))))
		case ncDouble:
			out.SetFloat64At(pos+j, math.Float64frombits(binary.BigEndian.Uint64(buf[8*j:])))
		}
	}
	return n, nil
}
