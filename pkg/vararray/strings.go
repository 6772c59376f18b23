package vararray

import (
	"strconv"

	"meshflow/pkg/bstream"
)

// strings is the variable-length string body.
type strings struct {
	v []string
}

func (a *strings) Type() Type { return String }
func (a *strings) Size() int  { return len(a.v) }

func (a *strings) Resize(n int) {
	if n <= len(a.v) {
		a.v = a.v[:n]
		return
	}
	nv := make([]string, n)
	copy(nv, a.v)
	a.v = nv
}

func (a *strings) NewInstance() Array { return &strings{} }

func (a *strings) NewCopy(lo, hi int) Array {
	return &strings{v: append([]string(nil), a.v[lo:hi+1]...)}
}

func (a *strings) Clone() Array { return a.NewCopy(0, len(a.v)-1) }

func (a *strings) Float64At(i int) float64 {
	f, err := strconv.ParseFloat(a.v[i], 64)
	if err != nil {
		return 0
	}
	return f
}

func (a *strings) SetFloat64At(i int, v float64) {
	a.v[i] = strconv.FormatFloat(v, 'g', -1, 64)
}

func (a *strings) Int64At(i int) int64 {
	n, err := strconv.ParseInt(a.v[i], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func (a *strings) SetInt64At(i int, v int64) { a.v[i] = strconv.FormatInt(v, 10) }

func (a *strings) StringAt(i int) string       { return a.v[i] }
func (a *strings) SetStringAt(i int, v string) { a.v[i] = v }

func (a *strings) AppendFloat64(v float64) {
	a.v = append(a.v, strconv.FormatFloat(v, 'g', -1, 64))
}

func (a *strings) AppendInt64(v int64) { a.v = append(a.v, strconv.FormatInt(v, 10)) }

func (a *strings) AppendString(v string) { a.v = append(a.v, v) }

func (a *strings) Equal(o Array) bool {
	b, ok := o.(*strings)
	if !ok || len(b.v) != len(a.v) {
		return false
	}
	for i := range a.v {
		if a.v[i] != b.v[i] {
			return false
		}
	}
	return true
}

func (a *strings) Encode(s *bstream.Stream) {
	s.AppendUint8(uint8(String))
	s.AppendUint64(uint64(len(a.v)))
	for _, v := range a.v {
		s.AppendString(v)
	}
}

func (a *strings) decodeBody(s *bstream.Stream) error {
	for i := range a.v {
		v, err := s.ConsumeString()
		if err != nil {
			return err
		}
		a.v[i] = v
	}
	return nil
}
