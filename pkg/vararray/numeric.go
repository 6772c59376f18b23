package vararray

import (
	"strconv"

	"meshflow/pkg/bstream"
)

type number interface {
	~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 |
		~int64 | ~uint64 | ~float32 | ~float64
}

// numeric is the generic body behind every numeric tag.
type numeric[T number] struct {
	tag Type
	v   []T
}

func (a *numeric[T]) Type() Type { return a.tag }
func (a *numeric[T]) Size() int  { return len(a.v) }

func (a *numeric[T]) Resize(n int) {
	if n <= len(a.v) {
		a.v = a.v[:n]
		return
	}
	nv := make([]T, n)
	copy(nv, a.v)
	a.v = nv
}

func (a *numeric[T]) NewInstance() Array { return &numeric[T]{tag: a.tag} }

func (a *numeric[T]) NewCopy(lo, hi int) Array {
	return &numeric[T]{tag: a.tag, v: append([]T(nil), a.v[lo:hi+1]...)}
}

func (a *numeric[T]) Clone() Array { return a.NewCopy(0, len(a.v)-1) }

func (a *numeric[T]) Float64At(i int) float64     { return float64(a.v[i]) }
func (a *numeric[T]) SetFloat64At(i int, v float64) { a.v[i] = T(v) }
func (a *numeric[T]) Int64At(i int) int64         { return int64(a.v[i]) }
func (a *numeric[T]) SetInt64At(i int, v int64)   { a.v[i] = T(v) }

func (a *numeric[T]) StringAt(i int) string {
	if a.tag.IsFloat() {
		return strconv.FormatFloat(float64(a.v[i]), 'g', -1, 64)
	}
	return strconv.FormatInt(int64(a.v[i]), 10)
}

func (a *numeric[T]) SetStringAt(i int, v string) {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		f = 0
	}
	a.v[i] = T(f)
}

func (a *numeric[T]) AppendFloat64(v float64) { a.v = append(a.v, T(v)) }
func (a *numeric[T]) AppendInt64(v int64)     { a.v = append(a.v, T(v)) }

func (a *numeric[T]) AppendString(v string) {
	a.AppendFloat64(0)
	a.SetStringAt(len(a.v)-1, v)
}

func (a *numeric[T]) Equal(o Array) bool {
	b, ok := o.(*numeric[T])
	if !ok || b.tag != a.tag || len(b.v) != len(a.v) {
		return false
	}
	for i := range a.v {
		if a.v[i] != b.v[i] {
			return false
		}
	}
	return true
}

func (a *numeric[T]) Encode(s *bstream.Stream) {
	s.AppendUint8(uint8(a.tag))
	s.AppendUint64(uint64(len(a.v)))
	switch a.tag {
	case Int8, UInt8:
		for _, v := range a.v {
			s.AppendUint8(uint8(v))
		}
	case Int16, UInt16:
		for _, v := range a.v {
			s.AppendUint16(uint16(v))
		}
	case Int32, UInt32:
		for _, v := range a.v {
			s.AppendUint32(uint32(v))
		}
	case Int64, UInt64:
		for _, v := range a.v {
			s.AppendUint64(uint64(v))
		}
	case Float32:
		for _, v := range a.v {
			s.AppendFloat32(float32(v))
		}
	case Float64:
		for _, v := range a.v {
			s.AppendFloat64(float64(v))
		}
	}
}

func (a *numeric[T]) decodeBody(s *bstream.Stream) error {
	for i := range a.v {
		switch a.tag {
		case Int8, UInt8:
			v, err := s.ConsumeUint8()
			if err != nil {
				return err
			}
			a.v[i] = T(v)
		case Int16, UInt16:
			v, err := s.ConsumeUint16()
			if err != nil {
				return err
			}
			a.v[i] = T(v)
		case Int32, UInt32:
			v, err := s.ConsumeUint32()
			if err != nil {
				return err
			}
			a.v[i] = T(v)
		case Int64, UInt64:
			v, err := s.ConsumeUint64()
			if err != nil {
				return err
			}
			a.v[i] = T(v)
		case Float32:
			v, err := s.ConsumeFloat32()
			if err != nil {
				return err
			}
			a.v[i] = T(v)
		case Float64:
			v, err := s.ConsumeFloat64()
			if err != nil {
				return err
			}
			a.v[i] = T(v)
		}
	}
	return nil
}
