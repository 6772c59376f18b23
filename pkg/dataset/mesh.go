package dataset

import (
	"fmt"

	"meshflow/pkg/bstream"
	"meshflow/pkg/metadata"
	"meshflow/pkg/vararray"
)

// CartesianMesh is a structured mesh with per-axis coordinate arrays.
//
// Extent and WholeExtent are inclusive index boxes (i0,i1,j0,j1,k0,k1);
// Bounds are the matching coordinate values. Point arrays span the extent,
// cell arrays the extent minus one per spanned axis, information arrays are
// free-size.
type CartesianMesh struct {
	md *metadata.Metadata

	X, Y, Z vararray.Array

	Time     float64
	TimeStep uint64

	Extent      [6]uint64
	WholeExtent [6]uint64
	Bounds      [6]float64

	Points *Collection
	Cells  *Collection
	Info   *Collection
}

func init() {
	Register("cartesian_mesh", func() Dataset { return NewCartesianMesh() })
}

// NewCartesianMesh returns an empty mesh.
func NewCartesianMesh() *CartesianMesh {
	return &CartesianMesh{
		md:     metadata.New(),
		Points: NewCollection(),
		Cells:  NewCollection(),
		Info:   NewCollection(),
	}
}

// TypeName implements Dataset.
func (m *CartesianMesh) TypeName() string { return "cartesian_mesh" }

// Metadata implements Dataset.
func (m *CartesianMesh) Metadata() *metadata.Metadata { return m.md }

// SetMetadata implements Dataset.
func (m *CartesianMesh) SetMetadata(md *metadata.Metadata) { m.md = md }

// NewInstance implements Dataset.
func (m *CartesianMesh) NewInstance() Dataset { return NewCartesianMesh() }

// Span returns the number of points along axis a (0=x,1=y,2=z) of the
// local extent.
func (m *CartesianMesh) Span(a int) int {
	return int(m.Extent[2*a+1]-m.Extent[2*a]) + 1
}

// NumPoints returns the point count of the local extent.
func (m *CartesianMesh) NumPoints() int {
	return m.Span(0) * m.Span(1) * m.Span(2)
}

// Validate checks the coordinate/extent invariants.
func (m *CartesianMesh) Validate() error {
	check := func(name string, c vararray.Array, span int) error {
		if c == nil {
			if span != 1 {
				return fmt.Errorf("cartesian_mesh: %s coordinates missing for span %d", name, span)
			}
			return nil
		}
		if c.Size() != span {
			return fmt.Errorf("cartesian_mesh: %s coordinates have %d values, extent spans %d",
				name, c.Size(), span)
		}
		return nil
	}
	if err := check("x", m.X, m.Span(0)); err != nil {
		return err
	}
	if err := check("y", m.Y, m.Span(1)); err != nil {
		return err
	}
	if err := check("z", m.Z, m.Span(2)); err != nil {
		return err
	}
	np := m.NumPoints()
	for _, name := range m.Points.Names() {
		a, _ := m.Points.Get(name)
		if a.Size() != np {
			return fmt.Errorf("cartesian_mesh: point array %q has %d elements, extent has %d points",
				name, a.Size(), np)
		}
	}
	return nil
}

// ShallowCopy returns a mesh sharing the coordinate and data arrays. The
// structure (extents, bounds, time) is copied by value so the copy may be
// re-shaped without touching the original.
func (m *CartesianMesh) ShallowCopy() *CartesianMesh {
	return &CartesianMesh{
		md:          m.md.ShallowCopy(),
		X:           m.X,
		Y:           m.Y,
		Z:           m.Z,
		Time:        m.Time,
		TimeStep:    m.TimeStep,
		Extent:      m.Extent,
		WholeExtent: m.WholeExtent,
		Bounds:      m.Bounds,
		Points:      m.Points.ShallowCopy(),
		Cells:       m.Cells.ShallowCopy(),
		Info:        m.Info.ShallowCopy(),
	}
}

// Equal reports deep equality.
func (m *CartesianMesh) Equal(o *CartesianMesh) bool {
	if m.Time != o.Time || m.TimeStep != o.TimeStep ||
		m.Extent != o.Extent || m.WholeExtent != o.WholeExtent || m.Bounds != o.Bounds {
		return false
	}
	eqCoord := func(a, b vararray.Array) bool {
		if (a == nil) != (b == nil) {
			return false
		}
		return a == nil || a.Equal(b)
	}
	if !eqCoord(m.X, o.X) || !eqCoord(m.Y, o.Y) || !eqCoord(m.Z, o.Z) {
		return false
	}
	return m.md.Equal(o.md) && m.Points.Equal(o.Points) &&
		m.Cells.Equal(o.Cells) && m.Info.Equal(o.Info)
}

// Encode implements Dataset.
func (m *CartesianMesh) Encode(s *bstream.Stream) {
	s.AppendString(m.TypeName())
	m.md.Encode(s)
	for _, c := range []vararray.Array{m.X, m.Y, m.Z} {
		if c == nil {
			s.AppendUint8(0)
			continue
		}
		s.AppendUint8(1)
		c.Encode(s)
	}
	s.AppendFloat64(m.Time)
	s.AppendUint64(m.TimeStep)
	for _, v := range m.Extent {
		s.AppendUint64(v)
	}
	for _, v := range m.WholeExtent {
		s.AppendUint64(v)
	}
	for _, v := range m.Bounds {
		s.AppendFloat64(v)
	}
	m.Points.Encode(s)
	m.Cells.Encode(s)
	m.Info.Encode(s)
}

// Decode implements Dataset.
func (m *CartesianMesh) Decode(s *bstream.Stream) error {
	md, err := metadata.Decode(s)
	if err != nil {
		return err
	}
	m.md = md
	coords := make([]vararray.Array, 3)
	for i := range coords {
		present, err := s.ConsumeUint8()
		if err != nil {
			return err
		}
		if present == 0 {
			continue
		}
		if coords[i], err = vararray.Decode(s); err != nil {
			return err
		}
	}
	m.X, m.Y, m.Z = coords[0], coords[1], coords[2]
	if m.Time, err = s.ConsumeFloat64(); err != nil {
		return err
	}
	if m.TimeStep, err = s.ConsumeUint64(); err != nil {
		return err
	}
	for i := range m.Extent {
		if m.Extent[i], err = s.ConsumeUint64(); err != nil {
			return err
		}
	}
	for i := range m.WholeExtent {
		if m.WholeExtent[i], err = s.ConsumeUint64(); err != nil {
			return err
		}
	}
	for i := range m.Bounds {
		if m.Bounds[i], err = s.ConsumeFloat64(); err != nil {
			return err
		}
	}
	if m.Points, err = DecodeCollection(s); err != nil {
		return err
	}
	if m.Cells, err = DecodeCollection(s); err != nil {
		return err
	}
	m.Info, err = DecodeCollection(s)
	return err
}
