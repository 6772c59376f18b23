package dataset

import (
	"fmt"

	"meshflow/pkg/bstream"
	"meshflow/pkg/metadata"
)

// Table is a dataset holding a single collection of equal-length columns.
type Table struct {
	md      *metadata.Metadata
	Columns *Collection
}

func init() {
	Register("table", func() Dataset { return NewTable() })
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{md: metadata.New(), Columns: NewCollection()}
}

// TypeName implements Dataset.
func (t *Table) TypeName() string { return "table" }

// Metadata implements Dataset.
func (t *Table) Metadata() *metadata.Metadata { return t.md }

// SetMetadata implements Dataset.
func (t *Table) SetMetadata(md *metadata.Metadata) { t.md = md }

// NewInstance implements Dataset.
func (t *Table) NewInstance() Dataset { return NewTable() }

// NumRows returns the length of the first column, 0 for an empty table.
func (t *Table) NumRows() int {
	names := t.Columns.Names()
	if len(names) == 0 {
		return 0
	}
	col, _ := t.Columns.Get(names[0])
	return col.Size()
}

// Validate checks that all columns have equal length.
func (t *Table) Validate() error {
	n := -1
	for _, name := range t.Columns.Names() {
		col, _ := t.Columns.Get(name)
		if n < 0 {
			n = col.Size()
			continue
		}
		if col.Size() != n {
			return fmt.Errorf("table: column %q has %d rows, expected %d",
				name, col.Size(), n)
		}
	}
	return nil
}

// ShallowCopy returns a table sharing columns and metadata storage.
func (t *Table) ShallowCopy() *Table {
	return &Table{md: t.md.ShallowCopy(), Columns: t.Columns.ShallowCopy()}
}

// Equal reports deep equality.
func (t *Table) Equal(o *Table) bool {
	return t.md.Equal(o.md) && t.Columns.Equal(o.Columns)
}

// Encode implements Dataset.
func (t *Table) Encode(s *bstream.Stream) {
	s.AppendString(t.TypeName())
	t.md.Encode(s)
	t.Columns.Encode(s)
}

// Decode implements Dataset.
func (t *Table) Decode(s *bstream.Stream) error {
	md, err := metadata.Decode(s)
	if err != nil {
		return err
	}
	cols, err := DecodeCollection(s)
	if err != nil {
		return err
	}
	t.md = md
	t.Columns = cols
	return nil
}
