// Package writer renders postprocessed results as tables.
package writer

import (
	"errors"
	"fmt"
	"slices"

	"github.com/jmorganca/zoo/bundle"
	"github.com/jmorganca/zoo/ml"
)

var (
	ErrColumns     = errors.New("writer: column mismatch")
	ErrUnsupported = errors.New("writer: unsupported value")
)

// Table is a column oriented result: one row per batch entry.
type Table struct {
	Columns []string
	Rows    [][]any
}

func NewTable(columns ...string) *Table {
	return &Table{Columns: columns}
}

func (t *Table) Len() int {
	return len(t.Rows)
}

// Append adds one row. values must match the columns.
func (t *Table) Append(values ...any) error {
	if len(values) != len(t.Columns) {
		return fmt.Errorf("%w: %d values for columns %v", ErrColumns, len(values), t.Columns)
	}

	t.Rows = append(t.Rows, values)
	return nil
}

func (t *Table) Column(name string) ([]any, error) {
	i := slices.Index(t.Columns, name)
	if i < 0 {
		return nil, fmt.Errorf("%w: no column %q in %v", ErrColumns, name, t.Columns)
	}

	col := make([]any, len(t.Rows))
	for j, row := range t.Rows {
		col[j] = row[i]
	}

	return col, nil
}

// Select returns a table of the named columns, in the given order.
func (t *Table) Select(names ...string) (*Table, error) {
	idx := make([]int, len(names))
	for i, name := range names {
		if idx[i] = slices.Index(t.Columns, name); idx[i] < 0 {
			return nil, fmt.Errorf("%w: no column %q in %v", ErrColumns, name, t.Columns)
		}
	}

	out := NewTable(names...)
	for _, row := range t.Rows {
		values := make([]any, len(idx))
		for i, j := range idx {
			values[i] = row[j]
		}
		out.Rows = append(out.Rows, values)
	}

	return out, nil
}

// Concat appends the rows of tables sharing t's columns.
func (t *Table) Concat(ts ...*Table) (*Table, error) {
	out := &Table{Columns: t.Columns, Rows: slices.Clone(t.Rows)}
	for _, o := range ts {
		if !slices.Equal(t.Columns, o.Columns) {
			return nil, fmt.Errorf("%w: %v and %v", ErrColumns, t.Columns, o.Columns)
		}
		out.Rows = append(out.Rows, o.Rows...)
	}

	return out, nil
}

// FromBundle turns every field into a column. Row i of a column is entry i
// of the field's first axis: a scalar for (B) fields, a slice for (B, N)
// fields and nested slices beyond. Fields must share the batch size.
func FromBundle(b *bundle.Tensors) (*Table, error) {
	t := NewTable(b.Keys()...)

	batch := -1
	var cols [][]any
	for name, v := range b.All() {
		col := rows(v)
		if batch >= 0 && len(col) != batch {
			return nil, fmt.Errorf("%w: field %q has %d rows, want %d", ErrColumns, name, len(col), batch)
		}

		batch = len(col)
		cols = append(cols, col)
	}

	for i := range max(batch, 0) {
		values := make([]any, len(cols))
		for j := range cols {
			values[j] = cols[j][i]
		}
		t.Rows = append(t.Rows, values)
	}

	return t, nil
}

func rows(t *ml.Tensor) []any {
	shape := t.Shape()
	out := make([]any, shape[0])
	if t.DType() == ml.DTypeI64 {
		split(t.Ints(), shape, out)
	} else {
		split(t.Floats(), shape, out)
	}

	return out
}

func split[E int64 | float32](s []E, shape []int, out []any) {
	if len(shape) == 1 {
		for i := range out {
			out[i] = s[i]
		}
		return
	}

	width := len(s) / shape[0]
	for i := range out {
		out[i] = nest(s[i*width:(i+1)*width], shape[1:])
	}
}

func nest[E int64 | float32](s []E, shape []int) any {
	if len(shape) == 1 {
		return slices.Clone(s)
	}

	width := len(s) / shape[0]
	out := make([]any, shape[0])
	for i := range out {
		out[i] = nest(s[i*width:(i+1)*width], shape[1:])
	}

	return out
}
