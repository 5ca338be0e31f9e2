package writer

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/olekukonko/tablewriter"

	"github.com/jmorganca/zoo/bundle"
	"github.com/jmorganca/zoo/config"
	"github.com/jmorganca/zoo/registry"
)

// Options are read from the writer's configuration section.
type Options struct {
	// Columns restricts and orders the written columns. Empty writes all.
	Columns []string `option:"columns"`
	Header  bool     `option:"header"`
}

type bundler interface {
	Bundle() *bundle.Tensors
}

// Tabler is a result that lays itself out as a table, as pipeline results
// do.
type Tabler interface {
	Table() (*Table, error)
}

// table converts a result into a table. Model inputs are not written and
// yield nil.
func table(v any) (*Table, error) {
	switch v := v.(type) {
	case *Table:
		return v, nil
	case Tabler:
		return v.Table()
	case bundler:
		return table(v.Bundle())
	case *bundle.Combined:
		if v.ListTensors().Len() > 0 {
			return nil, fmt.Errorf("%w: list fields %v", ErrUnsupported, v.ListTensors().Keys())
		}
		return table(bundle.As(v.Tensors(), v.Role()))
	case *bundle.Tensors:
		switch v.Role() {
		case bundle.RoleInputs:
			slog.Debug("skipping model inputs", "fields", v.Keys())
			return nil, nil
		case bundle.RoleTargets:
			t, err := FromBundle(v)
			if err != nil {
				return nil, err
			}

			for i, c := range t.Columns {
				t.Columns[i] = "targets." + c
			}
			return t, nil
		default:
			return FromBundle(v)
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupported, v)
	}
}

// rowWriter holds what the concrete writers share: result dispatch and
// column selection.
type rowWriter struct {
	opts    Options
	columns []string
	rows    func(columns []string, rows [][]any) error
}

func (w *rowWriter) Write(v any) error {
	t, err := table(v)
	if err != nil || t == nil {
		return err
	}

	if len(w.opts.Columns) > 0 {
		if t, err = t.Select(w.opts.Columns...); err != nil {
			return err
		}
	}

	if w.columns == nil {
		w.columns = t.Columns
	}

	return w.rows(t.Columns, t.Rows)
}

func cell(v any) string {
	switch v := v.(type) {
	case string:
		return v
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}

func cells(row []any) []string {
	out := make([]string, len(row))
	for i, v := range row {
		out[i] = cell(v)
	}

	return out
}

type CSV struct {
	rowWriter
	w      *csv.Writer
	header bool
}

func NewCSV(w io.Writer, opts Options) *CSV {
	c := &CSV{w: csv.NewWriter(w), rowWriter: rowWriter{opts: opts}}
	c.rows = c.writeRows
	return c
}

func (c *CSV) writeRows(columns []string, rows [][]any) error {
	if c.opts.Header && !c.header {
		if err := c.w.Write(columns); err != nil {
			return err
		}
		c.header = true
	}

	for _, row := range rows {
		if err := c.w.Write(cells(row)); err != nil {
			return err
		}
	}

	return nil
}

func (c *CSV) Flush() error {
	c.w.Flush()
	return c.w.Error()
}

// JSONL writes one object per row.
type JSONL struct {
	rowWriter
	enc *json.Encoder
}

func NewJSONL(w io.Writer, opts Options) *JSONL {
	j := &JSONL{enc: json.NewEncoder(w), rowWriter: rowWriter{opts: opts}}
	j.rows = j.writeRows
	return j
}

func (j *JSONL) writeRows(columns []string, rows [][]any) error {
	for _, row := range rows {
		obj := make(map[string]any, len(columns))
		for i, c := range columns {
			obj[c] = row[i]
		}

		if err := j.enc.Encode(obj); err != nil {
			return err
		}
	}

	return nil
}

func (j *JSONL) Flush() error { return nil }

// Text renders an aligned table once flushed.
type Text struct {
	rowWriter
	out  io.Writer
	data [][]string
}

func NewText(w io.Writer, opts Options) *Text {
	t := &Text{out: w, rowWriter: rowWriter{opts: opts}}
	t.rows = t.writeRows
	return t
}

func (t *Text) writeRows(_ []string, rows [][]any) error {
	for _, row := range rows {
		t.data = append(t.data, cells(row))
	}

	return nil
}

func (t *Text) Flush() error {
	if len(t.data) == 0 {
		return nil
	}

	table := tablewriter.NewWriter(t.out)
	if t.opts.Header {
		table.SetHeader(t.columns)
	}
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(t.data)
	table.Render()

	t.data = nil
	return nil
}

func options(cfg *config.Config, section string) (Options, error) {
	opts := Options{Header: true}
	if err := config.Decode(cfg.Section(section), &opts); err != nil {
		return Options{}, err
	}

	return opts, nil
}

// Register adds the csv, jsonl and text writers to s.
func Register(s *registry.Set) {
	s.Writers.Register("core/writer/csv", func(cfg *config.Config, w io.Writer) (registry.Writer, error) {
		opts, err := options(cfg, "core/writer/csv")
		if err != nil {
			return nil, err
		}
		return NewCSV(w, opts), nil
	})

	s.Writers.Register("core/writer/jsonl", func(cfg *config.Config, w io.Writer) (registry.Writer, error) {
		opts, err := options(cfg, "core/writer/jsonl")
		if err != nil {
			return nil, err
		}
		return NewJSONL(w, opts), nil
	})

	s.Writers.Register("core/writer/text", func(cfg *config.Config, w io.Writer) (registry.Writer, error) {
		opts, err := options(cfg, "core/writer/text")
		if err != nil {
			return nil, err
		}
		return NewText(w, opts), nil
	})
}
