package writer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/zoo/bundle"
	"github.com/jmorganca/zoo/config"
	"github.com/jmorganca/zoo/ml"
	"github.com/jmorganca/zoo/model"
	"github.com/jmorganca/zoo/registry"
	"github.com/jmorganca/zoo/tokenizer"
)

func outputs(t *testing.T) *bundle.Tensors {
	t.Helper()
	scores, err := ml.FromFloats([]float32{0.5, 0.25})
	require.NoError(t, err)
	ids, err := ml.FromInts([]int64{1, 2, 3, 4}, 2, 2)
	require.NoError(t, err)
	return bundle.Outputs(bundle.NewTensors(bundle.F("score", scores), bundle.F("ids", ids)))
}

func TestTable(t *testing.T) {
	tb := NewTable("a", "b")
	require.NoError(t, tb.Append(1, "x"))
	require.NoError(t, tb.Append(2, "y"))
	assert.ErrorIs(t, tb.Append(3), ErrColumns)
	assert.Equal(t, 2, tb.Len())

	col, err := tb.Column("b")
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y"}, col)

	_, err = tb.Column("c")
	assert.ErrorIs(t, err, ErrColumns)

	sel, err := tb.Select("b", "a")
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"x", 1}, {"y", 2}}, sel.Rows)

	both, err := tb.Concat(tb)
	require.NoError(t, err)
	assert.Equal(t, 4, both.Len())
	assert.Equal(t, 2, tb.Len())

	_, err = tb.Concat(NewTable("a"))
	assert.ErrorIs(t, err, ErrColumns)
}

func TestFromBundle(t *testing.T) {
	tb, err := FromBundle(outputs(t))
	require.NoError(t, err)

	want := &Table{
		Columns: []string{"score", "ids"},
		Rows: [][]any{
			{float32(0.5), []int64{1, 2}},
			{float32(0.25), []int64{3, 4}},
		},
	}
	if diff := cmp.Diff(want, tb); diff != "" {
		t.Errorf("table mismatch (-want +got):\n%s", diff)
	}

	cube, err := ml.FromInts([]int64{1, 2, 3, 4}, 1, 2, 2)
	require.NoError(t, err)
	tb, err = FromBundle(bundle.NewTensors(bundle.F("seqs", cube)))
	require.NoError(t, err)
	assert.Equal(t, []any{[]any{[]int64{1, 2}, []int64{3, 4}}}, tb.Rows[0])

	one, err := ml.FromFloats([]float32{1})
	require.NoError(t, err)
	_, err = FromBundle(bundle.NewTensors(bundle.F("score", one), bundle.F("ids", cube.Clone())))
	require.NoError(t, err)

	three, err := ml.FromFloats([]float32{1, 2, 3})
	require.NoError(t, err)
	_, err = FromBundle(bundle.NewTensors(bundle.F("a", one), bundle.F("b", three)))
	assert.ErrorIs(t, err, ErrColumns)
}

func TestCSV(t *testing.T) {
	var buf bytes.Buffer
	w := NewCSV(&buf, Options{Header: true})

	require.NoError(t, w.Write(outputs(t)))
	require.NoError(t, w.Write(outputs(t)))
	require.NoError(t, w.Flush())

	want := "score,ids\n0.5,\"[1,2]\"\n0.25,\"[3,4]\"\n0.5,\"[1,2]\"\n0.25,\"[3,4]\"\n"
	assert.Equal(t, want, buf.String())
}

func TestDispatchByRole(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONL(&buf, Options{})

	require.NoError(t, w.Write(bundle.Inputs(outputs(t))))
	assert.Empty(t, buf.String())

	require.NoError(t, w.Write(bundle.Targets(outputs(t))))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `{"targets.ids":[1,2],"targets.score":0.5}`, lines[0])

	assert.ErrorIs(t, w.Write(42), ErrUnsupported)
}

func TestColumns(t *testing.T) {
	var buf bytes.Buffer
	w := NewCSV(&buf, Options{Columns: []string{"ids"}})
	require.NoError(t, w.Write(outputs(t)))
	require.NoError(t, w.Flush())
	assert.Equal(t, "\"[1,2]\"\n\"[3,4]\"\n", buf.String())

	w = NewCSV(&buf, Options{Columns: []string{"missing"}})
	assert.ErrorIs(t, w.Write(outputs(t)), ErrColumns)
}

func TestText(t *testing.T) {
	var buf bytes.Buffer
	w := NewText(&buf, Options{Header: true})

	tb := NewTable("name", "decoded")
	require.NoError(t, tb.Append("a", "hello"))
	require.NoError(t, w.Write(tb))
	assert.Empty(t, buf.String())

	require.NoError(t, w.Flush())
	out := buf.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "hello")
}

func TestRegister(t *testing.T) {
	s := registry.NewSet()
	Register(s)
	assert.Equal(t, []string{"core/writer/csv", "core/writer/jsonl", "core/writer/text"}, s.Writers.Keys())

	cfg := config.New()
	cfg.Set("core/writer/csv", "header", false)

	var buf bytes.Buffer
	w, err := s.Writer(cfg, "core/writer/csv", &buf)
	require.NoError(t, err)

	tb := NewTable("a")
	require.NoError(t, tb.Append("x"))
	require.NoError(t, w.Write(tb))
	require.NoError(t, w.Flush())
	assert.Equal(t, "x\n", buf.String())
}

func TestDecoded(t *testing.T) {
	v := &tokenizer.Vocabulary{
		Values: []string{"<pad>", "a", "b", "</s>"},
		Types:  []int32{tokenizer.TypeControl, tokenizer.TypeNormal, tokenizer.TypeNormal, tokenizer.TypeControl},
		EOS:    []int32{3},
		PAD:    []int32{0},
	}
	tok := tokenizer.NewBytePairEncoding(v, tokenizer.BPEOptions{})

	seqs, err := ml.FromInts([]int64{1, 2, 3, 1, 0, 2, 0, 0}, 2, 4)
	require.NoError(t, err)

	tb, err := Decoded(tok, model.GenerationOutputs{Sequences: seqs})
	require.NoError(t, err)
	assert.Equal(t, []string{"decoded"}, tb.Columns)
	assert.Equal(t, [][]any{{"ab"}, {"b"}}, tb.Rows)

	nested, err := seqs.Reshape(1, 2, 4)
	require.NoError(t, err)
	tb, err = Decoded(tok, bundle.NewTensors(bundle.F("sequences", nested)))
	require.NoError(t, err)
	assert.Equal(t, [][]any{{[]string{"ab", "b"}}}, tb.Rows)

	_, err = Decoded(tok, bundle.NewTensors(bundle.F("scores", seqs)))
	assert.ErrorIs(t, err, bundle.ErrMissingField)

	_, err = Decoded(tok, "text")
	assert.ErrorIs(t, err, ErrUnsupported)
}

type score float32

func (s score) Table() (*Table, error) {
	t := NewTable("score")
	return t, t.Append(float32(s))
}

func TestTabler(t *testing.T) {
	var b bytes.Buffer
	w := NewJSONL(&b, Options{})
	require.NoError(t, w.Write(score(0.5)))
	require.NoError(t, w.Flush())
	assert.JSONEq(t, `{"score":0.5}`, b.String())

	assert.ErrorIs(t, w.Write(struct{}{}), ErrUnsupported)
}
