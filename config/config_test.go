package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetOption(t *testing.T) {
	c := New()
	s := c.Section("core/process/chatglm")

	assert.Equal(t, 128, s.Get("max_seq_length", 128))
	assert.Nil(t, s.Get("max_seq_length"))

	c.Set("core/process/chatglm", "max_seq_length", 256)
	assert.Equal(t, 256, s.Get("max_seq_length", 128))

	// an explicit nil is a configured value
	s.Set("vocab_path", nil)
	assert.Nil(t, s.Get("vocab_path", "fallback"))
	assert.Equal(t, "fallback", s.String("vocab_path", "fallback"))

	// sections do not leak into each other
	assert.Equal(t, 64, c.Section("core/process/clip").Get("max_seq_length", 64))
}

func TestTypedGetters(t *testing.T) {
	c := New()
	s := c.Section("s")
	s.Set("int", "12")
	s.Set("float", 0.5)
	s.Set("bool", "true")
	s.Set("strings", []any{"a", "b"})
	s.Set("map", map[string]any{"0": "cat"})
	s.Set("bad", "twelve")

	assert.Equal(t, 12, s.Int("int"))
	assert.Equal(t, 0.5, s.Float("float"))
	assert.True(t, s.Bool("bool"))
	assert.Equal(t, []string{"a", "b"}, s.Strings("strings"))
	assert.Equal(t, map[string]any{"0": "cat"}, s.StringMap("map"))
	assert.Equal(t, 7, s.Int("bad", 7))
	assert.Equal(t, 3, s.Int("missing", 3))
	assert.Equal(t, 0, s.Int("missing"))
	assert.Equal(t, "12", s.String("int"))
}

func TestPopValue(t *testing.T) {
	_, err := PopValue(nil, nil, true)
	assert.ErrorIs(t, err, ErrNoValue)

	v, err := PopValue(nil, nil, false)
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = PopValue(nil, 5, true)
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	v, err = PopValue(3, 5, true)
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	var p *int
	v, err = PopValue(p, "x", true)
	require.NoError(t, err)
	assert.Equal(t, "x", v, "typed nil counts as nil")

	v, err = PopValue(0, 5, true)
	require.NoError(t, err)
	assert.Equal(t, 0, v, "zero is a value")
}

func TestNestedValue(t *testing.T) {
	table := map[string]any{
		"default-chatglm": map[string]any{
			"vocab": "https://example.com/vocab.model",
			"text":  map[string]any{"merge": "merges.txt"},
		},
	}

	v, err := NestedValue(table, "default-chatglm", "vocab")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/vocab.model", v)

	v, err = NestedValue(table, "default-chatglm", "text", "merge")
	require.NoError(t, err)
	assert.Equal(t, "merges.txt", v)

	_, err = NestedValue(table, "default-chatglm", "weight")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	assert.ErrorContains(t, err, "default-chatglm.weight")

	_, err = NestedValue(table, "default-chatglm", "vocab", "deeper")
	assert.ErrorIs(t, err, ErrKeyNotFound)

	v, err = NestedValue(table)
	require.NoError(t, err)
	assert.Equal(t, table, v)
}

func TestResolve(t *testing.T) {
	infos := map[string]any{"m": map[string]any{"vocab": "info-vocab"}}
	c := New()
	s := c.Section("core/process/m")

	v, err := ResolveString(s, "vocab_path", infos, "m", "vocab")
	require.NoError(t, err)
	assert.Equal(t, "info-vocab", v)

	s.Set("vocab_path", "local-vocab")
	v, err = ResolveString(s, "vocab_path", infos, "m", "vocab")
	require.NoError(t, err)
	assert.Equal(t, "local-vocab", v)

	_, err = Resolve(c.Section("other"), "vocab_path", infos, "unknown", "vocab")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestParseValue(t *testing.T) {
	cases := map[string]any{
		"128":          128,
		"0.5":          0.5,
		"true":         true,
		"None":         nil,
		"":             nil,
		"hello":        "hello",
		"['a', 'b']":   []any{"a", "b"},
		"{label: cat}": map[string]any{"label": "cat"},
		"https://x/y":  "https://x/y",
		"core/process": "core/process",
	}

	for raw, want := range cases {
		if diff := cmp.Diff(want, ParseValue(raw)); diff != "" {
			t.Errorf("ParseValue(%q) mismatch (-want +got):\n%s", raw, diff)
		}
	}
}

func TestOverride(t *testing.T) {
	c := New()
	require.NoError(t, c.Override("core/model/generation/chatglm@num_beams=3"))
	assert.Equal(t, 3, c.Section("core/model/generation/chatglm").Int("num_beams"))

	require.NoError(t, c.Override("s@url=http://a/b?c=d"))
	assert.Equal(t, "http://a/b?c=d", c.Section("s").String("url"))

	for _, bad := range []string{"no-at", "@option=1", "section@=1", "section@option"} {
		assert.ErrorIs(t, c.Override(bad), ErrOverride, bad)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	files := map[string]string{
		"zoo.yaml": "core/process/chatglm:\n  max_seq_length: 64\n  pretrained_name: default-chatglm\n",
		"zoo.toml": "[\"core/process/chatglm\"]\nmax_seq_length = 64\npretrained_name = \"default-chatglm\"\n",
		"zoo.ini":  "# comment\n[core/process/chatglm]\nmax_seq_length = 64\npretrained_name = default-chatglm\n",
	}

	for name, content := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

			c, err := Load(path)
			require.NoError(t, err)

			s := c.Section("core/process/chatglm")
			assert.Equal(t, 64, s.Int("max_seq_length"))
			assert.Equal(t, "default-chatglm", s.String("pretrained_name"))
			assert.Equal(t, []string{"core/process/chatglm"}, c.Sections())
		})
	}

	bad := filepath.Join(dir, "bad.ini")
	require.NoError(t, os.WriteFile(bad, []byte("orphan = 1\n"), 0o644))
	_, err := Load(bad)
	assert.Error(t, err)

	_, err = Load(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDecode(t *testing.T) {
	c := New()
	s := c.Section("core/optim/adam")
	s.Set("learning_rate", "0.001")
	s.Set("betas", []any{0.9, 0.999})

	var opts struct {
		LearningRate float64   `option:"learning_rate"`
		Betas        []float64 `option:"betas"`
		WeightDecay  float64   `option:"weight_decay"`
	}
	opts.WeightDecay = 0.01

	require.NoError(t, Decode(s, &opts))
	assert.Equal(t, 0.001, opts.LearningRate)
	assert.Equal(t, []float64{0.9, 0.999}, opts.Betas)
	assert.Equal(t, 0.01, opts.WeightDecay, "absent options keep their value")
}

func TestMerge(t *testing.T) {
	a, b := New(), New()
	a.Set("s", "x", 1)
	a.Set("s", "y", 1)
	b.Set("s", "y", 2)
	b.Set("t", "z", 3)

	a.Merge(b)
	assert.Equal(t, map[string]any{"x": 1, "y": 2}, a.Options("s"))
	assert.Equal(t, []string{"s", "t"}, a.Sections())
}

func TestConcurrentSections(t *testing.T) {
	c := New()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := c.Section("s")
			s.Set("k", i)
			_ = s.Int("k")
		}()
	}
	wg.Wait()

	_, ok := c.Get("s", "k")
	assert.True(t, ok)
}
