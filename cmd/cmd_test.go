package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/zoo/config"
	"github.com/jmorganca/zoo/envconfig"
	"github.com/jmorganca/zoo/process"
	"github.com/jmorganca/zoo/registry"
	"github.com/jmorganca/zoo/tokenizer"
	"github.com/jmorganca/zoo/writer"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var b bytes.Buffer
	cli := NewCLI()
	cli.SetOut(&b)
	cli.SetErr(&b)
	cli.SetArgs(args)
	err := cli.ExecuteContext(context.Background())
	return b.String(), err
}

// minigpt4Config writes a sentencepiece vocabulary and an INI file that
// points the minigpt4 processor at it.
func minigpt4Config(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	n, c := tokenizer.TypeNormal, tokenizer.TypeControl
	vocab := filepath.Join(dir, "tokenizer.model")
	require.NoError(t, os.WriteFile(vocab, tokenizer.MarshalSentencePiece(&tokenizer.Vocabulary{
		Values: []string{"<unk>", "<s>", "</s>", "▁", "h", "i", "y", "o", "▁h", "▁hi", "▁y", "▁yo"},
		Types:  []int32{tokenizer.TypeUnknown, c, c, n, n, n, n, n, n, n, n, n},
		Scores: []float32{0, 0, 0, -3, -5, -5, -5, -5, -2, -1, -2, -1},
		UNK:    []int32{0},
	}, true), 0o644))

	vision := filepath.Join(dir, "preprocessor_config.json")
	require.NoError(t, os.WriteFile(vision, []byte(`{"size": {"height": 2, "width": 2}, "image_mean": [0.5, 0.5, 0.5], "image_std": [0.5, 0.5, 0.5]}`), 0o644))

	ini := filepath.Join(dir, "zoo.ini")
	require.NoError(t, os.WriteFile(ini, []byte(`# minigpt4 test
[core/process/minigpt4]
pretrained_name = test
vocab_path = `+vocab+`
vision_config_path = `+vision+`
max_seq_length = 4
max_gen_seq_length = 3
`), 0o644))

	return ini
}

func TestParseArgs(t *testing.T) {
	args, err := parseArgs([]string{"text=hi yo", "n=3", "labels=[a, b]", "empty="})
	require.NoError(t, err)
	if diff := cmp.Diff(process.Args{"text": "hi yo", "n": 3, "labels": []any{"a", "b"}, "empty": nil}, args); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	_, err = parseArgs([]string{"text"})
	assert.Error(t, err)

	_, err = parseArgs([]string{"=hi"})
	assert.Error(t, err)
}

func TestReadInputs(t *testing.T) {
	ins, err := readInputs(strings.NewReader(`{"text": "hi"}
{"text": "yo", "n": 2}
`))
	require.NoError(t, err)
	assert.Equal(t, []process.Args{{"text": "hi"}, {"text": "yo", "n": float64(2)}}, ins)

	_, err = readInputs(strings.NewReader(`{"text": "hi"}
{`))
	assert.ErrorContains(t, err, "input 2")
}

func TestNewCaller(t *testing.T) {
	s := registry.NewSet()
	s.Processes.Register("core/process/echo", func(cfg *config.Config) (process.Func, error) {
		return func(_ context.Context, args process.Args) (any, error) {
			return args.String("text")
		}, nil
	})

	call, err := newCaller(config.New(), s, "core/process/echo")
	require.NoError(t, err)

	out, err := call(context.Background(), process.Args{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "hi", out)

	_, err = newCaller(config.New(), s, "core/process/missing")
	assert.ErrorContains(t, err, "core/process/missing")
}

func TestWriteFallback(t *testing.T) {
	var b bytes.Buffer
	w := writer.NewJSONL(&b, writer.Options{})

	require.NoError(t, write(w, "hi"))
	require.NoError(t, w.Flush())
	assert.JSONEq(t, `{"result": "hi"}`, b.String())
}

func TestInfer(t *testing.T) {
	ini := minigpt4Config(t)

	out, err := run(t, "infer", "core/process/minigpt4/generation/labels", "--config", ini, "-a", "text=hi yo hi")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.JSONEq(t, `{"targets.refs": 9, "targets.masks": 1}`, lines[0])
	assert.JSONEq(t, `{"targets.refs": 2, "targets.masks": 1}`, lines[2])

	out, err = run(t, "infer", "core/process/minigpt4/generation/labels", "--config", ini,
		"--set", "core/process/minigpt4@max_gen_seq_length=4", "-a", "text=hi yo hi", "-w", "core/writer/csv")
	require.NoError(t, err)
	assert.Equal(t, "targets.refs,targets.masks\n9,1\n11,1\n9,1\n2,1\n", out)

	_, err = run(t, "infer", "core/process/minigpt4/generation/labels", "--config", ini, "--set", "bad")
	assert.ErrorIs(t, err, config.ErrOverride)

	_, err = run(t, "infer", "core/process/nothing")
	assert.Error(t, err)
}

func TestInferInputFile(t *testing.T) {
	ini := minigpt4Config(t)

	inputs := filepath.Join(t.TempDir(), "inputs.jsonl")
	require.NoError(t, os.WriteFile(inputs, []byte(`{"text": "hi"}
{"text": "yo"}
`), 0o644))

	out, err := run(t, "infer", "core/process/minigpt4/generation/labels", "--config", ini, "-i", inputs, "-w", "core/writer/csv")
	require.NoError(t, err)
	assert.Equal(t, "targets.refs,targets.masks\n9,1\n2,1\n0,0\n11,1\n2,1\n0,0\n", out)
}

func TestListKeys(t *testing.T) {
	out, err := run(t, "list", "--keys", "core/webui")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 4)
	assert.Equal(t, []string{"KEY", "KIND"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"core/webui/clip", "webui"}, strings.Fields(lines[1]))
}

func TestList(t *testing.T) {
	t.Setenv("ZOO_CACHE", t.TempDir())
	envconfig.LoadConfig()
	t.Cleanup(envconfig.LoadConfig)

	out, err := run(t, "list", "clip-vit")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"NAME", "FAMILY", "CACHED", "SIZE", "MODIFIED"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"clip-vit-base-patch16", "clip", "0/5", "0", "B", "Never"}, strings.Fields(lines[1]))
}

func TestResources(t *testing.T) {
	got := resources(map[string]any{
		"vocab":  "b.json",
		"vae":    map[string]any{"config": "a.json"},
		"weight": []any{"c.bin", "b.json"},
	})
	assert.Equal(t, []string{"a.json", "b.json", "c.bin"}, got)
}

func TestPretrainedFiles(t *testing.T) {
	files, err := pretrainedFiles("clip-vit-base-patch16")
	require.NoError(t, err)
	assert.Len(t, files, 5)

	_, err = pretrainedFiles("nothing")
	assert.ErrorContains(t, err, "unknown pretrained name")
}

func TestEnv(t *testing.T) {
	out, err := run(t, "env")
	require.NoError(t, err)
	assert.Contains(t, out, "ZOO_HOST")
	assert.Contains(t, out, "127.0.0.1:7860")
}

func TestVersion(t *testing.T) {
	out, err := run(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, "zoo version 0.0.0\n", out)
}

func TestShard(t *testing.T) {
	ins := []int{0, 1, 2, 3, 4}
	assert.Equal(t, ins, shard(ins, 0, 1))
	assert.Equal(t, []int{0, 2, 4}, shard(ins, 0, 2))
	assert.Equal(t, []int{1, 3}, shard(ins, 1, 2))
	assert.Equal(t, []int{2}, shard(ins, 2, 8))
	assert.Empty(t, shard(ins, 6, 8))
}
