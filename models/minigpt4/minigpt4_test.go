package minigpt4

import (
	"context"
	"image"
	"image/color"
	"image/draw"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/zoo/bundle"
	"github.com/jmorganca/zoo/config"
	"github.com/jmorganca/zoo/ml"
	"github.com/jmorganca/zoo/model"
	"github.com/jmorganca/zoo/process"
	"github.com/jmorganca/zoo/registry"
	"github.com/jmorganca/zoo/tokenizer"
	"github.com/jmorganca/zoo/writer"
)

func testVocabulary() *tokenizer.Vocabulary {
	n, c := tokenizer.TypeNormal, tokenizer.TypeControl
	return &tokenizer.Vocabulary{
		Values: []string{"<unk>", "<s>", "</s>", "▁", "h", "i", "y", "o", "▁h", "▁hi", "▁y", "▁yo"},
		Types:  []int32{tokenizer.TypeUnknown, c, c, n, n, n, n, n, n, n, n, n},
		Scores: []float32{0, 0, 0, -3, -5, -5, -5, -5, -2, -1, -2, -1},
		UNK:    []int32{0},
	}
}

func fixtures(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	vocab := filepath.Join(dir, "tokenizer.model")
	require.NoError(t, os.WriteFile(vocab, tokenizer.MarshalSentencePiece(testVocabulary(), true), 0o644))

	vision := filepath.Join(dir, "preprocessor_config.json")
	require.NoError(t, os.WriteFile(vision, []byte(`{"size": {"height": 2, "width": 2}, "image_mean": [0.5, 0.5, 0.5], "image_std": [0.5, 0.5, 0.5]}`), 0o644))

	cfg := config.New()
	cfg.Set(processSection, "pretrained_name", "test")
	cfg.Set(processSection, "vocab_path", vocab)
	cfg.Set(processSection, "vision_config_path", vision)
	cfg.Set(processSection, "max_seq_length", 4)
	cfg.Set(processSection, "max_gen_seq_length", 3)
	return cfg
}

func white() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 5, 3))
	draw.Draw(img, img.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	return img
}

func call(t *testing.T, cfg *config.Config, key string, args process.Args) any {
	t.Helper()
	s := registry.NewSet()
	Register(s)

	out, err := s.Process(context.Background(), cfg, key, args)
	require.NoError(t, err)
	return out
}

func field(t *testing.T, b *bundle.Tensors, name string) []int64 {
	t.Helper()
	x, err := b.Require(name)
	require.NoError(t, err)
	return x.Ints()
}

func TestSpecials(t *testing.T) {
	p, err := NewProcessorFromConfig(fixtures(t))
	require.NoError(t, err)
	assert.Equal(t, int32(1), p.bos)
	assert.Equal(t, int32(2), p.eos)
	assert.Equal(t, int32(0), p.pad)

	v := testVocabulary()
	v.Values[1] = "<start>"
	_, err = NewProcessor(tokenizer.NewSentencePiece(v, true), p.vision, 4, 3)
	assert.ErrorIs(t, err, tokenizer.ErrUnknownToken)
}

func TestPrompt(t *testing.T) {
	cfg := fixtures(t)
	out := call(t, cfg, "core/process/minigpt4/prompt", process.Args{"prefix_text": "hi yo", "suffix_text": "yo", "image": white()})

	b := out.(*bundle.Tensors)
	assert.Equal(t, bundle.RoleInputs, b.Role())
	assert.Equal(t, []string{"prefix_input_ids", "suffix_input_ids", "pixel_values"}, b.Keys())
	assert.Equal(t, []int64{0, 1, 9, 11}, field(t, b, "prefix_input_ids"))
	assert.Equal(t, []int64{11}, field(t, b, "suffix_input_ids"))

	pixels, err := b.Require("pixel_values")
	require.NoError(t, err)
	assert.Equal(t, []int{3, 2, 2}, pixels.Shape())
	for _, v := range pixels.Floats() {
		assert.InDelta(t, 1, v, 1e-5)
	}

	out = call(t, cfg, "core/process/minigpt4/prompt", process.Args{"prefix_text": "hi yo", "suffix_text": "yo hi", "image": white()})
	assert.Equal(t, []int64{0, 0, 1, 9}, field(t, out.(*bundle.Tensors), "prefix_input_ids"))
}

func TestGenerationInputs(t *testing.T) {
	out := call(t, fixtures(t), "core/process/minigpt4/generation/inputs", process.Args{"prefix_text": "hi yo hi yo", "suffix_text": "yo hi", "image": white()})

	b := out.(*bundle.Tensors)
	assert.Equal(t, []int64{1, 9, 11, 9}, field(t, b, "prefix_input_ids"))
	assert.Equal(t, []int64{11, 9}, field(t, b, "suffix_input_ids"))
}

func TestGenerationLabels(t *testing.T) {
	cfg := fixtures(t)

	out := call(t, cfg, "core/process/minigpt4/generation/labels", process.Args{"text": "hi yo hi"})
	b := out.(*bundle.Tensors)
	assert.Equal(t, bundle.RoleTargets, b.Role())
	assert.Equal(t, []int64{9, 11, 2}, field(t, b, "refs"))
	assert.Equal(t, []int64{1, 1, 1}, field(t, b, "masks"))

	out = call(t, cfg, "core/process/minigpt4/generation/labels", process.Args{"text": "hi"})
	assert.Equal(t, []int64{9, 2, 0}, field(t, out.(*bundle.Tensors), "refs"))
	assert.Equal(t, []int64{1, 1, 0}, field(t, out.(*bundle.Tensors), "masks"))
}

func TestGeneration(t *testing.T) {
	cfg := fixtures(t)
	cfg.Set(processSection, "max_seq_length", 2)

	out := call(t, cfg, "core/process/minigpt4/generation", process.Args{
		"prefix_text": "hi",
		"suffix_text": "yo hi",
		"text_pair":   "yo",
		"image":       white(),
	})

	ex, ok := out.(process.Example)
	require.True(t, ok)
	assert.Equal(t, []string{
		"prefix_input_ids", "prefix_attention_mask",
		"suffix_input_ids", "suffix_attention_mask",
		"input_ids_pair", "attention_mask_pair",
		"pixel_values",
	}, ex.Inputs.Keys())

	assert.Equal(t, []int64{0, 0, 0, 1, 9}, field(t, ex.Inputs, "prefix_input_ids"))
	assert.Equal(t, []int64{0, 0, 0, 1, 1}, field(t, ex.Inputs, "prefix_attention_mask"))
	assert.Equal(t, []int64{11, 9}, field(t, ex.Inputs, "suffix_input_ids"))
	assert.Equal(t, []int64{1, 1}, field(t, ex.Inputs, "suffix_attention_mask"))
	assert.Equal(t, []int64{11, 2, 0}, field(t, ex.Inputs, "input_ids_pair"))
	assert.Equal(t, []int64{1, 1, 0}, field(t, ex.Inputs, "attention_mask_pair"))

	assert.Equal(t, bundle.RoleTargets, ex.Targets.Role())
	assert.Equal(t, []int64{0, 11, 2, 0, 0}, field(t, ex.Targets, "refs"))
	assert.Equal(t, []int64{0, 1, 1, 0, 0}, field(t, ex.Targets, "masks"))

	s := registry.NewSet()
	Register(s)
	_, err := s.Process(context.Background(), cfg, "core/process/minigpt4/generation", process.Args{"prefix_text": "hi", "suffix_text": "yo", "image": white()})
	assert.Error(t, err)
}

func TestDetokenize(t *testing.T) {
	seqs, err := ml.FromInts([]int64{9, 11, 2, 0, 11, 0, 0, 0}, 2, 4)
	require.NoError(t, err)

	out := call(t, fixtures(t), "core/postprocess/minigpt4/detokenize", process.Args{"outputs": model.GenerationOutputs{Sequences: seqs}})
	table := out.(*writer.Table)
	assert.Equal(t, [][]any{{"hi yo"}, {"yo"}}, table.Rows)
}

func TestPretrainedNames(t *testing.T) {
	assert.Equal(t, []string{"default-minigpt4", "minigpt4-vicuna-7b"}, PretrainedNames())
}
