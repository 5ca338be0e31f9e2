package model

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pdevine/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/zoo/bundle"
	"github.com/jmorganca/zoo/checkpoint"
	"github.com/jmorganca/zoo/generate"
	"github.com/jmorganca/zoo/ml"
	"github.com/jmorganca/zoo/ml/nn"
)

type body struct {
	Embed  *nn.Embedding `safetensors:"embed"`
	Layers []*nn.Linear  `safetensors:"layers"`
}

type toy struct {
	Base
	Body    *body       `safetensors:"model"`
	Head    *nn.Linear  `safetensors:"head,alt:lm_head"`
	Dropout *nn.Dropout `safetensors:"dropout"`
}

func newToy() *toy {
	m := &toy{
		Body: &body{
			Embed:  nn.NewEmbedding(4, 2),
			Layers: []*nn.Linear{nn.NewLinear(2, 2, true), nn.NewLinear(2, 2, false)},
		},
		Head:    nn.NewLinear(2, 3, false),
		Dropout: nn.NewDropout(0.1, 0),
	}
	m.Configure(m)
	return m
}

func floats(t *testing.T, s []float32, shape ...int) *ml.Tensor {
	t.Helper()
	x, err := ml.FromFloats(s, shape...)
	require.NoError(t, err)
	return x
}

func ints(t *testing.T, s []int64, shape ...int) *ml.Tensor {
	t.Helper()
	x, err := ml.FromInts(s, shape...)
	require.NoError(t, err)
	return x
}

func TestParams(t *testing.T) {
	m := newToy()

	var names []string
	for _, p := range m.Params() {
		names = append(names, p.Name)
	}

	want := []string{
		"model.embed.weight",
		"model.layers.0.weight",
		"model.layers.0.bias",
		"model.layers.1.weight",
		"head.weight",
	}
	if diff := cmp.Diff(want, names); diff != "" {
		t.Errorf("params mismatch (-want +got):\n%s", diff)
	}

	head := m.Params()[4]
	assert.Equal(t, []string{"lm_head.weight"}, head.Alt)
	assert.Same(t, m.Head.Weight, head.Tensor())

	var unbound Base
	assert.Empty(t, unbound.Params())
	assert.Empty(t, Params(nil))
}

func TestParseTags(t *testing.T) {
	cases := map[string]Tag{
		"output":                  {Name: "output"},
		"output,alt:token_embd":   {Name: "output", Alternate: []string{"token_embd"}},
		"output,alt:a,alt:b,junk": {Name: "output", Alternate: []string{"a", "b"}},
	}

	for in, want := range cases {
		t.Run(in, func(t *testing.T) {
			if diff := cmp.Diff(want, ParseTags(in)); diff != "" {
				t.Errorf("ParseTags(%q) mismatch (-want +got):\n%s", in, diff)
			}
		})
	}
}

func TestFromPretrained(t *testing.T) {
	m := newToy()
	m.ReplaceKeys = []KeyRule{{Pattern: `^transformer\.`, Value: ""}}
	m.PrefixKeys = []KeyRule{{Pattern: `^(?!model\.|head\.|lm_head\.)`, Value: "model."}}

	embed := floats(t, []float32{1, 2, 3, 4, 5, 6, 7, 8}, 4, 2)
	head := floats(t, []float32{1, 0, 0, 1, 1, 1}, 3, 2)
	sd := checkpoint.StateDict{
		"transformer.embed.weight": embed,
		"layers.0.bias":            ints(t, []int64{1, 2}),
		"layers.1.weight":          floats(t, make([]float32, 6), 3, 2),
		"lm_head.weight":           head,
		"pooler.weight":            floats(t, []float32{1}),
	}

	require.NoError(t, m.FromPretrained(context.Background(), nil, sd))
	assert.Equal(t, StateLoaded, m.State())

	assert.True(t, m.Body.Embed.Weight.Equal(embed))
	assert.True(t, m.Head.Weight.Equal(head))

	bias := m.Body.Layers[0].Bias
	assert.Equal(t, ml.DTypeF32, bias.DType())
	assert.Equal(t, []float32{1, 2}, bias.Floats())

	// shape mismatch leaves the parameter untouched
	assert.Equal(t, []int{2, 2}, m.Body.Layers[1].Weight.Shape())
	assert.Equal(t, make([]float32, 4), m.Body.Layers[1].Weight.Floats())
}

func TestFromPretrainedErrors(t *testing.T) {
	ctx := context.Background()

	var unbound Base
	assert.ErrorIs(t, unbound.FromPretrained(ctx, nil, checkpoint.StateDict{"x": ml.Scalar(1)}), ErrState)
	assert.ErrorIs(t, unbound.To(ml.CPU), ErrState)
	assert.ErrorIs(t, unbound.Save(filepath.Join(t.TempDir(), "x.safetensors")), ErrState)

	m := newToy()
	assert.ErrorIs(t, m.FromPretrained(ctx, nil, nil), ErrNoWeights)

	m.PrefixKeys = []KeyRule{{Pattern: `(`, Value: "model."}}
	assert.Error(t, m.FromPretrained(ctx, nil, checkpoint.StateDict{"x": ml.Scalar(1)}))

	n := newToy()
	assert.Error(t, n.FromPretrained(ctx, []string{filepath.Join(t.TempDir(), "missing.safetensors")}, nil))
}

func TestSaveLoad(t *testing.T) {
	m := newToy()
	require.NoError(t, m.InitWeights(7, 0.02))

	for _, p := range m.Params() {
		if p.Tensor().NumDims() == 1 {
			assert.Equal(t, make([]float32, p.Tensor().Size()), p.Tensor().Floats(), p.Name)
		}
	}
	assert.NotEqual(t, make([]float32, 8), m.Body.Embed.Weight.Floats())

	path := filepath.Join(t.TempDir(), "toy.safetensors")
	require.NoError(t, m.Save(path))

	n := newToy()
	require.NoError(t, n.FromPretrained(context.Background(), []string{path}, nil))

	want, got := m.Params(), n.Params()
	require.Len(t, got, len(want))
	for i := range want {
		assert.True(t, want[i].Tensor().Equal(got[i].Tensor()), want[i].Name)
	}
}

type copyBackend struct{}

func (copyBackend) Transfer(d *tensor.Dense) (*tensor.Dense, error) {
	return d.Clone().(*tensor.Dense), nil
}

// failingBackend copies tensors until its budget runs out.
type failingBackend struct {
	budget *atomic.Int32
}

func (b failingBackend) Transfer(d *tensor.Dense) (*tensor.Dense, error) {
	if b.budget.Add(-1) < 0 {
		return nil, errors.New("out of device memory")
	}
	return d.Clone().(*tensor.Dense), nil
}

func TestFromPretrainedAllOrNothing(t *testing.T) {
	var budget atomic.Int32
	ml.RegisterBackend("modelfail", failingBackend{&budget})

	m := newToy()
	budget.Store(int32(len(m.Params())) + 1)
	require.NoError(t, m.To("modelfail"))

	head, embed := m.Head.Weight, m.Body.Embed.Weight
	err := m.FromPretrained(context.Background(), nil, checkpoint.StateDict{
		"head.weight":        floats(t, []float32{1, 2, 3, 4, 5, 6}, 3, 2),
		"model.embed.weight": floats(t, make([]float32, 8), 4, 2),
	})
	assert.ErrorContains(t, err, "out of device memory")

	assert.Same(t, head, m.Head.Weight)
	assert.Same(t, embed, m.Body.Embed.Weight)
	assert.Equal(t, StatePlaced, m.State())
}

func TestToAndModes(t *testing.T) {
	ml.RegisterBackend("modeltest", copyBackend{})

	m := newToy()
	assert.Equal(t, ml.CPU, m.Device())
	assert.False(t, m.Training())

	m.Train()
	assert.True(t, m.Training())
	m.Eval()
	assert.False(t, m.Training())

	require.ErrorIs(t, m.To("nowhere"), ml.ErrDeviceUnavailable)
	assert.Equal(t, StateConfigured, m.State())
	assert.Equal(t, ml.CPU, m.Head.Weight.Device())

	require.NoError(t, m.To("modeltest:0"))
	assert.Equal(t, StatePlaced, m.State())
	assert.Equal(t, "modeltest:0", m.Device())
	for _, p := range m.Params() {
		assert.Equal(t, "modeltest:0", p.Tensor().Device(), p.Name)
	}

	// weights loaded after placement follow the model
	head := floats(t, []float32{1, 2, 3, 4, 5, 6}, 3, 2)
	require.NoError(t, m.FromPretrained(context.Background(), nil, checkpoint.StateDict{"head.weight": head}))
	assert.Equal(t, "modeltest:0", m.Head.Weight.Device())
	assert.Equal(t, StatePlaced, m.State())
}

func TestLosses(t *testing.T) {
	logits := floats(t, make([]float32, 16), 2, 2, 4)
	targets := ints(t, []int64{1, 2, 3, 0}, 2, 2)
	masks := ints(t, []int64{1, 0, 0, 0}, 2, 2)

	loss, err := MaskedLoss(logits, targets, masks)
	require.NoError(t, err)
	assert.InDelta(t, math.Log(4)/2, loss.Item(), 1e-6)

	_, err = MaskedLoss(logits, ints(t, []int64{1, 2}), masks)
	assert.ErrorIs(t, err, ml.ErrShape)

	cls, err := ClassificationLoss(floats(t, []float32{0, 0, 5, -5}, 2, 2), ints(t, []int64{1, 0}))
	require.NoError(t, err)
	want := (math.Log(2) + math.Log(1+math.Exp(-10))) / 2
	assert.InDelta(t, want, cls.Item(), 1e-5)
}

func TestPool(t *testing.T) {
	hidden := floats(t, []float32{1, 2, 3, 4}, 1, 2, 2)

	masked, err := Pool(hidden, ints(t, []int64{1, 0}, 1, 2))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, masked.Shape())
	assert.Equal(t, []float32{1, 2}, masked.Floats())

	all, err := Pool(hidden, nil)
	require.NoError(t, err)
	assert.Equal(t, []float32{2, 3}, all.Floats())
}

func TestBackbone(t *testing.T) {
	m := NewBackbone(5, 3)
	assert.Equal(t, 3, m.Hidden())

	h, err := m.Forward(ints(t, []int64{0, 1, 4, 2}, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2, 3}, h.Shape())

	_, err = m.Forward(ints(t, []int64{5}, 1, 1))
	assert.ErrorIs(t, err, ml.ErrShape)
}

// favor3 prefers token 3, then the end token 2 right after it.
func favor3(_ context.Context, _ []int, seqs [][]int32) ([][]float32, error) {
	out := make([][]float32, len(seqs))
	for i, s := range seqs {
		out[i] = make([]float32, 4)
		if s[len(s)-1] == 3 {
			out[i][2] = 10
		} else {
			out[i][3] = 10
		}
	}
	return out, nil
}

func TestGenerate(t *testing.T) {
	ctx := context.Background()
	opts := generate.DefaultOptions()
	opts.NumBeams = 1
	opts.MaxGenSeqLength = 4

	prompts, err := Prompts(ints(t, []int64{5, 6, 1, 1}, 2, 2))
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{5, 6}, {1, 1}}, prompts)

	// decoder-only: the prompt is dropped
	out, err := Generate(ctx, favor3, prompts, opts, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, out.Sequences.Shape())
	assert.Equal(t, []int64{3, 2, 0, 0, 3, 2, 0, 0}, out.Sequences.Ints())
	assert.Equal(t, []int{2}, out.SequencesScores.Shape())

	// encoder-decoder: sequences keep the decoder start token
	out, err = Generate(ctx, favor3, [][]int32{{2}}, opts, 0)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 3, 2, 0}, out.Sequences.Ints())

	opts.NumBeams = 2
	opts.NumReturnSequences = 2
	out, err = Generate(ctx, favor3, [][]int32{{5, 6}}, opts, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 4}, out.Sequences.Shape())
	assert.Equal(t, []int{1, 2}, out.SequencesScores.Shape())
	assert.Equal(t, []int64{3, 2, 0, 0}, out.Sequences.Ints()[:4])

	b := out.Bundle()
	assert.Equal(t, bundle.RoleOutputs, b.Role())
	assert.Equal(t, []string{"sequences", "sequences_scores"}, b.Keys())
}

func TestSequencesAndLastLogits(t *testing.T) {
	ids, err := Sequences([][]int32{{1, 2}, {3, 4}})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, ids.Shape())
	assert.Equal(t, []int64{1, 2, 3, 4}, ids.Ints())

	_, err = Sequences([][]int32{{1}, {1, 2}})
	assert.ErrorIs(t, err, ml.ErrShape)

	rows, err := LastLogits(floats(t, []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}, 2, 2, 3))
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{3, 4, 5}, {9, 10, 11}}, rows)
}

func TestOutputBundles(t *testing.T) {
	x := ml.Scalar(1)
	cases := []struct {
		b    *bundle.Tensors
		role bundle.Role
		keys []string
	}{
		{GenerationTargets{Refs: x, Masks: x}.Bundle(), bundle.RoleTargets, []string{"refs", "masks"}},
		{ClassificationOutputs{Outputs: x}.Bundle(), bundle.RoleOutputs, []string{"outputs"}},
		{ClassificationTargets{Targets: x}.Bundle(), bundle.RoleTargets, []string{"targets"}},
		{LossOutputs{Loss: x}.Bundle(), bundle.RoleOutputs, []string{"loss"}},
		{EmbeddingOutputs{Embeds: x}.Bundle(), bundle.RoleOutputs, []string{"embeds"}},
		{DiffusionOutputs{Images: x}.Bundle(), bundle.RoleOutputs, []string{"images"}},
	}

	for _, tt := range cases {
		assert.Equal(t, tt.role, tt.b.Role())
		assert.Equal(t, tt.keys, tt.b.Keys())
	}
}
