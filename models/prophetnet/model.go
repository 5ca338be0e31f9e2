package prophetnet

import (
	"context"
	"fmt"

	"github.com/jmorganca/zoo/bundle"
	"github.com/jmorganca/zoo/generate"
	"github.com/jmorganca/zoo/ml"
	"github.com/jmorganca/zoo/ml/nn"
	"github.com/jmorganca/zoo/model"
)

type Config struct {
	VocabSize  int `json:"vocab_size"`
	HiddenSize int `json:"hidden_size"`

	// Ngram is the number of future tokens predicted at every position,
	// the next one included.
	Ngram int `json:"ngram"`
}

func (c Config) validate() error {
	if c.VocabSize < 1 || c.HiddenSize < 1 || c.Ngram < 1 {
		return fmt.Errorf("prophetnet: invalid config: vocab_size %d, hidden_size %d, ngram %d", c.VocabSize, c.HiddenSize, c.Ngram)
	}

	return nil
}

type seq2seq struct {
	Encoder *model.Backbone `safetensors:"encoder"`
	Decoder *model.Backbone `safetensors:"decoder"`
	Streams []*nn.Linear    `safetensors:"ngram_proj"`
	LMHead  *nn.Linear      `safetensors:"lm_head"`
}

// encode pools the encoder states of ids (B, L) over mask into one
// memory row of width H per batch entry.
func (m *seq2seq) encode(ids, mask *ml.Tensor) ([]float32, error) {
	h, err := m.Encoder.Forward(ids)
	if err != nil {
		return nil, err
	}

	pooled, err := model.Pool(h, mask)
	if err != nil {
		return nil, err
	}

	return pooled.Floats(), nil
}

// decode returns the decoder states (B, L, H) of ids, each row attending to
// the memory of the encoder row rows[b].
func (m *seq2seq) decode(ids *ml.Tensor, memory []float32, rows []int) (*ml.Tensor, error) {
	h, err := m.Decoder.Forward(ids)
	if err != nil {
		return nil, err
	}

	batch, length, width := h.Dim(0), h.Dim(1), h.Dim(2)
	if len(rows) != batch {
		return nil, fmt.Errorf("%w: %d memory rows for a batch of %d", ml.ErrShape, len(rows), batch)
	}

	s := h.Floats()
	for b, r := range rows {
		if (r+1)*width > len(memory) {
			return nil, fmt.Errorf("%w: memory row %d out of range", ml.ErrShape, r)
		}

		for l := range length {
			for d := range width {
				s[(b*length+l)*width+d] += memory[r*width+d]
			}
		}
	}

	out, err := ml.FromFloats(s, batch, length, width)
	if err != nil {
		return nil, err
	}

	return out.To(h.Device())
}

// Generation is an encoder-decoder model predicting Ngram future tokens
// per position. Only the next token stream drives generation.
type Generation struct {
	model.Base
	Model *seq2seq `safetensors:"model"`
}

func NewGeneration(c Config) (*Generation, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	streams := make([]*nn.Linear, c.Ngram-1)
	for i := range streams {
		streams[i] = nn.NewLinear(c.HiddenSize, c.HiddenSize, true)
	}

	m := &Generation{
		Base: model.Base{
			PrefixKeys: []model.KeyRule{{Pattern: `^(?!model\.).*`, Value: "model."}},
		},
		Model: &seq2seq{
			Encoder: model.NewBackbone(c.VocabSize, c.HiddenSize),
			Decoder: model.NewBackbone(c.VocabSize, c.HiddenSize),
			Streams: streams,
			LMHead:  nn.NewLinear(c.HiddenSize, c.VocabSize, false),
		},
	}
	m.Configure(m)
	return m, m.InitWeights(0, 0.02)
}

func batch(inputs *bundle.Tensors, name string) (*ml.Tensor, error) {
	t, err := inputs.Require(name)
	if err != nil {
		return nil, err
	}

	if t.NumDims() == 1 {
		return t.Unsqueeze(0)
	}

	return t, nil
}

// memory encodes input_ids under attention_mask, when present.
func (m *Generation) memory(inputs *bundle.Tensors) (*ml.Tensor, []float32, error) {
	ids, err := batch(inputs, "input_ids")
	if err != nil {
		return nil, nil, err
	}

	var mask *ml.Tensor
	if _, ok := inputs.Get("attention_mask"); ok {
		if mask, err = batch(inputs, "attention_mask"); err != nil {
			return nil, nil, err
		}
	}

	memory, err := m.Model.encode(ids, mask)
	if err != nil {
		return nil, nil, err
	}

	return ids, memory, nil
}

// Forward returns logits (B, Ngram, L, V): the next token stream first,
// then one stream per further future token.
func (m *Generation) Forward(_ context.Context, inputs *bundle.Tensors) (*bundle.Tensors, error) {
	ids, memory, err := m.memory(inputs)
	if err != nil {
		return nil, err
	}

	dec, err := batch(inputs, "decoder_input_ids")
	if err != nil {
		return nil, err
	}

	rows := make([]int, ids.Dim(0))
	for i := range rows {
		rows[i] = i
	}

	h, err := m.Model.decode(dec, memory, rows)
	if err != nil {
		return nil, err
	}

	streams := []*ml.Tensor{h}
	for _, proj := range m.Model.Streams {
		s, err := proj.Forward(h)
		if err != nil {
			return nil, err
		}
		streams = append(streams, s)
	}

	logits := make([]*ml.Tensor, len(streams))
	for i, s := range streams {
		l, err := m.Model.LMHead.Forward(s)
		if err != nil {
			return nil, err
		}

		if logits[i], err = l.Unsqueeze(1); err != nil {
			return nil, err
		}
	}

	out, err := ml.Concat(1, logits...)
	if err != nil {
		return nil, err
	}

	return bundle.Outputs(bundle.NewTensors(bundle.F("logits", out))), nil
}

// Generate decodes every row of input_ids from the decoder start token.
// The returned sequences begin with that token.
func (m *Generation) Generate(ctx context.Context, inputs *bundle.Tensors, opts generate.Options) (*model.GenerationOutputs, error) {
	ids, memory, err := m.memory(inputs)
	if err != nil {
		return nil, err
	}

	prompts := make([][]int32, ids.Dim(0))
	for i := range prompts {
		prompts[i] = []int32{opts.DecoderStartTokenID}
	}

	step := func(_ context.Context, rows []int, seqs [][]int32) ([][]float32, error) {
		x, err := model.Sequences(seqs)
		if err != nil {
			return nil, err
		}

		if x, err = x.To(m.Device()); err != nil {
			return nil, err
		}

		h, err := m.Model.decode(x, memory, rows)
		if err != nil {
			return nil, err
		}

		logits, err := m.Model.LMHead.Forward(h)
		if err != nil {
			return nil, err
		}

		return model.LastLogits(logits)
	}

	return model.Generate(ctx, step, prompts, opts, 0)
}
