package chatglm

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
}

func (c Config) validate() error {
	if c.VocabSize < 1 || c.HiddenSize < 1 {
		return fmt.Errorf("chatglm: invalid config: vocab_size %d, hidden_size %d", c.VocabSize, c.HiddenSize)
	}

	return nil
}

// batch returns the input_ids of inputs as a (B, L) batch.
func batch(inputs *bundle.Tensors) (*ml.Tensor, error) {
	ids, err := inputs.Require("input_ids")
	if err != nil {
		return nil, err
	}

	if ids.NumDims() == 1 {
		return ids.Unsqueeze(0)
	}

	return ids, nil
}

type Classification struct {
	model.Base
	Transformer *model.Backbone `safetensors:"transformer"`
	Classifier  *nn.Linear      `safetensors:"classifier"`

	dropout *nn.Dropout
}

func NewClassification(c Config, numClasses int, dropout float64) (*Classification, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	m := &Classification{
		Transformer: model.NewBackbone(c.VocabSize, c.HiddenSize),
		Classifier:  nn.NewLinear(c.HiddenSize, numClasses, true),
		dropout:     nn.NewDropout(float32(dropout), 0),
	}
	m.Configure(m)
	return m, m.InitWeights(0, 0.02)
}

// Forward classifies every row from the hidden state of its last
// position, which left padding makes the final prompt piece.
func (m *Classification) Forward(_ context.Context, inputs *bundle.Tensors) (*bundle.Tensors, error) {
	ids, err := batch(inputs)
	if err != nil {
		return nil, err
	}

	h, err := m.Transformer.Forward(ids)
	if err != nil {
		return nil, err
	}

	pooled, err := h.Index(1, -1)
	if err != nil {
		return nil, err
	}

	logits, err := m.Classifier.Forward(m.dropout.Forward(pooled, m.Training()))
	if err != nil {
		return nil, err
	}

	return model.ClassificationOutputs{Outputs: logits}.Bundle(), nil
}

type Pretrain struct {
	model.Base
	Transformer *model.Backbone `safetensors:"transformer"`
	LMHead      *nn.Linear      `safetensors:"lm_head"`
}

func NewPretrain(c Config) (*Pretrain, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	m := &Pretrain{
		Transformer: model.NewBackbone(c.VocabSize, c.HiddenSize),
		LMHead:      nn.NewLinear(c.HiddenSize, c.VocabSize, false),
	}
	m.Configure(m)
	return m, m.InitWeights(0, 0.02)
}

// Forward returns the masked language modeling loss of the labeled
// positions.
func (m *Pretrain) Forward(_ context.Context, inputs *bundle.Tensors) (*bundle.Tensors, error) {
	ids, err := batch(inputs)
	if err != nil {
		return nil, err
	}

	labels, err := inputs.Require("input_ids_label")
	if err != nil {
		return nil, err
	}

	masks, err := inputs.Require("attention_mask_label")
	if err != nil {
		return nil, err
	}

	h, err := m.Transformer.Forward(ids)
	if err != nil {
		return nil, err
	}

	logits, err := m.LMHead.Forward(h)
	if err != nil {
		return nil, err
	}

	if labels, err = labels.Reshape(ids.Shape()...); err != nil {
		return nil, err
	}

	if masks, err = masks.Reshape(ids.Shape()...); err != nil {
		return nil, err
	}

	loss, err := model.MaskedLoss(logits, labels, masks)
	if err != nil {
		return nil, err
	}

	return model.LossOutputs{Loss: loss}.Bundle(), nil
}

type languageModel struct {
	Transformer *model.Backbone `safetensors:"transformer"`
	LMHead      *nn.Linear      `safetensors:"lm_head"`
}

func (m *languageModel) logits(ids *ml.Tensor) (*ml.Tensor, error) {
	h, err := m.Transformer.Forward(ids)
	if err != nil {
		return nil, err
	}

	return m.LMHead.Forward(h)
}

// Generation is a decoder-only language model. Its weights live under
// "model."; pretrained names without that prefix get it.
type Generation struct {
	model.Base
	Model *languageModel `safetensors:"model"`
}

func NewGeneration(c Config) (*Generation, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}

	m := &Generation{
		Base: model.Base{
			PrefixKeys: []model.KeyRule{{Pattern: `^(?!model\.).*`, Value: "model."}},
		},
		Model: &languageModel{
			Transformer: model.NewBackbone(c.VocabSize, c.HiddenSize),
			LMHead:      nn.NewLinear(c.HiddenSize, c.VocabSize, false),
		},
	}
	m.Configure(m)
	return m, m.InitWeights(0, 0.02)
}

// Forward returns the (B, L, V) next token logits of every position.
func (m *Generation) Forward(_ context.Context, inputs *bundle.Tensors) (*bundle.Tensors, error) {
	ids, err := batch(inputs)
	if err != nil {
		return nil, err
	}

	logits, err := m.Model.logits(ids)
	if err != nil {
		return nil, err
	}

	return bundle.Outputs(bundle.NewTensors(bundle.F("logits", logits))), nil
}

// Generate continues every prompt row of input_ids. The prompt is dropped
// from the returned sequences.
func (m *Generation) Generate(ctx context.Context, inputs *bundle.Tensors, opts generate.Options) (*model.GenerationOutputs, error) {
	ids, err := batch(inputs)
	if err != nil {
		return nil, err
	}

	prompts, err := model.Prompts(ids)
	if err != nil {
		return nil, err
	}

	step := func(_ context.Context, _ []int, seqs [][]int32) ([][]float32, error) {
		x, err := model.Sequences(seqs)
		if err != nil {
			return nil, err
		}

		if x, err = x.To(m.Device()); err != nil {
			return nil, err
		}

		logits, err := m.Model.logits(x)
		if err != nil {
			return nil, err
		}

		return model.LastLogits(logits)
	}

	return model.Generate(ctx, step, prompts, opts, ids.Dim(1))
}
