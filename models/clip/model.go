package clip

import (
	"context"
	"fmt"
	"math"

	"github.com/jmorganca/zoo/bundle"
	"github.com/jmorganca/zoo/ml"
	"github.com/jmorganca/zoo/ml/nn"
	"github.com/jmorganca/zoo/model"
)

type TextConfig struct {
	VocabSize  int `json:"vocab_size"`
	HiddenSize int `json:"hidden_size"`
}

type VisionConfig struct {
	HiddenSize  int `json:"hidden_size"`
	PatchSize   int `json:"patch_size"`
	NumChannels int `json:"num_channels"`
}

type Config struct {
	ProjectionDim int          `json:"projection_dim"`
	Text          TextConfig   `json:"text_config"`
	Vision        VisionConfig `json:"vision_config"`
}

func (c Config) validate(text, vision bool) error {
	if text && (c.Text.VocabSize < 1 || c.Text.HiddenSize < 1) {
		return fmt.Errorf("clip: invalid text config: vocab_size %d, hidden_size %d", c.Text.VocabSize, c.Text.HiddenSize)
	}

	if vision && (c.Vision.HiddenSize < 1 || c.Vision.PatchSize < 1) {
		return fmt.Errorf("clip: invalid vision config: hidden_size %d, patch_size %d", c.Vision.HiddenSize, c.Vision.PatchSize)
	}

	if c.ProjectionDim < 1 {
		return fmt.Errorf("clip: invalid projection_dim %d", c.ProjectionDim)
	}

	return nil
}

type visionTower struct {
	PatchEmbedding *nn.Linear `safetensors:"embeddings.patch_embedding"`

	patchSize int
}

// patches splits pixel values (B, C, H, W) into (B, P, C*p*p) rows of
// non-overlapping p by p patches, in raster order.
func patches(pixels *ml.Tensor, p int) (*ml.Tensor, error) {
	if pixels.NumDims() != 4 {
		return nil, fmt.Errorf("%w: expected (batch, channels, height, width) pixels, got %v", ml.ErrShape, pixels.Shape())
	}

	batch, channels, height, width := pixels.Dim(0), pixels.Dim(1), pixels.Dim(2), pixels.Dim(3)
	if height%p != 0 || width%p != 0 {
		return nil, fmt.Errorf("%w: %dx%d image is not a multiple of patch size %d", ml.ErrShape, height, width, p)
	}

	rows, cols := height/p, width/p
	features := channels * p * p
	s := pixels.Floats()
	out := make([]float32, 0, batch*rows*cols*features)
	for b := range batch {
		for r := range rows {
			for c := range cols {
				for ch := range channels {
					for y := range p {
						offset := ((b*channels+ch)*height+r*p+y)*width + c*p
						out = append(out, s[offset:offset+p]...)
					}
				}
			}
		}
	}

	t, err := ml.FromFloats(out, batch, rows*cols, features)
	if err != nil {
		return nil, err
	}

	return t.To(pixels.Device())
}

func (m *visionTower) Forward(pixels *ml.Tensor) (*ml.Tensor, error) {
	x, err := patches(pixels, m.patchSize)
	if err != nil {
		return nil, err
	}

	h, err := m.PatchEmbedding.Forward(x)
	if err != nil {
		return nil, err
	}

	h = h.Map(func(v float32) float32 { return float32(math.Tanh(float64(v))) })
	return model.Pool(h, nil)
}

// normalize scales every row of (B, D) to unit length.
func normalize(t *ml.Tensor) (*ml.Tensor, error) {
	width := t.Dim(-1)
	s := t.Floats()
	for i := 0; i < len(s); i += width {
		var sum float64
		for _, v := range s[i : i+width] {
			sum += float64(v) * float64(v)
		}

		norm := float32(math.Sqrt(sum))
		if norm == 0 {
			continue
		}

		for j := i; j < i+width; j++ {
			s[j] /= norm
		}
	}

	out, err := ml.FromFloats(s, t.Shape()...)
	if err != nil {
		return nil, err
	}

	return out.To(t.Device())
}

func relu(t *ml.Tensor) *ml.Tensor {
	return t.Map(func(v float32) float32 { return max(v, 0) })
}

// towers holds the text and vision encoders with their projections into
// the shared embedding space. Either side may be absent.
type towers struct {
	TextModel        *model.Backbone `safetensors:"text_model"`
	VisionModel      *visionTower    `safetensors:"vision_model"`
	TextProjection   *nn.Linear      `safetensors:"text_projection"`
	VisualProjection *nn.Linear      `safetensors:"visual_projection"`
}

func newTowers(c Config, text, vision bool) (*towers, error) {
	if err := c.validate(text, vision); err != nil {
		return nil, err
	}

	t := &towers{}
	if text {
		t.TextModel = model.NewBackbone(c.Text.VocabSize, c.Text.HiddenSize)
		t.TextProjection = nn.NewLinear(c.Text.HiddenSize, c.ProjectionDim, false)
	}

	if vision {
		channels := c.Vision.NumChannels
		if channels == 0 {
			channels = 3
		}

		t.VisionModel = &visionTower{
			PatchEmbedding: nn.NewLinear(channels*c.Vision.PatchSize*c.Vision.PatchSize, c.Vision.HiddenSize, false),
			patchSize:      c.Vision.PatchSize,
		}
		t.VisualProjection = nn.NewLinear(c.Vision.HiddenSize, c.ProjectionDim, false)
	}

	return t, nil
}

// batched returns field name of inputs with a leading batch axis, adding
// one when the field has dims dimensions.
func batched(inputs *bundle.Tensors, name string, dims int) (*ml.Tensor, error) {
	t, err := inputs.Require(name)
	if err != nil {
		return nil, err
	}

	if t.NumDims() == dims {
		return t.Unsqueeze(0)
	}

	return t, nil
}

// textEmbeds returns the normalized (B, D) embeddings of input_ids pooled
// over attention_mask.
func (t *towers) textEmbeds(inputs *bundle.Tensors) (*ml.Tensor, error) {
	ids, err := batched(inputs, "input_ids", 1)
	if err != nil {
		return nil, err
	}

	var mask *ml.Tensor
	if _, ok := inputs.Get("attention_mask"); ok {
		if mask, err = batched(inputs, "attention_mask", 1); err != nil {
			return nil, err
		}
	}

	h, err := t.TextModel.Forward(ids)
	if err != nil {
		return nil, err
	}

	pooled, err := model.Pool(h, mask)
	if err != nil {
		return nil, err
	}

	embeds, err := t.TextProjection.Forward(pooled)
	if err != nil {
		return nil, err
	}

	return normalize(embeds)
}

// imageEmbeds returns the normalized (B, D) embeddings of pixel_values.
func (t *towers) imageEmbeds(inputs *bundle.Tensors) (*ml.Tensor, error) {
	pixels, err := batched(inputs, "pixel_values", 3)
	if err != nil {
		return nil, err
	}

	pooled, err := t.VisionModel.Forward(pixels)
	if err != nil {
		return nil, err
	}

	embeds, err := t.VisualProjection.Forward(pooled)
	if err != nil {
		return nil, err
	}

	return normalize(embeds)
}

var clipPrefix = []model.KeyRule{{Pattern: `^(?!clip\.|classifier\.).*`, Value: "clip."}}

// Classification scores image and text pairs from their joined
// embeddings.
type Classification struct {
	model.Base
	Clip       *towers    `safetensors:"clip"`
	Classifier *nn.Linear `safetensors:"classifier"`
}

func NewClassification(c Config, numClasses int) (*Classification, error) {
	t, err := newTowers(c, true, true)
	if err != nil {
		return nil, err
	}

	m := &Classification{
		Base:       model.Base{PrefixKeys: clipPrefix},
		Clip:       t,
		Classifier: nn.NewLinear(2*c.ProjectionDim, numClasses, true),
	}
	m.Configure(m)
	return m, m.InitWeights(0, 0.02)
}

func (m *Classification) Forward(_ context.Context, inputs *bundle.Tensors) (*bundle.Tensors, error) {
	image, err := m.Clip.imageEmbeds(inputs)
	if err != nil {
		return nil, err
	}

	text, err := m.Clip.textEmbeds(inputs)
	if err != nil {
		return nil, err
	}

	joined, err := ml.Concat(1, image, text)
	if err != nil {
		return nil, err
	}

	logits, err := m.Classifier.Forward(relu(joined))
	if err != nil {
		return nil, err
	}

	return model.ClassificationOutputs{Outputs: logits}.Bundle(), nil
}

// TextClassification scores text alone.
type TextClassification struct {
	model.Base
	Clip       *towers    `safetensors:"clip"`
	Classifier *nn.Linear `safetensors:"classifier"`
}

func NewTextClassification(c Config, numClasses int) (*TextClassification, error) {
	t, err := newTowers(c, true, false)
	if err != nil {
		return nil, err
	}

	m := &TextClassification{
		Base:       model.Base{PrefixKeys: clipPrefix},
		Clip:       t,
		Classifier: nn.NewLinear(c.ProjectionDim, numClasses, true),
	}
	m.Configure(m)
	return m, m.InitWeights(0, 0.02)
}

func (m *TextClassification) Forward(_ context.Context, inputs *bundle.Tensors) (*bundle.Tensors, error) {
	text, err := m.Clip.textEmbeds(inputs)
	if err != nil {
		return nil, err
	}

	logits, err := m.Classifier.Forward(relu(text))
	if err != nil {
		return nil, err
	}

	return model.ClassificationOutputs{Outputs: logits}.Bundle(), nil
}

// ImageClassification scores images alone.
type ImageClassification struct {
	model.Base
	Clip       *towers    `safetensors:"clip"`
	Classifier *nn.Linear `safetensors:"classifier"`
}

func NewImageClassification(c Config, numClasses int) (*ImageClassification, error) {
	t, err := newTowers(c, false, true)
	if err != nil {
		return nil, err
	}

	m := &ImageClassification{
		Base:       model.Base{PrefixKeys: clipPrefix},
		Clip:       t,
		Classifier: nn.NewLinear(c.ProjectionDim, numClasses, true),
	}
	m.Configure(m)
	return m, m.InitWeights(0, 0.02)
}

func (m *ImageClassification) Forward(_ context.Context, inputs *bundle.Tensors) (*bundle.Tensors, error) {
	image, err := m.Clip.imageEmbeds(inputs)
	if err != nil {
		return nil, err
	}

	logits, err := m.Classifier.Forward(relu(image))
	if err != nil {
		return nil, err
	}

	return model.ClassificationOutputs{Outputs: logits}.Bundle(), nil
}
