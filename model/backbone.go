package model

import (
	"math"

	"github.com/jmorganca/zoo/ml"
	"github.com/jmorganca/zoo/ml/nn"
)

// Backbone is the reference network the families share: a token
// embedding followed by a tanh projection. It stands in for the
// transformer stacks of the pretrained architectures and keeps their
// weight names for the embedding.
type Backbone struct {
	Embed *nn.Embedding `safetensors:"embed_tokens,alt:word_embeddings"`
	Dense *nn.Linear    `safetensors:"dense"`
}

func NewBackbone(vocab, hidden int) *Backbone {
	return &Backbone{
		Embed: nn.NewEmbedding(vocab, hidden),
		Dense: nn.NewLinear(hidden, hidden, true),
	}
}

func (m *Backbone) Hidden() int {
	return m.Embed.Weight.Dim(1)
}

// Forward maps token ids (B, L) to hidden states (B, L, H).
func (m *Backbone) Forward(ids *ml.Tensor) (*ml.Tensor, error) {
	h, err := m.Embed.Forward(ids)
	if err != nil {
		return nil, err
	}

	if h, err = m.Dense.Forward(h); err != nil {
		return nil, err
	}

	return h.Map(func(x float32) float32 { return float32(math.Tanh(float64(x))) }), nil
}

// Pool averages hidden states (B, L, H) over the positions where mask
// (B, L) is set, giving (B, H). A nil mask averages every position.
func Pool(hidden, mask *ml.Tensor) (*ml.Tensor, error) {
	if hidden.NumDims() != 3 {
		return nil, ml.ErrShape
	}

	batch, length, width := hidden.Dim(0), hidden.Dim(1), hidden.Dim(2)
	h := hidden.Floats()

	var m []float32
	if mask != nil {
		if mask.Size() != batch*length {
			return nil, ml.ErrShape
		}
		m = mask.Floats()
	}

	out := make([]float32, batch*width)
	for b := range batch {
		var n float32
		for l := range length {
			w := float32(1)
			if m != nil {
				w = m[b*length+l]
			}
			if w == 0 {
				continue
			}

			n += w
			for d := range width {
				out[b*width+d] += w * h[(b*length+l)*width+d]
			}
		}

		for d := range width {
			out[b*width+d] /= max(n, 1)
		}
	}

	pooled, err := ml.FromFloats(out, batch, width)
	if err != nil {
		return nil, err
	}

	return pooled.To(hidden.Device())
}
