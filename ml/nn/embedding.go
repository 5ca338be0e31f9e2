package nn

import "github.com/jmorganca/zoo/ml"

type Embedding struct {
	Weight *ml.Tensor `safetensors:"weight"`
}

func NewEmbedding(vocab, width int) *Embedding {
	return &Embedding{Weight: ml.Zeros(ml.DTypeF32, vocab, width)}
}

func (m *Embedding) Forward(ids *ml.Tensor) (*ml.Tensor, error) {
	return ml.Rows(m.Weight, ids)
}
