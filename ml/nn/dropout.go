package nn

import (
	"math/rand/v2"

	"github.com/jmorganca/zoo/ml"
)

// Dropout zeroes elements with probability P while training and scales
// the survivors by 1/(1-P). It is the identity in eval mode.
type Dropout struct {
	P   float32
	rng *rand.Rand
}

func NewDropout(p float32, seed uint64) *Dropout {
	return &Dropout{P: p, rng: rand.New(rand.NewPCG(seed, seed^0x9E3779B9))}
}

func (m *Dropout) Forward(t *ml.Tensor, training bool) *ml.Tensor {
	if !training || m.P <= 0 {
		return t
	}

	if m.P >= 1 {
		return t.Map(func(float32) float32 { return 0 })
	}

	scale := 1 / (1 - m.P)
	return t.Map(func(x float32) float32 {
		if m.rng.Float32() < m.P {
			return 0
		}
		return x * scale
	})
}
