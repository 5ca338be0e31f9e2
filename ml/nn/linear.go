package nn

import (
	"fmt"

	"github.com/jmorganca/zoo/ml"
)

// Linear maps the last dimension from in to out features. Weight is
// stored (out, in).
type Linear struct {
	Weight *ml.Tensor `safetensors:"weight"`
	Bias   *ml.Tensor `safetensors:"bias"`
}

func NewLinear(in, out int, bias bool) *Linear {
	m := &Linear{Weight: ml.Zeros(ml.DTypeF32, out, in)}
	if bias {
		m.Bias = ml.Zeros(ml.DTypeF32, out)
	}

	return m
}

func (m *Linear) Forward(t *ml.Tensor) (*ml.Tensor, error) {
	in := m.Weight.Dim(1)
	if t.Dim(-1) != in {
		return nil, fmt.Errorf("%w: linear expects %d features, got %v", ml.ErrShape, in, t.Shape())
	}

	shape := t.Shape()
	flat, err := t.Reshape(-1, in)
	if err != nil {
		return nil, err
	}

	wt, err := m.Weight.Transpose()
	if err != nil {
		return nil, err
	}

	out, err := ml.MatMul(flat, wt)
	if err != nil {
		return nil, err
	}

	if m.Bias != nil {
		if out, err = ml.Add(out, m.Bias); err != nil {
			return nil, err
		}
	}

	shape[len(shape)-1] = m.Weight.Dim(0)
	return out.Reshape(shape...)
}
