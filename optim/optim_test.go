package optim

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/zoo/config"
	"github.com/jmorganca/zoo/ml"
	"github.com/jmorganca/zoo/model"
	"github.com/jmorganca/zoo/registry"
)

func param(t *testing.T, name string, s ...float32) (model.Param, **ml.Tensor) {
	t.Helper()
	w, err := ml.FromFloats(s)
	require.NoError(t, err)
	ptr := &w
	return model.Param{Name: name, Ptr: ptr}, ptr
}

func grads(t *testing.T, name string, s ...float32) map[string]*ml.Tensor {
	t.Helper()
	g, err := ml.FromFloats(s)
	require.NoError(t, err)
	return map[string]*ml.Tensor{name: g}
}

func inDelta(t *testing.T, want []float32, got *ml.Tensor) {
	t.Helper()
	s := got.Floats()
	require.Len(t, s, len(want))
	for i := range want {
		assert.InDelta(t, want[i], s[i], 1e-5, "element %d", i)
	}
}

func TestDefaults(t *testing.T) {
	o, err := New(config.New(), "adamw", nil)
	require.NoError(t, err)
	assert.InDelta(t, 1e-5, o.LearningRate(), 1e-12)
	assert.InDelta(t, 0.01, o.opts.WeightDecay, 1e-12)
	assert.Equal(t, "adamw", o.Kind())

	cfg := config.New()
	cfg.Set("core/optim/sgd", "learning_rate", "0.5")
	o, err = New(cfg, "sgd", nil)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, o.LearningRate(), 1e-12)

	o.SetLearningRate(0.25)
	assert.InDelta(t, 0.25, o.LearningRate(), 1e-12)

	cfg.Set("core/optim/sgd", "learning_rate", 0)
	_, err = New(cfg, "sgd", nil)
	assert.Error(t, err)
}

func TestSGD(t *testing.T) {
	cfg := config.New()
	cfg.Set("core/optim/sgd", "learning_rate", 0.1)

	p, w := param(t, "w", 1, 2)
	o, err := New(cfg, "sgd", []model.Param{p})
	require.NoError(t, err)

	require.NoError(t, o.Step(grads(t, "w", 0.5, -1)))
	inDelta(t, []float32{0.95, 2.1}, *w)

	// parameters without a gradient are untouched
	require.NoError(t, o.Step(grads(t, "other", 1, 1)))
	inDelta(t, []float32{0.95, 2.1}, *w)
	assert.Equal(t, int64(2), o.Steps())

	assert.ErrorIs(t, o.Step(grads(t, "w", 1, 2, 3)), ml.ErrShape)
}

func TestSGDMomentum(t *testing.T) {
	cfg := config.New()
	cfg.Set("core/optim/sgd", "learning_rate", 0.1)
	cfg.Set("core/optim/sgd", "momentum", 0.9)

	p, w := param(t, "w", 1, 2)
	o, err := New(cfg, "sgd", []model.Param{p})
	require.NoError(t, err)

	require.NoError(t, o.Step(grads(t, "w", 0.5, -1)))
	require.NoError(t, o.Step(grads(t, "w", 0.5, -1)))
	inDelta(t, []float32{0.855, 2.29}, *w)
}

func TestAdaptive(t *testing.T) {
	cases := []struct {
		kind string
		want []float32
	}{
		// the first bias corrected step moves each weight by lr
		{"adam", []float32{0.9, 2.1}},
		{"adamw", []float32{0.899, 2.098}},
		{"lion", []float32{0.9, 2.1}},
	}

	for _, tt := range cases {
		t.Run(tt.kind, func(t *testing.T) {
			cfg := config.New()
			cfg.Set("core/optim/"+tt.kind, "learning_rate", 0.1)

			p, w := param(t, "w", 1, 2)
			o, err := New(cfg, tt.kind, []model.Param{p})
			require.NoError(t, err)

			require.NoError(t, o.Step(grads(t, "w", 0.5, -1)))
			inDelta(t, tt.want, *w)
		})
	}
}

func TestState(t *testing.T) {
	cfg := config.New()
	cfg.Set("core/optim/adam", "learning_rate", 0.1)

	p, w := param(t, "w", 1, 2)
	o, err := New(cfg, "adam", []model.Param{p})
	require.NoError(t, err)
	require.NoError(t, o.Step(grads(t, "w", 0.5, -1)))

	var buf bytes.Buffer
	require.NoError(t, o.SaveState(&buf))
	saved := buf.Bytes()

	q, v := param(t, "w", (*w).Floats()...)
	restored, err := New(config.New(), "adam", []model.Param{q})
	require.NoError(t, err)
	require.NoError(t, restored.LoadState(bytes.NewReader(saved)))
	assert.Equal(t, int64(1), restored.Steps())
	assert.InDelta(t, 0.1, restored.LearningRate(), 1e-12)

	require.NoError(t, o.Step(grads(t, "w", 0.25, 0.25)))
	require.NoError(t, restored.Step(grads(t, "w", 0.25, 0.25)))
	inDelta(t, (*w).Floats(), *v)

	plain, err := New(config.New(), "sgd", []model.Param{q})
	require.NoError(t, err)
	assert.ErrorIs(t, plain.LoadState(bytes.NewReader(saved)), ErrState)

	r, _ := param(t, "w", 1, 2, 3)
	wrong, err := New(config.New(), "adam", []model.Param{r})
	require.NoError(t, err)
	assert.ErrorIs(t, wrong.LoadState(bytes.NewReader(saved)), ErrState)
}

func TestRegister(t *testing.T) {
	s := registry.NewSet()
	Register(s)
	assert.Equal(t, []string{"core/optim/adam", "core/optim/adamw", "core/optim/lion", "core/optim/sgd"}, s.Optims.Keys())

	p, _ := param(t, "w", 1)
	o, err := s.Optim(config.New(), "core/optim/lion", []model.Param{p})
	require.NoError(t, err)
	assert.Equal(t, "lion", o.(*Optimizer).Kind())
}
