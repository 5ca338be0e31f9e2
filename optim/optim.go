// Package optim implements first order optimizers over model parameters.
package optim

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"

	"github.com/fxamacker/cbor/v2"

	"github.com/jmorganca/zoo/config"
	"github.com/jmorganca/zoo/ml"
	"github.com/jmorganca/zoo/model"
	"github.com/jmorganca/zoo/registry"
)

var ErrState = errors.New("optim: incompatible state")

// Options are read from the optimizer's configuration section.
type Options struct {
	LearningRate float64 `option:"learning_rate"`
	WeightDecay  float64 `option:"weight_decay"`
	Momentum     float64 `option:"momentum"`
	Beta1        float64 `option:"beta1"`
	Beta2        float64 `option:"beta2"`
	Epsilon      float64 `option:"eps"`
}

type slot struct {
	M []float32 `cbor:"m,omitempty"`
	V []float32 `cbor:"v,omitempty"`
}

type rule func(o *Optimizer, s *slot, p, g []float32)

// Optimizer applies one update rule to a fixed set of parameters.
type Optimizer struct {
	kind   string
	opts   Options
	params []model.Param
	update rule

	step  int64
	slots map[string]*slot
}

func newOptimizer(kind string, opts Options, params []model.Param, update rule) *Optimizer {
	return &Optimizer{
		kind:   kind,
		opts:   opts,
		params: params,
		update: update,
		slots:  make(map[string]*slot),
	}
}

func (o *Optimizer) Kind() string               { return o.kind }
func (o *Optimizer) Steps() int64               { return o.step }
func (o *Optimizer) LearningRate() float64      { return o.opts.LearningRate }
func (o *Optimizer) SetLearningRate(lr float64) { o.opts.LearningRate = lr }

// Step updates every parameter that has a gradient. Parameters without one
// are left alone.
func (o *Optimizer) Step(grads map[string]*ml.Tensor) error {
	o.step++
	for _, p := range o.params {
		g, ok := grads[p.Name]
		if !ok {
			continue
		}

		t := p.Tensor()
		if !slices.Equal(t.Shape(), g.Shape()) {
			return fmt.Errorf("%w: gradient %v for %s %v", ml.ErrShape, g.Shape(), p.Name, t.Shape())
		}

		s, ok := o.slots[p.Name]
		if !ok {
			s = &slot{}
			o.slots[p.Name] = s
		}

		values := t.Floats()
		o.update(o, s, values, g.Floats())

		updated, err := ml.FromFloats(values, t.Shape()...)
		if err != nil {
			return err
		}

		if updated, err = updated.To(t.Device()); err != nil {
			return err
		}

		*p.Ptr = updated
	}

	return nil
}

func zeros(s []float32, n int) []float32 {
	if len(s) != n {
		return make([]float32, n)
	}

	return s
}

func sgd(o *Optimizer, s *slot, p, g []float32) {
	lr, wd, mu := float32(o.opts.LearningRate), float32(o.opts.WeightDecay), float32(o.opts.Momentum)
	if mu != 0 {
		s.M = zeros(s.M, len(p))
	}

	for i := range p {
		d := g[i] + wd*p[i]
		if mu != 0 {
			s.M[i] = mu*s.M[i] + d
			d = s.M[i]
		}
		p[i] -= lr * d
	}
}

// adam implements Adam, with decoupled weight decay when decoupled is set.
func adam(decoupled bool) rule {
	return func(o *Optimizer, s *slot, p, g []float32) {
		s.M, s.V = zeros(s.M, len(p)), zeros(s.V, len(p))

		lr, wd := o.opts.LearningRate, float32(o.opts.WeightDecay)
		b1, b2, eps := o.opts.Beta1, o.opts.Beta2, o.opts.Epsilon
		c1 := 1 - math.Pow(b1, float64(o.step))
		c2 := 1 - math.Pow(b2, float64(o.step))

		for i := range p {
			d := g[i]
			if decoupled {
				p[i] *= 1 - float32(lr)*wd
			} else {
				d += wd * p[i]
			}

			s.M[i] = float32(b1)*s.M[i] + float32(1-b1)*d
			s.V[i] = float32(b2)*s.V[i] + float32(1-b2)*d*d

			mhat := float64(s.M[i]) / c1
			vhat := float64(s.V[i]) / c2
			p[i] -= float32(lr * mhat / (math.Sqrt(vhat) + eps))
		}
	}
}

func lion(o *Optimizer, s *slot, p, g []float32) {
	s.M = zeros(s.M, len(p))

	lr, wd := float32(o.opts.LearningRate), float32(o.opts.WeightDecay)
	b1, b2 := float32(o.opts.Beta1), float32(o.opts.Beta2)
	for i := range p {
		c := b1*s.M[i] + (1-b1)*g[i]
		p[i] *= 1 - lr*wd

		switch {
		case c > 0:
			p[i] -= lr
		case c < 0:
			p[i] += lr
		}

		s.M[i] = b2*s.M[i] + (1-b2)*g[i]
	}
}

type state struct {
	Kind         string           `cbor:"kind"`
	Step         int64            `cbor:"step"`
	LearningRate float64          `cbor:"learning_rate"`
	Slots        map[string]*slot `cbor:"slots"`
}

// SaveState writes the step count, learning rate and moment buffers.
func (o *Optimizer) SaveState(w io.Writer) error {
	return cbor.NewEncoder(w).Encode(state{
		Kind:         o.kind,
		Step:         o.step,
		LearningRate: o.opts.LearningRate,
		Slots:        o.slots,
	})
}

// LoadState restores a state written by SaveState for the same kind of
// optimizer over parameters of the same sizes.
func (o *Optimizer) LoadState(r io.Reader) error {
	var s state
	if err := cbor.NewDecoder(r).Decode(&s); err != nil {
		return err
	}

	if s.Kind != o.kind {
		return fmt.Errorf("%w: %s state for %s optimizer", ErrState, s.Kind, o.kind)
	}

	sizes := make(map[string]int, len(o.params))
	for _, p := range o.params {
		sizes[p.Name] = p.Tensor().Size()
	}

	for name, sl := range s.Slots {
		n, ok := sizes[name]
		if !ok {
			slog.Warn("dropping optimizer state of unknown parameter", "name", name)
			delete(s.Slots, name)
			continue
		}

		if (sl.M != nil && len(sl.M) != n) || (sl.V != nil && len(sl.V) != n) {
			return fmt.Errorf("%w: %s has %d elements", ErrState, name, n)
		}
	}

	if s.Slots == nil {
		s.Slots = make(map[string]*slot)
	}

	o.step, o.opts.LearningRate, o.slots = s.Step, s.LearningRate, s.Slots
	return nil
}

func defaults(kind string) Options {
	opts := Options{LearningRate: 1e-5, Beta1: 0.9, Beta2: 0.999, Epsilon: 1e-8}
	switch kind {
	case "adamw":
		opts.WeightDecay = 0.01
	case "lion":
		opts.Beta2 = 0.99
	}

	return opts
}

func rules(kind string) rule {
	switch kind {
	case "sgd":
		return sgd
	case "adam":
		return adam(false)
	case "adamw":
		return adam(true)
	case "lion":
		return lion
	default:
		panic("optim: unknown optimizer " + kind)
	}
}

// New builds the optimizer kind over params with options read from the
// section core/optim/<kind>.
func New(cfg *config.Config, kind string, params []model.Param) (*Optimizer, error) {
	update := rules(kind)

	opts := defaults(kind)
	if err := config.Decode(cfg.Section("core/optim/"+kind), &opts); err != nil {
		return nil, err
	}

	if opts.LearningRate <= 0 {
		return nil, fmt.Errorf("core/optim/%s: learning_rate must be positive, got %g", kind, opts.LearningRate)
	}

	return newOptimizer(kind, opts, params, update), nil
}

// Register adds every optimizer to s under core/optim/<kind>.
func Register(s *registry.Set) {
	for _, kind := range []string{"sgd", "adam", "adamw", "lion"} {
		s.Optims.Register("core/optim/"+kind, func(cfg *config.Config, params []model.Param) (registry.Optimizer, error) {
			return New(cfg, kind, params)
		})
	}
}
