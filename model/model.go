// Package model holds what every model family shares: parameter discovery,
// pretrained weight loading, device placement, train and eval modes, and
// the typed outputs of forward passes.
package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"

	"github.com/dlclark/regexp2"

	"github.com/jmorganca/zoo/bundle"
	"github.com/jmorganca/zoo/checkpoint"
	"github.com/jmorganca/zoo/generate"
	"github.com/jmorganca/zoo/hub"
	"github.com/jmorganca/zoo/logutil"
	"github.com/jmorganca/zoo/ml"
)

var (
	ErrState     = errors.New("model: invalid state")
	ErrNoWeights = errors.New("model: no pretrained weights")
)

type State int

const (
	StateUninitialized State = iota
	StateConfigured
	StateLoaded
	StatePlaced
)

func (s State) String() string {
	switch s {
	case StateConfigured:
		return "configured"
	case StateLoaded:
		return "loaded"
	case StatePlaced:
		return "placed"
	default:
		return "uninitialized"
	}
}

// Model is implemented by every registered model through an embedded Base.
type Model interface {
	Params() []Param
	StateDict() checkpoint.StateDict
	FromPretrained(ctx context.Context, paths []string, sd checkpoint.StateDict) error
	To(device string) error
	Device() string
	State() State
	Eval()
	Train()
	Training() bool
	Save(path string) error
}

// Forwarder runs a batch of inputs through the model. The result is role
// tagged as outputs.
type Forwarder interface {
	Forward(ctx context.Context, inputs *bundle.Tensors) (*bundle.Tensors, error)
}

// Generator decodes token sequences from a batch of prompts.
type Generator interface {
	Generate(ctx context.Context, inputs *bundle.Tensors, opts generate.Options) (*GenerationOutputs, error)
}

// KeyRule rewrites pretrained weight names. Patterns use .NET regular
// expression syntax so lookarounds are available.
type KeyRule struct {
	Pattern string
	Value   string
}

func (r KeyRule) compile() (*regexp2.Regexp, error) {
	re, err := regexp2.Compile(r.Pattern, regexp2.None)
	if err != nil {
		return nil, fmt.Errorf("key rule %q: %w", r.Pattern, err)
	}

	return re, nil
}

// Base carries the state shared by every model. Families embed it and
// call Configure with a pointer to themselves from their constructor.
type Base struct {
	self     any
	state    State
	device   string
	training bool

	// ReplaceKeys rewrite matches of Pattern with Value, in order.
	ReplaceKeys []KeyRule

	// PrefixKeys prepend Value to names matching Pattern, after
	// ReplaceKeys have been applied.
	PrefixKeys []KeyRule
}

// Configure binds b to the model embedding it and marks it configured.
func (b *Base) Configure(self any) {
	if self == nil {
		panic("model: Configure needs the embedding model")
	}

	b.self = self
	b.state = StateConfigured
	b.device = ml.CPU
}

func (b *Base) State() State   { return b.state }
func (b *Base) Device() string { return b.device }
func (b *Base) Training() bool { return b.training }
func (b *Base) Eval()          { b.training = false }
func (b *Base) Train()         { b.training = true }

func (b *Base) Params() []Param {
	if b.self == nil {
		return nil
	}

	return Params(b.self)
}

func (b *Base) StateDict() checkpoint.StateDict {
	sd := make(checkpoint.StateDict)
	for _, p := range b.Params() {
		sd[p.Name] = p.Tensor()
	}

	return sd
}

// InitWeights fills every parameter with normally distributed values of
// the given standard deviation. Biases, recognized by their rank, are
// zeroed.
func (b *Base) InitWeights(seed uint64, std float64) error {
	if b.state == StateUninitialized {
		return fmt.Errorf("%w: init weights on %s model", ErrState, b.state)
	}

	rng := rand.New(rand.NewPCG(seed, seed^0x5DEECE66D))
	for _, p := range b.Params() {
		t := p.Tensor()
		s := make([]float32, t.Size())
		if t.NumDims() > 1 {
			for i := range s {
				s[i] = float32(rng.NormFloat64() * std)
			}
		}

		w, err := ml.FromFloats(s, t.Shape()...)
		if err != nil {
			return err
		}

		if w, err = w.To(t.Device()); err != nil {
			return err
		}

		*p.Ptr = w
	}

	return nil
}

// rename applies the replace then prefix rules to a pretrained name.
func (b *Base) rename(replace, prefix []*regexp2.Regexp, name string) (string, error) {
	for i, re := range replace {
		var err error
		if name, err = re.Replace(name, b.ReplaceKeys[i].Value, -1, -1); err != nil {
			return "", err
		}
	}

	for i, re := range prefix {
		ok, err := re.MatchString(name)
		if err != nil {
			return "", err
		}

		if ok {
			name = b.PrefixKeys[i].Value + name
		}
	}

	return name, nil
}

// FromPretrained loads weights from safetensors files and from sd, which
// takes precedence. Paths may be URLs; they are resolved through the hub
// cache. Names are rewritten with ReplaceKeys and PrefixKeys, then matched
// against parameter names and their alternates. Weights whose shape
// differs from the parameter are skipped with a warning.
func (b *Base) FromPretrained(ctx context.Context, paths []string, sd checkpoint.StateDict) error {
	if b.state == StateUninitialized {
		return fmt.Errorf("%w: load weights into %s model", ErrState, b.state)
	}

	if len(paths) == 0 && len(sd) == 0 {
		return ErrNoWeights
	}

	weights := make(checkpoint.StateDict)
	for _, p := range paths {
		local, err := hub.CachedPath(ctx, p)
		if err != nil {
			return err
		}

		f, err := checkpoint.ReadFiles(local)
		if err != nil {
			return err
		}

		for k, v := range f {
			weights[k] = v
		}
	}

	for k, v := range sd {
		weights[k] = v
	}

	replace := make([]*regexp2.Regexp, len(b.ReplaceKeys))
	for i, r := range b.ReplaceKeys {
		re, err := r.compile()
		if err != nil {
			return err
		}
		replace[i] = re
	}

	prefix := make([]*regexp2.Regexp, len(b.PrefixKeys))
	for i, r := range b.PrefixKeys {
		re, err := r.compile()
		if err != nil {
			return err
		}
		prefix[i] = re
	}

	params := make(map[string]Param)
	for _, p := range b.Params() {
		for _, name := range append([]string{p.Name}, p.Alt...) {
			params[name] = p
		}
	}

	type staged struct {
		param Param
		t     *ml.Tensor
	}

	var (
		pending []staged
		unused  []string
	)
	for _, k := range weights.Keys() {
		name, err := b.rename(replace, prefix, k)
		if err != nil {
			return fmt.Errorf("rename %q: %w", k, err)
		}

		p, ok := params[name]
		if !ok {
			unused = append(unused, k)
			continue
		}

		t := weights[k]
		if want := p.Tensor().Shape(); !slices.Equal(want, t.Shape()) {
			slog.Warn("skipping pretrained weight with mismatched shape", "name", k, "shape", t.Shape(), "want", want)
			continue
		}

		if t.DType() != ml.DTypeF32 {
			if t, err = ml.FromFloats(t.Floats(), t.Shape()...); err != nil {
				return err
			}
		}

		if t, err = t.To(b.device); err != nil {
			return err
		}

		logutil.Trace("staged pretrained weight", "name", k, "param", p.Name)
		pending = append(pending, staged{p, t})
	}

	// nothing is assigned until every weight converted and moved
	loaded := make(map[string]bool)
	for _, st := range pending {
		*st.param.Ptr = st.t
		loaded[st.param.Name] = true
	}

	if len(unused) > 0 {
		slog.Debug("unused pretrained weights", "names", unused)
	}

	slog.Info("loaded pretrained weights", "loaded", len(loaded), "params", len(b.Params()), "unused", len(unused))
	if b.state == StateConfigured {
		b.state = StateLoaded
	}

	return nil
}

// To moves every parameter to device.
func (b *Base) To(device string) error {
	if b.state == StateUninitialized {
		return fmt.Errorf("%w: place %s model", ErrState, b.state)
	}

	params := b.Params()
	moved := make([]*ml.Tensor, len(params))
	for i, p := range params {
		t, err := p.Tensor().To(device)
		if err != nil {
			return fmt.Errorf("%s: %w", p.Name, err)
		}
		moved[i] = t
	}

	for i, p := range params {
		*p.Ptr = moved[i]
	}

	b.device = device
	b.state = StatePlaced
	return nil
}

// Save writes the parameters to a safetensors file.
func (b *Base) Save(path string) error {
	if b.state == StateUninitialized {
		return fmt.Errorf("%w: save %s model", ErrState, b.state)
	}

	return checkpoint.WriteFile(path, b.StateDict(), map[string]string{"format": "pt"})
}
