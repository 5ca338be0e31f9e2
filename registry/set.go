package registry

import (
	"context"
	"io"

	"github.com/jmorganca/zoo/config"
	"github.com/jmorganca/zoo/ml"
	"github.com/jmorganca/zoo/model"
	"github.com/jmorganca/zoo/process"
)

// Pipeline is an end to end inference entry point: preprocessing, model
// and postprocessing behind one call.
type Pipeline interface {
	Call(ctx context.Context, args process.Args) (any, error)
}

// Optimizer updates the parameters it was built with from their
// gradients, keyed by parameter name.
type Optimizer interface {
	Step(grads map[string]*ml.Tensor) error
	LearningRate() float64
	SetLearningRate(lr float64)
	SaveState(w io.Writer) error
	LoadState(r io.Reader) error
}

// Writer renders process and model results to an output stream.
type Writer interface {
	Write(v any) error
	Flush() error
}

// WebUI serves one pipeline family interactively.
type WebUI interface {
	Name() string
	Start(ctx context.Context, pretrainedName string) error
	Stop() error
	Status() string
	Call(ctx context.Context, args process.Args) (any, error)
}

type (
	ProcessFactory  func(cfg *config.Config) (process.Func, error)
	ModelFactory    func(cfg *config.Config) (model.Model, error)
	OptimFactory    func(cfg *config.Config, params []model.Param) (Optimizer, error)
	PipelineFactory func(cfg *config.Config) (Pipeline, error)
	WebUIFactory    func(cfg *config.Config, set *Set) (WebUI, error)
	WriterFactory   func(cfg *config.Config, w io.Writer) (Writer, error)
)

// Set groups the registries of every kind of component.
type Set struct {
	Processes *Registry[ProcessFactory]
	Models    *Registry[ModelFactory]
	Optims    *Registry[OptimFactory]
	Pipelines *Registry[PipelineFactory]
	WebUIs    *Registry[WebUIFactory]
	Writers   *Registry[WriterFactory]
}

func NewSet() *Set {
	return &Set{
		Processes: New[ProcessFactory]("process"),
		Models:    New[ModelFactory]("model"),
		Optims:    New[OptimFactory]("optimizer"),
		Pipelines: New[PipelineFactory]("pipeline"),
		WebUIs:    New[WebUIFactory]("webui"),
		Writers:   New[WriterFactory]("writer"),
	}
}

// Keys lists the registered keys of every registry by kind.
func (s *Set) Keys() map[string][]string {
	return map[string][]string{
		"process":   s.Processes.Keys(),
		"model":     s.Models.Keys(),
		"optimizer": s.Optims.Keys(),
		"pipeline":  s.Pipelines.Keys(),
		"webui":     s.WebUIs.Keys(),
		"writer":    s.Writers.Keys(),
	}
}

// Process builds the process registered under key and calls it with args.
func (s *Set) Process(ctx context.Context, cfg *config.Config, key string, args process.Args) (any, error) {
	f, err := s.Processes.Get(key)
	if err != nil {
		return nil, err
	}

	fn, err := f(cfg)
	if err != nil {
		return nil, err
	}

	return fn(ctx, args)
}

func (s *Set) Model(cfg *config.Config, key string) (model.Model, error) {
	f, err := s.Models.Get(key)
	if err != nil {
		return nil, err
	}

	return f(cfg)
}

func (s *Set) Pipeline(cfg *config.Config, key string) (Pipeline, error) {
	f, err := s.Pipelines.Get(key)
	if err != nil {
		return nil, err
	}

	return f(cfg)
}

func (s *Set) Optim(cfg *config.Config, key string, params []model.Param) (Optimizer, error) {
	f, err := s.Optims.Get(key)
	if err != nil {
		return nil, err
	}

	return f(cfg, params)
}

func (s *Set) WebUI(cfg *config.Config, key string) (WebUI, error) {
	f, err := s.WebUIs.Get(key)
	if err != nil {
		return nil, err
	}

	return f(cfg, s)
}

func (s *Set) Writer(cfg *config.Config, key string, w io.Writer) (Writer, error) {
	f, err := s.Writers.Get(key)
	if err != nil {
		return nil, err
	}

	return f(cfg, w)
}
