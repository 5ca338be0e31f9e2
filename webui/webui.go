// Package webui serves pipelines interactively. A web UI owns one pipeline
// section: starting it with a pretrained name builds the pipeline, stopping
// it releases the pipeline again.
package webui

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/dlclark/regexp2"

	"github.com/jmorganca/zoo/config"
	"github.com/jmorganca/zoo/models/clip"
	"github.com/jmorganca/zoo/process"
	"github.com/jmorganca/zoo/registry"
)

const (
	StatusRunning = "running"
	StatusStopped = "stopped"
)

var (
	ErrNotRunning       = errors.New("webui: not running")
	ErrNoPretrainedName = errors.New("webui: no supported pretrained names")
	ErrUnsupportedName  = errors.New("webui: unsupported pretrained name")
)

// MatchedPretrainedNames returns the names, in order, that match at least
// one pattern of match and none of block. Patterns are searched anywhere in
// the name unless anchored.
func MatchedPretrainedNames(names, match, block []string) ([]string, error) {
	compile := func(patterns []string) ([]*regexp2.Regexp, error) {
		res := make([]*regexp2.Regexp, len(patterns))
		for i, p := range patterns {
			re, err := regexp2.Compile(p, regexp2.None)
			if err != nil {
				return nil, fmt.Errorf("webui: pattern %q: %w", p, err)
			}
			res[i] = re
		}
		return res, nil
	}

	matchRes, err := compile(match)
	if err != nil {
		return nil, err
	}

	blockRes, err := compile(block)
	if err != nil {
		return nil, err
	}

	matches := func(res []*regexp2.Regexp, name string) bool {
		return slices.ContainsFunc(res, func(re *regexp2.Regexp) bool {
			ok, _ := re.MatchString(name)
			return ok
		})
	}

	var out []string
	for _, name := range names {
		if matches(matchRes, name) && !matches(blockRes, name) {
			out = append(out, name)
		}
	}

	return out, nil
}

// PipelineUI is a web UI over the pipeline registered under its section.
type PipelineUI struct {
	name    string
	section string
	names   []string

	cfg *config.Config
	set *registry.Set

	mu      sync.Mutex
	current string
	pipe    registry.Pipeline
}

// NewPipelineUI returns a stopped UI offering the supported names. The
// first name is the current one until Start picks another.
func NewPipelineUI(name, section string, names []string, cfg *config.Config, set *registry.Set) (*PipelineUI, error) {
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoPretrainedName, name)
	}

	return &PipelineUI{
		name:    name,
		section: section,
		names:   names,
		cfg:     cfg,
		set:     set,
		current: names[0],
	}, nil
}

func (u *PipelineUI) Name() string { return u.name }

// PretrainedNames lists the names Start accepts.
func (u *PipelineUI) PretrainedNames() []string { return slices.Clone(u.names) }

func (u *PipelineUI) Current() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.current
}

func (u *PipelineUI) Status() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.status()
}

func (u *PipelineUI) status() string {
	if u.pipe == nil {
		return StatusStopped
	}
	return StatusRunning
}

// Start builds the pipeline for pretrainedName, replacing a running one.
func (u *PipelineUI) Start(ctx context.Context, pretrainedName string) error {
	if !slices.Contains(u.names, pretrainedName) {
		return fmt.Errorf("%w: %q for %s", ErrUnsupportedName, pretrainedName, u.name)
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	u.pipe = nil
	u.cfg.Set(u.section, "pretrained_name", pretrainedName)
	u.current = pretrainedName

	pipe, err := u.set.Pipeline(u.cfg, u.section)
	if err != nil {
		return err
	}

	u.pipe = pipe
	slog.Info("web ui started", "webui", u.name, "pretrained_name", pretrainedName)
	return nil
}

// Stop releases the pipeline. Stopping a stopped UI is a no-op.
func (u *PipelineUI) Stop() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.pipe != nil {
		slog.Info("web ui stopped", "webui", u.name)
	}
	u.pipe = nil
	return nil
}

func (u *PipelineUI) Call(ctx context.Context, args process.Args) (any, error) {
	u.mu.Lock()
	pipe := u.pipe
	u.mu.Unlock()

	if pipe == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotRunning, u.name)
	}

	return pipe.Call(ctx, args)
}

// pipelineUI registers a factory for a UI over section, offering the names
// of names() that pass the match and block patterns.
func pipelineUI(s *registry.Set, key, name, section string, names func() []string, match, block []string) {
	s.WebUIs.Register(key, func(cfg *config.Config, set *registry.Set) (registry.WebUI, error) {
		supported, err := MatchedPretrainedNames(names(), match, block)
		if err != nil {
			return nil, err
		}

		u, err := NewPipelineUI(name, section, supported, cfg, set)
		if err != nil {
			return nil, err
		}
		return u, nil
	})
}

// Register adds the web UIs of the pipelines in s.
func Register(s *registry.Set) {
	pipelineUI(s, "core/webui/clip", "clip", "core/pipeline/clip", clip.PretrainedNames, []string{"^clip-"}, nil)
	pipelineUI(s, "core/webui/clip/text", "clip-text", "core/pipeline/clip/text", clip.PretrainedNames, []string{"^clip-"}, nil)
	pipelineUI(s, "core/webui/clip/image", "clip-image", "core/pipeline/clip/image", clip.PretrainedNames, []string{"^clip-"}, nil)
}
