package model

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/jmorganca/zoo/config"
	"github.com/jmorganca/zoo/hub"
)

// ReadConfig decodes a JSON model configuration file into v.
func ReadConfig(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	return nil
}

// LoadPretrained loads the weights named by the section's
// pretrained_weight_path option, falling back to the "weight" entry of the
// pretrained infos. Having neither is not an error: the model keeps its
// initialized weights.
func LoadPretrained(ctx context.Context, m Model, s config.Section, infos map[string]any, name string) error {
	paths, err := hub.ResolveAll(ctx, s, "pretrained_weight_path", infos, name, "weight")
	if err != nil {
		return err
	}

	if len(paths) == 0 {
		slog.Debug("no pretrained weights", "section", s.Name(), "pretrained_name", name)
		return nil
	}

	return m.FromPretrained(ctx, paths, nil)
}

// FromConfig builds a model from the JSON configuration named by the
// section's config_path option, falling back to the "config" entry of the
// pretrained_name infos, then loads its pretrained weights.
func FromConfig[C any, M Model](ctx context.Context, s config.Section, infos map[string]any, defaultName string, build func(c C) (M, error)) (M, error) {
	var zero M
	name := s.String("pretrained_name", defaultName)

	path, err := hub.Resolve(ctx, s, "config_path", infos, name, "config")
	if err != nil {
		return zero, err
	}

	var c C
	if err := ReadConfig(path, &c); err != nil {
		return zero, err
	}

	m, err := build(c)
	if err != nil {
		return zero, err
	}

	if err := LoadPretrained(ctx, m, s, infos, name); err != nil {
		return zero, err
	}

	return m, nil
}
