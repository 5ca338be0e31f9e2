// Package process holds the shared argument plumbing of preprocessing and
// postprocessing functions.
package process

import (
	"context"
	"fmt"
	"image"
	"maps"

	"github.com/spf13/cast"

	"github.com/jmorganca/zoo/bundle"
	"github.com/jmorganca/zoo/config"
	"github.com/jmorganca/zoo/imageproc"
)

// Func is a registered processing step. Preprocessing steps return tensor
// bundles, postprocessing steps return tables.
type Func func(ctx context.Context, args Args) (any, error)

// Args are the named arguments of one call.
type Args map[string]any

// WithDefaults returns a copy of a where every absent argument is taken from
// the options of s.
func (a Args) WithDefaults(s config.Section) Args {
	out := maps.Clone(s.Config().Options(s.Name()))
	if out == nil {
		out = make(Args, len(a))
	}

	maps.Copy(out, a)
	return out
}

func (a Args) Has(key string) bool {
	_, ok := a[key]
	return ok
}

func argValue[T any](a Args, key string, conv func(any) (T, error), defaultValue ...T) (T, error) {
	v, ok := a[key]
	if !ok || v == nil {
		if len(defaultValue) > 0 {
			return defaultValue[0], nil
		}

		var zero T
		return zero, fmt.Errorf("missing argument %q", key)
	}

	t, err := conv(v)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("argument %q: %w", key, err)
	}

	return t, nil
}

func (a Args) String(key string, defaultValue ...string) (string, error) {
	return argValue(a, key, cast.ToStringE, defaultValue...)
}

func (a Args) Int(key string, defaultValue ...int) (int, error) {
	return argValue(a, key, cast.ToIntE, defaultValue...)
}

func (a Args) Float(key string, defaultValue ...float64) (float64, error) {
	return argValue(a, key, cast.ToFloat64E, defaultValue...)
}

func (a Args) Bool(key string, defaultValue ...bool) (bool, error) {
	return argValue(a, key, cast.ToBoolE, defaultValue...)
}

func (a Args) Strings(key string, defaultValue ...[]string) ([]string, error) {
	return argValue(a, key, cast.ToStringSliceE, defaultValue...)
}

// Image accepts either a decoded image or a path to one.
func (a Args) Image(key string) (image.Image, error) {
	switch v := a[key].(type) {
	case image.Image:
		return v, nil
	case string:
		img, err := imageproc.Open(v)
		if err != nil {
			return nil, fmt.Errorf("argument %q: %w", key, err)
		}
		return img, nil
	case nil:
		return nil, fmt.Errorf("missing argument %q", key)
	default:
		return nil, fmt.Errorf("argument %q: expected an image, got %T", key, v)
	}
}

// Bind adapts a method of a processor to a process factory. The processor
// is built from the configuration on every factory call and arguments the
// caller omits are read from section.
func Bind[P any](section string, build func(cfg *config.Config) (P, error), f func(p P, ctx context.Context, args Args) (any, error)) func(cfg *config.Config) (Func, error) {
	return func(cfg *config.Config) (Func, error) {
		p, err := build(cfg)
		if err != nil {
			return nil, err
		}

		s := cfg.Section(section)
		return func(ctx context.Context, args Args) (any, error) {
			return f(p, ctx, args.WithDefaults(s))
		}, nil
	}
}

// Example pairs the model inputs of one example with its targets.
type Example struct {
	Inputs  *bundle.Tensors
	Targets *bundle.Tensors
}
