package hub

import (
	"context"
	"fmt"

	"github.com/spf13/cast"

	"github.com/jmorganca/zoo/config"
)

// Resolve returns a local path for the resource named by option in s,
// falling back to the pretrained infos entry at keys.
func Resolve(ctx context.Context, s config.Section, option string, infos map[string]any, keys ...string) (string, error) {
	p, err := config.ResolveString(s, option, infos, keys...)
	if err != nil {
		return "", err
	}

	local, err := CachedPath(ctx, p)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", s.Name(), option, err)
	}

	return local, nil
}

// ResolveAll is Resolve for options that are optional and may list several
// resources, as sharded weights do. It returns nil when neither the option
// nor the infos entry is set.
func ResolveAll(ctx context.Context, s config.Section, option string, infos map[string]any, keys ...string) ([]string, error) {
	fallback, err := config.NestedValue(infos, keys...)
	if err != nil {
		fallback = nil
	}

	v, err := config.PopValue(s.Get(option), fallback, false)
	if err != nil || v == nil {
		return nil, err
	}

	var paths []string
	switch v := v.(type) {
	case string:
		paths = []string{v}
	default:
		if paths, err = cast.ToStringSliceE(v); err != nil {
			return nil, fmt.Errorf("%s %s: %w", s.Name(), option, err)
		}
	}

	local := make([]string, 0, len(paths))
	for _, p := range paths {
		l, err := CachedPath(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", s.Name(), option, err)
		}
		local = append(local, l)
	}

	return local, nil
}
