package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
)

var (
	ErrNoValue     = errors.New("config: no value")
	ErrKeyNotFound = errors.New("config: key not found")
)

func isNil(v any) bool {
	if v == nil {
		return true
	}

	switch rv := reflect.ValueOf(v); rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}

	return false
}

// PopValue returns explicit unless it is nil, then fallback. With
// checkNone set, both being nil is an error.
func PopValue(explicit, fallback any, checkNone bool) (any, error) {
	if !isNil(explicit) {
		return explicit, nil
	}

	if isNil(fallback) && checkNone {
		return nil, ErrNoValue
	}

	return fallback, nil
}

// NestedValue walks table by successive keys.
func NestedValue(table any, keys ...string) (any, error) {
	v := table
	for i, key := range keys {
		var ok bool
		switch m := v.(type) {
		case map[string]any:
			v, ok = m[key]
		case map[any]any:
			v, ok = m[key]
		}

		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, strings.Join(keys[:i+1], "."))
		}
	}

	return v, nil
}

// Resolve returns the configured option, falling back to the entry of the
// pretrained infos table at keys.
func Resolve(s Section, option string, infos map[string]any, keys ...string) (any, error) {
	explicit := s.Get(option)
	if !isNil(explicit) {
		return explicit, nil
	}

	fallback, err := NestedValue(infos, keys...)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", s.name, option, err)
	}

	v, err := PopValue(explicit, fallback, true)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", s.name, option, err)
	}

	return v, nil
}

// ResolveString is Resolve for the common case of a path or name.
func ResolveString(s Section, option string, infos map[string]any, keys ...string) (string, error) {
	v, err := Resolve(s, option, infos, keys...)
	if err != nil {
		return "", err
	}

	str, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%s %s: expected a string, got %T", s.name, option, v)
	}

	return str, nil
}
