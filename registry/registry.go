// Package registry maps string keys to the constructors of processes,
// models, optimizers, pipelines, web UIs and writers.
//
// Registries are filled during an explicit setup phase, typically by
// calling each family's Register(*Set) before serving. Lookups afterwards
// are safe from any goroutine.
package registry

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
)

var ErrNotRegistered = errors.New("not registered")

type Registry[T any] struct {
	name string

	mu      sync.RWMutex
	entries map[string]T
}

func New[T any](name string) *Registry[T] {
	return &Registry[T]{name: name, entries: make(map[string]T)}
}

// Register stores v under key. A later registration of the same key
// replaces the earlier one.
func (r *Registry[T]) Register(key string, v T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = v
}

func (r *Registry[T]) Get(key string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.entries[key]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s %q %w", r.name, key, ErrNotRegistered)
	}

	return v, nil
}

func (r *Registry[T]) Has(key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[key]
	return ok
}

// Keys returns the registered keys in sorted order.
func (r *Registry[T]) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Match returns the sorted keys starting with prefix.
func (r *Registry[T]) Match(prefix string) []string {
	var keys []string
	for _, k := range r.Keys() {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}

	return keys
}
