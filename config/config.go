// Package config holds the hierarchical section -> option -> value store
// that components are built from.
package config

import (
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/spf13/cast"
)

type Config struct {
	mu       sync.RWMutex
	sections map[string]map[string]any
}

func New() *Config {
	return &Config{sections: make(map[string]map[string]any)}
}

func (c *Config) Set(section, option string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sections[section] == nil {
		c.sections[section] = make(map[string]any)
	}
	c.sections[section][option] = value
}

// Get returns the configured value. A value explicitly set to nil is
// reported as present.
func (c *Config) Get(section, option string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.sections[section][option]
	return v, ok
}

func (c *Config) Sections() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return slices.Sorted(maps.Keys(c.sections))
}

// Options returns a copy of the options of a section.
func (c *Config) Options(section string) map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.sections[section])
}

// Merge copies every option of o into c, replacing existing values.
func (c *Config) Merge(o *Config) {
	for _, section := range o.Sections() {
		for option, value := range o.Options(section) {
			c.Set(section, option, value)
		}
	}
}

// Section returns a view of one section. Views are cheap and safe to pass
// between goroutines.
func (c *Config) Section(name string) Section {
	return Section{c: c, name: name}
}

type Section struct {
	c    *Config
	name string
}

func (s Section) Name() string    { return s.name }
func (s Section) Config() *Config { return s.c }

func (s Section) Set(option string, value any) {
	s.c.Set(s.name, option, value)
}

func (s Section) Lookup(option string) (any, bool) {
	return s.c.Get(s.name, option)
}

// Get returns the configured value for option, else the first default,
// else nil.
func (s Section) Get(option string, defaultValue ...any) any {
	if v, ok := s.Lookup(option); ok {
		return v
	}

	if len(defaultValue) > 0 {
		return defaultValue[0]
	}

	return nil
}

func keyValue[T any](s Section, option string, conv func(any) (T, error), defaultValue ...T) (T, bool) {
	if v, ok := s.Lookup(option); ok && v != nil {
		t, err := conv(v)
		if err == nil {
			return t, true
		}
		slog.Warn("invalid option, using default", "section", s.name, "option", option, "value", v, "error", err)
	}

	return defaultValue[0], false
}

func (s Section) String(option string, defaultValue ...string) string {
	val, _ := keyValue(s, option, cast.ToStringE, append(defaultValue, "")...)
	return val
}

func (s Section) Int(option string, defaultValue ...int) int {
	val, _ := keyValue(s, option, cast.ToIntE, append(defaultValue, 0)...)
	return val
}

func (s Section) Float(option string, defaultValue ...float64) float64 {
	val, _ := keyValue(s, option, cast.ToFloat64E, append(defaultValue, 0)...)
	return val
}

func (s Section) Bool(option string, defaultValue ...bool) bool {
	val, _ := keyValue(s, option, cast.ToBoolE, append(defaultValue, false)...)
	return val
}

func (s Section) Strings(option string, defaultValue ...[]string) []string {
	val, _ := keyValue(s, option, cast.ToStringSliceE, append(defaultValue, nil)...)
	return val
}

func (s Section) StringMap(option string, defaultValue ...map[string]any) map[string]any {
	val, _ := keyValue(s, option, cast.ToStringMapE, append(defaultValue, nil)...)
	return val
}
