package config

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/mapstructure"
	"gopkg.in/yaml.v3"
)

var ErrOverride = errors.New("config: override must look like section@option=value")

// Load reads a configuration file. YAML and TOML files map top level
// tables to sections; anything else is read as INI with [section] headers.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var sections map[string]map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.NewDecoder(f).Decode(&sections)
		if errors.Is(err, io.EOF) {
			err = nil
		}
	case ".toml":
		_, err = toml.NewDecoder(f).Decode(&sections)
	default:
		sections, err = parseINI(f)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	c := New()
	for section, options := range sections {
		for option, value := range options {
			c.Set(section, option, value)
		}
	}

	return c, nil
}

func parseINI(r io.Reader) (map[string]map[string]any, error) {
	sections := make(map[string]map[string]any)

	var section string
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "", strings.HasPrefix(line, "#"), strings.HasPrefix(line, ";"):
			continue
		case strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]"):
			section = strings.TrimSpace(line[1 : len(line)-1])
			if sections[section] == nil {
				sections[section] = make(map[string]any)
			}
			continue
		}

		option, value, ok := strings.Cut(line, "=")
		if !ok {
			option, value, ok = strings.Cut(line, ":")
		}
		if !ok || section == "" {
			return nil, fmt.Errorf("line %d: expected option = value inside a section", n)
		}

		sections[section][strings.TrimSpace(option)] = ParseValue(strings.TrimSpace(value))
	}

	return sections, sc.Err()
}

// ParseValue interprets a raw string the way a YAML scalar or flow
// collection would read, so "128" is an int and "[a, b]" a list. None and
// null are nil; anything unparsable stays a string.
func ParseValue(raw string) any {
	switch raw {
	case "", "None", "none", "null", "~":
		return nil
	}

	var v any
	if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}

	return v
}

// Override applies "section@option=value" to c.
func (c *Config) Override(s string) error {
	section, rest, ok := strings.Cut(s, "@")
	if !ok || section == "" {
		return fmt.Errorf("%w: %q", ErrOverride, s)
	}

	option, value, ok := strings.Cut(rest, "=")
	if !ok || option == "" {
		return fmt.Errorf("%w: %q", ErrOverride, s)
	}

	c.Set(section, option, ParseValue(value))
	return nil
}

// Decode copies the options of s into the struct pointed to by v, matching
// `option` struct tags and converting weakly typed values.
func Decode(s Section, v any) error {
	d, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           v,
		TagName:          "option",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}

	if err := d.Decode(s.c.Options(s.name)); err != nil {
		return fmt.Errorf("%s: %w", s.name, err)
	}

	return nil
}

// LoadInfos parses a pretrained infos table: model name -> resource name
// -> path or URL.
func LoadInfos(data []byte) (map[string]any, error) {
	var infos map[string]any
	if err := yaml.Unmarshal(data, &infos); err != nil {
		return nil, err
	}

	return infos, nil
}
