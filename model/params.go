package model

import (
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/jmorganca/zoo/ml"
)

// Param is a named model weight. Ptr points at the struct field holding
// the tensor so loaders and optimizers can replace it.
type Param struct {
	Name string
	Alt  []string
	Ptr  **ml.Tensor
}

func (p Param) Tensor() *ml.Tensor {
	return *p.Ptr
}

var (
	tensorType = reflect.TypeOf((*ml.Tensor)(nil))
	baseType   = reflect.TypeOf(Base{})
)

// Params walks v, a pointer to a model struct, and returns its non-nil
// tensors in field order. Names are built from `safetensors` struct tags
// joined with dots; slice elements contribute their index.
func Params(v any) []Param {
	var ps []Param
	collect(reflect.ValueOf(v), nil, &ps)
	return ps
}

func collect(v reflect.Value, tags []Tag, ps *[]Param) {
	if !v.IsValid() {
		return
	}

	if v.Type() == tensorType {
		if v.IsNil() || !v.CanAddr() {
			return
		}

		names := tagNames(tags)
		if len(names) == 0 {
			return
		}

		*ps = append(*ps, Param{
			Name: names[0],
			Alt:  names[1:],
			Ptr:  v.Addr().Interface().(**ml.Tensor),
		})
		return
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if !v.IsNil() {
			collect(v.Elem(), tags, ps)
		}
	case reflect.Struct:
		t := v.Type()
		for i := range t.NumField() {
			f := t.Field(i)
			if !f.IsExported() || f.Type == baseType {
				continue
			}

			fieldTags := tags
			if tag := f.Tag.Get("safetensors"); tag != "" {
				fieldTags = append(slices.Clip(tags), ParseTags(tag))
			}

			collect(v.Field(i), fieldTags, ps)
		}
	case reflect.Slice, reflect.Array:
		for i := range v.Len() {
			collect(v.Index(i), append(slices.Clip(tags), Tag{Name: strconv.Itoa(i)}), ps)
		}
	}
}

// tagNames expands tags into every dotted name they can spell, the
// primary name first.
func tagNames(tags []Tag) []string {
	var fn func([]Tag) [][]string
	fn = func(tags []Tag) (values [][]string) {
		if len(tags) < 1 {
			return nil
		}

		values = [][]string{{tags[0].Name}}
		for _, alt := range tags[0].Alternate {
			values = append(values, []string{alt})
		}

		rest := fn(tags[1:])
		if len(rest) == 0 {
			return values
		}

		var out [][]string
		for _, value := range values {
			for _, r := range rest {
				out = append(out, append(slices.Clip(value), r...))
			}
		}

		return out
	}

	var names []string
	for _, parts := range fn(tags) {
		names = append(names, strings.Join(parts, "."))
	}

	return names
}

type Tag struct {
	Name      string
	Alternate []string
}

func ParseTags(s string) (tag Tag) {
	parts := strings.Split(s, ",")
	if len(parts) > 0 {
		tag.Name = parts[0]

		for _, part := range parts[1:] {
			if value, ok := strings.CutPrefix(part, "alt:"); ok {
				tag.Alternate = append(tag.Alternate, value)
			}
		}
	}

	return
}
