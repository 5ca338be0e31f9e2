package bundle

import (
	"context"
	"fmt"
	"iter"
	"slices"

	"github.com/emirpasic/gods/v2/maps/linkedhashmap"

	"github.com/jmorganca/zoo/distributed"
	"github.com/jmorganca/zoo/ml"
)

type ListField struct {
	Name    string
	Tensors []*ml.Tensor
}

// L declares a list field. A single tensor becomes a one-element list.
func L(name string, ts ...*ml.Tensor) ListField {
	return ListField{Name: name, Tensors: ts}
}

// ListTensors maps field names to a variable number of tensors, such as
// the candidate images of one example.
type ListTensors struct {
	role Role
	m    *linkedhashmap.Map[string, []*ml.Tensor]
}

func NewListTensors(fields ...ListField) *ListTensors {
	b := &ListTensors{m: linkedhashmap.New[string, []*ml.Tensor]()}
	for _, f := range fields {
		if slices.Contains(f.Tensors, nil) {
			panic(fmt.Sprintf("bundle: list field %q holds a nil tensor", f.Name))
		}

		if _, ok := b.m.Get(f.Name); ok {
			panic(fmt.Sprintf("bundle: field %q declared twice", f.Name))
		}

		b.m.Put(f.Name, slices.Clone(f.Tensors))
	}

	return b
}

func (b *ListTensors) Role() Role          { return b.role }
func (b *ListTensors) setRole(r Role)      { b.role = r }
func (b *ListTensors) Len() int            { return b.m.Size() }
func (b *ListTensors) Keys() []string      { return b.m.Keys() }
func (b *ListTensors) keys() []string      { return b.m.Keys() }
func (b *ListTensors) empty() *ListTensors { return NewListTensors() }

func (b *ListTensors) Get(name string) ([]*ml.Tensor, bool) {
	ts, ok := b.m.Get(name)
	return slices.Clone(ts), ok
}

func (b *ListTensors) All() iter.Seq2[string, []*ml.Tensor] {
	return func(yield func(string, []*ml.Tensor) bool) {
		for _, k := range b.m.Keys() {
			v, _ := b.m.Get(k)
			if !yield(k, v) {
				return
			}
		}
	}
}

func (b *ListTensors) Dict() map[string][]*ml.Tensor {
	d := make(map[string][]*ml.Tensor, b.m.Size())
	for k, v := range b.All() {
		d[k] = slices.Clone(v)
	}

	return d
}

func (b *ListTensors) fields() []ListField {
	fs := make([]ListField, 0, b.m.Size())
	for k, v := range b.All() {
		fs = append(fs, L(k, v...))
	}

	return fs
}

func (b *ListTensors) flatten(bs []*ListTensors, singleton bool) (*ListTensors, error) {
	out := NewListTensors()
	out.role = b.role
	for _, k := range b.keys() {
		var ts []*ml.Tensor
		for i, o := range bs {
			v, _ := o.m.Get(k)
			if singleton && len(v) != 1 {
				return nil, fmt.Errorf("%w: field %q of bundle %d has %d", ErrNotSingleton, k, i, len(v))
			}
			ts = append(ts, v...)
		}

		out.m.Put(k, ts)
	}

	return out, nil
}

func (b *ListTensors) union(_ int, bs []*ListTensors) (*ListTensors, error) {
	return b.flatten(bs, false)
}

func (b *ListTensors) stack(_ int, bs []*ListTensors) (*ListTensors, error) {
	return b.flatten(bs, true)
}

func (b *ListTensors) Add(o *ListTensors) (*ListTensors, error) {
	for _, k := range o.keys() {
		if _, ok := b.m.Get(k); ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, k)
		}
	}

	out := NewListTensors(append(b.fields(), o.fields()...)...)
	out.role = b.role
	return out, nil
}

func (b *ListTensors) To(device string, inplace bool) (*ListTensors, error) {
	out := b
	if !inplace {
		out = NewListTensors()
		out.role = b.role
	}

	moved := make([]ListField, 0, b.Len())
	for k, v := range b.All() {
		ts := make([]*ml.Tensor, len(v))
		for i, t := range v {
			var err error
			if ts[i], err = t.To(device); err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
		}
		moved = append(moved, L(k, ts...))
	}

	for _, f := range moved {
		out.m.Put(f.Name, f.Tensors)
	}

	return out, nil
}

func (b *ListTensors) CPU(inplace bool) (*ListTensors, error)  { return b.To(ml.CPU, inplace) }
func (b *ListTensors) CUDA(inplace bool) (*ListTensors, error) { return b.To(ml.CUDA, inplace) }

// Sync gathers every list from all workers of g and flattens them in rank
// order. Workers may hold lists of different lengths.
func (b *ListTensors) Sync(ctx context.Context, g distributed.Group) (*ListTensors, error) {
	if g == nil {
		return nil, distributed.ErrNotInitialized
	}

	out := NewListTensors()
	out.role = b.role
	for k, v := range b.All() {
		parts, err := g.AllGather(ctx, v)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}

		var ts []*ml.Tensor
		for _, p := range parts {
			ts = append(ts, p...)
		}

		out.m.Put(k, ts)
	}

	return out, nil
}
