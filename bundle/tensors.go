package bundle

import (
	"context"
	"fmt"
	"iter"

	"github.com/emirpasic/gods/v2/maps/linkedhashmap"

	"github.com/jmorganca/zoo/distributed"
	"github.com/jmorganca/zoo/ml"
)

type Field struct {
	Name   string
	Tensor *ml.Tensor
}

func F(name string, t *ml.Tensor) Field {
	return Field{Name: name, Tensor: t}
}

// Tensors maps field names to one tensor each, in construction order.
type Tensors struct {
	role Role
	m    *linkedhashmap.Map[string, *ml.Tensor]
}

// NewTensors builds a container from fields. Duplicate names and nil
// tensors are programming errors and panic.
func NewTensors(fields ...Field) *Tensors {
	b := &Tensors{m: linkedhashmap.New[string, *ml.Tensor]()}
	for _, f := range fields {
		if f.Tensor == nil {
			panic(fmt.Sprintf("bundle: field %q has no tensor", f.Name))
		}

		if _, ok := b.m.Get(f.Name); ok {
			panic(fmt.Sprintf("bundle: field %q declared twice", f.Name))
		}

		b.m.Put(f.Name, f.Tensor)
	}

	return b
}

func (b *Tensors) Role() Role      { return b.role }
func (b *Tensors) setRole(r Role)  { b.role = r }
func (b *Tensors) Len() int        { return b.m.Size() }
func (b *Tensors) Keys() []string  { return b.m.Keys() }
func (b *Tensors) keys() []string  { return b.m.Keys() }
func (b *Tensors) empty() *Tensors { return NewTensors() }

func (b *Tensors) Get(name string) (*ml.Tensor, bool) {
	return b.m.Get(name)
}

// Require returns the named field or an error naming it.
func (b *Tensors) Require(name string) (*ml.Tensor, error) {
	t, ok := b.m.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingField, name)
	}

	return t, nil
}

// All iterates fields in order.
func (b *Tensors) All() iter.Seq2[string, *ml.Tensor] {
	return func(yield func(string, *ml.Tensor) bool) {
		for _, k := range b.m.Keys() {
			v, _ := b.m.Get(k)
			if !yield(k, v) {
				return
			}
		}
	}
}

// Dict exports the fields. The map is a copy.
func (b *Tensors) Dict() map[string]*ml.Tensor {
	d := make(map[string]*ml.Tensor, b.m.Size())
	for k, v := range b.All() {
		d[k] = v
	}

	return d
}

func (b *Tensors) fields() []Field {
	fs := make([]Field, 0, b.m.Size())
	for k, v := range b.All() {
		fs = append(fs, F(k, v))
	}

	return fs
}

func (b *Tensors) merge(bs []*Tensors, fn func([]*ml.Tensor) (*ml.Tensor, error)) (*Tensors, error) {
	out := NewTensors()
	out.role = b.role
	for _, k := range b.keys() {
		ts := make([]*ml.Tensor, len(bs))
		for i, o := range bs {
			ts[i], _ = o.m.Get(k)
		}

		t, err := fn(ts)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}

		out.m.Put(k, t)
	}

	return out, nil
}

func (b *Tensors) union(axis int, bs []*Tensors) (*Tensors, error) {
	return b.merge(bs, func(ts []*ml.Tensor) (*ml.Tensor, error) {
		return ml.Concat(axis, ts...)
	})
}

func (b *Tensors) stack(axis int, bs []*Tensors) (*Tensors, error) {
	return b.merge(bs, func(ts []*ml.Tensor) (*ml.Tensor, error) {
		return ml.Stack(axis, ts...)
	})
}

// Add returns a container with the fields of b followed by those of o. A
// name present in both fails with ErrDuplicateKey.
func (b *Tensors) Add(o *Tensors) (*Tensors, error) {
	for _, k := range o.keys() {
		if _, ok := b.m.Get(k); ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, k)
		}
	}

	out := NewTensors(append(b.fields(), o.fields()...)...)
	out.role = b.role
	return out, nil
}

// To moves every tensor to device. In place it updates b and returns it.
func (b *Tensors) To(device string, inplace bool) (*Tensors, error) {
	out := b
	if !inplace {
		out = NewTensors()
		out.role = b.role
	}

	moved := make([]Field, 0, b.Len())
	for k, v := range b.All() {
		t, err := v.To(device)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}
		moved = append(moved, F(k, t))
	}

	for _, f := range moved {
		out.m.Put(f.Name, f.Tensor)
	}

	return out, nil
}

func (b *Tensors) CPU(inplace bool) (*Tensors, error)  { return b.To(ml.CPU, inplace) }
func (b *Tensors) CUDA(inplace bool) (*Tensors, error) { return b.To(ml.CUDA, inplace) }

// Sync gathers every field from all workers of g and concatenates the
// contributions along axis in rank order.
func (b *Tensors) Sync(ctx context.Context, g distributed.Group, axis int) (*Tensors, error) {
	if g == nil {
		return nil, distributed.ErrNotInitialized
	}

	out := NewTensors()
	out.role = b.role
	for k, v := range b.All() {
		parts, err := g.AllGather(ctx, []*ml.Tensor{v})
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}

		ts := make([]*ml.Tensor, 0, len(parts))
		for _, p := range parts {
			ts = append(ts, p...)
		}

		t, err := ml.Concat(axis, ts...)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", k, err)
		}

		out.m.Put(k, t)
	}

	return out, nil
}
