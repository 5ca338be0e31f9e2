package bundle

import (
	"context"
	"slices"

	"github.com/jmorganca/zoo/distributed"
	"github.com/jmorganca/zoo/ml"
)

// Combined pairs a Tensors and a ListTensors. Every operation applies to
// each half independently.
type Combined struct {
	role    Role
	tensors *Tensors
	lists   *ListTensors
}

// NewCombined takes ownership of both halves; either may be nil.
func NewCombined(tensors *Tensors, lists *ListTensors) *Combined {
	if tensors == nil {
		tensors = NewTensors()
	}

	if lists == nil {
		lists = NewListTensors()
	}

	return &Combined{tensors: tensors, lists: lists}
}

func (b *Combined) Role() Role { return b.role }

func (b *Combined) setRole(r Role) {
	b.role = r
	b.tensors.role = r
	b.lists.role = r
}

func (b *Combined) Tensors() *Tensors         { return b.tensors }
func (b *Combined) ListTensors() *ListTensors { return b.lists }
func (b *Combined) Len() int                  { return b.tensors.Len() + b.lists.Len() }
func (b *Combined) empty() *Combined          { return NewCombined(nil, nil) }

// Keys lists tensor fields first, then list fields.
func (b *Combined) Keys() []string {
	return append(b.tensors.Keys(), b.lists.Keys()...)
}

// keys tags each name with its half so a tensor field never matches a
// list field of the same name.
func (b *Combined) keys() []string {
	var ks []string
	for _, k := range b.tensors.keys() {
		ks = append(ks, "tensor:"+k)
	}
	for _, k := range b.lists.keys() {
		ks = append(ks, "list:"+k)
	}

	return ks
}

// Dict merges both halves; a list field shadows a tensor field of the
// same name.
func (b *Combined) Dict() map[string]any {
	d := make(map[string]any, b.Len())
	for k, v := range b.tensors.All() {
		d[k] = v
	}
	for k, v := range b.lists.All() {
		d[k] = slices.Clone(v)
	}

	return d
}

func (b *Combined) split(bs []*Combined) ([]*Tensors, []*ListTensors) {
	ts := make([]*Tensors, len(bs))
	ls := make([]*ListTensors, len(bs))
	for i, o := range bs {
		ts[i], ls[i] = o.tensors, o.lists
	}

	return ts, ls
}

func (b *Combined) join(t *Tensors, l *ListTensors, err error) (*Combined, error) {
	if err != nil {
		return nil, err
	}

	out := NewCombined(t, l)
	out.setRole(b.role)
	return out, nil
}

func (b *Combined) union(axis int, bs []*Combined) (*Combined, error) {
	ts, ls := b.split(bs)
	t, err := b.tensors.union(axis, ts)
	if err != nil {
		return nil, err
	}

	l, err := b.lists.union(axis, ls)
	return b.join(t, l, err)
}

func (b *Combined) stack(axis int, bs []*Combined) (*Combined, error) {
	ts, ls := b.split(bs)
	t, err := b.tensors.stack(axis, ts)
	if err != nil {
		return nil, err
	}

	l, err := b.lists.stack(axis, ls)
	return b.join(t, l, err)
}

func (b *Combined) Add(o *Combined) (*Combined, error) {
	t, err := b.tensors.Add(o.tensors)
	if err != nil {
		return nil, err
	}

	l, err := b.lists.Add(o.lists)
	return b.join(t, l, err)
}

func (b *Combined) AddTensors(o *Tensors) (*Combined, error) {
	return b.Add(NewCombined(o, nil))
}

func (b *Combined) AddListTensors(o *ListTensors) (*Combined, error) {
	return b.Add(NewCombined(nil, o))
}

func (b *Combined) To(device string, inplace bool) (*Combined, error) {
	t, err := b.tensors.To(device, inplace)
	if err != nil {
		return nil, err
	}

	l, err := b.lists.To(device, inplace)
	if err != nil {
		return nil, err
	}

	if inplace {
		return b, nil
	}

	return b.join(t, l, nil)
}

func (b *Combined) CPU(inplace bool) (*Combined, error) {
	return b.To(ml.CPU, inplace)
}

func (b *Combined) CUDA(inplace bool) (*Combined, error) {
	return b.To(ml.CUDA, inplace)
}

func (b *Combined) Sync(ctx context.Context, g distributed.Group, axis int) (*Combined, error) {
	if g == nil {
		return nil, distributed.ErrNotInitialized
	}

	t, err := b.tensors.Sync(ctx, g, axis)
	if err != nil {
		return nil, err
	}

	l, err := b.lists.Sync(ctx, g)
	return b.join(t, l, err)
}
