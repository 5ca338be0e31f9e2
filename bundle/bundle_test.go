package bundle

import (
	"context"
	"os"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pdevine/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmorganca/zoo/distributed"
	"github.com/jmorganca/zoo/ml"
)

type fakeCUDA struct{}

func (fakeCUDA) Transfer(d *tensor.Dense) (*tensor.Dense, error) {
	return d.Clone().(*tensor.Dense), nil
}

func TestMain(m *testing.M) {
	ml.RegisterBackend(ml.CUDA, fakeCUDA{})
	os.Exit(m.Run())
}

func seq(t *testing.T, start float32, shape ...int) *ml.Tensor {
	t.Helper()
	n := 1
	for _, d := range shape {
		n *= d
	}

	s := make([]float32, n)
	for i := range s {
		s[i] = start + float32(i)
	}

	x, err := ml.FromFloats(s, shape...)
	require.NoError(t, err)
	return x
}

func TestUnionShapes(t *testing.T) {
	a := NewTensors(F("x", seq(t, 0, 2, 4)))
	b := NewTensors(F("x", seq(t, 100, 3, 4)))

	u, err := Union(0, a, b)
	require.NoError(t, err)

	x, ok := u.Get("x")
	require.True(t, ok)
	assert.Equal(t, []int{5, 4}, x.Shape())
}

func TestUnionConcatenatesEveryKey(t *testing.T) {
	a := NewTensors(F("ids", seq(t, 0, 1, 3)), F("mask", seq(t, 10, 1, 3)))
	b := NewTensors(F("ids", seq(t, 20, 2, 3)), F("mask", seq(t, 30, 2, 3)))

	u, err := Union(0, a, b)
	require.NoError(t, err)
	assert.Equal(t, []string{"ids", "mask"}, u.Keys())

	for _, k := range u.Keys() {
		x, _ := a.Get(k)
		y, _ := b.Get(k)
		want, err := ml.Concat(0, x, y)
		require.NoError(t, err)

		got, _ := u.Get(k)
		assert.True(t, want.Equal(got), "field %s", k)
	}
}

func TestUnionKeyMismatch(t *testing.T) {
	a := NewTensors(F("a", seq(t, 0, 1)), F("b", seq(t, 0, 1)))

	cases := map[string]*Tensors{
		"missing": NewTensors(F("a", seq(t, 0, 1))),
		"order":   NewTensors(F("b", seq(t, 0, 1)), F("a", seq(t, 0, 1))),
		"renamed": NewTensors(F("a", seq(t, 0, 1)), F("c", seq(t, 0, 1))),
	}

	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Union(0, a, b)
			assert.ErrorIs(t, err, ErrKeyMismatch)

			_, err = Stack(0, a, b)
			assert.ErrorIs(t, err, ErrKeyMismatch)
		})
	}
}

func TestEmptyMerge(t *testing.T) {
	u, err := Union[*Tensors](0)
	require.NoError(t, err)
	assert.Equal(t, 0, u.Len())

	s, err := Stack[*ListTensors](0)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len())

	c, err := Union[*Combined](0)
	require.NoError(t, err)
	assert.Equal(t, 0, c.Len())
}

func TestStackRecoversInputs(t *testing.T) {
	in := []*Tensors{
		NewTensors(F("x", seq(t, 0, 2, 3))),
		NewTensors(F("x", seq(t, 6, 2, 3))),
		NewTensors(F("x", seq(t, 12, 2, 3))),
	}

	for _, axis := range []int{0, 1, 2} {
		s, err := Stack(axis, in...)
		require.NoError(t, err)

		x, _ := s.Get("x")
		for i, b := range in {
			got, err := x.Index(axis, i)
			require.NoError(t, err)

			want, _ := b.Get("x")
			assert.True(t, want.Equal(got), "axis %d index %d", axis, i)
		}
	}
}

func TestListTensors(t *testing.T) {
	a := NewListTensors(L("images", seq(t, 0, 2)), L("boxes", seq(t, 0, 4), seq(t, 4, 4)))
	b := NewListTensors(L("images", seq(t, 10, 2)), L("boxes", seq(t, 8, 4)))

	ts, ok := a.Get("images")
	require.True(t, ok)
	assert.Len(t, ts, 1, "a single tensor becomes a one-element list")

	u, err := Union(0, a, b)
	require.NoError(t, err)
	images, _ := u.Get("images")
	boxes, _ := u.Get("boxes")
	assert.Len(t, images, 2)
	assert.Len(t, boxes, 3)

	_, err = Stack(0, a, b)
	assert.ErrorIs(t, err, ErrNotSingleton)

	s, err := Stack(0, NewListTensors(L("images", seq(t, 0, 2))), NewListTensors(L("images", seq(t, 2, 2))))
	require.NoError(t, err)
	images, _ = s.Get("images")
	require.Len(t, images, 2)
	assert.Equal(t, []float32{2, 3}, images[1].Floats())
}

func TestAdd(t *testing.T) {
	a := Inputs(NewTensors(F("input_ids", seq(t, 0, 1, 2))))
	b := NewTensors(F("attention_mask", seq(t, 0, 1, 2)))

	c, err := a.Add(b)
	require.NoError(t, err)
	assert.Equal(t, []string{"input_ids", "attention_mask"}, c.Keys())
	assert.Equal(t, RoleInputs, c.Role())
	assert.Equal(t, 1, a.Len(), "add leaves the receiver unchanged")

	_, err = c.Add(NewTensors(F("input_ids", seq(t, 5, 1, 2))))
	assert.ErrorIs(t, err, ErrDuplicateKey)

	la := NewListTensors(L("x", seq(t, 0, 1)))
	_, err = la.Add(NewListTensors(L("x", seq(t, 0, 1))))
	assert.ErrorIs(t, err, ErrDuplicateKey)
}

func TestNewTensorsPanics(t *testing.T) {
	assert.Panics(t, func() { NewTensors(F("x", seq(t, 0, 1)), F("x", seq(t, 0, 1))) })
	assert.Panics(t, func() { NewTensors(F("x", nil)) })
	assert.Panics(t, func() { NewListTensors(L("x", nil)) })
}

func TestRoles(t *testing.T) {
	assert.Equal(t, RoleNone, NewTensors().Role())
	assert.Equal(t, RoleOutputs, Outputs(NewListTensors()).Role())
	assert.Equal(t, RoleTargets, Targets(NewCombined(nil, nil)).Role())
	assert.Equal(t, RoleInputs, As(NewTensors(), RoleInputs).Role())
	assert.Equal(t, "targets", RoleTargets.String())

	var r Roled = Outputs(NewTensors(F("x", seq(t, 0, 1))))
	u, err := Union(0, r.(*Tensors), r.(*Tensors))
	require.NoError(t, err)
	assert.Equal(t, RoleOutputs, u.Role(), "merges keep the role")
}

func TestTo(t *testing.T) {
	b := NewTensors(F("x", seq(t, 0, 2)))

	c, err := b.CUDA(false)
	require.NoError(t, err)
	x, _ := c.Get("x")
	assert.Equal(t, ml.CUDA, x.Device())
	x, _ = b.Get("x")
	assert.Equal(t, ml.CPU, x.Device(), "copy leaves the receiver on its device")

	same, err := b.CUDA(true)
	require.NoError(t, err)
	assert.Same(t, b, same)
	x, _ = b.Get("x")
	assert.Equal(t, ml.CUDA, x.Device())

	back, err := b.CPU(false)
	require.NoError(t, err)
	x, _ = back.Get("x")
	assert.Equal(t, ml.CPU, x.Device())

	_, err = b.To("tpu", false)
	assert.ErrorIs(t, err, ml.ErrDeviceUnavailable)

	l := NewListTensors(L("x", seq(t, 0, 1), seq(t, 1, 1)))
	lc, err := l.CUDA(false)
	require.NoError(t, err)
	xs, _ := lc.Get("x")
	for _, x := range xs {
		assert.Equal(t, ml.CUDA, x.Device())
	}
}

func TestCombined(t *testing.T) {
	mk := func(start float32) *Combined {
		return NewCombined(
			NewTensors(F("pixel_values", seq(t, start, 1, 2))),
			NewListTensors(L("captions", seq(t, start, 3))),
		)
	}

	u, err := Union(0, mk(0), mk(10))
	require.NoError(t, err)
	pv, _ := u.Tensors().Get("pixel_values")
	assert.Equal(t, []int{2, 2}, pv.Shape())
	captions, _ := u.ListTensors().Get("captions")
	assert.Len(t, captions, 2)

	s, err := Stack(0, mk(0), mk(10))
	require.NoError(t, err)
	pv, _ = s.Tensors().Get("pixel_values")
	assert.Equal(t, []int{2, 1, 2}, pv.Shape())
	captions, _ = s.ListTensors().Get("captions")
	assert.Len(t, captions, 2)

	_, err = Union(0, mk(0), NewCombined(NewTensors(F("pixel_values", seq(t, 0, 1, 2))), nil))
	assert.ErrorIs(t, err, ErrKeyMismatch)

	d := u.Dict()
	assert.Len(t, d, 2)
	assert.IsType(t, &ml.Tensor{}, d["pixel_values"])
	assert.IsType(t, []*ml.Tensor{}, d["captions"])
	assert.Equal(t, []string{"pixel_values", "captions"}, u.Keys())

	added, err := mk(0).AddTensors(NewTensors(F("mask", seq(t, 0, 1, 2))))
	require.NoError(t, err)
	assert.Equal(t, []string{"pixel_values", "mask", "captions"}, added.Keys())

	_, err = mk(0).AddListTensors(NewListTensors(L("captions", seq(t, 0, 1))))
	assert.ErrorIs(t, err, ErrDuplicateKey)

	moved, err := Targets(mk(0)).CUDA(false)
	require.NoError(t, err)
	assert.Equal(t, RoleTargets, moved.Role())
	pv, _ = moved.Tensors().Get("pixel_values")
	assert.Equal(t, ml.CUDA, pv.Device())
}

func TestSync(t *testing.T) {
	const world = 2

	_, err := NewTensors().Sync(context.Background(), nil, 0)
	assert.ErrorIs(t, err, distributed.ErrNotInitialized)
	_, err = NewListTensors().Sync(context.Background(), nil)
	assert.ErrorIs(t, err, distributed.ErrNotInitialized)
	_, err = NewCombined(nil, nil).Sync(context.Background(), nil, 0)
	assert.ErrorIs(t, err, distributed.ErrNotInitialized)

	results := make([]*Combined, world)
	err = distributed.Run(context.Background(), world, func(ctx context.Context, g distributed.Group) error {
		r := float32(g.Rank())
		x, _ := ml.FromFloats([]float32{r, r}, 1, 2)
		var ls []*ml.Tensor
		for range g.Rank() + 1 {
			ls = append(ls, ml.Scalar(r))
		}

		b := Outputs(NewCombined(NewTensors(F("scores", x)), NewListTensors(L("extra", ls...))))
		synced, err := b.Sync(ctx, g, 0)
		if err != nil {
			return err
		}

		results[g.Rank()] = synced
		return nil
	})
	require.NoError(t, err)

	for _, r := range results {
		scores, _ := r.Tensors().Get("scores")
		assert.Equal(t, []int{2, 2}, scores.Shape())
		if diff := cmp.Diff([]float32{0, 0, 1, 1}, scores.Floats()); diff != "" {
			t.Errorf("scores mismatch (-want +got):\n%s", diff)
		}

		extra, _ := r.ListTensors().Get("extra")
		assert.Len(t, extra, 3)
		assert.Equal(t, RoleOutputs, r.Role())
	}
}
