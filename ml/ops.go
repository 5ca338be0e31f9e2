package ml

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/pdevine/tensor"
)

var ErrDeviceMismatch = errors.New("tensors on different devices")

func sameDevice(ts ...*Tensor) error {
	for _, t := range ts[1:] {
		if t.device != ts[0].device {
			return fmt.Errorf("%w: %s and %s", ErrDeviceMismatch, ts[0].device, t.device)
		}
	}

	return nil
}

func normAxis(axis, dims int) (int, error) {
	if axis < 0 {
		axis += dims
	}

	if axis < 0 || axis >= dims {
		return 0, fmt.Errorf("%w: axis %d out of range for %d dimensions", ErrShape, axis, dims)
	}

	return axis, nil
}

// Concat joins tensors along an existing axis. Every other dimension and
// the dtype must agree.
func Concat(axis int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: nothing to concatenate", ErrShape)
	}

	if err := sameDevice(ts...); err != nil {
		return nil, err
	}

	first := ts[0]
	axis, err := normAxis(axis, first.NumDims())
	if err != nil {
		return nil, err
	}

	others := make([]*tensor.Dense, 0, len(ts)-1)
	for _, t := range ts[1:] {
		if t.DType() != first.DType() {
			return nil, fmt.Errorf("%w: cannot concatenate %s with %s", ErrShape, first.DType(), t.DType())
		}

		a, b := first.Shape(), t.Shape()
		if len(a) != len(b) || !slices.Equal(a[:axis], b[:axis]) || !slices.Equal(a[axis+1:], b[axis+1:]) {
			return nil, fmt.Errorf("%w: cannot concatenate %v with %v along axis %d", ErrShape, a, b, axis)
		}

		others = append(others, t.materialized())
	}

	if len(others) == 0 {
		return first.Clone(), nil
	}

	d, err := first.materialized().Concat(axis, others...)
	if err != nil {
		return nil, err
	}

	return newTensor(d, first.device), nil
}

// Stack joins equally shaped tensors along a new axis.
func Stack(axis int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("%w: nothing to stack", ErrShape)
	}

	if err := sameDevice(ts...); err != nil {
		return nil, err
	}

	first := ts[0]
	if axis < 0 {
		axis += first.NumDims() + 1
	}

	if axis < 0 || axis > first.NumDims() {
		return nil, fmt.Errorf("%w: axis %d out of range for %d dimensions", ErrShape, axis, first.NumDims())
	}

	others := make([]*tensor.Dense, 0, len(ts)-1)
	for _, t := range ts[1:] {
		if t.DType() != first.DType() || !slices.Equal(first.Shape(), t.Shape()) {
			return nil, fmt.Errorf("%w: cannot stack %v with %v", ErrShape, first.Shape(), t.Shape())
		}
		others = append(others, t.materialized())
	}

	if len(others) == 0 {
		return first.Unsqueeze(axis)
	}

	d, err := first.materialized().Stack(axis, others...)
	if err != nil {
		return nil, err
	}

	return newTensor(d, first.device), nil
}

// Slice returns elements [start, end) of axis, keeping the axis.
func (t *Tensor) Slice(axis, start, end int) (*Tensor, error) {
	axis, err := normAxis(axis, t.NumDims())
	if err != nil {
		return nil, err
	}

	shape := t.Shape()
	if start < 0 || end > shape[axis] || start >= end {
		return nil, fmt.Errorf("%w: slice [%d:%d] out of range for axis %d of %v", ErrShape, start, end, axis, shape)
	}

	ss := make([]tensor.Slice, len(shape))
	ss[axis] = tensor.S(start, end)

	v, err := t.materialized().Slice(ss...)
	if err != nil {
		return nil, err
	}

	// views drop unit dimensions, so rebuild with the expected shape
	m := newTensor(tensor.Materialize(v).(*tensor.Dense), t.device)
	shape[axis] = end - start

	var out *Tensor
	if t.DType() == DTypeI64 {
		out, err = FromInts(m.Ints(), shape...)
	} else {
		out, err = FromFloats(m.Floats(), shape...)
	}
	if err != nil {
		return nil, err
	}

	out.device = t.device
	return out, nil
}

// Index selects position i of axis and removes the axis.
func (t *Tensor) Index(axis, i int) (*Tensor, error) {
	if i < 0 {
		i += t.Dim(axis)
	}

	s, err := t.Slice(axis, i, i+1)
	if err != nil {
		return nil, err
	}

	return s.Squeeze(axis)
}

// Transpose swaps the two axes of a matrix.
func (t *Tensor) Transpose() (*Tensor, error) {
	if t.NumDims() != 2 {
		return nil, fmt.Errorf("%w: transpose needs a matrix, got %v", ErrShape, t.Shape())
	}

	rows, cols := t.Dim(0), t.Dim(1)
	src := t.Floats()
	dst := make([]float32, len(src))
	for i := range rows {
		for j := range cols {
			dst[j*rows+i] = src[i*cols+j]
		}
	}

	out, err := FromFloats(dst, cols, rows)
	if err != nil {
		return nil, err
	}

	out.device = t.device
	return out, nil
}

// MatMul multiplies (m, k) by (k, n).
func MatMul(a, b *Tensor) (*Tensor, error) {
	if err := sameDevice(a, b); err != nil {
		return nil, err
	}

	if a.NumDims() != 2 || b.NumDims() != 2 || a.Dim(1) != b.Dim(0) {
		return nil, fmt.Errorf("%w: cannot multiply %v by %v", ErrShape, a.Shape(), b.Shape())
	}

	x, y := a.asFloat(), b.asFloat()
	r, err := tensor.MatMul(x.materialized(), y.materialized())
	if err != nil {
		return nil, err
	}

	return newTensor(r.(*tensor.Dense), a.device), nil
}

func (t *Tensor) asFloat() *Tensor {
	if t.DType() == DTypeF32 {
		return t
	}

	out, _ := FromFloats(t.Floats(), t.Shape()...)
	out.device = t.device
	return out
}

func (t *Tensor) withFloats(s []float32, shape ...int) *Tensor {
	if len(shape) == 0 {
		shape = t.Shape()
	}

	out, err := FromFloats(s, shape...)
	if err != nil {
		panic(err)
	}

	out.device = t.device
	return out
}

func broadcast(a, b *Tensor, fn func(x, y float32) float32) (*Tensor, error) {
	if err := sameDevice(a, b); err != nil {
		return nil, err
	}

	as, bs := a.Shape(), b.Shape()
	if len(bs) > len(as) || !slices.Equal(as[len(as)-len(bs):], bs) {
		return nil, fmt.Errorf("%w: cannot broadcast %v onto %v", ErrShape, bs, as)
	}

	x, y := a.Floats(), b.Floats()
	out := make([]float32, len(x))
	for i := range x {
		out[i] = fn(x[i], y[i%len(y)])
	}

	return a.withFloats(out), nil
}

// Add adds b to a. b may match a trailing suffix of a's shape, as a bias does.
func Add(a, b *Tensor) (*Tensor, error) {
	return broadcast(a, b, func(x, y float32) float32 { return x + y })
}

func Sub(a, b *Tensor) (*Tensor, error) {
	return broadcast(a, b, func(x, y float32) float32 { return x - y })
}

func Mul(a, b *Tensor) (*Tensor, error) {
	return broadcast(a, b, func(x, y float32) float32 { return x * y })
}

// Map applies fn to every element and returns a float32 tensor.
func (t *Tensor) Map(fn func(float32) float32) *Tensor {
	s := t.Floats()
	for i := range s {
		s[i] = fn(s[i])
	}

	return t.withFloats(s)
}

func (t *Tensor) Scale(s float32) *Tensor {
	return t.Map(func(x float32) float32 { return x * s })
}

func rows(t *Tensor) (int, int) {
	n := t.Dim(-1)
	return t.Size() / n, n
}

// Softmax normalizes along the last axis.
func Softmax(t *Tensor) *Tensor {
	s := t.Floats()
	r, n := rows(t)
	for i := range r {
		row := s[i*n : (i+1)*n]
		m := slices.Max(row)
		var sum float64
		for j := range row {
			e := math.Exp(float64(row[j] - m))
			row[j] = float32(e)
			sum += e
		}
		for j := range row {
			row[j] = float32(float64(row[j]) / sum)
		}
	}

	return t.withFloats(s)
}

// LogSoftmax is the log of Softmax along the last axis, computed stably.
func LogSoftmax(t *Tensor) *Tensor {
	s := t.Floats()
	r, n := rows(t)
	for i := range r {
		row := s[i*n : (i+1)*n]
		m := slices.Max(row)
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v - m))
		}
		lse := float32(math.Log(sum)) + m
		for j := range row {
			row[j] -= lse
		}
	}

	return t.withFloats(s)
}

// Argmax returns the index of the largest element along the last axis.
func Argmax(t *Tensor) (*Tensor, error) {
	d, err := t.asFloat().materialized().Argmax(t.NumDims() - 1)
	if err != nil {
		return nil, err
	}

	shape := t.Shape()
	shape = shape[:len(shape)-1]
	if len(shape) == 0 {
		shape = []int{1}
	}

	idx := newTensor(d, t.device).Ints()
	out, err := FromInts(idx, shape...)
	if err != nil {
		return nil, err
	}

	out.device = t.device
	return out, nil
}

// Max returns the largest element along the last axis.
func Max(t *Tensor) *Tensor {
	s := t.Floats()
	r, n := rows(t)
	out := make([]float32, r)
	for i := range r {
		out[i] = slices.Max(s[i*n : (i+1)*n])
	}

	shape := t.Shape()
	shape = shape[:len(shape)-1]
	if len(shape) == 0 {
		shape = []int{1}
	}

	return t.withFloats(out, shape...)
}

// Sum reduces every element to a one-element tensor.
func Sum(t *Tensor) *Tensor {
	var sum float64
	for _, v := range t.Floats() {
		sum += float64(v)
	}

	return t.withFloats([]float32{float32(sum)}, 1)
}

func Mean(t *Tensor) *Tensor {
	return Sum(t).Scale(1 / float32(t.Size()))
}

// Rows gathers rows of a matrix by index, appending the row width to the
// index shape.
func Rows(weight, ids *Tensor) (*Tensor, error) {
	if weight.NumDims() != 2 {
		return nil, fmt.Errorf("%w: rows needs a matrix, got %v", ErrShape, weight.Shape())
	}

	vocab, width := weight.Dim(0), weight.Dim(1)
	w := weight.Floats()
	idx := ids.Ints()
	out := make([]float32, 0, len(idx)*width)
	for _, i := range idx {
		if i < 0 || int(i) >= vocab {
			return nil, fmt.Errorf("%w: index %d out of range for %d rows", ErrShape, i, vocab)
		}
		out = append(out, w[int(i)*width:(int(i)+1)*width]...)
	}

	return weight.withFloats(out, append(ids.Shape(), width)...), nil
}
