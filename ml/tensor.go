package ml

import (
	"errors"
	"fmt"
	"slices"

	"github.com/pdevine/tensor"
)

var ErrShape = errors.New("shape mismatch")

type DType int

const (
	DTypeF32 DType = iota
	DTypeI64
	DTypeOther
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "float32"
	case DTypeI64:
		return "int64"
	default:
		return "other"
	}
}

// Tensor is a dense, row-major array resident on a named device. Tensors
// are treated as immutable by every operation in this module; operations
// return new tensors.
type Tensor struct {
	d      *tensor.Dense
	device string
}

func newTensor(d *tensor.Dense, device string) *Tensor {
	return &Tensor{d: d, device: device}
}

func checkShape(n int, shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("%w: empty shape", ErrShape)
	}

	if mul(shape...) != n {
		return fmt.Errorf("%w: %d elements cannot have shape %v", ErrShape, n, shape)
	}

	return nil
}

// FromFloats copies s into a new float32 tensor on the cpu.
func FromFloats(s []float32, shape ...int) (*Tensor, error) {
	if len(shape) == 0 {
		shape = []int{len(s)}
	}

	if err := checkShape(len(s), shape); err != nil {
		return nil, err
	}

	return newTensor(tensor.New(tensor.WithShape(shape...), tensor.WithBacking(slices.Clone(s))), CPU), nil
}

// FromInts copies s into a new int64 tensor on the cpu.
func FromInts(s []int64, shape ...int) (*Tensor, error) {
	if len(shape) == 0 {
		shape = []int{len(s)}
	}

	if err := checkShape(len(s), shape); err != nil {
		return nil, err
	}

	return newTensor(tensor.New(tensor.WithShape(shape...), tensor.WithBacking(slices.Clone(s))), CPU), nil
}

// Zeros returns a zero-filled tensor.
func Zeros(dtype DType, shape ...int) *Tensor {
	return Full(dtype, 0, shape...)
}

// Full returns a tensor with every element set to v.
func Full(dtype DType, v float64, shape ...int) *Tensor {
	n := mul(shape...)
	switch dtype {
	case DTypeI64:
		s := make([]int64, n)
		for i := range s {
			s[i] = int64(v)
		}
		return newTensor(tensor.New(tensor.WithShape(shape...), tensor.WithBacking(s)), CPU)
	default:
		s := make([]float32, n)
		for i := range s {
			s[i] = float32(v)
		}
		return newTensor(tensor.New(tensor.WithShape(shape...), tensor.WithBacking(s)), CPU)
	}
}

// Scalar returns a one-element float32 tensor of shape (1).
func Scalar(v float32) *Tensor {
	return newTensor(tensor.New(tensor.WithShape(1), tensor.WithBacking([]float32{v})), CPU)
}

func (t *Tensor) Shape() []int {
	return slices.Clone([]int(t.d.Shape()))
}

// Dim returns the size of dimension n. Negative n counts from the end.
func (t *Tensor) Dim(n int) int {
	shape := t.d.Shape()
	if n < 0 {
		n += len(shape)
	}

	return shape[n]
}

func (t *Tensor) NumDims() int {
	return t.d.Dims()
}

func (t *Tensor) Size() int {
	return t.d.Shape().TotalSize()
}

func (t *Tensor) DType() DType {
	switch t.d.Dtype() {
	case tensor.Float32:
		return DTypeF32
	case tensor.Int64:
		return DTypeI64
	default:
		return DTypeOther
	}
}

func (t *Tensor) Device() string {
	return t.device
}

// Dense exposes the backing array to device backends.
func (t *Tensor) Dense() *tensor.Dense {
	return t.d
}

func (t *Tensor) materialized() *tensor.Dense {
	if t.d.IsView() {
		return tensor.Materialize(t.d).(*tensor.Dense)
	}

	return t.d
}

// Floats returns a copy of the elements as float32, converting integers.
func (t *Tensor) Floats() []float32 {
	switch v := t.materialized().Data().(type) {
	case []float32:
		return slices.Clone(v)
	case float32:
		return []float32{v}
	case []int64:
		s := make([]float32, len(v))
		for i := range v {
			s[i] = float32(v[i])
		}
		return s
	case int64:
		return []float32{float32(v)}
	case []int:
		s := make([]float32, len(v))
		for i := range v {
			s[i] = float32(v[i])
		}
		return s
	default:
		return nil
	}
}

// Ints returns a copy of the elements as int64, truncating floats.
func (t *Tensor) Ints() []int64 {
	switch v := t.materialized().Data().(type) {
	case []int64:
		return slices.Clone(v)
	case int64:
		return []int64{v}
	case []float32:
		s := make([]int64, len(v))
		for i := range v {
			s[i] = int64(v[i])
		}
		return s
	case float32:
		return []int64{int64(v)}
	case []int:
		s := make([]int64, len(v))
		for i := range v {
			s[i] = int64(v[i])
		}
		return s
	case int:
		return []int64{int64(v)}
	default:
		return nil
	}
}

// Item returns the single element of a one-element tensor.
func (t *Tensor) Item() float32 {
	if t.Size() != 1 {
		panic(fmt.Sprintf("ml: Item on tensor of shape %v", t.Shape()))
	}

	return t.Floats()[0]
}

func (t *Tensor) Clone() *Tensor {
	return newTensor(t.materialized().Clone().(*tensor.Dense), t.device)
}

// Reshape returns a copy with a new shape. One dimension may be -1 and
// is inferred from the others.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	shape = slices.Clone(shape)
	infer := -1
	known := 1
	for i, n := range shape {
		if n == -1 {
			if infer >= 0 {
				return nil, fmt.Errorf("%w: more than one inferred dimension in %v", ErrShape, shape)
			}
			infer = i
			continue
		}
		known *= n
	}

	if infer >= 0 {
		if known == 0 || t.Size()%known != 0 {
			return nil, fmt.Errorf("%w: cannot infer %v from %v", ErrShape, shape, t.Shape())
		}
		shape[infer] = t.Size() / known
	}

	if err := checkShape(t.Size(), shape); err != nil {
		return nil, err
	}

	c := t.Clone()
	if err := c.d.Reshape(shape...); err != nil {
		return nil, err
	}

	return c, nil
}

// Squeeze removes a dimension of size one.
func (t *Tensor) Squeeze(axis int) (*Tensor, error) {
	shape := t.Shape()
	if axis < 0 {
		axis += len(shape)
	}

	if axis < 0 || axis >= len(shape) || shape[axis] != 1 {
		return nil, fmt.Errorf("%w: cannot squeeze axis %d of %v", ErrShape, axis, shape)
	}

	if len(shape) == 1 {
		return t.Clone(), nil
	}

	return t.Reshape(slices.Delete(shape, axis, axis+1)...)
}

// Unsqueeze inserts a dimension of size one at axis.
func (t *Tensor) Unsqueeze(axis int) (*Tensor, error) {
	shape := t.Shape()
	if axis < 0 {
		axis += len(shape) + 1
	}

	if axis < 0 || axis > len(shape) {
		return nil, fmt.Errorf("%w: cannot unsqueeze axis %d of %v", ErrShape, axis, shape)
	}

	return t.Reshape(slices.Insert(shape, axis, 1)...)
}

// Equal reports whether both tensors share dtype, shape and elements.
// Devices are not compared.
func (t *Tensor) Equal(o *Tensor) bool {
	if t == nil || o == nil {
		return t == o
	}

	if t.DType() != o.DType() || !slices.Equal(t.Shape(), o.Shape()) {
		return false
	}

	if t.DType() == DTypeI64 {
		return slices.Equal(t.Ints(), o.Ints())
	}

	return slices.Equal(t.Floats(), o.Floats())
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(%s, %v, %s)\n%s", t.DType(), t.Shape(), t.device, Dump(t))
}
