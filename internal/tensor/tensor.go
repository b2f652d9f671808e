package tensor

import (
	"errors"
	"fmt"
	"math/rand"
	"slices"
)

// ErrShapeMismatch is returned whenever an operation receives a tensor whose
// rank or dimensions do not match what the operation requires.
var ErrShapeMismatch = errors.New("tensor shape mismatch")

// Tensor is a dense row-major float32 array.
//
// Image-like tensors use NCHW layout ([batch, channels, height, width]);
// sequence tensors use [batch, tokens, channels]. Data is always exactly
// Numel() elements long. Operations never retain their inputs.
type Tensor struct {
	Shape []int
	Data  []float32
}

// New allocates a zero-filled tensor.
func New(shape ...int) *Tensor {
	n := numel(shape)
	return &Tensor{Shape: slices.Clone(shape), Data: make([]float32, n)}
}

// FromData wraps data without copying. len(data) must equal the product of shape.
func FromData(data []float32, shape ...int) (*Tensor, error) {
	if numel(shape) != len(data) {
		return nil, fmt.Errorf("from data: %w: %d elements for shape %v", ErrShapeMismatch, len(data), shape)
	}
	return &Tensor{Shape: slices.Clone(shape), Data: data}, nil
}

// Full returns a tensor with every element set to v.
func Full(v float32, shape ...int) *Tensor {
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = v
	}
	return t
}

// Randn fills a new tensor with reproducible standard normal samples.
func Randn(seed int64, shape ...int) *Tensor {
	rng := rand.New(rand.NewSource(seed))
	t := New(shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
	return t
}

// Numel returns the number of elements.
func (t *Tensor) Numel() int { return numel(t.Shape) }

// Rank returns the number of axes.
func (t *Tensor) Rank() int { return len(t.Shape) }

// Dim returns the size of axis i. Negative i counts from the end.
func (t *Tensor) Dim(i int) int {
	if i < 0 {
		i += len(t.Shape)
	}
	return t.Shape[i]
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

// SameShape reports whether t and o have identical shapes.
func (t *Tensor) SameShape(o *Tensor) bool {
	return slices.Equal(t.Shape, o.Shape)
}

// Reshape returns a view sharing t's data with a new shape.
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if numel(shape) != len(t.Data) {
		return nil, fmt.Errorf("reshape %v to %v: %w", t.Shape, shape, ErrShapeMismatch)
	}
	return &Tensor{Shape: slices.Clone(shape), Data: t.Data}, nil
}

// Batch returns a view of rows [lo, hi) along axis 0.
func (t *Tensor) Batch(lo, hi int) *Tensor {
	if lo < 0 || hi > t.Shape[0] || lo > hi {
		panic("batch index out of range")
	}
	stride := len(t.Data) / t.Shape[0]
	shape := slices.Clone(t.Shape)
	shape[0] = hi - lo
	return &Tensor{Shape: shape, Data: t.Data[lo*stride : hi*stride]}
}

// Stack concatenates tensors along axis 0. All trailing dimensions must agree.
func Stack(ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, fmt.Errorf("stack: %w: no tensors", ErrShapeMismatch)
	}
	inner := ts[0].Shape[1:]
	rows := 0
	for _, t := range ts {
		if !slices.Equal(t.Shape[1:], inner) {
			return nil, fmt.Errorf("stack %v with %v: %w", ts[0].Shape, t.Shape, ErrShapeMismatch)
		}
		rows += t.Shape[0]
	}
	shape := append([]int{rows}, inner...)
	out := &Tensor{Shape: shape, Data: make([]float32, 0, numel(shape))}
	for _, t := range ts {
		out.Data = append(out.Data, t.Data...)
	}
	return out, nil
}

// Repeat tiles t n times along axis 0.
func Repeat(t *Tensor, n int) *Tensor {
	shape := slices.Clone(t.Shape)
	shape[0] *= n
	out := &Tensor{Shape: shape, Data: make([]float32, 0, len(t.Data)*n)}
	for range n {
		out.Data = append(out.Data, t.Data...)
	}
	return out
}

// ExpectRank returns ErrShapeMismatch when t does not have the given rank.
func ExpectRank(op string, t *Tensor, rank int) error {
	if t == nil {
		return fmt.Errorf("%s: %w: nil tensor", op, ErrShapeMismatch)
	}
	if len(t.Shape) != rank {
		return fmt.Errorf("%s: %w: want rank %d, got shape %v", op, ErrShapeMismatch, rank, t.Shape)
	}
	return nil
}

// MaxAbsDiff returns the largest absolute element difference. Shapes must match.
func MaxAbsDiff(a, b *Tensor) float64 {
	if len(a.Data) != len(b.Data) {
		panic("max abs diff length mismatch")
	}
	var m float64
	for i := range a.Data {
		d := float64(a.Data[i] - b.Data[i])
		if d < 0 {
			d = -d
		}
		if d > m {
			m = d
		}
	}
	return m
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		if d < 0 {
			panic("negative dimension for tensor")
		}
		n *= d
	}
	return n
}
