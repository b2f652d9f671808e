package tensor

import (
	"fmt"
	"math"
)

// Add returns a + b element-wise.
func Add(a, b *Tensor) (*Tensor, error) {
	if !a.SameShape(b) {
		return nil, fmt.Errorf("add %v + %v: %w", a.Shape, b.Shape, ErrShapeMismatch)
	}
	out := New(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] + b.Data[i]
	}
	return out, nil
}

// AddInPlace adds src to dst element-wise.
func AddInPlace(dst, src *Tensor) error {
	if !dst.SameShape(src) {
		return fmt.Errorf("add %v += %v: %w", dst.Shape, src.Shape, ErrShapeMismatch)
	}
	for i := range dst.Data {
		dst.Data[i] += src.Data[i]
	}
	return nil
}

// Sub returns a - b element-wise.
func Sub(a, b *Tensor) (*Tensor, error) {
	if !a.SameShape(b) {
		return nil, fmt.Errorf("sub %v - %v: %w", a.Shape, b.Shape, ErrShapeMismatch)
	}
	out := New(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i] - b.Data[i]
	}
	return out, nil
}

// Scale returns x * s.
func Scale(x *Tensor, s float32) *Tensor {
	out := New(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = v * s
	}
	return out
}

// Lerp returns a*(1-w) + b*w.
func Lerp(a, b *Tensor, w float32) (*Tensor, error) {
	if !a.SameShape(b) {
		return nil, fmt.Errorf("lerp %v, %v: %w", a.Shape, b.Shape, ErrShapeMismatch)
	}
	out := New(a.Shape...)
	for i := range a.Data {
		out.Data[i] = a.Data[i]*(1-w) + b.Data[i]*w
	}
	return out, nil
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Softmax applies the softmax function to x in place.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	maxv := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > maxv {
			maxv = x[i]
		}
	}
	var sum float64
	for i := range x {
		v := math.Exp(float64(x[i] - maxv))
		x[i] = float32(v)
		sum += v
	}
	if sum == 0 {
		return
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

// Sigmoid computes the logistic sigmoid activation.
func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

// SiLU returns x * sigmoid(x) element-wise.
func SiLU(x *Tensor) *Tensor {
	out := New(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = v * Sigmoid(v)
	}
	return out
}

// QuickGELU returns x * sigmoid(1.702x), the CLIP activation.
func QuickGELU(x *Tensor) *Tensor {
	out := New(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = v * Sigmoid(1.702*v)
	}
	return out
}

// GEGLU splits the last axis in half and returns first * gelu(second).
func GEGLU(x *Tensor) (*Tensor, error) {
	d := x.Dim(-1)
	if d%2 != 0 {
		return nil, fmt.Errorf("geglu: %w: odd last dimension %d", ErrShapeMismatch, d)
	}
	half := d / 2
	rows := len(x.Data) / d
	shape := append([]int{}, x.Shape...)
	shape[len(shape)-1] = half
	out := New(shape...)
	for r := range rows {
		in := x.Data[r*d : (r+1)*d]
		dst := out.Data[r*half : (r+1)*half]
		for i := range half {
			dst[i] = in[i] * gelu(in[half+i])
		}
	}
	return out, nil
}

// GELU is the exact erf-based activation.
func GELU(x *Tensor) *Tensor {
	out := New(x.Shape...)
	for i, v := range x.Data {
		out.Data[i] = gelu(v)
	}
	return out
}

func gelu(x float32) float32 {
	v := float64(x)
	return float32(v * 0.5 * (1 + math.Erf(v/math.Sqrt2)))
}
