package tensor

import (
	"fmt"
	"strings"

	"github.com/x448/float16"
)

// DType is the numeric precision a component executes in. Storage is always
// float32; F16 execution rounds results to the nearest half-precision value.
type DType uint8

const (
	F32 DType = iota
	F16
)

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case F16:
		return "f16"
	default:
		return fmt.Sprintf("dtype(%d)", uint8(d))
	}
}

// ParseDType accepts "f32"/"float32" and "f16"/"float16".
func ParseDType(s string) (DType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "f32", "float32", "fp32":
		return F32, nil
	case "f16", "float16", "fp16", "half":
		return F16, nil
	default:
		return F32, fmt.Errorf("unknown dtype %q", s)
	}
}

// Round rounds every element of t in place to precision d.
func (t *Tensor) Round(d DType) *Tensor {
	if d == F16 {
		for i, v := range t.Data {
			t.Data[i] = float16.Fromfloat32(v).Float32()
		}
	}
	return t
}

// Cast returns a copy of t rounded to precision d.
func Cast(t *Tensor, d DType) *Tensor {
	return t.Clone().Round(d)
}

// HalfBits returns the IEEE 754 half-precision encoding of every element.
func HalfBits(t *Tensor) []uint16 {
	out := make([]uint16, len(t.Data))
	for i, v := range t.Data {
		out[i] = float16.Fromfloat32(v).Bits()
	}
	return out
}

// FromHalf converts a raw half-precision value to float32.
func FromHalf(bits uint16) float32 {
	return float16.Frombits(bits).Float32()
}
