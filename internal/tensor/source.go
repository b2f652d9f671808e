package tensor

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"slices"
	"strings"
)

// Source resolves named weights, e.g. a safetensors file.
type Source interface {
	Load(name string) (*Tensor, error)
}

// ParamFunc returns the parameter called name, which must have the given shape.
// Model builders request every parameter through a ParamFunc so the same code
// path serves checkpoint loading and randomly initialised test models.
type ParamFunc func(name string, shape ...int) (*Tensor, error)

// FromSource adapts src into a ParamFunc that verifies shapes. Weights stored
// with trailing singleton axes (1x1 conv kernels used as linear layers) are
// accepted when the element count matches.
func FromSource(src Source) ParamFunc {
	return func(name string, shape ...int) (*Tensor, error) {
		t, err := src.Load(name)
		if err != nil {
			return nil, err
		}
		if slices.Equal(t.Shape, shape) {
			return t, nil
		}
		if t.Numel() == numel(shape) && squeezable(t.Shape, shape) {
			return t.Reshape(shape...)
		}
		return nil, fmt.Errorf("weight %s: %w: have %v, want %v", name, ErrShapeMismatch, t.Shape, shape)
	}
}

func squeezable(have, want []int) bool {
	trim := func(s []int) []int {
		for len(s) > 0 && s[len(s)-1] == 1 {
			s = s[:len(s)-1]
		}
		return s
	}
	return slices.Equal(trim(slices.Clone(have)), trim(slices.Clone(want)))
}

// RandomParams returns deterministic pseudo-random parameters. Every tensor is
// seeded from seed and its name, so results do not depend on request order.
// Normalization weights start near one and biases near zero.
func RandomParams(seed int64, scale float32) ParamFunc {
	return func(name string, shape ...int) (*Tensor, error) {
		h := fnv.New64a()
		_, _ = h.Write([]byte(name))
		rng := rand.New(rand.NewSource(seed ^ int64(h.Sum64())))
		t := New(shape...)
		isNormWeight := len(shape) == 1 && strings.HasSuffix(name, ".weight") && strings.Contains(name, "norm")
		isBias := strings.HasSuffix(name, ".bias")
		for i := range t.Data {
			v := float32(rng.NormFloat64())
			switch {
			case isNormWeight:
				t.Data[i] = 1 + 0.1*v
			case isBias:
				t.Data[i] = 0.1 * v
			default:
				t.Data[i] = scale * v
			}
		}
		return t, nil
	}
}

// MapSource is an in-memory Source.
type MapSource map[string]*Tensor

func (m MapSource) Load(name string) (*Tensor, error) {
	t, ok := m[name]
	if !ok {
		return nil, fmt.Errorf("tensor not found: %s", name)
	}
	return t, nil
}

// Recorder wraps a ParamFunc and keeps every parameter it returns.
type Recorder struct {
	Params ParamFunc
	Seen   MapSource
}

// NewRecorder wraps p.
func NewRecorder(p ParamFunc) *Recorder {
	return &Recorder{Params: p, Seen: MapSource{}}
}

// Param implements ParamFunc.
func (r *Recorder) Param(name string, shape ...int) (*Tensor, error) {
	t, err := r.Params(name, shape...)
	if err != nil {
		return nil, err
	}
	r.Seen[name] = t
	return t, nil
}
