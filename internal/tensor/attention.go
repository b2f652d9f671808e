package tensor

import (
	"fmt"
	"math"
)

// AttentionOptions tunes ScaledDotProduct.
type AttentionOptions struct {
	// KeyBias is added to the score of every query against key j. Length must
	// equal the key count when set.
	KeyBias []float32
	// Causal masks keys with index greater than the query index.
	Causal bool
}

// ScaledDotProduct runs multi-head attention.
// q: [B, Nq, C], k and v: [B, Nk, C]; C must be divisible by heads.
func ScaledDotProduct(q, k, v *Tensor, heads int, opts AttentionOptions) (*Tensor, error) {
	for _, t := range []*Tensor{q, k, v} {
		if err := ExpectRank("attention", t, 3); err != nil {
			return nil, err
		}
	}
	b, nq, c := q.Shape[0], q.Shape[1], q.Shape[2]
	nk := k.Shape[1]
	if k.Shape[0] != b || v.Shape[0] != b || k.Shape[2] != c || !k.SameShape(v) {
		return nil, fmt.Errorf("attention q %v k %v v %v: %w", q.Shape, k.Shape, v.Shape, ErrShapeMismatch)
	}
	if heads <= 0 || c%heads != 0 {
		return nil, fmt.Errorf("attention: %w: %d channels in %d heads", ErrShapeMismatch, c, heads)
	}
	if opts.KeyBias != nil && len(opts.KeyBias) != nk {
		return nil, fmt.Errorf("attention: %w: key bias length %d for %d keys", ErrShapeMismatch, len(opts.KeyBias), nk)
	}
	headDim := c / heads
	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	out := New(b, nq, c)

	parallelFor(b*heads, 1, func(lo, hi int) {
		scores := make([]float32, nk)
		for job := lo; job < hi; job++ {
			bi, h := job/heads, job%heads
			off := h * headDim
			for i := range nq {
				qrow := q.Data[(bi*nq+i)*c+off : (bi*nq+i)*c+off+headDim]
				for j := range nk {
					if opts.Causal && j > i {
						scores[j] = float32(math.Inf(-1))
						continue
					}
					krow := k.Data[(bi*nk+j)*c+off : (bi*nk+j)*c+off+headDim]
					s := Dot(qrow, krow) * scale
					if opts.KeyBias != nil {
						s += opts.KeyBias[j]
					}
					scores[j] = s
				}
				Softmax(scores)
				dst := out.Data[(bi*nq+i)*c+off : (bi*nq+i)*c+off+headDim]
				for j, p := range scores {
					if p == 0 {
						continue
					}
					vrow := v.Data[(bi*nk+j)*c+off : (bi*nk+j)*c+off+headDim]
					for d := range headDim {
						dst[d] += p * vrow[d]
					}
				}
			}
		}
	})
	return out, nil
}
