package stylealign

import (
	"fmt"
	"math"

	"github.com/samcharles93/stylus/internal/adain"
	"github.com/samcharles93/stylus/internal/tensor"
	"github.com/samcharles93/stylus/internal/unet"
)

// SharedNorm runs the wrapped stage and restyles its output with AdaIN, so
// every row takes the statistics of the reference row of its half.
type SharedNorm struct {
	Inner unet.Norm
}

func (s SharedNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	y, err := s.Inner.Forward(x)
	if err != nil {
		return nil, err
	}
	if y.Rank() == 4 {
		return adain.ApplyNCHW(y)
	}
	return adain.Apply(y)
}

// SharedAttention lets every row attend to the keys and values of the
// reference row of its half in addition to its own.
type SharedAttention struct {
	Args Args
}

func (s SharedAttention) Attend(q, k, v *tensor.Tensor, heads int) (*tensor.Tensor, error) {
	if err := tensor.ExpectRank("shared attention", k, 3); err != nil {
		return nil, err
	}
	if k.Shape[0]%2 != 0 {
		return nil, fmt.Errorf("shared attention: %w (%d)", adain.ErrOddBatch, k.Shape[0])
	}
	if s.Args.FullAttentionShare {
		return tensor.ScaledDotProduct(q, joinHalf(k), joinHalf(v), heads, tensor.AttentionOptions{})
	}

	var err error
	if s.Args.AdainQueries {
		if q, err = adain.Apply(q); err != nil {
			return nil, err
		}
	}
	if s.Args.AdainKeys {
		if k, err = adain.Apply(k); err != nil {
			return nil, err
		}
	}
	if s.Args.AdainValues {
		if v, err = adain.Apply(v); err != nil {
			return nil, err
		}
	}
	nk := k.Shape[1]
	opts := tensor.AttentionOptions{}
	if bias := s.referenceBias(); bias != 0 {
		opts.KeyBias = make([]float32, 2*nk)
		for j := nk; j < 2*nk; j++ {
			opts.KeyBias[j] = bias
		}
	}
	return tensor.ScaledDotProduct(q, withReference(k), withReference(v), heads, opts)
}

// referenceBias is the logit offset for reference keys. A non-positive
// scale is treated as 1.
func (s SharedAttention) referenceBias() float32 {
	bias := s.Args.SharedScoreShift
	if scale := s.Args.SharedScoreScale; scale > 0 && scale != 1 {
		bias += float32(math.Log(float64(scale)))
	}
	return bias
}

// withReference returns [B, 2N, C]: each row's own tokens followed by the
// tokens of its half's reference row.
func withReference(x *tensor.Tensor) *tensor.Tensor {
	b, n, c := x.Shape[0], x.Shape[1], x.Shape[2]
	row := n * c
	out := tensor.New(b, 2*n, c)
	for bi := range b {
		ref := adain.Reference(bi, b)
		dst := out.Data[bi*2*row : (bi+1)*2*row]
		copy(dst[:row], x.Data[bi*row:(bi+1)*row])
		copy(dst[row:], x.Data[ref*row:(ref+1)*row])
	}
	return out
}

// joinHalf returns [B, (B/2)*N, C]: every row sees the tokens of all rows in
// its half, in batch order.
func joinHalf(x *tensor.Tensor) *tensor.Tensor {
	b, n, c := x.Shape[0], x.Shape[1], x.Shape[2]
	half := b / 2
	row := n * c
	out := tensor.New(b, half*n, c)
	for bi := range b {
		start := adain.Reference(bi, b)
		copy(out.Data[bi*half*row:(bi+1)*half*row], x.Data[start*row:(start+half)*row])
	}
	return out
}
