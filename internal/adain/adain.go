// Package adain implements adaptive instance normalization over a batch laid
// out as two contiguous halves (unconditional/conditional rows). Every row is
// normalized with its own statistics and restyled with the statistics of the
// first row of its half.
package adain

import (
	"fmt"
	"math"

	"github.com/samcharles93/stylus/internal/tensor"
)

// Eps regularizes the variance before the square root.
const Eps = 1e-5

// ErrOddBatch is returned when the batch cannot be split into two halves.
var ErrOddBatch = fmt.Errorf("%w: odd batch size", tensor.ErrShapeMismatch)

// Statistics holds per-row, per-channel mean and standard deviation.
// Both slices are [batch*channels], row-major.
type Statistics struct {
	Batch, Channels int
	Mean, Std       []float32
}

// Stats computes mean and std along axis 1 of x [B, N, C]. Variance is the
// unbiased estimator, matching torch.var defaults.
func Stats(x *tensor.Tensor) (Statistics, error) {
	if err := tensor.ExpectRank("adain stats", x, 3); err != nil {
		return Statistics{}, err
	}
	b, n, c := x.Shape[0], x.Shape[1], x.Shape[2]
	if n < 2 {
		return Statistics{}, fmt.Errorf("adain stats: %w: need at least 2 positions, got %d", tensor.ErrShapeMismatch, n)
	}
	st := Statistics{
		Batch:    b,
		Channels: c,
		Mean:     make([]float32, b*c),
		Std:      make([]float32, b*c),
	}
	sum := make([]float64, c)
	sq := make([]float64, c)
	for bi := range b {
		clear(sum)
		clear(sq)
		rows := x.Data[bi*n*c : (bi+1)*n*c]
		for p := range n {
			for ch, v := range rows[p*c : (p+1)*c] {
				sum[ch] += float64(v)
			}
		}
		for ch := range c {
			sum[ch] /= float64(n)
		}
		for p := range n {
			for ch, v := range rows[p*c : (p+1)*c] {
				d := float64(v) - sum[ch]
				sq[ch] += d * d
			}
		}
		for ch := range c {
			st.Mean[bi*c+ch] = float32(sum[ch])
			st.Std[bi*c+ch] = float32(math.Sqrt(sq[ch]/float64(n-1) + Eps))
		}
	}
	return st, nil
}

// Reference returns the index of the row whose statistics restyle row i.
func Reference(i, batch int) int {
	if i < batch/2 {
		return 0
	}
	return batch / 2
}

// Apply restyles x [B, N, C]: out = (x - mean)/std * refStd + refMean, where
// the reference is row 0 for the first half and row B/2 for the second.
func Apply(x *tensor.Tensor) (*tensor.Tensor, error) {
	st, err := Stats(x)
	if err != nil {
		return nil, err
	}
	b, n, c := x.Shape[0], x.Shape[1], x.Shape[2]
	if b%2 != 0 {
		return nil, fmt.Errorf("adain batch %d: %w", b, ErrOddBatch)
	}
	out := tensor.New(x.Shape...)
	for bi := range b {
		ref := Reference(bi, b)
		src := x.Data[bi*n*c : (bi+1)*n*c]
		dst := out.Data[bi*n*c : (bi+1)*n*c]
		for p := range n {
			for ch := range c {
				own := bi*c + ch
				other := ref*c + ch
				i := p*c + ch
				dst[i] = (src[i]-st.Mean[own])/st.Std[own]*st.Std[other] + st.Mean[other]
			}
		}
	}
	return out, nil
}

// ApplyNCHW restyles image features [B, C, H, W], treating H*W as the
// normalized axis.
func ApplyNCHW(x *tensor.Tensor) (*tensor.Tensor, error) {
	if err := tensor.ExpectRank("adain", x, 4); err != nil {
		return nil, err
	}
	seq, err := tensor.ToSequence(x)
	if err != nil {
		return nil, err
	}
	styled, err := Apply(seq)
	if err != nil {
		return nil, err
	}
	return tensor.FromSequence(styled, x.Shape[2], x.Shape[3])
}
