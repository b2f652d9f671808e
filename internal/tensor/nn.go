package tensor

import (
	"fmt"
	"math"
)

// Linear computes y = x @ W^T + b over the last axis.
// x: [..., in], weight: [out, in], bias: [out] or nil.
func Linear(x, weight, bias *Tensor) (*Tensor, error) {
	if err := ExpectRank("linear weight", weight, 2); err != nil {
		return nil, err
	}
	in := x.Dim(-1)
	outDim := weight.Shape[0]
	if weight.Shape[1] != in {
		return nil, fmt.Errorf("linear %v x %v: %w", x.Shape, weight.Shape, ErrShapeMismatch)
	}
	if bias != nil && len(bias.Data) != outDim {
		return nil, fmt.Errorf("linear bias %v for %d outputs: %w", bias.Shape, outDim, ErrShapeMismatch)
	}
	rows := len(x.Data) / in
	shape := append([]int{}, x.Shape...)
	shape[len(shape)-1] = outDim
	out := New(shape...)

	parallelFor(rows, 4, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			src := x.Data[r*in : (r+1)*in]
			dst := out.Data[r*outDim : (r+1)*outDim]
			for o := range outDim {
				sum := Dot(src, weight.Data[o*in:(o+1)*in])
				if bias != nil {
					sum += bias.Data[o]
				}
				dst[o] = sum
			}
		}
	})
	return out, nil
}

// Conv2d applies a 2D convolution with symmetric zero padding.
// input: [N, Cin, H, W], weight: [Cout, Cin, kH, kW], bias: [Cout] or nil.
func Conv2d(input, weight, bias *Tensor, stride, padding int) (*Tensor, error) {
	return Conv2dPad(input, weight, bias, stride, padding, padding, padding, padding)
}

// Conv2dPad is Conv2d with independent top/left/bottom/right padding.
func Conv2dPad(input, weight, bias *Tensor, stride, padT, padL, padB, padR int) (*Tensor, error) {
	if err := ExpectRank("conv2d input", input, 4); err != nil {
		return nil, err
	}
	if err := ExpectRank("conv2d weight", weight, 4); err != nil {
		return nil, err
	}
	n, cin, hin, win := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	cout, kh, kw := weight.Shape[0], weight.Shape[2], weight.Shape[3]
	if weight.Shape[1] != cin {
		return nil, fmt.Errorf("conv2d %v with kernel %v: %w", input.Shape, weight.Shape, ErrShapeMismatch)
	}
	if stride < 1 {
		stride = 1
	}
	hout := (hin+padT+padB-kh)/stride + 1
	wout := (win+padL+padR-kw)/stride + 1
	if hout <= 0 || wout <= 0 {
		return nil, fmt.Errorf("conv2d %v with kernel %v: %w: empty output", input.Shape, weight.Shape, ErrShapeMismatch)
	}
	out := New(n, cout, hout, wout)

	parallelFor(n*cout, 1, func(lo, hi int) {
		for job := lo; job < hi; job++ {
			b, co := job/cout, job%cout
			dst := out.Data[(b*cout+co)*hout*wout : (b*cout+co+1)*hout*wout]
			if bias != nil {
				for i := range dst {
					dst[i] = bias.Data[co]
				}
			}
			for ci := range cin {
				plane := input.Data[(b*cin+ci)*hin*win : (b*cin+ci+1)*hin*win]
				kernel := weight.Data[(co*cin+ci)*kh*kw : (co*cin+ci+1)*kh*kw]
				for ky := range kh {
					for kx := range kw {
						wv := kernel[ky*kw+kx]
						if wv == 0 {
							continue
						}
						for oy := range hout {
							iy := oy*stride - padT + ky
							if iy < 0 || iy >= hin {
								continue
							}
							row := plane[iy*win : (iy+1)*win]
							drow := dst[oy*wout : (oy+1)*wout]
							for ox := range wout {
								ix := ox*stride - padL + kx
								if ix < 0 || ix >= win {
									continue
								}
								drow[ox] += wv * row[ix]
							}
						}
					}
				}
			}
		}
	})
	return out, nil
}

// GroupNorm normalizes x [N, C, H, W] over groups of C/groups channels.
// weight and bias are [C] or nil.
func GroupNorm(x, weight, bias *Tensor, groups int, eps float32) (*Tensor, error) {
	if err := ExpectRank("group norm", x, 4); err != nil {
		return nil, err
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	if groups <= 0 || c%groups != 0 {
		return nil, fmt.Errorf("group norm: %w: %d channels in %d groups", ErrShapeMismatch, c, groups)
	}
	per := c / groups
	hw := h * w
	out := New(x.Shape...)

	parallelFor(n*groups, 1, func(lo, hi int) {
		for job := lo; job < hi; job++ {
			b, g := job/groups, job%groups
			start := (b*c + g*per) * hw
			end := start + per*hw
			src := x.Data[start:end]

			var mean float64
			for _, v := range src {
				mean += float64(v)
			}
			mean /= float64(len(src))
			var variance float64
			for _, v := range src {
				d := float64(v) - mean
				variance += d * d
			}
			variance /= float64(len(src))
			inv := 1 / math.Sqrt(variance+float64(eps))

			for ch := range per {
				channel := g*per + ch
				scale, shift := float32(1), float32(0)
				if weight != nil {
					scale = weight.Data[channel]
				}
				if bias != nil {
					shift = bias.Data[channel]
				}
				off := ch * hw
				for i := range hw {
					v := float32((float64(src[off+i]) - mean) * inv)
					out.Data[start+off+i] = v*scale + shift
				}
			}
		}
	})
	return out, nil
}

// LayerNorm normalizes over the last axis. weight and bias are [D] or nil.
func LayerNorm(x, weight, bias *Tensor, eps float32) (*Tensor, error) {
	d := x.Dim(-1)
	if weight != nil && len(weight.Data) != d {
		return nil, fmt.Errorf("layer norm weight %v for dim %d: %w", weight.Shape, d, ErrShapeMismatch)
	}
	rows := len(x.Data) / d
	out := New(x.Shape...)
	parallelFor(rows, 16, func(lo, hi int) {
		for r := lo; r < hi; r++ {
			src := x.Data[r*d : (r+1)*d]
			dst := out.Data[r*d : (r+1)*d]
			var mean float64
			for _, v := range src {
				mean += float64(v)
			}
			mean /= float64(d)
			var variance float64
			for _, v := range src {
				dv := float64(v) - mean
				variance += dv * dv
			}
			variance /= float64(d)
			inv := 1 / math.Sqrt(variance+float64(eps))
			for i, v := range src {
				y := float32((float64(v) - mean) * inv)
				if weight != nil {
					y *= weight.Data[i]
				}
				if bias != nil {
					y += bias.Data[i]
				}
				dst[i] = y
			}
		}
	})
	return out, nil
}

// Upsample2x is nearest-neighbour 2x upsampling for [N, C, H, W].
func Upsample2x(x *Tensor) (*Tensor, error) {
	if err := ExpectRank("upsample", x, 4); err != nil {
		return nil, err
	}
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	out := New(n, c, h*2, w*2)
	for p := range n * c {
		src := x.Data[p*h*w : (p+1)*h*w]
		dst := out.Data[p*4*h*w : (p+1)*4*h*w]
		for y := range h * 2 {
			for xx := range w * 2 {
				dst[y*w*2+xx] = src[(y/2)*w+xx/2]
			}
		}
	}
	return out, nil
}

// ConcatChannels joins [N, C1, H, W] and [N, C2, H, W] into [N, C1+C2, H, W].
func ConcatChannels(a, b *Tensor) (*Tensor, error) {
	if err := ExpectRank("concat channels", a, 4); err != nil {
		return nil, err
	}
	if err := ExpectRank("concat channels", b, 4); err != nil {
		return nil, err
	}
	if a.Shape[0] != b.Shape[0] || a.Shape[2] != b.Shape[2] || a.Shape[3] != b.Shape[3] {
		return nil, fmt.Errorf("concat channels %v and %v: %w", a.Shape, b.Shape, ErrShapeMismatch)
	}
	n, c1, c2 := a.Shape[0], a.Shape[1], b.Shape[1]
	hw := a.Shape[2] * a.Shape[3]
	out := New(n, c1+c2, a.Shape[2], a.Shape[3])
	for i := range n {
		dst := out.Data[i*(c1+c2)*hw:]
		copy(dst[:c1*hw], a.Data[i*c1*hw:(i+1)*c1*hw])
		copy(dst[c1*hw:(c1+c2)*hw], b.Data[i*c2*hw:(i+1)*c2*hw])
	}
	return out, nil
}

// ToSequence transposes [N, C, H, W] into [N, H*W, C].
func ToSequence(x *Tensor) (*Tensor, error) {
	if err := ExpectRank("to sequence", x, 4); err != nil {
		return nil, err
	}
	n, c, hw := x.Shape[0], x.Shape[1], x.Shape[2]*x.Shape[3]
	out := New(n, hw, c)
	for b := range n {
		for ch := range c {
			src := x.Data[(b*c+ch)*hw : (b*c+ch+1)*hw]
			for p, v := range src {
				out.Data[(b*hw+p)*c+ch] = v
			}
		}
	}
	return out, nil
}

// FromSequence transposes [N, H*W, C] back into [N, C, H, W].
func FromSequence(x *Tensor, h, w int) (*Tensor, error) {
	if err := ExpectRank("from sequence", x, 3); err != nil {
		return nil, err
	}
	n, seq, c := x.Shape[0], x.Shape[1], x.Shape[2]
	if seq != h*w {
		return nil, fmt.Errorf("from sequence %v to %dx%d: %w", x.Shape, h, w, ErrShapeMismatch)
	}
	out := New(n, c, h, w)
	for b := range n {
		for p := range seq {
			src := x.Data[(b*seq+p)*c : (b*seq+p+1)*c]
			for ch, v := range src {
				out.Data[(b*c+ch)*seq+p] = v
			}
		}
	}
	return out, nil
}
