// Package vae implements the Stable Diffusion AutoencoderKL: pixel images in,
// scaled latents out, and back.
package vae

import (
	"fmt"

	"github.com/samcharles93/stylus/internal/tensor"
)

type encoder struct {
	convIn  conv
	down    [][]resnet
	downs   []*conv
	mid     midBlock
	normOut groupNorm
	convOut conv
}

type decoder struct {
	convIn  conv
	mid     midBlock
	up      [][]resnet
	ups     []*conv
	normOut groupNorm
	convOut conv
}

// Model is an AutoencoderKL. Its working precision defaults to F16; every
// block output is rounded to that precision.
//
// A Model is not safe for concurrent use.
type Model struct {
	cfg           Config
	dtype         tensor.DType
	enc           encoder
	dec           decoder
	quantConv     conv
	postQuantConv conv
}

// Load builds a Model from diffusers-named weights.
func Load(src tensor.Source, cfg Config) (*Model, error) {
	return Build(cfg, tensor.FromSource(src))
}

// NewRandom builds a Model with deterministic random weights.
func NewRandom(cfg Config, seed int64) (*Model, error) {
	return Build(cfg, tensor.RandomParams(seed, 0.05))
}

// Build constructs a Model requesting every weight from p.
func Build(cfg Config, p tensor.ParamFunc) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var (
		m   = &Model{cfg: cfg, dtype: tensor.F16}
		err error
		boc = cfg.BlockOutChannels
		n   = len(boc)
		g   = cfg.NormNumGroups
		lat = cfg.LatentChannels
	)

	e := &m.enc
	if e.convIn, err = newConv(p, "encoder.conv_in", cfg.InChannels, boc[0], 3); err != nil {
		return nil, err
	}
	out := boc[0]
	for i := range n {
		in := out
		out = boc[i]
		var block []resnet
		for j := range cfg.LayersPerBlock {
			resIn := out
			if j == 0 {
				resIn = in
			}
			r, err := newResnet(p, fmt.Sprintf("encoder.down_blocks.%d.resnets.%d", i, j), resIn, out, g)
			if err != nil {
				return nil, err
			}
			block = append(block, r)
		}
		e.down = append(e.down, block)
		var ds *conv
		if i < n-1 {
			c, err := newConv(p, fmt.Sprintf("encoder.down_blocks.%d.downsamplers.0.conv", i), out, out, 3)
			if err != nil {
				return nil, err
			}
			ds = &c
		}
		e.downs = append(e.downs, ds)
	}
	if e.mid, err = newMidBlock(p, "encoder.mid_block", boc[n-1], g); err != nil {
		return nil, err
	}
	if e.normOut, err = newGroupNorm(p, "encoder.conv_norm_out", boc[n-1], g); err != nil {
		return nil, err
	}
	if e.convOut, err = newConv(p, "encoder.conv_out", boc[n-1], 2*lat, 3); err != nil {
		return nil, err
	}
	if m.quantConv, err = newConv(p, "quant_conv", 2*lat, 2*lat, 1); err != nil {
		return nil, err
	}

	if m.postQuantConv, err = newConv(p, "post_quant_conv", lat, lat, 1); err != nil {
		return nil, err
	}
	d := &m.dec
	if d.convIn, err = newConv(p, "decoder.conv_in", lat, boc[n-1], 3); err != nil {
		return nil, err
	}
	if d.mid, err = newMidBlock(p, "decoder.mid_block", boc[n-1], g); err != nil {
		return nil, err
	}
	out = boc[n-1]
	for i := range n {
		in := out
		out = boc[n-1-i]
		var block []resnet
		for j := range cfg.LayersPerBlock + 1 {
			resIn := out
			if j == 0 {
				resIn = in
			}
			r, err := newResnet(p, fmt.Sprintf("decoder.up_blocks.%d.resnets.%d", i, j), resIn, out, g)
			if err != nil {
				return nil, err
			}
			block = append(block, r)
		}
		d.up = append(d.up, block)
		var us *conv
		if i < n-1 {
			c, err := newConv(p, fmt.Sprintf("decoder.up_blocks.%d.upsamplers.0.conv", i), out, out, 3)
			if err != nil {
				return nil, err
			}
			us = &c
		}
		d.ups = append(d.ups, us)
	}
	if d.normOut, err = newGroupNorm(p, "decoder.conv_norm_out", boc[0], g); err != nil {
		return nil, err
	}
	if d.convOut, err = newConv(p, "decoder.conv_out", boc[0], cfg.OutChannels, 3); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Model) Config() Config { return m.cfg }

// DType reports the current working precision.
func (m *Model) DType() tensor.DType { return m.dtype }

// SetDType changes the working precision.
func (m *Model) SetDType(d tensor.DType) { m.dtype = d }

func (m *Model) round(t *tensor.Tensor) *tensor.Tensor {
	return t.Round(m.dtype)
}

// EncodeImage maps an [H, W, 3] pixel array with values in [0, 255] to a
// scaled latent [1, latent_channels, H/f, W/f].
//
// Encoding always runs in full precision; the previous working precision is
// restored afterwards, on error paths too.
func (m *Model) EncodeImage(img *tensor.Tensor) (*tensor.Tensor, error) {
	prev := m.dtype
	m.dtype = tensor.F32
	defer func() { m.dtype = prev }()

	x, err := m.pixelsToInput(img)
	if err != nil {
		return nil, err
	}
	moments, err := m.encode(x)
	if err != nil {
		return nil, err
	}
	lat := m.cfg.LatentChannels
	hw := moments.Shape[2] * moments.Shape[3]
	mean := tensor.New(1, lat, moments.Shape[2], moments.Shape[3])
	for i, v := range moments.Data[:lat*hw] {
		mean.Data[i] = v * m.cfg.ScalingFactor
	}
	return mean, nil
}

// pixelsToInput validates img and returns the normalized [1, 3, H, W] input.
func (m *Model) pixelsToInput(img *tensor.Tensor) (*tensor.Tensor, error) {
	if err := tensor.ExpectRank("encode image", img, 3); err != nil {
		return nil, err
	}
	h, w, c := img.Shape[0], img.Shape[1], img.Shape[2]
	if c != m.cfg.InChannels {
		return nil, fmt.Errorf("encode image: %w: %d channels, want %d", tensor.ErrShapeMismatch, c, m.cfg.InChannels)
	}
	f := m.cfg.DownFactor()
	if h == 0 || w == 0 || h%f != 0 || w%f != 0 {
		return nil, fmt.Errorf("encode image: %w: %dx%d is not a multiple of %d", tensor.ErrShapeMismatch, h, w, f)
	}
	x := tensor.New(1, c, h, w)
	for y := range h {
		for xx := range w {
			for ch := range c {
				v := img.Data[(y*w+xx)*c+ch]
				x.Data[(ch*h+y)*w+xx] = v/255*2 - 1
			}
		}
	}
	return x, nil
}

// encode returns the latent distribution moments [B, 2*latent, h, w].
func (m *Model) encode(x *tensor.Tensor) (*tensor.Tensor, error) {
	e := &m.enc
	h, err := e.convIn.same(x)
	if err != nil {
		return nil, err
	}
	h = m.round(h)
	for i, block := range e.down {
		for j := range block {
			if h, err = block[j].forward(h); err != nil {
				return nil, fmt.Errorf("encoder down block %d: %w", i, err)
			}
			h = m.round(h)
		}
		if ds := e.downs[i]; ds != nil {
			if h, err = ds.down(h); err != nil {
				return nil, err
			}
			h = m.round(h)
		}
	}
	if h, err = e.mid.forward(h, m.round); err != nil {
		return nil, fmt.Errorf("encoder mid block: %w", err)
	}
	if h, err = e.normOut.forward(h); err != nil {
		return nil, err
	}
	if h, err = e.convOut.same(tensor.SiLU(h)); err != nil {
		return nil, err
	}
	if h, err = m.quantConv.same(h); err != nil {
		return nil, err
	}
	return m.round(h), nil
}

// Decode maps scaled latents [B, latent, h, w] to images [B, 3, H, W] in
// roughly [-1, 1], in the model's current precision.
func (m *Model) Decode(latent *tensor.Tensor) (*tensor.Tensor, error) {
	if err := tensor.ExpectRank("decode", latent, 4); err != nil {
		return nil, err
	}
	if latent.Shape[1] != m.cfg.LatentChannels {
		return nil, fmt.Errorf("decode: %w: %d channels, want %d", tensor.ErrShapeMismatch, latent.Shape[1], m.cfg.LatentChannels)
	}
	z := tensor.Scale(latent, 1/m.cfg.ScalingFactor)
	d := &m.dec
	h, err := m.postQuantConv.same(m.round(z))
	if err != nil {
		return nil, err
	}
	if h, err = d.convIn.same(h); err != nil {
		return nil, err
	}
	if h, err = d.mid.forward(m.round(h), m.round); err != nil {
		return nil, fmt.Errorf("decoder mid block: %w", err)
	}
	for i, block := range d.up {
		for j := range block {
			if h, err = block[j].forward(h); err != nil {
				return nil, fmt.Errorf("decoder up block %d: %w", i, err)
			}
			h = m.round(h)
		}
		if us := d.ups[i]; us != nil {
			if h, err = tensor.Upsample2x(h); err != nil {
				return nil, err
			}
			if h, err = us.same(h); err != nil {
				return nil, err
			}
			h = m.round(h)
		}
	}
	if h, err = d.normOut.forward(h); err != nil {
		return nil, err
	}
	if h, err = d.convOut.same(tensor.SiLU(h)); err != nil {
		return nil, err
	}
	return m.round(h), nil
}

// ToPixels converts decoded images [B, 3, H, W] in [-1, 1] to one
// [H, W, 3] array per batch row with values clamped to [0, 255].
func ToPixels(img *tensor.Tensor) ([]*tensor.Tensor, error) {
	if err := tensor.ExpectRank("to pixels", img, 4); err != nil {
		return nil, err
	}
	n, c, h, w := img.Shape[0], img.Shape[1], img.Shape[2], img.Shape[3]
	if c != 3 {
		return nil, fmt.Errorf("to pixels: %w: %d channels", tensor.ErrShapeMismatch, c)
	}
	out := make([]*tensor.Tensor, n)
	for b := range n {
		px := tensor.New(h, w, c)
		for ch := range c {
			plane := img.Data[(b*c+ch)*h*w : (b*c+ch+1)*h*w]
			for i, v := range plane {
				v = (v/2 + 0.5) * 255
				px.Data[i*c+ch] = min(max(v, 0), 255)
			}
		}
		out[b] = px
	}
	return out, nil
}
