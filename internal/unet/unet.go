// Package unet implements the Stable Diffusion noise-prediction UNet with
// swappable normalization and attention stages.
//
// A UNet is never mutated after construction. Rewire returns a copy whose
// stages were chosen by a Rewirer; the copy shares weights with the original.
package unet

import (
	"fmt"

	"github.com/samcharles93/stylus/internal/tensor"
)

type downBlock struct {
	Resnets    []resnet
	Attentions []transformer
	Downsample *conv
}

type midBlock struct {
	Resnet1   resnet
	Attention transformer
	Resnet2   resnet
}

type upBlock struct {
	Resnets    []resnet
	Attentions []transformer
	Upsample   *conv
}

// UNet is a UNet2DConditionModel.
type UNet struct {
	cfg         Config
	convIn      conv
	timeLinear1 linear
	timeLinear2 linear
	down        []downBlock
	mid         *midBlock
	up          []upBlock
	normOut     Norm
	convOut     conv
}

// Load builds a UNet from diffusers-named weights.
func Load(src tensor.Source, cfg Config) (*UNet, error) {
	return Build(cfg, tensor.FromSource(src))
}

// NewRandom builds a UNet with deterministic random weights.
func NewRandom(cfg Config, seed int64) (*UNet, error) {
	return Build(cfg, tensor.RandomParams(seed, 0.05))
}

// Build constructs a UNet requesting every weight from p.
func Build(cfg Config, p tensor.ParamFunc) (*UNet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var (
		u   = &UNet{cfg: cfg}
		err error
		boc = cfg.BlockOutChannels
		n   = len(boc)
	)
	tembDim := cfg.timeDim() * 4
	if u.convIn, err = newConv(p, "conv_in", cfg.InChannels, boc[0], 3, 1, 1); err != nil {
		return nil, err
	}
	if u.timeLinear1, err = newLinear(p, "time_embedding.linear_1", cfg.timeDim(), tembDim, true); err != nil {
		return nil, err
	}
	if u.timeLinear2, err = newLinear(p, "time_embedding.linear_2", tembDim, tembDim, true); err != nil {
		return nil, err
	}

	out := boc[0]
	for i, typ := range cfg.DownBlockTypes {
		in := out
		out = boc[i]
		prefix := fmt.Sprintf("down_blocks.%d", i)
		var blk downBlock
		for j := range cfg.LayersPerBlock {
			resIn := out
			if j == 0 {
				resIn = in
			}
			r, err := newResnet(p, fmt.Sprintf("%s.resnets.%d", prefix, j), resIn, out, tembDim, cfg)
			if err != nil {
				return nil, err
			}
			blk.Resnets = append(blk.Resnets, r)
			if typ == crossAttnDown {
				t, err := newTransformer(p, fmt.Sprintf("%s.attentions.%d", prefix, j), out, cfg.AttentionHeadDim.At(i), cfg)
				if err != nil {
					return nil, err
				}
				blk.Attentions = append(blk.Attentions, t)
			}
		}
		if i < n-1 {
			ds, err := newConv(p, prefix+".downsamplers.0.conv", out, out, 3, 2, 1)
			if err != nil {
				return nil, err
			}
			blk.Downsample = &ds
		}
		u.down = append(u.down, blk)
	}

	if cfg.hasMid() {
		ch := boc[n-1]
		m := &midBlock{}
		if m.Resnet1, err = newResnet(p, "mid_block.resnets.0", ch, ch, tembDim, cfg); err != nil {
			return nil, err
		}
		if m.Attention, err = newTransformer(p, "mid_block.attentions.0", ch, cfg.AttentionHeadDim.At(n-1), cfg); err != nil {
			return nil, err
		}
		if m.Resnet2, err = newResnet(p, "mid_block.resnets.1", ch, ch, tembDim, cfg); err != nil {
			return nil, err
		}
		u.mid = m
	}

	rev := make([]int, n)
	for i := range boc {
		rev[i] = boc[n-1-i]
	}
	out = rev[0]
	for i, typ := range cfg.UpBlockTypes {
		prevOut := out
		out = rev[i]
		in := rev[min(i+1, n-1)]
		prefix := fmt.Sprintf("up_blocks.%d", i)
		layers := cfg.LayersPerBlock + 1
		var blk upBlock
		for j := range layers {
			skip := out
			if j == layers-1 {
				skip = in
			}
			resIn := out
			if j == 0 {
				resIn = prevOut
			}
			r, err := newResnet(p, fmt.Sprintf("%s.resnets.%d", prefix, j), resIn+skip, out, tembDim, cfg)
			if err != nil {
				return nil, err
			}
			blk.Resnets = append(blk.Resnets, r)
			if typ == crossAttnUp {
				t, err := newTransformer(p, fmt.Sprintf("%s.attentions.%d", prefix, j), out, cfg.AttentionHeadDim.At(n-1-i), cfg)
				if err != nil {
					return nil, err
				}
				blk.Attentions = append(blk.Attentions, t)
			}
		}
		if i < n-1 {
			us, err := newConv(p, prefix+".upsamplers.0.conv", out, out, 3, 1, 1)
			if err != nil {
				return nil, err
			}
			blk.Upsample = &us
		}
		u.up = append(u.up, blk)
	}

	if u.normOut, err = newGroupNorm(p, "conv_norm_out", boc[0], cfg.NormNumGroups, cfg.NormEps); err != nil {
		return nil, err
	}
	if u.convOut, err = newConv(p, "conv_out", boc[0], cfg.OutChannels, 3, 1, 1); err != nil {
		return nil, err
	}
	return u, nil
}

// Config returns the configuration the UNet was built from.
func (u *UNet) Config() Config { return u.cfg }

// PredictNoise runs one denoising step. latent is [B, C, H, W] and cond is the
// text conditioning [B, T, D] with the same batch size.
func (u *UNet) PredictNoise(latent *tensor.Tensor, timestep float64, cond *tensor.Tensor) (*tensor.Tensor, error) {
	if err := tensor.ExpectRank("unet latent", latent, 4); err != nil {
		return nil, err
	}
	if err := tensor.ExpectRank("unet conditioning", cond, 3); err != nil {
		return nil, err
	}
	if latent.Shape[1] != u.cfg.InChannels {
		return nil, fmt.Errorf("unet: %w: latent has %d channels, want %d", tensor.ErrShapeMismatch, latent.Shape[1], u.cfg.InChannels)
	}
	if cond.Shape[0] != latent.Shape[0] || cond.Shape[2] != u.cfg.CrossAttentionDim {
		return nil, fmt.Errorf("unet: %w: conditioning %v for latent %v", tensor.ErrShapeMismatch, cond.Shape, latent.Shape)
	}
	scale := 1 << (len(u.down) - 1)
	if latent.Shape[2]%scale != 0 || latent.Shape[3]%scale != 0 {
		return nil, fmt.Errorf("unet: %w: latent %dx%d not divisible by %d", tensor.ErrShapeMismatch, latent.Shape[2], latent.Shape[3], scale)
	}

	temb, err := u.timeLinear1.forward(timestepEmbedding(timestep, u.cfg.timeDim(), u.cfg.flipSinToCos(), u.cfg.FreqShift))
	if err != nil {
		return nil, err
	}
	if temb, err = u.timeLinear2.forward(tensor.SiLU(temb)); err != nil {
		return nil, err
	}

	h, err := u.convIn.forward(latent)
	if err != nil {
		return nil, err
	}
	skips := []*tensor.Tensor{h}
	for i := range u.down {
		blk := &u.down[i]
		for j := range blk.Resnets {
			if h, err = blk.Resnets[j].forward(h, temb); err != nil {
				return nil, fmt.Errorf("down block %d resnet %d: %w", i, j, err)
			}
			if len(blk.Attentions) > 0 {
				if h, err = blk.Attentions[j].forward(h, cond); err != nil {
					return nil, fmt.Errorf("down block %d attention %d: %w", i, j, err)
				}
			}
			skips = append(skips, h)
		}
		if blk.Downsample != nil {
			if h, err = blk.Downsample.forward(h); err != nil {
				return nil, err
			}
			skips = append(skips, h)
		}
	}

	if u.mid != nil {
		if h, err = u.mid.Resnet1.forward(h, temb); err != nil {
			return nil, fmt.Errorf("mid block: %w", err)
		}
		if h, err = u.mid.Attention.forward(h, cond); err != nil {
			return nil, fmt.Errorf("mid block: %w", err)
		}
		if h, err = u.mid.Resnet2.forward(h, temb); err != nil {
			return nil, fmt.Errorf("mid block: %w", err)
		}
	}

	for i := range u.up {
		blk := &u.up[i]
		for j := range blk.Resnets {
			skip := skips[len(skips)-1]
			skips = skips[:len(skips)-1]
			if h, err = tensor.ConcatChannels(h, skip); err != nil {
				return nil, err
			}
			if h, err = blk.Resnets[j].forward(h, temb); err != nil {
				return nil, fmt.Errorf("up block %d resnet %d: %w", i, j, err)
			}
			if len(blk.Attentions) > 0 {
				if h, err = blk.Attentions[j].forward(h, cond); err != nil {
					return nil, fmt.Errorf("up block %d attention %d: %w", i, j, err)
				}
			}
		}
		if blk.Upsample != nil {
			if h, err = tensor.Upsample2x(h); err != nil {
				return nil, err
			}
			if h, err = blk.Upsample.forward(h); err != nil {
				return nil, err
			}
		}
	}

	if h, err = u.normOut.Forward(h); err != nil {
		return nil, err
	}
	return u.convOut.forward(tensor.SiLU(h))
}

type walkFunc struct {
	norm      func(LayerRef, *Norm)
	attention func(LayerRef, *AttentionProcessor)
}

// walk visits every stage slot in module order.
func (u *UNet) walk(fn walkFunc) {
	for i := range u.down {
		blk := &u.down[i]
		for j := range blk.Resnets {
			blk.Resnets[j].walk(fmt.Sprintf("down_blocks.%d.resnets.%d", i, j), fn)
			if len(blk.Attentions) > 0 {
				blk.Attentions[j].walk(fmt.Sprintf("down_blocks.%d.attentions.%d", i, j), fn)
			}
		}
	}
	if u.mid != nil {
		u.mid.Resnet1.walk("mid_block.resnets.0", fn)
		u.mid.Attention.walk("mid_block.attentions.0", fn)
		u.mid.Resnet2.walk("mid_block.resnets.1", fn)
	}
	for i := range u.up {
		blk := &u.up[i]
		for j := range blk.Resnets {
			blk.Resnets[j].walk(fmt.Sprintf("up_blocks.%d.resnets.%d", i, j), fn)
			if len(blk.Attentions) > 0 {
				blk.Attentions[j].walk(fmt.Sprintf("up_blocks.%d.attentions.%d", i, j), fn)
			}
		}
	}
	fn.norm(LayerRef{Path: "conv_norm_out", Kind: KindGroupNorm}, &u.normOut)
}

// Layers lists every swappable stage slot in module order.
func (u *UNet) Layers() []LayerRef {
	var refs []LayerRef
	u.walk(walkFunc{
		norm:      func(ref LayerRef, _ *Norm) { refs = append(refs, ref) },
		attention: func(ref LayerRef, _ *AttentionProcessor) { refs = append(refs, ref) },
	})
	return refs
}

// Stages returns the norm and attention stages currently installed, keyed by path.
func (u *UNet) Stages() (map[string]Norm, map[string]AttentionProcessor) {
	norms := map[string]Norm{}
	procs := map[string]AttentionProcessor{}
	u.walk(walkFunc{
		norm:      func(ref LayerRef, n *Norm) { norms[ref.Path] = *n },
		attention: func(ref LayerRef, p *AttentionProcessor) { procs[ref.Path] = *p },
	})
	return norms, procs
}

// Rewire returns a copy of u with every stage replaced by r's choice.
// u itself is left untouched.
func (u *UNet) Rewire(r Rewirer) *UNet {
	c := u.clone()
	c.walk(walkFunc{
		norm:      func(ref LayerRef, n *Norm) { *n = r.RewireNorm(ref, *n) },
		attention: func(ref LayerRef, p *AttentionProcessor) { *p = r.RewireAttention(ref, *p) },
	})
	return c
}

func (u *UNet) clone() *UNet {
	c := *u
	c.down = make([]downBlock, len(u.down))
	for i, blk := range u.down {
		blk.Resnets = append([]resnet(nil), blk.Resnets...)
		attns := make([]transformer, len(blk.Attentions))
		for j, t := range blk.Attentions {
			attns[j] = t.clone()
		}
		blk.Attentions = attns
		c.down[i] = blk
	}
	if u.mid != nil {
		m := *u.mid
		m.Attention = m.Attention.clone()
		c.mid = &m
	}
	c.up = make([]upBlock, len(u.up))
	for i, blk := range u.up {
		blk.Resnets = append([]resnet(nil), blk.Resnets...)
		attns := make([]transformer, len(blk.Attentions))
		for j, t := range blk.Attentions {
			attns[j] = t.clone()
		}
		blk.Attentions = attns
		c.up[i] = blk
	}
	return &c
}
