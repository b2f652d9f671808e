package vae

import (
	"github.com/samcharles93/stylus/internal/tensor"
)

const normEps = 1e-6

type conv struct {
	W, B *tensor.Tensor
}

func newConv(p tensor.ParamFunc, name string, in, out, k int) (conv, error) {
	w, err := p(name+".weight", out, in, k, k)
	if err != nil {
		return conv{}, err
	}
	b, err := p(name+".bias", out)
	if err != nil {
		return conv{}, err
	}
	return conv{W: w, B: b}, nil
}

// same applies a stride-1 convolution preserving spatial size.
func (c conv) same(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Conv2d(x, c.W, c.B, 1, c.W.Shape[2]/2)
}

// down is the encoder downsampler: pad right and bottom by one, stride 2.
func (c conv) down(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Conv2dPad(x, c.W, c.B, 2, 0, 0, 1, 1)
}

type groupNorm struct {
	W, B   *tensor.Tensor
	Groups int
}

func newGroupNorm(p tensor.ParamFunc, name string, ch, groups int) (groupNorm, error) {
	w, err := p(name+".weight", ch)
	if err != nil {
		return groupNorm{}, err
	}
	b, err := p(name+".bias", ch)
	if err != nil {
		return groupNorm{}, err
	}
	return groupNorm{W: w, B: b, Groups: groups}, nil
}

func (g groupNorm) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.GroupNorm(x, g.W, g.B, g.Groups, normEps)
}

// resnet is the time-free ResnetBlock2D used by the autoencoder.
type resnet struct {
	norm1, norm2 groupNorm
	conv1, conv2 conv
	shortcut     *conv
}

func newResnet(p tensor.ParamFunc, name string, in, out, groups int) (resnet, error) {
	var (
		r   resnet
		err error
	)
	if r.norm1, err = newGroupNorm(p, name+".norm1", in, groups); err != nil {
		return r, err
	}
	if r.conv1, err = newConv(p, name+".conv1", in, out, 3); err != nil {
		return r, err
	}
	if r.norm2, err = newGroupNorm(p, name+".norm2", out, groups); err != nil {
		return r, err
	}
	if r.conv2, err = newConv(p, name+".conv2", out, out, 3); err != nil {
		return r, err
	}
	if in != out {
		sc, err := newConv(p, name+".conv_shortcut", in, out, 1)
		if err != nil {
			return r, err
		}
		r.shortcut = &sc
	}
	return r, nil
}

func (r *resnet) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := r.norm1.forward(x)
	if err != nil {
		return nil, err
	}
	if h, err = r.conv1.same(tensor.SiLU(h)); err != nil {
		return nil, err
	}
	if h, err = r.norm2.forward(h); err != nil {
		return nil, err
	}
	if h, err = r.conv2.same(tensor.SiLU(h)); err != nil {
		return nil, err
	}
	residual := x
	if r.shortcut != nil {
		if residual, err = r.shortcut.same(x); err != nil {
			return nil, err
		}
	}
	return tensor.Add(h, residual)
}

// attention is the single-head spatial self-attention of the mid block.
type attention struct {
	norm       groupNorm
	q, k, v, o struct{ W, B *tensor.Tensor }
}

func newAttention(p tensor.ParamFunc, name string, ch, groups int) (attention, error) {
	var (
		a   attention
		err error
	)
	if a.norm, err = newGroupNorm(p, name+".group_norm", ch, groups); err != nil {
		return a, err
	}
	for _, proj := range []struct {
		name string
		dst  *struct{ W, B *tensor.Tensor }
	}{
		{"to_q", &a.q}, {"to_k", &a.k}, {"to_v", &a.v}, {"to_out.0", &a.o},
	} {
		if proj.dst.W, err = p(name+"."+proj.name+".weight", ch, ch); err != nil {
			return a, err
		}
		if proj.dst.B, err = p(name+"."+proj.name+".bias", ch); err != nil {
			return a, err
		}
	}
	return a, nil
}

func (a *attention) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := a.norm.forward(x)
	if err != nil {
		return nil, err
	}
	seq, err := tensor.ToSequence(h)
	if err != nil {
		return nil, err
	}
	q, err := tensor.Linear(seq, a.q.W, a.q.B)
	if err != nil {
		return nil, err
	}
	k, err := tensor.Linear(seq, a.k.W, a.k.B)
	if err != nil {
		return nil, err
	}
	v, err := tensor.Linear(seq, a.v.W, a.v.B)
	if err != nil {
		return nil, err
	}
	o, err := tensor.ScaledDotProduct(q, k, v, 1, tensor.AttentionOptions{})
	if err != nil {
		return nil, err
	}
	if o, err = tensor.Linear(o, a.o.W, a.o.B); err != nil {
		return nil, err
	}
	out, err := tensor.FromSequence(o, x.Shape[2], x.Shape[3])
	if err != nil {
		return nil, err
	}
	return tensor.Add(out, x)
}

type midBlock struct {
	res1 resnet
	attn attention
	res2 resnet
}

func newMidBlock(p tensor.ParamFunc, name string, ch, groups int) (midBlock, error) {
	var (
		m   midBlock
		err error
	)
	if m.res1, err = newResnet(p, name+".resnets.0", ch, ch, groups); err != nil {
		return m, err
	}
	if m.attn, err = newAttention(p, name+".attentions.0", ch, groups); err != nil {
		return m, err
	}
	if m.res2, err = newResnet(p, name+".resnets.1", ch, ch, groups); err != nil {
		return m, err
	}
	return m, nil
}

func (m *midBlock) forward(x *tensor.Tensor, round func(*tensor.Tensor) *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := m.res1.forward(x)
	if err != nil {
		return nil, err
	}
	if h, err = m.attn.forward(round(h)); err != nil {
		return nil, err
	}
	if h, err = m.res2.forward(round(h)); err != nil {
		return nil, err
	}
	return round(h), nil
}
