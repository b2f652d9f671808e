package unet

import (
	"fmt"
	"math"

	"github.com/samcharles93/stylus/internal/tensor"
)

type linear struct {
	W, B *tensor.Tensor
}

func newLinear(p tensor.ParamFunc, name string, in, out int, bias bool) (linear, error) {
	w, err := p(name+".weight", out, in)
	if err != nil {
		return linear{}, err
	}
	l := linear{W: w}
	if bias {
		if l.B, err = p(name+".bias", out); err != nil {
			return linear{}, err
		}
	}
	return l, nil
}

func (l linear) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Linear(x, l.W, l.B)
}

type conv struct {
	W, B   *tensor.Tensor
	Stride int
	Pad    int
}

func newConv(p tensor.ParamFunc, name string, in, out, k, stride, pad int) (conv, error) {
	w, err := p(name+".weight", out, in, k, k)
	if err != nil {
		return conv{}, err
	}
	b, err := p(name+".bias", out)
	if err != nil {
		return conv{}, err
	}
	return conv{W: w, B: b, Stride: stride, Pad: pad}, nil
}

func (c conv) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Conv2d(x, c.W, c.B, c.Stride, c.Pad)
}

func newGroupNorm(p tensor.ParamFunc, name string, ch, groups int, eps float32) (Norm, error) {
	w, err := p(name+".weight", ch)
	if err != nil {
		return nil, err
	}
	b, err := p(name+".bias", ch)
	if err != nil {
		return nil, err
	}
	return &GroupNorm{Weight: w, Bias: b, Groups: groups, Eps: eps}, nil
}

func newLayerNorm(p tensor.ParamFunc, name string, dim int) (Norm, error) {
	w, err := p(name+".weight", dim)
	if err != nil {
		return nil, err
	}
	b, err := p(name+".bias", dim)
	if err != nil {
		return nil, err
	}
	return &LayerNorm{Weight: w, Bias: b, Eps: 1e-5}, nil
}

// resnet is ResnetBlock2D: GroupNorm → SiLU → Conv → +time → GroupNorm → SiLU → Conv, plus skip.
type resnet struct {
	Norm1    Norm
	Conv1    conv
	TimeProj linear
	Norm2    Norm
	Conv2    conv
	Shortcut *conv
}

func newResnet(p tensor.ParamFunc, name string, in, out, tembDim int, cfg Config) (resnet, error) {
	var (
		r   resnet
		err error
	)
	if r.Norm1, err = newGroupNorm(p, name+".norm1", in, cfg.NormNumGroups, cfg.NormEps); err != nil {
		return r, err
	}
	if r.Conv1, err = newConv(p, name+".conv1", in, out, 3, 1, 1); err != nil {
		return r, err
	}
	if r.TimeProj, err = newLinear(p, name+".time_emb_proj", tembDim, out, true); err != nil {
		return r, err
	}
	if r.Norm2, err = newGroupNorm(p, name+".norm2", out, cfg.NormNumGroups, cfg.NormEps); err != nil {
		return r, err
	}
	if r.Conv2, err = newConv(p, name+".conv2", out, out, 3, 1, 1); err != nil {
		return r, err
	}
	if in != out {
		sc, err := newConv(p, name+".conv_shortcut", in, out, 1, 1, 0)
		if err != nil {
			return r, err
		}
		r.Shortcut = &sc
	}
	return r, nil
}

func (r *resnet) forward(x, temb *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := r.Norm1.Forward(x)
	if err != nil {
		return nil, err
	}
	if h, err = r.Conv1.forward(tensor.SiLU(h)); err != nil {
		return nil, err
	}
	t, err := r.TimeProj.forward(tensor.SiLU(temb))
	if err != nil {
		return nil, err
	}
	n, c, hw := h.Shape[0], h.Shape[1], h.Shape[2]*h.Shape[3]
	for b := range n {
		tb := b
		if t.Shape[0] == 1 {
			tb = 0
		}
		for ch := range c {
			tv := t.Data[tb*c+ch]
			plane := h.Data[(b*c+ch)*hw : (b*c+ch+1)*hw]
			for i := range plane {
				plane[i] += tv
			}
		}
	}
	if h, err = r.Norm2.Forward(h); err != nil {
		return nil, err
	}
	if h, err = r.Conv2.forward(tensor.SiLU(h)); err != nil {
		return nil, err
	}
	residual := x
	if r.Shortcut != nil {
		if residual, err = r.Shortcut.forward(x); err != nil {
			return nil, err
		}
	}
	return tensor.Add(h, residual)
}

func (r *resnet) walk(path string, fn walkFunc) {
	fn.norm(LayerRef{Path: path + ".norm1", Kind: KindGroupNorm}, &r.Norm1)
	fn.norm(LayerRef{Path: path + ".norm2", Kind: KindGroupNorm}, &r.Norm2)
}

// attention holds the q/k/v/out projections; the processor combines them.
type attention struct {
	Q, K, V   linear
	Out       linear
	Heads     int
	Processor AttentionProcessor
}

func newAttention(p tensor.ParamFunc, name string, dim, ctxDim, heads int) (attention, error) {
	var (
		a   = attention{Heads: heads, Processor: DefaultProcessor{}}
		err error
	)
	if a.Q, err = newLinear(p, name+".to_q", dim, dim, false); err != nil {
		return a, err
	}
	if a.K, err = newLinear(p, name+".to_k", ctxDim, dim, false); err != nil {
		return a, err
	}
	if a.V, err = newLinear(p, name+".to_v", ctxDim, dim, false); err != nil {
		return a, err
	}
	if a.Out, err = newLinear(p, name+".to_out.0", dim, dim, true); err != nil {
		return a, err
	}
	return a, nil
}

// forward attends x to context; a nil context means self-attention.
func (a *attention) forward(x, context *tensor.Tensor) (*tensor.Tensor, error) {
	if context == nil {
		context = x
	}
	if context.Shape[0] != x.Shape[0] {
		return nil, fmt.Errorf("attention: %w: %d rows attend to %d context rows", tensor.ErrShapeMismatch, x.Shape[0], context.Shape[0])
	}
	q, err := a.Q.forward(x)
	if err != nil {
		return nil, err
	}
	k, err := a.K.forward(context)
	if err != nil {
		return nil, err
	}
	v, err := a.V.forward(context)
	if err != nil {
		return nil, err
	}
	o, err := a.Processor.Attend(q, k, v, a.Heads)
	if err != nil {
		return nil, err
	}
	return a.Out.forward(o)
}

// basicBlock is BasicTransformerBlock: self-attention, cross-attention, GEGLU feed-forward.
type basicBlock struct {
	Norm1 Norm
	Attn1 attention
	Norm2 Norm
	Attn2 attention
	Norm3 Norm
	FF1   linear
	FF2   linear
}

func newBasicBlock(p tensor.ParamFunc, name string, dim, ctxDim, heads int) (basicBlock, error) {
	var (
		b   basicBlock
		err error
	)
	if b.Norm1, err = newLayerNorm(p, name+".norm1", dim); err != nil {
		return b, err
	}
	if b.Attn1, err = newAttention(p, name+".attn1", dim, dim, heads); err != nil {
		return b, err
	}
	if b.Norm2, err = newLayerNorm(p, name+".norm2", dim); err != nil {
		return b, err
	}
	if b.Attn2, err = newAttention(p, name+".attn2", dim, ctxDim, heads); err != nil {
		return b, err
	}
	if b.Norm3, err = newLayerNorm(p, name+".norm3", dim); err != nil {
		return b, err
	}
	if b.FF1, err = newLinear(p, name+".ff.net.0.proj", dim, dim*8, true); err != nil {
		return b, err
	}
	if b.FF2, err = newLinear(p, name+".ff.net.2", dim*4, dim, true); err != nil {
		return b, err
	}
	return b, nil
}

func (b *basicBlock) forward(x, cond *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := b.Norm1.Forward(x)
	if err != nil {
		return nil, err
	}
	if h, err = b.Attn1.forward(h, nil); err != nil {
		return nil, err
	}
	if x, err = tensor.Add(x, h); err != nil {
		return nil, err
	}
	if h, err = b.Norm2.Forward(x); err != nil {
		return nil, err
	}
	if h, err = b.Attn2.forward(h, cond); err != nil {
		return nil, err
	}
	if x, err = tensor.Add(x, h); err != nil {
		return nil, err
	}
	if h, err = b.Norm3.Forward(x); err != nil {
		return nil, err
	}
	if h, err = b.FF1.forward(h); err != nil {
		return nil, err
	}
	if h, err = tensor.GEGLU(h); err != nil {
		return nil, err
	}
	if h, err = b.FF2.forward(h); err != nil {
		return nil, err
	}
	return tensor.Add(x, h)
}

func (b *basicBlock) walk(path string, fn walkFunc) {
	fn.norm(LayerRef{Path: path + ".norm1", Kind: KindLayerNorm}, &b.Norm1)
	fn.attention(LayerRef{Path: path + ".attn1.processor", Kind: KindSelfAttention}, &b.Attn1.Processor)
	fn.norm(LayerRef{Path: path + ".norm2", Kind: KindLayerNorm}, &b.Norm2)
	fn.attention(LayerRef{Path: path + ".attn2.processor", Kind: KindCrossAttention}, &b.Attn2.Processor)
	fn.norm(LayerRef{Path: path + ".norm3", Kind: KindLayerNorm}, &b.Norm3)
}

// transformer is Transformer2DModel with a single BasicTransformerBlock.
type transformer struct {
	Norm    Norm
	ProjIn  linear
	ProjOut linear
	Blocks  []basicBlock
}

func newTransformer(p tensor.ParamFunc, name string, ch, heads int, cfg Config) (transformer, error) {
	var (
		t   transformer
		err error
	)
	if t.Norm, err = newGroupNorm(p, name+".norm", ch, cfg.NormNumGroups, 1e-6); err != nil {
		return t, err
	}
	// 1x1 conv projections (use_linear_projection=false) are loaded as linear
	// layers; tensor.FromSource squeezes the trailing kernel axes.
	if t.ProjIn, err = newLinear(p, name+".proj_in", ch, ch, true); err != nil {
		return t, err
	}
	blk, err := newBasicBlock(p, name+".transformer_blocks.0", ch, cfg.CrossAttentionDim, heads)
	if err != nil {
		return t, err
	}
	t.Blocks = []basicBlock{blk}
	if t.ProjOut, err = newLinear(p, name+".proj_out", ch, ch, true); err != nil {
		return t, err
	}
	return t, nil
}

func (t *transformer) forward(x, cond *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := t.Norm.Forward(x)
	if err != nil {
		return nil, err
	}
	seq, err := tensor.ToSequence(h)
	if err != nil {
		return nil, err
	}
	if seq, err = t.ProjIn.forward(seq); err != nil {
		return nil, err
	}
	for i := range t.Blocks {
		if seq, err = t.Blocks[i].forward(seq, cond); err != nil {
			return nil, err
		}
	}
	if seq, err = t.ProjOut.forward(seq); err != nil {
		return nil, err
	}
	out, err := tensor.FromSequence(seq, x.Shape[2], x.Shape[3])
	if err != nil {
		return nil, err
	}
	return tensor.Add(out, x)
}

func (t *transformer) walk(path string, fn walkFunc) {
	fn.norm(LayerRef{Path: path + ".norm", Kind: KindGroupNorm}, &t.Norm)
	for i := range t.Blocks {
		t.Blocks[i].walk(fmt.Sprintf("%s.transformer_blocks.%d", path, i), fn)
	}
}

func (t transformer) clone() transformer {
	t.Blocks = append([]basicBlock(nil), t.Blocks...)
	return t
}

// timestepEmbedding is the diffusers Timesteps projection.
func timestepEmbedding(timestep float64, dim int, flip bool, shift int) *tensor.Tensor {
	half := dim / 2
	emb := tensor.New(1, dim)
	exponentDen := float64(half - shift)
	for i := range half {
		freq := math.Exp(-math.Log(10000) * float64(i) / exponentDen)
		angle := timestep * freq
		sin, cos := float32(math.Sin(angle)), float32(math.Cos(angle))
		if flip {
			emb.Data[i], emb.Data[half+i] = cos, sin
		} else {
			emb.Data[i], emb.Data[half+i] = sin, cos
		}
	}
	return emb
}
