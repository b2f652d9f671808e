package unet

import (
	"github.com/samcharles93/stylus/internal/tensor"
)

// LayerKind classifies a swappable stage.
type LayerKind uint8

const (
	KindGroupNorm LayerKind = iota
	KindLayerNorm
	KindSelfAttention
	KindCrossAttention
)

func (k LayerKind) String() string {
	switch k {
	case KindGroupNorm:
		return "group_norm"
	case KindLayerNorm:
		return "layer_norm"
	case KindSelfAttention:
		return "self_attention"
	case KindCrossAttention:
		return "cross_attention"
	default:
		return "unknown"
	}
}

// LayerRef names one stage slot, using diffusers module paths.
type LayerRef struct {
	Path string
	Kind LayerKind
}

// Norm is a normalization stage. Group norms receive [B, C, H, W]; layer
// norms receive [B, N, C].
type Norm interface {
	Forward(x *tensor.Tensor) (*tensor.Tensor, error)
}

// AttentionProcessor combines projected queries, keys and values.
// q: [B, Nq, C], k and v: [B, Nk, C].
type AttentionProcessor interface {
	Attend(q, k, v *tensor.Tensor, heads int) (*tensor.Tensor, error)
}

// Rewirer chooses the stage installed in each slot when a UNet is rewired.
// Returning the argument unchanged keeps the default stage.
type Rewirer interface {
	RewireNorm(ref LayerRef, n Norm) Norm
	RewireAttention(ref LayerRef, p AttentionProcessor) AttentionProcessor
}

// GroupNorm is the default group normalization stage.
type GroupNorm struct {
	Weight, Bias *tensor.Tensor
	Groups       int
	Eps          float32
}

func (g *GroupNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.GroupNorm(x, g.Weight, g.Bias, g.Groups, g.Eps)
}

// LayerNorm is the default layer normalization stage.
type LayerNorm struct {
	Weight, Bias *tensor.Tensor
	Eps          float32
}

func (l *LayerNorm) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.LayerNorm(x, l.Weight, l.Bias, l.Eps)
}

// DefaultProcessor computes attention independently for every batch row.
type DefaultProcessor struct{}

func (DefaultProcessor) Attend(q, k, v *tensor.Tensor, heads int) (*tensor.Tensor, error) {
	return tensor.ScaledDotProduct(q, k, v, heads, tensor.AttentionOptions{})
}
