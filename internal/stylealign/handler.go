// Package stylealign shares style across a batch by restyling normalization
// outputs with AdaIN and letting self-attention see the reference row.
package stylealign

import (
	"errors"
	"fmt"

	"github.com/samcharles93/stylus/internal/unet"
)

// ErrState is matched by every StateError.
var ErrState = errors.New("invalid handler state")

// State is the Handler lifecycle state.
type State uint8

const (
	Pristine State = iota
	Patched
)

func (s State) String() string {
	if s == Patched {
		return "patched"
	}
	return "pristine"
}

// StateError reports an operation attempted in the wrong state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("stylealign: %s: handler is %s", e.Op, e.State)
}

func (e *StateError) Unwrap() error { return ErrState }

// Handler switches a UNet between its pristine stages and a style-shared
// rewiring. The pristine UNet is never modified.
//
// A Handler is not safe for concurrent use.
type Handler struct {
	pristine *unet.UNet
	patched  *unet.UNet
	layers   []unet.LayerRef
}

// NewHandler returns a pristine handler for model.
func NewHandler(model *unet.UNet) *Handler {
	return &Handler{pristine: model}
}

// Register builds the style-shared model. It fails with a StateError when the
// handler is already patched. Args that select no layer leave the handler
// pristine.
func (h *Handler) Register(args Args) error {
	if h.patched != nil {
		return &StateError{Op: "register", State: Patched}
	}
	selfLayers := 0
	for _, ref := range h.pristine.Layers() {
		if ref.Kind == unet.KindSelfAttention {
			selfLayers++
		}
	}
	r := &rewirer{args: args, keep: switchVec(selfLayers, args.OnlySelfLevel)}
	patched := h.pristine.Rewire(r)
	if len(r.patched) == 0 {
		return nil
	}
	h.patched = patched
	h.layers = r.patched
	return nil
}

// Remove drops the style-shared model. Removing from a pristine handler does
// nothing.
func (h *Handler) Remove() {
	h.patched = nil
	h.layers = nil
}

// Model returns the UNet to run: the patched one while registered.
func (h *Handler) Model() *unet.UNet {
	if h.patched != nil {
		return h.patched
	}
	return h.pristine
}

func (h *Handler) State() State {
	if h.patched != nil {
		return Patched
	}
	return Pristine
}

// Patched lists the slots replaced by the last Register.
func (h *Handler) Patched() []unet.LayerRef {
	return append([]unet.LayerRef(nil), h.layers...)
}

type rewirer struct {
	args    Args
	keep    []bool
	self    int
	patched []unet.LayerRef
}

func (r *rewirer) RewireNorm(ref unet.LayerRef, n unet.Norm) unet.Norm {
	switch {
	case ref.Kind == unet.KindGroupNorm && r.args.ShareGroupNorm,
		ref.Kind == unet.KindLayerNorm && r.args.ShareLayerNorm:
		r.patched = append(r.patched, ref)
		return SharedNorm{Inner: n}
	}
	return n
}

func (r *rewirer) RewireAttention(ref unet.LayerRef, p unet.AttentionProcessor) unet.AttentionProcessor {
	if ref.Kind != unet.KindSelfAttention || !r.args.ShareAttention {
		return p
	}
	i := r.self
	r.self++
	if r.keep[i] {
		return p
	}
	r.patched = append(r.patched, ref)
	return SharedAttention{Args: r.args}
}

// switchVec marks which of n self-attention stages keep the default
// processor: none at level 0, all at level 1, evenly spaced in between.
func switchVec(n int, level float32) []bool {
	vec := make([]bool, n)
	switch {
	case level <= 0:
		return vec
	case level >= 1:
		for i := range vec {
			vec[i] = true
		}
		return vec
	}
	flip := level > 0.5
	if flip {
		level = 1 - level
	}
	if count := int(level * float32(n)); count > 0 {
		stride := n / count
		for i := range vec {
			vec[i] = i%stride == 0
		}
	}
	if flip {
		for i := range vec {
			vec[i] = !vec[i]
		}
	}
	return vec
}
