package diffusion

import (
	"context"
	"fmt"

	"github.com/samcharles93/stylus/internal/logger"
	"github.com/samcharles93/stylus/internal/tensor"
)

// SampleRequest describes DDIM text-to-image sampling in latent space.
type SampleRequest struct {
	Prompts        []string
	NegativePrompt string
	Steps          int
	GuidanceScale  float32
	Seed           int64
	// Latent geometry: channels and spatial size.
	Channels, Height, Width int
	// Latents, when set, replaces the seeded starting noise [B, C, h, w].
	Latents *tensor.Tensor
}

// Sample denoises a batch of seeded Gaussian latents, one per prompt.
//
// The noise predictor always sees the batch [uncond..., cond...], so the rows
// at 0 and B/2 are the unconditional and conditional passes of the first
// prompt. Shared attention and AdaIN use those rows as style references.
func Sample(ctx context.Context, deps Deps, req SampleRequest) (*tensor.Tensor, error) {
	n := len(req.Prompts)
	if n == 0 {
		return nil, ErrNoPrompts
	}
	if req.Steps < 1 {
		return nil, fmt.Errorf("%w: %d steps", ErrStepBudget, req.Steps)
	}
	log := logger.FromContext(ctx)

	latents := req.Latents
	if latents == nil {
		if req.Channels < 1 || req.Height < 1 || req.Width < 1 {
			return nil, fmt.Errorf("sample: %w: latent geometry %dx%dx%d", tensor.ErrShapeMismatch, req.Channels, req.Height, req.Width)
		}
		latents = tensor.Randn(req.Seed, n, req.Channels, req.Height, req.Width)
	} else if latents.Rank() != 4 || latents.Shape[0] != n {
		return nil, fmt.Errorf("sample: %w: latents %v for %d prompts", tensor.ErrShapeMismatch, latents.Shape, n)
	} else {
		latents = latents.Clone()
	}
	latents.Round(deps.DType)

	texts := make([]string, 0, 2*n)
	for range n {
		texts = append(texts, req.NegativePrompt)
	}
	texts = append(texts, req.Prompts...)
	cond, err := deps.Text.EncodePrompts(texts)
	if err != nil {
		return nil, fmt.Errorf("encode prompts: %w", err)
	}

	if err := deps.Scheduler.SetTimesteps(req.Steps); err != nil {
		return nil, err
	}
	timesteps := deps.Scheduler.Timesteps()
	log.Info("sampling", "prompts", n, "steps", len(timesteps), "guidance", req.GuidanceScale)
	for i, t := range timesteps {
		noise, err := guided(deps.UNet, latents, t, cond, req.GuidanceScale)
		if err != nil {
			return nil, fmt.Errorf("step %d timestep %d: %w", i, t, err)
		}
		if latents, err = deps.Scheduler.Step(noise, t, latents); err != nil {
			return nil, fmt.Errorf("step %d timestep %d: %w", i, t, err)
		}
		latents.Round(deps.DType)
		log.Debug("sample step", "step", i+1, "timestep", t)
	}
	return latents, nil
}
