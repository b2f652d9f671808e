// Package diffusion drives the denoising loop: DDIM sampling from noise and
// multi-stage blending of encoded reference images.
package diffusion

import (
	"errors"

	"github.com/samcharles93/stylus/internal/tensor"
)

var (
	ErrLengthMismatch = errors.New("weights, prompts and images differ in length")
	ErrNoImages       = errors.New("no reference images")
	ErrStepBudget     = errors.New("step budget too small")
	ErrNoPrompts      = errors.New("no prompts")
)

// Encoder maps an [H, W, 3] pixel array to a latent [1, C, h, w].
type Encoder interface {
	EncodeImage(img *tensor.Tensor) (*tensor.Tensor, error)
}

// NoisePredictor predicts the noise in latent at timestep t given text
// conditioning with the same batch size.
type NoisePredictor interface {
	PredictNoise(latent *tensor.Tensor, t float64, cond *tensor.Tensor) (*tensor.Tensor, error)
}

// Scheduler is a deterministic noise schedule.
type Scheduler interface {
	SetTimesteps(n int) error
	Timesteps() []int
	Step(noise *tensor.Tensor, t int, sample *tensor.Tensor) (*tensor.Tensor, error)
}

// TextEncoder embeds prompts into conditioning [B, T, D].
type TextEncoder interface {
	EncodePrompts(prompts []string) (*tensor.Tensor, error)
}

// Deps are the collaborators of the denoising loops.
type Deps struct {
	Encoder   Encoder
	UNet      NoisePredictor
	Scheduler Scheduler
	Text      TextEncoder
	// DType is the working precision of latents between steps.
	DType tensor.DType
}

// guided runs the noise predictor on a [uncond..., cond...] batch built from
// latent and combines the halves with classifier-free guidance.
func guided(unet NoisePredictor, latent *tensor.Tensor, t int, cond *tensor.Tensor, scale float32) (*tensor.Tensor, error) {
	in, err := tensor.Stack(latent, latent)
	if err != nil {
		return nil, err
	}
	noise, err := unet.PredictNoise(in, float64(t), cond)
	if err != nil {
		return nil, err
	}
	n := latent.Shape[0]
	uncond, text := noise.Batch(0, n), noise.Batch(n, 2*n)
	out := tensor.New(latent.Shape...)
	for i := range out.Data {
		u := uncond.Data[i]
		out.Data[i] = u + scale*(text.Data[i]-u)
	}
	return out, nil
}
