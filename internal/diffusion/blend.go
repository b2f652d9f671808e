package diffusion

import (
	"context"
	"fmt"

	"github.com/samcharles93/stylus/internal/logger"
	"github.com/samcharles93/stylus/internal/tensor"
)

// BlendRequest describes a multi-stage blend. Images, Weights and Prompts are
// parallel; Weights[0] and Prompts[0] belong to the starting image and are
// not used by the loop.
type BlendRequest struct {
	Images        []*tensor.Tensor
	Weights       []float32
	Prompts       []string
	Steps         int
	GuidanceScale float32
}

// Validate checks the request without touching any model.
func (r BlendRequest) Validate() error {
	n := len(r.Images)
	if len(r.Weights) != n || len(r.Prompts) != n {
		return fmt.Errorf("%w: %d images, %d weights, %d prompts", ErrLengthMismatch, n, len(r.Weights), len(r.Prompts))
	}
	if n == 0 {
		return ErrNoImages
	}
	if r.Steps < max(1, n-1) {
		return fmt.Errorf("%w: %d steps for %d stages", ErrStepBudget, r.Steps, n-1)
	}
	return nil
}

// MultiStage encodes every reference image, starts from the first latent and
// folds in reference i = 1..N-1 one stage at a time. Each stage walks its own
// consecutive share of the DDIM schedule conditioned on prompt i and blends
// every predicted latent into the running one with weight Weights[i].
//
// There is no cancellation; ctx only carries the logger.
func MultiStage(ctx context.Context, deps Deps, req BlendRequest) (*tensor.Tensor, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx)

	latents := make([]*tensor.Tensor, len(req.Images))
	for i, img := range req.Images {
		lat, err := deps.Encoder.EncodeImage(img)
		if err != nil {
			return nil, fmt.Errorf("encode image %d: %w", i, err)
		}
		latents[i] = lat.Round(deps.DType)
	}
	for i, lat := range latents[1:] {
		if !lat.SameShape(latents[0]) {
			return nil, fmt.Errorf("image %d: %w: latent %v, first latent %v", i+1, tensor.ErrShapeMismatch, lat.Shape, latents[0].Shape)
		}
	}

	running := latents[0].Clone()
	stages := len(latents) - 1
	if stages == 0 {
		return running, nil
	}
	if err := deps.Scheduler.SetTimesteps(req.Steps); err != nil {
		return nil, err
	}
	timesteps := deps.Scheduler.Timesteps()
	budget := req.Steps / stages
	useCFG := req.GuidanceScale > 1

	for i := 1; i <= stages; i++ {
		w := req.Weights[i]
		prompts := []string{req.Prompts[i]}
		if useCFG {
			prompts = []string{"", req.Prompts[i]}
		}
		cond, err := deps.Text.EncodePrompts(prompts)
		if err != nil {
			return nil, fmt.Errorf("stage %d: encode prompt: %w", i, err)
		}
		log.Info("blend stage", "stage", i, "of", stages, "weight", w, "steps", budget)

		for _, t := range timesteps[(i-1)*budget : i*budget] {
			var noise *tensor.Tensor
			if useCFG {
				noise, err = guided(deps.UNet, running, t, cond, req.GuidanceScale)
			} else {
				noise, err = deps.UNet.PredictNoise(running, float64(t), cond)
			}
			if err != nil {
				return nil, fmt.Errorf("stage %d timestep %d: %w", i, t, err)
			}
			pred, err := deps.Scheduler.Step(noise, t, running)
			if err != nil {
				return nil, fmt.Errorf("stage %d timestep %d: %w", i, t, err)
			}
			if running, err = tensor.Lerp(running, pred, w); err != nil {
				return nil, err
			}
			running.Round(deps.DType)
			log.Debug("blend step", "stage", i, "timestep", t)
		}
	}
	return running, nil
}
