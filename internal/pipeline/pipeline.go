// Package pipeline assembles a Stable Diffusion model directory into
// style-aligned generation and multi-stage blending.
package pipeline

import (
	"context"
	"fmt"

	"github.com/samcharles93/stylus/internal/diffusion"
	"github.com/samcharles93/stylus/internal/logger"
	"github.com/samcharles93/stylus/internal/scheduler"
	"github.com/samcharles93/stylus/internal/stylealign"
	"github.com/samcharles93/stylus/internal/tensor"
	"github.com/samcharles93/stylus/internal/textenc"
	"github.com/samcharles93/stylus/internal/unet"
	"github.com/samcharles93/stylus/internal/vae"
)

// Components are the models a Pipeline drives.
type Components struct {
	UNet      *unet.UNet
	VAE       *vae.Model
	Text      *textenc.Encoder
	Scheduler *scheduler.DDIM
}

// Pipeline is not safe for concurrent use.
type Pipeline struct {
	unet      *unet.UNet
	handler   *stylealign.Handler
	vae       *vae.Model
	text      *textenc.Encoder
	scheduler *scheduler.DDIM
	dtype     tensor.DType
	dir       string
}

// New checks that the components fit together.
func New(c Components, dtype tensor.DType) (*Pipeline, error) {
	if c.UNet == nil || c.VAE == nil || c.Text == nil || c.Scheduler == nil {
		return nil, fmt.Errorf("pipeline: missing component")
	}
	ucfg, vcfg, tcfg := c.UNet.Config(), c.VAE.Config(), c.Text.Model.Config()
	if ucfg.InChannels != vcfg.LatentChannels || ucfg.OutChannels != vcfg.LatentChannels {
		return nil, fmt.Errorf("pipeline: %w: unet channels %d/%d, vae latent channels %d",
			tensor.ErrShapeMismatch, ucfg.InChannels, ucfg.OutChannels, vcfg.LatentChannels)
	}
	if ucfg.CrossAttentionDim != tcfg.HiddenSize {
		return nil, fmt.Errorf("pipeline: %w: unet cross attention dim %d, text hidden size %d",
			tensor.ErrShapeMismatch, ucfg.CrossAttentionDim, tcfg.HiddenSize)
	}
	c.VAE.SetDType(dtype)
	return &Pipeline{
		unet:      c.UNet,
		handler:   stylealign.NewHandler(c.UNet),
		vae:       c.VAE,
		text:      c.Text,
		scheduler: c.Scheduler,
		dtype:     dtype,
	}, nil
}

// Dir is the directory the pipeline was loaded from, if any.
func (p *Pipeline) Dir() string { return p.dir }

func (p *Pipeline) DType() tensor.DType { return p.dtype }

// Resolution is the default image size in pixels.
func (p *Pipeline) Resolution() int {
	size := p.unet.Config().SampleSize
	if size < 1 {
		size = 64
	}
	return size * p.vae.Config().DownFactor()
}

// DownFactor is the ratio of pixel to latent size.
func (p *Pipeline) DownFactor() int { return p.vae.Config().DownFactor() }

// Deps wires the current models into the denoising loops. The UNet is the
// handler's, so it is the style-shared one while registered.
func (p *Pipeline) Deps() diffusion.Deps {
	return diffusion.Deps{
		Encoder:   p.vae,
		UNet:      p.handler.Model(),
		Scheduler: p.scheduler,
		Text:      p.text,
		DType:     p.dtype,
	}
}

// AlignRequest describes style-aligned text-to-image generation. The first
// prompt is the style reference.
type AlignRequest struct {
	Prompts        []string
	NegativePrompt string
	Steps          int
	GuidanceScale  float32
	Seed           int64
	// Height and Width default to Resolution.
	Height, Width int
	Style         stylealign.Args
}

// Align generates one image per prompt with the style stages registered for
// the duration of the call. It returns [H, W, 3] pixel arrays.
func (p *Pipeline) Align(ctx context.Context, req AlignRequest) ([]*tensor.Tensor, error) {
	h, w, err := p.latentSize(req.Height, req.Width)
	if err != nil {
		return nil, err
	}
	if err := p.handler.Register(req.Style); err != nil {
		return nil, err
	}
	defer p.handler.Remove()
	logger.FromContext(ctx).Debug("style stages registered", "layers", len(p.handler.Patched()))

	latents, err := diffusion.Sample(ctx, p.Deps(), diffusion.SampleRequest{
		Prompts:        req.Prompts,
		NegativePrompt: req.NegativePrompt,
		Steps:          req.Steps,
		GuidanceScale:  req.GuidanceScale,
		Seed:           req.Seed,
		Channels:       p.unet.Config().InChannels,
		Height:         h,
		Width:          w,
	})
	if err != nil {
		return nil, err
	}
	return p.decode(latents)
}

// Blend runs multi-stage blending over [H, W, 3] reference images and returns
// the decoded result.
func (p *Pipeline) Blend(ctx context.Context, req diffusion.BlendRequest) (*tensor.Tensor, error) {
	latent, err := diffusion.MultiStage(ctx, p.Deps(), req)
	if err != nil {
		return nil, err
	}
	images, err := p.decode(latent)
	if err != nil {
		return nil, err
	}
	return images[0], nil
}

func (p *Pipeline) decode(latents *tensor.Tensor) ([]*tensor.Tensor, error) {
	img, err := p.vae.Decode(latents)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return vae.ToPixels(img)
}

func (p *Pipeline) latentSize(height, width int) (int, int, error) {
	if height == 0 {
		height = p.Resolution()
	}
	if width == 0 {
		width = p.Resolution()
	}
	f := p.DownFactor()
	if height < 0 || width < 0 || height%f != 0 || width%f != 0 {
		return 0, 0, fmt.Errorf("%w: %dx%d is not a multiple of %d", tensor.ErrShapeMismatch, width, height, f)
	}
	return height / f, width / f, nil
}

// Info summarises a loaded pipeline.
type Info struct {
	Dir        string   `json:"dir,omitempty"`
	DType      string   `json:"dtype"`
	Resolution int      `json:"resolution"`
	UNetBlocks []int    `json:"unet_blocks"`
	TextHidden int      `json:"text_hidden"`
	Timesteps  int      `json:"train_timesteps"`
	Layers     []string `json:"shareable_layers,omitempty"`
}

// Describe reports the pipeline geometry; verbose adds every shareable layer.
func (p *Pipeline) Describe(verbose bool) Info {
	info := Info{
		Dir:        p.dir,
		DType:      p.dtype.String(),
		Resolution: p.Resolution(),
		UNetBlocks: p.unet.Config().BlockOutChannels,
		TextHidden: p.text.Model.Config().HiddenSize,
		Timesteps:  p.scheduler.Config().NumTrainTimesteps,
	}
	if verbose {
		for _, ref := range p.unet.Layers() {
			info.Layers = append(info.Layers, ref.Kind.String()+" "+ref.Path)
		}
	}
	return info
}
