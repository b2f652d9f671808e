package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samcharles93/stylus/internal/logger"
	"github.com/samcharles93/stylus/internal/safetensors"
	"github.com/samcharles93/stylus/internal/scheduler"
	"github.com/samcharles93/stylus/internal/tensor"
	"github.com/samcharles93/stylus/internal/textenc"
	"github.com/samcharles93/stylus/internal/unet"
	"github.com/samcharles93/stylus/internal/vae"
)

// Loader reads a diffusers model directory.
type Loader struct {
	// Variant selects weight files such as diffusion_pytorch_model.fp16.safetensors.
	Variant string
	// DType is the working precision of latents and the autoencoder.
	DType tensor.DType
}

func (l Loader) Load(ctx context.Context, dir string) (*Pipeline, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("model directory is required")
	}
	log := logger.FromContext(ctx).With("model", dir)

	ucfg, err := unet.LoadConfig(filepath.Join(dir, "unet", "config.json"))
	if err != nil {
		return nil, fmt.Errorf("unet config: %w", err)
	}
	vcfg, err := vae.LoadConfig(filepath.Join(dir, "vae", "config.json"))
	if err != nil {
		return nil, fmt.Errorf("vae config: %w", err)
	}
	tcfg, err := textenc.LoadConfig(filepath.Join(dir, "text_encoder", "config.json"))
	if err != nil {
		return nil, fmt.Errorf("text encoder config: %w", err)
	}
	scfg, err := scheduler.LoadConfig(filepath.Join(dir, "scheduler", "scheduler_config.json"))
	if err != nil {
		return nil, fmt.Errorf("scheduler config: %w", err)
	}

	var u *unet.UNet
	err = l.withWeights(filepath.Join(dir, "unet"), "diffusion_pytorch_model", func(src tensor.Source) (err error) {
		u, err = unet.Load(src, ucfg)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load unet: %w", err)
	}
	log.Debug("loaded unet", "blocks", ucfg.BlockOutChannels, "layers", len(u.Layers()))

	var v *vae.Model
	err = l.withWeights(filepath.Join(dir, "vae"), "diffusion_pytorch_model", func(src tensor.Source) (err error) {
		v, err = vae.Load(src, vcfg)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load vae: %w", err)
	}

	var text *textenc.Model
	err = l.withWeights(filepath.Join(dir, "text_encoder"), "model", func(src tensor.Source) (err error) {
		text, err = textenc.Load(src, tcfg)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load text encoder: %w", err)
	}
	tok, err := textenc.LoadTokenizer(filepath.Join(dir, "tokenizer"), tcfg.MaxPositionEmbeddings)
	if err != nil {
		return nil, fmt.Errorf("load tokenizer: %w", err)
	}
	sched, err := scheduler.New(scfg)
	if err != nil {
		return nil, err
	}

	p, err := New(Components{
		UNet:      u,
		VAE:       v,
		Text:      &textenc.Encoder{Tokenizer: tok, Model: text},
		Scheduler: sched,
	}, l.DType)
	if err != nil {
		return nil, err
	}
	p.dir = dir
	log.Info("pipeline loaded", "dtype", l.DType, "resolution", p.Resolution())
	return p, nil
}

// withWeights opens the weights of one component and closes them once fn
// has copied what it needs.
func (l Loader) withWeights(dir, base string, fn func(tensor.Source) error) error {
	path := dir
	for _, cand := range l.weightNames(base) {
		if _, err := os.Stat(filepath.Join(dir, cand)); err == nil {
			path = filepath.Join(dir, cand)
			break
		}
	}
	m, err := safetensors.OpenModel(path)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	return fn(m)
}

func (l Loader) weightNames(base string) []string {
	if l.Variant == "" {
		return []string{base + ".safetensors"}
	}
	return []string{base + "." + l.Variant + ".safetensors", base + ".safetensors"}
}
