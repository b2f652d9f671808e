package pipeline

import (
	"fmt"
	"os"
	"path/filepath"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/stylus/internal/safetensors"
	"github.com/samcharles93/stylus/internal/scheduler"
	"github.com/samcharles93/stylus/internal/tensor"
	"github.com/samcharles93/stylus/internal/textenc"
	"github.com/samcharles93/stylus/internal/unet"
	"github.com/samcharles93/stylus/internal/vae"
)

// Configs are the component configurations of a model directory.
type Configs struct {
	UNet      unet.Config
	VAE       vae.Config
	Text      textenc.Config
	Scheduler scheduler.Config
}

// TinyConfigs is a small but complete model for smoke tests. Its tokenizer
// covers every byte, so any prompt encodes.
func TinyConfigs() Configs {
	mid := "UNetMidBlock2DCrossAttn"
	return Configs{
		UNet: unet.Config{
			InChannels:        4,
			OutChannels:       4,
			BlockOutChannels:  []int{32, 64},
			LayersPerBlock:    1,
			DownBlockTypes:    []string{"CrossAttnDownBlock2D", "DownBlock2D"},
			UpBlockTypes:      []string{"UpBlock2D", "CrossAttnUpBlock2D"},
			MidBlockType:      &mid,
			AttentionHeadDim:  unet.IntList{2},
			CrossAttentionDim: 32,
			NormNumGroups:     8,
			NormEps:           1e-5,
			SampleSize:        8,
		},
		VAE: vae.Config{
			InChannels:       3,
			OutChannels:      3,
			BlockOutChannels: []int{16, 32},
			LayersPerBlock:   1,
			LatentChannels:   4,
			NormNumGroups:    8,
			SampleSize:       16,
			ScalingFactor:    0.18215,
		},
		Text: textenc.Config{
			VocabSize:             2 + 2*256,
			HiddenSize:            32,
			IntermediateSize:      64,
			NumHiddenLayers:       2,
			NumAttentionHeads:     2,
			MaxPositionEmbeddings: 16,
			LayerNormEps:          1e-5,
			HiddenAct:             "quick_gelu",
		},
		Scheduler: scheduler.DefaultConfig(),
	}
}

// WriteRandom lays out a diffusers model directory at dir with seeded random
// weights stored in dtype.
func WriteRandom(dir string, cfgs Configs, seed int64, dtype tensor.DType) error {
	component := func(name, config, weights string, cfg any, build func(tensor.ParamFunc) error) error {
		sub := filepath.Join(dir, name)
		if err := os.MkdirAll(sub, 0o755); err != nil {
			return err
		}
		if err := writeJSON(filepath.Join(sub, config), cfg); err != nil {
			return err
		}
		if build == nil {
			return nil
		}
		rec := tensor.NewRecorder(tensor.RandomParams(seed, 0.05))
		if err := build(rec.Param); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return safetensors.Write(filepath.Join(sub, weights), rec.Seen, dtype, map[string]string{"format": "pt"})
	}

	if err := component("unet", "config.json", "diffusion_pytorch_model.safetensors", cfgs.UNet, func(p tensor.ParamFunc) error {
		_, err := unet.Build(cfgs.UNet, p)
		return err
	}); err != nil {
		return err
	}
	if err := component("vae", "config.json", "diffusion_pytorch_model.safetensors", cfgs.VAE, func(p tensor.ParamFunc) error {
		_, err := vae.Build(cfgs.VAE, p)
		return err
	}); err != nil {
		return err
	}
	if err := component("text_encoder", "config.json", "model.safetensors", cfgs.Text, func(p tensor.ParamFunc) error {
		_, err := textenc.Build(cfgs.Text, p)
		return err
	}); err != nil {
		return err
	}
	if err := component("scheduler", "scheduler_config.json", "", cfgs.Scheduler, nil); err != nil {
		return err
	}
	return writeByteTokenizer(filepath.Join(dir, "tokenizer"))
}

// writeByteTokenizer writes a merge-free vocabulary of every byte symbol,
// with and without the end-of-word marker.
func writeByteTokenizer(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	vocab := map[string]int{"<|startoftext|>": 0, "<|endoftext|>": 1}
	for _, sym := range textenc.ByteSymbols() {
		vocab[sym] = len(vocab)
		vocab[sym+"</w>"] = len(vocab)
	}
	if err := writeJSON(filepath.Join(dir, "vocab.json"), vocab); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "merges.txt"), []byte("#version: 0.2\n"), 0o644)
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
