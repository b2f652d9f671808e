package vae

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"
)

// Config mirrors a diffusers AutoencoderKL config.json.
type Config struct {
	InChannels       int     `json:"in_channels"`
	OutChannels      int     `json:"out_channels"`
	BlockOutChannels []int   `json:"block_out_channels"`
	LayersPerBlock   int     `json:"layers_per_block"`
	LatentChannels   int     `json:"latent_channels"`
	NormNumGroups    int     `json:"norm_num_groups"`
	SampleSize       int     `json:"sample_size"`
	ScalingFactor    float32 `json:"scaling_factor"`
}

// DefaultConfig is the Stable Diffusion 1.x autoencoder.
func DefaultConfig() Config {
	return Config{
		InChannels:       3,
		OutChannels:      3,
		BlockOutChannels: []int{128, 256, 512, 512},
		LayersPerBlock:   2,
		LatentChannels:   4,
		NormNumGroups:    32,
		SampleSize:       512,
		ScalingFactor:    0.18215,
	}
}

// LoadConfig reads config.json; absent keys keep the defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case len(c.BlockOutChannels) == 0:
		return fmt.Errorf("vae config: block_out_channels is empty")
	case c.LayersPerBlock < 1:
		return fmt.Errorf("vae config: layers_per_block must be positive")
	case c.NormNumGroups < 1:
		return fmt.Errorf("vae config: norm_num_groups must be positive")
	case c.LatentChannels < 1 || c.InChannels < 1 || c.OutChannels < 1:
		return fmt.Errorf("vae config: channel counts must be positive")
	}
	for i, ch := range c.BlockOutChannels {
		if ch%c.NormNumGroups != 0 {
			return fmt.Errorf("vae config: block %d has %d channels, not divisible by %d groups", i, ch, c.NormNumGroups)
		}
	}
	return nil
}

// DownFactor is the spatial reduction between pixels and latents.
func (c Config) DownFactor() int { return 1 << (len(c.BlockOutChannels) - 1) }
