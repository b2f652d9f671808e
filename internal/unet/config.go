package unet

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"
)

// Config mirrors the subset of a diffusers UNet2DConditionModel config.json
// this package understands.
type Config struct {
	InChannels          int      `json:"in_channels"`
	OutChannels         int      `json:"out_channels"`
	BlockOutChannels    []int    `json:"block_out_channels"`
	LayersPerBlock      int      `json:"layers_per_block"`
	DownBlockTypes      []string `json:"down_block_types"`
	UpBlockTypes        []string `json:"up_block_types"`
	MidBlockType        *string  `json:"mid_block_type"`
	AttentionHeadDim    IntList  `json:"attention_head_dim"`
	CrossAttentionDim   int      `json:"cross_attention_dim"`
	NormNumGroups       int      `json:"norm_num_groups"`
	NormEps             float32  `json:"norm_eps"`
	UseLinearProjection bool     `json:"use_linear_projection"`
	SampleSize          int      `json:"sample_size"`
	FlipSinToCos        *bool    `json:"flip_sin_to_cos"`
	FreqShift           int      `json:"freq_shift"`
}

// IntList decodes either a single integer or a list of integers.
type IntList []int

func (l *IntList) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		*l = IntList{n}
		return nil
	}
	var list []int
	if err := json.Unmarshal(b, &list); err != nil {
		return fmt.Errorf("attention_head_dim: %w", err)
	}
	*l = list
	return nil
}

// At returns element i, repeating a single value for every block.
func (l IntList) At(i int) int {
	if len(l) == 0 {
		return 8
	}
	if len(l) == 1 {
		return l[0]
	}
	return l[i]
}

// DefaultConfig is the Stable Diffusion 1.x UNet.
func DefaultConfig() Config {
	mid := "UNetMidBlock2DCrossAttn"
	return Config{
		InChannels:        4,
		OutChannels:       4,
		BlockOutChannels:  []int{320, 640, 1280, 1280},
		LayersPerBlock:    2,
		DownBlockTypes:    []string{crossAttnDown, crossAttnDown, crossAttnDown, plainDown},
		UpBlockTypes:      []string{plainUp, crossAttnUp, crossAttnUp, crossAttnUp},
		MidBlockType:      &mid,
		AttentionHeadDim:  IntList{8},
		CrossAttentionDim: 768,
		NormNumGroups:     32,
		NormEps:           1e-5,
		SampleSize:        64,
	}
}

const (
	crossAttnDown = "CrossAttnDownBlock2D"
	plainDown     = "DownBlock2D"
	crossAttnUp   = "CrossAttnUpBlock2D"
	plainUp       = "UpBlock2D"
)

// LoadConfig reads a diffusers config.json.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	// Absent keys keep SD 1.x defaults; an explicit "mid_block_type": null
	// removes the mid block.
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate checks that the block layout is consistent.
func (c Config) Validate() error {
	n := len(c.BlockOutChannels)
	switch {
	case n == 0:
		return fmt.Errorf("unet config: block_out_channels is empty")
	case len(c.DownBlockTypes) != n || len(c.UpBlockTypes) != n:
		return fmt.Errorf("unet config: %d blocks but %d down / %d up types", n, len(c.DownBlockTypes), len(c.UpBlockTypes))
	case c.LayersPerBlock < 1:
		return fmt.Errorf("unet config: layers_per_block must be positive")
	case c.NormNumGroups < 1:
		return fmt.Errorf("unet config: norm_num_groups must be positive")
	}
	for i, ch := range c.BlockOutChannels {
		if ch%c.NormNumGroups != 0 {
			return fmt.Errorf("unet config: block %d has %d channels, not divisible by %d groups", i, ch, c.NormNumGroups)
		}
		if heads := c.AttentionHeadDim.At(i); heads < 1 || ch%heads != 0 {
			return fmt.Errorf("unet config: block %d has %d channels, not divisible by %d heads", i, ch, heads)
		}
	}
	for _, t := range c.DownBlockTypes {
		if t != crossAttnDown && t != plainDown {
			return fmt.Errorf("unet config: unsupported down block %q", t)
		}
	}
	for _, t := range c.UpBlockTypes {
		if t != crossAttnUp && t != plainUp {
			return fmt.Errorf("unet config: unsupported up block %q", t)
		}
	}
	return nil
}

func (c Config) hasMid() bool { return c.MidBlockType != nil && *c.MidBlockType != "" }

func (c Config) flipSinToCos() bool { return c.FlipSinToCos == nil || *c.FlipSinToCos }

// timeDim is the sinusoidal embedding width; the MLP widens it 4x.
func (c Config) timeDim() int { return c.BlockOutChannels[0] }
