package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/samcharles93/stylus/internal/stylealign"
)

// Config represents the stylus configuration file (~/.config/stylus/config.yaml).
// Pointer fields distinguish "not set" from zero values.
type Config struct {
	ModelDir string `yaml:"model_dir"`
	Variant  string `yaml:"variant"`
	DType    string `yaml:"dtype"`

	// Generation defaults
	Steps         *int64           `yaml:"steps"`
	GuidanceScale *float64         `yaml:"guidance_scale"`
	Seed          *int64           `yaml:"seed"`
	Style         *stylealign.Args `yaml:"style"`
	OutputDir     string           `yaml:"output_dir"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "stylus", "config.yaml")
}

// applyModelConfig fills model flags the user left unset.
func applyModelConfig(c *cli.Command, cfg Config) {
	if cfg.ModelDir != "" && !c.IsSet("model") {
		modelPath = cfg.ModelDir
	}
	if cfg.Variant != "" && !c.IsSet("variant") {
		variant = cfg.Variant
	}
	if cfg.DType != "" && !c.IsSet("dtype") {
		dtypeName = cfg.DType
	}
}

// applyGenerationConfig fills generation flags the user left unset.
func applyGenerationConfig(c *cli.Command, cfg Config, steps *int64, guidance *float64, seed *int64) {
	applyModelConfig(c, cfg)
	if cfg.Steps != nil && !c.IsSet("steps") {
		*steps = *cfg.Steps
	}
	if cfg.GuidanceScale != nil && !c.IsSet("guidance-scale") {
		*guidance = *cfg.GuidanceScale
	}
	if seed != nil && cfg.Seed != nil && !c.IsSet("seed") {
		*seed = *cfg.Seed
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	applyModelConfig(c, cfg)
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	return loadConfigFile(configPath())
}

func loadConfigFile(path string) Config {
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
