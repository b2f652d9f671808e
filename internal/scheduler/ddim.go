// Package scheduler implements the deterministic DDIM noise schedule.
package scheduler

import (
	"errors"
	"fmt"
	"math"
	"os"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/stylus/internal/tensor"
)

// ErrNotSet is returned by Step before SetTimesteps.
var ErrNotSet = errors.New("scheduler: timesteps not set")

// Config mirrors a diffusers scheduler_config.json.
type Config struct {
	NumTrainTimesteps int     `json:"num_train_timesteps"`
	BetaStart         float64 `json:"beta_start"`
	BetaEnd           float64 `json:"beta_end"`
	BetaSchedule      string  `json:"beta_schedule"`
	StepsOffset       int     `json:"steps_offset"`
	SetAlphaToOne     bool    `json:"set_alpha_to_one"`
}

// DefaultConfig is the Stable Diffusion 1.x schedule.
func DefaultConfig() Config {
	return Config{
		NumTrainTimesteps: 1000,
		BetaStart:         0.00085,
		BetaEnd:           0.012,
		BetaSchedule:      "scaled_linear",
		StepsOffset:       1,
	}
}

// LoadConfig reads scheduler_config.json; absent keys keep the defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

// DDIM is an eta=0 DDIM scheduler. It is not safe for concurrent use.
type DDIM struct {
	cfg           Config
	alphasCumprod []float64
	finalAlpha    float64
	timesteps     []int
	stepRatio     int
}

// New builds the beta schedule described by cfg.
func New(cfg Config) (*DDIM, error) {
	n := cfg.NumTrainTimesteps
	if n < 2 {
		return nil, fmt.Errorf("scheduler: num_train_timesteps must be at least 2, got %d", n)
	}
	betas := make([]float64, n)
	switch cfg.BetaSchedule {
	case "scaled_linear":
		lo, hi := math.Sqrt(cfg.BetaStart), math.Sqrt(cfg.BetaEnd)
		for i := range betas {
			b := lo + float64(i)/float64(n-1)*(hi-lo)
			betas[i] = b * b
		}
	case "linear":
		for i := range betas {
			betas[i] = cfg.BetaStart + float64(i)/float64(n-1)*(cfg.BetaEnd-cfg.BetaStart)
		}
	default:
		return nil, fmt.Errorf("scheduler: unsupported beta_schedule %q", cfg.BetaSchedule)
	}
	s := &DDIM{cfg: cfg, alphasCumprod: make([]float64, n)}
	prod := 1.0
	for i, b := range betas {
		prod *= 1 - b
		s.alphasCumprod[i] = prod
	}
	s.finalAlpha = s.alphasCumprod[0]
	if cfg.SetAlphaToOne {
		s.finalAlpha = 1
	}
	return s, nil
}

func (s *DDIM) Config() Config { return s.cfg }

// SetTimesteps prepares an n-step schedule, largest timestep first.
func (s *DDIM) SetTimesteps(n int) error {
	if n <= 0 || n > s.cfg.NumTrainTimesteps {
		return fmt.Errorf("scheduler: step count %d outside 1..%d", n, s.cfg.NumTrainTimesteps)
	}
	ratio := s.cfg.NumTrainTimesteps / n
	if first := (n-1)*ratio + s.cfg.StepsOffset; first >= s.cfg.NumTrainTimesteps {
		return fmt.Errorf("scheduler: %d steps with steps_offset %d reach timestep %d, beyond %d",
			n, s.cfg.StepsOffset, first, s.cfg.NumTrainTimesteps-1)
	}
	s.stepRatio = ratio
	s.timesteps = make([]int, n)
	for i := range n {
		s.timesteps[i] = (n-1-i)*s.stepRatio + s.cfg.StepsOffset
	}
	return nil
}

// Timesteps returns a copy of the current schedule.
func (s *DDIM) Timesteps() []int {
	return append([]int(nil), s.timesteps...)
}

// AlphaCumprod returns the cumulative alpha product at timestep t.
func (s *DDIM) AlphaCumprod(t int) float64 {
	if t < 0 {
		return s.finalAlpha
	}
	return s.alphasCumprod[min(t, len(s.alphasCumprod)-1)]
}

// Step moves sample from timestep t to the previous timestep of the schedule
// given the predicted noise.
func (s *DDIM) Step(noise *tensor.Tensor, t int, sample *tensor.Tensor) (*tensor.Tensor, error) {
	if s.timesteps == nil {
		return nil, ErrNotSet
	}
	if !noise.SameShape(sample) {
		return nil, fmt.Errorf("ddim step: %w: noise %v, sample %v", tensor.ErrShapeMismatch, noise.Shape, sample.Shape)
	}
	if t < 0 || t >= s.cfg.NumTrainTimesteps {
		return nil, fmt.Errorf("ddim step: timestep %d outside 0..%d", t, s.cfg.NumTrainTimesteps-1)
	}
	alphaT := s.alphasCumprod[t]
	alphaPrev := s.AlphaCumprod(t - s.stepRatio)

	sqrtAlphaT := float32(math.Sqrt(alphaT))
	sqrtOneMinusAlphaT := float32(math.Sqrt(1 - alphaT))
	sqrtAlphaPrev := float32(math.Sqrt(alphaPrev))
	sqrtOneMinusAlphaPrev := float32(math.Sqrt(1 - alphaPrev))

	out := tensor.New(sample.Shape...)
	for i, x := range sample.Data {
		eps := noise.Data[i]
		x0 := (x - sqrtOneMinusAlphaT*eps) / sqrtAlphaT
		out.Data[i] = sqrtAlphaPrev*x0 + sqrtOneMinusAlphaPrev*eps
	}
	return out, nil
}
