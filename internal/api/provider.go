package api

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/samcharles93/stylus/internal/diffusion"
	"github.com/samcharles93/stylus/internal/pipeline"
	"github.com/samcharles93/stylus/internal/tensor"
)

// Generator is the part of a pipeline the API drives.
type Generator interface {
	Align(ctx context.Context, req pipeline.AlignRequest) ([]*tensor.Tensor, error)
	Blend(ctx context.Context, req diffusion.BlendRequest) (*tensor.Tensor, error)
	Resolution() int
}

// PipelineProvider hands out a generator to one caller at a time.
type PipelineProvider interface {
	WithPipeline(ctx context.Context, fn func(g Generator) error) error
}

type ProviderConfig struct {
	ModelPath string
	Loader    pipeline.Loader
}

// CachedPipelineProvider loads the pipeline on first use and serializes every
// call through it.
type CachedPipelineProvider struct {
	cfg ProviderConfig

	loadMu sync.Mutex
	loaded *pipeline.Pipeline

	runMu sync.Mutex
}

func NewCachedPipelineProvider(cfg ProviderConfig) *CachedPipelineProvider {
	return &CachedPipelineProvider{cfg: cfg}
}

func (p *CachedPipelineProvider) WithPipeline(ctx context.Context, fn func(g Generator) error) error {
	pl, err := p.get(ctx)
	if err != nil {
		return err
	}
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(pl)
}

// Pipeline returns the loaded pipeline, loading it if needed.
func (p *CachedPipelineProvider) Pipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	return p.get(ctx)
}

func (p *CachedPipelineProvider) get(ctx context.Context) (*pipeline.Pipeline, error) {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()
	if p.loaded != nil {
		return p.loaded, nil
	}
	if strings.TrimSpace(p.cfg.ModelPath) == "" {
		return nil, fmt.Errorf("model path is required")
	}
	pl, err := p.cfg.Loader.Load(ctx, p.cfg.ModelPath)
	if err != nil {
		return nil, err
	}
	p.loaded = pl
	return pl, nil
}

// StaticProvider serializes calls to an already built generator.
type StaticProvider struct {
	mu sync.Mutex
	g  Generator
}

func NewStaticProvider(g Generator) *StaticProvider {
	return &StaticProvider{g: g}
}

func (p *StaticProvider) WithPipeline(ctx context.Context, fn func(g Generator) error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(p.g)
}
