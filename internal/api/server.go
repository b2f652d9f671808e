// Package api serves style-aligned generation and multi-stage blending over
// HTTP.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/samcharles93/stylus/internal/diffusion"
	"github.com/samcharles93/stylus/internal/imageio"
	"github.com/samcharles93/stylus/internal/logger"
	"github.com/samcharles93/stylus/internal/pipeline"
	"github.com/samcharles93/stylus/internal/tensor"
	"github.com/samcharles93/stylus/internal/version"
)

type Server struct {
	store    *JobStore
	provider PipelineProvider
	defaults Defaults
	log      logger.Logger
	clock    func() time.Time
	wg       sync.WaitGroup
}

func NewServer(store *JobStore, provider PipelineProvider, defaults Defaults, log logger.Logger) *Server {
	if store == nil {
		store = NewJobStore()
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Server{
		store:    store,
		provider: provider,
		defaults: defaults,
		log:      log,
		clock:    time.Now,
	}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.POST("/v1/align", s.handleAlign)
	e.POST("/v1/blend", s.handleBlend)
	e.GET("/v1/jobs/:id", s.handleGetJob)
	e.DELETE("/v1/jobs/:id", s.handleDeleteJob)
}

// Wait blocks until every background job has finished.
func (s *Server) Wait() {
	s.wg.Wait()
}

type generateFunc func(ctx context.Context, g Generator) ([]*tensor.Tensor, error)

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Resolve(),
	})
}

func (s *Server) handleAlign(c *echo.Context) error {
	req, err := decodeJSON[AlignRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	if len(req.Prompts) == 0 {
		return writeBadRequest(c, "prompts is required")
	}
	preq := pipeline.AlignRequest{
		Prompts:        req.Prompts,
		NegativePrompt: req.NegativePrompt,
		Steps:          valueOr(req.Steps, s.defaults.Steps),
		GuidanceScale:  valueOr(req.GuidanceScale, s.defaults.GuidanceScale),
		Seed:           valueOr(req.Seed, s.defaults.Seed),
		Height:         req.Height,
		Width:          req.Width,
		Style:          valueOr(req.Style, s.defaults.Style),
	}
	return s.run(c, "align", req.Background, func(ctx context.Context, g Generator) ([]*tensor.Tensor, error) {
		return g.Align(ctx, preq)
	})
}

func (s *Server) handleBlend(c *echo.Context) error {
	req, err := decodeJSON[BlendRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	raw, err := decodeImages(req.Images)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	breq := diffusion.BlendRequest{
		Weights:       req.Weights,
		Prompts:       req.Prompts,
		Steps:         valueOr(req.Steps, s.defaults.Steps),
		GuidanceScale: valueOr(req.GuidanceScale, s.defaults.GuidanceScale),
	}
	// Reject malformed requests before any image is decoded.
	breq.Images = make([]*tensor.Tensor, len(raw))
	if err := breq.Validate(); err != nil {
		return writeBadRequest(c, err.Error())
	}
	return s.run(c, "blend", req.Background, func(ctx context.Context, g Generator) ([]*tensor.Tensor, error) {
		size := g.Resolution()
		images, err := imageio.DecodeAll(ctx, raw, size, size)
		if err != nil {
			return nil, newInvalidRequest(err.Error())
		}
		breq.Images = images
		out, err := g.Blend(ctx, breq)
		if err != nil {
			return nil, err
		}
		return []*tensor.Tensor{out}, nil
	})
}

func (s *Server) handleGetJob(c *echo.Context) error {
	job, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "job not found")
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) handleDeleteJob(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "job not found")
	}
	return c.JSON(http.StatusOK, DeletedJob{ID: id, Object: "job.deleted", Deleted: true})
}

// run creates a job and executes fn, in the background when asked to.
func (s *Server) run(c *echo.Context, kind string, background bool, fn generateFunc) error {
	job := s.store.Create(kind, s.clock())
	ctx := logger.WithContext(c.Request().Context(), s.log.With("job", job.ID, "kind", kind))
	if background {
		s.wg.Go(func() {
			_, _ = s.execute(context.WithoutCancel(ctx), job.ID, fn)
		})
		return c.JSON(http.StatusAccepted, job)
	}
	job, err := s.execute(ctx, job.ID, fn)
	if err != nil {
		status, errType := classify(err)
		return writeError(c, status, errType, err.Error())
	}
	return c.JSON(http.StatusOK, job)
}

func (s *Server) execute(ctx context.Context, id string, fn generateFunc) (Job, error) {
	log := logger.FromContext(ctx)
	s.store.Update(id, func(j *Job) { j.Status = JobInProgress })
	var images []string
	err := s.provider.WithPipeline(ctx, func(g Generator) error {
		out, err := fn(ctx, g)
		if err != nil {
			return err
		}
		images, err = encodeImages(out)
		return err
	})
	now := s.clock().Unix()
	job, _ := s.store.Update(id, func(j *Job) {
		j.CompletedAt = &now
		if err != nil {
			_, errType := classify(err)
			j.Status = JobFailed
			j.Error = &JobError{Message: err.Error(), Type: errType}
			return
		}
		j.Status = JobCompleted
		j.Images = images
	})
	if err != nil {
		log.Warn("job failed", "error", err)
	} else {
		log.Info("job completed", "images", len(images))
	}
	return job, err
}

func valueOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
