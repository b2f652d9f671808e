package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/stylus/internal/api"
	"github.com/samcharles93/stylus/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		preload     bool
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the REST API (align, blend, jobs)",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.BoolFlag{
				Name:        "preload",
				Usage:       "load the model before accepting requests",
				Destination: &preload,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := LoadConfig()
			applyServeConfig(cmd, cfg, &addr)

			dir, err := resolveModelPath(modelPath)
			if err != nil {
				return err
			}
			loader, err := newLoader()
			if err != nil {
				return err
			}
			provider := api.NewCachedPipelineProvider(api.ProviderConfig{
				ModelPath: dir,
				Loader:    loader,
			})
			if preload {
				if _, err := provider.Pipeline(ctx); err != nil {
					return err
				}
				log.Info("model loaded", "dir", dir)
			}

			defaults := api.DefaultDefaults()
			if cfg.Steps != nil {
				defaults.Steps = int(*cfg.Steps)
			}
			if cfg.GuidanceScale != nil {
				defaults.GuidanceScale = float32(*cfg.GuidanceScale)
			}
			if cfg.Seed != nil {
				defaults.Seed = *cfg.Seed
			}
			if cfg.Style != nil {
				defaults.Style = *cfg.Style
			}

			server := api.NewServer(api.NewJobStore(), provider, defaults, log)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "model", dir)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			err = sc.Start(ctx, e)
			server.Wait()
			return err
		},
	}
}
