package main

import (
	"context"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/stylus/internal/logger"
	"github.com/samcharles93/stylus/internal/pipeline"
	"github.com/samcharles93/stylus/internal/tensor"
)

func scaffoldCmd() *cli.Command {
	var (
		out   string
		seed  int64
		dtype string
	)

	return &cli.Command{
		Name:  "scaffold",
		Usage: "Write a tiny randomly initialised model directory for smoke tests",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "directory to create",
				Required:    true,
				Destination: &out,
			},
			&cli.Int64Flag{Name: "seed", Usage: "weight seed", Value: 1, Destination: &seed},
			&cli.StringFlag{Name: "weights-dtype", Usage: "stored weight type (f16, f32)", Value: "f32", Destination: &dtype},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			dt, err := tensor.ParseDType(dtype)
			if err != nil {
				return err
			}
			if err := pipeline.WriteRandom(out, pipeline.TinyConfigs(), seed, dt); err != nil {
				return err
			}
			logger.FromContext(ctx).Info("scaffold written", "dir", out, "seed", seed, "dtype", dt)
			return nil
		},
	}
}
