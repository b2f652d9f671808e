package main

import (
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/stylus/internal/pipeline"
	"github.com/samcharles93/stylus/internal/tensor"
)

var (
	modelPath string
	variant   string
	dtypeName string
	logLevel  string
	logFormat string
	debug     bool
)

func commonModelFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "model",
			Aliases:     []string{"m"},
			Usage:       "path to a diffusers model directory",
			Destination: &modelPath,
		},
		&cli.StringFlag{
			Name:        "variant",
			Usage:       "weight file variant, e.g. fp16",
			Destination: &variant,
		},
		&cli.StringFlag{
			Name:        "dtype",
			Usage:       "working precision for latents and the autoencoder (f16, f32)",
			Value:       "f16",
			Destination: &dtypeName,
		},
	}
}

// generationFlags are shared by align and blend.
func generationFlags(steps *int64, guidance *float64) []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "steps",
			Aliases:     []string{"n"},
			Usage:       "number of DDIM steps",
			Value:       50,
			Destination: steps,
		},
		&cli.Float64Flag{
			Name:        "guidance-scale",
			Aliases:     []string{"cfg"},
			Usage:       "classifier-free guidance scale (1 uses the conditional prediction only)",
			Value:       7.5,
			Destination: guidance,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

func newLoader() (pipeline.Loader, error) {
	dt, err := tensor.ParseDType(dtypeName)
	if err != nil {
		return pipeline.Loader{}, err
	}
	return pipeline.Loader{Variant: variant, DType: dt}, nil
}
