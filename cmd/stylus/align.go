package main

import (
	"context"
	"errors"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/stylus/internal/imageio"
	"github.com/samcharles93/stylus/internal/logger"
	"github.com/samcharles93/stylus/internal/pipeline"
	"github.com/samcharles93/stylus/internal/stylealign"
)

func alignCmd() *cli.Command {
	var (
		steps      int64
		guidance   float64
		seed       int64
		width      int64
		height     int64
		negative   string
		outDir     string
		onlySelf   float64
		scoreShift float64
		fullShare  bool
		noNorms    bool
		noAdain    bool
	)

	return &cli.Command{
		Name:      "align",
		Usage:     "Generate a set of images that share the style of the first prompt",
		ArgsUsage: "--prompt STYLE --prompt ... ",
		Flags: append(append(commonModelFlags(), generationFlags(&steps, &guidance)...),
			&cli.StringSliceFlag{
				Name:     "prompt",
				Aliases:  []string{"p"},
				Usage:    "prompt; repeat for each image, the first is the style reference",
				Required: true,
			},
			&cli.StringFlag{
				Name:        "negative",
				Usage:       "negative prompt applied to every image",
				Destination: &negative,
			},
			&cli.Int64Flag{
				Name:        "seed",
				Usage:       "noise seed",
				Value:       0,
				Destination: &seed,
			},
			&cli.Int64Flag{Name: "width", Usage: "image width (0 uses the model resolution)", Destination: &width},
			&cli.Int64Flag{Name: "height", Usage: "image height (0 uses the model resolution)", Destination: &height},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output directory (default $" + envStylusOutDir + " or ./out)",
				Destination: &outDir,
			},
			&cli.Float64Flag{
				Name:        "only-self-level",
				Usage:       "fraction of self-attention stages left unshared",
				Destination: &onlySelf,
			},
			&cli.Float64Flag{
				Name:        "score-shift",
				Usage:       "logit shift added to the reference keys",
				Destination: &scoreShift,
			},
			&cli.BoolFlag{Name: "full-share", Usage: "let every row attend to its whole half", Destination: &fullShare},
			&cli.BoolFlag{Name: "no-norms", Usage: "leave normalization layers unshared", Destination: &noNorms},
			&cli.BoolFlag{Name: "no-adain", Usage: "skip AdaIN on queries and keys", Destination: &noAdain},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := LoadConfig()
			applyGenerationConfig(cmd, cfg, &steps, &guidance, &seed)

			prompts := cmd.StringSlice("prompt")
			if len(prompts) == 0 {
				return errors.New("at least one --prompt is required")
			}

			style := stylealign.DefaultArgs()
			if cfg.Style != nil {
				style = *cfg.Style
			}
			if cmd.IsSet("only-self-level") {
				style.OnlySelfLevel = float32(onlySelf)
			}
			if cmd.IsSet("score-shift") {
				style.SharedScoreShift = float32(scoreShift)
			}
			if fullShare {
				style.FullAttentionShare = true
			}
			if noNorms {
				style.ShareGroupNorm, style.ShareLayerNorm = false, false
			}
			if noAdain {
				style.AdainQueries, style.AdainKeys = false, false
			}
			if outDir == "" {
				outDir = cfg.OutputDir
			}

			p, err := loadPipeline(ctx)
			if err != nil {
				return err
			}
			dir, err := resolveOutDir(outDir)
			if err != nil {
				return err
			}

			start := time.Now()
			images, err := p.Align(ctx, pipeline.AlignRequest{
				Prompts:        prompts,
				NegativePrompt: negative,
				Steps:          int(steps),
				GuidanceScale:  float32(guidance),
				Seed:           seed,
				Height:         int(height),
				Width:          int(width),
				Style:          style,
			})
			if err != nil {
				return err
			}
			log.Info("generation finished", "images", len(images), "elapsed", time.Since(start))

			for i, img := range images {
				path := imagePath(dir, "align", seed, i)
				if err := imageio.SavePNG(path, img); err != nil {
					return err
				}
				log.Info("wrote image", "path", path, "prompt", prompts[i])
			}
			return nil
		},
	}
}

// loadPipeline resolves --model and loads it with the shared model flags.
func loadPipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	dir, err := resolveModelPath(modelPath)
	if err != nil {
		return nil, err
	}
	loader, err := newLoader()
	if err != nil {
		return nil, err
	}
	start := time.Now()
	p, err := loader.Load(ctx, dir)
	if err != nil {
		return nil, err
	}
	logger.FromContext(ctx).Info("model loaded", "dir", dir, "dtype", p.DType(), "elapsed", time.Since(start))
	return p, nil
}
