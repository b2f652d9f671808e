package main

import (
	"context"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/stylus/internal/diffusion"
	"github.com/samcharles93/stylus/internal/imageio"
	"github.com/samcharles93/stylus/internal/logger"
	"github.com/samcharles93/stylus/internal/tensor"
)

func blendCmd() *cli.Command {
	var (
		steps    int64
		guidance float64
		weights  string
		outDir   string
	)

	return &cli.Command{
		Name:  "blend",
		Usage: "Blend reference images into one, each stage guided by its own prompt",
		Flags: append(append(commonModelFlags(), generationFlags(&steps, &guidance)...),
			&cli.StringSliceFlag{
				Name:     "image",
				Aliases:  []string{"i"},
				Usage:    "reference image (png, jpeg, webp); repeat per stage",
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:     "prompt",
				Aliases:  []string{"p"},
				Usage:    "prompt for the matching image",
				Required: true,
			},
			&cli.StringFlag{
				Name:        "weights",
				Aliases:     []string{"w"},
				Usage:       "comma separated blend weight per image, e.g. 1,0.5,0.5",
				Required:    true,
				Destination: &weights,
			},
			&cli.StringFlag{
				Name:        "out",
				Aliases:     []string{"o"},
				Usage:       "output directory (default $" + envStylusOutDir + " or ./out)",
				Destination: &outDir,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			cfg := LoadConfig()
			applyGenerationConfig(cmd, cfg, &steps, &guidance, nil)
			if outDir == "" {
				outDir = cfg.OutputDir
			}

			w, err := parseWeights(weights)
			if err != nil {
				return err
			}
			req := diffusion.BlendRequest{
				Weights:       w,
				Prompts:       cmd.StringSlice("prompt"),
				Steps:         int(steps),
				GuidanceScale: float32(guidance),
			}
			paths := cmd.StringSlice("image")
			// Lengths and step budget are checked before the model load.
			req.Images = make([]*tensor.Tensor, len(paths))
			if err := req.Validate(); err != nil {
				return err
			}

			p, err := loadPipeline(ctx)
			if err != nil {
				return err
			}
			dir, err := resolveOutDir(outDir)
			if err != nil {
				return err
			}
			res := p.Resolution()
			req.Images, err = imageio.LoadFiles(ctx, paths, res, res)
			if err != nil {
				return err
			}

			start := time.Now()
			img, err := p.Blend(ctx, req)
			if err != nil {
				return err
			}
			path := imagePath(dir, "blend", start.Unix(), 0)
			if err := imageio.SavePNG(path, img); err != nil {
				return err
			}
			log.Info("wrote image", "path", path, "stages", len(paths)-1, "elapsed", time.Since(start))
			return nil
		},
	}
}
