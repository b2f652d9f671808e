package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/stylus/internal/logger"
)

func main() {
	app := &cli.Command{
		Name:  "stylus",
		Usage: "Style-aligned image generation and multi-reference blending",
		Flags: loggingFlags(),
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			level := logLevel
			if debug {
				level = "debug"
			}
			log, err := logger.ForFormat(logFormat, os.Stderr, logger.ParseLevel(level))
			if err != nil {
				return ctx, err
			}
			return logger.WithContext(ctx, log), nil
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			alignCmd(),
			blendCmd(),
			serveCmd(),
			inspectCmd(),
			scaffoldCmd(),
			versionCmd(),
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
