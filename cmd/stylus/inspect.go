package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/stylus/internal/safetensors"
)

func inspectCmd() *cli.Command {
	var (
		path         string
		tensorFilter string
		tensorLimit  int
		verbose      bool
	)

	return &cli.Command{
		Name:  "inspect",
		Usage: "Describe a model directory or list the tensors of a safetensors checkpoint",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "path",
				Usage:       "safetensors file or component directory; defaults to --model",
				Destination: &path,
			},
			&cli.StringFlag{Name: "filter", Usage: "only list tensors whose name contains this", Destination: &tensorFilter},
			&cli.IntFlag{Name: "limit", Usage: "maximum tensors to list (0 = all)", Destination: &tensorLimit},
			&cli.BoolFlag{Name: "verbose", Aliases: []string{"v"}, Usage: "list every shareable layer", Destination: &verbose},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyModelConfig(cmd, LoadConfig())
			if path == "" {
				path = modelPath
			}
			if path == "" {
				path = os.Getenv(envStylusModelDir)
			}
			if path == "" {
				return fmt.Errorf("--path or --model is required")
			}
			if isModelRoot(path) {
				modelPath = path
				p, err := loadPipeline(ctx)
				if err != nil {
					return err
				}
				out, err := json.MarshalIndent(p.Describe(verbose), "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(out))
				return nil
			}
			return listTensors(path, tensorFilter, tensorLimit)
		},
	}
}

// isModelRoot reports whether dir looks like a diffusers pipeline directory.
func isModelRoot(dir string) bool {
	st, err := os.Stat(filepath.Join(dir, "unet"))
	return err == nil && st.IsDir()
}

func listTensors(path, filter string, limit int) error {
	m, err := safetensors.OpenModel(path)
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()

	shown := 0
	total := 0
	for _, name := range m.Names() {
		if filter != "" && !strings.Contains(name, filter) {
			continue
		}
		total++
		if limit > 0 && shown >= limit {
			continue
		}
		info, _ := m.Tensor(name)
		fmt.Printf("%-72s %-5s %v\n", name, info.DType, info.Shape)
		shown++
	}
	if shown < total {
		fmt.Printf("... %d more\n", total-shown)
	}
	fmt.Printf("tensors: %d\n", total)
	return nil
}
