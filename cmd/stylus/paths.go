package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	envStylusModelDir = "STYLUS_MODEL_DIR"
	envStylusOutDir   = "STYLUS_OUT_DIR"
)

func resolveModelPath(modelFlag string) (string, error) {
	modelFlag = strings.TrimSpace(modelFlag)
	if modelFlag == "" {
		modelFlag = strings.TrimSpace(os.Getenv(envStylusModelDir))
	}
	if modelFlag == "" {
		return "", fmt.Errorf("--model is required unless %s is set", envStylusModelDir)
	}
	path := filepath.Clean(modelFlag)
	st, err := os.Stat(path)
	if err != nil {
		return "", err
	}
	if !st.IsDir() {
		return "", fmt.Errorf("model path is not a directory: %s", path)
	}
	return path, nil
}

// resolveOutDir picks the output directory and creates it.
func resolveOutDir(outFlag string) (string, error) {
	dir := strings.TrimSpace(outFlag)
	if dir == "" {
		dir = strings.TrimSpace(os.Getenv(envStylusOutDir))
	}
	if dir == "" {
		dir = filepath.Join(".", "out")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return dir, nil
}

// imagePath names the i-th output of a run, e.g. align-1234-00.png.
func imagePath(dir, kind string, tag int64, i int) string {
	return filepath.Join(dir, fmt.Sprintf("%s-%d-%02d.png", kind, tag, i))
}

// parseWeights reads a comma separated list of blend weights.
func parseWeights(s string) ([]float32, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("no weights given")
	}
	parts := strings.Split(s, ",")
	out := make([]float32, 0, len(parts))
	for _, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid weight %q: %w", p, err)
		}
		out = append(out, float32(v))
	}
	return out, nil
}
