package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/samcharles93/stylus/internal/diffusion"
	"github.com/samcharles93/stylus/internal/scheduler"
	"github.com/samcharles93/stylus/internal/stylealign"
	"github.com/samcharles93/stylus/internal/tensor"
	"github.com/samcharles93/stylus/internal/textenc"
	"github.com/samcharles93/stylus/internal/unet"
	"github.com/samcharles93/stylus/internal/vae"
)

func loadTiny(t *testing.T, dtype tensor.DType) *Pipeline {
	t.Helper()
	dir := t.TempDir()
	if err := WriteRandom(dir, TinyConfigs(), 7, dtype); err != nil {
		t.Fatalf("WriteRandom: %v", err)
	}
	p, err := Loader{DType: dtype, Variant: "fp16"}.Load(context.Background(), dir)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return p
}

func checkPixels(t *testing.T, img *tensor.Tensor, size int) {
	t.Helper()
	if len(img.Shape) != 3 || img.Shape[0] != size || img.Shape[1] != size || img.Shape[2] != 3 {
		t.Fatalf("image shape %v, want [%d %d 3]", img.Shape, size, size)
	}
	for i, v := range img.Data {
		if v < 0 || v > 255 {
			t.Fatalf("pixel %d = %g outside [0, 255]", i, v)
		}
	}
}

func TestLoadDescribe(t *testing.T) {
	t.Parallel()
	p := loadTiny(t, tensor.F32)
	info := p.Describe(true)
	if info.Resolution != 16 || info.TextHidden != 32 || info.Timesteps != 1000 || info.DType != "f32" {
		t.Fatalf("unexpected info %+v", info)
	}
	if len(info.Layers) == 0 || p.Dir() == "" {
		t.Fatalf("describe missing layers or dir: %+v", info)
	}
	if p.Describe(false).Layers != nil {
		t.Fatalf("non-verbose describe lists layers")
	}
}

func TestLoadMissingDirectory(t *testing.T) {
	t.Parallel()
	if _, err := (Loader{}).Load(context.Background(), filepath.Join(t.TempDir(), "absent")); err == nil {
		t.Fatal("expected error for missing model directory")
	}
	if _, err := (Loader{}).Load(context.Background(), " "); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestAlignDeterministicAndRestoresHandler(t *testing.T) {
	t.Parallel()
	p := loadTiny(t, tensor.F16)
	req := AlignRequest{
		Prompts:       []string{"a watercolor fox", "a watercolor owl"},
		Steps:         2,
		GuidanceScale: 5,
		Seed:          3,
		Style:         stylealign.DefaultArgs(),
	}
	first, err := p.Align(context.Background(), req)
	if err != nil {
		t.Fatalf("Align: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("%d images, want 2", len(first))
	}
	for _, img := range first {
		checkPixels(t, img, 16)
	}
	if p.handler.State() != stylealign.Pristine {
		t.Fatalf("handler left %v", p.handler.State())
	}
	if p.Deps().UNet != p.unet {
		t.Fatalf("deps do not use the pristine UNet after Align")
	}

	second, err := p.Align(context.Background(), req)
	if err != nil {
		t.Fatalf("second Align: %v", err)
	}
	for i := range first {
		if d := tensor.MaxAbsDiff(first[i], second[i]); d != 0 {
			t.Fatalf("image %d differs by %g between runs", i, d)
		}
	}
}

func TestAlignErrorsLeaveHandlerPristine(t *testing.T) {
	t.Parallel()
	p := loadTiny(t, tensor.F32)
	_, err := p.Align(context.Background(), AlignRequest{Prompts: []string{"x"}, Steps: 1, Height: 15, Width: 16})
	if !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
	_, err = p.Align(context.Background(), AlignRequest{Steps: 1, Style: stylealign.DefaultArgs()})
	if !errors.Is(err, diffusion.ErrNoPrompts) {
		t.Fatalf("expected ErrNoPrompts, got %v", err)
	}
	if p.handler.State() != stylealign.Pristine {
		t.Fatalf("handler left %v after failed Align", p.handler.State())
	}
}

func TestBlend(t *testing.T) {
	t.Parallel()
	p := loadTiny(t, tensor.F16)
	img := func(v float32) *tensor.Tensor { return tensor.Full(v, 16, 16, 3) }
	out, err := p.Blend(context.Background(), diffusion.BlendRequest{
		Images:        []*tensor.Tensor{img(40), img(200)},
		Weights:       []float32{1, 0.5},
		Prompts:       []string{"", "a sunset"},
		Steps:         2,
		GuidanceScale: 1,
	})
	if err != nil {
		t.Fatalf("Blend: %v", err)
	}
	checkPixels(t, out, 16)
	if p.vae.DType() != tensor.F16 {
		t.Fatalf("vae precision %v after blend, want f16", p.vae.DType())
	}

	_, err = p.Blend(context.Background(), diffusion.BlendRequest{
		Images:  []*tensor.Tensor{img(1)},
		Weights: []float32{1, 1},
		Prompts: []string{"", ""},
		Steps:   2,
	})
	if !errors.Is(err, diffusion.ErrLengthMismatch) {
		t.Fatalf("expected ErrLengthMismatch, got %v", err)
	}
}

func TestBlendKeepsFullPrecisionPipeline(t *testing.T) {
	t.Parallel()
	p := loadTiny(t, tensor.F32)
	img := func(v float32) *tensor.Tensor { return tensor.Full(v, 16, 16, 3) }
	req := diffusion.BlendRequest{
		Images:        []*tensor.Tensor{img(40), img(200)},
		Weights:       []float32{1, 0.5},
		Prompts:       []string{"", "a sunset"},
		Steps:         2,
		GuidanceScale: 1,
	}
	for i := range 2 {
		if _, err := p.Blend(context.Background(), req); err != nil {
			t.Fatalf("Blend %d: %v", i, err)
		}
		if p.vae.DType() != tensor.F32 {
			t.Fatalf("blend %d: vae precision %v, want f32", i, p.vae.DType())
		}
	}
}

func TestNewRejectsMismatchedComponents(t *testing.T) {
	t.Parallel()
	cfgs := TinyConfigs()
	u, err := unet.NewRandom(cfgs.UNet, 1)
	if err != nil {
		t.Fatal(err)
	}
	v, err := vae.NewRandom(cfgs.VAE, 1)
	if err != nil {
		t.Fatal(err)
	}
	cfgs.Text.HiddenSize = 16
	text, err := textenc.NewRandom(cfgs.Text, 1)
	if err != nil {
		t.Fatal(err)
	}
	s, err := scheduler.New(cfgs.Scheduler)
	if err != nil {
		t.Fatal(err)
	}
	_, err = New(Components{UNet: u, VAE: v, Text: &textenc.Encoder{Model: text}, Scheduler: s}, tensor.F32)
	if !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
	if _, err := New(Components{UNet: u}, tensor.F32); err == nil {
		t.Fatal("expected error for missing components")
	}
}
