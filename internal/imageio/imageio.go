// Package imageio converts between image files and [H, W, 3] pixel tensors
// with values in [0, 255].
package imageio

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	"image/png"
	"io"
	"math"
	"os"
	"runtime"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/stylus/internal/tensor"
)

// Decode reads a PNG, JPEG or WebP image.
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// Composite removes the alpha channel by drawing img over white.
func Composite(img image.Image) *image.RGBA {
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color.White}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Over)
	return dst
}

// Resize scales img to width x height with a Catmull-Rom kernel. Images
// already at that size are returned unchanged.
func Resize(img image.Image, width, height int) image.Image {
	if b := img.Bounds(); b.Dx() == width && b.Dy() == height {
		return img
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)
	return dst
}

// ToTensor returns the RGB values of img as [H, W, 3].
func ToTensor(img image.Image) *tensor.Tensor {
	rgba := Composite(img)
	b := rgba.Bounds()
	h, w := b.Dy(), b.Dx()
	out := tensor.New(h, w, 3)
	for y := range h {
		for x := range w {
			i := rgba.PixOffset(b.Min.X+x, b.Min.Y+y)
			dst := out.Data[(y*w+x)*3:]
			dst[0] = float32(rgba.Pix[i])
			dst[1] = float32(rgba.Pix[i+1])
			dst[2] = float32(rgba.Pix[i+2])
		}
	}
	return out
}

// FromTensor converts [H, W, 3] pixels to an image, rounding and clamping
// each value to [0, 255].
func FromTensor(pixels *tensor.Tensor) (*image.RGBA, error) {
	if err := tensor.ExpectRank("pixels", pixels, 3); err != nil {
		return nil, err
	}
	h, w, c := pixels.Shape[0], pixels.Shape[1], pixels.Shape[2]
	if c != 3 {
		return nil, fmt.Errorf("pixels: %w: %d channels, want 3", tensor.ErrShapeMismatch, c)
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			src := pixels.Data[(y*w+x)*3:]
			i := img.PixOffset(x, y)
			img.Pix[i] = clampByte(src[0])
			img.Pix[i+1] = clampByte(src[1])
			img.Pix[i+2] = clampByte(src[2])
			img.Pix[i+3] = 255
		}
	}
	return img, nil
}

func clampByte(v float32) uint8 {
	switch {
	case math.IsNaN(float64(v)) || v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return uint8(math.Round(float64(v)))
}

// ReadPixels decodes an image and resizes it to width x height. A zero
// width or height keeps the source size.
func ReadPixels(r io.Reader, width, height int) (*tensor.Tensor, error) {
	img, err := Decode(r)
	if err != nil {
		return nil, err
	}
	if width > 0 && height > 0 {
		img = Resize(img, width, height)
	}
	return ToTensor(img), nil
}

// LoadFile reads the image at path as pixels of width x height.
func LoadFile(path string, width, height int) (*tensor.Tensor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	px, err := ReadPixels(f, width, height)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return px, nil
}

// LoadFiles reads every path concurrently and returns the pixels in input
// order. The first failure cancels the remaining reads.
func LoadFiles(ctx context.Context, paths []string, width, height int) ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, len(paths))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			px, err := LoadFile(path, width, height)
			if err != nil {
				return err
			}
			out[i] = px
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// DecodeAll decodes in-memory images concurrently, in input order.
func DecodeAll(ctx context.Context, images [][]byte, width, height int) ([]*tensor.Tensor, error) {
	out := make([]*tensor.Tensor, len(images))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, data := range images {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			px, err := ReadPixels(bytes.NewReader(data), width, height)
			if err != nil {
				return fmt.Errorf("image %d: %w", i, err)
			}
			out[i] = px
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// EncodePNG writes [H, W, 3] pixels as a PNG.
func EncodePNG(w io.Writer, pixels *tensor.Tensor) error {
	img, err := FromTensor(pixels)
	if err != nil {
		return err
	}
	return png.Encode(w, img)
}

// SavePNG writes pixels to path.
func SavePNG(path string, pixels *tensor.Tensor) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	return EncodePNG(f, pixels)
}
