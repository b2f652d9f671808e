package diffusion

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/samcharles93/stylus/internal/logger"
	"github.com/samcharles93/stylus/internal/scheduler"
	"github.com/samcharles93/stylus/internal/tensor"
)

// boxCodec is an analytically invertible autoencoder: 2x2 average pooling of
// normalized pixels into three latent channels plus a zero fourth channel.
type boxCodec struct{ calls int }

func (b *boxCodec) EncodeImage(img *tensor.Tensor) (*tensor.Tensor, error) {
	b.calls++
	if err := tensor.ExpectRank("encode", img, 3); err != nil {
		return nil, err
	}
	h, w := img.Shape[0], img.Shape[1]
	out := tensor.New(1, 4, h/2, w/2)
	for ch := range 3 {
		for y := range h / 2 {
			for x := range w / 2 {
				var sum float32
				for dy := range 2 {
					for dx := range 2 {
						sum += img.Data[((2*y+dy)*w+2*x+dx)*3+ch]
					}
				}
				out.Data[(ch*(h/2)+y)*(w/2)+x] = (sum/4)/255*2 - 1
			}
		}
	}
	return out, nil
}

func (b *boxCodec) decode(lat *tensor.Tensor) [3]float32 {
	hw := lat.Shape[2] * lat.Shape[3]
	var rgb [3]float32
	for ch := range 3 {
		var sum float32
		for _, v := range lat.Data[ch*hw : (ch+1)*hw] {
			sum += v
		}
		rgb[ch] = (sum/float32(hw) + 1) / 2 * 255
	}
	return rgb
}

// fakeUNet predicts a tenth of the latent plus the first conditioning value
// of each row.
type fakeUNet struct {
	timesteps []int
	batches   []int
}

func (f *fakeUNet) PredictNoise(latent *tensor.Tensor, t float64, cond *tensor.Tensor) (*tensor.Tensor, error) {
	if latent.Shape[0] != cond.Shape[0] {
		return nil, tensor.ErrShapeMismatch
	}
	f.timesteps = append(f.timesteps, int(t))
	f.batches = append(f.batches, latent.Shape[0])
	out := tensor.New(latent.Shape...)
	row := len(latent.Data) / latent.Shape[0]
	condRow := len(cond.Data) / cond.Shape[0]
	for i, v := range latent.Data {
		out.Data[i] = 0.1*v + cond.Data[(i/row)*condRow]
	}
	return out, nil
}

// fakeText embeds each prompt as its length.
type fakeText struct{ seen [][]string }

func (f *fakeText) EncodePrompts(prompts []string) (*tensor.Tensor, error) {
	f.seen = append(f.seen, append([]string(nil), prompts...))
	out := tensor.New(len(prompts), 1, 2)
	for i, p := range prompts {
		out.Data[i*2] = float32(len(p)) / 10
	}
	return out, nil
}

type fixture struct {
	codec *boxCodec
	unet  *fakeUNet
	text  *fakeText
	sched *scheduler.DDIM
	deps  Deps
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sched, err := scheduler.New(scheduler.DefaultConfig())
	if err != nil {
		t.Fatalf("scheduler.New: %v", err)
	}
	f := &fixture{codec: &boxCodec{}, unet: &fakeUNet{}, text: &fakeText{}, sched: sched}
	f.deps = Deps{Encoder: f.codec, UNet: f.unet, Scheduler: sched, Text: f.text, DType: tensor.F32}
	return f
}

func ctx() context.Context {
	return logger.WithContext(context.Background(), logger.Discard())
}

func solid(r, g, b float32, h, w int) *tensor.Tensor {
	img := tensor.New(h, w, 3)
	for i := range h * w {
		img.Data[i*3], img.Data[i*3+1], img.Data[i*3+2] = r, g, b
	}
	return img
}

func noisy(seed int64) *tensor.Tensor {
	img := tensor.Randn(seed, 8, 8, 3)
	for i, v := range img.Data {
		img.Data[i] = min(max(128+50*v, 0), 255)
	}
	return img
}

func TestMultiStageZeroWeightKeepsFirstLatent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	first := noisy(1)
	want, err := (&boxCodec{}).EncodeImage(first)
	if err != nil {
		t.Fatalf("EncodeImage: %v", err)
	}
	got, err := MultiStage(ctx(), f.deps, BlendRequest{
		Images:        []*tensor.Tensor{first, noisy(2)},
		Weights:       []float32{1, 0},
		Prompts:       []string{"a cat", "a dog"},
		Steps:         4,
		GuidanceScale: 7.5,
	})
	if err != nil {
		t.Fatalf("MultiStage: %v", err)
	}
	if d := tensor.MaxAbsDiff(got, want); d != 0 {
		t.Fatalf("latent changed by %g with zero weight", d)
	}
	if len(f.unet.timesteps) != 4 {
		t.Fatalf("noise predictor ran %d times, want 4", len(f.unet.timesteps))
	}
}

func TestMultiStageLengthMismatchBeforeEncoding(t *testing.T) {
	t.Parallel()
	for _, req := range []BlendRequest{
		{Images: []*tensor.Tensor{noisy(1), noisy(2)}, Weights: []float32{1, 0.5}, Prompts: []string{"only one"}, Steps: 4},
		{Images: []*tensor.Tensor{noisy(1), noisy(2)}, Weights: []float32{1}, Prompts: []string{"a", "b"}, Steps: 4},
	} {
		f := newFixture(t)
		_, err := MultiStage(ctx(), f.deps, req)
		if !errors.Is(err, ErrLengthMismatch) {
			t.Fatalf("expected ErrLengthMismatch, got %v", err)
		}
		if f.codec.calls != 0 || len(f.unet.timesteps) != 0 || len(f.text.seen) != 0 {
			t.Fatalf("work done before validation: %d encodes, %d predictions, %d text calls",
				f.codec.calls, len(f.unet.timesteps), len(f.text.seen))
		}
	}
}

func TestMultiStageValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if _, err := MultiStage(ctx(), f.deps, BlendRequest{Steps: 4}); !errors.Is(err, ErrNoImages) {
		t.Fatalf("expected ErrNoImages, got %v", err)
	}
	req := BlendRequest{
		Images:  []*tensor.Tensor{noisy(1), noisy(2), noisy(3)},
		Weights: []float32{1, 0.5, 0.5},
		Prompts: []string{"a", "b", "c"},
		Steps:   1,
	}
	if _, err := MultiStage(ctx(), f.deps, req); !errors.Is(err, ErrStepBudget) {
		t.Fatalf("expected ErrStepBudget, got %v", err)
	}
	if f.codec.calls != 0 {
		t.Fatalf("encoder called %d times before validation", f.codec.calls)
	}
}

func TestMultiStageSplitsScheduleAcrossStages(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	_, err := MultiStage(ctx(), f.deps, BlendRequest{
		Images:        []*tensor.Tensor{noisy(1), noisy(2), noisy(3)},
		Weights:       []float32{1, 0.3, 0.6},
		Prompts:       []string{"base", "one", "two"},
		Steps:         7,
		GuidanceScale: 5,
	})
	if err != nil {
		t.Fatalf("MultiStage: %v", err)
	}
	// 7 steps over 2 stages: 3 consecutive timesteps each, the last unused.
	all := f.sched.Timesteps()
	if diff := cmp.Diff(all[:6], f.unet.timesteps); diff != "" {
		t.Fatalf("timesteps (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]string{{"", "one"}, {"", "two"}}, f.text.seen); diff != "" {
		t.Fatalf("prompts (-want +got):\n%s", diff)
	}
	for _, b := range f.unet.batches {
		if b != 2 {
			t.Fatalf("guided batch %d, want 2", b)
		}
	}
}

func TestMultiStageFullWeightFollowsScheduler(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	imgs := []*tensor.Tensor{noisy(4), noisy(5)}
	got, err := MultiStage(ctx(), f.deps, BlendRequest{
		Images:  imgs,
		Weights: []float32{1, 1},
		Prompts: []string{"", "style"},
		Steps:   2,
	})
	if err != nil {
		t.Fatalf("MultiStage: %v", err)
	}
	// Without guidance the predictor sees only the conditional row.
	if diff := cmp.Diff([][]string{{"style"}}, f.text.seen); diff != "" {
		t.Fatalf("prompts (-want +got):\n%s", diff)
	}

	want, _ := (&boxCodec{}).EncodeImage(imgs[0])
	cond, _ := (&fakeText{}).EncodePrompts([]string{"style"})
	for _, ts := range f.sched.Timesteps() {
		noise, _ := (&fakeUNet{}).PredictNoise(want, float64(ts), cond)
		if want, err = f.sched.Step(noise, ts, want); err != nil {
			t.Fatalf("Step: %v", err)
		}
	}
	if d := tensor.MaxAbsDiff(got, want); d > 1e-6 {
		t.Fatalf("blend with weight 1 differs from plain DDIM by %g", d)
	}
}

func TestMultiStageRoundsToWorkingPrecision(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.deps.DType = tensor.F16
	got, err := MultiStage(ctx(), f.deps, BlendRequest{
		Images:  []*tensor.Tensor{noisy(6), noisy(7)},
		Weights: []float32{1, 0.5},
		Prompts: []string{"a", "b"},
		Steps:   3,
	})
	if err != nil {
		t.Fatalf("MultiStage: %v", err)
	}
	if d := tensor.MaxAbsDiff(got, tensor.Cast(got, tensor.F16)); d != 0 {
		t.Fatalf("result not in half precision (diff %g)", d)
	}
}

func TestConstantColourRoundTrip(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	lat, err := MultiStage(ctx(), f.deps, BlendRequest{
		Images:  []*tensor.Tensor{solid(200, 40, 90, 8, 8), solid(10, 250, 30, 8, 8)},
		Weights: []float32{1, 0},
		Prompts: []string{"a", "b"},
		Steps:   2,
	})
	if err != nil {
		t.Fatalf("MultiStage: %v", err)
	}
	rgb := f.codec.decode(lat)
	for i, want := range []float32{200, 40, 90} {
		if math.Abs(float64(rgb[i]-want)) > 1 {
			t.Fatalf("channel %d = %g, want %g", i, rgb[i], want)
		}
	}
}

func TestSampleBatchLayoutAndGuidance(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	req := SampleRequest{
		Prompts:        []string{"a", "bb"},
		NegativePrompt: "blurry",
		Steps:          3,
		GuidanceScale:  4,
		Seed:           9,
		Channels:       4,
		Height:         2,
		Width:          2,
	}
	got, err := Sample(ctx(), f.deps, req)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if diff := cmp.Diff([][]string{{"blurry", "blurry", "a", "bb"}}, f.text.seen); diff != "" {
		t.Fatalf("prompt layout (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{2, 4, 2, 2}, got.Shape); diff != "" {
		t.Fatalf("shape (-want +got):\n%s", diff)
	}
	for _, b := range f.unet.batches {
		if b != 4 {
			t.Fatalf("predictor batch %d, want 4", b)
		}
	}

	// Same seed, same result.
	again, err := Sample(ctx(), newFixture(t).deps, req)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if d := tensor.MaxAbsDiff(got, again); d != 0 {
		t.Fatalf("sampling not deterministic, diff %g", d)
	}
}

func TestGuidedCombination(t *testing.T) {
	t.Parallel()
	lat := tensor.New(1, 1, 1, 1)
	cond, _ := tensor.FromData([]float32{0.2, 0, 0.7, 0}, 2, 1, 2)
	out, err := guided(&fakeUNet{}, lat, 1, cond, 3)
	if err != nil {
		t.Fatalf("guided: %v", err)
	}
	// uncond 0.2, cond 0.7: 0.2 + 3*(0.5)
	if math.Abs(float64(out.Data[0])-1.7) > 1e-6 {
		t.Fatalf("guided = %g, want 1.7", out.Data[0])
	}
}

func TestSampleValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if _, err := Sample(ctx(), f.deps, SampleRequest{Steps: 2}); !errors.Is(err, ErrNoPrompts) {
		t.Fatalf("expected ErrNoPrompts, got %v", err)
	}
	_, err := Sample(ctx(), f.deps, SampleRequest{Prompts: []string{"a"}, Steps: 2, Latents: tensor.New(2, 4, 2, 2)})
	if !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}
