package tensor

import (
	"errors"
	"math"
	"testing"
)

func closeEnough(a, b, tol float32) bool {
	return float32(math.Abs(float64(a-b))) <= tol
}

func compareSlices(t *testing.T, got, want []float32, tol float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(want))
	}
	for i := range got {
		if !closeEnough(got[i], want[i], tol) {
			t.Fatalf("mismatch at %d: got %g want %g", i, got[i], want[i])
		}
	}
}

func TestFromDataRejectsWrongLength(t *testing.T) {
	t.Parallel()
	_, err := FromData(make([]float32, 5), 2, 3)
	if !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestReshapeSharesData(t *testing.T) {
	t.Parallel()
	x := Randn(1, 2, 3, 4)
	r, err := x.Reshape(6, 4)
	if err != nil {
		t.Fatalf("Reshape: %v", err)
	}
	r.Data[0] = 42
	if x.Data[0] != 42 {
		t.Fatal("reshape did not share storage")
	}
	if _, err := x.Reshape(5, 5); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestStackAndBatch(t *testing.T) {
	t.Parallel()
	a := Full(1, 1, 2)
	b := Full(2, 2, 2)
	s, err := Stack(a, b)
	if err != nil {
		t.Fatalf("Stack: %v", err)
	}
	if s.Shape[0] != 3 {
		t.Fatalf("expected 3 rows, got %v", s.Shape)
	}
	compareSlices(t, s.Batch(1, 3).Data, []float32{2, 2, 2, 2}, 0)

	if _, err := Stack(a, Full(0, 1, 3)); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestLinearMatchesNaive(t *testing.T) {
	t.Parallel()
	x := Randn(1, 3, 5, 7)
	w := Randn(2, 4, 7)
	b := Randn(3, 4)

	got, err := Linear(x, w, b)
	if err != nil {
		t.Fatalf("Linear: %v", err)
	}
	if got.Dim(-1) != 4 || got.Dim(0) != 3 || got.Dim(1) != 5 {
		t.Fatalf("unexpected shape %v", got.Shape)
	}
	want := make([]float32, 3*5*4)
	for r := range 15 {
		for o := range 4 {
			sum := b.Data[o]
			for i := range 7 {
				sum += x.Data[r*7+i] * w.Data[o*7+i]
			}
			want[r*4+o] = sum
		}
	}
	compareSlices(t, got.Data, want, 1e-5)
}

func TestConv2dMatchesNaive(t *testing.T) {
	t.Parallel()
	x := Randn(4, 2, 3, 6, 5)
	w := Randn(5, 4, 3, 3, 3)
	b := Randn(6, 4)

	got, err := Conv2d(x, w, b, 2, 1)
	if err != nil {
		t.Fatalf("Conv2d: %v", err)
	}
	hout, wout := (6+2-3)/2+1, (5+2-3)/2+1
	if got.Shape[2] != hout || got.Shape[3] != wout {
		t.Fatalf("unexpected shape %v", got.Shape)
	}
	for n := range 2 {
		for co := range 4 {
			for oy := range hout {
				for ox := range wout {
					sum := b.Data[co]
					for ci := range 3 {
						for ky := range 3 {
							for kx := range 3 {
								iy, ix := oy*2-1+ky, ox*2-1+kx
								if iy < 0 || iy >= 6 || ix < 0 || ix >= 5 {
									continue
								}
								sum += x.Data[((n*3+ci)*6+iy)*5+ix] * w.Data[((co*3+ci)*3+ky)*3+kx]
							}
						}
					}
					idx := ((n*4+co)*hout+oy)*wout + ox
					if !closeEnough(got.Data[idx], sum, 1e-4) {
						t.Fatalf("mismatch at %d: got %g want %g", idx, got.Data[idx], sum)
					}
				}
			}
		}
	}
}

func TestGroupNormNormalizesGroups(t *testing.T) {
	t.Parallel()
	x := Randn(7, 2, 4, 3, 3)
	out, err := GroupNorm(x, nil, nil, 2, 1e-6)
	if err != nil {
		t.Fatalf("GroupNorm: %v", err)
	}
	groupLen := 2 * 9
	for g := range 4 {
		var mean, sq float64
		for _, v := range out.Data[g*groupLen : (g+1)*groupLen] {
			mean += float64(v)
			sq += float64(v) * float64(v)
		}
		mean /= float64(groupLen)
		variance := sq/float64(groupLen) - mean*mean
		if math.Abs(mean) > 1e-5 || math.Abs(variance-1) > 1e-3 {
			t.Fatalf("group %d: mean %g variance %g", g, mean, variance)
		}
	}

	if _, err := GroupNorm(x, nil, nil, 3, 1e-6); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected ErrShapeMismatch, got %v", err)
	}
}

func TestSequenceRoundTrip(t *testing.T) {
	t.Parallel()
	x := Randn(8, 2, 3, 4, 5)
	seq, err := ToSequence(x)
	if err != nil {
		t.Fatalf("ToSequence: %v", err)
	}
	if seq.Shape[1] != 20 || seq.Shape[2] != 3 {
		t.Fatalf("unexpected shape %v", seq.Shape)
	}
	back, err := FromSequence(seq, 4, 5)
	if err != nil {
		t.Fatalf("FromSequence: %v", err)
	}
	compareSlices(t, back.Data, x.Data, 0)
}

func TestScaledDotProductUniformKeys(t *testing.T) {
	t.Parallel()
	q := Randn(9, 1, 3, 4)
	k := New(1, 5, 4)
	v := Randn(10, 1, 5, 4)

	out, err := ScaledDotProduct(q, k, v, 2, AttentionOptions{})
	if err != nil {
		t.Fatalf("ScaledDotProduct: %v", err)
	}
	// Zero keys give uniform weights, so every query returns the mean value row.
	mean := make([]float32, 4)
	for j := range 5 {
		for d := range 4 {
			mean[d] += v.Data[j*4+d] / 5
		}
	}
	for i := range 3 {
		compareSlices(t, out.Data[i*4:(i+1)*4], mean, 1e-5)
	}
}

func TestScaledDotProductKeyBias(t *testing.T) {
	t.Parallel()
	q := Randn(11, 1, 1, 2)
	k := New(1, 2, 2)
	v, _ := FromData([]float32{1, 1, 3, 3}, 1, 2, 2)

	out, err := ScaledDotProduct(q, k, v, 1, AttentionOptions{KeyBias: []float32{0, float32(math.Log(3))}})
	if err != nil {
		t.Fatalf("ScaledDotProduct: %v", err)
	}
	// weights 1/4 and 3/4
	compareSlices(t, out.Data, []float32{2.5, 2.5}, 1e-5)
}

func TestRoundF16(t *testing.T) {
	t.Parallel()
	x, _ := FromData([]float32{1.0001, 65504, 0.1}, 3)
	r := Cast(x, F16)
	if r.Data[0] != 1 {
		t.Fatalf("expected 1.0001 to round to 1, got %g", r.Data[0])
	}
	if r.Data[1] != 65504 {
		t.Fatalf("expected max half to survive, got %g", r.Data[1])
	}
	if x.Data[0] != 1.0001 {
		t.Fatal("Cast modified its input")
	}
	if FromHalf(HalfBits(r)[2]) != r.Data[2] {
		t.Fatal("half bits round trip mismatch")
	}
}

func TestParseDType(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]DType{"f32": F32, "float16": F16, "FP16": F16} {
		got, err := ParseDType(in)
		if err != nil || got != want {
			t.Fatalf("ParseDType(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseDType("int8"); err == nil {
		t.Fatal("expected error for int8")
	}
}

func TestLerp(t *testing.T) {
	t.Parallel()
	a := Full(2, 4)
	b := Full(6, 4)
	got, err := Lerp(a, b, 0.25)
	if err != nil {
		t.Fatalf("Lerp: %v", err)
	}
	compareSlices(t, got.Data, []float32{3, 3, 3, 3}, 1e-6)
}
