package textenc

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/samcharles93/stylus/internal/tensor"
)

func tinyConfig() Config {
	return Config{
		VocabSize:             11,
		HiddenSize:            8,
		IntermediateSize:      16,
		NumHiddenLayers:       2,
		NumAttentionHeads:     2,
		MaxPositionEmbeddings: 8,
		LayerNormEps:          1e-5,
		HiddenAct:             "quick_gelu",
	}
}

func TestEncodeShape(t *testing.T) {
	t.Parallel()
	m, err := NewRandom(tinyConfig(), 3)
	if err != nil {
		t.Fatalf("NewRandom: %v", err)
	}
	out, err := m.Encode([][]int{{0, 7, 1, 1, 1, 1, 1, 1}, {0, 6, 4, 10, 1, 1, 1, 1}})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(out.Shape) != 3 || out.Shape[0] != 2 || out.Shape[1] != 8 || out.Shape[2] != 8 {
		t.Fatalf("shape %v, want [2 8 8]", out.Shape)
	}
}

func TestEncodeIsCausal(t *testing.T) {
	t.Parallel()
	for _, act := range []string{"quick_gelu", "gelu"} {
		cfg := tinyConfig()
		cfg.HiddenAct = act
		m, err := NewRandom(cfg, 5)
		if err != nil {
			t.Fatalf("NewRandom: %v", err)
		}
		out, err := m.Encode([][]int{{0, 7, 6, 4, 10, 1, 1, 1}, {0, 7, 6, 4, 3, 2, 1, 1}})
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		d := m.Config().HiddenSize
		a := out.Data[:8*d]
		b := out.Data[8*d:]
		for i := range 4 * d {
			if diff := a[i] - b[i]; diff > 1e-6 || diff < -1e-6 {
				t.Fatalf("%s: position %d depends on later tokens", act, i/d)
			}
		}
		same := true
		for i := 4 * d; i < 5*d; i++ {
			if a[i] != b[i] {
				same = false
			}
		}
		if same {
			t.Fatalf("%s: position 4 ignores its own token", act)
		}
	}
}

func TestEncodeRejectsBadInput(t *testing.T) {
	t.Parallel()
	m, err := NewRandom(tinyConfig(), 1)
	if err != nil {
		t.Fatalf("NewRandom: %v", err)
	}
	if _, err := m.Encode(nil); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Fatalf("empty batch: got %v", err)
	}
	if _, err := m.Encode([][]int{{0, 1}, {0}}); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Fatalf("ragged batch: got %v", err)
	}
	if _, err := m.Encode([][]int{make([]int, 9)}); !errors.Is(err, tensor.ErrShapeMismatch) {
		t.Fatalf("too long: got %v", err)
	}
	if _, err := m.Encode([][]int{{0, 11}}); err == nil {
		t.Fatalf("expected error for out of range token")
	}
}

func TestLoadMatchesBuild(t *testing.T) {
	t.Parallel()
	rec := tensor.NewRecorder(tensor.RandomParams(9, 0.05))
	built, err := Build(tinyConfig(), rec.Param)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	loaded, err := Load(rec.Seen, tinyConfig())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, ok := rec.Seen["text_model.encoder.layers.1.mlp.fc2.bias"]; !ok {
		t.Fatalf("missing transformers weight name")
	}
	ids := [][]int{{0, 7, 1, 1, 1, 1, 1, 1}}
	a, err := built.Encode(ids)
	if err != nil {
		t.Fatal(err)
	}
	b, err := loaded.Encode(ids)
	if err != nil {
		t.Fatal(err)
	}
	if d := tensor.MaxAbsDiff(a, b); d != 0 {
		t.Fatalf("loaded model differs by %g", d)
	}
}

func TestEncodePrompts(t *testing.T) {
	t.Parallel()
	m, err := NewRandom(tinyConfig(), 2)
	if err != nil {
		t.Fatalf("NewRandom: %v", err)
	}
	enc := &Encoder{Tokenizer: tinyTokenizer(t, 8), Model: m}
	out, err := enc.EncodePrompts([]string{"", "low", "lower"})
	if err != nil {
		t.Fatalf("EncodePrompts: %v", err)
	}
	if out.Shape[0] != 3 || out.Shape[1] != 8 || out.Shape[2] != 8 {
		t.Fatalf("shape %v, want [3 8 8]", out.Shape)
	}
	if tensor.MaxAbsDiff(out.Batch(0, 1), out.Batch(1, 2)) == 0 {
		t.Fatalf("different prompts encoded identically")
	}
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"hidden_size":8,"num_attention_heads":2,"hidden_act":"gelu","architectures":["CLIPTextModel"]}`), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HiddenSize != 8 || cfg.HiddenAct != "gelu" || cfg.VocabSize != 49408 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if err := os.WriteFile(path, []byte(`{"hidden_act":"relu"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected error for unsupported activation")
	}
}
