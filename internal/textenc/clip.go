// Package textenc turns prompts into CLIP text embeddings for the UNet.
package textenc

import (
	"fmt"
	"os"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/stylus/internal/tensor"
)

// Config mirrors a transformers CLIPTextConfig.
type Config struct {
	VocabSize             int     `json:"vocab_size"`
	HiddenSize            int     `json:"hidden_size"`
	IntermediateSize      int     `json:"intermediate_size"`
	NumHiddenLayers       int     `json:"num_hidden_layers"`
	NumAttentionHeads     int     `json:"num_attention_heads"`
	MaxPositionEmbeddings int     `json:"max_position_embeddings"`
	LayerNormEps          float32 `json:"layer_norm_eps"`
	HiddenAct             string  `json:"hidden_act"`
}

// DefaultConfig is the CLIP ViT-L/14 text tower used by Stable Diffusion 1.x.
func DefaultConfig() Config {
	return Config{
		VocabSize:             49408,
		HiddenSize:            768,
		IntermediateSize:      3072,
		NumHiddenLayers:       12,
		NumAttentionHeads:     12,
		MaxPositionEmbeddings: 77,
		LayerNormEps:          1e-5,
		HiddenAct:             "quick_gelu",
	}
}

// LoadConfig reads config.json; absent keys keep the defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.HiddenSize < 1 || c.NumAttentionHeads < 1 || c.HiddenSize%c.NumAttentionHeads != 0:
		return fmt.Errorf("clip config: hidden size %d not divisible by %d heads", c.HiddenSize, c.NumAttentionHeads)
	case c.VocabSize < 1 || c.MaxPositionEmbeddings < 2:
		return fmt.Errorf("clip config: invalid vocabulary or position table size")
	case c.HiddenAct != "quick_gelu" && c.HiddenAct != "gelu":
		return fmt.Errorf("clip config: unsupported hidden_act %q", c.HiddenAct)
	}
	return nil
}

type layer struct {
	ln1W, ln1B *tensor.Tensor
	ln2W, ln2B *tensor.Tensor
	q, k, v, o proj
	fc1, fc2   proj
}

type proj struct {
	W, B *tensor.Tensor
}

func (p proj) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.Linear(x, p.W, p.B)
}

// Model is the CLIP text transformer.
type Model struct {
	cfg      Config
	tokEmbed *tensor.Tensor
	posEmbed *tensor.Tensor
	layers   []layer
	finalW   *tensor.Tensor
	finalB   *tensor.Tensor
}

// Load builds a Model from transformers-named weights.
func Load(src tensor.Source, cfg Config) (*Model, error) {
	return Build(cfg, tensor.FromSource(src))
}

// NewRandom builds a Model with deterministic random weights.
func NewRandom(cfg Config, seed int64) (*Model, error) {
	return Build(cfg, tensor.RandomParams(seed, 0.05))
}

// Build constructs a Model requesting every weight from p.
func Build(cfg Config, p tensor.ParamFunc) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d, ff := cfg.HiddenSize, cfg.IntermediateSize
	m := &Model{cfg: cfg}
	var err error
	if m.tokEmbed, err = p("text_model.embeddings.token_embedding.weight", cfg.VocabSize, d); err != nil {
		return nil, err
	}
	if m.posEmbed, err = p("text_model.embeddings.position_embedding.weight", cfg.MaxPositionEmbeddings, d); err != nil {
		return nil, err
	}
	linear := func(name string, in, out int) (proj, error) {
		w, err := p(name+".weight", out, in)
		if err != nil {
			return proj{}, err
		}
		b, err := p(name+".bias", out)
		if err != nil {
			return proj{}, err
		}
		return proj{W: w, B: b}, nil
	}
	for i := range cfg.NumHiddenLayers {
		prefix := fmt.Sprintf("text_model.encoder.layers.%d.", i)
		var l layer
		for _, w := range []struct {
			dst  **tensor.Tensor
			name string
		}{
			{&l.ln1W, "layer_norm1.weight"}, {&l.ln1B, "layer_norm1.bias"},
			{&l.ln2W, "layer_norm2.weight"}, {&l.ln2B, "layer_norm2.bias"},
		} {
			if *w.dst, err = p(prefix+w.name, d); err != nil {
				return nil, err
			}
		}
		for _, pr := range []struct {
			dst     *proj
			name    string
			in, out int
		}{
			{&l.q, "self_attn.q_proj", d, d},
			{&l.k, "self_attn.k_proj", d, d},
			{&l.v, "self_attn.v_proj", d, d},
			{&l.o, "self_attn.out_proj", d, d},
			{&l.fc1, "mlp.fc1", d, ff},
			{&l.fc2, "mlp.fc2", ff, d},
		} {
			if *pr.dst, err = linear(prefix+pr.name, pr.in, pr.out); err != nil {
				return nil, err
			}
		}
		m.layers = append(m.layers, l)
	}
	if m.finalW, err = p("text_model.final_layer_norm.weight", d); err != nil {
		return nil, err
	}
	if m.finalB, err = p("text_model.final_layer_norm.bias", d); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Model) Config() Config { return m.cfg }

// Encode maps token ids [B][S] to hidden states [B, S, hidden].
func (m *Model) Encode(ids [][]int) (*tensor.Tensor, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("clip encode: %w: empty batch", tensor.ErrShapeMismatch)
	}
	seq, d := len(ids[0]), m.cfg.HiddenSize
	if seq > m.cfg.MaxPositionEmbeddings {
		return nil, fmt.Errorf("clip encode: %w: %d tokens, max %d", tensor.ErrShapeMismatch, seq, m.cfg.MaxPositionEmbeddings)
	}
	x := tensor.New(len(ids), seq, d)
	for b, row := range ids {
		if len(row) != seq {
			return nil, fmt.Errorf("clip encode: %w: ragged token batch", tensor.ErrShapeMismatch)
		}
		for i, tok := range row {
			if tok < 0 || tok >= m.cfg.VocabSize {
				return nil, fmt.Errorf("clip encode: token id %d out of range", tok)
			}
			dst := x.Data[(b*seq+i)*d : (b*seq+i+1)*d]
			te := m.tokEmbed.Data[tok*d : (tok+1)*d]
			pe := m.posEmbed.Data[i*d : (i+1)*d]
			for j := range dst {
				dst[j] = te[j] + pe[j]
			}
		}
	}

	eps := m.cfg.LayerNormEps
	for i := range m.layers {
		l := &m.layers[i]
		h, err := tensor.LayerNorm(x, l.ln1W, l.ln1B, eps)
		if err != nil {
			return nil, err
		}
		if h, err = m.attention(l, h); err != nil {
			return nil, fmt.Errorf("clip layer %d: %w", i, err)
		}
		if x, err = tensor.Add(x, h); err != nil {
			return nil, err
		}
		if h, err = tensor.LayerNorm(x, l.ln2W, l.ln2B, eps); err != nil {
			return nil, err
		}
		if h, err = l.fc1.forward(h); err != nil {
			return nil, err
		}
		if m.cfg.HiddenAct == "gelu" {
			h = tensor.GELU(h)
		} else {
			h = tensor.QuickGELU(h)
		}
		if h, err = l.fc2.forward(h); err != nil {
			return nil, err
		}
		if x, err = tensor.Add(x, h); err != nil {
			return nil, err
		}
	}
	return tensor.LayerNorm(x, m.finalW, m.finalB, eps)
}

func (m *Model) attention(l *layer, x *tensor.Tensor) (*tensor.Tensor, error) {
	q, err := l.q.forward(x)
	if err != nil {
		return nil, err
	}
	k, err := l.k.forward(x)
	if err != nil {
		return nil, err
	}
	v, err := l.v.forward(x)
	if err != nil {
		return nil, err
	}
	o, err := tensor.ScaledDotProduct(q, k, v, m.cfg.NumAttentionHeads, tensor.AttentionOptions{Causal: true})
	if err != nil {
		return nil, err
	}
	return l.o.forward(o)
}

// Encoder pairs a tokenizer with a text model.
type Encoder struct {
	Tokenizer *Tokenizer
	Model     *Model
}

// EncodePrompts returns conditioning [len(prompts), MaxLen, hidden].
func (e *Encoder) EncodePrompts(prompts []string) (*tensor.Tensor, error) {
	ids := make([][]int, len(prompts))
	for i, p := range prompts {
		ids[i] = e.Tokenizer.Encode(p)
	}
	return e.Model.Encode(ids)
}
