package safetensors

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/samcharles93/stylus/internal/tensor"
)

// Index file names checked, in order, when opening a directory.
var indexFiles = []string{
	"diffusion_pytorch_model.safetensors.index.json",
	"model.safetensors.index.json",
}

// Model is a unified view over a single file or a sharded checkpoint.
type Model struct {
	BasePath string
	files    map[string]*File
	tensors  map[string]*File
}

type index struct {
	WeightMap map[string]string `json:"weight_map"`
}

// OpenModel opens a .safetensors file, a directory with a shard index, or a
// directory holding exactly one .safetensors file.
func OpenModel(path string) (*Model, error) {
	if path == "" {
		return nil, errors.New("safetensors: empty path")
	}
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !st.IsDir() {
		f, err := Open(path)
		if err != nil {
			return nil, err
		}
		m := &Model{BasePath: path, files: map[string]*File{filepath.Base(path): f}, tensors: map[string]*File{}}
		for name := range f.Tensors {
			m.tensors[name] = f
		}
		return m, nil
	}
	for _, name := range indexFiles {
		idx := filepath.Join(path, name)
		if _, err := os.Stat(idx); err == nil {
			return openIndexed(path, idx)
		}
	}
	single, err := singleFile(path)
	if err != nil {
		return nil, err
	}
	return OpenModel(single)
}

func openIndexed(dir, idxPath string) (*Model, error) {
	raw, err := os.ReadFile(idxPath)
	if err != nil {
		return nil, err
	}
	var idx index
	if err := json.Unmarshal(raw, &idx); err != nil {
		return nil, fmt.Errorf("parse index %s: %w", idxPath, err)
	}
	if len(idx.WeightMap) == 0 {
		return nil, fmt.Errorf("index has empty weight_map: %s", idxPath)
	}
	m := &Model{BasePath: dir, files: map[string]*File{}, tensors: map[string]*File{}}
	for name, shard := range idx.WeightMap {
		f, ok := m.files[shard]
		if !ok {
			if f, err = Open(filepath.Join(dir, shard)); err != nil {
				_ = m.Close()
				return nil, err
			}
			m.files[shard] = f
		}
		if _, ok := f.Tensors[name]; !ok {
			_ = m.Close()
			return nil, fmt.Errorf("tensor %q not found in shard %q", name, shard)
		}
		m.tensors[name] = f
	}
	return m, nil
}

func singleFile(dir string) (string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, e := range ents {
		if !e.IsDir() && strings.HasSuffix(strings.ToLower(e.Name()), ".safetensors") {
			matches = append(matches, filepath.Join(dir, e.Name()))
		}
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("no .safetensors file in %s", dir)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("found %d .safetensors files but no shard index in %s", len(matches), dir)
	}
}

// Load implements tensor.Source.
func (m *Model) Load(name string) (*tensor.Tensor, error) {
	f, ok := m.tensors[name]
	if !ok {
		return nil, fmt.Errorf("tensor not found: %s", name)
	}
	return f.Load(name)
}

func (m *Model) Tensor(name string) (TensorInfo, bool) {
	f, ok := m.tensors[name]
	if !ok {
		return TensorInfo{}, false
	}
	return f.Tensor(name)
}

// Names lists every tensor across all shards in sorted order.
func (m *Model) Names() []string {
	out := make([]string, 0, len(m.tensors))
	for name := range m.tensors {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

func (m *Model) Close() error {
	if m == nil {
		return nil
	}
	var first error
	for _, f := range m.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
