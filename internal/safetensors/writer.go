package safetensors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"slices"

	json "github.com/goccy/go-json"
	"github.com/x448/float16"

	"github.com/samcharles93/stylus/internal/tensor"
)

// Write stores tensors at path in name order, encoded as F32 or F16.
func Write(path string, tensors map[string]*tensor.Tensor, dtype tensor.DType, metadata map[string]string) (err error) {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		names = append(names, name)
	}
	slices.Sort(names)

	dt, width := "F32", 4
	if dtype == tensor.F16 {
		dt, width = "F16", 2
	}
	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}
	var off int64
	for _, name := range names {
		n := int64(len(tensors[name].Data) * width)
		header[name] = tensorHeader{DType: dt, Shape: tensors[name].Shape, DataOffsets: []int64{off, off + n}}
		off += n
	}
	hb, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}
	// Pad to 8 bytes so tensor data stays aligned.
	for len(hb)%8 != 0 {
		hb = append(hb, ' ')
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()
	w := bufio.NewWriter(f)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(len(hb)))
	if _, err := w.Write(buf[:]); err != nil {
		return err
	}
	if _, err := w.Write(hb); err != nil {
		return err
	}
	for _, name := range names {
		for _, v := range tensors[name].Data {
			if dtype == tensor.F16 {
				binary.LittleEndian.PutUint16(buf[:2], float16.Fromfloat32(v).Bits())
			} else {
				binary.LittleEndian.PutUint32(buf[:4], math.Float32bits(v))
			}
			if _, err := w.Write(buf[:width]); err != nil {
				return err
			}
		}
	}
	return w.Flush()
}
