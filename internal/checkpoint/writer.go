package checkpoint

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"slices"

	json "github.com/goccy/go-json"
)

// Tensor is a tensor to be written by WriteFile.
type Tensor struct {
	Name  string
	DType DType
	Shape []int
	Data  []float32
}

// WriteFile writes tensors to a single safetensors file, in the given order.
func WriteFile(path string, tensors []Tensor) error {
	header := make(map[string]tensorHeader, len(tensors))
	var off int64
	for _, t := range tensors {
		size := t.DType.Size()
		if size == 0 {
			return fmt.Errorf("%w: %s has dtype %s", ErrUnsupportedDType, t.Name, t.DType)
		}
		info := Info{Shape: t.Shape}
		if info.Elements() != len(t.Data) {
			return fmt.Errorf("checkpoint: %s: shape %v holds %d elements, got %d", t.Name, t.Shape, info.Elements(), len(t.Data))
		}
		if _, dup := header[t.Name]; dup {
			return fmt.Errorf("checkpoint: duplicate tensor %s", t.Name)
		}
		n := int64(len(t.Data) * size)
		header[t.Name] = tensorHeader{
			DType:       string(t.DType),
			Shape:       slices.Clone(t.Shape),
			DataOffsets: []int64{off, off + n},
		}
		off += n
	}
	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("marshal header: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	var lenBuf [headerPrefix]byte
	binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(headerBytes)))
	_, _ = w.Write(lenBuf[:])
	_, _ = w.Write(headerBytes)
	for _, t := range tensors {
		buf := make([]byte, len(t.Data)*t.DType.Size())
		encode(buf, t.Data, t.DType)
		_, _ = w.Write(buf)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
