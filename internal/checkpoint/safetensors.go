package checkpoint

import (
	"encoding/binary"
	"fmt"
	"slices"

	json "github.com/goccy/go-json"
)

const headerPrefix = 8

// DType is a safetensors element type.
type DType string

const (
	F32  DType = "F32"
	F16  DType = "F16"
	BF16 DType = "BF16"
)

// Size returns the element width in bytes, or 0 for unsupported types.
func (d DType) Size() int {
	switch d {
	case F32:
		return 4
	case F16, BF16:
		return 2
	default:
		return 0
	}
}

// Info describes a stored tensor.
type Info struct {
	DType DType `json:"dtype"`
	Shape []int `json:"shape"`
}

// Elements returns the product of Shape.
func (i Info) Elements() int {
	n := 1
	for _, d := range i.Shape {
		n *= d
	}
	return n
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

// entry locates a tensor's bytes within a mapped file.
type entry struct {
	Info
	file int
	data []byte
}

// parseHeader indexes the tensors of one safetensors file.
func parseHeader(m *mapped, fileIdx int) (map[string]entry, error) {
	data := m.data
	headerLen := binary.LittleEndian.Uint64(data[:headerPrefix])
	if headerLen > uint64(len(data)-headerPrefix) {
		return nil, fmt.Errorf("%w: %s: header length %d exceeds file", ErrCorrupt, m.path, headerLen)
	}
	dataStart := headerPrefix + int(headerLen)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[headerPrefix:dataStart], &raw); err != nil {
		return nil, fmt.Errorf("%w: %s: header: %v", ErrCorrupt, m.path, err)
	}
	delete(raw, "__metadata__")

	payload := data[dataStart:]
	out := make(map[string]entry, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("%w: %s: tensor %s: %v", ErrCorrupt, m.path, name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("%w: %s: tensor %s: invalid data_offsets", ErrCorrupt, m.path, name)
		}
		start, end := th.DataOffsets[0], th.DataOffsets[1]
		if start < 0 || end < start || end > int64(len(payload)) {
			return nil, fmt.Errorf("%w: %s: tensor %s: offsets [%d,%d) outside payload of %d bytes",
				ErrCorrupt, m.path, name, start, end, len(payload))
		}
		info := Info{DType: DType(th.DType), Shape: slices.Clone(th.Shape)}
		if info.DType.Size() == 0 {
			return nil, fmt.Errorf("%w: %s: tensor %s has dtype %s", ErrUnsupportedDType, m.path, name, th.DType)
		}
		for _, d := range info.Shape {
			if d <= 0 {
				return nil, fmt.Errorf("%w: %s: tensor %s: invalid dim %d", ErrCorrupt, m.path, name, d)
			}
		}
		if want := int64(info.Elements() * info.DType.Size()); want != end-start {
			return nil, fmt.Errorf("%w: %s: tensor %s: shape %v needs %d bytes, stored %d",
				ErrCorrupt, m.path, name, info.Shape, want, end-start)
		}
		out[name] = entry{Info: info, file: fileIdx, data: payload[start:end]}
	}
	return out, nil
}
