package weights

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

// Tensor is a view of one partitioned tensor inside a shard's buffer.
type Tensor struct {
	Name  string
	DType DType
	// Shape is the shard-local shape.
	Shape []int
	// Layer is the global layer index, or -1 for non-layer tensors.
	Layer int
	// Data aliases the shard buffer. It must not be written.
	Data []byte
	// Scales holds one fp32 scale per row for int8 tensors.
	Scales []byte
}

// Elements returns the product of Shape.
func (t *Tensor) Elements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Bytes returns the storage used, scales included.
func (t *Tensor) Bytes() int {
	return len(t.Data) + len(t.Scales)
}

// Float32 decodes the tensor, dequantizing int8 storage.
func (t *Tensor) Float32() []float32 {
	out := make([]float32, t.Elements())
	switch t.DType {
	case FP32:
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(t.Data[i*4:]))
		}
	case FP16:
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(t.Data[i*2:])).Float32()
		}
	case INT8:
		rows, cols := t.rowsCols()
		for r := range rows {
			scale := math.Float32frombits(binary.LittleEndian.Uint32(t.Scales[r*4:]))
			for c := range cols {
				out[r*cols+c] = float32(int8(t.Data[r*cols+c])) * scale
			}
		}
	}
	return out
}

func (t *Tensor) rowsCols() (int, int) {
	if len(t.Shape) == 0 {
		return 1, 1
	}
	rows := t.Shape[0]
	if rows == 0 {
		return 0, 0
	}
	return rows, t.Elements() / rows
}

// storeSize returns data and scale bytes for a tensor of shape stored as dt.
func storeSize(shape []int, dt DType) (int, int) {
	t := Tensor{Shape: shape, DType: dt}
	data := t.Elements() * dt.Size()
	if dt != INT8 {
		return data, 0
	}
	rows, _ := t.rowsCols()
	return data, rows * 4
}

// encode writes src into t's storage.
func (t *Tensor) encode(src []float32) {
	switch t.DType {
	case FP32:
		for i, v := range src {
			binary.LittleEndian.PutUint32(t.Data[i*4:], math.Float32bits(v))
		}
	case FP16:
		for i, v := range src {
			binary.LittleEndian.PutUint16(t.Data[i*2:], float16.Fromfloat32(v).Bits())
		}
	case INT8:
		rows, cols := t.rowsCols()
		for r := range rows {
			row := src[r*cols : (r+1)*cols]
			scale := absMax(row) / 127
			binary.LittleEndian.PutUint32(t.Scales[r*4:], math.Float32bits(scale))
			for c, v := range row {
				var q float64
				if scale != 0 {
					q = math.Round(float64(v / scale))
				}
				t.Data[r*cols+c] = byte(int8(max(-127, min(127, q))))
			}
		}
	}
}

func absMax(v []float32) float32 {
	var m float32
	for _, x := range v {
		m = max(m, float32(math.Abs(float64(x))))
	}
	return m
}
