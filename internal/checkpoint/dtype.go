package checkpoint

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

// decode converts len(dst) elements starting at element index off.
func decode(dst []float32, src []byte, dtype DType, off int) {
	switch dtype {
	case F32:
		b := src[off*4:]
		for i := range dst {
			dst[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
		}
	case F16:
		b := src[off*2:]
		for i := range dst {
			dst[i] = float16.Frombits(binary.LittleEndian.Uint16(b[i*2:])).Float32()
		}
	case BF16:
		b := src[off*2:]
		for i := range dst {
			dst[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(b[i*2:])) << 16)
		}
	}
}

// encode is the inverse of decode, used by the writer.
func encode(dst []byte, src []float32, dtype DType) {
	switch dtype {
	case F32:
		for i, v := range src {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
		}
	case F16:
		for i, v := range src {
			binary.LittleEndian.PutUint16(dst[i*2:], float16.Fromfloat32(v).Bits())
		}
	case BF16:
		for i, v := range src {
			binary.LittleEndian.PutUint16(dst[i*2:], uint16(math.Float32bits(v)>>16))
		}
	}
}
