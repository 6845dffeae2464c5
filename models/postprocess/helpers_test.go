package postprocess

import (
	"encoding/binary"
	"math"

	"github.com/nvr-ai/go-tensordecode/tensors"
)

var f32Spec = BufferSpec{Type: tensors.F32}

func putFloats(dst []byte, values ...float32) {
	for i, v := range values {
		binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
	}
}

func float32NaN() float32 {
	return float32(math.NaN())
}
