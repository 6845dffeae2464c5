package tensors

import (
	"encoding/binary"
	"unsafe"

	"github.com/x448/float16"

	"github.com/nvr-ai/go-tensordecode/common"
)

// OutputBuffer holds the raw bytes of one model output tensor and exposes them as float32.
//
// The buffer is owned by exactly one decoder and is not safe for concurrent use. Storage only
// grows: a model reporting fewer boxes on the next inference reuses the larger allocation.
type OutputBuffer struct {
	data         []byte
	tensorType   TensorType
	quantization *QuantizationParameters
	// scratch receives dequantized/converted values for every type except F32.
	scratch []float32
	// elems is the number of elements currently in use.
	elems int
	grown int
}

// NewOutputBuffer allocates a buffer for elems elements of the given type.
//
// Arguments:
//   - t: The element type reported by the model metadata.
//   - q: The quantization parameters; required when t is U8.
//   - elems: The initial element count, may be zero for buffers sized per inference.
//
// Returns:
//   - *OutputBuffer: The buffer.
//   - error: A model inconsistency error when a U8 tensor has no quantization parameters or the
//     type is unknown.
//
// @example
// buf, err := tensors.NewOutputBuffer(tensors.U8, &tensors.QuantizationParameters{Scale: 1.0 / 255}, 10)
func NewOutputBuffer(t TensorType, q *QuantizationParameters, elems int) (*OutputBuffer, error) {
	if t.ByteSize() == 0 {
		return nil, common.ModelInconsistentErrorf("unsupported tensor type `%s`", t)
	}
	if t == U8 && q == nil {
		return nil, common.ModelInconsistentErrorf("U8 output tensor has no quantization parameters")
	}
	if elems < 0 {
		return nil, common.ArgumentErrorf("negative element count `%d`", elems)
	}
	b := &OutputBuffer{tensorType: t}
	if q != nil {
		qp := *q
		b.quantization = &qp
	}
	b.SetLen(elems)
	b.grown = 0
	return b, nil
}

// Type returns the element type of the buffer.
func (b *OutputBuffer) Type() TensorType {
	return b.tensorType
}

// Quantization returns the quantization parameters, or nil.
func (b *OutputBuffer) Quantization() *QuantizationParameters {
	return b.quantization
}

// Len returns the number of elements in use.
func (b *OutputBuffer) Len() int {
	return b.elems
}

// Cap returns the number of elements the storage can hold without growing.
func (b *OutputBuffer) Cap() int {
	return len(b.data) / b.tensorType.ByteSize()
}

// Grows returns how many times the storage had to be reallocated since construction.
func (b *OutputBuffer) Grows() int {
	return b.grown
}

// EnsureCapacity grows the byte storage (and the float scratch for non-F32 types) so it holds at
// least elems elements. It never shrinks.
//
// Returns:
//   - bool: True when the storage was reallocated.
func (b *OutputBuffer) EnsureCapacity(elems int) bool {
	grew := false
	size := elems * b.tensorType.ByteSize()
	if len(b.data) < size {
		next := make([]byte, size)
		copy(next, b.data)
		b.data = next
		grew = true
	}
	if b.tensorType != F32 && len(b.scratch) < elems {
		next := make([]float32, elems)
		copy(next, b.scratch)
		b.scratch = next
		grew = true
	}
	if grew {
		b.grown++
	}
	return grew
}

// SetLen sets the number of elements in use, growing the storage if needed.
//
// Returns:
//   - bool: True when the storage was reallocated.
func (b *OutputBuffer) SetLen(elems int) bool {
	grew := b.EnsureCapacity(elems)
	b.elems = elems
	return grew
}

// Bytes returns the in-use byte region. The inference call writes the tensor here.
func (b *OutputBuffer) Bytes() []byte {
	return b.data[:b.elems*b.tensorType.ByteSize()]
}

// Floats returns the in-use elements as float32.
//
// F32 buffers are reinterpreted without copying, so writes through the returned slice are visible
// in Bytes. Every other type is converted into a scratch slice that is reused across calls and is
// only valid until the next call.
func (b *OutputBuffer) Floats() []float32 {
	if b.elems == 0 {
		return nil
	}
	raw := b.Bytes()
	switch b.tensorType {
	case F32:
		return unsafe.Slice((*float32)(unsafe.Pointer(unsafe.SliceData(raw))), b.elems)
	case U8:
		out := b.scratch[:b.elems]
		Dequantize(raw, *b.quantization, out)
		return out
	case F16:
		out := b.scratch[:b.elems]
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
		return out
	case I32:
		out := b.scratch[:b.elems]
		for i := range out {
			v := int32(binary.LittleEndian.Uint32(raw[i*4:]))
			if q := b.quantization; q != nil {
				out[i] = q.Scale * float32(v-q.ZeroPoint)
			} else {
				out[i] = float32(v)
			}
		}
		return out
	}
	return nil
}
