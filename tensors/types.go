// Package tensors - raw output tensor storage and the quantization adapter that exposes it as
// float32 values.
package tensors

import (
	"fmt"
	"strings"

	"github.com/nvr-ai/go-tensordecode/common"
)

// TensorType is the element type of a model output tensor.
type TensorType int

const (
	// F32 is IEEE-754 binary32.
	F32 TensorType = iota
	// U8 is an unsigned 8-bit integer, usually scale/zero-point quantized.
	U8
	// F16 is IEEE-754 binary16.
	F16
	// I32 is a signed 32-bit integer.
	I32
)

// ByteSize returns the size in bytes of a single element.
func (t TensorType) ByteSize() int {
	switch t {
	case U8:
		return 1
	case F16:
		return 2
	case F32, I32:
		return 4
	default:
		return 0
	}
}

func (t TensorType) String() string {
	switch t {
	case F32:
		return "F32"
	case U8:
		return "U8"
	case F16:
		return "F16"
	case I32:
		return "I32"
	default:
		return fmt.Sprintf("TensorType(%d)", int(t))
	}
}

// ParseTensorType parses the names produced by String, case-insensitively.
//
// Arguments:
//   - s: The tensor type name, e.g. "f32" or "U8".
//
// Returns:
//   - TensorType: The parsed type.
//   - error: An argument error for unknown names.
func ParseTensorType(s string) (TensorType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "F32", "FLOAT32":
		return F32, nil
	case "U8", "UINT8":
		return U8, nil
	case "F16", "FLOAT16":
		return F16, nil
	case "I32", "INT32":
		return I32, nil
	default:
		return F32, common.ArgumentErrorf("unknown tensor type `%s`", s)
	}
}

// QuantizationParameters maps quantized integers back to real values:
// value = Scale * (q - ZeroPoint).
type QuantizationParameters struct {
	Scale     float32 `json:"scale" yaml:"scale" mapstructure:"scale"`
	ZeroPoint int32   `json:"zero_point" yaml:"zero_point" mapstructure:"zero_point"`
}
