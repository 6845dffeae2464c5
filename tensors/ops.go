package tensors

import (
	"fmt"
	"strings"

	"github.com/chewxy/math32"

	"github.com/nvr-ai/go-tensordecode/common"
)

// Activation is the function a model expects to be applied to its raw output before the values
// can be read as probabilities.
type Activation int

const (
	// ActivationNone leaves values untouched.
	ActivationNone Activation = iota
	// ActivationSigmoid applies the logistic function elementwise.
	ActivationSigmoid
	// ActivationSoftmax normalizes each group of values (e.g. the channels of a pixel).
	ActivationSoftmax
)

func (a Activation) String() string {
	switch a {
	case ActivationNone:
		return "NONE"
	case ActivationSigmoid:
		return "SIGMOID"
	case ActivationSoftmax:
		return "SOFTMAX"
	default:
		return fmt.Sprintf("Activation(%d)", int(a))
	}
}

// ParseActivation parses "none", "sigmoid" or "softmax", case-insensitively.
func ParseActivation(s string) (Activation, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NONE":
		return ActivationNone, nil
	case "SIGMOID":
		return ActivationSigmoid, nil
	case "SOFTMAX":
		return ActivationSoftmax, nil
	default:
		return ActivationNone, common.ArgumentErrorf("unknown activation `%s`", s)
	}
}

// Dequantize writes q.Scale * (src[i] - q.ZeroPoint) into dst[i].
//
// Arguments:
//   - src: The quantized bytes.
//   - q: The quantization parameters of the tensor.
//   - dst: The destination, at least len(src) long.
//
// @example
// out := make([]float32, len(raw))
// tensors.Dequantize(raw, tensors.QuantizationParameters{Scale: 0.5, ZeroPoint: 128}, out)
func Dequantize(src []byte, q QuantizationParameters, dst []float32) {
	for i, b := range src {
		dst[i] = q.Scale * float32(int32(b)-q.ZeroPoint)
	}
}

// Sigmoid returns 1 / (1 + e^-x).
func Sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// SigmoidInPlace applies Sigmoid to every element of v.
func SigmoidInPlace(v []float32) {
	for i := range v {
		v[i] = Sigmoid(v[i])
	}
}

// SoftmaxInPlace replaces v with e^v[i] / sum(e^v). The largest logit is subtracted first so
// large logits do not overflow.
func SoftmaxInPlace(v []float32) {
	if len(v) == 0 {
		return
	}
	hi := v[0]
	for _, x := range v[1:] {
		hi = math32.Max(hi, x)
	}
	var sum float32
	for i := range v {
		v[i] = math32.Exp(v[i] - hi)
		sum += v[i]
	}
	for i := range v {
		v[i] /= sum
	}
}
