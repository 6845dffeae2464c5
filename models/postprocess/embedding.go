package postprocess

import (
	"fmt"
	"math"
	"strings"

	"github.com/chewxy/math32"

	"github.com/nvr-ai/go-tensordecode/common"
	"github.com/nvr-ai/go-tensordecode/tensors"
)

// Embedding is the vector produced by one embedder head. Exactly one of FloatEmbedding and
// QuantizedEmbedding is set.
type Embedding struct {
	HeadIndex          int       `json:"head_index" yaml:"head_index"`
	HeadName           *string   `json:"head_name,omitempty" yaml:"head_name,omitempty"`
	FloatEmbedding     []float32 `json:"float_embedding,omitempty" yaml:"float_embedding,omitempty"`
	QuantizedEmbedding []int8    `json:"quantized_embedding,omitempty" yaml:"quantized_embedding,omitempty"`
}

// CosineSimilarity compares two embeddings of the same representation.
//
// Arguments:
//   - other: The embedding to compare with.
//
// Returns:
//   - float64: dot(u, v) / (|u| * |v|).
//   - error: An argument error when the sizes differ, one side is quantized and the other is
//     not, or either norm is zero.
//
// @example
// sim, err := a.CosineSimilarity(b)
func (e Embedding) CosineSimilarity(other Embedding) (float64, error) {
	if e.empty() || other.empty() {
		return 0, common.ArgumentErrorf("cannot compute cosine similarity on an empty embedding")
	}
	if e.quantized() != other.quantized() {
		return 0, common.ArgumentErrorf("cannot compute cosine similarity between quantized and float embeddings")
	}
	if e.quantized() {
		if len(e.QuantizedEmbedding) != len(other.QuantizedEmbedding) {
			return 0, common.ArgumentErrorf("cannot compute cosine similarity between embeddings of different sizes (%d vs. %d)", len(e.QuantizedEmbedding), len(other.QuantizedEmbedding))
		}
		return cosineSimilarity(e.QuantizedEmbedding, other.QuantizedEmbedding)
	}
	if len(e.FloatEmbedding) != len(other.FloatEmbedding) {
		return 0, common.ArgumentErrorf("cannot compute cosine similarity between embeddings of different sizes (%d vs. %d)", len(e.FloatEmbedding), len(other.FloatEmbedding))
	}
	return cosineSimilarity(e.FloatEmbedding, other.FloatEmbedding)
}

func (e Embedding) empty() bool {
	return len(e.FloatEmbedding) == 0 && len(e.QuantizedEmbedding) == 0
}

// quantized reports whether the float representation is absent.
func (e Embedding) quantized() bool {
	return len(e.FloatEmbedding) == 0
}

func cosineSimilarity[T float32 | int8](u, v []T) (float64, error) {
	var dot, normU, normV float64
	for i := range u {
		a, b := float64(u[i]), float64(v[i])
		dot += a * b
		normU += a * a
		normV += b * b
	}
	if normU <= 0 || normV <= 0 {
		return 0, common.ArgumentErrorf("cannot compute cosine similarity on embedding with 0 norm")
	}
	return dot / math.Sqrt(normU*normV), nil
}

// EmbeddingResult holds the embeddings of every head.
type EmbeddingResult struct {
	Embeddings  []Embedding `json:"embeddings" yaml:"embeddings"`
	TimestampMs *uint64     `json:"timestamp_ms,omitempty" yaml:"timestamp_ms,omitempty"`
}

func (r EmbeddingResult) String() string {
	var b strings.Builder
	b.WriteString("EmbeddingResult:\n")
	if r.TimestampMs != nil {
		fmt.Fprintf(&b, "  Timestamp: %d ms\n", *r.TimestampMs)
	}
	if len(r.Embeddings) == 0 {
		b.WriteString("  No Embedding\n")
		return b.String()
	}
	for i, e := range r.Embeddings {
		fmt.Fprintf(&b, "  Embedding #%d:\n", i)
		if e.HeadName != nil {
			fmt.Fprintf(&b, "    Head name: %s\n", *e.HeadName)
			fmt.Fprintf(&b, "    Head index: %d\n", e.HeadIndex)
		}
		if e.QuantizedEmbedding != nil {
			fmt.Fprintf(&b, "    Quantized embedding: %v\n", e.QuantizedEmbedding)
		} else {
			fmt.Fprintf(&b, "    Float embedding: %v\n", e.FloatEmbedding)
		}
	}
	return b.String()
}

type embeddingHead struct {
	buf  *tensors.OutputBuffer
	name *string
}

// TensorsToEmbedding turns one feature tensor per head into embeddings. It owns its buffers and
// is not safe for concurrent use.
type TensorsToEmbedding struct {
	quantize    bool
	l2Normalize bool
	heads       []embeddingHead
}

// NewTensorsToEmbedding creates an aggregator without heads.
//
// Arguments:
//   - quantize: Emit int8 embeddings, round(v*128) clamped to [-128, 127].
//   - l2Normalize: Scale each vector to unit length first.
func NewTensorsToEmbedding(quantize, l2Normalize bool) *TensorsToEmbedding {
	return &TensorsToEmbedding{quantize: quantize, l2Normalize: l2Normalize}
}

// AddHead registers the next output tensor and returns its index.
func (t *TensorsToEmbedding) AddHead(spec BufferSpec, shape []int, headName *string) (int, error) {
	buf, err := spec.newBuffer(tensors.ElementCount(shape))
	if err != nil {
		return 0, err
	}
	t.heads = append(t.heads, embeddingHead{buf: buf, name: headName})
	return len(t.heads) - 1, nil
}

// NumHeads returns the number of registered heads.
func (t *TensorsToEmbedding) NumHeads() int { return len(t.heads) }

// OutputBuffer is where the inference call writes the features of head i.
func (t *TensorsToEmbedding) OutputBuffer(i int) []byte {
	return t.heads[i].buf.Bytes()
}

// Result builds the embeddings of every head.
func (t *TensorsToEmbedding) Result(timestampMs *uint64) (EmbeddingResult, error) {
	res := EmbeddingResult{
		Embeddings:  make([]Embedding, 0, len(t.heads)),
		TimestampMs: timestampMs,
	}
	for id, h := range t.heads {
		values := h.buf.Floats()
		scale := float32(1)
		if t.l2Normalize {
			scale = inverseL2Norm(values)
		}
		e := Embedding{HeadIndex: id, HeadName: h.name}
		if t.quantize {
			e.QuantizedEmbedding = make([]int8, len(values))
			for i, v := range values {
				e.QuantizedEmbedding[i] = quantizeEmbeddingValue(v * scale)
			}
		} else {
			e.FloatEmbedding = make([]float32, len(values))
			for i, v := range values {
				e.FloatEmbedding[i] = v * scale
			}
		}
		res.Embeddings = append(res.Embeddings, e)
	}
	return res, nil
}

// inverseL2Norm returns 1/|v|, or 1 for an all-zero vector.
func inverseL2Norm(values []float32) float32 {
	var sum float32
	for _, v := range values {
		sum += v * v
	}
	if sum > 0 {
		return 1 / math32.Sqrt(sum)
	}
	return 1
}

func quantizeEmbeddingValue(v float32) int8 {
	q := math.Round(float64(v) * 128)
	switch {
	case math.IsNaN(q):
		return 0
	case q > 127:
		return 127
	case q < -128:
		return -128
	}
	return int8(q)
}
