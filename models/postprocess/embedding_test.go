package postprocess

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-tensordecode/common"
)

func embed(t *testing.T, quantize, l2 bool, values ...float32) Embedding {
	t.Helper()
	agg := NewTensorsToEmbedding(quantize, l2)
	id, err := agg.AddHead(f32Spec, []int{1, len(values)}, nil)
	require.NoError(t, err)
	putFloats(agg.OutputBuffer(id), values...)
	result, err := agg.Result(nil)
	require.NoError(t, err)
	require.Len(t, result.Embeddings, 1)
	return result.Embeddings[0]
}

func TestTensorsToEmbedding(t *testing.T) {
	tests := []struct {
		name          string
		quantize      bool
		l2            bool
		in            []float32
		wantFloat     []float32
		wantQuantized []int8
	}{
		{name: "raw", in: []float32{3, 4}, wantFloat: []float32{3, 4}},
		{name: "l2", l2: true, in: []float32{3, 4}, wantFloat: []float32{0.6, 0.8}},
		{name: "l2 of zero vector", l2: true, in: []float32{0, 0}, wantFloat: []float32{0, 0}},
		{name: "quantized l2", quantize: true, l2: true, in: []float32{3, 4}, wantQuantized: []int8{77, 102}},
		{name: "quantized clamps", quantize: true, in: []float32{2, -2, 0.5}, wantQuantized: []int8{127, -128, 64}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := embed(t, tt.quantize, tt.l2, tt.in...)
			if tt.quantize {
				assert.Equal(t, tt.wantQuantized, e.QuantizedEmbedding)
				assert.Empty(t, e.FloatEmbedding)
				return
			}
			assert.Empty(t, e.QuantizedEmbedding)
			assert.InDeltaSlice(t, tt.wantFloat, e.FloatEmbedding, 1e-6)
		})
	}
}

func TestCosineSimilarity(t *testing.T) {
	f := embed(t, false, false, 0.1, -0.4, 2)
	sim, err := f.CosineSimilarity(f)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)

	q := embed(t, true, true, 0.1, -0.4, 2)
	sim, err = q.CosineSimilarity(q)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, sim, 1e-9)

	opposite := Embedding{FloatEmbedding: []float32{-0.1, 0.4, -2}}
	sim, err = f.CosineSimilarity(opposite)
	require.NoError(t, err)
	assert.InDelta(t, -1.0, sim, 1e-6)

	tests := []struct {
		name string
		a, b Embedding
		msg  string
	}{
		{name: "different sizes", a: f, b: Embedding{FloatEmbedding: []float32{1}}, msg: "different sizes"},
		{name: "float and quantized", a: f, b: q, msg: "quantized and float"},
		{name: "quantized and float", a: q, b: f, msg: "quantized and float"},
		{name: "zero norm", a: Embedding{FloatEmbedding: []float32{0, 0}}, b: Embedding{FloatEmbedding: []float32{1, 0}}, msg: "0 norm"},
		{name: "quantized sizes", a: q, b: Embedding{QuantizedEmbedding: []int8{1}}, msg: "different sizes"},
		{name: "both empty", a: Embedding{}, b: Embedding{}, msg: "empty embedding"},
		{name: "one empty", a: f, b: Embedding{HeadIndex: 1}, msg: "empty embedding"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.a.CosineSimilarity(tt.b)
			require.Error(t, err)
			assert.True(t, common.IsArgument(err))
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestEmbeddingResultString(t *testing.T) {
	name := "features"
	ts := uint64(3)
	got := EmbeddingResult{
		Embeddings:  []Embedding{{HeadIndex: 0, HeadName: &name, QuantizedEmbedding: []int8{1, -2}}},
		TimestampMs: &ts,
	}.String()
	assert.Equal(t, "EmbeddingResult:\n  Timestamp: 3 ms\n  Embedding #0:\n    Head name: features\n    Head index: 0\n    Quantized embedding: [1 -2]\n", got)
	assert.Equal(t, "EmbeddingResult:\n  No Embedding\n", EmbeddingResult{}.String())
}
