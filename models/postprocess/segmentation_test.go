package postprocess

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-tensordecode/common"
	"github.com/nvr-ai/go-tensordecode/tensors"
)

func TestSegmentationSoftmaxSinglePixel(t *testing.T) {
	seg, err := NewTensorsToSegmentation(tensors.ActivationSoftmax, f32Spec, tensors.LayoutNHWC, []int{1, 1, 1, 2})
	require.NoError(t, err)
	putFloats(seg.Buffer(), 0.2, 0.8)

	result, err := seg.Result(true, true)
	require.NoError(t, err)

	require.NotNil(t, result.CategoryMask)
	assert.Equal(t, uint8(1), result.CategoryMask.At(0, 0))

	require.Len(t, result.ConfidenceMasks, 2)
	assert.InDelta(t, 0.354, result.ConfidenceMasks[0].At(0, 0), 1e-3)
	assert.InDelta(t, 0.646, result.ConfidenceMasks[1].At(0, 0), 1e-3)

	// The activation must not leak into the raw scores.
	again, err := seg.ConfidenceMasks()
	require.NoError(t, err)
	assert.InDelta(t, 0.354, again[0].At(0, 0), 1e-3)
}

func TestSegmentationSingleChannel(t *testing.T) {
	seg, err := NewTensorsToSegmentation(tensors.ActivationSigmoid, f32Spec, tensors.LayoutNHWC, []int{1, 1, 3, 1})
	require.NoError(t, err)
	putFloats(seg.Buffer(), 0.3, 0.7, 0.5)

	mask, err := seg.CategoryMask()
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 1, 0}, mask.Pix)
	assert.Equal(t, 3, mask.Width)
	assert.Equal(t, 1, mask.Height)

	conf, err := seg.ConfidenceMasks()
	require.NoError(t, err)
	require.Len(t, conf, 1)
	assert.InDelta(t, tensors.Sigmoid(0.7), conf[0].At(1, 0), 1e-6)
}

func TestSegmentationMultiClassMask(t *testing.T) {
	seg, err := NewTensorsToSegmentation(tensors.ActivationNone, f32Spec, tensors.LayoutNHWC, []int{2, 2, 3})
	require.NoError(t, err)
	putFloats(seg.Buffer(),
		0.9, 0.1, 0.0, 0.1, 0.8, 0.1,
		0.0, 0.2, 0.7, 0.3, 0.3, 0.3,
	)

	result, err := seg.Result(true, false)
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 1, 2, 0}, result.CategoryMask.Pix)
	assert.Nil(t, result.ConfidenceMasks)
	assert.Equal(t, "SegmentationResult:\n  Category mask: 2x2\n  Confidence masks: None\n", result.String())
}

func TestSegmentationUnsupported(t *testing.T) {
	tests := []struct {
		name   string
		layout tensors.ImageDataLayout
		shape  []int
		kind   func(error) bool
	}{
		{name: "batch of two", layout: tensors.LayoutNHWC, shape: []int{2, 4, 4, 3}, kind: common.IsModelInconsistent},
		{name: "nchw", layout: tensors.LayoutNCHW, shape: []int{1, 3, 4, 4}, kind: common.IsModelInconsistent},
		{name: "chwn", layout: tensors.LayoutCHWN, shape: []int{3, 4, 4, 1}, kind: common.IsModelInconsistent},
		{name: "rank five", layout: tensors.LayoutNHWC, shape: []int{1, 1, 4, 4, 3}, kind: common.IsArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTensorsToSegmentation(tensors.ActivationNone, f32Spec, tt.layout, tt.shape)
			require.Error(t, err)
			assert.True(t, tt.kind(err))
		})
	}
}
