package inference

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-tensordecode/common"
	"github.com/nvr-ai/go-tensordecode/images"
	"github.com/nvr-ai/go-tensordecode/models/postprocess"
	"github.com/nvr-ai/go-tensordecode/tensors"
)

func TestClassificationSession(t *testing.T) {
	meta := &StaticMetadata{Outputs: []OutputTensor{{
		Name:         "probs",
		Type:         tensors.F32,
		Shape:        []int{1, 3},
		Labels:       []byte("cat\ndog\nbird"),
		LocaleLabels: map[string][]byte{"fr": []byte("chat\nchien\noiseau")},
	}}}

	tests := []struct {
		name    string
		locale  string
		display *string
	}{
		{name: "default labels", locale: "en"},
		{name: "localized", locale: "fr", display: ptr("chien")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := postprocess.DefaultClassificationOptions()
			opts.DisplayNamesLocale = tt.locale
			opts.MaxResults = 2
			s, err := NewClassificationSession(meta, opts, nil)
			require.NoError(t, err)

			ts := uint64(42)
			res, err := s.Classify(BytesOutputs{floatBytes(0.1, 0.7, 0.2)}, &ts)
			require.NoError(t, err)
			require.Len(t, res.Classifications, 1)
			assert.Equal(t, uint64(42), *res.TimestampMs)

			c := res.Classifications[0]
			assert.Equal(t, "probs", *c.HeadName)
			require.Len(t, c.Categories, 2)
			assert.Equal(t, "dog", *c.Categories[0].CategoryName)
			assert.Equal(t, tt.display, c.Categories[0].DisplayName)
			assert.Equal(t, "bird", *c.Categories[1].CategoryName)
		})
	}
}

func TestClassificationSessionRejectsBothLists(t *testing.T) {
	meta := &StaticMetadata{Outputs: []OutputTensor{{Type: tensors.F32, Shape: []int{1, 1}, Labels: []byte("a")}}}
	opts := postprocess.DefaultClassificationOptions()
	opts.AllowList = []string{"a"}
	opts.DenyList = []string{"b"}
	_, err := NewClassificationSession(meta, opts, nil)
	assert.True(t, common.IsArgument(err))
}

func TestEmbeddingSession(t *testing.T) {
	meta := &StaticMetadata{Outputs: []OutputTensor{{Name: "features", Type: tensors.F32, Shape: []int{1, 2}}}}
	s, err := NewEmbeddingSession(meta, false, true, []int{0})
	require.NoError(t, err)

	res, err := s.Embed(BytesOutputs{floatBytes(3, 4)}, nil)
	require.NoError(t, err)
	require.Len(t, res.Embeddings, 1)
	assert.InDeltaSlice(t, []float32{0.6, 0.8}, res.Embeddings[0].FloatEmbedding, 1e-6)
	assert.Nil(t, res.TimestampMs)

	_, err = NewEmbeddingSession(meta, false, true, []int{1})
	assert.True(t, common.IsModelInconsistent(err))
}

func segmentationMetadata() *StaticMetadata {
	return &StaticMetadata{Outputs: []OutputTensor{{
		Type:       tensors.F32,
		Shape:      []int{1, 2, 2, 2},
		Activation: tensors.ActivationSoftmax,
	}}}
}

func TestSegmentationSession(t *testing.T) {
	s, err := NewSegmentationSession(segmentationMetadata(), SegmentationConfig{
		Layout:                tensors.LayoutNHWC,
		OutputCategoryMask:    true,
		OutputConfidenceMasks: true,
	})
	require.NoError(t, err)

	scores := BytesOutputs{floatBytes(1, 0, 0, 1, 2, 0, 0, 3)}
	res, err := s.Segment(scores)
	require.NoError(t, err)
	require.NotNil(t, res.CategoryMask)
	assert.Equal(t, []uint8{0, 1, 0, 1}, res.CategoryMask.Pix)
	require.Len(t, res.ConfidenceMasks, 2)
	assert.InDelta(t, 0.7311, res.ConfidenceMasks[0].At(0, 0), 1e-4)
	assert.InDelta(t, 0.2689, res.ConfidenceMasks[1].At(0, 0), 1e-4)
}

func TestSegmentationSessionResize(t *testing.T) {
	s, err := NewSegmentationSession(segmentationMetadata(), SegmentationConfig{
		Layout:             tensors.LayoutNHWC,
		OutputCategoryMask: true,
		Width:              4,
		Height:             4,
	})
	require.NoError(t, err)

	res, err := s.Segment(BytesOutputs{floatBytes(1, 0, 0, 1, 2, 0, 0, 3)})
	require.NoError(t, err)
	require.NotNil(t, res.CategoryMask)
	assert.Equal(t, 4, res.CategoryMask.Width)
	assert.Equal(t, 4, res.CategoryMask.Height)
	assert.Equal(t, uint8(0), res.CategoryMask.At(0, 0))
	assert.Equal(t, uint8(1), res.CategoryMask.At(3, 0))
	assert.Empty(t, res.ConfidenceMasks)
}

func TestNewSegmentationSessionErrors(t *testing.T) {
	_, err := NewSegmentationSession(segmentationMetadata(), SegmentationConfig{Layout: tensors.LayoutNHWC})
	assert.True(t, common.IsArgument(err))

	_, err = NewSegmentationSession(segmentationMetadata(), SegmentationConfig{Layout: tensors.LayoutNCHW, OutputCategoryMask: true})
	assert.True(t, common.IsModelInconsistent(err))
}

func TestLandmarksSession(t *testing.T) {
	meta := &StaticMetadata{Outputs: []OutputTensor{
		{Name: "landmarks", Type: tensors.F32, Shape: []int{1, 6}},
		{Name: "world", Type: tensors.F32, Shape: []int{1, 6}},
	}}
	s, err := NewLandmarksSession(meta, LandmarksConfig{
		Output:       0,
		NumLandmarks: 2,
		Options:      postprocess.DefaultLandmarksOptions(),
		WorldOutput:  1,
	})
	require.NoError(t, err)

	rotation := float32(0)
	roi := images.NormalizedRect{XCenter: 0.5, YCenter: 0.5, Width: 0.5, Height: 0.5, Rotation: &rotation}
	res, err := s.Landmarks(BytesOutputs{
		floatBytes(0.5, 0.5, 0, 1, 0, 0.1),
		floatBytes(1, 2, 3, 4, 5, 6),
	}, &roi)
	require.NoError(t, err)

	require.Len(t, res.Landmarks, 2)
	assert.InDelta(t, 0.5, res.Landmarks[0].X, 1e-6)
	assert.InDelta(t, 0.5, res.Landmarks[0].Y, 1e-6)
	assert.InDelta(t, 0.75, res.Landmarks[1].X, 1e-6)
	assert.InDelta(t, 0.25, res.Landmarks[1].Y, 1e-6)
	assert.InDelta(t, 0.05, res.Landmarks[1].Z, 1e-6)

	require.Len(t, res.WorldLandmarks, 2)
	assert.InDelta(t, 4, res.WorldLandmarks[1].X, 1e-6)
	assert.InDelta(t, 6, res.WorldLandmarks[1].Z, 1e-6)
}

func TestLandmarksSessionNormalizeNeedsImageSize(t *testing.T) {
	meta := &StaticMetadata{Outputs: []OutputTensor{{Type: tensors.F32, Shape: []int{1, 3}}}}
	s, err := NewLandmarksSession(meta, LandmarksConfig{
		NumLandmarks: 1,
		Options:      postprocess.DefaultLandmarksOptions(),
		Normalize:    true,
		WorldOutput:  -1,
	})
	require.NoError(t, err)

	_, err = s.Landmarks(BytesOutputs{floatBytes(1, 2, 3)}, nil)
	assert.True(t, common.IsArgument(err))
}

func TestLandmarksResultString(t *testing.T) {
	res := LandmarksResult{Landmarks: postprocess.Landmarks{{X: 1, Y: 2, Z: 3}}}
	assert.Equal(t, "LandmarksResult:\n  Landmarks:\n    Landmark #0:\n      x:       1\n      y:       2\n      z:       3\n", res.String())

	res.WorldLandmarks = postprocess.Landmarks{}
	assert.Equal(t, "LandmarksResult:\n  Landmarks:\n    Landmark #0:\n      x:       1\n      y:       2\n      z:       3\n  WorldLandmarks:\n  No Landmark\n", res.String())
}

func ptr[T any](v T) *T {
	return &v
}
