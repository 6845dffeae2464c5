package inference

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-tensordecode/common"
	"github.com/nvr-ai/go-tensordecode/images"
	"github.com/nvr-ai/go-tensordecode/metrics"
	"github.com/nvr-ai/go-tensordecode/models/postprocess"
	"github.com/nvr-ai/go-tensordecode/tensors"
)

func postprocessedMetadata(maxBoxes int) *StaticMetadata {
	props := [4]int{0, 1, 2, 3}
	return &StaticMetadata{
		Outputs: []OutputTensor{
			{Name: "location", Type: tensors.F32, Shape: []int{1, maxBoxes, 4}},
			{Name: "category", Type: tensors.F32, Shape: []int{1, maxBoxes}},
			{Name: "score", Type: tensors.F32, Shape: []int{1, maxBoxes}},
			{Name: "number of detections", Type: tensors.F32, Shape: []int{1}},
		},
		BoxProperties: &props,
	}
}

func TestDetectionSessionPostprocessed(t *testing.T) {
	s, err := NewDetectionSession(postprocessedMetadata(10), DetectionSessionConfig{
		Outputs:    PostprocessedOutputs(),
		Filter:     postprocess.NewFullCategoriesFilter(0, []byte("person\ncar"), nil),
		Options:    postprocess.DefaultDetectionOptions(),
		MaxResults: -1,
	})
	require.NoError(t, err)

	before := testutil.ToFloat64(metrics.DecodeTotal.WithLabelValues(metrics.TaskDetection, "ok"))
	res, err := s.Detect(BytesOutputs{
		floatBytes(0.1, 0.1, 0.3, 0.3, 0.5, 0.5, 0.9, 0.9),
		floatBytes(0, 1),
		floatBytes(0.8, 0.9),
		floatBytes(2),
	})
	require.NoError(t, err)
	require.Len(t, res.Detections, 2)

	car := res.Detections[0]
	assert.Equal(t, "car", *car.Categories[0].CategoryName)
	assert.True(t, car.BoundingBox.Equal(images.Rect{Left: 0.5, Top: 0.5, Right: 0.9, Bottom: 0.9}))
	person := res.Detections[1]
	assert.Equal(t, "person", *person.Categories[0].CategoryName)
	assert.True(t, person.BoundingBox.Equal(images.Rect{Left: 0.1, Top: 0.1, Right: 0.3, Bottom: 0.3}))

	assert.Equal(t, before+1, testutil.ToFloat64(metrics.DecodeTotal.WithLabelValues(metrics.TaskDetection, "ok")))
}

func TestDetectionSessionBoxCountMismatch(t *testing.T) {
	s, err := NewDetectionSession(postprocessedMetadata(10), DetectionSessionConfig{
		Outputs:    PostprocessedOutputs(),
		Filter:     postprocess.NewFullCategoriesFilter(0, []byte("person"), nil),
		Options:    postprocess.DefaultDetectionOptions(),
		MaxResults: -1,
	})
	require.NoError(t, err)

	_, err = s.Detect(BytesOutputs{
		floatBytes(0.1, 0.1, 0.3, 0.3),
		floatBytes(0),
		floatBytes(0.8),
		floatBytes(3),
	})
	assert.True(t, common.IsModelInconsistent(err))

	_, err = s.Detect(BytesOutputs{nil, nil, nil, floatBytes(-1)})
	assert.True(t, common.IsModelInconsistent(err))
}

func ssdMetadata(boxes int) *StaticMetadata {
	return &StaticMetadata{
		Outputs: []OutputTensor{
			{Name: "regressors", Type: tensors.F32, Shape: []int{1, boxes, 4}},
			{Name: "classificators", Type: tensors.F32, Shape: []int{1, boxes, 1}},
		},
	}
}

func TestDetectionSessionAnchors(t *testing.T) {
	opts := postprocess.DefaultDetectionOptions()
	opts.MinScoreThreshold = 0.5
	s, err := NewDetectionSession(ssdMetadata(1), DetectionSessionConfig{
		Outputs:    SSDOutputs(),
		Filter:     postprocess.NewFullCategoriesFilter(0, []byte("face"), nil),
		Anchors:    []postprocess.Anchor{{XCenter: 0.5, YCenter: 0.5, W: 1, H: 1}},
		Options:    opts,
		MaxResults: -1,
	})
	require.NoError(t, err)

	res, err := s.Detect(BytesOutputs{floatBytes(0, 0, 0.2, 0.2), floatBytes(0.9)})
	require.NoError(t, err)
	require.Len(t, res.Detections, 1)
	box := res.Detections[0].BoundingBox
	assert.InDelta(t, 0.4, box.Left, 1e-6)
	assert.InDelta(t, 0.6, box.Bottom, 1e-6)

	res, err = s.Detect(BytesOutputs{floatBytes(0, 0, 0.2, 0.2), floatBytes(0.1)})
	require.NoError(t, err)
	assert.Empty(t, res.Detections)
}

func TestNewDetectionSessionErrors(t *testing.T) {
	filter := postprocess.NewFullCategoriesFilter(0, []byte("face"), nil)
	anchors := []postprocess.Anchor{{XCenter: 0.5, YCenter: 0.5, W: 1, H: 1}}

	tests := []struct {
		name  string
		meta  ModelMetadata
		cfg   DetectionSessionConfig
		check func(error) bool
	}{
		{
			name:  "missing anchors",
			meta:  ssdMetadata(1),
			cfg:   DetectionSessionConfig{Outputs: SSDOutputs(), Filter: filter, Options: postprocess.DefaultDetectionOptions()},
			check: common.IsArgument,
		},
		{
			name:  "anchors with categories",
			meta:  postprocessedMetadata(1),
			cfg:   DetectionSessionConfig{Outputs: PostprocessedOutputs(), Filter: filter, Anchors: anchors, Options: postprocess.DefaultDetectionOptions()},
			check: common.IsArgument,
		},
		{
			name:  "missing output",
			meta:  ssdMetadata(1),
			cfg:   DetectionSessionConfig{Outputs: DetectionOutputs{Location: 0, Scores: 2, Categories: -1, NumBoxes: -1}, Filter: filter, Anchors: anchors, Options: postprocess.DefaultDetectionOptions()},
			check: common.IsModelInconsistent,
		},
		{
			name:  "nil filter",
			meta:  ssdMetadata(1),
			cfg:   DetectionSessionConfig{Outputs: SSDOutputs(), Anchors: anchors, Options: postprocess.DefaultDetectionOptions()},
			check: common.IsArgument,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDetectionSession(tt.meta, tt.cfg)
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error: %v", err)
		})
	}
}

func TestDetectionSessionAnchorCountMismatch(t *testing.T) {
	s, err := NewDetectionSession(ssdMetadata(1), DetectionSessionConfig{
		Outputs:    SSDOutputs(),
		Filter:     postprocess.NewFullCategoriesFilter(0, []byte("face"), nil),
		Anchors:    []postprocess.Anchor{{W: 1, H: 1}, {W: 1, H: 1}},
		Options:    postprocess.DefaultDetectionOptions(),
		MaxResults: -1,
	})
	require.NoError(t, err)

	_, err = s.Detect(BytesOutputs{floatBytes(0, 0, 0.2, 0.2), floatBytes(0.9)})
	assert.True(t, common.IsModelInconsistent(err))
	assert.GreaterOrEqual(t, testutil.ToFloat64(metrics.DecodeTotal.WithLabelValues(metrics.TaskDetection, "model_inconsistent")), float64(1))
}

func TestDetectionSessionPaddedOutputs(t *testing.T) {
	s, err := NewDetectionSession(postprocessedMetadata(3), DetectionSessionConfig{
		Outputs:    PostprocessedOutputs(),
		Filter:     postprocess.NewFullCategoriesFilter(0, []byte("person"), nil),
		Options:    postprocess.DefaultDetectionOptions(),
		MaxResults: -1,
	})
	require.NoError(t, err)

	res, err := s.Detect(BytesOutputs{
		floatBytes(0.1, 0.1, 0.3, 0.3, 0, 0, 0, 0, 0, 0, 0, 0),
		floatBytes(0, 0, 0),
		floatBytes(0.8, 0, 0),
		floatBytes(1),
	})
	require.NoError(t, err)
	require.Len(t, res.Detections, 1)
	assert.Equal(t, float32(0.8), res.Detections[0].Categories[0].Score)
}
