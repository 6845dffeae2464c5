package postprocess

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-tensordecode/images"
)

func detection(score float32, left, top, right, bottom float32, keyPoints ...NormalizedKeypoint) Detection {
	return Detection{
		Categories:  []Category{{Index: 0, Score: score}},
		BoundingBox: images.Rect{Left: left, Top: top, Right: right, Bottom: bottom},
		KeyPoints:   keyPoints,
	}
}

func scoresOf(r DetectionResult) []float32 {
	out := make([]float32, 0, len(r.Detections))
	for _, d := range r.Detections {
		out = append(out, d.Categories[0].Score)
	}
	return out
}

func TestOverlapSimilarity(t *testing.T) {
	r1 := images.Rect{Left: 0, Top: 0, Right: 2, Bottom: 2}
	r2 := images.Rect{Left: 1, Top: 1, Right: 3, Bottom: 3}

	tests := []struct {
		name    string
		overlap OverlapType
		want    float32
	}{
		{name: "jaccard", overlap: OverlapJaccard, want: 1.0 / 9},
		{name: "modified jaccard", overlap: OverlapModifiedJaccard, want: 1.0 / 4},
		{name: "iou", overlap: OverlapIoU, want: 1.0 / 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NewNonMaxSuppression(-1)
			n.SetOverlapType(tt.overlap)
			assert.InDelta(t, tt.want, n.OverlapSimilarity(r1, r2), 1e-6)
			assert.Zero(t, n.OverlapSimilarity(r1, images.Rect{Left: 5, Top: 5, Right: 6, Bottom: 6}))
		})
	}
}

func TestNMSDefaultSuppressesOverlap(t *testing.T) {
	// IoU of the two boxes is 0.8.
	result := DetectionResult{Detections: []Detection{
		detection(0.8, 0, 0, 0.8, 1),
		detection(0.9, 0, 0, 1, 1),
	}}

	n := NewNonMaxSuppression(10)
	n.SetOverlapType(OverlapIoU)
	n.SetMinSuppressionThreshold(0.5)
	n.Apply(&result)

	require.Len(t, result.Detections, 1)
	assert.Equal(t, float32(0.9), result.Detections[0].Categories[0].Score)
}

func TestNMSDefaultKeepsDisjointBoxes(t *testing.T) {
	result := DetectionResult{Detections: []Detection{
		detection(0.6, 0, 0, 0.3, 0.3),
		detection(0.9, 0.5, 0.5, 1, 1),
		detection(0.7, 0.35, 0, 0.45, 0.3),
	}}

	n := NewNonMaxSuppression(-1)
	n.SetMinSuppressionThreshold(0.5)
	n.Apply(&result)

	assert.Equal(t, []float32{0.9, 0.7, 0.6}, scoresOf(result))
}

func TestNMSMaxResults(t *testing.T) {
	build := func() DetectionResult {
		return DetectionResult{Detections: []Detection{
			detection(0.6, 0, 0, 0.3, 0.3),
			detection(0.9, 0.5, 0.5, 1, 1),
			detection(0.7, 0.35, 0, 0.45, 0.3),
		}}
	}

	tests := []struct {
		name       string
		maxResults int
		want       []float32
	}{
		{name: "unlimited", maxResults: -1, want: []float32{0.9, 0.7, 0.6}},
		{name: "two", maxResults: 2, want: []float32{0.9, 0.7}},
		{name: "zero", maxResults: 0, want: []float32{}},
	}
	for _, tt := range tests {
		for _, algo := range []NMSAlgorithm{NMSDefault, NMSWeighted} {
			t.Run(tt.name+"/"+algo.String(), func(t *testing.T) {
				result := build()
				n := NewNonMaxSuppression(tt.maxResults)
				n.SetAlgorithm(algo)
				n.SetMinSuppressionThreshold(0.5)
				n.Apply(&result)
				assert.Equal(t, tt.want, scoresOf(result))
			})
		}
	}
}

func TestNMSIdempotent(t *testing.T) {
	result := DetectionResult{Detections: []Detection{
		detection(0.9, 0, 0, 0.5, 0.5),
		detection(0.85, 0.05, 0.05, 0.55, 0.55),
		detection(0.7, 0.4, 0.4, 0.9, 0.9),
		detection(0.6, 0.6, 0.6, 1, 1),
		detection(0.3, 0, 0.6, 0.2, 0.9),
	}}

	n := NewNonMaxSuppression(-1)
	n.SetOverlapType(OverlapIoU)
	n.SetMinSuppressionThreshold(0.3)
	n.Apply(&result)
	once := scoresOf(result)

	n.Apply(&result)
	assert.Equal(t, once, scoresOf(result))
	assert.Less(t, len(once), 5)
}

func TestNMSKeepsBestCategory(t *testing.T) {
	result := DetectionResult{Detections: []Detection{
		{
			Categories:  []Category{{Index: 1, Score: 0.2}, {Index: 2, Score: 0.8}},
			BoundingBox: images.Rect{Left: 0, Top: 0, Right: 1, Bottom: 1},
		},
		{BoundingBox: images.Rect{Left: 0, Top: 0, Right: 1, Bottom: 1}},
	}}

	NewNonMaxSuppression(-1).Apply(&result)

	require.Len(t, result.Detections, 1)
	require.Len(t, result.Detections[0].Categories, 1)
	assert.Equal(t, uint32(2), result.Detections[0].Categories[0].Index)
}

func TestNMSWeightedMergesCluster(t *testing.T) {
	result := DetectionResult{Detections: []Detection{
		detection(0.2, 0.2, 0, 1, 1, NormalizedKeypoint{X: 1, Y: 1}),
		detection(0.6, 0, 0, 1, 1, NormalizedKeypoint{X: 0, Y: 0}),
		detection(0.5, 2, 2, 3, 3, NormalizedKeypoint{X: 2, Y: 2}),
	}}

	n := NewNonMaxSuppression(-1)
	n.SetConfig(NMSConfig{OverlapType: OverlapIoU, Algorithm: NMSWeighted, MinSuppressionThreshold: 0.5})
	n.Apply(&result)

	require.Len(t, result.Detections, 2)
	merged := result.Detections[0]
	assert.Equal(t, float32(0.6), merged.Categories[0].Score)
	assert.InDelta(t, 0.05, merged.BoundingBox.Left, 1e-6)
	assert.InDelta(t, 1, merged.BoundingBox.Right, 1e-6)
	require.Len(t, merged.KeyPoints, 1)
	assert.InDelta(t, 0.25, merged.KeyPoints[0].X, 1e-6)
	assert.InDelta(t, 0.25, merged.KeyPoints[0].Y, 1e-6)

	alone := result.Detections[1]
	assert.Equal(t, float32(0.5), alone.Categories[0].Score)
	assert.True(t, alone.BoundingBox.Equal(images.Rect{Left: 2, Top: 2, Right: 3, Bottom: 3}))
}

func TestParseNMSEnums(t *testing.T) {
	for _, o := range []OverlapType{OverlapJaccard, OverlapModifiedJaccard, OverlapIoU} {
		got, err := ParseOverlapType(o.String())
		require.NoError(t, err)
		assert.Equal(t, o, got)
	}
	for _, a := range []NMSAlgorithm{NMSDefault, NMSWeighted} {
		got, err := ParseNMSAlgorithm(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, got)
	}
	_, err := ParseOverlapType("euclidean")
	assert.Error(t, err)
}
