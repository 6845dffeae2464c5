package postprocess

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-tensordecode/common"
)

func TestGenerateAnchorsFaceDetection(t *testing.T) {
	anchors, err := GenerateAnchors(FaceDetectionAnchorOptions(128, 128))
	require.NoError(t, err)
	require.Len(t, anchors, 896)

	// 16x16 grid with two anchors per cell first, then 8x8 with six.
	assert.Equal(t, Anchor{XCenter: 0.5 / 16, YCenter: 0.5 / 16, W: 1, H: 1}, anchors[0])
	assert.Equal(t, anchors[0], anchors[1])
	assert.Equal(t, Anchor{XCenter: 0.5 / 8, YCenter: 0.5 / 8, W: 1, H: 1}, anchors[512])
	assert.InDelta(t, 7.5/8, anchors[895].XCenter, 1e-6)
	assert.InDelta(t, 7.5/8, anchors[895].YCenter, 1e-6)
}

func TestGenerateAnchorsCount(t *testing.T) {
	tests := []struct {
		name string
		opts func() SSDAnchorOptions
		want int
	}{
		{
			name: "one layer, two ratios plus interpolated",
			opts: func() SSDAnchorOptions {
				o := DefaultSSDAnchorOptions(64, 64, 0.2, 0.9, 1)
				o.Strides = []int{16}
				o.AspectRatios = []float32{1, 2}
				return o
			},
			want: 4 * 4 * 3,
		},
		{
			name: "explicit feature maps",
			opts: func() SSDAnchorOptions {
				o := DefaultSSDAnchorOptions(300, 300, 0.2, 0.95, 2)
				o.Strides = []int{16, 32}
				o.FeatureMapWidth = []int{19, 10}
				o.FeatureMapHeight = []int{19, 10}
				o.AspectRatios = []float32{1, 2, 0.5}
				o.InterpolatedScaleAspectRatio = 0
				return o
			},
			want: 19*19*3 + 10*10*3,
		},
		{
			name: "reduced lowest layer",
			opts: func() SSDAnchorOptions {
				o := DefaultSSDAnchorOptions(32, 32, 0.2, 0.95, 2)
				o.Strides = []int{16, 32}
				o.AspectRatios = []float32{1, 2, 0.5, 3}
				o.ReduceBoxesInLowestLayer = true
				return o
			},
			want: 2*2*3 + 1*1*5,
		},
		{
			name: "multiscale",
			opts: func() SSDAnchorOptions {
				o := DefaultSSDAnchorOptions(64, 64, 0, 0, 0)
				o.MultiscaleAnchorGeneration = true
				o.MinLevel, o.MaxLevel = 3, 4
				o.AspectRatios = []float32{1, 2}
				return o
			},
			want: 8*8*4 + 4*4*4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			anchors, err := GenerateAnchors(tt.opts())
			require.NoError(t, err)
			assert.Len(t, anchors, tt.want)
		})
	}
}

func TestGenerateAnchorsDeterministic(t *testing.T) {
	opts := DefaultSSDAnchorOptions(320, 320, 0.2, 0.95, 6)
	opts.Strides = []int{16, 32, 64, 128, 256, 512}
	opts.AspectRatios = []float32{1, 2, 0.5, 3, 0.3333}
	opts.ReduceBoxesInLowestLayer = true

	first, err := GenerateAnchors(opts)
	require.NoError(t, err)
	second, err := GenerateAnchors(opts)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestGenerateMultiscaleAnchorsNormalized(t *testing.T) {
	opts := DefaultSSDAnchorOptions(64, 64, 0, 0, 0)
	opts.MultiscaleAnchorGeneration = true
	opts.MinLevel, opts.MaxLevel = 3, 3
	opts.ScalesPerOctave = 1
	opts.AspectRatios = []float32{1}

	anchors, err := GenerateAnchors(opts)
	require.NoError(t, err)
	require.Len(t, anchors, 64)
	// Base size 4 * 2^3 = 32 pixels on a 64 pixel input.
	assert.InDelta(t, 0.5, anchors[0].W, 1e-6)
	assert.InDelta(t, 4.0/64, anchors[0].XCenter, 1e-6)
}

func TestSSDAnchorOptionsValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*SSDAnchorOptions)
	}{
		{name: "no strides", mutate: func(o *SSDAnchorOptions) { o.Strides = nil }},
		{name: "too many layers", mutate: func(o *SSDAnchorOptions) { o.NumLayers = 5 }},
		{name: "zero stride", mutate: func(o *SSDAnchorOptions) { o.Strides = []int{8, 0, 16, 16} }},
		{name: "feature map lists differ", mutate: func(o *SSDAnchorOptions) { o.FeatureMapWidth = []int{16} }},
		{name: "no anchors per location", mutate: func(o *SSDAnchorOptions) {
			o.AspectRatios = nil
			o.InterpolatedScaleAspectRatio = 0
		}},
		{name: "multiscale levels reversed", mutate: func(o *SSDAnchorOptions) {
			o.MultiscaleAnchorGeneration = true
			o.MinLevel, o.MaxLevel = 5, 3
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := FaceDetectionAnchorOptions(128, 128)
			tt.mutate(&opts)
			_, err := GenerateAnchors(opts)
			require.Error(t, err)
			assert.True(t, common.IsArgument(err))
		})
	}
}
