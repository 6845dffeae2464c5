package images

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-tensordecode/common"
)

func TestNormalizeRadians(t *testing.T) {
	tests := []struct {
		name  string
		angle float32
		want  float32
	}{
		{name: "zero", angle: 0, want: 0},
		{name: "already in range", angle: 1, want: 1},
		{name: "pi wraps to minus pi", angle: math32.Pi, want: -math32.Pi},
		{name: "three halves pi", angle: 1.5 * math32.Pi, want: -0.5 * math32.Pi},
		{name: "minus three halves pi", angle: -1.5 * math32.Pi, want: 0.5 * math32.Pi},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeRadians(tt.angle)
			assert.InDelta(t, tt.want, got, 1e-5)
			assert.GreaterOrEqual(t, got, -math32.Pi-1e-6)
			assert.Less(t, got, math32.Pi)
		})
	}
}

func TestNormalizedRectTransform(t *testing.T) {
	roi := NormalizedRectFromRect(Rect{Left: 0.4, Top: 0.4, Right: 0.6, Bottom: 0.5})
	assert.InDelta(t, 0.5, roi.XCenter, 1e-6)
	assert.InDelta(t, 0.45, roi.YCenter, 1e-6)

	t.Run("axis aligned long side", func(t *testing.T) {
		got := roi.Transform(TransformOptions{
			ImageWidth: 100, ImageHeight: 100, ScaleX: 2, ScaleY: 2, ShiftY: -0.5, Square: SquareLong,
		})
		assert.InDelta(t, 0.5, got.XCenter, 1e-6)
		assert.InDelta(t, 0.4, got.YCenter, 1e-6)
		assert.InDelta(t, 0.4, got.Width, 1e-6)
		assert.InDelta(t, 0.4, got.Height, 1e-6)
		require.NotNil(t, got.Rotation)
		assert.Equal(t, float32(0), *got.Rotation)
	})

	t.Run("short side", func(t *testing.T) {
		got := roi.Transform(TransformOptions{ImageWidth: 100, ImageHeight: 100, ScaleX: 1, ScaleY: 1, Square: SquareShort})
		assert.InDelta(t, 0.1, got.Width, 1e-6)
		assert.InDelta(t, 0.1, got.Height, 1e-6)
	})

	t.Run("rotated shift follows rotation", func(t *testing.T) {
		quarter := math32.Pi / 2
		got := roi.Transform(TransformOptions{
			ImageWidth: 100, ImageHeight: 100, ScaleX: 1, ScaleY: 1, ShiftY: -0.5, Rotation: &quarter,
		})
		// shift of -0.5 * height along y turns into +0.5 * height along x.
		assert.InDelta(t, 0.55, got.XCenter, 1e-5)
		assert.InDelta(t, 0.45, got.YCenter, 1e-5)
		assert.InDelta(t, quarter, *got.Rotation, 1e-6)
		assert.Nil(t, roi.Rotation, "receiver must not change")
	})
}

func TestCropRect(t *testing.T) {
	_, err := NewCropRect(0.1, 0.2, 0.5, 0.7)
	assert.NoError(t, err)

	for _, bad := range [][4]float32{
		{-1, 1, 1, 1},
		{1.1, 1, 1, 1},
		{0.5, 0.4, 1, 0.3},
		{0.9, 0.4, 0.4, 1},
	} {
		_, err := NewCropRect(bad[0], bad[1], bad[2], bad[3])
		require.Error(t, err, "%v", bad)
		assert.True(t, common.IsArgument(err))
	}

	c := CropRectFromNormalized(NormalizedRect{XCenter: 0.9, YCenter: 0.05, Width: 0.4, Height: 0.2})
	assert.InDelta(t, 0.7, c.XMin, 1e-6)
	assert.InDelta(t, 0.0, c.YMin, 1e-6)
	assert.InDelta(t, 0.3, c.Width, 1e-6)
	assert.InDelta(t, 0.2, c.Height, 1e-6)
	assert.True(t, c.Rect().Equal(Rect{0.7, 0, 1, 0.2}))
}

func TestMaskResize(t *testing.T) {
	cm := NewCategoryMask(2, 2)
	copy(cm.Pix, []uint8{0, 1, 2, 3})
	big, err := cm.Resize(4, 4)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), big.At(0, 0))
	assert.Equal(t, uint8(1), big.At(3, 0))
	assert.Equal(t, uint8(2), big.At(0, 3))
	assert.Equal(t, uint8(3), big.At(3, 3))

	conf := NewConfidenceMask(2, 1)
	copy(conf.Pix, []float32{1, 1})
	wide, err := conf.Resize(4, 2)
	require.NoError(t, err)
	for _, v := range wide.Pix {
		assert.InDelta(t, 1.0, v, 1e-3)
	}

	_, err = conf.Resize(0, 2)
	assert.True(t, common.IsArgument(err))
}
