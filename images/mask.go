package images

import (
	"image"
	"image/color"

	"github.com/chewxy/math32"
	"github.com/nfnt/resize"

	"github.com/nvr-ai/go-tensordecode/common"
)

// CategoryMask holds one class index per pixel, row-major.
type CategoryMask struct {
	Width  int
	Height int
	Pix    []uint8
}

// NewCategoryMask allocates a zeroed mask.
func NewCategoryMask(width, height int) *CategoryMask {
	return &CategoryMask{Width: width, Height: height, Pix: make([]uint8, width*height)}
}

// At returns the class index at (x, y).
func (m *CategoryMask) At(x, y int) uint8 {
	return m.Pix[y*m.Width+x]
}

// Image exposes the mask as a grayscale image without copying.
func (m *CategoryMask) Image() *image.Gray {
	return &image.Gray{Pix: m.Pix, Stride: m.Width, Rect: image.Rect(0, 0, m.Width, m.Height)}
}

// Resize scales the mask with nearest-neighbour sampling so no new class indices appear.
//
// Arguments:
//   - width: The target width, usually the source image width.
//   - height: The target height.
//
// Returns:
//   - *CategoryMask: A new mask.
//   - error: An argument error for a non-positive size.
func (m *CategoryMask) Resize(width, height int) (*CategoryMask, error) {
	if width <= 0 || height <= 0 {
		return nil, common.ArgumentErrorf("mask size must be positive, got `%dx%d`", width, height)
	}
	scaled := resize.Resize(uint(width), uint(height), m.Image(), resize.NearestNeighbor)
	out := NewCategoryMask(width, height)
	bounds := scaled.Bounds()
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			g := color.GrayModel.Convert(scaled.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray)
			out.Pix[y*width+x] = g.Y
		}
	}
	return out, nil
}

// ConfidenceMask holds one confidence value per pixel, row-major, usually within [0, 1].
type ConfidenceMask struct {
	Width  int
	Height int
	Pix    []float32
}

// NewConfidenceMask allocates a zeroed mask.
func NewConfidenceMask(width, height int) *ConfidenceMask {
	return &ConfidenceMask{Width: width, Height: height, Pix: make([]float32, width*height)}
}

// At returns the confidence at (x, y).
func (m *ConfidenceMask) At(x, y int) float32 {
	return m.Pix[y*m.Width+x]
}

// Image renders the mask as a 16-bit grayscale image, clamping values to [0, 1].
func (m *ConfidenceMask) Image() *image.Gray16 {
	img := image.NewGray16(image.Rect(0, 0, m.Width, m.Height))
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			v := math32.Max(0, math32.Min(1, m.At(x, y)))
			img.SetGray16(x, y, color.Gray16{Y: uint16(v*0xffff + 0.5)})
		}
	}
	return img
}

// Resize scales the mask with bilinear interpolation. Values are clamped to [0, 1] and carry
// 16 bits of precision afterwards.
func (m *ConfidenceMask) Resize(width, height int) (*ConfidenceMask, error) {
	if width <= 0 || height <= 0 {
		return nil, common.ArgumentErrorf("mask size must be positive, got `%dx%d`", width, height)
	}
	scaled := resize.Resize(uint(width), uint(height), m.Image(), resize.Bilinear)
	out := NewConfidenceMask(width, height)
	bounds := scaled.Bounds()
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			g := color.Gray16Model.Convert(scaled.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray16)
			out.Pix[y*width+x] = float32(g.Y) / 0xffff
		}
	}
	return out, nil
}
