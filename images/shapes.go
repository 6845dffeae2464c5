// Package images - Geometry and mask types shared by the decoders.
package images

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/nvr-ai/go-tensordecode/common"
)

const rectTolerance = 1e-4

// Rect is a bounding box in normalized (or any float) coordinates.
type Rect struct {
	Left   float32 `json:"left" yaml:"left"`
	Top    float32 `json:"top" yaml:"top"`
	Right  float32 `json:"right" yaml:"right"`
	Bottom float32 `json:"bottom" yaml:"bottom"`
}

// NewRect builds a Rect and rejects empty or inverted boxes.
//
// Arguments:
//   - left, top, right, bottom: The box edges.
//
// Returns:
//   - Rect: The box.
//   - error: An argument error when left >= right or top >= bottom.
//
// @example
// r, err := images.NewRect(0.1, 0.1, 0.5, 0.6)
func NewRect(left, top, right, bottom float32) (Rect, error) {
	if left >= right {
		return Rect{}, common.ArgumentErrorf("rect left must be less than right, got `%v` >= `%v`", left, right)
	}
	if top >= bottom {
		return Rect{}, common.ArgumentErrorf("rect top must be less than bottom, got `%v` >= `%v`", top, bottom)
	}
	return Rect{Left: left, Top: top, Right: right, Bottom: bottom}, nil
}

// Width returns right - left.
func (r Rect) Width() float32 { return r.Right - r.Left }

// Height returns bottom - top.
func (r Rect) Height() float32 { return r.Bottom - r.Top }

// Area returns width * height.
func (r Rect) Area() float32 { return r.Width() * r.Height() }

// Intersect returns the overlapping region. Boxes that only touch intersect with zero area;
// ok is false when they are disjoint.
func (r Rect) Intersect(o Rect) (Rect, bool) {
	if o.Left > r.Right || o.Right < r.Left || o.Top > r.Bottom || o.Bottom < r.Top {
		return Rect{}, false
	}
	return Rect{
		Left:   math32.Max(r.Left, o.Left),
		Top:    math32.Max(r.Top, o.Top),
		Right:  math32.Min(r.Right, o.Right),
		Bottom: math32.Min(r.Bottom, o.Bottom),
	}, true
}

// Union returns the smallest box enclosing both boxes.
func (r Rect) Union(o Rect) Rect {
	return Rect{
		Left:   math32.Min(r.Left, o.Left),
		Top:    math32.Min(r.Top, o.Top),
		Right:  math32.Max(r.Right, o.Right),
		Bottom: math32.Max(r.Bottom, o.Bottom),
	}
}

// Equal compares every edge with a 1e-4 tolerance.
func (r Rect) Equal(o Rect) bool {
	return math32.Abs(r.Left-o.Left) < rectTolerance &&
		math32.Abs(r.Top-o.Top) < rectTolerance &&
		math32.Abs(r.Right-o.Right) < rectTolerance &&
		math32.Abs(r.Bottom-o.Bottom) < rectTolerance
}

// ToPixels scales a normalized box to an image of the given size, truncating toward zero.
func (r Rect) ToPixels(imgWidth, imgHeight uint32) PixelRect {
	w, h := float32(imgWidth), float32(imgHeight)
	return PixelRect{
		Left:   uint32(r.Left * w),
		Top:    uint32(r.Top * h),
		Right:  uint32(r.Right * w),
		Bottom: uint32(r.Bottom * h),
	}
}

func (r Rect) String() string {
	return fmt.Sprintf("(left: %v, top: %v, right: %v, bottom: %v)", r.Left, r.Top, r.Right, r.Bottom)
}

// PixelRect is a bounding box in pixel coordinates. Right and Bottom are exclusive (like
// image.Rectangle).
type PixelRect struct {
	Left   uint32 `json:"left" yaml:"left"`
	Top    uint32 `json:"top" yaml:"top"`
	Right  uint32 `json:"right" yaml:"right"`
	Bottom uint32 `json:"bottom" yaml:"bottom"`
}

// NewPixelRect builds a PixelRect and rejects empty or inverted boxes.
func NewPixelRect(left, top, right, bottom uint32) (PixelRect, error) {
	if left >= right {
		return PixelRect{}, common.ArgumentErrorf("rect left must be less than right, got `%d` >= `%d`", left, right)
	}
	if top >= bottom {
		return PixelRect{}, common.ArgumentErrorf("rect top must be less than bottom, got `%d` >= `%d`", top, bottom)
	}
	return PixelRect{Left: left, Top: top, Right: right, Bottom: bottom}, nil
}

// Normalize divides a pixel box by the image size.
func (r PixelRect) Normalize(imgWidth, imgHeight uint32) Rect {
	w, h := float32(imgWidth), float32(imgHeight)
	return Rect{
		Left:   float32(r.Left) / w,
		Top:    float32(r.Top) / h,
		Right:  float32(r.Right) / w,
		Bottom: float32(r.Bottom) / h,
	}
}

func (r PixelRect) String() string {
	return fmt.Sprintf("(left: %d, top: %d, right: %d, bottom: %d)", r.Left, r.Top, r.Right, r.Bottom)
}

// CalculateIoU measures how much two pixel boxes overlap.
//
//	IoU = Area of Intersection / Area of Union
//
// A value of 1.0 means the boxes are identical and 0.0 means they do not overlap (touching edges
// included).
//
// Arguments:
//   - r: The first box.
//   - o: The other box.
//
// Returns:
//   - float32: A value between 0.0 and 1.0.
//
// @example
// iou := images.CalculateIoU(PixelRect{0, 0, 10, 10}, PixelRect{5, 5, 15, 15}) // 25 / 175
func CalculateIoU(r, o PixelRect) float32 {
	ix1 := max(r.Left, o.Left)
	iy1 := max(r.Top, o.Top)
	ix2 := min(r.Right, o.Right)
	iy2 := min(r.Bottom, o.Bottom)

	// Unsigned: compare before subtracting.
	if ix2 <= ix1 || iy2 <= iy1 {
		return 0.0
	}
	interArea := uint64(ix2-ix1) * uint64(iy2-iy1)

	areaR := uint64(r.Right-r.Left) * uint64(r.Bottom-r.Top)
	areaO := uint64(o.Right-o.Left) * uint64(o.Bottom-o.Top)
	unionArea := areaR + areaO - interArea

	return float32(interArea) / float32(unionArea)
}
