package images

import (
	"fmt"

	"github.com/chewxy/math32"

	"github.com/nvr-ai/go-tensordecode/common"
)

// NormalizedRect is a rotated rectangle in normalized coordinates, typically a region of
// interest handed from a detector to a landmark model.
type NormalizedRect struct {
	XCenter float32 `json:"x_center" yaml:"x_center"`
	YCenter float32 `json:"y_center" yaml:"y_center"`
	Width   float32 `json:"width" yaml:"width"`
	Height  float32 `json:"height" yaml:"height"`
	// Rotation is clockwise in radians; nil means 0.
	Rotation *float32 `json:"rotation,omitempty" yaml:"rotation,omitempty"`
	RectID   *uint64  `json:"rect_id,omitempty" yaml:"rect_id,omitempty"`
}

// SquareMode selects how Transform makes a rect square before scaling.
type SquareMode int

const (
	// SquareLong uses the long side.
	SquareLong SquareMode = iota
	// SquareShort uses the short side.
	SquareShort
)

// TransformOptions parameterize NormalizedRect.Transform.
type TransformOptions struct {
	ImageWidth  uint32
	ImageHeight uint32
	ScaleX      float32
	ScaleY      float32
	ShiftX      float32
	ShiftY      float32
	// Rotation is added to the rect's own rotation when set.
	Rotation *float32
	Square   SquareMode
}

// NormalizedRectFromRect returns the axis-aligned NormalizedRect covering r.
func NormalizedRectFromRect(r Rect) NormalizedRect {
	w, h := r.Width(), r.Height()
	return NormalizedRect{
		XCenter: r.Left + w/2,
		YCenter: r.Top + h/2,
		Width:   w,
		Height:  h,
	}
}

// RotationOrZero returns the rotation in radians, 0 when unset.
func (n NormalizedRect) RotationOrZero() float32 {
	if n.Rotation == nil {
		return 0
	}
	return *n.Rotation
}

// Transform shifts, squares and scales the rect. Shifts are expressed in rect sizes and follow
// the rect rotation; the result always carries a rotation.
//
// Arguments:
//   - opts: The image size, scale, shift, extra rotation and square mode.
//
// Returns:
//   - NormalizedRect: A new rect; the receiver is not modified.
//
// @example
// roi := palm.Transform(images.TransformOptions{ImageWidth: 640, ImageHeight: 480, ScaleX: 2.6, ScaleY: 2.6, ShiftY: -0.5})
func (n NormalizedRect) Transform(opts TransformOptions) NormalizedRect {
	imgW, imgH := float32(opts.ImageWidth), float32(opts.ImageHeight)

	rotation := n.RotationOrZero()
	if opts.Rotation != nil {
		rotation = NormalizeRadians(rotation + *opts.Rotation)
	}

	width, height := n.Width, n.Height
	var xCenter, yCenter float32
	if rotation == 0 {
		xCenter = n.XCenter + width*opts.ShiftX
		yCenter = n.YCenter + height*opts.ShiftY
	} else {
		cos, sin := math32.Cos(rotation), math32.Sin(rotation)
		xShift := (imgW*width*opts.ShiftX*cos - imgH*height*opts.ShiftY*sin) / imgW
		yShift := (imgW*width*opts.ShiftX*sin + imgH*height*opts.ShiftY*cos) / imgH
		xCenter = n.XCenter + xShift
		yCenter = n.YCenter + yShift
	}

	var side float32
	if opts.Square == SquareLong {
		side = math32.Max(width*imgW, height*imgH)
	} else {
		side = math32.Min(width*imgW, height*imgH)
	}
	width = side / imgW
	height = side / imgH

	return NormalizedRect{
		XCenter:  xCenter,
		YCenter:  yCenter,
		Width:    width * opts.ScaleX,
		Height:   height * opts.ScaleY,
		Rotation: &rotation,
	}
}

func (n NormalizedRect) String() string {
	return fmt.Sprintf("NormalizedRect(x_center: %v, y_center: %v, width: %v, height: %v, rotation: %v)",
		n.XCenter, n.YCenter, n.Width, n.Height, n.RotationOrZero())
}

// NormalizeRadians maps an angle into [-pi, pi).
func NormalizeRadians(angle float32) float32 {
	return angle - 2*math32.Pi*math32.Floor((angle+math32.Pi)/(2*math32.Pi))
}

// CropRect is an axis-aligned crop region in normalized coordinates.
type CropRect struct {
	XMin   float32 `json:"x_min" yaml:"x_min"`
	YMin   float32 `json:"y_min" yaml:"y_min"`
	Width  float32 `json:"width" yaml:"width"`
	Height float32 `json:"height" yaml:"height"`
}

// NewCropRect validates that every edge is within [0, 1] and the box is not empty.
//
// Arguments:
//   - left, top, right, bottom: The crop edges in normalized coordinates.
//
// Returns:
//   - CropRect: The crop.
//   - error: An argument error naming the offending edge.
//
// @example
// crop, err := images.NewCropRect(0.1, 0.2, 0.5, 0.7)
func NewCropRect(left, top, right, bottom float32) (CropRect, error) {
	for _, edge := range []struct {
		name  string
		value float32
	}{{"top", top}, {"bottom", bottom}, {"left", left}, {"right", right}} {
		if edge.value < 0 || edge.value > 1 {
			return CropRect{}, common.ArgumentErrorf("rect %s must be in range [0, 1], but got `%v`", edge.name, edge.value)
		}
	}
	width := right - left
	if width <= 0 {
		return CropRect{}, common.ArgumentErrorf("rect left must be less than right, but got `left(%v)` >= `right(%v)`", left, right)
	}
	height := bottom - top
	if height <= 0 {
		return CropRect{}, common.ArgumentErrorf("rect top must be less than bottom, but got `top(%v)` >= `bottom(%v)`", top, bottom)
	}
	return CropRect{XMin: left, YMin: top, Width: width, Height: height}, nil
}

// CropRectFromNormalized clamps the axis-aligned extent of n to the unit square. Rotation is
// ignored.
func CropRectFromNormalized(n NormalizedRect) CropRect {
	width, height := n.Width, n.Height
	xMin := math32.Max(n.XCenter-width/2, 0)
	yMin := math32.Max(n.YCenter-height/2, 0)
	if xMin+width > 1 {
		width = 1 - xMin
	}
	if yMin+height > 1 {
		height = 1 - yMin
	}
	return CropRect{XMin: xMin, YMin: yMin, Width: width, Height: height}
}

// Rect returns the crop as a Rect.
func (c CropRect) Rect() Rect {
	return Rect{Left: c.XMin, Top: c.YMin, Right: c.XMin + c.Width, Bottom: c.YMin + c.Height}
}
