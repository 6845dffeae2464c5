package tensors

import (
	"fmt"
	"strings"

	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-tensordecode/common"
)

// ImageDataLayout is the axis order of an image-like tensor.
type ImageDataLayout int

const (
	// LayoutNHWC is batch, height, width, channels.
	LayoutNHWC ImageDataLayout = iota
	// LayoutNCHW is batch, channels, height, width.
	LayoutNCHW
	// LayoutCHWN is channels, height, width, batch.
	LayoutCHWN
)

func (l ImageDataLayout) String() string {
	switch l {
	case LayoutNHWC:
		return "NHWC"
	case LayoutNCHW:
		return "NCHW"
	case LayoutCHWN:
		return "CHWN"
	default:
		return fmt.Sprintf("ImageDataLayout(%d)", int(l))
	}
}

// ParseImageDataLayout parses "NHWC", "NCHW" or "CHWN", case-insensitively.
func ParseImageDataLayout(s string) (ImageDataLayout, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "NHWC":
		return LayoutNHWC, nil
	case "NCHW":
		return LayoutNCHW, nil
	case "CHWN":
		return LayoutCHWN, nil
	default:
		return LayoutNHWC, common.ArgumentErrorf("unknown image data layout `%s`", s)
	}
}

// ImageLikeTensorShape is a tensor shape interpreted as a batch of images.
type ImageLikeTensorShape struct {
	Batch    int
	Width    int
	Height   int
	Channels int
}

// ParseImageLikeTensorShape reads batch/width/height/channels out of a 2, 3 or 4 dimensional
// shape according to layout. Two dimensional shapes are a single-channel HW image.
//
// Arguments:
//   - layout: The declared data layout.
//   - shape: The tensor shape from the model metadata.
//
// Returns:
//   - ImageLikeTensorShape: The parsed shape.
//   - error: An argument error for any other rank or a dimension below 1.
//
// @example
// s, err := tensors.ParseImageLikeTensorShape(tensors.LayoutNHWC, []int{1, 256, 256, 21})
func ParseImageLikeTensorShape(layout ImageDataLayout, shape []int) (ImageLikeTensorShape, error) {
	s := tensor.Shape(shape)
	if s.IsScalar() {
		return ImageLikeTensorShape{}, common.ArgumentErrorf("expect shape len is 2, 3 or 4, but got a scalar")
	}
	for i := 0; i < s.Dims(); i++ {
		if d, err := s.DimSize(i); err != nil || d < 1 {
			return ImageLikeTensorShape{}, common.ArgumentErrorf("dimension %d of shape `%v` must be positive", i, s)
		}
	}
	switch s.Dims() {
	case 2:
		return ImageLikeTensorShape{Batch: 1, Width: s[1], Height: s[0], Channels: 1}, nil
	case 3:
		if layout == LayoutNHWC {
			return ImageLikeTensorShape{Batch: 1, Width: s[1], Height: s[0], Channels: s[2]}, nil
		}
		return ImageLikeTensorShape{Batch: 1, Width: s[2], Height: s[1], Channels: s[0]}, nil
	case 4:
		switch layout {
		case LayoutNCHW:
			return ImageLikeTensorShape{Batch: s[0], Width: s[3], Height: s[2], Channels: s[1]}, nil
		case LayoutCHWN:
			return ImageLikeTensorShape{Batch: s[3], Width: s[2], Height: s[1], Channels: s[0]}, nil
		default:
			return ImageLikeTensorShape{Batch: s[0], Width: s[2], Height: s[1], Channels: s[3]}, nil
		}
	default:
		return ImageLikeTensorShape{}, common.ArgumentErrorf("expect shape len is 2, 3 or 4, but got shape `%v`", s)
	}
}

// Shape lays the dimensions out again in the order of layout, always with four dimensions.
func (s ImageLikeTensorShape) Shape(layout ImageDataLayout) tensor.Shape {
	switch layout {
	case LayoutNCHW:
		return tensor.Shape{s.Batch, s.Channels, s.Height, s.Width}
	case LayoutCHWN:
		return tensor.Shape{s.Channels, s.Height, s.Width, s.Batch}
	default:
		return tensor.Shape{s.Batch, s.Height, s.Width, s.Channels}
	}
}

// ElemSize returns the number of tensor elements.
func (s ImageLikeTensorShape) ElemSize() int {
	return s.Shape(LayoutNHWC).TotalSize()
}

// ElementCount multiplies the dimensions of a tensor shape. A scalar has one element.
func ElementCount(shape []int) int {
	return tensor.Shape(shape).TotalSize()
}
