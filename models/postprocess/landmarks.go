package postprocess

import (
	"fmt"
	"strings"

	"github.com/chewxy/math32"

	"github.com/nvr-ai/go-tensordecode/common"
	"github.com/nvr-ai/go-tensordecode/images"
	"github.com/nvr-ai/go-tensordecode/tensors"
)

const landmarkTolerance = 1e-6

// Landmark is a point predicted by a landmark model.
type Landmark struct {
	X float32 `json:"x" yaml:"x"`
	Y float32 `json:"y" yaml:"y"`
	Z float32 `json:"z" yaml:"z"`
	// Visibility is the likelihood of the landmark being visible, when the model predicts it.
	Visibility *float32 `json:"visibility,omitempty" yaml:"visibility,omitempty"`
	// Presence is the likelihood of the landmark being inside the image, when the model predicts it.
	Presence *float32 `json:"presence,omitempty" yaml:"presence,omitempty"`
	Name     *string  `json:"name,omitempty" yaml:"name,omitempty"`
}

// Equal compares x, y and z with a 1e-6 tolerance.
func (l Landmark) Equal(o Landmark) bool {
	return math32.Abs(l.X-o.X) < landmarkTolerance &&
		math32.Abs(l.Y-o.Y) < landmarkTolerance &&
		math32.Abs(l.Z-o.Z) < landmarkTolerance
}

// Landmarks is the ordered output of one landmark model.
type Landmarks []Landmark

// NormalizedLandmarks are landmarks in normalized image coordinates.
type NormalizedLandmarks = Landmarks

func (ls Landmarks) String() string {
	var b strings.Builder
	b.WriteString("  Landmarks:\n")
	if len(ls) == 0 {
		b.WriteString("  No Landmark\n")
		return b.String()
	}
	for i, l := range ls {
		fmt.Fprintf(&b, "    Landmark #%d:\n", i)
		fmt.Fprintf(&b, "      x:       %v\n", l.X)
		fmt.Fprintf(&b, "      y:       %v\n", l.Y)
		fmt.Fprintf(&b, "      z:       %v\n", l.Z)
	}
	return b.String()
}

// LandmarksOptions configure a TensorsToLandmarks decoder.
type LandmarksOptions struct {
	// Size of the model input; required for flips and normalization.
	ImageWidth  uint32 `json:"image_width" yaml:"image_width" mapstructure:"image_width"`
	ImageHeight uint32 `json:"image_height" yaml:"image_height" mapstructure:"image_height"`
	// z is divided by NormalizeZ * ImageWidth when normalizing.
	NormalizeZ        float32 `json:"normalize_z" yaml:"normalize_z" mapstructure:"normalize_z"`
	FlipHorizontally  bool    `json:"flip_horizontally" yaml:"flip_horizontally" mapstructure:"flip_horizontally"`
	FlipVertically    bool    `json:"flip_vertically" yaml:"flip_vertically" mapstructure:"flip_vertically"`
	VisibilitySigmoid bool    `json:"visibility_sigmoid" yaml:"visibility_sigmoid" mapstructure:"visibility_sigmoid"`
	PresenceSigmoid   bool    `json:"presence_sigmoid" yaml:"presence_sigmoid" mapstructure:"presence_sigmoid"`
}

// DefaultLandmarksOptions returns options without image size, flips or activations.
func DefaultLandmarksOptions() LandmarksOptions {
	return LandmarksOptions{NormalizeZ: 1}
}

func (o LandmarksOptions) hasImageSize() bool {
	return o.ImageWidth > 0 && o.ImageHeight > 0
}

// Validate checks that flips have an image size to flip against.
func (o LandmarksOptions) Validate() error {
	if (o.FlipHorizontally || o.FlipVertically) && !o.hasImageSize() {
		return common.ArgumentErrorf("landmark flips need the image size")
	}
	if o.NormalizeZ == 0 {
		return common.ArgumentErrorf("normalize z must not be zero")
	}
	return nil
}

// TensorsToLandmarks decodes a flat landmark tensor. It owns its buffer and is not safe for
// concurrent use.
type TensorsToLandmarks struct {
	numLandmarks  int
	numDimensions int
	buf           *tensors.OutputBuffer
	opts          LandmarksOptions
}

// NewTensorsToLandmarks creates a decoder for numLandmarks landmarks. The values per landmark
// are the tensor size divided by numLandmarks: x, y, z, visibility and presence in that order.
//
// Arguments:
//   - numLandmarks: The number of landmarks the model predicts.
//   - spec: The tensor type.
//   - shape: The tensor shape.
//
// Returns:
//   - *TensorsToLandmarks: The decoder.
//   - error: A model inconsistency error when the tensor holds less than one or more than five
//     values per landmark.
//
// @example
// dec, err := postprocess.NewTensorsToLandmarks(21, postprocess.BufferSpec{Type: tensors.F32}, []int{1, 63})
func NewTensorsToLandmarks(numLandmarks int, spec BufferSpec, shape []int) (*TensorsToLandmarks, error) {
	if numLandmarks <= 0 {
		return nil, common.ArgumentErrorf("num landmarks must be positive, got `%d`", numLandmarks)
	}
	elems := tensors.ElementCount(shape)
	dims := elems / numLandmarks
	if dims == 0 {
		return nil, common.ModelInconsistentErrorf("expect tensor element size > num landmarks, got tensor shape `%v`, num landmarks `%d`", shape, numLandmarks)
	}
	if dims > 5 {
		return nil, common.ModelInconsistentErrorf("unsupported `%d` values per landmark, at most 5", dims)
	}
	buf, err := spec.newBuffer(elems)
	if err != nil {
		return nil, err
	}
	return &TensorsToLandmarks{
		numLandmarks:  numLandmarks,
		numDimensions: dims,
		buf:           buf,
		opts:          DefaultLandmarksOptions(),
	}, nil
}

// Configure validates and installs opts.
func (t *TensorsToLandmarks) Configure(opts LandmarksOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	t.opts = opts
	return nil
}

// Options returns a copy of the current options.
func (t *TensorsToLandmarks) Options() LandmarksOptions { return t.opts }

// NumDimensions returns the number of values per landmark.
func (t *TensorsToLandmarks) NumDimensions() int { return t.numDimensions }

// NumLandmarks returns the number of landmarks decoded per tensor.
func (t *TensorsToLandmarks) NumLandmarks() int { return t.numLandmarks }

// Buffer is where the inference call writes the landmark tensor.
func (t *TensorsToLandmarks) Buffer() []byte { return t.buf.Bytes() }

// Result decodes the buffer.
//
// Arguments:
//   - normalized: Divide x and y by the image size and z by NormalizeZ * ImageWidth.
//
// Returns:
//   - Landmarks: numLandmarks landmarks.
//   - error: An argument error when normalization is requested without an image size.
func (t *TensorsToLandmarks) Result(normalized bool) (Landmarks, error) {
	if normalized && !t.opts.hasImageSize() {
		return nil, common.ArgumentErrorf("landmark normalization needs the image size")
	}
	values := t.buf.Floats()
	imgW, imgH := float32(t.opts.ImageWidth), float32(t.opts.ImageHeight)

	out := make(Landmarks, t.numLandmarks)
	for i := range out {
		v := values[i*t.numDimensions : (i+1)*t.numDimensions]
		l := &out[i]
		l.X = v[0]
		if t.opts.FlipHorizontally {
			l.X = imgW - l.X
		}
		if t.numDimensions > 1 {
			l.Y = v[1]
			if t.opts.FlipVertically {
				l.Y = imgH - l.Y
			}
		}
		if t.numDimensions > 2 {
			l.Z = v[2]
		}
		if t.numDimensions > 3 {
			vis := v[3]
			if t.opts.VisibilitySigmoid {
				vis = tensors.Sigmoid(vis)
			}
			l.Visibility = &vis
		}
		if t.numDimensions > 4 {
			pres := v[4]
			if t.opts.PresenceSigmoid {
				pres = tensors.Sigmoid(pres)
			}
			l.Presence = &pres
		}
	}

	if normalized {
		for i := range out {
			out[i].X /= imgW
			out[i].Y /= imgH
			out[i].Z = out[i].Z / t.opts.NormalizeZ / imgW
		}
	}
	return out, nil
}

// ProjectNormalizedLandmarks maps landmarks predicted inside a region of interest back into
// full-image coordinates. z is scaled by the ROI width only.
//
// Arguments:
//   - landmarks: The ROI-local landmarks; not modified.
//   - roi: The rect the model input was cropped from. Its extent is clamped to the image.
//   - ignoreRotation: Skip undoing the ROI rotation. A ROI without rotation is never rotated.
//
// Returns:
//   - Landmarks: New, projected landmarks.
func ProjectNormalizedLandmarks(landmarks Landmarks, roi images.NormalizedRect, ignoreRotation bool) Landmarks {
	if roi.Rotation == nil {
		ignoreRotation = true
	}
	var cos, sin float32
	if !ignoreRotation {
		cos, sin = math32.Cos(*roi.Rotation), math32.Sin(*roi.Rotation)
	}
	xMin := math32.Max(0, roi.XCenter-roi.Width*0.5)
	yMin := math32.Max(0, roi.YCenter-roi.Height*0.5)
	xMax := math32.Min(1, roi.XCenter+roi.Width*0.5)
	yMax := math32.Min(1, roi.YCenter+roi.Height*0.5)
	width, height := xMax-xMin, yMax-yMin

	out := make(Landmarks, len(landmarks))
	copy(out, landmarks)
	for i := range out {
		l := &out[i]
		if !ignoreRotation {
			x, y := l.X-0.5, l.Y-0.5
			l.X = 0.5 + x*cos - y*sin
			l.Y = 0.5 + x*sin + y*cos
		}
		l.X = xMin + l.X*width
		l.Y = yMin + l.Y*height
		l.Z *= roi.Width
	}
	return out
}

// ProjectWorldLandmarks rotates metric world landmarks by the ROI rotation. World coordinates
// are camera relative, so they are not translated or scaled.
func ProjectWorldLandmarks(landmarks Landmarks, roi images.NormalizedRect) Landmarks {
	out := make(Landmarks, len(landmarks))
	copy(out, landmarks)
	if roi.Rotation == nil {
		return out
	}
	cos, sin := math32.Cos(*roi.Rotation), math32.Sin(*roi.Rotation)
	for i := range out {
		x, y := out[i].X, out[i].Y
		out[i].X = cos*x - sin*y
		out[i].Y = sin*x + cos*y
	}
	return out
}
