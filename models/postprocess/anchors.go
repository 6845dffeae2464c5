package postprocess

import (
	"github.com/chewxy/math32"

	"github.com/nvr-ai/go-tensordecode/common"
)

// Anchor is a prior box of an SSD-style detector in normalized coordinates. Anchors are
// generated once per model and shared read-only between decoders.
type Anchor struct {
	XCenter float32 `json:"x_center" yaml:"x_center"`
	YCenter float32 `json:"y_center" yaml:"y_center"`
	W       float32 `json:"w" yaml:"w"`
	H       float32 `json:"h" yaml:"h"`
}

// SSDAnchorOptions describe the anchor grid of an SSD detection model.
type SSDAnchorOptions struct {
	// Size of the model input image.
	InputSizeWidth  int `json:"input_size_width" yaml:"input_size_width" mapstructure:"input_size_width"`
	InputSizeHeight int `json:"input_size_height" yaml:"input_size_height" mapstructure:"input_size_height"`
	// Min and max scales of the anchor boxes on the feature maps.
	MinScale float32 `json:"min_scale" yaml:"min_scale" mapstructure:"min_scale"`
	MaxScale float32 `json:"max_scale" yaml:"max_scale" mapstructure:"max_scale"`
	// Offset of the anchor centers in units of the stride.
	AnchorOffsetX float32 `json:"anchor_offset_x" yaml:"anchor_offset_x" mapstructure:"anchor_offset_x"`
	AnchorOffsetY float32 `json:"anchor_offset_y" yaml:"anchor_offset_y" mapstructure:"anchor_offset_y"`
	// Number of output feature maps.
	NumLayers int `json:"num_layers" yaml:"num_layers" mapstructure:"num_layers"`
	// Explicit feature map sizes; when empty they are derived from the strides.
	FeatureMapWidth  []int `json:"feature_map_width" yaml:"feature_map_width" mapstructure:"feature_map_width"`
	FeatureMapHeight []int `json:"feature_map_height" yaml:"feature_map_height" mapstructure:"feature_map_height"`
	// Stride of every feature map.
	Strides      []int     `json:"strides" yaml:"strides" mapstructure:"strides"`
	AspectRatios []float32 `json:"aspect_ratios" yaml:"aspect_ratios" mapstructure:"aspect_ratios"`
	// Use the fixed three boxes per location on the lowest layer.
	ReduceBoxesInLowestLayer bool `json:"reduce_boxes_in_lowest_layer" yaml:"reduce_boxes_in_lowest_layer" mapstructure:"reduce_boxes_in_lowest_layer"`
	// Aspect ratio of an extra anchor whose scale is interpolated with the next layer. 0 disables it.
	InterpolatedScaleAspectRatio float32 `json:"interpolated_scale_aspect_ratio" yaml:"interpolated_scale_aspect_ratio" mapstructure:"interpolated_scale_aspect_ratio"`
	// Use width = height = 1 for every anchor, for models predicting sizes in pixels.
	FixedAnchorSize bool `json:"fixed_anchor_size" yaml:"fixed_anchor_size" mapstructure:"fixed_anchor_size"`

	// RetinaNet style anchors over pyramid levels MinLevel..MaxLevel.
	MultiscaleAnchorGeneration bool    `json:"multiscale_anchor_generation" yaml:"multiscale_anchor_generation" mapstructure:"multiscale_anchor_generation"`
	MinLevel                   int     `json:"min_level" yaml:"min_level" mapstructure:"min_level"`
	MaxLevel                   int     `json:"max_level" yaml:"max_level" mapstructure:"max_level"`
	AnchorScale                float32 `json:"anchor_scale" yaml:"anchor_scale" mapstructure:"anchor_scale"`
	ScalesPerOctave            int     `json:"scales_per_octave" yaml:"scales_per_octave" mapstructure:"scales_per_octave"`
	NormalizeCoordinates       bool    `json:"normalize_coordinates" yaml:"normalize_coordinates" mapstructure:"normalize_coordinates"`
}

// DefaultSSDAnchorOptions returns options with the usual defaults for everything but the input
// size, scale range and layer count.
//
// @example
// opts := postprocess.DefaultSSDAnchorOptions(128, 128, 0.1484375, 0.75, 4)
// opts.Strides = []int{8, 16, 16, 16}
func DefaultSSDAnchorOptions(width, height int, minScale, maxScale float32, numLayers int) SSDAnchorOptions {
	return SSDAnchorOptions{
		InputSizeWidth:               width,
		InputSizeHeight:              height,
		MinScale:                     minScale,
		MaxScale:                     maxScale,
		AnchorOffsetX:                0.5,
		AnchorOffsetY:                0.5,
		NumLayers:                    numLayers,
		InterpolatedScaleAspectRatio: 1.0,
		MinLevel:                     3,
		MaxLevel:                     7,
		AnchorScale:                  4.0,
		ScalesPerOctave:              2,
		NormalizeCoordinates:         true,
	}
}

// FaceDetectionAnchorOptions returns the anchor grid of the short-range BlazeFace detector.
func FaceDetectionAnchorOptions(width, height int) SSDAnchorOptions {
	opts := DefaultSSDAnchorOptions(width, height, 0.1484375, 0.75, 4)
	opts.Strides = []int{8, 16, 16, 16}
	opts.AspectRatios = []float32{1.0}
	opts.FixedAnchorSize = true
	return opts
}

// HandDetectionAnchorOptions returns the anchor grid of the palm detector.
func HandDetectionAnchorOptions(width, height int) SSDAnchorOptions {
	return FaceDetectionAnchorOptions(width, height)
}

// Validate checks the options without generating anchors.
func (o SSDAnchorOptions) Validate() error {
	if o.MultiscaleAnchorGeneration {
		if o.MinLevel > o.MaxLevel {
			return common.ArgumentErrorf("min level `%d` is greater than max level `%d`", o.MinLevel, o.MaxLevel)
		}
		if o.ScalesPerOctave <= 0 || len(o.AspectRatios) == 0 {
			return common.ArgumentErrorf("multiscale anchors need scales per octave and aspect ratios")
		}
		if o.InputSizeWidth <= 0 || o.InputSizeHeight <= 0 {
			return common.ArgumentErrorf("input size must be positive, got `%dx%d`", o.InputSizeWidth, o.InputSizeHeight)
		}
		return nil
	}
	if len(o.Strides) == 0 {
		return common.ArgumentErrorf("anchor strides must not be empty")
	}
	if o.NumLayers <= 0 || o.NumLayers > len(o.Strides) {
		return common.ArgumentErrorf("num layers `%d` must be in [1, %d]", o.NumLayers, len(o.Strides))
	}
	for _, s := range o.Strides {
		if s <= 0 {
			return common.ArgumentErrorf("anchor stride must be positive, got `%d`", s)
		}
	}
	if len(o.FeatureMapWidth) != len(o.FeatureMapHeight) {
		return common.ArgumentErrorf("feature map width and height lists differ in length (%d vs %d)",
			len(o.FeatureMapWidth), len(o.FeatureMapHeight))
	}
	if len(o.FeatureMapWidth) > 0 && len(o.FeatureMapWidth) < o.NumLayers {
		return common.ArgumentErrorf("expect %d feature map sizes, got %d", o.NumLayers, len(o.FeatureMapWidth))
	}
	if len(o.AspectRatios) == 0 && o.InterpolatedScaleAspectRatio <= 0 && !o.ReduceBoxesInLowestLayer {
		return common.ArgumentErrorf("anchor options produce no anchor per location")
	}
	return nil
}

// GenerateAnchors builds the anchors of an SSD model. Anchors are emitted layer by layer, then
// row, column and template, which is the row order of the model's regression tensor.
//
// Arguments:
//   - opts: The anchor grid description.
//
// Returns:
//   - []Anchor: The anchors; the same options always yield the same sequence.
//   - error: An argument error for inconsistent options.
//
// @example
// anchors, err := postprocess.GenerateAnchors(postprocess.FaceDetectionAnchorOptions(128, 128))
func GenerateAnchors(opts SSDAnchorOptions) ([]Anchor, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.MultiscaleAnchorGeneration {
		return generateMultiscaleAnchors(opts), nil
	}

	var anchors []Anchor
	numStrides := len(opts.Strides)
	layer := 0
	for layer < opts.NumLayers {
		var widths, heights, ratios, scales []float32

		last := layer
		for last < numStrides && opts.Strides[last] == opts.Strides[layer] {
			scale := opts.calculateScale(last, numStrides)
			if last == 0 && opts.ReduceBoxesInLowestLayer {
				ratios = append(ratios, 1.0, 2.0, 0.5)
				scales = append(scales, 0.1, scale, scale)
			} else {
				for _, r := range opts.AspectRatios {
					ratios = append(ratios, r)
					scales = append(scales, scale)
				}
				if opts.InterpolatedScaleAspectRatio > 0 {
					next := float32(1.0)
					if last != numStrides-1 {
						next = opts.calculateScale(last+1, numStrides)
					}
					scales = append(scales, math32.Sqrt(scale*next))
					ratios = append(ratios, opts.InterpolatedScaleAspectRatio)
				}
			}
			last++
		}

		for i, r := range ratios {
			sqrt := math32.Sqrt(r)
			heights = append(heights, scales[i]/sqrt)
			widths = append(widths, scales[i]*sqrt)
		}

		var fmWidth, fmHeight int
		if len(opts.FeatureMapWidth) > 0 {
			fmWidth, fmHeight = opts.FeatureMapWidth[layer], opts.FeatureMapHeight[layer]
		} else {
			stride := float32(opts.Strides[layer])
			fmHeight = int(math32.Ceil(float32(opts.InputSizeHeight) / stride))
			fmWidth = int(math32.Ceil(float32(opts.InputSizeWidth) / stride))
		}

		for y := 0; y < fmHeight; y++ {
			yCenter := (float32(y) + opts.AnchorOffsetY) / float32(fmHeight)
			for x := 0; x < fmWidth; x++ {
				xCenter := (float32(x) + opts.AnchorOffsetX) / float32(fmWidth)
				for i := range heights {
					a := Anchor{XCenter: xCenter, YCenter: yCenter, W: widths[i], H: heights[i]}
					if opts.FixedAnchorSize {
						a.W, a.H = 1, 1
					}
					anchors = append(anchors, a)
				}
			}
		}
		layer = last
	}
	return anchors, nil
}

func (o SSDAnchorOptions) calculateScale(strideIndex, numStrides int) float32 {
	if numStrides == 1 {
		return (o.MinScale + o.MaxScale) * 0.5
	}
	return o.MinScale + (o.MaxScale-o.MinScale)*float32(strideIndex)/float32(numStrides-1)
}

// generateMultiscaleAnchors builds RetinaNet anchors: for every pyramid level the base size is
// AnchorScale * 2^level, multiplied by each octave scale and shaped by each aspect ratio.
func generateMultiscaleAnchors(opts SSDAnchorOptions) []Anchor {
	octaveScales := make([]float32, opts.ScalesPerOctave)
	for i := range octaveScales {
		octaveScales[i] = math32.Pow(2, float32(i)/float32(opts.ScalesPerOctave))
	}

	inW, inH := float32(opts.InputSizeWidth), float32(opts.InputSizeHeight)
	var anchors []Anchor
	for level := opts.MinLevel; level <= opts.MaxLevel; level++ {
		stride := math32.Pow(2, float32(level))
		base := opts.AnchorScale * stride

		var widths, heights []float32
		for _, r := range opts.AspectRatios {
			sqrt := math32.Sqrt(r)
			for _, s := range octaveScales {
				heights = append(heights, base*s/sqrt)
				widths = append(widths, base*s*sqrt)
			}
		}

		fmHeight := int(math32.Ceil(inH / stride))
		fmWidth := int(math32.Ceil(inW / stride))
		for y := 0; y < fmHeight; y++ {
			for x := 0; x < fmWidth; x++ {
				for i := range heights {
					a := Anchor{
						XCenter: (float32(x) + 0.5) * stride,
						YCenter: (float32(y) + 0.5) * stride,
						W:       widths[i],
						H:       heights[i],
					}
					if opts.NormalizeCoordinates {
						a.XCenter /= inW
						a.YCenter /= inH
						a.W /= inW
						a.H /= inH
					}
					anchors = append(anchors, a)
				}
			}
		}
	}
	return anchors
}
