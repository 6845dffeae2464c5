package postprocess

import (
	"fmt"
	"strings"

	"github.com/nvr-ai/go-tensordecode/common"
	"github.com/nvr-ai/go-tensordecode/images"
	"github.com/nvr-ai/go-tensordecode/tensors"
)

// SegmentationResult holds the masks of one segmentation decode. Either field is nil when it
// was not requested.
type SegmentationResult struct {
	CategoryMask    *images.CategoryMask
	ConfidenceMasks []*images.ConfidenceMask
}

func (r SegmentationResult) String() string {
	var b strings.Builder
	b.WriteString("SegmentationResult:\n")
	if r.CategoryMask != nil {
		fmt.Fprintf(&b, "  Category mask: %dx%d\n", r.CategoryMask.Width, r.CategoryMask.Height)
	} else {
		b.WriteString("  Category mask: None\n")
	}
	if len(r.ConfidenceMasks) == 0 {
		b.WriteString("  Confidence masks: None\n")
		return b.String()
	}
	for i, m := range r.ConfidenceMasks {
		fmt.Fprintf(&b, "  Confidence mask #%d: %dx%d\n", i, m.Width, m.Height)
	}
	return b.String()
}

// TensorsToSegmentation decodes a single-image NHWC score tensor into masks. It owns its
// buffers and is not safe for concurrent use.
type TensorsToSegmentation struct {
	activation tensors.Activation
	buf        *tensors.OutputBuffer
	layout     tensors.ImageDataLayout
	shape      tensors.ImageLikeTensorShape
	scratch    []float32
}

// NewTensorsToSegmentation creates a segmentation decoder.
//
// Arguments:
//   - activation: Applied to the confidence masks only.
//   - spec: The tensor type.
//   - layout: The declared data layout. Only NHWC can be decoded.
//   - shape: The tensor shape, 2 to 4 dimensions.
//
// Returns:
//   - *TensorsToSegmentation: The decoder.
//   - error: A model inconsistency error for a batch other than 1 or an unsupported layout.
//
// @example
// seg, err := postprocess.NewTensorsToSegmentation(tensors.ActivationSoftmax, spec, tensors.LayoutNHWC, []int{1, 256, 256, 21})
func NewTensorsToSegmentation(activation tensors.Activation, spec BufferSpec, layout tensors.ImageDataLayout, shape []int) (*TensorsToSegmentation, error) {
	parsed, err := tensors.ParseImageLikeTensorShape(layout, shape)
	if err != nil {
		return nil, err
	}
	if parsed.Batch != 1 {
		return nil, common.ModelInconsistentErrorf("unsupported batch size `%d`, only batch size 1 is supported", parsed.Batch)
	}
	if layout != tensors.LayoutNHWC {
		return nil, common.ModelInconsistentErrorf("unsupported segmentation layout `%s`", layout)
	}
	if parsed.Channels > 256 {
		return nil, common.ModelInconsistentErrorf("`%d` channels do not fit an 8 bit category mask", parsed.Channels)
	}
	buf, err := spec.newBuffer(parsed.ElemSize())
	if err != nil {
		return nil, err
	}
	return &TensorsToSegmentation{
		activation: activation,
		buf:        buf,
		layout:     layout,
		shape:      parsed,
	}, nil
}

// Buffer is where the inference call writes the score tensor.
func (t *TensorsToSegmentation) Buffer() []byte { return t.buf.Bytes() }

// Shape returns the parsed tensor shape.
func (t *TensorsToSegmentation) Shape() tensors.ImageLikeTensorShape { return t.shape }

// CategoryMask assigns every pixel the channel with the highest raw score. A single channel
// tensor is thresholded at 0.5.
func (t *TensorsToSegmentation) CategoryMask() (*images.CategoryMask, error) {
	values := t.buf.Floats()
	channels := t.shape.Channels
	mask := images.NewCategoryMask(t.shape.Width, t.shape.Height)
	if len(values) < len(mask.Pix)*channels {
		return nil, common.ModelInconsistentErrorf("segmentation buffer holds `%d` values, want `%d`", len(values), len(mask.Pix)*channels)
	}
	for p := range mask.Pix {
		px := values[p*channels : (p+1)*channels]
		if channels == 1 {
			if px[0] > 0.5 {
				mask.Pix[p] = 1
			}
			continue
		}
		best := 0
		for c := 1; c < channels; c++ {
			if px[c] > px[best] {
				best = c
			}
		}
		mask.Pix[p] = uint8(best)
	}
	return mask, nil
}

// ConfidenceMasks returns one mask per channel after the activation. The activation runs on a
// copy, so the buffer still holds the raw scores afterwards.
func (t *TensorsToSegmentation) ConfidenceMasks() ([]*images.ConfidenceMask, error) {
	values := t.buf.Floats()
	channels := t.shape.Channels
	pixels := t.shape.Width * t.shape.Height
	if len(values) < pixels*channels {
		return nil, common.ModelInconsistentErrorf("segmentation buffer holds `%d` values, want `%d`", len(values), pixels*channels)
	}
	if cap(t.scratch) < pixels*channels {
		t.scratch = make([]float32, pixels*channels)
	}
	scores := t.scratch[:pixels*channels]
	copy(scores, values)

	switch t.activation {
	case tensors.ActivationSigmoid:
		tensors.SigmoidInPlace(scores)
	case tensors.ActivationSoftmax:
		if channels > 1 {
			for p := 0; p < pixels; p++ {
				tensors.SoftmaxInPlace(scores[p*channels : (p+1)*channels])
			}
		}
	}

	masks := make([]*images.ConfidenceMask, channels)
	for c := range masks {
		masks[c] = images.NewConfidenceMask(t.shape.Width, t.shape.Height)
	}
	for p := 0; p < pixels; p++ {
		for c := 0; c < channels; c++ {
			masks[c].Pix[p] = scores[p*channels+c]
		}
	}
	return masks, nil
}

// Result decodes the requested masks.
//
// Arguments:
//   - wantCategory: Decode the category mask.
//   - wantConfidence: Decode the confidence masks.
//
// Returns:
//   - SegmentationResult: The masks.
//   - error: A model inconsistency error when the buffer is short.
func (t *TensorsToSegmentation) Result(wantCategory, wantConfidence bool) (SegmentationResult, error) {
	var (
		res SegmentationResult
		err error
	)
	if wantCategory {
		if res.CategoryMask, err = t.CategoryMask(); err != nil {
			return SegmentationResult{}, err
		}
	}
	if wantConfidence {
		if res.ConfidenceMasks, err = t.ConfidenceMasks(); err != nil {
			return SegmentationResult{}, err
		}
	}
	return res, nil
}
