package postprocess

import (
	"fmt"
	"strings"

	"github.com/chewxy/math32"

	"github.com/nvr-ai/go-tensordecode/common"
	"github.com/nvr-ai/go-tensordecode/images"
	"github.com/nvr-ai/go-tensordecode/tensors"
)

// BoxFormat is the layout of the four box values in the location tensor.
type BoxFormat int

const (
	// BoxFormatYXHW is [y_center, x_center, height, width] with keypoints as [y, x].
	BoxFormatYXHW BoxFormat = iota
	// BoxFormatXYWH is [x_center, y_center, width, height] with keypoints as [x, y].
	BoxFormatXYWH
	// BoxFormatXYXY is [xmin, ymin, xmax, ymax] with keypoints as [x, y].
	BoxFormatXYXY
)

func (f BoxFormat) String() string {
	switch f {
	case BoxFormatYXHW:
		return "YXHW"
	case BoxFormatXYWH:
		return "XYWH"
	case BoxFormatXYXY:
		return "XYXY"
	default:
		return fmt.Sprintf("BoxFormat(%d)", int(f))
	}
}

// ParseBoxFormat parses "YXHW", "XYWH" or "XYXY", case-insensitively. Empty selects YXHW.
func ParseBoxFormat(s string) (BoxFormat, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "YXHW":
		return BoxFormatYXHW, nil
	case "XYWH":
		return BoxFormatXYWH, nil
	case "XYXY":
		return BoxFormatXYXY, nil
	default:
		return BoxFormatYXHW, common.ArgumentErrorf("unknown box format `%s`", s)
	}
}

// BufferSpec is the element type and quantization of one output tensor.
type BufferSpec struct {
	Type         tensors.TensorType
	Quantization *tensors.QuantizationParameters
}

func (s BufferSpec) newBuffer(elems int) (*tensors.OutputBuffer, error) {
	return tensors.NewOutputBuffer(s.Type, s.Quantization, elems)
}

// DetectionOptions configure how a TensorsToDetection decoder reads its tensors.
type DetectionOptions struct {
	// Number of classes scored per box. Must be 1 for decoders with a categories tensor.
	NumClasses int
	// Number of values per box in the location tensor: box, keypoints and anything else.
	NumCoords int
	// Offset of the first keypoint value, relative to BoxCoordOffset.
	KeypointCoordOffset int
	NumKeyPoints        int
	// Values per keypoint; only the first two are read.
	NumValuesPerKeyPoint int
	// Offset of the box values within a row of the location tensor.
	BoxCoordOffset int
	// Divisors applied to raw values before anchor decoding.
	XScale float32
	YScale float32
	WScale float32
	HScale float32
	// Positions of {ymin, xmin, ymax, xmax} within the decoded box.
	BoxIndices [4]int
	BoxFormat  BoxFormat
	// Boxes whose best class scores below this value are skipped.
	MinScoreThreshold float32
	// Raw scores are clipped to [-t, t] before the sigmoid when set.
	ScoreClippingThresh       *float32
	ApplyExponentialOnBoxSize bool
	SigmoidScore              bool
	FlipVertically            bool
	NMS                       NMSConfig
}

// DefaultDetectionOptions returns a single-class YXHW layout with unit scales and no keypoints.
func DefaultDetectionOptions() DetectionOptions {
	return DetectionOptions{
		NumClasses:           1,
		NumCoords:            4,
		KeypointCoordOffset:  4,
		NumValuesPerKeyPoint: 2,
		XScale:               1,
		YScale:               1,
		WScale:               1,
		HScale:               1,
		BoxIndices:           [4]int{0, 1, 2, 3},
		BoxFormat:            BoxFormatYXHW,
		NMS:                  DefaultNMSConfig(),
	}
}

// Validate checks that every box and keypoint value fits within NumCoords.
func (o DetectionOptions) Validate() error {
	if o.NumClasses <= 0 {
		return common.ArgumentErrorf("num classes must be positive, got `%d`", o.NumClasses)
	}
	if o.NumKeyPoints < 0 || o.NumValuesPerKeyPoint < 0 || o.KeypointCoordOffset < 0 || o.BoxCoordOffset < 0 {
		return common.ArgumentErrorf("keypoint and box offsets must not be negative")
	}
	if o.NumKeyPoints > 0 && o.NumValuesPerKeyPoint < 2 {
		return common.ArgumentErrorf("keypoints need at least 2 values, got `%d`", o.NumValuesPerKeyPoint)
	}
	if o.BoxCoordOffset+4 > o.NumCoords {
		return common.ArgumentErrorf("box at offset `%d` does not fit in `%d` coords", o.BoxCoordOffset, o.NumCoords)
	}
	if need := o.BoxCoordOffset + o.KeypointCoordOffset + o.NumKeyPoints*o.NumValuesPerKeyPoint; o.NumCoords < need {
		return common.ArgumentErrorf("num coords `%d` is less than the `%d` values of box and keypoints", o.NumCoords, need)
	}
	for _, i := range o.BoxIndices {
		if i < 0 || i > 3 {
			return common.ArgumentErrorf("box index `%d` out of range [0, 3]", i)
		}
	}
	return nil
}

// TensorsToDetection decodes the location and score tensors of a detection model.
//
// Anchor decoders run SSD box decoding against a fixed anchor array. Direct decoders read a
// class id per box from a categories tensor. Both run NMS last. A decoder owns its buffers and is
// not safe for concurrent use.
type TensorsToDetection struct {
	anchors    []Anchor
	filter     *CategoriesFilter
	nms        *NonMaxSuppression
	location   *tensors.OutputBuffer
	score      *tensors.OutputBuffer
	categories *tensors.OutputBuffer
	opts       DetectionOptions
	decoded    int
}

// NewAnchorDetectionDecoder creates a decoder for SSD heads. The buffers are sized for one row
// per anchor.
//
// Arguments:
//   - filter: Maps class indices to categories.
//   - anchors: The anchors, one per location row.
//   - minScoreThreshold: Boxes scoring below this are skipped before decoding.
//   - maxResults: The NMS result limit; negative means unlimited.
//   - location: The location tensor type.
//   - score: The score tensor type.
//
// Returns:
//   - *TensorsToDetection: The decoder, configure it before the first Result.
//   - error: A model inconsistency error for an unusable buffer type.
//
// @example
// dec, err := postprocess.NewAnchorDetectionDecoder(filter, anchors, 0.5, -1, loc, score)
// err = dec.Configure(postprocess.FaceDetectionOptions(0.5, 0.3))
func NewAnchorDetectionDecoder(filter *CategoriesFilter, anchors []Anchor, minScoreThreshold float32, maxResults int, location, score BufferSpec) (*TensorsToDetection, error) {
	d, err := newDetectionDecoder(filter, maxResults, location, score)
	if err != nil {
		return nil, err
	}
	d.anchors = anchors
	d.opts.MinScoreThreshold = minScoreThreshold
	d.Realloc(len(anchors))
	return d, nil
}

// NewDirectDetectionDecoder creates a decoder for models that output boxes, class ids and scores.
func NewDirectDetectionDecoder(filter *CategoriesFilter, maxResults int, location, categories, score BufferSpec) (*TensorsToDetection, error) {
	d, err := newDetectionDecoder(filter, maxResults, location, score)
	if err != nil {
		return nil, err
	}
	if d.categories, err = categories.newBuffer(0); err != nil {
		return nil, err
	}
	return d, nil
}

func newDetectionDecoder(filter *CategoriesFilter, maxResults int, location, score BufferSpec) (*TensorsToDetection, error) {
	if filter == nil {
		return nil, common.ArgumentErrorf("detection decoder needs a categories filter")
	}
	loc, err := location.newBuffer(0)
	if err != nil {
		return nil, err
	}
	sc, err := score.newBuffer(0)
	if err != nil {
		return nil, err
	}
	return &TensorsToDetection{
		filter:   filter,
		nms:      NewNonMaxSuppression(maxResults),
		location: loc,
		score:    sc,
		opts:     DefaultDetectionOptions(),
	}, nil
}

// Options returns a copy of the current options.
func (d *TensorsToDetection) Options() DetectionOptions {
	return d.opts
}

// Configure validates and installs opts. The buffers keep their box count.
func (d *TensorsToDetection) Configure(opts DetectionOptions) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if d.categories != nil && opts.NumClasses != 1 {
		return common.ArgumentErrorf("decoders with a categories tensor need exactly 1 class, got `%d`", opts.NumClasses)
	}
	if d.anchors != nil && (opts.XScale == 0 || opts.YScale == 0 || opts.WScale == 0 || opts.HScale == 0) {
		return common.ArgumentErrorf("anchor decoding scales must not be zero")
	}
	numBoxes := d.numBoxes()
	d.opts = opts
	d.nms.SetConfig(opts.NMS)
	d.Realloc(numBoxes)
	return nil
}

// SetBoxIndices installs the box coordinate permutation reported by model metadata, given in
// {xmin, ymin, xmax, ymax} order.
func (d *TensorsToDetection) SetBoxIndices(properties [4]int) error {
	indices := [4]int{properties[1], properties[0], properties[3], properties[2]}
	for _, i := range indices {
		if i < 0 || i > 3 {
			return common.ArgumentErrorf("box index `%d` out of range [0, 3]", i)
		}
	}
	d.opts.BoxIndices = indices
	return nil
}

// NMS returns the suppressor run after decoding.
func (d *TensorsToDetection) NMS() *NonMaxSuppression {
	return d.nms
}

// Anchors returns the anchors of an anchor decoder, nil otherwise.
func (d *TensorsToDetection) Anchors() []Anchor {
	return d.anchors
}

func (d *TensorsToDetection) numBoxes() int {
	if d.opts.NumCoords == 0 {
		return 0
	}
	return d.location.Len() / d.opts.NumCoords
}

// Realloc sizes the buffers for numBoxes boxes, growing storage when needed.
//
// Returns:
//   - bool: True when any buffer had to grow.
func (d *TensorsToDetection) Realloc(numBoxes int) bool {
	grew := d.score.SetLen(numBoxes * d.opts.NumClasses)
	if d.categories != nil {
		grew = d.categories.SetLen(numBoxes) || grew
	}
	grew = d.location.SetLen(numBoxes*d.opts.NumCoords) || grew
	return grew
}

// LocationBuffer is where the inference call writes the location tensor.
func (d *TensorsToDetection) LocationBuffer() []byte { return d.location.Bytes() }

// ScoreBuffer is where the inference call writes the score tensor.
func (d *TensorsToDetection) ScoreBuffer() []byte { return d.score.Bytes() }

// CategoriesBuffer is where the inference call writes the class ids, nil for anchor decoders.
func (d *TensorsToDetection) CategoriesBuffer() []byte {
	if d.categories == nil {
		return nil
	}
	return d.categories.Bytes()
}

// Grows reports how often the buffers were reallocated.
func (d *TensorsToDetection) Grows() int {
	n := d.location.Grows() + d.score.Grows()
	if d.categories != nil {
		n += d.categories.Grows()
	}
	return n
}

// Decoded returns the number of detections produced by the last Result before NMS.
func (d *TensorsToDetection) Decoded() int {
	return d.decoded
}

// Result decodes numBoxes boxes from the buffers and applies NMS.
//
// Arguments:
//   - numBoxes: The number of boxes the model produced; Realloc must have sized the buffers.
//
// Returns:
//   - DetectionResult: The kept detections.
//   - error: A model inconsistency error when the buffers or anchors do not match numBoxes.
func (d *TensorsToDetection) Result(numBoxes int) (DetectionResult, error) {
	o := &d.opts
	if d.location.Len() < numBoxes*o.NumCoords || d.score.Len() < numBoxes*o.NumClasses {
		return DetectionResult{}, common.ModelInconsistentErrorf("buffers hold fewer than `%d` boxes", numBoxes)
	}
	location := d.location.Floats()
	scores := d.score.Floats()

	detections := make([]Detection, 0, numBoxes)
	if d.categories != nil {
		if d.categories.Len() < numBoxes {
			return DetectionResult{}, common.ModelInconsistentErrorf("categories buffer holds fewer than `%d` boxes", numBoxes)
		}
		classes := d.categories.Floats()
		for i := 0; i < numBoxes; i++ {
			class := classes[i]
			if math32.IsNaN(class) {
				continue
			}
			category, ok := d.filter.CreateCategory(int(class), scores[i])
			if !ok {
				continue
			}
			if det, ok := o.generateDetection(category, location[i*o.NumCoords:(i+1)*o.NumCoords]); ok {
				detections = append(detections, det)
			}
		}
	} else {
		if len(d.anchors) != numBoxes {
			return DetectionResult{}, common.ModelInconsistentErrorf("model outputs `%d` boxes but `%d` anchors were generated", numBoxes, len(d.anchors))
		}
		for i := 0; i < numBoxes; i++ {
			row := scores[i*o.NumClasses : (i+1)*o.NumClasses]
			best, class := o.processScore(row[0]), 0
			for c := 1; c < len(row); c++ {
				if s := o.processScore(row[c]); s > best {
					best, class = s, c
				}
			}
			if best < o.MinScoreThreshold {
				continue
			}
			category, ok := d.filter.CreateCategory(class, best)
			if !ok {
				continue
			}
			raw := location[i*o.NumCoords : (i+1)*o.NumCoords]
			o.decodeBox(raw, d.anchors[i])
			if det, ok := o.generateDetection(category, raw); ok {
				detections = append(detections, det)
			}
		}
	}

	d.decoded = len(detections)
	result := DetectionResult{Detections: detections}
	d.nms.Apply(&result)
	return result, nil
}

func (o *DetectionOptions) processScore(s float32) float32 {
	if !o.SigmoidScore {
		return s
	}
	if t := o.ScoreClippingThresh; t != nil {
		s = math32.Max(-*t, math32.Min(*t, s))
	}
	return tensors.Sigmoid(s)
}

// decodeBox rewrites raw in place: the box becomes [ymin, xmin, ymax, xmax] at BoxCoordOffset and
// every keypoint becomes [x, y] in normalized coordinates.
func (o *DetectionOptions) decodeBox(raw []float32, a Anchor) {
	off := o.BoxCoordOffset
	var xc, yc, w, h float32
	switch o.BoxFormat {
	case BoxFormatXYWH:
		xc, yc, w, h = raw[off], raw[off+1], raw[off+2], raw[off+3]
	case BoxFormatXYXY:
		xc = (-raw[off] + raw[off+2]) / 2
		yc = (-raw[off+1] + raw[off+3]) / 2
		w = raw[off+2] + raw[off]
		h = raw[off+3] + raw[off+1]
	default:
		yc, xc, h, w = raw[off], raw[off+1], raw[off+2], raw[off+3]
	}

	xc = xc/o.XScale*a.W + a.XCenter
	yc = yc/o.YScale*a.H + a.YCenter
	if o.ApplyExponentialOnBoxSize {
		h = math32.Exp(h/o.HScale) * a.H
		w = math32.Exp(w/o.WScale) * a.W
	} else {
		h = h / o.HScale * a.H
		w = w / o.WScale * a.W
	}

	raw[off] = yc - h/2
	raw[off+1] = xc - w/2
	raw[off+2] = yc + h/2
	raw[off+3] = xc + w/2

	idx := off + o.KeypointCoordOffset
	for k := 0; k < o.NumKeyPoints; k++ {
		kx, ky := raw[idx], raw[idx+1]
		if o.BoxFormat == BoxFormatYXHW {
			kx, ky = ky, kx
		}
		raw[idx] = kx/o.XScale*a.W + a.XCenter
		raw[idx+1] = ky/o.YScale*a.H + a.YCenter
		idx += o.NumValuesPerKeyPoint
	}
}

func (o *DetectionOptions) generateDetection(category Category, loc []float32) (Detection, bool) {
	off := o.BoxCoordOffset
	box := images.Rect{
		Left:   loc[o.BoxIndices[1]+off],
		Top:    loc[o.BoxIndices[0]+off],
		Right:  loc[o.BoxIndices[3]+off],
		Bottom: loc[o.BoxIndices[2]+off],
	}
	if o.FlipVertically {
		box.Top, box.Bottom = 1-box.Bottom, 1-box.Top
	}
	if math32.IsNaN(box.Left) || math32.IsNaN(box.Top) || math32.IsNaN(box.Right) || math32.IsNaN(box.Bottom) ||
		box.Left >= box.Right || box.Top >= box.Bottom {
		return Detection{}, false
	}

	det := Detection{Categories: []Category{category}, BoundingBox: box}
	if o.NumKeyPoints > 0 {
		det.KeyPoints = make([]NormalizedKeypoint, o.NumKeyPoints)
		idx := off + o.KeypointCoordOffset
		for k := range det.KeyPoints {
			y := loc[idx+1]
			if o.FlipVertically {
				y = 1 - y
			}
			det.KeyPoints[k] = NormalizedKeypoint{X: loc[idx], Y: y}
			idx += o.NumValuesPerKeyPoint
		}
	}
	return det, true
}

// FaceDetectionOptions returns the decoder options of the short-range BlazeFace detector.
func FaceDetectionOptions(minScore, minSuppression float32) DetectionOptions {
	clip := float32(100)
	o := DefaultDetectionOptions()
	o.XScale, o.YScale, o.WScale, o.HScale = 128, 128, 128, 128
	o.NumCoords = 16
	o.NumKeyPoints, o.NumValuesPerKeyPoint, o.KeypointCoordOffset = 6, 2, 4
	o.SigmoidScore = true
	o.ScoreClippingThresh = &clip
	o.BoxFormat = BoxFormatXYWH
	o.MinScoreThreshold = minScore
	o.NMS = NMSConfig{OverlapType: OverlapIoU, Algorithm: NMSWeighted, MinSuppressionThreshold: minSuppression}
	return o
}

// HandDetectionOptions returns the decoder options of the palm detector.
func HandDetectionOptions(minScore float32) DetectionOptions {
	o := FaceDetectionOptions(minScore, 0.3)
	o.XScale, o.YScale, o.WScale, o.HScale = 192, 192, 192, 192
	o.NumCoords = 18
	o.NumKeyPoints = 7
	return o
}

// RotationOption derives a rect rotation from two keypoints.
type RotationOption struct {
	// Target angle in radians, counter-clockwise.
	Angle         float32
	StartKeypoint int
	EndKeypoint   int
}

// RectFromDetection derives a region of interest from a detection.
//
// Arguments:
//   - d: The detection.
//   - rotation: When set, the rect is rotated so the line between the two keypoints points at
//     rotation.Angle.
//   - imgWidth, imgHeight: The image size, used to measure the keypoint angle in pixels.
//   - useKeypoints: Bound the keypoints instead of using the detection box.
//
// Returns:
//   - images.NormalizedRect: The region of interest.
//   - error: An argument error when the keypoints needed are missing.
//
// @example
// roi, err := postprocess.RectFromDetection(palm, &postprocess.RotationOption{Angle: math32.Pi / 2, StartKeypoint: 0, EndKeypoint: 2}, 640, 480, true)
func RectFromDetection(d Detection, rotation *RotationOption, imgWidth, imgHeight uint32, useKeypoints bool) (images.NormalizedRect, error) {
	var r images.NormalizedRect
	if useKeypoints {
		if len(d.KeyPoints) < 2 {
			return r, common.ArgumentErrorf("need at least 2 keypoints, got `%d`", len(d.KeyPoints))
		}
		bounds := images.Rect{Left: math32.MaxFloat32, Top: math32.MaxFloat32, Right: -math32.MaxFloat32, Bottom: -math32.MaxFloat32}
		for _, k := range d.KeyPoints {
			bounds.Left = math32.Min(k.X, bounds.Left)
			bounds.Top = math32.Min(k.Y, bounds.Top)
			bounds.Right = math32.Max(k.X, bounds.Right)
			bounds.Bottom = math32.Max(k.Y, bounds.Bottom)
		}
		r = images.NormalizedRectFromRect(bounds)
	} else {
		r = images.NormalizedRectFromRect(d.BoundingBox)
	}

	if rotation != nil {
		n := len(d.KeyPoints)
		if rotation.StartKeypoint < 0 || rotation.StartKeypoint >= n || rotation.EndKeypoint < 0 || rotation.EndKeypoint >= n {
			return r, common.ArgumentErrorf("rotation keypoints `%d`, `%d` out of range for `%d` keypoints",
				rotation.StartKeypoint, rotation.EndKeypoint, n)
		}
		w, h := float32(imgWidth), float32(imgHeight)
		x0, y0 := d.KeyPoints[rotation.StartKeypoint].X*w, d.KeyPoints[rotation.StartKeypoint].Y*h
		x1, y1 := d.KeyPoints[rotation.EndKeypoint].X*w, d.KeyPoints[rotation.EndKeypoint].Y*h
		angle := images.NormalizeRadians(rotation.Angle - math32.Atan2(-(y1-y0), x1-x0))
		r.Rotation = &angle
	}
	return r, nil
}
