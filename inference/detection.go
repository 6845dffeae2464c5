package inference

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/nvr-ai/go-tensordecode/common"
	"github.com/nvr-ai/go-tensordecode/metrics"
	"github.com/nvr-ai/go-tensordecode/models/postprocess"
	"github.com/nvr-ai/go-tensordecode/tensors"
)

// DetectionOutputs are the output tensor indices of a detection model. Categories and NumBoxes
// are -1 when the model does not have them.
type DetectionOutputs struct {
	Location   int `json:"location" yaml:"location" mapstructure:"location"`
	Scores     int `json:"scores" yaml:"scores" mapstructure:"scores"`
	Categories int `json:"categories" yaml:"categories" mapstructure:"categories"`
	NumBoxes   int `json:"num_boxes" yaml:"num_boxes" mapstructure:"num_boxes"`
}

// SSDOutputs are the outputs of an anchor based model: locations then scores.
func SSDOutputs() DetectionOutputs {
	return DetectionOutputs{Location: 0, Scores: 1, Categories: -1, NumBoxes: -1}
}

// PostprocessedOutputs are the outputs of a model with built-in postprocessing: locations,
// class ids, scores and the number of boxes.
func PostprocessedOutputs() DetectionOutputs {
	return DetectionOutputs{Location: 0, Categories: 1, Scores: 2, NumBoxes: 3}
}

// DetectionSessionConfig configures NewDetectionSession.
type DetectionSessionConfig struct {
	Outputs DetectionOutputs
	Filter  *postprocess.CategoriesFilter
	// Anchors select SSD decoding; they must be empty when the model outputs categories.
	Anchors    []postprocess.Anchor
	Options    postprocess.DetectionOptions
	MaxResults int
}

// DetectionSession decodes the outputs of one detection model. It is not safe for concurrent use.
type DetectionSession struct {
	dec      *postprocess.TensorsToDetection
	outputs  DetectionOutputs
	fixed    int
	numBoxes *tensors.OutputBuffer
	log      zerolog.Logger
}

// NewDetectionSession creates the decoder of a detection model and sizes its buffers.
//
// Arguments:
//   - meta: The model metadata.
//   - cfg: The output indices, category filter, anchors and decoder options.
//
// Returns:
//   - *DetectionSession: The session.
//   - error: An argument error for an invalid configuration, or a model inconsistency error when
//     the metadata does not match it.
//
// @example
//
//	s, err := inference.NewDetectionSession(meta, inference.DetectionSessionConfig{
//		Outputs: inference.SSDOutputs(),
//		Filter:  postprocess.NewFullCategoriesFilter(0.5, []byte("face"), nil),
//		Anchors: anchors,
//		Options: postprocess.FaceDetectionOptions(0.5, 0.3),
//	})
func NewDetectionSession(meta ModelMetadata, cfg DetectionSessionConfig) (*DetectionSession, error) {
	o := cfg.Outputs
	for _, i := range []int{o.Location, o.Scores} {
		if i < 0 || i >= meta.NumOutputs() {
			return nil, common.ModelInconsistentErrorf("model has no output `%d`, it has `%d` outputs", i, meta.NumOutputs())
		}
	}
	location, err := BufferSpecFor(meta, o.Location)
	if err != nil {
		return nil, err
	}
	score, err := BufferSpecFor(meta, o.Scores)
	if err != nil {
		return nil, err
	}

	var dec *postprocess.TensorsToDetection
	if o.Categories >= 0 {
		if len(cfg.Anchors) > 0 {
			return nil, common.ArgumentErrorf("anchors are not used with a categories output")
		}
		categories, err := BufferSpecFor(meta, o.Categories)
		if err != nil {
			return nil, err
		}
		dec, err = postprocess.NewDirectDetectionDecoder(cfg.Filter, cfg.MaxResults, location, categories, score)
		if err != nil {
			return nil, err
		}
	} else {
		if len(cfg.Anchors) == 0 {
			return nil, common.ArgumentErrorf("detection without a categories output needs anchors")
		}
		dec, err = postprocess.NewAnchorDetectionDecoder(cfg.Filter, cfg.Anchors, cfg.Options.MinScoreThreshold, cfg.MaxResults, location, score)
		if err != nil {
			return nil, err
		}
	}
	if err := dec.Configure(cfg.Options); err != nil {
		return nil, err
	}
	if props, ok := meta.BoundingBoxProperties(); ok {
		if err := dec.SetBoxIndices(props); err != nil {
			return nil, err
		}
	}

	s := &DetectionSession{dec: dec, outputs: o, log: common.Component("detection")}
	if o.NumBoxes >= 0 {
		if s.numBoxes, err = tensors.NewOutputBuffer(tensors.F32, nil, 1); err != nil {
			return nil, err
		}
		return s, nil
	}

	if len(cfg.Anchors) > 0 {
		s.fixed = len(cfg.Anchors)
	} else {
		shape, err := meta.OutputShape(o.Location)
		if err != nil {
			return nil, err
		}
		elems := tensors.ElementCount(shape)
		if elems <= 0 || elems%cfg.Options.NumCoords != 0 {
			return nil, common.ModelInconsistentErrorf("location shape `%v` is not a whole number of `%d` coord boxes", shape, cfg.Options.NumCoords)
		}
		s.fixed = elems / cfg.Options.NumCoords
	}
	dec.Realloc(s.fixed)
	return s, nil
}

// Decoder returns the underlying decoder.
func (s *DetectionSession) Decoder() *postprocess.TensorsToDetection {
	return s.dec
}

// Detect reads the outputs from r and decodes them.
//
// Arguments:
//   - r: The outputs of one inference call.
//
// Returns:
//   - postprocess.DetectionResult: The detections kept by NMS.
//   - error: The read or decode error.
func (s *DetectionSession) Detect(r OutputReader) (res postprocess.DetectionResult, err error) {
	start := time.Now()
	defer func() { metrics.RecordDecode(metrics.TaskDetection, time.Since(start), err) }()

	n := s.fixed
	if s.numBoxes != nil {
		if err = ReadOutput(r, s.outputs.NumBoxes, s.numBoxes.Bytes()); err != nil {
			return res, err
		}
		count := s.numBoxes.Floats()[0]
		if !(count >= 0) {
			return res, common.ModelInconsistentErrorf("invalid box count `%v`", count)
		}
		n = int(math.Round(float64(count)))
		grows := s.dec.Grows()
		s.dec.Realloc(n)
		if g := s.dec.Grows() - grows; g > 0 {
			metrics.RecordBufferGrow(g)
		}
	}

	read := ReadOutput
	if s.numBoxes != nil {
		read = ReadOutputPrefix
	}
	if err = read(r, s.outputs.Location, s.dec.LocationBuffer()); err != nil {
		return res, err
	}
	if err = read(r, s.outputs.Scores, s.dec.ScoreBuffer()); err != nil {
		return res, err
	}
	if s.outputs.Categories >= 0 {
		if err = read(r, s.outputs.Categories, s.dec.CategoriesBuffer()); err != nil {
			return res, err
		}
	}

	if res, err = s.dec.Result(n); err != nil {
		return res, err
	}
	metrics.RecordDetections(s.dec.Decoded(), len(res.Detections))
	s.log.Debug().
		Int("boxes", n).
		Int("decoded", s.dec.Decoded()).
		Int("kept", len(res.Detections)).
		Dur("took", time.Since(start)).
		Msg("decoded detections")
	return res, nil
}
