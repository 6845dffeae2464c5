package inference

import (
	"bytes"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/nvr-ai/go-tensordecode/common"
	"github.com/nvr-ai/go-tensordecode/images"
	"github.com/nvr-ai/go-tensordecode/metrics"
	"github.com/nvr-ai/go-tensordecode/models/postprocess"
	"github.com/nvr-ai/go-tensordecode/tensors"
)

// heads returns the requested output indices, or every output when none are requested.
func heads(meta ModelMetadata, requested []int) ([]int, error) {
	if len(requested) == 0 {
		all := make([]int, meta.NumOutputs())
		for i := range all {
			all[i] = i
		}
		return all, nil
	}
	for _, i := range requested {
		if i < 0 || i >= meta.NumOutputs() {
			return nil, common.ModelInconsistentErrorf("model has no output `%d`, it has `%d` outputs", i, meta.NumOutputs())
		}
	}
	return requested, nil
}

// ClassificationSession decodes every score output of a classifier. It is not safe for
// concurrent use.
type ClassificationSession struct {
	agg     *postprocess.TensorsToClassification
	outputs []int
	log     zerolog.Logger
}

// NewClassificationSession builds one category filter per output from the output labels.
//
// Arguments:
//   - meta: The model metadata, including the label files.
//   - opts: The filter options shared by all heads.
//   - outputs: The score outputs; empty means every output.
//
// Returns:
//   - *ClassificationSession: The session.
//   - error: An argument error for invalid options, or a model inconsistency error.
func NewClassificationSession(meta ModelMetadata, opts postprocess.ClassificationOptions, outputs []int) (*ClassificationSession, error) {
	idx, err := heads(meta, outputs)
	if err != nil {
		return nil, err
	}
	s := &ClassificationSession{agg: postprocess.NewTensorsToClassification(), outputs: idx, log: common.Component("classification")}
	for _, i := range idx {
		labels := meta.OutputLabels(i, "")
		var locale []byte
		if opts.DisplayNamesLocale != "" {
			if l := meta.OutputLabels(i, opts.DisplayNamesLocale); !bytes.Equal(l, labels) {
				locale = l
			}
		}
		filter, err := postprocess.NewCategoriesFilter(opts, labels, locale)
		if err != nil {
			return nil, err
		}
		spec, err := BufferSpecFor(meta, i)
		if err != nil {
			return nil, err
		}
		shape, err := meta.OutputShape(i)
		if err != nil {
			return nil, err
		}
		if _, err := s.agg.AddHead(filter, opts.MaxResults, spec, shape, headName(meta, i)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Classify reads the score outputs from r and decodes them.
func (s *ClassificationSession) Classify(r OutputReader, timestampMs *uint64) (res postprocess.ClassificationResult, err error) {
	start := time.Now()
	defer func() { metrics.RecordDecode(metrics.TaskClassification, time.Since(start), err) }()

	for head, i := range s.outputs {
		if err = ReadOutput(r, i, s.agg.OutputBuffer(head)); err != nil {
			return res, err
		}
	}
	if res, err = s.agg.Result(timestampMs); err != nil {
		return res, err
	}
	s.log.Debug().Int("heads", len(s.outputs)).Dur("took", time.Since(start)).Msg("decoded classifications")
	return res, nil
}

// EmbeddingSession decodes every feature output of an embedder. It is not safe for concurrent
// use.
type EmbeddingSession struct {
	agg     *postprocess.TensorsToEmbedding
	outputs []int
	log     zerolog.Logger
}

// NewEmbeddingSession creates an embedding session over outputs, or every output when empty.
func NewEmbeddingSession(meta ModelMetadata, quantize, l2Normalize bool, outputs []int) (*EmbeddingSession, error) {
	idx, err := heads(meta, outputs)
	if err != nil {
		return nil, err
	}
	s := &EmbeddingSession{agg: postprocess.NewTensorsToEmbedding(quantize, l2Normalize), outputs: idx, log: common.Component("embedding")}
	for _, i := range idx {
		spec, err := BufferSpecFor(meta, i)
		if err != nil {
			return nil, err
		}
		shape, err := meta.OutputShape(i)
		if err != nil {
			return nil, err
		}
		if _, err := s.agg.AddHead(spec, shape, headName(meta, i)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Embed reads the feature outputs from r and decodes them.
func (s *EmbeddingSession) Embed(r OutputReader, timestampMs *uint64) (res postprocess.EmbeddingResult, err error) {
	start := time.Now()
	defer func() { metrics.RecordDecode(metrics.TaskEmbedding, time.Since(start), err) }()

	for head, i := range s.outputs {
		if err = ReadOutput(r, i, s.agg.OutputBuffer(head)); err != nil {
			return res, err
		}
	}
	if res, err = s.agg.Result(timestampMs); err != nil {
		return res, err
	}
	s.log.Debug().Int("heads", len(s.outputs)).Dur("took", time.Since(start)).Msg("decoded embeddings")
	return res, nil
}

// SegmentationConfig configures NewSegmentationSession.
type SegmentationConfig struct {
	Output int                     `json:"output" yaml:"output" mapstructure:"output"`
	Layout tensors.ImageDataLayout `json:"layout" yaml:"layout" mapstructure:"layout"`
	// Activation overrides the activation declared by the metadata when set.
	Activation            *tensors.Activation `json:"activation,omitempty" yaml:"activation,omitempty" mapstructure:"activation"`
	OutputCategoryMask    bool                `json:"output_category_mask" yaml:"output_category_mask" mapstructure:"output_category_mask"`
	OutputConfidenceMasks bool                `json:"output_confidence_masks" yaml:"output_confidence_masks" mapstructure:"output_confidence_masks"`
	// The masks are resized to this size when both are positive, usually the source image size.
	Width  int `json:"width" yaml:"width" mapstructure:"width"`
	Height int `json:"height" yaml:"height" mapstructure:"height"`
}

// SegmentationSession decodes the score output of a segmentation model. It is not safe for
// concurrent use.
type SegmentationSession struct {
	dec *postprocess.TensorsToSegmentation
	cfg SegmentationConfig
	log zerolog.Logger
}

// NewSegmentationSession creates a segmentation session.
//
// Arguments:
//   - meta: The model metadata.
//   - cfg: The output index, layout, activation, masks to produce and target size.
//
// Returns:
//   - *SegmentationSession: The session.
//   - error: An argument error when no mask is requested, or a model inconsistency error for an
//     unsupported tensor.
func NewSegmentationSession(meta ModelMetadata, cfg SegmentationConfig) (*SegmentationSession, error) {
	if !cfg.OutputCategoryMask && !cfg.OutputConfidenceMasks {
		return nil, common.ArgumentErrorf("at least one of category mask and confidence masks must be requested")
	}
	if _, err := heads(meta, []int{cfg.Output}); err != nil {
		return nil, err
	}
	spec, err := BufferSpecFor(meta, cfg.Output)
	if err != nil {
		return nil, err
	}
	shape, err := meta.OutputShape(cfg.Output)
	if err != nil {
		return nil, err
	}
	activation := meta.OutputActivation(cfg.Output)
	if cfg.Activation != nil {
		activation = *cfg.Activation
	}
	dec, err := postprocess.NewTensorsToSegmentation(activation, spec, cfg.Layout, shape)
	if err != nil {
		return nil, err
	}
	return &SegmentationSession{dec: dec, cfg: cfg, log: common.Component("segmentation")}, nil
}

// Segment reads the score output from r and decodes the requested masks.
func (s *SegmentationSession) Segment(r OutputReader) (res postprocess.SegmentationResult, err error) {
	start := time.Now()
	defer func() { metrics.RecordDecode(metrics.TaskSegmentation, time.Since(start), err) }()

	if err = ReadOutput(r, s.cfg.Output, s.dec.Buffer()); err != nil {
		return res, err
	}
	if res, err = s.dec.Result(s.cfg.OutputCategoryMask, s.cfg.OutputConfidenceMasks); err != nil {
		return res, err
	}
	if s.cfg.Width > 0 && s.cfg.Height > 0 {
		if res, err = resizeMasks(res, s.cfg.Width, s.cfg.Height); err != nil {
			return res, err
		}
	}
	shape := s.dec.Shape()
	s.log.Debug().
		Int("width", shape.Width).
		Int("height", shape.Height).
		Int("channels", shape.Channels).
		Dur("took", time.Since(start)).
		Msg("decoded segmentation")
	return res, nil
}

func resizeMasks(res postprocess.SegmentationResult, width, height int) (postprocess.SegmentationResult, error) {
	out := postprocess.SegmentationResult{}
	if res.CategoryMask != nil {
		m, err := res.CategoryMask.Resize(width, height)
		if err != nil {
			return out, err
		}
		out.CategoryMask = m
	}
	for _, c := range res.ConfidenceMasks {
		m, err := c.Resize(width, height)
		if err != nil {
			return out, err
		}
		out.ConfidenceMasks = append(out.ConfidenceMasks, m)
	}
	return out, nil
}

// LandmarksConfig configures NewLandmarksSession.
type LandmarksConfig struct {
	Output       int                          `json:"output" yaml:"output" mapstructure:"output"`
	NumLandmarks int                          `json:"num_landmarks" yaml:"num_landmarks" mapstructure:"num_landmarks"`
	Options      postprocess.LandmarksOptions `json:"options" yaml:"options" mapstructure:"options"`
	// Normalize divides the coordinates by the image size in Options.
	Normalize bool `json:"normalize" yaml:"normalize" mapstructure:"normalize"`
	// WorldOutput is the index of a metric world landmark output, -1 when absent.
	WorldOutput int `json:"world_output" yaml:"world_output" mapstructure:"world_output"`
}

// LandmarksResult holds the landmarks of one region of interest.
type LandmarksResult struct {
	Landmarks      postprocess.NormalizedLandmarks `json:"landmarks" yaml:"landmarks"`
	WorldLandmarks postprocess.Landmarks           `json:"world_landmarks,omitempty" yaml:"world_landmarks,omitempty"`
}

func (r LandmarksResult) String() string {
	var b strings.Builder
	b.WriteString("LandmarksResult:\n")
	b.WriteString(r.Landmarks.String())
	if r.WorldLandmarks != nil {
		b.WriteString("  World")
		b.WriteString(strings.TrimPrefix(r.WorldLandmarks.String(), "  "))
	}
	return b.String()
}

// LandmarksSession decodes the landmark outputs of a model run on a region of interest. It is
// not safe for concurrent use.
type LandmarksSession struct {
	dec   *postprocess.TensorsToLandmarks
	world *postprocess.TensorsToLandmarks
	cfg   LandmarksConfig
	log   zerolog.Logger
}

// NewLandmarksSession creates a landmarks session.
func NewLandmarksSession(meta ModelMetadata, cfg LandmarksConfig) (*LandmarksSession, error) {
	outputs := []int{cfg.Output}
	if cfg.WorldOutput >= 0 {
		outputs = append(outputs, cfg.WorldOutput)
	}
	if _, err := heads(meta, outputs); err != nil {
		return nil, err
	}
	s := &LandmarksSession{cfg: cfg, log: common.Component("landmarks")}
	var err error
	if s.dec, err = newLandmarksDecoder(meta, cfg.Output, cfg.NumLandmarks); err != nil {
		return nil, err
	}
	if err := s.dec.Configure(cfg.Options); err != nil {
		return nil, err
	}
	if cfg.WorldOutput >= 0 {
		if s.world, err = newLandmarksDecoder(meta, cfg.WorldOutput, cfg.NumLandmarks); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func newLandmarksDecoder(meta ModelMetadata, i, numLandmarks int) (*postprocess.TensorsToLandmarks, error) {
	spec, err := BufferSpecFor(meta, i)
	if err != nil {
		return nil, err
	}
	shape, err := meta.OutputShape(i)
	if err != nil {
		return nil, err
	}
	return postprocess.NewTensorsToLandmarks(numLandmarks, spec, shape)
}

// Landmarks reads the landmark outputs from r and projects them out of roi.
//
// Arguments:
//   - r: The outputs of one inference call.
//   - roi: The region the model input was cropped from, nil when it was the full image.
//
// Returns:
//   - LandmarksResult: The landmarks in image coordinates.
//   - error: The read or decode error.
func (s *LandmarksSession) Landmarks(r OutputReader, roi *images.NormalizedRect) (res LandmarksResult, err error) {
	start := time.Now()
	defer func() { metrics.RecordDecode(metrics.TaskLandmarks, time.Since(start), err) }()

	if err = ReadOutput(r, s.cfg.Output, s.dec.Buffer()); err != nil {
		return res, err
	}
	if res.Landmarks, err = s.dec.Result(s.cfg.Normalize); err != nil {
		return res, err
	}
	if roi != nil {
		res.Landmarks = postprocess.ProjectNormalizedLandmarks(res.Landmarks, *roi, false)
	}
	if s.world != nil {
		if err = ReadOutput(r, s.cfg.WorldOutput, s.world.Buffer()); err != nil {
			return res, err
		}
		if res.WorldLandmarks, err = s.world.Result(false); err != nil {
			return res, err
		}
		if roi != nil {
			res.WorldLandmarks = postprocess.ProjectWorldLandmarks(res.WorldLandmarks, *roi)
		}
	}
	s.log.Debug().Int("landmarks", len(res.Landmarks)).Dur("took", time.Since(start)).Msg("decoded landmarks")
	return res, nil
}
