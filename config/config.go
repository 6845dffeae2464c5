// Package config loads decoder configuration from YAML files and TENSORDECODE_* environment
// variables.
package config

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/nvr-ai/go-tensordecode/common"
	"github.com/nvr-ai/go-tensordecode/inference"
	"github.com/nvr-ai/go-tensordecode/models"
	"github.com/nvr-ai/go-tensordecode/models/postprocess"
	"github.com/nvr-ai/go-tensordecode/tensors"
)

// EnvPrefix prefixes the environment variables that override file values, e.g.
// TENSORDECODE_DETECTION_MIN_SCORE_THRESHOLD.
const EnvPrefix = "TENSORDECODE"

// Config is the decoder configuration of one model.
type Config struct {
	Runtime        RuntimeConfig                     `json:"runtime" yaml:"runtime" mapstructure:"runtime"`
	Detection      DetectionConfig                   `json:"detection" yaml:"detection" mapstructure:"detection"`
	Anchors        postprocess.SSDAnchorOptions      `json:"anchors" yaml:"anchors" mapstructure:"anchors"`
	Landmarks      LandmarksConfig                   `json:"landmarks" yaml:"landmarks" mapstructure:"landmarks"`
	Segmentation   SegmentationConfig                `json:"segmentation" yaml:"segmentation" mapstructure:"segmentation"`
	Classification postprocess.ClassificationOptions `json:"classification" yaml:"classification" mapstructure:"classification"`
	Embedding      EmbeddingConfig                   `json:"embedding" yaml:"embedding" mapstructure:"embedding"`
}

// RuntimeConfig locates the onnxruntime library and selects its execution provider.
type RuntimeConfig struct {
	LibraryPath string `json:"library_path" yaml:"library_path" mapstructure:"library_path"`
	Backend     string `json:"backend" yaml:"backend" mapstructure:"backend"`
	ModelPath   string `json:"model_path" yaml:"model_path" mapstructure:"model_path"`
}

// NMSConfig is the text form of postprocess.NMSConfig.
type NMSConfig struct {
	OverlapType             string  `json:"overlap_type" yaml:"overlap_type" mapstructure:"overlap_type"`
	Algorithm               string  `json:"algorithm" yaml:"algorithm" mapstructure:"algorithm"`
	MinSuppressionThreshold float32 `json:"min_suppression_threshold" yaml:"min_suppression_threshold" mapstructure:"min_suppression_threshold"`
}

// DetectionConfig is the text form of postprocess.DetectionOptions plus the labels and result
// limit of the decoder.
type DetectionConfig struct {
	// Labels, one per class index.
	Labels []string `json:"labels" yaml:"labels" mapstructure:"labels"`
	// LabelSet names a built-in class set (coco, yolo, tf, voc), used when Labels is empty.
	LabelSet                  string    `json:"label_set" yaml:"label_set" mapstructure:"label_set"`
	MaxResults                int       `json:"max_results" yaml:"max_results" mapstructure:"max_results"`
	NumClasses                int       `json:"num_classes" yaml:"num_classes" mapstructure:"num_classes"`
	NumCoords                 int       `json:"num_coords" yaml:"num_coords" mapstructure:"num_coords"`
	KeypointCoordOffset       int       `json:"keypoint_coord_offset" yaml:"keypoint_coord_offset" mapstructure:"keypoint_coord_offset"`
	NumKeyPoints              int       `json:"num_keypoints" yaml:"num_keypoints" mapstructure:"num_keypoints"`
	NumValuesPerKeyPoint      int       `json:"num_values_per_keypoint" yaml:"num_values_per_keypoint" mapstructure:"num_values_per_keypoint"`
	BoxCoordOffset            int       `json:"box_coord_offset" yaml:"box_coord_offset" mapstructure:"box_coord_offset"`
	XScale                    float32   `json:"x_scale" yaml:"x_scale" mapstructure:"x_scale"`
	YScale                    float32   `json:"y_scale" yaml:"y_scale" mapstructure:"y_scale"`
	WScale                    float32   `json:"w_scale" yaml:"w_scale" mapstructure:"w_scale"`
	HScale                    float32   `json:"h_scale" yaml:"h_scale" mapstructure:"h_scale"`
	BoxIndices                []int     `json:"box_indices" yaml:"box_indices" mapstructure:"box_indices"`
	BoxFormat                 string    `json:"box_format" yaml:"box_format" mapstructure:"box_format"`
	MinScoreThreshold         float32   `json:"min_score_threshold" yaml:"min_score_threshold" mapstructure:"min_score_threshold"`
	ScoreClippingThresh       *float32  `json:"score_clipping_thresh,omitempty" yaml:"score_clipping_thresh,omitempty" mapstructure:"score_clipping_thresh"`
	ApplyExponentialOnBoxSize bool      `json:"apply_exponential_on_box_size" yaml:"apply_exponential_on_box_size" mapstructure:"apply_exponential_on_box_size"`
	SigmoidScore              bool      `json:"sigmoid_score" yaml:"sigmoid_score" mapstructure:"sigmoid_score"`
	FlipVertically            bool      `json:"flip_vertically" yaml:"flip_vertically" mapstructure:"flip_vertically"`
	NMS                       NMSConfig `json:"nms" yaml:"nms" mapstructure:"nms"`
}

// LandmarksConfig configures landmark decoding.
type LandmarksConfig struct {
	NumLandmarks int  `json:"num_landmarks" yaml:"num_landmarks" mapstructure:"num_landmarks"`
	Normalize    bool `json:"normalize" yaml:"normalize" mapstructure:"normalize"`
	// WorldOutput is the index of the world landmark output, -1 when absent.
	WorldOutput                  int `json:"world_output" yaml:"world_output" mapstructure:"world_output"`
	postprocess.LandmarksOptions `mapstructure:",squash"`
}

// SegmentationConfig is the text form of inference.SegmentationConfig.
type SegmentationConfig struct {
	Layout string `json:"layout" yaml:"layout" mapstructure:"layout"`
	// Activation overrides the model metadata when set: "none", "sigmoid" or "softmax".
	Activation            string `json:"activation" yaml:"activation" mapstructure:"activation"`
	OutputCategoryMask    bool   `json:"output_category_mask" yaml:"output_category_mask" mapstructure:"output_category_mask"`
	OutputConfidenceMasks bool   `json:"output_confidence_masks" yaml:"output_confidence_masks" mapstructure:"output_confidence_masks"`
	Width                 int    `json:"width" yaml:"width" mapstructure:"width"`
	Height                int    `json:"height" yaml:"height" mapstructure:"height"`
}

// EmbeddingConfig configures embedding decoding.
type EmbeddingConfig struct {
	Quantize    bool `json:"quantize" yaml:"quantize" mapstructure:"quantize"`
	L2Normalize bool `json:"l2_normalize" yaml:"l2_normalize" mapstructure:"l2_normalize"`
}

// Load reads the configuration file at path, applies environment overrides and validates the
// result.
//
// Arguments:
//   - path: A YAML file; empty looks for tensordecode.yaml in the working directory and
//     /etc/tensordecode, and falls back to the defaults when there is none.
//
// Returns:
//   - *Config: The configuration.
//   - error: A read error, or an argument error for invalid values.
//
// @example
// cfg, err := config.Load("face_detection.yaml")
// opts, err := cfg.Detection.Options()
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
	} else {
		v.SetConfigName("tensordecode")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/tensordecode")

		var notFound viper.ConfigFileNotFoundError
		if err := v.ReadInConfig(); err != nil && !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("runtime.library_path", "")
	v.SetDefault("runtime.backend", string(inference.BackendCPU))
	v.SetDefault("runtime.model_path", "")

	d := postprocess.DefaultDetectionOptions()
	v.SetDefault("detection.labels", []string{})
	v.SetDefault("detection.label_set", "")
	v.SetDefault("detection.max_results", -1)
	v.SetDefault("detection.num_classes", d.NumClasses)
	v.SetDefault("detection.num_coords", d.NumCoords)
	v.SetDefault("detection.keypoint_coord_offset", d.KeypointCoordOffset)
	v.SetDefault("detection.num_keypoints", d.NumKeyPoints)
	v.SetDefault("detection.num_values_per_keypoint", d.NumValuesPerKeyPoint)
	v.SetDefault("detection.box_coord_offset", d.BoxCoordOffset)
	v.SetDefault("detection.x_scale", d.XScale)
	v.SetDefault("detection.y_scale", d.YScale)
	v.SetDefault("detection.w_scale", d.WScale)
	v.SetDefault("detection.h_scale", d.HScale)
	v.SetDefault("detection.box_indices", d.BoxIndices[:])
	v.SetDefault("detection.box_format", d.BoxFormat.String())
	v.SetDefault("detection.min_score_threshold", d.MinScoreThreshold)
	v.SetDefault("detection.apply_exponential_on_box_size", false)
	v.SetDefault("detection.sigmoid_score", false)
	v.SetDefault("detection.flip_vertically", false)
	v.SetDefault("detection.nms.overlap_type", d.NMS.OverlapType.String())
	v.SetDefault("detection.nms.algorithm", d.NMS.Algorithm.String())
	v.SetDefault("detection.nms.min_suppression_threshold", d.NMS.MinSuppressionThreshold)

	a := postprocess.DefaultSSDAnchorOptions(0, 0, 0, 0, 0)
	v.SetDefault("anchors.input_size_width", a.InputSizeWidth)
	v.SetDefault("anchors.input_size_height", a.InputSizeHeight)
	v.SetDefault("anchors.num_layers", a.NumLayers)
	v.SetDefault("anchors.anchor_offset_x", a.AnchorOffsetX)
	v.SetDefault("anchors.anchor_offset_y", a.AnchorOffsetY)
	v.SetDefault("anchors.interpolated_scale_aspect_ratio", a.InterpolatedScaleAspectRatio)
	v.SetDefault("anchors.min_level", a.MinLevel)
	v.SetDefault("anchors.max_level", a.MaxLevel)
	v.SetDefault("anchors.anchor_scale", a.AnchorScale)
	v.SetDefault("anchors.scales_per_octave", a.ScalesPerOctave)
	v.SetDefault("anchors.normalize_coordinates", a.NormalizeCoordinates)

	l := postprocess.DefaultLandmarksOptions()
	v.SetDefault("landmarks.num_landmarks", 0)
	v.SetDefault("landmarks.normalize", false)
	v.SetDefault("landmarks.world_output", -1)
	v.SetDefault("landmarks.normalize_z", l.NormalizeZ)

	v.SetDefault("segmentation.layout", tensors.LayoutNHWC.String())
	v.SetDefault("segmentation.activation", "")
	v.SetDefault("segmentation.output_category_mask", true)
	v.SetDefault("segmentation.output_confidence_masks", false)

	c := postprocess.DefaultClassificationOptions()
	v.SetDefault("classification.display_names_locale", c.DisplayNamesLocale)
	v.SetDefault("classification.max_results", c.MaxResults)
	v.SetDefault("classification.score_threshold", c.ScoreThreshold)

	v.SetDefault("embedding.quantize", false)
	v.SetDefault("embedding.l2_normalize", false)
}

// Validate checks every section.
func (c *Config) Validate() error {
	if _, err := c.Detection.Options(); err != nil {
		return errors.Wrap(err, "detection")
	}
	if _, err := c.Detection.LabelBlob(); err != nil {
		return errors.Wrap(err, "detection")
	}
	if c.Anchors.NumLayers > 0 || c.Anchors.MultiscaleAnchorGeneration {
		if err := c.Anchors.Validate(); err != nil {
			return errors.Wrap(err, "anchors")
		}
	}
	if err := c.Landmarks.LandmarksOptions.Validate(); err != nil {
		return errors.Wrap(err, "landmarks")
	}
	if _, err := c.Segmentation.Session(0); err != nil {
		return errors.Wrap(err, "segmentation")
	}
	if err := c.Classification.Validate(); err != nil {
		return errors.Wrap(err, "classification")
	}
	switch inference.Backend(c.Runtime.Backend) {
	case "", inference.BackendCPU, inference.BackendCoreML, inference.BackendCUDA, inference.BackendOpenVINO:
	default:
		return common.ArgumentErrorf("unknown backend `%s`", c.Runtime.Backend)
	}
	return nil
}

// Config converts the NMS section.
func (c NMSConfig) Config() (postprocess.NMSConfig, error) {
	overlap, err := postprocess.ParseOverlapType(c.OverlapType)
	if err != nil {
		return postprocess.NMSConfig{}, err
	}
	algorithm, err := postprocess.ParseNMSAlgorithm(c.Algorithm)
	if err != nil {
		return postprocess.NMSConfig{}, err
	}
	return postprocess.NMSConfig{
		OverlapType:             overlap,
		Algorithm:               algorithm,
		MinSuppressionThreshold: c.MinSuppressionThreshold,
	}, nil
}

// Options converts the section to validated decoder options.
func (c DetectionConfig) Options() (postprocess.DetectionOptions, error) {
	format, err := postprocess.ParseBoxFormat(c.BoxFormat)
	if err != nil {
		return postprocess.DetectionOptions{}, err
	}
	nms, err := c.NMS.Config()
	if err != nil {
		return postprocess.DetectionOptions{}, err
	}
	if len(c.BoxIndices) != 4 {
		return postprocess.DetectionOptions{}, common.ArgumentErrorf("box indices need 4 values, got `%v`", c.BoxIndices)
	}
	opts := postprocess.DetectionOptions{
		NumClasses:                c.NumClasses,
		NumCoords:                 c.NumCoords,
		KeypointCoordOffset:       c.KeypointCoordOffset,
		NumKeyPoints:              c.NumKeyPoints,
		NumValuesPerKeyPoint:      c.NumValuesPerKeyPoint,
		BoxCoordOffset:            c.BoxCoordOffset,
		XScale:                    c.XScale,
		YScale:                    c.YScale,
		WScale:                    c.WScale,
		HScale:                    c.HScale,
		BoxIndices:                [4]int(c.BoxIndices),
		BoxFormat:                 format,
		MinScoreThreshold:         c.MinScoreThreshold,
		ScoreClippingThresh:       c.ScoreClippingThresh,
		ApplyExponentialOnBoxSize: c.ApplyExponentialOnBoxSize,
		SigmoidScore:              c.SigmoidScore,
		FlipVertically:            c.FlipVertically,
		NMS:                       nms,
	}
	if err := opts.Validate(); err != nil {
		return postprocess.DetectionOptions{}, err
	}
	return opts, nil
}

// LabelBlob joins the labels into the newline-delimited label file format. Without explicit
// labels the built-in set named by LabelSet is rendered; with neither the blob is empty.
func (c DetectionConfig) LabelBlob() ([]byte, error) {
	if len(c.Labels) > 0 || c.LabelSet == "" {
		return []byte(strings.Join(c.Labels, "\n")), nil
	}
	family, err := models.ParseModelFamily(c.LabelSet)
	if err != nil {
		return nil, err
	}
	set, err := models.LookupClassSet(family)
	if err != nil {
		return nil, err
	}
	return set.LabelBlob(), nil
}

// Session converts the section to the session config of the given output.
func (c SegmentationConfig) Session(output int) (inference.SegmentationConfig, error) {
	layout, err := tensors.ParseImageDataLayout(c.Layout)
	if err != nil {
		return inference.SegmentationConfig{}, err
	}
	cfg := inference.SegmentationConfig{
		Output:                output,
		Layout:                layout,
		OutputCategoryMask:    c.OutputCategoryMask,
		OutputConfidenceMasks: c.OutputConfidenceMasks,
		Width:                 c.Width,
		Height:                c.Height,
	}
	if c.Activation != "" {
		activation, err := tensors.ParseActivation(c.Activation)
		if err != nil {
			return inference.SegmentationConfig{}, err
		}
		cfg.Activation = &activation
	}
	return cfg, nil
}

// Session converts the section to the session config of the given output.
func (c LandmarksConfig) Session(output int) inference.LandmarksConfig {
	return inference.LandmarksConfig{
		Output:       output,
		NumLandmarks: c.NumLandmarks,
		Options:      c.LandmarksOptions,
		Normalize:    c.Normalize,
		WorldOutput:  c.WorldOutput,
	}
}
