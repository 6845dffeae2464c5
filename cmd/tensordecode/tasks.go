package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/nvr-ai/go-tensordecode/common"
	"github.com/nvr-ai/go-tensordecode/inference"
	"github.com/nvr-ai/go-tensordecode/models/postprocess"
	"github.com/nvr-ai/go-tensordecode/tensors"
)

// taskOptions are the flags shared by the single-frame task commands.
type taskOptions struct {
	dumps  []string
	shapes []string
	labels string
	format string
}

func (o *taskOptions) register(cmd *cobra.Command) {
	f := cmd.Flags()
	f.StringArrayVar(&o.dumps, "dump", nil, "little-endian float32 output tensor dump, repeated for every output in model order")
	f.StringArrayVar(&o.shapes, "shape", nil, "comma separated shape of the dump at the same position (default 1,<values>)")
	f.StringVarP(&o.format, "format", "f", "text", "output format: text or yaml")
	rootCmd.AddCommand(cmd)
}

// load reads the dumps as the float32 outputs of one inference call.
//
// Returns:
//   - *inference.StaticMetadata: One F32 output per dump, named after the file.
//   - inference.BytesOutputs: The dump contents.
//   - error: A read error, or an argument error for a dump that does not match its shape.
func (o *taskOptions) load() (*inference.StaticMetadata, inference.BytesOutputs, error) {
	if len(o.dumps) == 0 {
		return nil, nil, common.ArgumentErrorf("--dump is required")
	}
	if len(o.shapes) > len(o.dumps) {
		return nil, nil, common.ArgumentErrorf("`%d` shapes given for `%d` dumps", len(o.shapes), len(o.dumps))
	}
	meta := &inference.StaticMetadata{Outputs: make([]inference.OutputTensor, len(o.dumps))}
	frame := make(inference.BytesOutputs, len(o.dumps))
	for i, path := range o.dumps {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "read dump %s", path)
		}
		if len(data)%4 != 0 {
			return nil, nil, common.ArgumentErrorf("dump %s has `%d` bytes, not float32 values", path, len(data))
		}
		shape := []int{1, len(data) / 4}
		if i < len(o.shapes) {
			if shape, err = parseShape(o.shapes[i]); err != nil {
				return nil, nil, err
			}
			if n := tensors.ElementCount(shape); n*4 != len(data) {
				return nil, nil, common.ArgumentErrorf("dump %s holds `%d` values, shape `%s` needs %d", path, len(data)/4, o.shapes[i], n)
			}
		}
		meta.Outputs[i] = inference.OutputTensor{
			Name:  strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
			Type:  tensors.F32,
			Shape: shape,
		}
		frame[i] = data
	}
	return meta, frame, nil
}

func parseShape(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	shape := make([]int, len(parts))
	for i, p := range parts {
		d, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || d < 1 {
			return nil, common.ArgumentErrorf("invalid shape `%s`", s)
		}
		shape[i] = d
	}
	return shape, nil
}

var classifyOpts taskOptions

var classifyCmd = &cobra.Command{
	Use:   "classify",
	Short: "Decode classification scores from float32 tensor dumps",
	Long: `Decode classification scores. Every dump is one head. The label file in --labels names the
classes of every head; scores of classes without a label are dropped. The classification section
of the config sets the threshold, the allow or deny list and the result limit.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		meta, frame, err := classifyOpts.load()
		if err != nil {
			return err
		}
		if classifyOpts.labels != "" {
			labels, err := os.ReadFile(classifyOpts.labels)
			if err != nil {
				return errors.Wrapf(err, "read labels %s", classifyOpts.labels)
			}
			for i := range meta.Outputs {
				meta.Outputs[i].Labels = labels
			}
		}
		s, err := inference.NewClassificationSession(meta, cfg.Classification, nil)
		if err != nil {
			return err
		}
		res, err := s.Classify(frame, nil)
		if err != nil {
			return err
		}
		return writeResults(cmd.OutOrStdout(), classifyOpts.format, []postprocess.ClassificationResult{res})
	},
}

var embedOpts taskOptions

var embedCmd = &cobra.Command{
	Use:   "embed",
	Short: "Decode embeddings from float32 tensor dumps",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		meta, frame, err := embedOpts.load()
		if err != nil {
			return err
		}
		s, err := inference.NewEmbeddingSession(meta, cfg.Embedding.Quantize, cfg.Embedding.L2Normalize, nil)
		if err != nil {
			return err
		}
		res, err := s.Embed(frame, nil)
		if err != nil {
			return err
		}
		return writeResults(cmd.OutOrStdout(), embedOpts.format, []postprocess.EmbeddingResult{res})
	},
}

var segmentOpts taskOptions

var segmentCmd = &cobra.Command{
	Use:   "segment",
	Short: "Decode segmentation masks from a float32 score tensor dump",
	Long: `Decode segmentation masks from the first dump. Pass its image-like shape with --shape,
e.g. 1,256,256,21 for NHWC. The segmentation section of the config selects the masks.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		meta, frame, err := segmentOpts.load()
		if err != nil {
			return err
		}
		sc, err := cfg.Segmentation.Session(0)
		if err != nil {
			return err
		}
		s, err := inference.NewSegmentationSession(meta, sc)
		if err != nil {
			return err
		}
		res, err := s.Segment(frame)
		if err != nil {
			return err
		}
		return writeResults(cmd.OutOrStdout(), segmentOpts.format, []postprocess.SegmentationResult{res})
	},
}

var landmarksOpts taskOptions

var landmarksCmd = &cobra.Command{
	Use:   "landmarks",
	Short: "Decode landmarks from float32 tensor dumps",
	Long: `Decode landmarks from the first dump. When landmarks.world_output is set, the dump at that
position holds the world landmarks.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		meta, frame, err := landmarksOpts.load()
		if err != nil {
			return err
		}
		s, err := inference.NewLandmarksSession(meta, cfg.Landmarks.Session(0))
		if err != nil {
			return err
		}
		res, err := s.Landmarks(frame, nil)
		if err != nil {
			return err
		}
		return writeResults(cmd.OutOrStdout(), landmarksOpts.format, []inference.LandmarksResult{res})
	},
}

func init() {
	classifyOpts.register(classifyCmd)
	classifyCmd.Flags().StringVar(&classifyOpts.labels, "labels", "", "newline-delimited label file, one label per class index")
	embedOpts.register(embedCmd)
	segmentOpts.register(segmentCmd)
	landmarksOpts.register(landmarksCmd)
}
