package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-tensordecode/common"
	"github.com/nvr-ai/go-tensordecode/config"
	"github.com/nvr-ai/go-tensordecode/inference"
	"github.com/nvr-ai/go-tensordecode/metrics"
	"github.com/nvr-ai/go-tensordecode/models/postprocess"
	"github.com/nvr-ai/go-tensordecode/tensors"
	"github.com/nvr-ai/go-tensordecode/util"
)

type detectOptions struct {
	locations   string
	scores      string
	categories  string
	numBoxes    string
	dir         string
	frames      int
	workers     int
	format      string
	model       string
	input       string
	metricsAddr string
}

var detectOpts detectOptions

var detectCmd = &cobra.Command{
	Use:   "detect",
	Short: "Decode detections from raw little-endian float32 tensor dumps or an ONNX model",
	Long: `Decode detections from raw tensor dumps. Each dump holds --frames frames back to back.
Without a categories dump the config must describe SSD anchors. With --dir every frame is read
from its own files and --categories and --num-boxes only need to be non-empty to select the
outputs.

With --model the model is run once on the float32 input in --input and its outputs are decoded.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if detectOpts.metricsAddr != "" {
			stop := serveMetrics(cmd.Context(), detectOpts.metricsAddr)
			defer stop()
		}

		var results []postprocess.DetectionResult
		if detectOpts.model != "" {
			results, err = detectModel(cfg, detectOpts)
		} else {
			results, err = detectDumps(cmd.Context(), cfg, detectOpts)
		}
		if err != nil {
			return err
		}
		return writeResults(cmd.OutOrStdout(), detectOpts.format, results)
	},
}

func init() {
	f := detectCmd.Flags()
	f.StringVar(&detectOpts.locations, "locations", "", "location tensor dump")
	f.StringVar(&detectOpts.scores, "scores", "", "score tensor dump")
	f.StringVar(&detectOpts.categories, "categories", "", "class id tensor dump, for models with built-in postprocessing")
	f.StringVar(&detectOpts.numBoxes, "num-boxes", "", "box count tensor dump, for models with built-in postprocessing")
	f.StringVar(&detectOpts.dir, "dir", "", "directory of frame-<n>.<output>.bin dumps, outputs named locations, scores, categories and num_boxes")
	f.IntVar(&detectOpts.frames, "frames", 1, "number of frames in every dump")
	f.IntVar(&detectOpts.workers, "workers", 4, "frames decoded in parallel")
	f.StringVarP(&detectOpts.format, "format", "f", "text", "output format: text or yaml")
	f.StringVar(&detectOpts.model, "model", "", "ONNX model to run instead of reading dumps")
	f.StringVar(&detectOpts.input, "input", "", "float32 input tensor dump for --model")
	f.StringVar(&detectOpts.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	rootCmd.AddCommand(detectCmd)
}

// sessionConfig builds the detection session config for the given outputs. The category filter
// takes its threshold and allow or deny list from the classification section, which also limits
// the results when the detection section does not.
func sessionConfig(cfg *config.Config, outputs inference.DetectionOutputs) (inference.DetectionSessionConfig, error) {
	opts, err := cfg.Detection.Options()
	if err != nil {
		return inference.DetectionSessionConfig{}, err
	}
	labels, err := cfg.Detection.LabelBlob()
	if err != nil {
		return inference.DetectionSessionConfig{}, err
	}
	filter, err := postprocess.NewCategoriesFilter(cfg.Classification, labels, nil)
	if err != nil {
		return inference.DetectionSessionConfig{}, err
	}
	sc := inference.DetectionSessionConfig{
		Outputs:    outputs,
		Filter:     filter,
		Options:    opts,
		MaxResults: cfg.Detection.MaxResults,
	}
	if sc.MaxResults < 0 {
		sc.MaxResults = cfg.Classification.MaxResults
	}
	if outputs.Categories < 0 {
		if sc.Anchors, err = postprocess.GenerateAnchors(cfg.Anchors); err != nil {
			return inference.DetectionSessionConfig{}, errors.Wrap(err, "generate anchors")
		}
	}
	return sc, nil
}

func detectDumps(ctx context.Context, cfg *config.Config, o detectOptions) ([]postprocess.DetectionResult, error) {
	if o.dir == "" && (o.locations == "" || o.scores == "") {
		return nil, common.ArgumentErrorf("--locations and --scores or --dir are required without --model")
	}
	if o.frames <= 0 || o.workers <= 0 {
		return nil, common.ArgumentErrorf("--frames and --workers must be positive")
	}
	if o.numBoxes != "" && o.categories == "" {
		return nil, common.ArgumentErrorf("--num-boxes needs --categories")
	}

	outputs := inference.SSDOutputs()
	paths := []string{o.locations, o.scores}
	names := []string{"locations", "scores"}
	switch {
	case o.numBoxes != "":
		outputs = inference.PostprocessedOutputs()
		paths = []string{o.locations, o.categories, o.scores, o.numBoxes}
		names = []string{"locations", "categories", "scores", "num_boxes"}
	case o.categories != "":
		outputs = inference.DetectionOutputs{Location: 0, Categories: 1, Scores: 2, NumBoxes: -1}
		paths = []string{o.locations, o.categories, o.scores}
		names = []string{"locations", "categories", "scores"}
	}

	var (
		frames []inference.BytesOutputs
		err    error
	)
	if o.dir != "" {
		frames, err = loadFrames(o.dir, names)
	} else {
		frames, err = splitFrames(paths, o.frames)
	}
	if err != nil {
		return nil, err
	}
	sc, err := sessionConfig(cfg, outputs)
	if err != nil {
		return nil, err
	}
	opts := sc.Options
	meta, err := dumpMetadata(frames[0], outputs, opts.NumCoords, opts.NumClasses)
	if err != nil {
		return nil, err
	}

	results := make([]postprocess.DetectionResult, len(frames))
	jobs := make(chan int)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(jobs)
		for i := range frames {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	for w := 0; w < min(o.workers, len(frames)); w++ {
		g.Go(func() error {
			s, err := inference.NewDetectionSession(meta, sc)
			if err != nil {
				return err
			}
			for i := range jobs {
				res, err := s.Detect(frames[i])
				if err != nil {
					return errors.Wrapf(err, "frame %d", i)
				}
				results[i] = res
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// splitFrames reads every dump and cuts it into frames equal parts.
func splitFrames(paths []string, frames int) ([]inference.BytesOutputs, error) {
	out := make([]inference.BytesOutputs, frames)
	for i := range out {
		out[i] = make(inference.BytesOutputs, len(paths))
	}
	for p, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read dump %s", path)
		}
		if len(data)%(frames*4) != 0 {
			return nil, common.ArgumentErrorf("dump %s has `%d` bytes, not %d frames of float32", path, len(data), frames)
		}
		size := len(data) / frames
		for i := range out {
			out[i][p] = data[i*size : (i+1)*size]
		}
	}
	return out, nil
}

// loadFrames reads one dump per output and frame from dir.
func loadFrames(dir string, names []string) ([]inference.BytesOutputs, error) {
	loaded, numbers, err := util.LoadDirectoryFrames(dir, names...)
	if err != nil {
		return nil, err
	}
	if len(loaded) == 0 {
		return nil, common.ArgumentErrorf("no frame-<n>.locations.bin dumps in %s", dir)
	}
	frames := make([]inference.BytesOutputs, len(loaded))
	for i, f := range loaded {
		frames[i] = f
	}
	common.Logger().Debug().Str("dir", dir).Int("frames", len(frames)).Int("first", numbers[0]).Msg("loaded dumps")
	return frames, nil
}

// dumpMetadata describes float32 dumps of one frame.
func dumpMetadata(frame inference.BytesOutputs, outputs inference.DetectionOutputs, numCoords, numClasses int) (*inference.StaticMetadata, error) {
	location := len(frame[outputs.Location]) / 4
	if location%numCoords != 0 {
		return nil, common.ArgumentErrorf("location dump holds `%d` values, not a multiple of `%d` coords", location, numCoords)
	}
	boxes := location / numCoords
	meta := &inference.StaticMetadata{Outputs: make([]inference.OutputTensor, len(frame))}
	meta.Outputs[outputs.Location] = inference.OutputTensor{Name: "location", Type: tensors.F32, Shape: []int{1, boxes, numCoords}}
	if outputs.Categories >= 0 {
		meta.Outputs[outputs.Scores] = inference.OutputTensor{Name: "score", Type: tensors.F32, Shape: []int{1, boxes}}
		meta.Outputs[outputs.Categories] = inference.OutputTensor{Name: "category", Type: tensors.F32, Shape: []int{1, boxes}}
	} else {
		meta.Outputs[outputs.Scores] = inference.OutputTensor{Name: "score", Type: tensors.F32, Shape: []int{1, boxes, numClasses}}
	}
	if outputs.NumBoxes >= 0 {
		meta.Outputs[outputs.NumBoxes] = inference.OutputTensor{Name: "num_boxes", Type: tensors.F32, Shape: []int{1}}
	}
	return meta, nil
}

func detectModel(cfg *config.Config, o detectOptions) ([]postprocess.DetectionResult, error) {
	if o.input == "" {
		return nil, common.ArgumentErrorf("--model needs --input")
	}
	input, err := readFloats(o.input)
	if err != nil {
		return nil, err
	}
	model := o.model
	if err := inference.InitializeRuntime(cfg.Runtime.LibraryPath); err != nil {
		return nil, err
	}
	s, meta, err := inference.OpenModel(model, inference.Backend(cfg.Runtime.Backend), input)
	if err != nil {
		return nil, err
	}
	defer s.Close()

	outputs := inference.SSDOutputs()
	if meta.NumOutputs() == 4 {
		outputs = inference.PostprocessedOutputs()
	}
	sc, err := sessionConfig(cfg, outputs)
	if err != nil {
		return nil, err
	}
	det, err := inference.NewDetectionSession(meta, sc)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	if err := s.Run(); err != nil {
		return nil, err
	}
	common.Logger().Debug().Str("model", model).Dur("took", time.Since(start)).Msg("ran model")
	res, err := det.Detect(s.Reader())
	if err != nil {
		return nil, err
	}
	return []postprocess.DetectionResult{res}, nil
}

func readFloats(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read input %s", path)
	}
	if len(data)%4 != 0 {
		return nil, common.ArgumentErrorf("input %s has `%d` bytes, not float32 values", path, len(data))
	}
	values := make([]float32, len(data)/4)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return values, nil
}

// writeResults prints one result per frame as text or as a YAML list.
func writeResults[T fmt.Stringer](w io.Writer, format string, results []T) error {
	switch format {
	case "text":
		for i, r := range results {
			if _, err := fmt.Fprintf(w, "Frame #%d:\n%s", i, r); err != nil {
				return err
			}
		}
		return nil
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(results); err != nil {
			return err
		}
		return enc.Close()
	}
	return common.ArgumentErrorf("unknown format `%s`, want text or yaml", format)
}

// serveMetrics exposes the decode metrics until the returned function is called.
func serveMetrics(ctx context.Context, addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	log := common.Component("metrics")
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	log.Info().Str("addr", addr).Msg("serving metrics")
	return func() {
		shutdown, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdown)
	}
}
