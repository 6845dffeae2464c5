// Package metrics provides Prometheus metrics for the decode sessions.
//
// Metrics are registered on Registry rather than the default registerer so that embedding
// applications decide whether and where to expose them:
//   - tensordecode_decode_total: Decode calls by task and status
//   - tensordecode_decode_duration_seconds: Decode latency by task
//   - tensordecode_detections_total: Detections decoded and kept after NMS
//   - tensordecode_buffer_grow_total: Output buffer reallocations
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nvr-ai/go-tensordecode/common"
)

// Task labels.
const (
	TaskDetection      = "detection"
	TaskClassification = "classification"
	TaskEmbedding      = "embedding"
	TaskSegmentation   = "segmentation"
	TaskLandmarks      = "landmarks"
)

// Registry holds every tensordecode metric.
var Registry = prometheus.NewRegistry()

var (
	factory = promauto.With(Registry)

	// DecodeTotal counts decode calls by task and status.
	DecodeTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tensordecode_decode_total",
			Help: "Total number of decode calls",
		},
		[]string{"task", "status"},
	)

	// DecodeDuration tracks decode latency in seconds.
	DecodeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tensordecode_decode_duration_seconds",
			Help:    "Decode duration in seconds",
			Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05},
		},
		[]string{"task"},
	)

	// DetectionsTotal counts detections before ("decoded") and after ("kept") NMS.
	DetectionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tensordecode_detections_total",
			Help: "Total number of detections by stage",
		},
		[]string{"stage"},
	)

	// BufferGrowTotal counts output buffer reallocations.
	BufferGrowTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "tensordecode_buffer_grow_total",
			Help: "Total number of output buffer reallocations",
		},
	)
)

// RecordDecode records one decode call.
//
// Arguments:
//   - task: One of the Task constants.
//   - duration: The time spent decoding.
//   - err: The decode error, nil on success.
func RecordDecode(task string, duration time.Duration, err error) {
	DecodeTotal.WithLabelValues(task, status(err)).Inc()
	DecodeDuration.WithLabelValues(task).Observe(duration.Seconds())
}

func status(err error) string {
	switch {
	case err == nil:
		return "ok"
	case common.IsModelInconsistent(err):
		return "model_inconsistent"
	case common.IsArgument(err):
		return "argument"
	default:
		return "error"
	}
}

// RecordDetections records the detection counts of one decode.
func RecordDetections(decoded, kept int) {
	DetectionsTotal.WithLabelValues("decoded").Add(float64(decoded))
	DetectionsTotal.WithLabelValues("kept").Add(float64(kept))
}

// RecordBufferGrow records n buffer reallocations.
func RecordBufferGrow(n int) {
	if n > 0 {
		BufferGrowTotal.Add(float64(n))
	}
}

// Handler serves Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}
