package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-tensordecode/common"
)

func TestRecordDecode(t *testing.T) {
	DecodeTotal.Reset()
	DecodeDuration.Reset()

	RecordDecode(TaskDetection, time.Millisecond, nil)
	RecordDecode(TaskDetection, time.Millisecond, common.ModelInconsistentErrorf("short buffer"))
	RecordDecode(TaskDetection, time.Millisecond, common.ArgumentErrorf("bad roi"))
	RecordDecode(TaskDetection, time.Millisecond, errors.New("reader failed"))
	RecordDecode(TaskDetection, time.Millisecond, nil)

	tests := []struct {
		status string
		want   float64
	}{
		{status: "ok", want: 2},
		{status: "model_inconsistent", want: 1},
		{status: "argument", want: 1},
		{status: "error", want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			assert.Equal(t, tt.want, testutil.ToFloat64(DecodeTotal.WithLabelValues(TaskDetection, tt.status)))
		})
	}
	assert.Equal(t, 1, testutil.CollectAndCount(DecodeDuration))
}

func TestRecordDetections(t *testing.T) {
	DetectionsTotal.Reset()

	RecordDetections(5, 2)
	RecordDetections(3, 1)

	assert.Equal(t, float64(8), testutil.ToFloat64(DetectionsTotal.WithLabelValues("decoded")))
	assert.Equal(t, float64(3), testutil.ToFloat64(DetectionsTotal.WithLabelValues("kept")))
}

func TestRecordBufferGrow(t *testing.T) {
	before := testutil.ToFloat64(BufferGrowTotal)
	RecordBufferGrow(0)
	RecordBufferGrow(2)
	assert.Equal(t, before+2, testutil.ToFloat64(BufferGrowTotal))
}

func TestHandler(t *testing.T) {
	RecordDecode(TaskLandmarks, time.Millisecond, nil)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `tensordecode_decode_total{status="ok",task="landmarks"}`)
}
