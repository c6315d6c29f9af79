package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/migadu/s3watcher/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogRecorderWritesStructuredEvent(t *testing.T) {
	var buf bytes.Buffer
	r := NewLogRecorder(slog.New(slog.NewJSONHandler(&buf, nil)))
	before := testutil.ToFloat64(metrics.AuditEvents.WithLabelValues(string(KindUpload)))

	r.Record("PROD", KindUpload, Payload{
		"size":       int64(2048),
		"filename":   "photo.jpg",
		"uploadedBy": "getty",
		"stage":      "PROD",
	})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "Audit: upload", entry["msg"])
	assert.Equal(t, "upload", entry["event"])
	assert.Equal(t, "PROD", entry["stage"])
	assert.Equal(t, "photo.jpg", entry["filename"])
	assert.Equal(t, "getty", entry["uploadedBy"])
	assert.Equal(t, float64(2048), entry["size"])
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AuditEvents.WithLabelValues(string(KindUpload))))
}

type panicHandler struct{ slog.Handler }

func (panicHandler) Enabled(context.Context, slog.Level) bool { return true }

func (panicHandler) Handle(context.Context, slog.Record) error { panic("handler broke") }

func TestLogRecorderRecoversFromSinkPanic(t *testing.T) {
	r := NewLogRecorder(slog.New(panicHandler{}))
	before := testutil.ToFloat64(metrics.AuditDropped)
	assert.NotPanics(t, func() {
		r.Record("PROD", KindCopyToFailBucket, Payload{"bucket": "fail"})
	})
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AuditDropped))
}

type panickingRecorder struct{}

func (panickingRecorder) Record(string, Kind, Payload) { panic("sink down") }

func TestSafeContainsPanics(t *testing.T) {
	before := testutil.ToFloat64(metrics.AuditDropped)
	r := Safe(panickingRecorder{})
	assert.NotPanics(t, func() {
		r.Record("PROD", KindDelete, Payload{"bucket": "staging"})
	})
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.AuditDropped))
}

func TestSafeNil(t *testing.T) {
	assert.NotPanics(t, func() {
		Safe(nil).Record("PROD", KindDownload, nil)
	})
}

func TestLogRecorderNilLoggerUsesGlobal(t *testing.T) {
	assert.NotPanics(t, func() {
		NewLogRecorder(nil).Record("TEST", KindDownload, Payload{"bucket": "staging", "key": "a.jpg"})
	})
}
