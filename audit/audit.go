// Package audit records transfer lifecycle events. Recording is best effort:
// a failing sink never changes the result of a transfer.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/migadu/s3watcher/logger"
	"github.com/migadu/s3watcher/pkg/metrics"
)

type Kind string

const (
	KindDownload         Kind = "download"
	KindUpload           Kind = "upload"
	KindUploadFail       Kind = "upload_fail"
	KindRecordMetric     Kind = "record_metric"
	KindCopyToFailBucket Kind = "copy_to_fail_bucket"
	KindDelete           Kind = "delete"
)

// Payload is the event-specific data attached to a record.
type Payload map[string]any

// Recorder accepts audit events. Implementations must not block for long and
// must not panic; callers do not check for failure.
type Recorder interface {
	Record(stage string, kind Kind, payload Payload)
}

// LogRecorder writes each event as one structured log record.
type LogRecorder struct {
	log *slog.Logger
}

// NewLogRecorder writes to l, or to the global logger when l is nil.
func NewLogRecorder(l *slog.Logger) *LogRecorder {
	return &LogRecorder{log: l}
}

func (r *LogRecorder) Record(stage string, kind Kind, payload Payload) {
	defer func() {
		if p := recover(); p != nil {
			metrics.AuditDropped.Inc()
			logger.Warn("Audit: dropped event", "event", string(kind), "panic", fmt.Sprint(p))
		}
	}()

	l := r.log
	if l == nil {
		l = logger.Get()
	}

	attrs := make([]slog.Attr, 0, len(payload)+2)
	attrs = append(attrs, slog.String("stage", stage), slog.String("event", string(kind)))
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, payload[k]))
	}

	l.LogAttrs(context.Background(), slog.LevelInfo, "Audit: "+string(kind), attrs...)
	metrics.AuditEvents.WithLabelValues(string(kind)).Inc()
}

// Discard drops every event.
type Discard struct{}

func (Discard) Record(string, Kind, Payload) {}

// Safe wraps a Recorder so that a panic inside it is contained.
func Safe(r Recorder) Recorder {
	if r == nil {
		return Discard{}
	}
	if _, ok := r.(*LogRecorder); ok {
		return r
	}
	return safeRecorder{r}
}

type safeRecorder struct {
	inner Recorder
}

func (s safeRecorder) Record(stage string, kind Kind, payload Payload) {
	defer func() {
		if p := recover(); p != nil {
			metrics.AuditDropped.Inc()
			logger.Warn("Audit: dropped event", "event", string(kind), "panic", fmt.Sprint(p))
		}
	}()
	s.inner.Record(stage, kind, payload)
}
