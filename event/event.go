// Package event parses S3 and MinIO bucket notification documents.
package event

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/migadu/s3watcher/consts"
	"github.com/migadu/s3watcher/logger"
	"github.com/migadu/s3watcher/pkg/metrics"
)

const createdPrefix = "ObjectCreated:"

// Object is one created object named by a notification record.
type Object struct {
	Bucket    string
	Key       string
	Size      int64
	EventName string
}

// Record mirrors one entry of the notification "Records" array. Only the fields
// used for dispatching are decoded.
type Record struct {
	EventSource string `json:"eventSource"`
	EventName   string `json:"eventName"`
	S3          struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key  string `json:"key"`
			Size int64  `json:"size"`
		} `json:"object"`
	} `json:"s3"`
}

type Notification struct {
	Records []Record `json:"Records"`
}

// Parse decodes a notification document and returns the created objects it
// names. source labels the received counter ("webhook", "listener", "file").
func Parse(source string, data []byte) ([]Object, error) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrInvalidNotification, err)
	}
	if n.Records == nil {
		return nil, fmt.Errorf("%w: no Records field", consts.ErrInvalidNotification)
	}
	return FromRecords(source, n.Records), nil
}

// FromRecords filters records down to ObjectCreated events with decoded keys.
// Records that cannot be used are counted and skipped; the rest are kept.
func FromRecords(source string, records []Record) []Object {
	objects := make([]Object, 0, len(records))
	for _, r := range records {
		metrics.NotificationsReceived.WithLabelValues(source).Inc()

		if !IsCreated(r.EventName) {
			metrics.NotificationsSkipped.WithLabelValues("event_name").Inc()
			continue
		}
		if r.S3.Bucket.Name == "" || r.S3.Object.Key == "" {
			metrics.NotificationsSkipped.WithLabelValues("incomplete").Inc()
			continue
		}

		key, err := DecodeKey(r.S3.Object.Key)
		if err != nil {
			metrics.NotificationsSkipped.WithLabelValues("bad_key").Inc()
			logger.Warn("Event: skipping record with undecodable key", "source", source,
				"bucket", r.S3.Bucket.Name, "key", r.S3.Object.Key, "error", err)
			continue
		}

		objects = append(objects, Object{
			Bucket:    r.S3.Bucket.Name,
			Key:       key,
			Size:      r.S3.Object.Size,
			EventName: r.EventName,
		})
	}
	return objects
}

// IsCreated matches both "ObjectCreated:Put" and MinIO's "s3:ObjectCreated:Put".
func IsCreated(eventName string) bool {
	return strings.HasPrefix(strings.TrimPrefix(eventName, "s3:"), createdPrefix)
}

// DecodeKey undoes the form encoding S3 applies to keys in notifications.
func DecodeKey(key string) (string, error) {
	return url.QueryUnescape(key)
}
