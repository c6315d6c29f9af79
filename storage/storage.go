// Package storage reads, copies and deletes staged objects in S3-compatible
// object stores.
//
// Two backends share one method set:
//   - MinioStore, built on minio-go, for MinIO and other S3-compatible servers
//   - AWSStore, built on the AWS SDK v2 S3 client
//
// Both report per-operation Prometheus metrics and normalize "object does not
// exist" failures to consts.ErrObjectNotFound so callers can test with
// errors.Is regardless of backend.
package storage

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/aws/smithy-go"
	"github.com/migadu/s3watcher/consts"
	"github.com/migadu/s3watcher/pkg/metrics"
	"github.com/minio/minio-go/v7"
)

// Location identifies one object.
type Location struct {
	Bucket string
	Key    string
}

func (l Location) String() string {
	return l.Bucket + "/" + l.Key
}

// Validate rejects empty bucket names and keys.
func (l Location) Validate() error {
	if l.Bucket == "" {
		return fmt.Errorf("%w: empty bucket", consts.ErrInvalidRequest)
	}
	if l.Key == "" {
		return fmt.Errorf("%w: empty key", consts.ErrInvalidRequest)
	}
	return nil
}

// IsNotFound reports whether err means the object or bucket does not exist.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, consts.ErrObjectNotFound) || errors.Is(err, consts.ErrBucketNotFound) {
		return true
	}
	return isNotFoundCode(errorCode(err))
}

func isNotFoundCode(code string) bool {
	switch code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return true
	}
	return false
}

// errorCode extracts the S3 error code from either client library.
func errorCode(err error) string {
	var minioErr minio.ErrorResponse
	if errors.As(err, &minioErr) {
		if minioErr.Code == "" && minioErr.StatusCode == 404 {
			return "NotFound"
		}
		return minioErr.Code
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// ClassifyError buckets an object store error for metrics and retry decisions.
func ClassifyError(err error) string {
	if err == nil {
		return "none"
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	case IsNotFound(err):
		return "not_found"
	}

	switch errorCode(err) {
	case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		return "access_denied"
	case "SlowDown", "RequestLimitExceeded", "Throttling", "ThrottlingException", "TooManyRequests":
		return "throttled"
	case "InternalError", "ServiceUnavailable", "RequestTimeout":
		return "server_error"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "timeout"
		}
		return "network_error"
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"),
		strings.Contains(msg, "connection reset"), strings.Contains(msg, "EOF"):
		return "network_error"
	case strings.Contains(msg, "AccessDenied"), strings.Contains(msg, "Forbidden"):
		return "access_denied"
	}
	return "unknown"
}

// observe records the outcome of one backend operation.
func observe(backend, op string, start time.Time, err error) {
	metrics.ObjectStoreDuration.WithLabelValues(backend, op).Observe(time.Since(start).Seconds())
	if err != nil {
		class := ClassifyError(err)
		metrics.ObjectStoreErrors.WithLabelValues(backend, op, class).Inc()
		metrics.ObjectStoreOperations.WithLabelValues(backend, op, "error").Inc()
		return
	}
	metrics.ObjectStoreOperations.WithLabelValues(backend, op, "success").Inc()
}

// wrapErr attaches the location and normalizes not-found errors.
func wrapErr(op string, loc Location, err error) error {
	if IsNotFound(err) && !errors.Is(err, consts.ErrObjectNotFound) {
		if errorCode(err) == "NoSuchBucket" {
			return fmt.Errorf("%s %s: %w: %v", op, loc, consts.ErrBucketNotFound, err)
		}
		return fmt.Errorf("%s %s: %w: %v", op, loc, consts.ErrObjectNotFound, err)
	}
	return fmt.Errorf("%s %s: %w", op, loc, err)
}
