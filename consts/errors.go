package consts

import "errors"

var (
	ErrDownloadFailed      = errors.New("download failed")
	ErrDeliveryFailed      = errors.New("delivery failed")
	ErrDeliveryRejected    = errors.New("delivery rejected")
	ErrDeliveryUnavailable = errors.New("delivery endpoint unavailable")
	ErrMetricPublishFailed = errors.New("metric publish failed")
	ErrQuarantineFailed    = errors.New("quarantine copy failed")
	ErrDeleteFailed        = errors.New("delete failed")

	ErrObjectNotFound = errors.New("object not found")
	ErrBucketNotFound = errors.New("bucket not found")

	ErrInvalidRequest      = errors.New("invalid transfer request")
	ErrInvalidNotification = errors.New("invalid notification")
)
