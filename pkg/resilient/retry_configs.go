package resilient

import (
	"time"

	"github.com/migadu/s3watcher/pkg/retry"
)

// readRetryConfig covers GET and HEAD requests.
var readRetryConfig = retry.BackoffConfig{
	InitialInterval: 250 * time.Millisecond,
	MaxInterval:     3 * time.Second,
	Multiplier:      1.8,
	Jitter:          true,
	MaxRetries:      3,
	OperationName:   "object_store_read",
}

// writeRetryConfig covers COPY and DELETE. Both are idempotent on S3, so they
// are retried as often as reads but with a longer ceiling.
var writeRetryConfig = retry.BackoffConfig{
	InitialInterval: 500 * time.Millisecond,
	MaxInterval:     10 * time.Second,
	Multiplier:      2.0,
	Jitter:          true,
	MaxRetries:      3,
	OperationName:   "object_store_write",
}
