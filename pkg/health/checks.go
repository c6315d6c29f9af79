package health

import (
	"context"
	"fmt"
	"time"

	"github.com/migadu/s3watcher/pkg/circuitbreaker"
)

// BucketProber reports whether a bucket is reachable.
type BucketProber interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
}

// NewBucketCheck fails when any of the buckets is missing or unreachable.
func NewBucketCheck(name string, prober BucketProber, interval, timeout time.Duration, buckets ...string) *HealthCheck {
	return &HealthCheck{
		Name:     name,
		Interval: interval,
		Timeout:  timeout,
		Critical: true,
		Check: func(ctx context.Context) error {
			for _, bucket := range buckets {
				ok, err := prober.BucketExists(ctx, bucket)
				if err != nil {
					return fmt.Errorf("bucket %s: %w", bucket, err)
				}
				if !ok {
					return fmt.Errorf("bucket %s does not exist", bucket)
				}
			}
			return nil
		},
	}
}

// NewBreakerCheck reports a breaker that is open as a failed check. It is not
// critical: an open delivery breaker still lets runs quarantine objects.
func NewBreakerCheck(name string, cb *circuitbreaker.CircuitBreaker, interval time.Duration) *HealthCheck {
	return &HealthCheck{
		Name:     name,
		Interval: interval,
		Timeout:  time.Second,
		Check: func(context.Context) error {
			if BreakerStatus(cb) == StatusUnhealthy {
				return fmt.Errorf("circuit breaker %s is %s", cb.Name(), cb.State())
			}
			return nil
		},
	}
}
