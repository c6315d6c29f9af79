// Package resilient wraps the object store with per-operation circuit
// breakers and exponential backoff for transient failures.
package resilient

import (
	"context"
	"fmt"

	"github.com/migadu/s3watcher/logger"
	"github.com/migadu/s3watcher/pkg/circuitbreaker"
	"github.com/migadu/s3watcher/pkg/retry"
	"github.com/migadu/s3watcher/storage"
)

// ObjectStore is the method set shared by storage.MinioStore and storage.AWSStore.
type ObjectStore interface {
	Get(ctx context.Context, loc storage.Location) ([]byte, error)
	Copy(ctx context.Context, src, dst storage.Location) error
	Delete(ctx context.Context, loc storage.Location) error
	Exists(ctx context.Context, loc storage.Location) (bool, error)
	BucketExists(ctx context.Context, bucket string) (bool, error)
}

type ResilientObjectStore struct {
	store         ObjectStore
	getBreaker    *circuitbreaker.CircuitBreaker
	copyBreaker   *circuitbreaker.CircuitBreaker
	deleteBreaker *circuitbreaker.CircuitBreaker

	readRetry  retry.BackoffConfig
	writeRetry retry.BackoffConfig
}

func NewResilientObjectStore(store ObjectStore) *ResilientObjectStore {
	// Missing objects are an answer from a healthy store, not a failure.
	healthy := func(err error) bool {
		return err == nil || storage.IsNotFound(err)
	}

	getSettings := circuitbreaker.DefaultSettings("object_store_get")
	getSettings.ReadyToTrip = func(counts circuitbreaker.Counts) bool {
		return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
	}
	getSettings.IsSuccessful = healthy

	copySettings := circuitbreaker.DefaultSettings("object_store_copy")
	copySettings.ReadyToTrip = func(counts circuitbreaker.Counts) bool {
		return counts.Requests >= 3 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.5
	}
	copySettings.IsSuccessful = healthy

	deleteSettings := circuitbreaker.DefaultSettings("object_store_delete")
	deleteSettings.ReadyToTrip = copySettings.ReadyToTrip
	deleteSettings.IsSuccessful = healthy

	return &ResilientObjectStore{
		store:         store,
		getBreaker:    circuitbreaker.NewCircuitBreaker(getSettings),
		copyBreaker:   circuitbreaker.NewCircuitBreaker(copySettings),
		deleteBreaker: circuitbreaker.NewCircuitBreaker(deleteSettings),
		readRetry:     readRetryConfig,
		writeRetry:    writeRetryConfig,
	}
}

// isRetryableError reports whether another attempt could succeed.
func isRetryableError(err error) bool {
	switch storage.ClassifyError(err) {
	case "timeout", "throttled", "server_error", "network_error":
		return true
	}
	return false
}

// call runs fn through cb with backoff. Breaker refusals and permanent errors
// end the loop immediately.
func (rs *ResilientObjectStore) call(ctx context.Context, cb *circuitbreaker.CircuitBreaker, cfg retry.BackoffConfig, fn func(context.Context) error) error {
	_, err := retry.Do(ctx, cfg, func(attempt int) error {
		err := cb.ExecuteContext(ctx, fn)
		switch {
		case err == nil:
			return nil
		case circuitbreaker.IsOpen(err):
			return retry.Stop(fmt.Errorf("object store unavailable: %w", err))
		case ctx.Err() != nil, !isRetryableError(err):
			return retry.Stop(err)
		}
		logger.Debug("Storage: transient error, retrying", "breaker", cb.Name(), "attempt", attempt, "error", err)
		return err
	})
	return err
}

func (rs *ResilientObjectStore) Get(ctx context.Context, loc storage.Location) ([]byte, error) {
	var data []byte
	err := rs.call(ctx, rs.getBreaker, rs.readRetry, func(ctx context.Context) error {
		var err error
		data, err = rs.store.Get(ctx, loc)
		return err
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (rs *ResilientObjectStore) Copy(ctx context.Context, src, dst storage.Location) error {
	return rs.call(ctx, rs.copyBreaker, rs.writeRetry, func(ctx context.Context) error {
		return rs.store.Copy(ctx, src, dst)
	})
}

func (rs *ResilientObjectStore) Delete(ctx context.Context, loc storage.Location) error {
	return rs.call(ctx, rs.deleteBreaker, rs.writeRetry, func(ctx context.Context) error {
		return rs.store.Delete(ctx, loc)
	})
}

func (rs *ResilientObjectStore) Exists(ctx context.Context, loc storage.Location) (bool, error) {
	var ok bool
	err := rs.call(ctx, rs.getBreaker, rs.readRetry, func(ctx context.Context) error {
		var err error
		ok, err = rs.store.Exists(ctx, loc)
		return err
	})
	return ok, err
}

// BucketExists bypasses the breakers so health checks always reach the store.
func (rs *ResilientObjectStore) BucketExists(ctx context.Context, bucket string) (bool, error) {
	return rs.store.BucketExists(ctx, bucket)
}

// Breakers returns the per-operation breakers for health reporting.
func (rs *ResilientObjectStore) Breakers() []*circuitbreaker.CircuitBreaker {
	return []*circuitbreaker.CircuitBreaker{rs.getBreaker, rs.copyBreaker, rs.deleteBreaker}
}
