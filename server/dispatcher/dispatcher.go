// Package dispatcher runs one transfer per notified object, concurrently and
// independently of each other.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/s3watcher/config"
	"github.com/migadu/s3watcher/event"
	"github.com/migadu/s3watcher/logger"
	"github.com/migadu/s3watcher/pkg/metrics"
	"github.com/migadu/s3watcher/transfer"
	"golang.org/x/sync/errgroup"
)

// Runner drives one transfer. *transfer.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, req transfer.Request) (*transfer.Transfer, error)
}

// Result reports how the run for one object ended.
type Result struct {
	Bucket     string `json:"bucket"`
	Key        string `json:"key"`
	State      string `json:"state"`
	Delivered  bool   `json:"delivered"`
	StatusCode int    `json:"status_code,omitempty"`
	Attempts   int    `json:"attempts,omitempty"`
	Error      string `json:"error,omitempty"`

	Err error `json:"-"`
}

func (r Result) Failed() bool {
	return r.Err != nil
}

// AnyFailed reports whether at least one run ended in a fatal state.
func AnyFailed(results []Result) bool {
	for _, r := range results {
		if r.Failed() {
			return true
		}
	}
	return false
}

type Dispatcher struct {
	runner     Runner
	failBucket string
	stage      string
	region     string
	runTimeout time.Duration

	// sem bounds runs across all Dispatch calls, so concurrent webhook
	// requests and listener batches share one limit. errgroup's SetLimit is
	// per group and its slot wait cannot be abandoned when ctx ends.
	sem chan struct{}
	wg  sync.WaitGroup
}

func New(runner Runner, cfg config.WatcherConfig) *Dispatcher {
	return &Dispatcher{
		runner:     runner,
		failBucket: cfg.FailBucket,
		stage:      cfg.Stage,
		region:     cfg.Region,
		runTimeout: cfg.GetRunTimeoutWithDefault(),
		sem:        make(chan struct{}, cfg.GetConcurrencyWithDefault()),
	}
}

// Request builds the transfer request for a notified object.
func (d *Dispatcher) Request(obj event.Object) transfer.Request {
	return transfer.Request{
		SourceBucket: obj.Bucket,
		SourceKey:    obj.Key,
		FailBucket:   d.failBucket,
		Stage:        d.stage,
		Region:       d.region,
		Size:         obj.Size,
	}
}

// Dispatch runs every object and waits for all runs to finish. Results are in
// the order of objects. Runs are detached from ctx cancellation so that a
// caller going away does not abort a transfer halfway; only the run timeout
// bounds them. ctx still bounds the wait for a free slot.
func (d *Dispatcher) Dispatch(ctx context.Context, objects []event.Object) ([]Result, error) {
	results := make([]Result, len(objects))
	runCtx := context.WithoutCancel(ctx)

	var g errgroup.Group
	for i, obj := range objects {
		select {
		case d.sem <- struct{}{}:
		case <-ctx.Done():
			for j := i; j < len(objects); j++ {
				results[j] = notStarted(objects[j], ctx.Err())
			}
			_ = g.Wait()
			return results, fmt.Errorf("dispatch interrupted after %d of %d objects: %w", i, len(objects), ctx.Err())
		}

		d.wg.Add(1)
		g.Go(func() error {
			defer func() {
				<-d.sem
				d.wg.Done()
			}()
			results[i] = d.run(runCtx, obj)
			return nil
		})
	}
	return results, g.Wait()
}

// Wait blocks until every run started by Dispatch has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, obj event.Object) Result {
	metrics.TransfersInFlight.Inc()
	defer metrics.TransfersInFlight.Dec()

	if d.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.runTimeout)
		defer cancel()
	}

	start := time.Now()
	tr, err := d.runner.Run(ctx, d.Request(obj))

	result := Result{Bucket: obj.Bucket, Key: obj.Key, Err: err}
	if err != nil {
		result.Error = err.Error()
	}
	if tr == nil {
		result.State = "invalid"
	} else {
		outcome := tr.Outcome()
		result.State = tr.State().String()
		result.Delivered = outcome.Succeeded
		result.StatusCode = outcome.StatusCode
		result.Attempts = outcome.Attempts
	}

	metrics.TransfersTotal.WithLabelValues(result.State).Inc()
	metrics.TransferDuration.WithLabelValues(result.State).Observe(time.Since(start).Seconds())

	if err != nil {
		logger.Error("Dispatcher: transfer failed", "bucket", obj.Bucket, "key", obj.Key, "state", result.State, "error", err)
	} else {
		logger.Info("Dispatcher: transfer finished", "bucket", obj.Bucket, "key", obj.Key,
			"delivered", result.Delivered, "attempts", result.Attempts, "duration", time.Since(start))
	}
	return result
}

func notStarted(obj event.Object, err error) Result {
	return Result{Bucket: obj.Bucket, Key: obj.Key, State: "not_started", Error: err.Error(), Err: err}
}
