// Package listener subscribes to MinIO bucket notifications and dispatches a
// transfer for every created object.
package listener

import (
	"context"
	"sync"
	"time"

	"github.com/migadu/s3watcher/config"
	"github.com/migadu/s3watcher/event"
	"github.com/migadu/s3watcher/logger"
	"github.com/migadu/s3watcher/pkg/retry"
	"github.com/migadu/s3watcher/server/dispatcher"
	"github.com/minio/minio-go/v7/pkg/notification"
)

const notificationSource = "listener"

// NotificationSource streams bucket notifications. *minio.Client implements it.
type NotificationSource interface {
	ListenBucketNotification(ctx context.Context, bucketName, prefix, suffix string, events []string) <-chan notification.Info
}

type Dispatcher interface {
	Dispatch(ctx context.Context, objects []event.Object) ([]dispatcher.Result, error)
}

type Listener struct {
	source     NotificationSource
	dispatcher Dispatcher
	buckets    []string
	prefix     string
	suffix     string
	events     []string
	backoff    retry.BackoffConfig

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(source NotificationSource, d Dispatcher, cfg config.ListenerConfig) *Listener {
	interval := cfg.GetReconnectIntervalWithDefault()
	return &Listener{
		source:     source,
		dispatcher: d,
		buckets:    cfg.Buckets,
		prefix:     cfg.Prefix,
		suffix:     cfg.Suffix,
		events:     cfg.GetEventsWithDefault(),
		backoff: retry.BackoffConfig{
			InitialInterval: interval,
			MaxInterval:     12 * interval,
			Multiplier:      2,
			Jitter:          true,
			OperationName:   "listener_reconnect",
		},
	}
}

// Start listens on every configured bucket until ctx is done or Stop is called.
func (l *Listener) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	for _, bucket := range l.buckets {
		l.wg.Add(1)
		go l.listen(ctx, bucket)
	}
	logger.Info("Listener: started", "buckets", l.buckets, "events", l.events)
}

// Stop ends every subscription and waits for in-flight dispatches.
func (l *Listener) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	logger.Info("Listener: stopped")
}

func (l *Listener) listen(ctx context.Context, bucket string) {
	defer l.wg.Done()

	delay := retry.ExponentialBackoff(l.backoff)
	failures := 0
	for {
		received := l.consume(ctx, bucket)
		if ctx.Err() != nil {
			return
		}
		if received {
			failures = 0
		}
		failures++

		wait := delay(failures)
		logger.Warn("Listener: notification stream ended, reconnecting", "bucket", bucket, "in", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// consume reads one subscription until its channel is closed. It reports
// whether any notification arrived.
func (l *Listener) consume(ctx context.Context, bucket string) bool {
	received := false
	for info := range l.source.ListenBucketNotification(ctx, bucket, l.prefix, l.suffix, l.events) {
		if info.Err != nil {
			// The client reconnects by itself and keeps the channel open.
			if ctx.Err() == nil {
				logger.Warn("Listener: notification error", "bucket", bucket, "error", info.Err)
			}
			continue
		}
		received = true

		objects := event.FromRecords(notificationSource, toRecords(info.Records))
		if len(objects) == 0 {
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			if _, err := l.dispatcher.Dispatch(ctx, objects); err != nil {
				logger.Warn("Listener: dispatch interrupted", "bucket", bucket, "error", err)
			}
		}()
	}
	return received
}

func toRecords(events []notification.Event) []event.Record {
	records := make([]event.Record, len(events))
	for i, ev := range events {
		records[i].EventSource = ev.EventSource
		records[i].EventName = ev.EventName
		records[i].S3.Bucket.Name = ev.S3.Bucket.Name
		records[i].S3.Object.Key = ev.S3.Object.Key
		records[i].S3.Object.Size = ev.S3.Object.Size
	}
	return records
}
