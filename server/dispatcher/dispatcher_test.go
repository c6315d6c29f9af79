package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/migadu/s3watcher/audit"
	"github.com/migadu/s3watcher/config"
	"github.com/migadu/s3watcher/consts"
	"github.com/migadu/s3watcher/delivery"
	"github.com/migadu/s3watcher/event"
	"github.com/migadu/s3watcher/reporting"
	"github.com/migadu/s3watcher/storage"
	"github.com/migadu/s3watcher/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (s *memStore) Get(_ context.Context, loc storage.Location) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[loc.String()]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", loc, consts.ErrObjectNotFound)
	}
	return data, nil
}

func (s *memStore) Copy(_ context.Context, src, dst storage.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[dst.String()] = s.objects[src.String()]
	return nil
}

func (s *memStore) Delete(_ context.Context, loc storage.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, loc.String())
	return nil
}

type acceptAll struct{}

func (acceptAll) Send(_ context.Context, spec delivery.UploadSpec, _ []byte) (delivery.Outcome, error) {
	return delivery.Outcome{Succeeded: true, Size: spec.Size, Filename: spec.Filename, UploadedBy: spec.UploadedBy, Stage: spec.Stage, StatusCode: 201}, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, reporting.Datum) error { return nil }

func watcherConfig() config.WatcherConfig {
	return config.WatcherConfig{Stage: "TEST", Region: "eu-west-1", FailBucket: "staging-fail", Concurrency: 4, RunTimeout: "10s"}
}

func TestDispatch(t *testing.T) {
	builder, err := delivery.NewBuilder(config.DeliveryConfig{URL: "http://loader.local/imports"}, "")
	require.NoError(t, err)
	store := &memStore{objects: map[string][]byte{"staging/getty/a.jpg": []byte("a")}}
	orch := &transfer.Orchestrator{Store: store, Delivery: acceptAll{}, Builder: builder, Publisher: nopPublisher{}, Audit: audit.Discard{}}

	d := New(orch, watcherConfig())
	results, err := d.Dispatch(context.Background(), []event.Object{
		{Bucket: "staging", Key: "getty/a.jpg", Size: 1},
		{Bucket: "staging", Key: "missing.jpg"},
		{Bucket: "staging-fail", Key: "loop.jpg"},
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "done", results[0].State)
	assert.True(t, results[0].Delivered)
	assert.Equal(t, 201, results[0].StatusCode)
	assert.Equal(t, 1, results[0].Attempts)
	assert.False(t, results[0].Failed())

	assert.Equal(t, "fatal_download_error", results[1].State)
	assert.ErrorIs(t, results[1].Err, consts.ErrDownloadFailed)
	assert.NotEmpty(t, results[1].Error)

	assert.Equal(t, "invalid", results[2].State)
	assert.ErrorIs(t, results[2].Err, consts.ErrInvalidRequest)

	assert.True(t, AnyFailed(results))
	assert.False(t, AnyFailed(results[:1]))
	d.Wait()
}

type countingRunner struct {
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (r *countingRunner) Run(ctx context.Context, req transfer.Request) (*transfer.Transfer, error) {
	n := r.active.Add(1)
	for {
		seen := r.maxSeen.Load()
		if n <= seen || r.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	time.Sleep(20 * time.Millisecond)
	r.active.Add(-1)
	return nil, errors.New("not a real transfer")
}

func TestDispatchRespectsConcurrency(t *testing.T) {
	runner := &countingRunner{}
	cfg := watcherConfig()
	cfg.Concurrency = 2
	d := New(runner, cfg)

	objects := make([]event.Object, 8)
	for i := range objects {
		objects[i] = event.Object{Bucket: "staging", Key: fmt.Sprintf("%d.jpg", i)}
	}
	results, err := d.Dispatch(context.Background(), objects)
	require.NoError(t, err)
	assert.Len(t, results, 8)
	assert.LessOrEqual(t, runner.maxSeen.Load(), int32(2))
}

func TestDispatchLimitIsSharedAcrossCalls(t *testing.T) {
	runner := &countingRunner{}
	cfg := watcherConfig()
	cfg.Concurrency = 2
	d := New(runner, cfg)

	var wg sync.WaitGroup
	for batch := 0; batch < 3; batch++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			objects := make([]event.Object, 4)
			for i := range objects {
				objects[i] = event.Object{Bucket: "staging", Key: fmt.Sprintf("%d-%d.jpg", batch, i)}
			}
			_, err := d.Dispatch(context.Background(), objects)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	d.Wait()
	assert.LessOrEqual(t, runner.maxSeen.Load(), int32(2))
}

type deadlineRunner struct {
	cancelCaller context.CancelFunc
	deadline     time.Time
	hasDeadline  bool
}

func (r *deadlineRunner) Run(ctx context.Context, _ transfer.Request) (*transfer.Transfer, error) {
	r.cancelCaller()
	r.deadline, r.hasDeadline = ctx.Deadline()
	return nil, ctx.Err()
}

func TestDispatchDetachesRunsFromCaller(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runner := &deadlineRunner{cancelCaller: cancel}
	d := New(runner, watcherConfig())

	results, err := d.Dispatch(ctx, []event.Object{{Bucket: "staging", Key: "a.jpg"}})
	require.NoError(t, err)
	assert.True(t, runner.hasDeadline, "run timeout applies")
	assert.WithinDuration(t, time.Now().Add(10*time.Second), runner.deadline, 2*time.Second)
	assert.Equal(t, "invalid", results[0].State)
	assert.Nil(t, results[0].Err, "caller context is not propagated as cancellation")
}

func TestDispatchInterruptedWhileWaitingForSlot(t *testing.T) {
	cfg := watcherConfig()
	cfg.Concurrency = 1
	d := New(&countingRunner{}, cfg)
	d.sem <- struct{}{}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := d.Dispatch(ctx, []event.Object{{Bucket: "staging", Key: "a.jpg"}, {Bucket: "staging", Key: "b.jpg"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, 2)
	assert.Equal(t, "not_started", results[0].State)
	assert.True(t, AnyFailed(results))
}

func TestRequest(t *testing.T) {
	d := New(&countingRunner{}, watcherConfig())
	req := d.Request(event.Object{Bucket: "staging", Key: "getty/a.jpg", Size: 42})
	assert.Equal(t, transfer.Request{
		SourceBucket: "staging",
		SourceKey:    "getty/a.jpg",
		FailBucket:   "staging-fail",
		Stage:        "TEST",
		Region:       "eu-west-1",
		Size:         42,
	}, req)
}
