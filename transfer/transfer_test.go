package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/migadu/s3watcher/audit"
	"github.com/migadu/s3watcher/config"
	"github.com/migadu/s3watcher/consts"
	"github.com/migadu/s3watcher/delivery"
	"github.com/migadu/s3watcher/reporting"
	"github.com/migadu/s3watcher/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu        sync.Mutex
	objects   map[string][]byte
	calls     []string
	copyErr   error
	deleteErr error
}

func newMemStore(objects map[string]string) *memStore {
	s := &memStore{objects: make(map[string][]byte)}
	for k, v := range objects {
		s.objects[k] = []byte(v)
	}
	return s
}

func (s *memStore) Get(_ context.Context, loc storage.Location) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "get "+loc.String())
	data, ok := s.objects[loc.String()]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", loc, consts.ErrObjectNotFound)
	}
	return data, nil
}

func (s *memStore) Copy(_ context.Context, src, dst storage.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "copy "+src.String()+" "+dst.String())
	if s.copyErr != nil {
		return s.copyErr
	}
	s.objects[dst.String()] = s.objects[src.String()]
	return nil
}

func (s *memStore) Delete(_ context.Context, loc storage.Location) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "delete "+loc.String())
	if s.deleteErr != nil {
		return s.deleteErr
	}
	delete(s.objects, loc.String())
	return nil
}

func (s *memStore) has(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[key]
	return ok
}

type fakeDelivery struct {
	attempts int
	SendFunc func(attempt int, spec delivery.UploadSpec) (delivery.Outcome, error)
}

func (d *fakeDelivery) Send(_ context.Context, spec delivery.UploadSpec, _ []byte) (delivery.Outcome, error) {
	d.attempts++
	return d.SendFunc(d.attempts, spec)
}

func accepted(spec delivery.UploadSpec) delivery.Outcome {
	return delivery.Outcome{Succeeded: true, Size: spec.Size, Filename: spec.Filename, UploadedBy: spec.UploadedBy, Stage: spec.Stage, StatusCode: 202}
}

func rejected(spec delivery.UploadSpec) delivery.Outcome {
	return delivery.Outcome{Size: spec.Size, Filename: spec.Filename, UploadedBy: spec.UploadedBy, Stage: spec.Stage, StatusCode: 415, Message: "unsupported media"}
}

type fakePublisher struct {
	data []reporting.Datum
	err  error
}

func (p *fakePublisher) Publish(_ context.Context, d reporting.Datum) error {
	p.data = append(p.data, d)
	return p.err
}

type event struct {
	stage   string
	kind    audit.Kind
	payload audit.Payload
}

type fakeAudit struct {
	events []event
}

func (a *fakeAudit) Record(stage string, kind audit.Kind, payload audit.Payload) {
	a.events = append(a.events, event{stage, kind, payload})
}

func (a *fakeAudit) kinds() []audit.Kind {
	kinds := make([]audit.Kind, 0, len(a.events))
	for _, e := range a.events {
		kinds = append(kinds, e.kind)
	}
	return kinds
}

type panicAudit struct{}

func (panicAudit) Record(string, audit.Kind, audit.Payload) { panic("sink closed") }

type harness struct {
	store     *memStore
	delivery  *fakeDelivery
	publisher *fakePublisher
	audit     *fakeAudit
	orch      *Orchestrator
}

func newHarness(t *testing.T, send func(attempt int, spec delivery.UploadSpec) (delivery.Outcome, error)) *harness {
	t.Helper()
	builder, err := delivery.NewBuilder(config.DeliveryConfig{URL: "https://loader.example.com/imports"}, "secret")
	require.NoError(t, err)

	h := &harness{
		store:     newMemStore(map[string]string{"staging/a.jpg": "jpeg-bytes"}),
		delivery:  &fakeDelivery{SendFunc: send},
		publisher: &fakePublisher{},
		audit:     &fakeAudit{},
	}
	h.orch = &Orchestrator{
		Store:     h.store,
		Delivery:  h.delivery,
		Builder:   builder,
		Publisher: h.publisher,
		Audit:     h.audit,
	}
	return h
}

func request() Request {
	return Request{SourceBucket: "staging", SourceKey: "a.jpg", FailBucket: "staging-fail", Stage: "TEST", Region: "eu-west-1"}
}

func TestRunDeliveredFirstAttempt(t *testing.T) {
	h := newHarness(t, func(_ int, spec delivery.UploadSpec) (delivery.Outcome, error) {
		return accepted(spec), nil
	})

	tr, err := h.orch.Run(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, StateDone, tr.State())
	assert.Equal(t, 1, h.delivery.attempts)
	assert.Equal(t, 1, tr.Outcome().Attempts)
	require.Len(t, h.publisher.data, 1)
	assert.True(t, h.publisher.data[0].Succeeded)
	assert.Equal(t, reporting.MetricUploaded, h.publisher.data[0].Name)
	assert.False(t, h.store.has("staging/a.jpg"))
	assert.False(t, h.store.has("staging-fail/a.jpg"))
	assert.Equal(t, []string{"get staging/a.jpg", "delete staging/a.jpg"}, h.store.calls)
	assert.Equal(t, []audit.Kind{audit.KindDownload, audit.KindUpload, audit.KindRecordMetric, audit.KindDelete}, h.audit.kinds())
}

func TestRunRetriesTransientErrors(t *testing.T) {
	h := newHarness(t, func(attempt int, spec delivery.UploadSpec) (delivery.Outcome, error) {
		if attempt < 5 {
			return delivery.Outcome{}, errors.New("connection reset by peer")
		}
		return accepted(spec), nil
	})

	tr, err := h.orch.New(request())
	require.NoError(t, err)
	result, err := tr.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, h.delivery.attempts)
	assert.Equal(t, 5, result.Attempts)
	require.Len(t, h.publisher.data, 1)
	assert.True(t, h.publisher.data[0].Succeeded)
	assert.False(t, h.store.has("staging/a.jpg"))
	assert.False(t, h.store.has("staging-fail/a.jpg"))
}

func TestRunRejectedIsQuarantined(t *testing.T) {
	h := newHarness(t, func(_ int, spec delivery.UploadSpec) (delivery.Outcome, error) {
		return rejected(spec), nil
	})

	tr, err := h.orch.Run(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, StateDone, tr.State())
	assert.Equal(t, 1, h.delivery.attempts, "rejected outcomes are not retried")
	require.Len(t, h.publisher.data, 1)
	assert.False(t, h.publisher.data[0].Succeeded)
	assert.Equal(t, reporting.MetricFailed, h.publisher.data[0].Name)
	assert.Equal(t, []string{
		"get staging/a.jpg",
		"copy staging/a.jpg staging-fail/a.jpg",
		"delete staging/a.jpg",
	}, h.store.calls)
	assert.True(t, h.store.has("staging-fail/a.jpg"))
	assert.False(t, h.store.has("staging/a.jpg"))
	assert.Equal(t, []audit.Kind{
		audit.KindDownload, audit.KindUpload, audit.KindRecordMetric,
		audit.KindUploadFail, audit.KindCopyToFailBucket, audit.KindDelete,
	}, h.audit.kinds())
}

func TestRunQuarantineCopyFailureKeepsSource(t *testing.T) {
	h := newHarness(t, func(_ int, spec delivery.UploadSpec) (delivery.Outcome, error) {
		return rejected(spec), nil
	})
	h.store.copyErr = errors.New("AccessDenied")

	tr, err := h.orch.Run(context.Background(), request())
	require.Error(t, err)

	assert.ErrorIs(t, err, consts.ErrQuarantineFailed)
	state, ok := IsFatal(err)
	assert.True(t, ok)
	assert.Equal(t, StateFatalQuarantineError, state)
	assert.Equal(t, StateFatalQuarantineError, tr.State())
	assert.True(t, h.store.has("staging/a.jpg"))
	assert.NotContains(t, h.store.calls, "delete staging/a.jpg")
	require.Len(t, h.publisher.data, 1)
}

func TestRunAllAttemptsFailQuarantines(t *testing.T) {
	h := newHarness(t, func(int, delivery.UploadSpec) (delivery.Outcome, error) {
		return delivery.Outcome{}, errors.New("dial tcp: connection refused")
	})

	tr, err := h.orch.Run(context.Background(), request())
	require.NoError(t, err)

	assert.Equal(t, 5, h.delivery.attempts)
	outcome := tr.Outcome()
	assert.False(t, outcome.Succeeded)
	assert.Equal(t, 0, outcome.StatusCode)
	assert.Equal(t, 5, outcome.Attempts)
	assert.Equal(t, "a.jpg", outcome.Filename)
	assert.Contains(t, outcome.Message, "connection refused")
	require.Len(t, h.publisher.data, 1)
	assert.False(t, h.publisher.data[0].Succeeded)
	assert.True(t, h.store.has("staging-fail/a.jpg"))
	assert.False(t, h.store.has("staging/a.jpg"))
}

func TestRunMaxAttemptsOverride(t *testing.T) {
	h := newHarness(t, func(int, delivery.UploadSpec) (delivery.Outcome, error) {
		return delivery.Outcome{}, errors.New("timeout")
	})
	h.orch.MaxAttempts = 2

	_, err := h.orch.Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, 2, h.delivery.attempts)
}

func TestRunMissingSourceFailsAtDownload(t *testing.T) {
	h := newHarness(t, func(_ int, spec delivery.UploadSpec) (delivery.Outcome, error) {
		return accepted(spec), nil
	})
	req := request()
	req.SourceKey = "gone.jpg"

	tr, err := h.orch.Run(context.Background(), req)
	require.Error(t, err)

	assert.ErrorIs(t, err, consts.ErrDownloadFailed)
	assert.ErrorIs(t, err, consts.ErrObjectNotFound)
	assert.Equal(t, StateFatalDownloadError, tr.State())
	assert.Zero(t, h.delivery.attempts)
	assert.Empty(t, h.publisher.data)
	assert.Equal(t, []string{"get staging/gone.jpg"}, h.store.calls)
}

func TestRunMetricFailureIsFatal(t *testing.T) {
	h := newHarness(t, func(_ int, spec delivery.UploadSpec) (delivery.Outcome, error) {
		return accepted(spec), nil
	})
	h.publisher.err = errors.New("Throttling")

	tr, err := h.orch.Run(context.Background(), request())
	require.Error(t, err)

	assert.ErrorIs(t, err, consts.ErrMetricPublishFailed)
	assert.Equal(t, StateFatalMetricsError, tr.State())
	assert.True(t, tr.Outcome().Succeeded, "outcome is kept for the caller")
	assert.True(t, h.store.has("staging/a.jpg"))
	assert.Equal(t, []string{"get staging/a.jpg"}, h.store.calls)
}

func TestRunDeleteFailureIsFatal(t *testing.T) {
	h := newHarness(t, func(_ int, spec delivery.UploadSpec) (delivery.Outcome, error) {
		return accepted(spec), nil
	})
	h.store.deleteErr = errors.New("InternalError")

	tr, err := h.orch.Run(context.Background(), request())
	require.Error(t, err)
	assert.ErrorIs(t, err, consts.ErrDeleteFailed)
	assert.Equal(t, StateFatalDeleteError, tr.State())

	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "staging/a.jpg", fe.Location.String())
}

func TestRunAuditPanicDoesNotChangeOutcome(t *testing.T) {
	h := newHarness(t, func(_ int, spec delivery.UploadSpec) (delivery.Outcome, error) {
		return accepted(spec), nil
	})
	h.orch.Audit = panicAudit{}

	tr, err := h.orch.Run(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, StateDone, tr.State())
	assert.False(t, h.store.has("staging/a.jpg"))
}

func TestRunCancelledDuringDelivery(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	h := newHarness(t, func(int, delivery.UploadSpec) (delivery.Outcome, error) {
		cancel()
		return delivery.Outcome{}, context.Canceled
	})

	tr, err := h.orch.Run(ctx, request())
	require.Error(t, err)
	assert.ErrorIs(t, err, consts.ErrDeliveryFailed)
	assert.Equal(t, StateFatalDeliveryError, tr.State())
	assert.Equal(t, 1, h.delivery.attempts)
	assert.Empty(t, h.publisher.data)
	assert.True(t, h.store.has("staging/a.jpg"))
}

func TestRunEndpointUnavailableKeepsSource(t *testing.T) {
	h := newHarness(t, func(int, delivery.UploadSpec) (delivery.Outcome, error) {
		return delivery.Outcome{}, fmt.Errorf("%w: breaker open", consts.ErrDeliveryUnavailable)
	})

	tr, err := h.orch.Run(context.Background(), request())
	require.Error(t, err)
	assert.ErrorIs(t, err, consts.ErrDeliveryUnavailable)
	assert.Equal(t, StateFatalDeliveryError, tr.State())
	assert.Equal(t, 1, h.delivery.attempts, "refused calls are not retried")
	assert.Empty(t, h.publisher.data)
	assert.True(t, h.store.has("staging/a.jpg"))
	assert.False(t, h.store.has("staging-fail/a.jpg"))
	assert.Equal(t, []string{"get staging/a.jpg"}, h.store.calls)
}

func TestRunSlashOnlyKeyReachesOutcome(t *testing.T) {
	h := newHarness(t, func(_ int, spec delivery.UploadSpec) (delivery.Outcome, error) {
		return rejected(spec), nil
	})
	h.store.objects["staging//"] = []byte("x")

	req := request()
	req.SourceKey = "/"
	tr, err := h.orch.Run(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, StateDone, tr.State())
	require.Len(t, h.publisher.data, 1)
	assert.Equal(t, delivery.UnknownUploader, h.publisher.data[0].UploadedBy)
	assert.Equal(t, "/", tr.Outcome().Filename)
	assert.True(t, h.store.has("staging-fail//"))
	assert.False(t, h.store.has("staging//"))
}

func TestUploadAuditPayload(t *testing.T) {
	h := newHarness(t, func(_ int, spec delivery.UploadSpec) (delivery.Outcome, error) {
		return accepted(spec), nil
	})
	req := request()
	req.SourceKey = "getty/a.jpg"
	h.store.objects["staging/getty/a.jpg"] = []byte("jpeg-bytes")
	req.Size = 2048

	_, err := h.orch.Run(context.Background(), req)
	require.NoError(t, err)

	var upload *event
	for i := range h.audit.events {
		if h.audit.events[i].kind == audit.KindUpload {
			upload = &h.audit.events[i]
		}
	}
	require.NotNil(t, upload)
	assert.Equal(t, "TEST", upload.stage)
	assert.Equal(t, audit.Payload{
		"size":       int64(2048),
		"filename":   "a.jpg",
		"uploadedBy": "getty",
		"stage":      "TEST",
	}, upload.payload)
	assert.Equal(t, "getty", h.publisher.data[0].UploadedBy)
}

func TestSuccessAndFail(t *testing.T) {
	h := newHarness(t, nil)
	h.store.objects["staging/b.jpg"] = []byte("b")

	tr, err := h.orch.New(request())
	require.NoError(t, err)
	require.NoError(t, tr.Success(context.Background()))
	assert.False(t, h.store.has("staging/a.jpg"))
	assert.Zero(t, h.delivery.attempts, "the override does not deliver")
	assert.Empty(t, h.publisher.data)
	assert.Equal(t, []audit.Kind{audit.KindDelete}, h.audit.kinds())

	req := request()
	req.SourceKey = "b.jpg"
	tr, err = h.orch.New(req)
	require.NoError(t, err)
	require.NoError(t, tr.Fail(context.Background(), errors.New("manual")))
	assert.True(t, h.store.has("staging-fail/b.jpg"))
	assert.False(t, h.store.has("staging/b.jpg"))
	assert.Equal(t, "manual", h.audit.events[1].payload["error"])

	assert.Error(t, tr.Success(context.Background()), "finished transfers do not run again")
	_, err = tr.Run(context.Background())
	assert.Error(t, err)
}

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"empty bucket", func(r *Request) { r.SourceBucket = "" }},
		{"empty key", func(r *Request) { r.SourceKey = "" }},
		{"empty fail bucket", func(r *Request) { r.FailBucket = "" }},
		{"fail bucket is source", func(r *Request) { r.FailBucket = r.SourceBucket }},
		{"empty stage", func(r *Request) { r.Stage = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := request()
			tt.mutate(&req)
			assert.ErrorIs(t, req.Validate(), consts.ErrInvalidRequest)
		})
	}
	assert.NoError(t, request().Validate())
	assert.Equal(t, "staging-fail/a.jpg", request().Quarantine().String())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "fatal_quarantine_error", StateFatalQuarantineError.String())
	assert.Equal(t, "done", StateDone.String())
	assert.True(t, StateFatalDownloadError.Terminal())
	assert.False(t, StateDelivering.Terminal())
	assert.False(t, StateDone.Fatal())
}
