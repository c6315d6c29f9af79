// Package transfer moves one staged object to the delivery endpoint.
//
// A run downloads the object, delivers it with a fixed number of immediate
// attempts, publishes one metric data point for the outcome, and then either
// deletes the source (delivered) or copies it to the fail bucket and deletes
// it (not delivered). The source is never deleted before one of those two
// confirmations, and it stays in place when the quarantine copy fails.
//
// Each run is a small state machine:
//
//	start -> downloading -> delivering -> recording_metrics -> succeeding   -> done
//	                                                        \-> quarantining -> done
//
// Any stage can end the run in one of the fatal_* states instead. Audit events
// are written before each I/O step and never affect the result.
package transfer

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/migadu/s3watcher/audit"
	"github.com/migadu/s3watcher/consts"
	"github.com/migadu/s3watcher/delivery"
	"github.com/migadu/s3watcher/logger"
	"github.com/migadu/s3watcher/pkg/metrics"
	"github.com/migadu/s3watcher/pkg/retry"
	"github.com/migadu/s3watcher/reporting"
	"github.com/migadu/s3watcher/storage"
)

type ObjectStore interface {
	Get(ctx context.Context, loc storage.Location) ([]byte, error)
	Copy(ctx context.Context, src, dst storage.Location) error
	Delete(ctx context.Context, loc storage.Location) error
}

type Delivery interface {
	Send(ctx context.Context, spec delivery.UploadSpec, body []byte) (delivery.Outcome, error)
}

type SpecBuilder interface {
	Build(key, stage string, size int64, body []byte) (delivery.UploadSpec, error)
}

type Publisher interface {
	Publish(ctx context.Context, d reporting.Datum) error
}

// Orchestrator holds the collaborators shared by every run. It keeps no
// per-run state, so one Orchestrator serves any number of concurrent runs.
type Orchestrator struct {
	Store       ObjectStore
	Delivery    Delivery
	Builder     SpecBuilder
	Publisher   Publisher
	Audit       audit.Recorder
	MaxAttempts int // total delivery attempts per run, default 5
}

// New creates the transfer for one request.
func (o *Orchestrator) New(req Request) (*Transfer, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	maxAttempts := o.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Transfer{
		req:         req,
		store:       o.Store,
		delivery:    o.Delivery,
		builder:     o.Builder,
		publisher:   o.Publisher,
		audit:       audit.Safe(o.Audit),
		maxAttempts: maxAttempts,
		state:       StateStart,
	}, nil
}

// Run creates a transfer for req and runs it.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Transfer, error) {
	t, err := o.New(req)
	if err != nil {
		return nil, err
	}
	_, err = t.Run(ctx)
	return t, err
}

// Transfer is a single run for one object. It is not safe for concurrent use.
type Transfer struct {
	req         Request
	store       ObjectStore
	delivery    Delivery
	builder     SpecBuilder
	publisher   Publisher
	audit       audit.Recorder
	maxAttempts int

	state   State
	body    []byte
	outcome delivery.Outcome
	cause   error // why delivery failed, set before quarantining
	err     error
}

func (t *Transfer) Request() Request {
	return t.req
}

func (t *Transfer) State() State {
	return t.state
}

// Outcome is the delivery outcome, valid once the run got past delivering.
func (t *Transfer) Outcome() delivery.Outcome {
	return t.outcome
}

// Run drives the transfer from start to a terminal state. Once delivery has
// produced an outcome it is returned even when a later stage fails.
func (t *Transfer) Run(ctx context.Context) (delivery.Outcome, error) {
	if t.state != StateStart {
		return t.outcome, fmt.Errorf("transfer %s already ran (state %s)", t.req.Source(), t.state)
	}
	err := t.drive(ctx)
	return t.outcome, err
}

// Success deletes the source object. Run reaches it after a delivered outcome.
// Called on a fresh transfer it is an operator override: the object is
// removed without any delivery, so only use it for objects known to have
// been delivered by other means.
func (t *Transfer) Success(ctx context.Context) error {
	if t.state != StateStart && t.state != StateSucceeding {
		return fmt.Errorf("transfer %s cannot succeed from state %s", t.req.Source(), t.state)
	}
	if t.state == StateStart {
		logger.Warn("Transfer: removing source without delivery (operator override)", "object", t.req.Source().String())
	}
	t.state = StateSucceeding
	return t.drive(ctx)
}

// Fail quarantines the source object: copy to the fail bucket, then delete.
// Run reaches it after a failed delivery. Called on a fresh transfer it is an
// operator override that skips delivery.
func (t *Transfer) Fail(ctx context.Context, cause error) error {
	if t.state != StateStart && t.state != StateQuarantining {
		return fmt.Errorf("transfer %s cannot fail from state %s", t.req.Source(), t.state)
	}
	t.cause = cause
	t.state = StateQuarantining
	return t.drive(ctx)
}

func (t *Transfer) drive(ctx context.Context) error {
	for !t.state.Terminal() {
		from := t.state
		t.state = t.step(ctx)
		logger.Debug("Transfer: state changed", "object", t.req.Source().String(), "from", from.String(), "to", t.state.String())
	}
	if t.state.Fatal() {
		return t.err
	}
	return nil
}

func (t *Transfer) step(ctx context.Context) State {
	switch t.state {
	case StateStart:
		return StateDownloading
	case StateDownloading:
		return t.download(ctx)
	case StateDelivering:
		return t.deliver(ctx)
	case StateRecordingMetrics:
		return t.recordMetric(ctx)
	case StateSucceeding:
		return t.deleteSource(ctx)
	case StateQuarantining:
		return t.quarantine(ctx)
	default:
		return t.fatal(StateFatalDeliveryError, t.req.Source(), fmt.Errorf("no transition from state %s", t.state))
	}
}

func (t *Transfer) download(ctx context.Context) State {
	src := t.req.Source()
	t.record(audit.KindDownload, audit.Payload{"bucket": src.Bucket, "key": src.Key})

	body, err := t.store.Get(ctx, src)
	if err != nil {
		return t.fatal(StateFatalDownloadError, src, fmt.Errorf("%w: %w", consts.ErrDownloadFailed, err))
	}
	t.body = body
	return StateDelivering
}

func (t *Transfer) deliver(ctx context.Context) State {
	spec, err := t.builder.Build(t.req.SourceKey, t.req.Stage, t.req.Size, t.body)
	if err != nil {
		return t.fatal(StateFatalDeliveryError, t.req.Source(), fmt.Errorf("%w: %w", consts.ErrDeliveryFailed, err))
	}

	var outcome delivery.Outcome
	policy := retry.Immediate("delivery", t.maxAttempts)
	attempts, err := retry.Do(ctx, policy, func(attempt int) error {
		t.record(audit.KindUpload, audit.Payload{
			"size":       spec.Size,
			"filename":   spec.Filename,
			"uploadedBy": spec.UploadedBy,
			"stage":      spec.Stage,
		})
		out, sendErr := t.delivery.Send(ctx, spec, t.body)
		if errors.Is(sendErr, consts.ErrDeliveryUnavailable) {
			return retry.Stop(sendErr)
		}
		if sendErr != nil {
			return sendErr
		}
		outcome = out
		return nil
	})

	switch {
	case err == nil:
		outcome.Attempts = attempts
	case ctx.Err() != nil, errors.Is(err, consts.ErrDeliveryUnavailable):
		// Aborted runs and refused calls leave the object in staging.
		return t.fatal(StateFatalDeliveryError, t.req.Source(), fmt.Errorf("%w: %w", consts.ErrDeliveryFailed, err))
	default:
		logger.Warn("Transfer: delivery attempts exhausted", "object", t.req.Source().String(), "attempts", attempts, "error", err)
		outcome = delivery.FailedOutcome(spec, attempts, err)
		t.cause = fmt.Errorf("%w: %w", consts.ErrDeliveryFailed, err)
	}
	if !outcome.Succeeded && t.cause == nil {
		t.cause = fmt.Errorf("%w: status %d: %s", consts.ErrDeliveryRejected, outcome.StatusCode, outcome.Message)
	}

	t.outcome = outcome
	return StateRecordingMetrics
}

func (t *Transfer) recordMetric(ctx context.Context) State {
	t.record(audit.KindRecordMetric, audit.Payload{
		"succeeded":  t.outcome.Succeeded,
		"size":       t.outcome.Size,
		"filename":   t.outcome.Filename,
		"uploadedBy": t.outcome.UploadedBy,
		"stage":      t.outcome.Stage,
		"statusCode": t.outcome.StatusCode,
		"attempts":   t.outcome.Attempts,
	})

	if err := t.publisher.Publish(ctx, reporting.FromOutcome(t.outcome)); err != nil {
		return t.fatal(StateFatalMetricsError, t.req.Source(), fmt.Errorf("%w: %w", consts.ErrMetricPublishFailed, err))
	}
	if t.outcome.Succeeded {
		return StateSucceeding
	}
	return StateQuarantining
}

func (t *Transfer) quarantine(ctx context.Context) State {
	src, dst := t.req.Source(), t.req.Quarantine()

	failPayload := audit.Payload{"bucket": src.Bucket, "key": src.Key}
	if t.cause != nil {
		failPayload["error"] = t.cause.Error()
	}
	t.record(audit.KindUploadFail, failPayload)
	t.record(audit.KindCopyToFailBucket, audit.Payload{
		"copySource": src.String(),
		"bucket":     dst.Bucket,
		"key":        dst.Key,
	})

	if err := t.store.Copy(ctx, src, dst); err != nil {
		// The source is left in place: it is the only remaining copy.
		return t.fatal(StateFatalQuarantineError, src, fmt.Errorf("%w: %w", consts.ErrQuarantineFailed, err))
	}
	metrics.QuarantinedObjects.WithLabelValues(dst.Bucket).Inc()
	logger.Warn("Transfer: object quarantined", "object", src.String(), "fail_bucket", dst.Bucket, "cause", t.cause)

	return t.deleteSource(ctx)
}

func (t *Transfer) deleteSource(ctx context.Context) State {
	src := t.req.Source()
	t.record(audit.KindDelete, audit.Payload{"bucket": src.Bucket, "key": src.Key})

	if err := t.store.Delete(ctx, src); err != nil {
		return t.fatal(StateFatalDeleteError, src, fmt.Errorf("%w: %w", consts.ErrDeleteFailed, err))
	}

	args := []any{"object", src.String()}
	if t.body != nil {
		args = append(args, "size", humanize.Bytes(uint64(len(t.body))))
	}
	logger.Info("Transfer: source removed", args...)
	return StateDone
}

func (t *Transfer) fatal(state State, loc ObjectLocation, err error) State {
	t.err = &FatalError{State: state, Location: loc, Err: err}
	logger.Error("Transfer: run failed", "object", t.req.Source().String(), "state", state.String(), "error", err)
	return state
}

// record is best effort. audit.Safe contains a panicking recorder, so nothing
// here can change the run's result.
func (t *Transfer) record(kind audit.Kind, payload audit.Payload) {
	t.audit.Record(t.req.Stage, kind, payload)
}

// IsFatal reports whether err ended a run, and in which state.
func IsFatal(err error) (State, bool) {
	var fe *FatalError
	if errors.As(err, &fe) {
		return fe.State, true
	}
	return StateStart, false
}
