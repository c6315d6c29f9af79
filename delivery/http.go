package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/migadu/s3watcher/config"
	"github.com/migadu/s3watcher/consts"
	"github.com/migadu/s3watcher/logger"
	"github.com/migadu/s3watcher/pkg/circuitbreaker"
	"github.com/migadu/s3watcher/pkg/metrics"
)

// maxMessageBytes caps how much of a response body is kept on the outcome.
const maxMessageBytes = 1024

// DeliveryError is a delivery attempt that produced no usable response.
// StatusCode is zero when the request never got a response.
type DeliveryError struct {
	Err        error
	StatusCode int
}

func (e *DeliveryError) Error() string {
	return e.Err.Error()
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// HTTPClient posts object bytes to the delivery endpoint through a circuit breaker.
type HTTPClient struct {
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
	timeout time.Duration
}

func NewHTTPClient(cfg config.DeliveryConfig) *HTTPClient {
	return &HTTPClient{
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.SettingsFromConfig("delivery", cfg.CircuitBreaker)),
		timeout: cfg.GetTimeoutWithDefault(),
	}
}

// CircuitBreaker returns the breaker for health monitoring
func (c *HTTPClient) CircuitBreaker() *circuitbreaker.CircuitBreaker {
	return c.breaker
}

// Send makes one delivery attempt.
//
// A 2xx response is a succeeded outcome. Any other 4xx except 408 and 429 is
// a rejected outcome: the endpoint understood the request and refused it.
// Transport failures, 408, 429 and 5xx are returned as errors because another
// attempt may succeed. When the breaker refuses the call no request is made
// and the error wraps consts.ErrDeliveryUnavailable.
func (c *HTTPClient) Send(ctx context.Context, spec UploadSpec, body []byte) (Outcome, error) {
	var outcome Outcome
	_, err := c.breaker.Execute(func() (interface{}, error) {
		var sendErr error
		outcome, sendErr = c.post(ctx, spec, body)
		return nil, sendErr
	})

	switch {
	case err == nil && outcome.Succeeded:
		metrics.DeliveryAttempts.WithLabelValues("succeeded").Inc()
		logger.Info("Delivery: accepted", "filename", spec.Filename, "uploaded_by", spec.UploadedBy,
			"size", humanize.Bytes(uint64(spec.Size)), "status", outcome.StatusCode)
	case err == nil:
		metrics.DeliveryAttempts.WithLabelValues("rejected").Inc()
		logger.Warn("Delivery: rejected", "filename", spec.Filename, "status", outcome.StatusCode, "message", outcome.Message)
	case circuitbreaker.IsOpen(err):
		metrics.DeliveryAttempts.WithLabelValues("breaker_open").Inc()
		logger.Warn("Delivery: circuit breaker is open, skipping attempt", "filename", spec.Filename)
		return Outcome{}, fmt.Errorf("%w: circuit breaker refused the request: %w", consts.ErrDeliveryUnavailable, err)
	default:
		metrics.DeliveryAttempts.WithLabelValues("error").Inc()
		logger.Warn("Delivery: attempt failed", "filename", spec.Filename, "error", err)
		return Outcome{}, err
	}
	return outcome, nil
}

func (c *HTTPClient) post(ctx context.Context, spec UploadSpec, body []byte) (Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, spec.URL, bytes.NewReader(body))
	if err != nil {
		return Outcome{}, &DeliveryError{Err: fmt.Errorf("failed to create delivery request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if spec.APIKey != "" {
		req.Header.Set(spec.APIKeyHeader, spec.APIKey)
	}
	if spec.Digest != "" {
		req.Header.Set("X-Content-Digest", "blake3="+spec.Digest)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return Outcome{}, &DeliveryError{Err: fmt.Errorf("failed to send delivery request: %w", err)}
	}
	defer resp.Body.Close()

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxMessageBytes))
	_, _ = io.Copy(io.Discard, resp.Body)

	outcome := Outcome{
		Size:       spec.Size,
		Filename:   spec.Filename,
		UploadedBy: spec.UploadedBy,
		Stage:      spec.Stage,
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(msg)),
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		outcome.Succeeded = true
		return outcome, nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return Outcome{}, &DeliveryError{
			Err:        fmt.Errorf("delivery endpoint returned status %d", resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
	case resp.StatusCode >= 400:
		return outcome, nil
	default:
		// Redirects are not followed.
		return Outcome{}, &DeliveryError{
			Err:        fmt.Errorf("delivery endpoint returned unexpected status %d", resp.StatusCode),
			StatusCode: resp.StatusCode,
		}
	}
}
