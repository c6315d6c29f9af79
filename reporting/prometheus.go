package reporting

import (
	"context"

	"github.com/migadu/s3watcher/pkg/metrics"
)

// PrometheusPublisher records data points on process-local counters.
type PrometheusPublisher struct{}

func NewPrometheusPublisher() *PrometheusPublisher {
	return &PrometheusPublisher{}
}

func (p *PrometheusPublisher) Publish(ctx context.Context, d Datum) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	metrics.DeliveryOutcomes.WithLabelValues(d.Name, d.Stage, d.UploadedBy).Add(d.Value)
	if d.Succeeded && d.Bytes > 0 {
		metrics.DeliveredBytes.WithLabelValues(d.Stage).Add(float64(d.Bytes))
	}
	return nil
}
