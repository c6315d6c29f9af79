// Package reporting turns delivery outcomes into metric data points and
// publishes them to Prometheus or CloudWatch.
package reporting

import (
	"github.com/migadu/s3watcher/delivery"
)

const (
	MetricUploaded = "UploadedImages"
	MetricFailed   = "FailedUploads"

	UnitCount = "Count"

	// DimensionUploadedBy is the only dimension attached to a datum.
	DimensionUploadedBy = "UploadedBy"
)

// Datum is one metric data point describing a delivery outcome.
type Datum struct {
	Name       string
	Stage      string
	UploadedBy string
	Value      float64
	Unit       string
	Bytes      int64
	Succeeded  bool
}

// FromOutcome derives the datum for an outcome. The same outcome always
// yields the same datum.
func FromOutcome(o delivery.Outcome) Datum {
	name := MetricFailed
	if o.Succeeded {
		name = MetricUploaded
	}
	uploadedBy := o.UploadedBy
	if uploadedBy == "" {
		uploadedBy = delivery.UnknownUploader
	}
	return Datum{
		Name:       name,
		Stage:      o.Stage,
		UploadedBy: uploadedBy,
		Value:      1,
		Unit:       UnitCount,
		Bytes:      o.Size,
		Succeeded:  o.Succeeded,
	}
}
