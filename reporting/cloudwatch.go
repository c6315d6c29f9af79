package reporting

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// CloudWatchAPI is the subset of the CloudWatch client used for publishing.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchPublisher sends one PutMetricData call per datum.
type CloudWatchPublisher struct {
	client    CloudWatchAPI
	namespace string
	now       func() time.Time
}

func NewCloudWatchPublisher(client CloudWatchAPI, namespace string) *CloudWatchPublisher {
	return &CloudWatchPublisher{client: client, namespace: namespace, now: time.Now}
}

// NewCloudWatchPublisherFromConfig builds the client from an AWS configuration.
func NewCloudWatchPublisherFromConfig(cfg aws.Config, namespace string) *CloudWatchPublisher {
	return NewCloudWatchPublisher(cloudwatch.NewFromConfig(cfg), namespace)
}

func (p *CloudWatchPublisher) Publish(ctx context.Context, d Datum) error {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(p.namespace),
		MetricData: []types.MetricDatum{{
			MetricName: aws.String(d.Name),
			Dimensions: []types.Dimension{{
				Name:  aws.String(DimensionUploadedBy),
				Value: aws.String(d.UploadedBy),
			}},
			Timestamp: aws.Time(p.now()),
			Unit:      types.StandardUnit(d.Unit),
			Value:     aws.Float64(d.Value),
		}},
	}
	if _, err := p.client.PutMetricData(ctx, input); err != nil {
		return fmt.Errorf("failed to put metric %s to %s: %w", d.Name, p.namespace, err)
	}
	return nil
}
