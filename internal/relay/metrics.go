package relay

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"courserelay/internal/types"
)

// CloudWatchClient abstracts the CloudWatch client for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchMetrics publishes delivery and request metrics to CloudWatch.
// Metric publication is fire-and-forget: failures are logged and never
// propagate to request handling.
//
// It implements both the relay DeliveryMetrics interface and the server's
// MetricsCollector interface.
type CloudWatchMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchMetrics creates a CloudWatch metrics publisher.
func NewCloudWatchMetrics(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchMetrics {
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordDelivery records one downstream delivery attempt and its result.
func (m *CloudWatchMetrics) RecordDelivery(ctx context.Context, target types.DeliveryTarget, success bool) {
	result := "success"
	if !success {
		result = "failure"
	}

	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String("DeliveryAttempt"),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Timestamp:  aws.Time(time.Now()),
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String("Target"), Value: aws.String(string(target))},
			{Name: aws.String("Result"), Value: aws.String(result)},
		},
	})
}

// RecordDeliveryLatency records the wall-clock duration of one delivery call.
func (m *CloudWatchMetrics) RecordDeliveryLatency(ctx context.Context, target types.DeliveryTarget, duration time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String("DeliveryLatency"),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Timestamp:  aws.Time(time.Now()),
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String("Target"), Value: aws.String(string(target))},
		},
	})
}

// RecordRequest records one API request for the server metrics middleware.
func (m *CloudWatchMetrics) RecordRequest(method, endpoint, status string, duration time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	dimensions := []cwtypes.Dimension{
		{Name: aws.String("Method"), Value: aws.String(method)},
		{Name: aws.String("Endpoint"), Value: aws.String(endpoint)},
		{Name: aws.String("Status"), Value: aws.String(status)},
	}

	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String("RequestCount"),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Timestamp:  aws.Time(time.Now()),
		Dimensions: dimensions,
	})
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String("RequestLatency"),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Timestamp:  aws.Time(time.Now()),
		Dimensions: dimensions,
	})
}

// put publishes a single datum, logging failures without propagating them.
func (m *CloudWatchMetrics) put(ctx context.Context, datum cwtypes.MetricDatum) {
	_, err := m.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{datum},
	})
	if err != nil {
		m.logger.WarnContext(ctx, "failed to publish metric",
			"metric", aws.ToString(datum.MetricName),
			"error", err,
		)
	}
}
