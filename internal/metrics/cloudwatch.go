package metrics

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"pagehook/internal/types"
)

// Worker metric names and dimensions.
const (
	DefaultNamespace = "Pagehook"

	MetricMessagesProcessed = "MessagesProcessed"
	MetricProcessingLatency = "ProcessingLatency"
	MetricQueueLag          = "QueueLag"

	DimSource = "Source"
	DimResult = "Result"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchWorkerMetrics implements worker.Metrics by emitting to CloudWatch.
//
// Metrics emitted:
//   - MessagesProcessed: Dims {Source, Result}
//   - ProcessingLatency: Dims {Source}
//   - QueueLag: no dims
//
// Failures to publish are logged and never affect message handling.
type CloudWatchWorkerMetrics struct {
	client    CloudWatchClient
	namespace string
	logger    types.Logger
}

// NewCloudWatchWorkerMetrics creates metrics publishing to namespace
// (DefaultNamespace when empty).
func NewCloudWatchWorkerMetrics(client CloudWatchClient, namespace string, logger types.Logger) *CloudWatchWorkerMetrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	return &CloudWatchWorkerMetrics{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordMessage emits MessagesProcessed and ProcessingLatency in one call.
func (m *CloudWatchWorkerMetrics) RecordMessage(ctx context.Context, source, result string, latency time.Duration) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(MetricMessagesProcessed),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: dimensions(DimSource, source, DimResult, result),
			},
			{
				MetricName: aws.String(MetricProcessingLatency),
				Value:      aws.Float64(float64(latency.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: dimensions(DimSource, source),
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record message metric",
			"error", err.Error(),
			"source", source,
			"result", result,
		)
	}
}

// RecordQueueLag emits the time between enqueue and processing start.
func (m *CloudWatchWorkerMetrics) RecordQueueLag(ctx context.Context, lag time.Duration) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(m.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(MetricQueueLag),
				Value:      aws.Float64(float64(lag.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
			},
		},
	}

	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.Error("failed to record queue lag metric",
			"error", err.Error(),
			"lag_ms", lag.Milliseconds(),
		)
	}
}

// dimensions builds name/value pairs, leaving out empty values, which
// PutMetricData rejects.
func dimensions(kv ...string) []cwtypes.Dimension {
	dims := make([]cwtypes.Dimension, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] == "" {
			continue
		}
		dims = append(dims, cwtypes.Dimension{Name: aws.String(kv[i]), Value: aws.String(kv[i+1])})
	}
	return dims
}

// Nop discards worker metrics. Used when CloudWatch is disabled.
type Nop struct{}

func (Nop) RecordMessage(context.Context, string, string, time.Duration) {}
func (Nop) RecordQueueLag(context.Context, time.Duration)                {}
