package metrics

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagehook/internal/core"
	"pagehook/internal/types"
	"pagehook/internal/webhook"
	"pagehook/internal/worker"
)

var (
	_ core.MetricsCollector = (*Prometheus)(nil)
	_ webhook.EventRecorder = (*Prometheus)(nil)
	_ worker.Metrics        = (*CloudWatchWorkerMetrics)(nil)
	_ worker.Metrics        = Nop{}
)

type mockCloudWatchClient struct {
	calls     []*cloudwatch.PutMetricDataInput
	returnErr error
}

func (m *mockCloudWatchClient) PutMetricData(_ context.Context, params *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	m.calls = append(m.calls, params)
	if m.returnErr != nil {
		return nil, m.returnErr
	}
	return &cloudwatch.PutMetricDataOutput{}, nil
}

type mockLogger struct {
	mu     sync.Mutex
	errors []string
}

func (l *mockLogger) Info(string, ...any) {}
func (l *mockLogger) Warn(string, ...any) {}
func (l *mockLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}
func (l *mockLogger) With(...any) types.Logger { return l }

func dimension(dims []cwtypes.Dimension, name string) string {
	for _, d := range dims {
		if *d.Name == name {
			return *d.Value
		}
	}
	return ""
}

func TestCloudWatchWorkerMetrics_RecordMessage(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewCloudWatchWorkerMetrics(cw, "", &mockLogger{})

	m.RecordMessage(context.Background(), "page", worker.ResultSuccess, 42*time.Millisecond)

	require.Len(t, cw.calls, 1)
	input := cw.calls[0]
	assert.Equal(t, DefaultNamespace, *input.Namespace)
	require.Len(t, input.MetricData, 2)

	count := input.MetricData[0]
	assert.Equal(t, MetricMessagesProcessed, *count.MetricName)
	assert.Equal(t, 1.0, *count.Value)
	assert.Equal(t, cwtypes.StandardUnitCount, count.Unit)
	assert.Equal(t, "page", dimension(count.Dimensions, DimSource))
	assert.Equal(t, worker.ResultSuccess, dimension(count.Dimensions, DimResult))

	latency := input.MetricData[1]
	assert.Equal(t, MetricProcessingLatency, *latency.MetricName)
	assert.Equal(t, 42.0, *latency.Value)
	assert.Equal(t, cwtypes.StandardUnitMilliseconds, latency.Unit)
	assert.Equal(t, "page", dimension(latency.Dimensions, DimSource))
}

func TestCloudWatchWorkerMetrics_NoEmptyDimensionValues(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewCloudWatchWorkerMetrics(cw, "", &mockLogger{})

	m.RecordMessage(context.Background(), worker.SourceUnknown, worker.ResultPoison, time.Millisecond)
	m.RecordMessage(context.Background(), "", worker.ResultSkipped, 0)

	require.Len(t, cw.calls, 2)
	for _, call := range cw.calls {
		for _, datum := range call.MetricData {
			for _, d := range datum.Dimensions {
				require.NotNil(t, d.Value)
				assert.NotEmpty(t, *d.Value, "dimension %s of %s", *d.Name, *datum.MetricName)
			}
		}
	}
	assert.Equal(t, worker.SourceUnknown, dimension(cw.calls[0].MetricData[0].Dimensions, DimSource))
	assert.Equal(t, worker.ResultSkipped, dimension(cw.calls[1].MetricData[0].Dimensions, DimResult))
	assert.Empty(t, cw.calls[1].MetricData[1].Dimensions)
}

func TestCloudWatchWorkerMetrics_RecordQueueLag(t *testing.T) {
	cw := &mockCloudWatchClient{}
	m := NewCloudWatchWorkerMetrics(cw, "Custom", &mockLogger{})

	m.RecordQueueLag(context.Background(), 3*time.Second)

	require.Len(t, cw.calls, 1)
	assert.Equal(t, "Custom", *cw.calls[0].Namespace)
	datum := cw.calls[0].MetricData[0]
	assert.Equal(t, MetricQueueLag, *datum.MetricName)
	assert.Equal(t, 3000.0, *datum.Value)
	assert.Empty(t, datum.Dimensions)
}

func TestCloudWatchWorkerMetrics_ErrorsAreLogged(t *testing.T) {
	cw := &mockCloudWatchClient{returnErr: errors.New("throttled")}
	logger := &mockLogger{}
	m := NewCloudWatchWorkerMetrics(cw, "", logger)

	m.RecordMessage(context.Background(), "page", worker.ResultHandlerError, time.Millisecond)
	m.RecordQueueLag(context.Background(), time.Millisecond)

	assert.Equal(t, []string{
		"failed to record message metric",
		"failed to record queue lag metric",
	}, logger.errors)
}

func scrape(t *testing.T, p *Prometheus) string {
	t.Helper()
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(body)
}

func TestPrometheus_RecordsRequestsAndWebhookEvents(t *testing.T) {
	p := NewPrometheus()

	p.RecordRequest(http.MethodPost, "/webhooks/{source}", "200", 15*time.Millisecond)
	p.RecordRequest(http.MethodPost, "/webhooks/{source}", "200", 25*time.Millisecond)
	p.RecordWebhookEvent("page", webhook.ResultAccepted)
	p.RecordWebhookEvent("page", webhook.ResultInvalidSignature)

	out := scrape(t, p)
	assert.Contains(t, out, `pagehook_http_requests_total{method="POST",route="/webhooks/{source}",status="200"} 2`)
	assert.Contains(t, out, `pagehook_http_request_duration_seconds_count{method="POST",route="/webhooks/{source}"} 2`)
	assert.Contains(t, out, `pagehook_webhook_events_total{result="accepted",source="page"} 1`)
	assert.Contains(t, out, `pagehook_webhook_events_total{result="invalid_signature",source="page"} 1`)
	assert.Contains(t, out, "go_goroutines")
}

func TestPrometheus_RegistriesAreIndependent(t *testing.T) {
	a := NewPrometheus()
	b := NewPrometheus()

	a.RecordWebhookEvent("page", webhook.ResultAccepted)

	assert.Contains(t, scrape(t, a), "pagehook_webhook_events_total")
	assert.NotContains(t, scrape(t, b), "pagehook_webhook_events_total{")
}
