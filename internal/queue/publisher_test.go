package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagehook/internal/types"
)

const testQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789012/pagehook-events.fifo"

// mockSQSClient records calls and returns canned results.
type mockSQSClient struct {
	mu sync.Mutex

	getURLCalls []*sqs.GetQueueUrlInput
	getURLErr   error
	sendCalls   []*sqs.SendMessageInput
	sendErr     error
	attrCalls   int
	attrErr     error
}

func (m *mockSQSClient) GetQueueUrl(_ context.Context, in *sqs.GetQueueUrlInput, _ ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getURLCalls = append(m.getURLCalls, in)
	if m.getURLErr != nil {
		return nil, m.getURLErr
	}
	return &sqs.GetQueueUrlOutput{QueueUrl: aws.String(testQueueURL)}, nil
}

func (m *mockSQSClient) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sendCalls = append(m.sendCalls, in)
	if m.sendErr != nil {
		return nil, m.sendErr
	}
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

func (m *mockSQSClient) GetQueueAttributes(_ context.Context, _ *sqs.GetQueueAttributesInput, _ ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attrCalls++
	return &sqs.GetQueueAttributesOutput{}, m.attrErr
}

func newEnvelope(payload string) *types.WebhookEnvelope {
	return &types.WebhookEnvelope{
		EventID:         "8d7f5c2e-8f0a-4d0b-9a52-3f2f5f0c1a11",
		ReceivedAt:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		Source:          "page",
		SignatureHeader: "sha256=abc",
		Payload:         json.RawMessage(payload),
	}
}

func newInitializedPublisher(t *testing.T, client *mockSQSClient, opts ...Option) *Publisher {
	t.Helper()
	p := NewPublisher(client, "pagehook-events.fifo", slog.Default(), opts...)
	require.NoError(t, p.Initialize(context.Background()))
	return p
}

func TestPublisher_Initialize_ResolvesQueueURL(t *testing.T) {
	client := &mockSQSClient{}
	p := NewPublisher(client, "pagehook-events.fifo", slog.Default())

	assert.Empty(t, p.QueueURL())
	require.NoError(t, p.Initialize(context.Background()))

	require.Len(t, client.getURLCalls, 1)
	assert.Equal(t, "pagehook-events.fifo", aws.ToString(client.getURLCalls[0].QueueName))
	assert.Equal(t, testQueueURL, p.QueueURL())
}

func TestPublisher_Initialize_Failure(t *testing.T) {
	client := &mockSQSClient{getURLErr: errors.New("AWS.SimpleQueueService.NonExistentQueue")}
	p := NewPublisher(client, "missing.fifo", slog.Default())

	err := p.Initialize(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.fifo")
	assert.Empty(t, p.QueueURL())
}

func TestPublisher_Initialize_EmptyName(t *testing.T) {
	p := NewPublisher(&mockSQSClient{}, "", slog.Default())
	assert.Error(t, p.Initialize(context.Background()))
}

func TestPublisher_Publish_BeforeInitialize(t *testing.T) {
	client := &mockSQSClient{}
	p := NewPublisher(client, "pagehook-events.fifo", slog.Default())

	_, err := p.Publish(context.Background(), newEnvelope(`{}`))
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Empty(t, client.sendCalls)
}

func TestPublisher_Publish_SetsGroupAndDedup(t *testing.T) {
	client := &mockSQSClient{}
	p := newInitializedPublisher(t, client)
	env := newEnvelope(`{"entry":[{"id":"42"}]}`)

	id, err := p.Publish(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, id)

	require.Len(t, client.sendCalls, 1)
	in := client.sendCalls[0]
	assert.Equal(t, testQueueURL, aws.ToString(in.QueueUrl))
	assert.Equal(t, "42", aws.ToString(in.MessageGroupId))
	assert.Equal(t, env.EventID, aws.ToString(in.MessageDeduplicationId))
	assert.Equal(t, "page", aws.ToString(in.MessageAttributes[AttrSource].StringValue))
	assert.Equal(t, env.EventID, aws.ToString(in.MessageAttributes[AttrEventID].StringValue))

	// The group key travels out of band, the body is the envelope wire form.
	var decoded types.WebhookEnvelope
	require.NoError(t, json.Unmarshal([]byte(aws.ToString(in.MessageBody)), &decoded))
	assert.Equal(t, env.EventID, decoded.EventID)
	assert.JSONEq(t, `{"entry":[{"id":"42"}]}`, string(decoded.Payload))
	assert.NotContains(t, aws.ToString(in.MessageBody), "groupKey")
}

func TestPublisher_Publish_WithQueueURLOption(t *testing.T) {
	client := &mockSQSClient{}
	p := NewPublisher(client, "pagehook-events.fifo", slog.Default(), WithQueueURL("https://example/q.fifo"))

	_, err := p.Publish(context.Background(), newEnvelope(`{}`))
	require.NoError(t, err)
	assert.Empty(t, client.getURLCalls)
	assert.Equal(t, "https://example/q.fifo", aws.ToString(client.sendCalls[0].QueueUrl))
}

func TestPublisher_Publish_FailureIsUpstreamError(t *testing.T) {
	client := &mockSQSClient{sendErr: errors.New("connection reset")}
	p := newInitializedPublisher(t, client)

	_, err := p.Publish(context.Background(), newEnvelope(`{}`))
	require.Error(t, err)

	var appErr *types.AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, types.ErrCodeUpstreamQueueUnavailable, appErr.Code)
	assert.Contains(t, err.Error(), "queue unavailable")
}

func TestPublisher_Publish_BreakerOpensAndFailsFast(t *testing.T) {
	client := &mockSQSClient{sendErr: errors.New("throttled")}
	p := newInitializedPublisher(t, client, WithBreakerSettings(BreakerSettings{
		ConsecutiveFailures: 2,
		OpenTimeout:         time.Minute,
	}))

	for i := 0; i < 2; i++ {
		_, err := p.Publish(context.Background(), newEnvelope(`{}`))
		require.Error(t, err)
	}
	require.Len(t, client.sendCalls, 2)

	_, err := p.Publish(context.Background(), newEnvelope(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "circuit open")
	assert.Len(t, client.sendCalls, 2, "open breaker must not call SQS")
}

func TestPublisher_Ping(t *testing.T) {
	client := &mockSQSClient{}
	p := NewPublisher(client, "pagehook-events.fifo", slog.Default())
	assert.ErrorIs(t, p.Ping(context.Background()), ErrNotInitialized)

	require.NoError(t, p.Initialize(context.Background()))
	assert.NoError(t, p.Ping(context.Background()))

	client.attrErr = errors.New("access denied")
	assert.Error(t, p.Ping(context.Background()))
}

func TestGroupKey(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    string
	}{
		{"string id", `{"entry":[{"id":"42"}]}`, "42"},
		{"numeric id", `{"object":"page","entry":[{"id":1234567890123456789,"time":1}]}`, "1234567890123456789"},
		{"first entry wins", `{"entry":[{"id":"a"},{"id":"b"}]}`, "a"},
		{"no entries", `{"entry":[]}`, "ungrouped:page"},
		{"no entry field", `{"object":"page"}`, "ungrouped:page"},
		{"empty id", `{"entry":[{"id":""}]}`, "ungrouped:page"},
		{"object id", `{"entry":[{"id":{"x":1}}]}`, "ungrouped:page"},
		{"not json", `nope`, "ungrouped:page"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GroupKey(newEnvelope(tt.payload)))
		})
	}
}

func TestGroupKey_HashesUnsafeIDs(t *testing.T) {
	long := `{"entry":[{"id":"` + strings.Repeat("9", 200) + `"}]}`
	spaced := `{"entry":[{"id":"page one"}]}`

	for _, payload := range []string{long, spaced} {
		key := GroupKey(newEnvelope(payload))
		assert.Len(t, key, 64)
		assert.Equal(t, key, GroupKey(newEnvelope(payload)), "must be deterministic")
	}
}

func TestNewQueueMessage(t *testing.T) {
	env := newEnvelope(`{"entry":[{"id":"7"}]}`)
	msg, err := NewQueueMessage(env)
	require.NoError(t, err)

	assert.Equal(t, env.EventID, msg.DedupID)
	assert.Equal(t, "7", msg.GroupKey)
	assert.Contains(t, string(msg.Body), `"metadata"`)
}
