// Package queue is the producer side of the durable queue: it resolves the
// SQS FIFO queue at startup and publishes webhook envelopes grouped by their
// ordering key.
package queue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/sony/gobreaker/v2"

	"pagehook/internal/types"
)

// Message attribute names set on every published envelope.
const (
	AttrSource  = "source"
	AttrEventID = "event_id"
)

// maxGroupIDLen is the SQS limit on MessageGroupId.
const maxGroupIDLen = 128

// ErrNotInitialized is returned by Publish before Initialize has succeeded.
var ErrNotInitialized = errors.New("queue: publisher not initialized")

// SQSClient is the subset of *sqs.Client the publisher calls.
type SQSClient interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Publisher sends WebhookEnvelopes to a FIFO queue. One Publisher (and one
// underlying SQS client) is shared by all requests of a process.
type Publisher struct {
	client    SQSClient
	queueName string
	queueURL  atomic.Pointer[string]
	breaker   *gobreaker.CircuitBreaker[*sqs.SendMessageOutput]
	logger    *slog.Logger
}

// BreakerSettings tunes the circuit breaker around SendMessage.
type BreakerSettings struct {
	// ConsecutiveFailures opens the breaker.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open before a probe request.
	OpenTimeout time.Duration
}

// DefaultBreakerSettings opens after 5 straight failures for 30 seconds.
func DefaultBreakerSettings() BreakerSettings {
	return BreakerSettings{ConsecutiveFailures: 5, OpenTimeout: 30 * time.Second}
}

// Option customizes a Publisher.
type Option func(*publisherOptions)

type publisherOptions struct {
	breaker  BreakerSettings
	queueURL string
}

// WithBreakerSettings overrides DefaultBreakerSettings.
func WithBreakerSettings(s BreakerSettings) Option {
	return func(o *publisherOptions) { o.breaker = s }
}

// WithQueueURL skips the GetQueueUrl lookup. Lambda deployments that already
// know the URL use it.
func WithQueueURL(url string) Option {
	return func(o *publisherOptions) { o.queueURL = url }
}

// NewPublisher creates a Publisher for the queue named queueName. Call
// Initialize before the first Publish.
func NewPublisher(client SQSClient, queueName string, logger *slog.Logger, opts ...Option) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	o := publisherOptions{breaker: DefaultBreakerSettings()}
	for _, opt := range opts {
		opt(&o)
	}

	p := &Publisher{
		client:    client,
		queueName: queueName,
		logger:    logger,
	}
	p.breaker = gobreaker.NewCircuitBreaker[*sqs.SendMessageOutput](gobreaker.Settings{
		Name:        "sqs-publish:" + queueName,
		MaxRequests: 1,
		Timeout:     o.breaker.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= o.breaker.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	if o.queueURL != "" {
		p.queueURL.Store(&o.queueURL)
	}
	return p
}

// Initialize resolves the queue URL. The process must not serve traffic when
// it fails.
func (p *Publisher) Initialize(ctx context.Context) error {
	if p.queueName == "" {
		return errors.New("queue: queue name is empty")
	}
	if !strings.HasSuffix(p.queueName, ".fifo") {
		p.logger.WarnContext(ctx, "queue is not a FIFO queue, per-group ordering is not guaranteed", "queue", p.queueName)
	}

	url, err := ResolveURL(ctx, p.client, p.queueName)
	if err != nil {
		return err
	}
	p.queueURL.Store(&url)

	p.logger.InfoContext(ctx, "queue initialized", "queue", p.queueName, "queue_url", url)
	return nil
}

// URLResolver is the part of the SQS API needed to look a queue up by name.
type URLResolver interface {
	GetQueueUrl(ctx context.Context, params *sqs.GetQueueUrlInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueUrlOutput, error)
}

// ResolveURL looks up the URL of the queue called name.
func ResolveURL(ctx context.Context, client URLResolver, name string) (string, error) {
	out, err := client.GetQueueUrl(ctx, &sqs.GetQueueUrlInput{QueueName: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("queue: resolve url for %s: %w", name, err)
	}
	url := aws.ToString(out.QueueUrl)
	if url == "" {
		return "", fmt.Errorf("queue: empty url returned for %s", name)
	}
	return url, nil
}

// QueueURL returns the resolved URL, or "" before Initialize.
func (p *Publisher) QueueURL() string {
	if u := p.queueURL.Load(); u != nil {
		return *u
	}
	return ""
}

// Publish enqueues env with MessageGroupId = GroupKey(env) and
// MessageDeduplicationId = env.EventID and returns the event ID. Failures are
// reported as upstream_queue_unavailable.
func (p *Publisher) Publish(ctx context.Context, env *types.WebhookEnvelope) (string, error) {
	queueURL := p.QueueURL()
	if queueURL == "" {
		return "", ErrNotInitialized
	}
	if env == nil || env.EventID == "" {
		return "", errors.New("queue: envelope has no event id")
	}

	msg, err := NewQueueMessage(env)
	if err != nil {
		return "", err
	}

	body, encoding, err := EncodeBody(msg.Body)
	if err != nil {
		return "", err
	}

	input := &sqs.SendMessageInput{
		QueueUrl:               aws.String(queueURL),
		MessageBody:            aws.String(body),
		MessageGroupId:         aws.String(msg.GroupKey),
		MessageDeduplicationId: aws.String(msg.DedupID),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			AttrSource: {
				DataType:    aws.String("String"),
				StringValue: aws.String(env.Source),
			},
			AttrEventID: {
				DataType:    aws.String("String"),
				StringValue: aws.String(env.EventID),
			},
		},
	}
	if encoding != "" {
		input.MessageAttributes[AttrContentEncoding] = sqsTypes.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(encoding),
		}
	}

	out, err := p.breaker.Execute(func() (*sqs.SendMessageOutput, error) {
		return p.client.SendMessage(ctx, input)
	})
	if err != nil {
		reason := "queue unavailable"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			reason = "queue circuit open"
		}
		return "", types.NewAppError(types.ErrCodeUpstreamQueueUnavailable, reason,
			fmt.Errorf("queue: send %s: %w", env.EventID, err))
	}

	p.logger.InfoContext(ctx, "envelope published",
		"event_id", env.EventID,
		"source", env.Source,
		"group_key", msg.GroupKey,
		"message_id", aws.ToString(out.MessageId),
		"content_encoding", encoding,
	)
	return env.EventID, nil
}

// Ping checks that the queue is reachable. Used as a health probe.
func (p *Publisher) Ping(ctx context.Context) error {
	queueURL := p.QueueURL()
	if queueURL == "" {
		return ErrNotInitialized
	}
	_, err := p.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(queueURL),
		AttributeNames: []sqsTypes.QueueAttributeName{sqsTypes.QueueAttributeNameApproximateNumberOfMessages},
	})
	return err
}

var _ types.EventPublisher = (*Publisher)(nil)

// NewQueueMessage builds the queue representation of env.
func NewQueueMessage(env *types.WebhookEnvelope) (types.QueueMessage, error) {
	// MarshalJSON directly: json.Marshal would compact the signed payload.
	body, err := env.MarshalJSON()
	if err != nil {
		return types.QueueMessage{}, fmt.Errorf("queue: marshal envelope %s: %w", env.EventID, err)
	}
	return types.QueueMessage{
		DedupID:  env.EventID,
		GroupKey: GroupKey(env),
		Body:     body,
	}, nil
}

// groupPayload is the only part of a platform body that determines ordering.
type groupPayload struct {
	Entry []struct {
		ID json.RawMessage `json:"id"`
	} `json:"entry"`
}

// GroupKey returns the ordering key for env: the id of the first entry in the
// payload (string or number). Events without one share the group
// "ungrouped:<source>" so they are still serialized per source.
func GroupKey(env *types.WebhookEnvelope) string {
	fallback := "ungrouped:" + env.Source

	var p groupPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil || len(p.Entry) == 0 {
		return fallback
	}

	id := entryID(p.Entry[0].ID)
	if id == "" {
		return fallback
	}
	if len(id) > maxGroupIDLen || !validGroupID(id) {
		sum := sha256.Sum256([]byte(id))
		return hex.EncodeToString(sum[:])
	}
	return id
}

func entryID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// validGroupID reports whether id only uses characters SQS accepts in a
// MessageGroupId (printable ASCII without space).
func validGroupID(id string) bool {
	for i := 0; i < len(id); i++ {
		if id[i] < '!' || id[i] > '~' {
			return false
		}
	}
	return true
}
