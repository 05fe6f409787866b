package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"pagehook/internal/queue"
	"pagehook/internal/types"
)

// SQSReceiver is the subset of the SQS client the poller needs.
type SQSReceiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Config tunes the poller.
type Config struct {
	QueueURL          string
	BatchSize         int32
	WaitTime          time.Duration
	VisibilityTimeout time.Duration
	HandlerTimeout    time.Duration
	MaxBackoff        time.Duration
}

const (
	maxBatchSize   = 10
	minBackoff     = 500 * time.Millisecond
	defaultBackoff = 30 * time.Second
)

// Consumer long-polls the queue and processes each batch. A message is
// deleted only after its handler succeeded; anything else is left to the
// visibility timeout and, eventually, the dead-letter queue.
type Consumer struct {
	client SQSReceiver
	cfg    Config
	proc   *processor
	logger types.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// ConsumerOption customizes a Consumer.
type ConsumerOption func(*Consumer)

// WithClock replaces time.Now for latency and lag measurement.
func WithClock(now func() time.Time) ConsumerOption {
	return func(c *Consumer) { c.proc.now = now }
}

// withSleep replaces the backoff wait in tests.
func withSleep(fn func(ctx context.Context, d time.Duration) error) ConsumerOption {
	return func(c *Consumer) { c.sleep = fn }
}

// NewConsumer creates a Consumer. metrics may be nil.
func NewConsumer(client SQSReceiver, dispatcher Dispatcher, cfg Config, logger types.Logger, metrics Metrics, opts ...ConsumerOption) *Consumer {
	if cfg.BatchSize <= 0 || cfg.BatchSize > maxBatchSize {
		cfg.BatchSize = maxBatchSize
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultBackoff
	}
	c := &Consumer{
		client: client,
		cfg:    cfg,
		logger: logger,
		proc: &processor{
			dispatcher:     dispatcher,
			metrics:        metrics,
			logger:         logger,
			handlerTimeout: cfg.HandlerTimeout,
			concurrency:    int(cfg.BatchSize),
			now:            time.Now,
		},
		sleep: sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run polls until ctx is cancelled. A batch already received is always
// finished, even after cancellation, so no handler is interrupted midway.
func (c *Consumer) Run(ctx context.Context) error {
	if c.cfg.QueueURL == "" {
		return errors.New("worker: queue URL is required")
	}
	c.logger.Info("consumer started",
		"queue_url", c.cfg.QueueURL,
		"batch_size", c.cfg.BatchSize,
	)

	var failures int
	for {
		if ctx.Err() != nil {
			c.logger.Info("consumer stopped")
			return nil
		}

		if _, err := c.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopped")
				return nil
			}
			failures++
			wait := backoff(failures, c.cfg.MaxBackoff)
			c.logger.Warn("receive failed, backing off",
				"error", err.Error(),
				"attempt", failures,
				"backoff", wait.String(),
			)
			if err := c.sleep(ctx, wait); err != nil {
				c.logger.Info("consumer stopped")
				return nil
			}
			continue
		}
		failures = 0
	}
}

// PollOnce receives and processes a single batch. It returns the number of
// messages received.
func (c *Consumer) PollOnce(ctx context.Context) (int, error) {
	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.cfg.QueueURL),
		MaxNumberOfMessages: c.cfg.BatchSize,
		WaitTimeSeconds:     int32(c.cfg.WaitTime / time.Second),
		VisibilityTimeout:   int32(c.cfg.VisibilityTimeout / time.Second),
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{
			sqstypes.MessageSystemAttributeNameMessageGroupId,
			sqstypes.MessageSystemAttributeNameApproximateReceiveCount,
			sqstypes.MessageSystemAttributeNameSentTimestamp,
		},
		MessageAttributeNames: []string{queue.AttrContentEncoding},
	})
	if err != nil {
		return 0, fmt.Errorf("receive messages: %w", err)
	}
	if len(out.Messages) == 0 {
		return 0, nil
	}

	batch := make([]delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		batch = append(batch, c.toDelivery(m))
	}

	// Handlers run to completion regardless of shutdown.
	c.proc.processBatch(context.WithoutCancel(ctx), batch)
	return len(batch), nil
}

func (c *Consumer) toDelivery(m sqstypes.Message) delivery {
	attrs := m.Attributes
	receipt := aws.ToString(m.ReceiptHandle)
	return delivery{
		MessageID:    aws.ToString(m.MessageId),
		GroupID:      attrs[string(sqstypes.MessageSystemAttributeNameMessageGroupId)],
		Body:         aws.ToString(m.Body),
		Encoding:     aws.ToString(m.MessageAttributes[queue.AttrContentEncoding].StringValue),
		SentAt:       parseMillis(attrs[string(sqstypes.MessageSystemAttributeNameSentTimestamp)]),
		ReceiveCount: parseInt(attrs[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]),
		ack: func(ctx context.Context) error {
			_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
				QueueUrl:      aws.String(c.cfg.QueueURL),
				ReceiptHandle: aws.String(receipt),
			})
			return err
		},
	}
}

// backoff doubles from minBackoff per consecutive failure, capped at ceiling.
func backoff(attempt int, ceiling time.Duration) time.Duration {
	d := minBackoff
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
