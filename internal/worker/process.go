package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"pagehook/internal/queue"
	"pagehook/internal/types"
)

// Processing outcomes reported to Metrics.
const (
	ResultSuccess       = "success"
	ResultHandlerError  = "handler_error"
	ResultPoison        = "poison"
	ResultUnknownSource = "unknown_source"
	ResultAckError      = "ack_error"
	ResultSkipped       = "skipped"
)

// SourceUnknown is reported for messages whose envelope was never decoded.
const SourceUnknown = "unknown"

// Metrics receives per-message processing telemetry.
type Metrics interface {
	RecordMessage(ctx context.Context, source, result string, latency time.Duration)
	RecordQueueLag(ctx context.Context, lag time.Duration)
}

// Dispatcher routes an envelope to its domain handler.
type Dispatcher interface {
	Dispatch(ctx context.Context, env *types.WebhookEnvelope) error
}

// delivery is one queue message, independent of how it was received.
type delivery struct {
	MessageID    string
	GroupID      string
	Body         string
	Encoding     string
	SentAt       time.Time
	ReceiveCount int
	// ack deletes the message. nil when the runtime acknowledges on our
	// behalf (Lambda deletes every record not reported as failed).
	ack func(ctx context.Context) error
}

// processor holds what the poller and the Lambda adapter share.
type processor struct {
	dispatcher     Dispatcher
	metrics        Metrics
	logger         types.Logger
	handlerTimeout time.Duration
	concurrency    int
	now            func() time.Time
}

// processBatch partitions batch by group, preserving delivery order inside
// each group. Groups run concurrently; messages of one group run one after
// another and the first failure leaves the rest of that group untouched so
// the broker redelivers them after it. The IDs of every message that was not
// acknowledged are returned.
func (p *processor) processBatch(ctx context.Context, batch []delivery) []string {
	groups, order := partition(batch)

	var (
		mu     sync.Mutex
		failed = make(map[string]struct{})
	)

	g := new(errgroup.Group)
	if p.concurrency > 0 {
		g.SetLimit(p.concurrency)
	}
	for _, key := range order {
		msgs := groups[key]
		g.Go(func() error {
			ids := p.processGroup(ctx, msgs)
			if len(ids) > 0 {
				mu.Lock()
				for _, id := range ids {
					failed[id] = struct{}{}
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	// Report failures in delivery order.
	out := make([]string, 0, len(failed))
	for _, d := range batch {
		if _, ok := failed[d.MessageID]; ok {
			out = append(out, d.MessageID)
		}
	}
	return out
}

func (p *processor) processGroup(ctx context.Context, msgs []delivery) []string {
	for i, d := range msgs {
		if err := p.processMessage(ctx, d); err != nil {
			skipped := msgs[i+1:]
			if len(skipped) > 0 {
				p.logger.Warn("leaving later messages of group for redelivery",
					"group_id", d.GroupID,
					"failed_message_id", d.MessageID,
					"skipped", len(skipped),
				)
			}
			ids := []string{d.MessageID}
			for _, s := range skipped {
				p.record(ctx, SourceUnknown, ResultSkipped, 0)
				ids = append(ids, s.MessageID)
			}
			return ids
		}
	}
	return nil
}

// processMessage parses, dispatches and acknowledges one message. A non-nil
// error means the message was left on the queue.
func (p *processor) processMessage(ctx context.Context, d delivery) error {
	start := p.now()
	if !d.SentAt.IsZero() {
		p.recordLag(ctx, start.Sub(d.SentAt))
	}

	var env types.WebhookEnvelope
	body, err := queue.DecodeBody(d.Body, d.Encoding)
	if err == nil {
		err = json.Unmarshal(body, &env)
	}
	if err != nil {
		p.logger.Error("poison message left for dead-lettering",
			"message_id", d.MessageID,
			"group_id", d.GroupID,
			"receive_count", d.ReceiveCount,
			"error", err.Error(),
		)
		p.record(ctx, SourceUnknown, ResultPoison, p.now().Sub(start))
		return fmt.Errorf("parse message %s: %w", d.MessageID, err)
	}

	logger := p.logger.With(
		"message_id", d.MessageID,
		"event_id", env.EventID,
		"source", env.Source,
		"group_id", d.GroupID,
		"receive_count", d.ReceiveCount,
	)

	hctx := types.WithLogger(ctx, logger)
	var cancel context.CancelFunc = func() {}
	if p.handlerTimeout > 0 {
		hctx, cancel = context.WithTimeout(hctx, p.handlerTimeout)
	}
	err = p.dispatch(hctx, &env)
	cancel()

	if err != nil {
		result := ResultHandlerError
		if errors.Is(err, ErrUnknownSource) {
			result = ResultUnknownSource
		}
		logger.Error("handler failed, message left for redelivery", "error", err.Error())
		p.record(ctx, env.Source, result, p.now().Sub(start))
		return err
	}

	if d.ack != nil {
		if err := d.ack(ctx); err != nil {
			logger.Error("failed to delete processed message", "error", err.Error())
			p.record(ctx, env.Source, ResultAckError, p.now().Sub(start))
			return fmt.Errorf("ack message %s: %w", d.MessageID, err)
		}
	}

	logger.Info("message processed", "duration_ms", p.now().Sub(start).Milliseconds())
	p.record(ctx, env.Source, ResultSuccess, p.now().Sub(start))
	return nil
}

// dispatch converts a handler panic into an error so one bad payload cannot
// take the worker down.
func (p *processor) dispatch(ctx context.Context, env *types.WebhookEnvelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.dispatcher.Dispatch(ctx, env)
}

func (p *processor) record(ctx context.Context, source, result string, latency time.Duration) {
	if p.metrics != nil {
		p.metrics.RecordMessage(ctx, source, result, latency)
	}
}

func (p *processor) recordLag(ctx context.Context, lag time.Duration) {
	if p.metrics != nil && lag >= 0 {
		p.metrics.RecordQueueLag(ctx, lag)
	}
}

// partition groups deliveries by GroupID. order lists group IDs by first
// appearance so scheduling is deterministic.
func partition(batch []delivery) (map[string][]delivery, []string) {
	groups := make(map[string][]delivery)
	var order []string
	for _, d := range batch {
		if _, ok := groups[d.GroupID]; !ok {
			order = append(order, d.GroupID)
		}
		groups[d.GroupID] = append(groups[d.GroupID], d)
	}
	return groups, order
}

// parseMillis parses SQS's SentTimestamp (epoch milliseconds).
func parseMillis(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func parseInt(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
