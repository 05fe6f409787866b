package worker

import (
	"context"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"

	"pagehook/internal/queue"
	"pagehook/internal/types"
)

// LambdaHandler processes SQS batches delivered by the Lambda event source
// mapping. Records are acknowledged by omission: the runtime deletes every
// record not listed in BatchItemFailures, so a failed record and everything
// after it in the same group is reported to keep group order intact.
type LambdaHandler struct {
	proc   *processor
	logger types.Logger
}

// NewLambdaHandler creates a LambdaHandler. metrics may be nil.
func NewLambdaHandler(dispatcher Dispatcher, handlerTimeout time.Duration, logger types.Logger, metrics Metrics) *LambdaHandler {
	return &LambdaHandler{
		logger: logger,
		proc: &processor{
			dispatcher:     dispatcher,
			metrics:        metrics,
			logger:         logger,
			handlerTimeout: handlerTimeout,
			concurrency:    maxBatchSize,
			now:            time.Now,
		},
	}
}

// HandleSQSEvent is the lambda.Start entrypoint.
func (h *LambdaHandler) HandleSQSEvent(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	batch := make([]delivery, 0, len(event.Records))
	for _, rec := range event.Records {
		batch = append(batch, delivery{
			MessageID:    rec.MessageId,
			GroupID:      rec.Attributes["MessageGroupId"],
			Body:         rec.Body,
			Encoding:     aws.ToString(rec.MessageAttributes[queue.AttrContentEncoding].StringValue),
			SentAt:       parseMillis(rec.Attributes["SentTimestamp"]),
			ReceiveCount: parseInt(rec.Attributes["ApproximateReceiveCount"]),
		})
	}

	failed := h.proc.processBatch(ctx, batch)

	resp := events.SQSEventResponse{}
	for _, id := range failed {
		resp.BatchItemFailures = append(resp.BatchItemFailures,
			events.SQSBatchItemFailure{ItemIdentifier: id},
		)
	}
	if len(failed) > 0 {
		h.logger.Warn("reporting partial batch failure",
			"records", len(batch),
			"failed", len(failed),
		)
	}
	return resp, nil
}
