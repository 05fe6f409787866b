package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

const (
	fifoSuffix = ".fifo"

	// Messages live for 4 days on the event queue and 14 on the DLQ.
	queueRetention = 4 * 24 * time.Hour
	dlqRetention   = 14 * 24 * time.Hour
)

// QueueAPI is the part of the SQS API the provisioner calls.
type QueueAPI interface {
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// Provisioner creates the queue pair and applies the schema.
type Provisioner struct {
	Queues            QueueAPI
	QueueName         string
	MaxReceiveCount   int
	VisibilityTimeout time.Duration
	// ApplySchema is nil when the database step is skipped.
	ApplySchema func(ctx context.Context) error
	DryRun      bool
	Out         io.Writer
	Logger      *slog.Logger
}

// ProvisionResult reports what exists after Run.
type ProvisionResult struct {
	QueueURL string
	DLQURL   string
	DLQArn   string
}

// DLQName derives the dead-letter queue name: "events.fifo" -> "events-dlq.fifo".
func DLQName(queueName string) string {
	return strings.TrimSuffix(queueName, fifoSuffix) + "-dlq" + fifoSuffix
}

type redrivePolicy struct {
	DeadLetterTargetArn string `json:"deadLetterTargetArn"`
	MaxReceiveCount     string `json:"maxReceiveCount"`
}

// QueueAttributes returns the attributes of the event queue. The queue
// deduplicates on the explicit dedup id and throttles per message group.
func (p *Provisioner) QueueAttributes(dlqArn string) (map[string]string, error) {
	policy, err := json.Marshal(redrivePolicy{
		DeadLetterTargetArn: dlqArn,
		MaxReceiveCount:     strconv.Itoa(p.MaxReceiveCount),
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{
		string(sqstypes.QueueAttributeNameFifoQueue):                 "true",
		string(sqstypes.QueueAttributeNameContentBasedDeduplication): "false",
		string(sqstypes.QueueAttributeNameDeduplicationScope):        "messageGroup",
		string(sqstypes.QueueAttributeNameFifoThroughputLimit):       "perMessageGroupId",
		string(sqstypes.QueueAttributeNameVisibilityTimeout):         seconds(p.VisibilityTimeout),
		string(sqstypes.QueueAttributeNameMessageRetentionPeriod):    seconds(queueRetention),
		string(sqstypes.QueueAttributeNameRedrivePolicy):             string(policy),
	}, nil
}

// DLQAttributes returns the attributes of the dead-letter queue.
func (p *Provisioner) DLQAttributes() map[string]string {
	return map[string]string{
		string(sqstypes.QueueAttributeNameFifoQueue):                 "true",
		string(sqstypes.QueueAttributeNameContentBasedDeduplication): "false",
		string(sqstypes.QueueAttributeNameMessageRetentionPeriod):    seconds(dlqRetention),
	}
}

// Run provisions the DLQ first so the event queue can name it in its redrive
// policy. CreateQueue is idempotent for identical attributes, so re-running
// against an existing environment changes nothing.
func (p *Provisioner) Run(ctx context.Context) (ProvisionResult, error) {
	var res ProvisionResult
	dlqName := DLQName(p.QueueName)

	if p.DryRun {
		p.printPlan(dlqName)
		return res, nil
	}

	dlqURL, err := p.createQueue(ctx, dlqName, p.DLQAttributes())
	if err != nil {
		return res, err
	}
	res.DLQURL = dlqURL

	attrs, err := p.Queues.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(dlqURL),
		AttributeNames: []sqstypes.QueueAttributeName{sqstypes.QueueAttributeNameQueueArn},
	})
	if err != nil {
		return res, fmt.Errorf("reading arn of %s: %w", dlqName, err)
	}
	res.DLQArn = attrs.Attributes[string(sqstypes.QueueAttributeNameQueueArn)]
	if res.DLQArn == "" {
		return res, fmt.Errorf("queue %s has no arn", dlqName)
	}

	queueAttrs, err := p.QueueAttributes(res.DLQArn)
	if err != nil {
		return res, err
	}
	res.QueueURL, err = p.createQueue(ctx, p.QueueName, queueAttrs)
	if err != nil {
		return res, err
	}

	if p.ApplySchema != nil {
		p.Logger.Info("applying database schema")
		if err := p.ApplySchema(ctx); err != nil {
			return res, fmt.Errorf("applying schema: %w", err)
		}
	}

	fmt.Fprintf(p.Out, "\n  Event queue:  %s\n  Dead letters: %s\n\n", res.QueueURL, res.DLQURL)
	return res, nil
}

func (p *Provisioner) createQueue(ctx context.Context, name string, attrs map[string]string) (string, error) {
	out, err := p.Queues.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(name),
		Attributes: attrs,
	})
	if err != nil {
		var exists *sqstypes.QueueNameExists
		if errors.As(err, &exists) {
			return "", fmt.Errorf("queue %s exists with different attributes; reconcile it manually: %w", name, err)
		}
		return "", fmt.Errorf("creating queue %s: %w", name, err)
	}
	url := aws.ToString(out.QueueUrl)
	p.Logger.Info("queue ready", "name", name, "url", url)
	return url, nil
}

func (p *Provisioner) printPlan(dlqName string) {
	fmt.Fprintln(p.Out, "Plan:")
	fmt.Fprintf(p.Out, "  1. create queue %s (retention %s)\n", dlqName, dlqRetention)
	fmt.Fprintf(p.Out, "  2. create queue %s (visibility %s, redrive after %d receives)\n",
		p.QueueName, p.VisibilityTimeout, p.MaxReceiveCount)
	if p.ApplySchema != nil {
		fmt.Fprintln(p.Out, "  3. apply database schema")
	}
}

func seconds(d time.Duration) string {
	return strconv.Itoa(int(d / time.Second))
}
