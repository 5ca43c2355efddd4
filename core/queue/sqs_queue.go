package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"upgrade-orchestrator/core/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQSAPI is the subset of the SQS client the queue uses
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, in *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, in *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

// SQSOptions configures an SQSQueue
type SQSOptions struct {
	QueueURL          string
	VisibilityTimeout time.Duration
	// WaitTime is the long-poll duration, at most 20s
	WaitTime time.Duration
}

// SQSQueue dispatches jobs through AWS SQS
type SQSQueue struct {
	client     SQSAPI
	queueURL   string
	visibility int32
	wait       int32
	logger     *slog.Logger
}

// NewSQSClient builds an SQS client from the default AWS credential chain.
// endpoint overrides the service URL, e.g. for LocalStack.
func NewSQSClient(ctx context.Context, region, endpoint string) (*sqs.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	return sqs.NewFromConfig(cfg, func(o *sqs.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// NewSQSQueue wraps client
func NewSQSQueue(client SQSAPI, opts SQSOptions, logger *slog.Logger) (*SQSQueue, error) {
	if opts.QueueURL == "" {
		return nil, fmt.Errorf("sqs queue url is required")
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if opts.WaitTime > 20*time.Second {
		opts.WaitTime = 20 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &SQSQueue{
		client:     client,
		queueURL:   opts.QueueURL,
		visibility: int32(opts.VisibilityTimeout / time.Second),
		wait:       int32(opts.WaitTime / time.Second),
		logger:     logger,
	}, nil
}

// Push sends the descriptor as the message body
func (q *SQSQueue) Push(ctx context.Context, job models.JobDescriptor) error {
	body, err := Encode(job)
	if err != nil {
		return err
	}

	_, err = q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"ecosystem": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(job.Ecosystem)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to send sqs message: %w", err)
	}
	return nil
}

// Receive long-polls for up to max messages (SQS caps a batch at 10)
func (q *SQSQueue) Receive(ctx context.Context, max int) ([]Delivery, error) {
	if max <= 0 {
		max = 1
	}
	if max > 10 {
		max = 10
	}

	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(max),
		WaitTimeSeconds:     q.wait,
		VisibilityTimeout:   q.visibility,
		AttributeNames:      []types.QueueAttributeName{"ApproximateReceiveCount"},
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("failed to receive sqs messages: %w", err)
	}

	deliveries := make([]Delivery, 0, len(out.Messages))
	for _, msg := range out.Messages {
		receiptHandle := aws.ToString(msg.ReceiptHandle)

		job, err := Decode([]byte(aws.ToString(msg.Body)))
		if err != nil {
			q.logger.Error("dropping undecodable sqs message", "message_id", aws.ToString(msg.MessageId), "error", err)
			if err := q.delete(ctx, receiptHandle); err != nil {
				q.logger.Error("failed to drop sqs message", "message_id", aws.ToString(msg.MessageId), "error", err)
			}
			continue
		}

		attempts, _ := strconv.Atoi(msg.Attributes["ApproximateReceiveCount"])
		deliveries = append(deliveries, Delivery{Job: job, Receipt: receiptHandle, Attempts: attempts})
	}
	return deliveries, nil
}

// Ack deletes the message
func (q *SQSQueue) Ack(ctx context.Context, d Delivery) error {
	return q.delete(ctx, d.Receipt)
}

func (q *SQSQueue) delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("failed to delete sqs message: %w", err)
	}
	return nil
}

// Nack resets the visibility timeout so the message is redelivered now
func (q *SQSQueue) Nack(ctx context.Context, d Delivery) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(d.Receipt),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("failed to release sqs message: %w", err)
	}
	return nil
}

// Ping reads a queue attribute
func (q *SQSQueue) Ping(ctx context.Context) (bool, error) {
	_, err := q.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(q.queueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// Close is a no-op; the SDK client holds no connections that need closing
func (q *SQSQueue) Close() error { return nil }

var _ Queue = (*SQSQueue)(nil)
