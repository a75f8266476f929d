package worker

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/nimishmehta8779/multi-eks-cluster-scheduler/internal/awsclients"
)

const (
	receiveBatchSize   = 10
	receiveWaitSeconds = 20

	defaultVisibilityTimeout = 900
)

// ConsumerConfig configures a Consumer.
type ConsumerConfig struct {
	Logger   *zap.Logger
	SQS      awsclients.SQSAPI
	QueueURL string
	Worker   *Worker
	// VisibilityTimeout is the per-receive visibility extension in seconds.
	// Zero uses the default of 900.
	VisibilityTimeout int
}

// Consumer long-polls the task queue outside Lambda. Successfully processed
// messages are deleted; failed ones are left to reappear after the
// visibility timeout.
type Consumer struct {
	lg                *zap.Logger
	sqsClient         awsclients.SQSAPI
	queueURL          string
	worker            *Worker
	visibilityTimeout int32
}

// NewConsumer creates a Consumer.
func NewConsumer(cfg ConsumerConfig) (*Consumer, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("missing logger")
	}
	if cfg.SQS == nil {
		return nil, fmt.Errorf("missing SQS client")
	}
	if cfg.QueueURL == "" {
		return nil, fmt.Errorf("missing queue URL")
	}
	if cfg.Worker == nil {
		return nil, fmt.Errorf("missing worker")
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = defaultVisibilityTimeout
	}
	return &Consumer{
		lg:                cfg.Logger,
		sqsClient:         cfg.SQS,
		queueURL:          cfg.QueueURL,
		worker:            cfg.Worker,
		visibilityTimeout: int32(visibility),
	}, nil
}

// Run polls until the context is canceled.
func (c *Consumer) Run(ctx context.Context) error {
	c.lg.Info("consuming task queue", zap.String("queue_url", c.queueURL))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := c.pollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.lg.Error("poll failed", zap.Error(err))
		}
	}
}

func (c *Consumer) pollOnce(ctx context.Context) error {
	out, err := c.sqsClient.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: receiveBatchSize,
		WaitTimeSeconds:     receiveWaitSeconds,
		VisibilityTimeout:   c.visibilityTimeout,
	})
	if err != nil {
		return err
	}

	for _, sqsMsg := range out.Messages {
		msg, err := ParseMessage(aws.ToString(sqsMsg.Body))
		if err != nil {
			c.lg.Error("failed to decode message",
				zap.String("message_id", aws.ToString(sqsMsg.MessageId)),
				zap.Error(err),
			)
			// Undecodable messages will never succeed; drop them.
			c.delete(ctx, sqsMsg.ReceiptHandle)
			continue
		}
		if err := c.worker.ProcessMessage(ctx, msg); err != nil {
			c.lg.Error("message processing failed, leaving for redelivery",
				zap.String("message_id", aws.ToString(sqsMsg.MessageId)),
				zap.Error(err),
			)
			continue
		}
		c.delete(ctx, sqsMsg.ReceiptHandle)
	}
	return nil
}

func (c *Consumer) delete(ctx context.Context, receiptHandle *string) {
	_, err := c.sqsClient.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: receiptHandle,
	})
	if err != nil {
		c.lg.Error("failed to delete message", zap.Error(err))
	}
}
