// Package sqs consumes email delivery notifications from an SQS queue.
// SES publishes delivery events to SNS, which fans into this queue; the
// consumer feeds each notification through the same reconciliation path
// as the HTTP webhook so both ingress routes share one state machine.
package sqs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"

	"github.com/tidewave/herald/internal/db"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// sqsAPI is the subset of the SQS client the consumer uses.
type sqsAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// EventHandler reconciles one raw provider notification.
type EventHandler interface {
	HandleProviderEvent(ctx context.Context, provider string, raw []byte) (int, error)
}

// Consumer long-polls the queue and reconciles email delivery
// notifications. Messages are deleted only after the handler returns
// without error, so transient failures redeliver.
type Consumer struct {
	client   sqsAPI
	queueURL string
	handler  EventHandler
	logger   *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, handler EventHandler, logger *zap.Logger) (*Consumer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{
		client:   sqs.NewFromConfig(awsCfg),
		queueURL: cfg.QueueURL,
		handler:  handler,
		logger:   logger,
	}, nil
}

// Run polls the queue until the context is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	c.logger.Info("sqs consumer started")

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("sqs consumer stopped")
			return
		default:
		}

		if err := c.poll(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				continue
			}
			c.logger.Error("sqs poll failed", zap.Error(err))

			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}
	}
}

// poll receives one batch and reconciles each notification.
func (c *Consumer) poll(ctx context.Context) error {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	})
	if err != nil {
		return fmt.Errorf("sqs receive failed: %w", err)
	}

	for _, m := range result.Messages {
		if m.Body == nil {
			continue
		}

		processed, err := c.handler.HandleProviderEvent(ctx, db.ProviderEmail, []byte(*m.Body))
		if err != nil {
			// Leave the message for redelivery after visibility timeout.
			c.logger.Error("failed to reconcile queued notification", zap.Error(err))
			continue
		}

		c.logger.Debug("queued notification reconciled",
			zap.Int("processed", processed),
		)

		if _, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(c.queueURL),
			ReceiptHandle: m.ReceiptHandle,
		}); err != nil {
			c.logger.Warn("failed to delete sqs message", zap.Error(err))
		}
	}

	return nil
}
