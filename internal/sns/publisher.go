// Package sns fans out applied delivery status changes to an SNS topic
// so downstream consumers (analytics, CRM sync) can react without
// polling the events endpoint.
package sns

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/tidewave/herald/internal/db"
	"github.com/tidewave/herald/internal/delivery"
)

// Publisher publishes message status change events to an SNS topic.
type Publisher struct {
	client   *sns.Client
	topicARN string
}

// StatusEvent is the payload published per applied status change.
type StatusEvent struct {
	MessageID  string `json:"message_id"`
	CampaignID string `json:"campaign_id"`
	ContactID  string `json:"contact_id"`
	Channel    string `json:"channel"`
	OldStatus  string `json:"old_status"`
	NewStatus  string `json:"new_status"`
	OccurredAt int64  `json:"occurred_at"`
}

// NewPublisher creates an SNS publisher for the given topic.
func NewPublisher(ctx context.Context, region, topicARN string) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &Publisher{
		client:   sns.NewFromConfig(cfg),
		topicARN: topicARN,
	}, nil
}

// NewPublisherWithEndpoint creates a publisher with custom endpoint (for LocalStack).
func NewPublisherWithEndpoint(ctx context.Context, region, topicARN, endpoint string) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})

	return &Publisher{
		client:   client,
		topicARN: topicARN,
	}, nil
}

// PublishStatusEvent publishes one applied status change. Channel and
// new status ride along as message attributes so subscribers can filter
// without decoding the body.
func (p *Publisher) PublishStatusEvent(ctx context.Context, msg *db.Message, oldStatus, newStatus delivery.Status) error {
	event := StatusEvent{
		MessageID:  msg.ID.String(),
		CampaignID: msg.CampaignID.String(),
		ContactID:  msg.ContactID.String(),
		Channel:    msg.Channel,
		OldStatus:  string(oldStatus),
		NewStatus:  string(newStatus),
		OccurredAt: time.Now().Unix(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal status event: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(payload)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"channel": {
				DataType:    aws.String("String"),
				StringValue: aws.String(msg.Channel),
			},
			"new_status": {
				DataType:    aws.String("String"),
				StringValue: aws.String(string(newStatus)),
			},
		},
	}

	if _, err := p.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	return nil
}
