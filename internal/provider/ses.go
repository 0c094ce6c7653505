package provider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"

	"github.com/tidewave/herald/internal/db"
	"github.com/tidewave/herald/internal/template"
)

// SESConfig holds email provider settings.
type SESConfig struct {
	Region    string
	FromEmail string
}

// SESSender dispatches email campaign messages via AWS SES. The SES
// message id comes back later inside the SNS delivery notifications the
// email reconciler consumes.
type SESSender struct {
	client *ses.Client
	from   string
	logger *zap.Logger
}

// NewSESSender creates an SES email sender.
func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config: %w", err)
	}
	return &SESSender{
		client: ses.NewFromConfig(awsCfg),
		from:   cfg.FromEmail,
		logger: logger,
	}, nil
}

// Send sends the rendered message to the contact's email address.
func (s *SESSender) Send(ctx context.Context, msg *db.Message, rendered *template.RenderedMessage, contact *db.Contact) (string, error) {
	if msg.Channel != db.ChannelEmail {
		return "", fmt.Errorf("ses sender only supports email, got: %s", msg.Channel)
	}
	if contact.Email == "" {
		return "", fmt.Errorf("contact %s has no email address", contact.ID)
	}

	subject := rendered.Header
	if subject == "" {
		subject = rendered.Body
	}

	input := &ses.SendEmailInput{
		Source: aws.String(s.from),
		Destination: &types.Destination{
			ToAddresses: []string{contact.Email},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(rendered.Body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send failed: %w", err)
	}

	messageID := aws.ToString(result.MessageId)
	s.logger.Debug("email accepted by ses",
		zap.String("message_id", msg.ID.String()),
		zap.String("ses_message_id", messageID),
	)

	return messageID, nil
}

// SupportsChannel implements Sender.
func (s *SESSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelEmail
}
