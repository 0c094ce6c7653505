// Package provider dispatches rendered messages to the external
// messaging providers. Senders are synchronous accept/reject only:
// an accepted send returns the provider message id that later joins the
// provider's webhooks back to our message row. Delivery itself is
// reported asynchronously and handled by the webhook reconciler.
package provider

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tidewave/herald/internal/db"
	"github.com/tidewave/herald/internal/template"
)

// Sender dispatches one rendered message to a provider.
type Sender interface {
	Send(ctx context.Context, msg *db.Message, rendered *template.RenderedMessage, contact *db.Contact) (string, error)
	SupportsChannel(channel string) bool
}

// MultiSender routes messages to the first sender supporting the channel.
type MultiSender struct {
	senders []Sender
	logger  *zap.Logger
}

// NewMultiSender creates a router over multiple channel senders.
func NewMultiSender(logger *zap.Logger, senders ...Sender) *MultiSender {
	return &MultiSender{
		senders: senders,
		logger:  logger,
	}
}

// Send routes the message to the appropriate sender based on channel.
func (m *MultiSender) Send(ctx context.Context, msg *db.Message, rendered *template.RenderedMessage, contact *db.Contact) (string, error) {
	for _, sender := range m.senders {
		if sender.SupportsChannel(msg.Channel) {
			m.logger.Debug("routing message to sender",
				zap.String("channel", msg.Channel),
				zap.String("message_id", msg.ID.String()),
			)
			return sender.Send(ctx, msg, rendered, contact)
		}
	}

	return "", fmt.Errorf("no sender found for channel: %s", msg.Channel)
}

// SupportsChannel checks if any underlying sender supports the channel.
func (m *MultiSender) SupportsChannel(channel string) bool {
	for _, sender := range m.senders {
		if sender.SupportsChannel(channel) {
			return true
		}
	}
	return false
}

// LogSender accepts every message and fabricates a provider id. For
// development and tests.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, msg *db.Message, rendered *template.RenderedMessage, contact *db.Contact) (string, error) {
	s.logger.Info("logging message (development mode)",
		zap.String("message_id", msg.ID.String()),
		zap.String("channel", msg.Channel),
		zap.String("contact_id", contact.ID.String()),
		zap.String("body", rendered.Body),
	)
	return "log-" + msg.ID.String(), nil
}

func (s *LogSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelWhatsApp || channel == db.ChannelEmail
}
