package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/tidewave/herald/internal/db"
	"github.com/tidewave/herald/internal/provider"
	"github.com/tidewave/herald/internal/template"
)

// ProtectedSender wraps a provider.Sender with a CircuitBreaker. When
// the provider starts failing, the circuit opens and dispatch calls fail
// fast; the orchestrator records the affected recipient as
// dispatch_failed without aborting sibling recipients.
type ProtectedSender struct {
	sender  provider.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender provider.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts a dispatch through the circuit breaker.
func (p *ProtectedSender) Send(ctx context.Context, msg *db.Message, rendered *template.RenderedMessage, contact *db.Contact) (string, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected dispatch",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("message_id", msg.ID.String()),
			zap.String("channel", msg.Channel),
			zap.String("state", p.breaker.GetState().String()),
		)
		return "", fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	providerMessageID, err := p.sender.Send(ctx, msg, rendered, contact)
	if err != nil {
		p.breaker.RecordFailure()
		return "", err
	}

	p.breaker.RecordSuccess()
	return providerMessageID, nil
}

// SupportsChannel delegates to the underlying sender.
func (p *ProtectedSender) SupportsChannel(channel string) bool {
	return p.sender.SupportsChannel(channel)
}

// Breaker returns the underlying circuit breaker for monitoring.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
