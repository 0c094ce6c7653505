package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tidewave/herald/internal/db"
	"github.com/tidewave/herald/internal/delivery"
	"github.com/tidewave/herald/internal/metrics"
)

// MessageStore is the persistence the reconciler needs.
type MessageStore interface {
	GetMessageByProviderID(ctx context.Context, provider, providerMessageID string) (*db.Message, error)
	HasStatusEvent(ctx context.Context, messageID uuid.UUID, newStatus delivery.Status) (bool, error)
	ApplyStatusChange(ctx context.Context, messageID uuid.UUID, oldStatus, newStatus delivery.Status, rawPayload json.RawMessage) error
}

// EventPublisher receives applied status changes for downstream fan-out.
// Optional; a nil publisher disables it.
type EventPublisher interface {
	PublishStatusEvent(ctx context.Context, msg *db.Message, oldStatus, newStatus delivery.Status) error
}

// Reconciler advances messages through the delivery state machine from
// provider callbacks. It is the sole webhook-side writer of message
// status. Unknown provider ids and redelivered webhooks are absorbed,
// never fatal: providers redeliver on anything but a 2xx, and they can
// never resolve either condition by retrying.
type Reconciler struct {
	store     MessageStore
	publisher EventPublisher
	logger    *zap.Logger
}

// NewReconciler creates a webhook reconciler.
func NewReconciler(store MessageStore, publisher EventPublisher, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// HandleProviderEvent parses a provider callback and applies every status
// report it carries. Returns the number of reports that resulted in an
// actual state change. Per-report failures are scoped to that report and
// never abort siblings; only an unparseable payload is an error.
func (r *Reconciler) HandleProviderEvent(ctx context.Context, provider string, raw []byte) (int, error) {
	var (
		reports []StatusReport
		err     error
	)

	switch provider {
	case db.ProviderWhatsApp:
		reports, err = ParseWhatsApp(raw)
	case db.ProviderEmail:
		reports, err = ParseEmail(raw)
	default:
		return 0, fmt.Errorf("unknown provider: %s", provider)
	}

	if err != nil {
		return 0, err
	}

	processed := 0
	for _, report := range reports {
		if r.apply(ctx, provider, report, raw) {
			processed++
		}
	}

	return processed, nil
}

// maxApplyAttempts bounds the re-read loop when concurrent webhooks for
// the same message race each other.
const maxApplyAttempts = 3

// apply reconciles one normalized report. Returns true if the message
// actually changed state.
//
// The lattice check runs against a snapshot, so two webhooks carrying
// different statuses for the same message can both pass it. The
// conditional write in ApplyStatusChange catches the loser; it re-reads
// and re-applies the lattice against the winner's status, which either
// applies the report from the new state or rejects it as stale.
func (r *Reconciler) apply(ctx context.Context, provider string, report StatusReport, raw []byte) bool {
	for attempt := 0; attempt < maxApplyAttempts; attempt++ {
		applied, retry := r.applyOnce(ctx, provider, report, raw)
		if !retry {
			return applied
		}
	}

	r.logger.Warn("giving up on contended status report",
		zap.String("provider", provider),
		zap.String("provider_message_id", report.ProviderMessageID),
		zap.String("reported_status", string(report.Status)),
	)
	metrics.RecordWebhookEvent(provider, "error")
	return false
}

// applyOnce runs one reconciliation attempt. retry is true only when a
// concurrent status change invalidated this attempt's snapshot.
func (r *Reconciler) applyOnce(ctx context.Context, provider string, report StatusReport, raw []byte) (applied, retry bool) {
	msg, err := r.store.GetMessageByProviderID(ctx, provider, report.ProviderMessageID)
	if err != nil {
		if errors.Is(err, db.ErrMessageNotFound) {
			// Provider test payloads and races with not-yet-committed
			// dispatch records land here.
			r.logger.Info("webhook for unknown provider message id",
				zap.String("provider", provider),
				zap.String("provider_message_id", report.ProviderMessageID),
				zap.String("reported_status", string(report.Status)),
			)
			metrics.RecordWebhookEvent(provider, "unknown_id")
			return false, false
		}
		r.logger.Error("failed to look up message for webhook",
			zap.Error(err),
			zap.String("provider", provider),
			zap.String("provider_message_id", report.ProviderMessageID),
		)
		metrics.RecordWebhookEvent(provider, "error")
		return false, false
	}

	// Redelivered webhook: the same (message, status) pair was already
	// recorded. Absorbed silently.
	exists, err := r.store.HasStatusEvent(ctx, msg.ID, report.Status)
	if err != nil {
		r.logger.Error("idempotency check failed",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
		)
		metrics.RecordWebhookEvent(provider, "error")
		return false, false
	}
	if exists {
		metrics.RecordWebhookEvent(provider, "duplicate")
		return false, false
	}

	next, changed := delivery.Next(msg.Status, report.Status)
	if !changed {
		// Out-of-order report that the lattice rejects, e.g. `sent`
		// arriving after `delivered`. No event is recorded for these.
		metrics.RecordWebhookEvent(provider, "stale")
		return false, false
	}

	if err := r.store.ApplyStatusChange(ctx, msg.ID, msg.Status, next, raw); err != nil {
		if errors.Is(err, db.ErrDuplicateStatusEvent) {
			// Lost the race against a concurrent delivery of the same
			// webhook; the other one won.
			metrics.RecordWebhookEvent(provider, "duplicate")
			return false, false
		}
		if errors.Is(err, db.ErrStatusConflict) {
			// A webhook carrying a different status advanced the message
			// between our snapshot and the write. Re-read and re-decide.
			return false, true
		}
		r.logger.Error("failed to apply status change",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
			zap.String("new_status", string(next)),
		)
		metrics.RecordWebhookEvent(provider, "error")
		return false, false
	}

	metrics.RecordWebhookEvent(provider, "applied")

	if r.publisher != nil {
		if err := r.publisher.PublishStatusEvent(ctx, msg, msg.Status, next); err != nil {
			r.logger.Warn("failed to publish status event",
				zap.Error(err),
				zap.String("message_id", msg.ID.String()),
			)
		}
	}

	r.logger.Info("webhook status applied",
		zap.String("provider", provider),
		zap.String("message_id", msg.ID.String()),
		zap.String("old_status", string(msg.Status)),
		zap.String("new_status", string(next)),
		zap.Time("event_timestamp", report.Timestamp),
	)

	return true, false
}
