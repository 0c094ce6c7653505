package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/tidewave/herald/internal/delivery"
)

// Sentinel errors surfaced by the repository.
var (
	ErrCampaignNotFound = errors.New("campaign not found")
	ErrMessageNotFound  = errors.New("message not found")
	ErrTemplateNotFound = errors.New("template not found")

	// ErrDuplicateStatusEvent means a status event with the same
	// (message_id, new_status) pair already exists, i.e. a redelivered
	// webhook.
	ErrDuplicateStatusEvent = errors.New("duplicate status event")

	// ErrStatusConflict means a conditional status transition found the
	// row in a different state than expected. Raised for campaign
	// transitions and for message status updates that lost a race.
	ErrStatusConflict = errors.New("status conflict")
)

// Template is a stored message template. Definition holds the
// channel-specific layout (body/header/buttons with placeholders) and is
// decoded by the template package.
type Template struct {
	ID         uuid.UUID       `json:"id"`
	TenantID   uuid.UUID       `json:"tenant_id"`
	Name       string          `json:"name"`
	Channel    string          `json:"channel"`
	Definition json.RawMessage `json:"definition"`
}

// Repository handles database operations for campaigns, messages and
// their status-event audit trail.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateCampaign inserts a new campaign in draft status.
func (r *Repository) CreateCampaign(ctx context.Context, c *Campaign) error {
	query := `
		INSERT INTO campaigns (
			id, tenant_id, name, channel, status, template_id,
			variable_mapping, audience_filter, origin_campaign_id
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		c.ID,
		c.TenantID,
		c.Name,
		c.Channel,
		c.Status,
		c.TemplateID,
		c.VariableMapping,
		c.AudienceFilter,
		c.OriginCampaignID,
	).Scan(&c.CreatedAt, &c.UpdatedAt)

	if err != nil {
		r.logger.Error("failed to create campaign",
			zap.Error(err),
			zap.String("campaign_id", c.ID.String()),
		)
		return fmt.Errorf("insert campaign: %w", err)
	}

	return nil
}

// GetCampaign retrieves a campaign by ID.
func (r *Repository) GetCampaign(ctx context.Context, id uuid.UUID) (*Campaign, error) {
	query := `
		SELECT
			id, tenant_id, name, channel, status, template_id,
			variable_mapping, audience_filter, origin_campaign_id,
			created_at, updated_at
		FROM campaigns
		WHERE id = $1
	`

	var c Campaign
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&c.ID,
		&c.TenantID,
		&c.Name,
		&c.Channel,
		&c.Status,
		&c.TemplateID,
		&c.VariableMapping,
		&c.AudienceFilter,
		&c.OriginCampaignID,
		&c.CreatedAt,
		&c.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, ErrCampaignNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("query campaign: %w", err)
	}

	return &c, nil
}

// TransitionCampaignStatus moves a campaign from one status to another.
// The WHERE clause on the current status makes the transition safe under
// concurrent send attempts: the loser sees ErrStatusConflict.
func (r *Repository) TransitionCampaignStatus(ctx context.Context, id uuid.UUID, from, to string) error {
	query := `
		UPDATE campaigns
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`

	result, err := r.db.Pool().Exec(ctx, query, to, id, from)
	if err != nil {
		return fmt.Errorf("update campaign status: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrStatusConflict
	}

	r.logger.Info("campaign status transitioned",
		zap.String("campaign_id", id.String()),
		zap.String("from", from),
		zap.String("to", to),
	)

	return nil
}

// ListCampaignsByTenant retrieves campaigns for a tenant with pagination.
// Archived campaigns are filtered out of the default listing.
func (r *Repository) ListCampaignsByTenant(ctx context.Context, tenantID uuid.UUID, includeArchived bool, limit, offset int) ([]*Campaign, error) {
	query := `
		SELECT
			id, tenant_id, name, channel, status, template_id,
			variable_mapping, audience_filter, origin_campaign_id,
			created_at, updated_at
		FROM campaigns
		WHERE tenant_id = $1 AND ($2 OR status <> 'archived')
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, includeArchived, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query campaigns: %w", err)
	}
	defer rows.Close()

	var campaigns []*Campaign
	for rows.Next() {
		var c Campaign
		err := rows.Scan(
			&c.ID,
			&c.TenantID,
			&c.Name,
			&c.Channel,
			&c.Status,
			&c.TemplateID,
			&c.VariableMapping,
			&c.AudienceFilter,
			&c.OriginCampaignID,
			&c.CreatedAt,
			&c.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		campaigns = append(campaigns, &c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return campaigns, nil
}

// CampaignMessageStats returns message counts by status for a campaign.
func (r *Repository) CampaignMessageStats(ctx context.Context, campaignID uuid.UUID) (map[string]int, error) {
	query := `
		SELECT status, COUNT(*)
		FROM messages
		WHERE campaign_id = $1
		GROUP BY status
	`

	rows, err := r.db.Pool().Query(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query message stats: %w", err)
	}
	defer rows.Close()

	stats := map[string]int{"total": 0}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		stats[status] = count
		stats["total"] += count
	}

	return stats, rows.Err()
}

// CreateMessages inserts one message per recipient in a single
// transaction: either the whole fan-out lands or none of it does.
func (r *Repository) CreateMessages(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	query := `
		INSERT INTO messages (
			id, tenant_id, campaign_id, contact_id, channel, provider, status
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`

	for _, m := range msgs {
		err := tx.QueryRow(ctx, query,
			m.ID,
			m.TenantID,
			m.CampaignID,
			m.ContactID,
			m.Channel,
			m.Provider,
			m.Status,
		).Scan(&m.CreatedAt, &m.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("messages created",
		zap.String("campaign_id", msgs[0].CampaignID.String()),
		zap.Int("count", len(msgs)),
	)

	return nil
}

// RecordDispatchResult stores the outcome of one provider dispatch call.
func (r *Repository) RecordDispatchResult(ctx context.Context, id uuid.UUID, providerMessageID *string, status delivery.Status, errMsg *string) error {
	query := `
		UPDATE messages
		SET provider_message_id = $1, status = $2, error_message = $3, updated_at = NOW()
		WHERE id = $4
	`

	result, err := r.db.Pool().Exec(ctx, query, providerMessageID, status, errMsg, id)
	if err != nil {
		return fmt.Errorf("update message dispatch: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrMessageNotFound
	}

	return nil
}

// GetMessageByProviderID looks up the message a webhook refers to.
func (r *Repository) GetMessageByProviderID(ctx context.Context, provider, providerMessageID string) (*Message, error) {
	query := `
		SELECT
			id, tenant_id, campaign_id, contact_id, channel, provider,
			provider_message_id, status, error_message, created_at, updated_at
		FROM messages
		WHERE provider = $1 AND provider_message_id = $2
	`

	var m Message
	err := r.db.Pool().QueryRow(ctx, query, provider, providerMessageID).Scan(
		&m.ID,
		&m.TenantID,
		&m.CampaignID,
		&m.ContactID,
		&m.Channel,
		&m.Provider,
		&m.ProviderMessageID,
		&m.Status,
		&m.ErrorMessage,
		&m.CreatedAt,
		&m.UpdatedAt,
	)

	if err == pgx.ErrNoRows {
		return nil, ErrMessageNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("query message by provider id: %w", err)
	}

	return &m, nil
}

// UnreachedContactIDs returns the contacts of a campaign whose message
// never reached delivered or read, i.e. the resend audience.
func (r *Repository) UnreachedContactIDs(ctx context.Context, campaignID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT contact_id
		FROM messages
		WHERE campaign_id = $1 AND status NOT IN ('delivered', 'read')
		ORDER BY created_at ASC, contact_id ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, campaignID)
	if err != nil {
		return nil, fmt.Errorf("query unreached contacts: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan contact id: %w", err)
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// HasStatusEvent reports whether a (message_id, new_status) event already
// exists. This is the idempotency probe for redelivered webhooks.
func (r *Repository) HasStatusEvent(ctx context.Context, messageID uuid.UUID, newStatus delivery.Status) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM message_status_events
			WHERE message_id = $1 AND new_status = $2
		)
	`

	var exists bool
	if err := r.db.Pool().QueryRow(ctx, query, messageID, newStatus).Scan(&exists); err != nil {
		return false, fmt.Errorf("query status event: %w", err)
	}

	return exists, nil
}

// ApplyStatusChange appends a status event and updates the message status
// in one transaction. The unique constraint on (message_id, new_status)
// backstops the HasStatusEvent probe: a concurrent duplicate surfaces as
// ErrDuplicateStatusEvent instead of a second event row. The message
// update is conditional on oldStatus; a concurrent webhook that advanced
// the message first surfaces as ErrStatusConflict and the whole
// transaction, event row included, rolls back.
func (r *Repository) ApplyStatusChange(ctx context.Context, messageID uuid.UUID, oldStatus, newStatus delivery.Status, rawPayload json.RawMessage) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	insertQuery := `
		INSERT INTO message_status_events (
			id, message_id, old_status, new_status, raw_payload
		) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (message_id, new_status) DO NOTHING
	`

	result, err := tx.Exec(ctx, insertQuery, uuid.New(), messageID, oldStatus, newStatus, rawPayload)
	if err != nil {
		return fmt.Errorf("insert status event: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrDuplicateStatusEvent
	}

	updateQuery := `UPDATE messages SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`
	updated, err := tx.Exec(ctx, updateQuery, newStatus, messageID, oldStatus)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	if updated.RowsAffected() == 0 {
		return ErrStatusConflict
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Info("message status changed",
		zap.String("message_id", messageID.String()),
		zap.String("old_status", string(oldStatus)),
		zap.String("new_status", string(newStatus)),
	)

	return nil
}

// ListRecentStatusEvents returns the newest status events for diagnostics.
func (r *Repository) ListRecentStatusEvents(ctx context.Context, limit int) ([]*MessageStatusEvent, error) {
	query := `
		SELECT id, message_id, old_status, new_status, raw_payload, created_at
		FROM message_status_events
		ORDER BY created_at DESC
		LIMIT $1
	`

	rows, err := r.db.Pool().Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("query status events: %w", err)
	}
	defer rows.Close()

	var events []*MessageStatusEvent
	for rows.Next() {
		var ev MessageStatusEvent
		err := rows.Scan(
			&ev.ID,
			&ev.MessageID,
			&ev.OldStatus,
			&ev.NewStatus,
			&ev.RawPayload,
			&ev.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan status event: %w", err)
		}
		events = append(events, &ev)
	}

	return events, rows.Err()
}

// ResolveAudience applies a campaign's audience filter to the tenant's
// contacts and returns them in a stable order. Consent is checked per
// channel when the filter requires it.
func (r *Repository) ResolveAudience(ctx context.Context, tenantID uuid.UUID, filter AudienceFilter, channel string) ([]*Contact, error) {
	query := `
		SELECT DISTINCT c.id, c.tenant_id, c.phone, c.email, c.name,
			c.tag_ids, c.consent_whatsapp, c.consent_email, c.created_at
		FROM contacts c
		WHERE c.tenant_id = $1
			AND (cardinality($2::uuid[]) = 0 OR c.tag_ids && $2::uuid[])
			AND (
				NOT $3
				OR ($4 = 'whatsapp' AND c.consent_whatsapp)
				OR ($4 = 'email' AND c.consent_email)
			)
		ORDER BY c.created_at ASC, c.id ASC
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, filter.TagIDs, filter.OnlyConsented, channel)
	if err != nil {
		return nil, fmt.Errorf("query audience: %w", err)
	}
	defer rows.Close()

	var contacts []*Contact
	for rows.Next() {
		var c Contact
		err := rows.Scan(
			&c.ID,
			&c.TenantID,
			&c.Phone,
			&c.Email,
			&c.Name,
			&c.TagIDs,
			&c.ConsentWhatsApp,
			&c.ConsentEmail,
			&c.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		contacts = append(contacts, &c)
	}

	return contacts, rows.Err()
}

// GetContactsByIDs loads contacts preserving the order of ids.
func (r *Repository) GetContactsByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]*Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, tenant_id, phone, email, name,
			tag_ids, consent_whatsapp, consent_email, created_at
		FROM contacts
		WHERE tenant_id = $1 AND id = ANY($2)
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("query contacts: %w", err)
	}
	defer rows.Close()

	byID := make(map[uuid.UUID]*Contact, len(ids))
	for rows.Next() {
		var c Contact
		err := rows.Scan(
			&c.ID,
			&c.TenantID,
			&c.Phone,
			&c.Email,
			&c.Name,
			&c.TagIDs,
			&c.ConsentWhatsApp,
			&c.ConsentEmail,
			&c.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan contact: %w", err)
		}
		byID[c.ID] = &c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	contacts := make([]*Contact, 0, len(ids))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			contacts = append(contacts, c)
		}
	}

	return contacts, nil
}

// GetTemplate retrieves a template by ID.
func (r *Repository) GetTemplate(ctx context.Context, id uuid.UUID) (*Template, error) {
	query := `
		SELECT id, tenant_id, name, channel, definition
		FROM templates
		WHERE id = $1
	`

	var t Template
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&t.ID,
		&t.TenantID,
		&t.Name,
		&t.Channel,
		&t.Definition,
	)

	if err == pgx.ErrNoRows {
		return nil, ErrTemplateNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}

	return &t, nil
}
