package db

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/tidewave/herald/internal/delivery"
)

// Channel constants
const (
	ChannelWhatsApp = "whatsapp"
	ChannelEmail    = "email"
)

// Provider constants. The provider is the webhook source a message's
// delivery reports arrive from; provider_message_id is unique per provider.
const (
	ProviderWhatsApp = "whatsapp"
	ProviderEmail    = "email"
)

// Campaign status constants
const (
	CampaignStatusDraft    = "draft"
	CampaignStatusSending  = "sending"
	CampaignStatusSent     = "sent"
	CampaignStatusFailed   = "failed"
	CampaignStatusArchived = "archived"
)

// Tenant is the isolation boundary. A tenant's plan reference is fixed;
// a month's counters are charged against the plan in effect at send time.
type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	PlanID    uuid.UUID `json:"plan_id"`
	CreatedAt time.Time `json:"created_at"`
}

// Plan is immutable reference data declaring per-channel monthly caps.
type Plan struct {
	ID                       uuid.UUID `json:"id"`
	Name                     string    `json:"name"`
	WhatsAppMessagesPerMonth int       `json:"whatsapp_messages_per_month"`
	EmailMessagesPerMonth    int       `json:"email_messages_per_month"`
	MaxUsers                 int       `json:"max_users"`
	AIFeaturesEnabled        bool      `json:"ai_features_enabled"`
	APIEnabled               bool      `json:"api_enabled"`
}

// MessageLimit returns the plan's monthly cap for a channel.
func (p *Plan) MessageLimit(channel string) int {
	switch channel {
	case ChannelWhatsApp:
		return p.WhatsAppMessagesPerMonth
	case ChannelEmail:
		return p.EmailMessagesPerMonth
	default:
		return 0
	}
}

// UsageCounter tracks sent-message counts per tenant and calendar month.
// Counters only ever increase; a bounced send still consumed its slot.
type UsageCounter struct {
	TenantID             uuid.UUID `json:"tenant_id"`
	YearMonth            string    `json:"year_month"` // "2026-08"
	WhatsAppMessagesSent int       `json:"whatsapp_messages_sent"`
	EmailMessagesSent    int       `json:"email_messages_sent"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// Contact is a message recipient owned by a tenant.
type Contact struct {
	ID              uuid.UUID   `json:"id"`
	TenantID        uuid.UUID   `json:"tenant_id"`
	Phone           string      `json:"phone"`
	Email           string      `json:"email"`
	Name            string      `json:"name"`
	TagIDs          []uuid.UUID `json:"tag_ids"`
	ConsentWhatsApp bool        `json:"consent_whatsapp"`
	ConsentEmail    bool        `json:"consent_email"`
	CreatedAt       time.Time   `json:"created_at"`
}

// AudienceFilter selects the contacts a campaign fans out to.
type AudienceFilter struct {
	TagIDs        []uuid.UUID `json:"tag_ids,omitempty"`
	OnlyConsented bool        `json:"only_consented,omitempty"`
}

// Campaign fans out one template-rendered message per audience contact.
// Status transitions only through the send orchestrator (or archive).
type Campaign struct {
	ID               uuid.UUID       `json:"id"`
	TenantID         uuid.UUID       `json:"tenant_id"`
	Name             string          `json:"name"`
	Channel          string          `json:"channel"`
	Status           string          `json:"status"`
	TemplateID       uuid.UUID       `json:"template_id"`
	VariableMapping  json.RawMessage `json:"variable_mapping"`
	AudienceFilter   json.RawMessage `json:"audience_filter"`
	OriginCampaignID *uuid.UUID      `json:"origin_campaign_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Message is one recipient's slice of a campaign send. ProviderMessageID
// stays nil until the provider accepts the dispatch; once set it is the
// join key for webhook reconciliation.
type Message struct {
	ID                uuid.UUID       `json:"id"`
	TenantID          uuid.UUID       `json:"tenant_id"`
	CampaignID        uuid.UUID       `json:"campaign_id"`
	ContactID         uuid.UUID       `json:"contact_id"`
	Channel           string          `json:"channel"`
	Provider          string          `json:"provider"`
	ProviderMessageID *string         `json:"provider_message_id,omitempty"`
	Status            delivery.Status `json:"status"`
	ErrorMessage      *string         `json:"error_message,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// MessageStatusEvent is the append-only audit trail of delivery
// transitions. Never updated or deleted; the (message_id, new_status)
// pair is unique, which is what makes webhook redelivery idempotent.
type MessageStatusEvent struct {
	ID         uuid.UUID       `json:"id"`
	MessageID  uuid.UUID       `json:"message_id"`
	OldStatus  delivery.Status `json:"old_status"`
	NewStatus  delivery.Status `json:"new_status"`
	RawPayload json.RawMessage `json:"raw_payload,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
