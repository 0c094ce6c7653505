// Package campaign orchestrates campaign sends: state validation, quota
// reservation, per-recipient template resolution, message fan-out and
// provider dispatch.
package campaign

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tidewave/herald/internal/db"
	"github.com/tidewave/herald/internal/delivery"
	"github.com/tidewave/herald/internal/metrics"
	"github.com/tidewave/herald/internal/provider"
	"github.com/tidewave/herald/internal/quota"
	"github.com/tidewave/herald/internal/template"
)

// ErrInvalidState means the campaign is not in a state permitting the
// requested operation. Not retried; surfaced to the caller.
var ErrInvalidState = errors.New("campaign is not in a valid state for this operation")

// ErrEmptyAudience means the audience filter matched no contacts (or,
// for a resend, every recipient already reached delivered/read).
var ErrEmptyAudience = errors.New("campaign audience is empty")

// RecipientError pins a per-recipient resolution failure to the contact
// that caused it, so the caller can fix the data instead of retrying.
type RecipientError struct {
	ContactID uuid.UUID
	Err       error
}

func (e *RecipientError) Error() string {
	return fmt.Sprintf("recipient %s: %v", e.ContactID, e.Err)
}

func (e *RecipientError) Unwrap() error {
	return e.Err
}

// CampaignStore is the campaign persistence the orchestrator needs.
type CampaignStore interface {
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	CreateCampaign(ctx context.Context, c *db.Campaign) error
	TransitionCampaignStatus(ctx context.Context, id uuid.UUID, from, to string) error
}

// MessageStore persists the per-recipient message fan-out.
type MessageStore interface {
	CreateMessages(ctx context.Context, msgs []*db.Message) error
	RecordDispatchResult(ctx context.Context, id uuid.UUID, providerMessageID *string, status delivery.Status, errMsg *string) error
	UnreachedContactIDs(ctx context.Context, campaignID uuid.UUID) ([]uuid.UUID, error)
}

// ContactStore resolves campaign audiences.
type ContactStore interface {
	ResolveAudience(ctx context.Context, tenantID uuid.UUID, filter db.AudienceFilter, channel string) ([]*db.Contact, error)
	GetContactsByIDs(ctx context.Context, tenantID uuid.UUID, ids []uuid.UUID) ([]*db.Contact, error)
}

// TemplateStore loads message templates.
type TemplateStore interface {
	GetTemplate(ctx context.Context, id uuid.UUID) (*db.Template, error)
}

// Orchestrator runs the campaign send pipeline.
type Orchestrator struct {
	campaigns CampaignStore
	messages  MessageStore
	contacts  ContactStore
	templates TemplateStore
	ledger    quota.Ledger
	sender    provider.Sender

	dispatchTimeout time.Duration
	now             func() time.Time
	logger          *zap.Logger
}

// Config holds orchestrator tunables.
type Config struct {
	// DispatchTimeout bounds each per-recipient provider call. An expired
	// dispatch marks that recipient dispatch_failed instead of stalling
	// the campaign.
	DispatchTimeout time.Duration
}

// NewOrchestrator wires the send pipeline.
func NewOrchestrator(
	campaigns CampaignStore,
	messages MessageStore,
	contacts ContactStore,
	templates TemplateStore,
	ledger quota.Ledger,
	sender provider.Sender,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.DispatchTimeout == 0 {
		cfg.DispatchTimeout = 15 * time.Second
	}

	return &Orchestrator{
		campaigns:       campaigns,
		messages:        messages,
		contacts:        contacts,
		templates:       templates,
		ledger:          ledger,
		sender:          sender,
		dispatchTimeout: cfg.DispatchTimeout,
		now:             time.Now,
		logger:          logger,
	}
}

// SendResult summarizes a completed send attempt.
type SendResult struct {
	CampaignID     uuid.UUID `json:"campaign_id"`
	CampaignStatus string    `json:"campaign_status"`
	AudienceSize   int       `json:"audience_size"`
	Dispatched     int       `json:"dispatched"`
	DispatchFailed int       `json:"dispatch_failed"`
}

// Send runs the full send pipeline for a draft campaign.
//
// Step order is load-bearing: quota must be reserved before any message
// row exists, and every recipient must resolve before any message row
// exists. Validation and quota failures therefore abort with zero
// persistent mutations (the quota charge itself aside, see quota docs).
func (o *Orchestrator) Send(ctx context.Context, campaignID uuid.UUID) (*SendResult, error) {
	c, err := o.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	if c.Status != db.CampaignStatusDraft {
		return nil, fmt.Errorf("%w: campaign %s is %s, want draft", ErrInvalidState, c.ID, c.Status)
	}

	var filter db.AudienceFilter
	if len(c.AudienceFilter) > 0 {
		if err := json.Unmarshal(c.AudienceFilter, &filter); err != nil {
			return nil, fmt.Errorf("decode audience filter: %w", err)
		}
	}

	contacts, err := o.contacts.ResolveAudience(ctx, c.TenantID, filter, c.Channel)
	if err != nil {
		return nil, fmt.Errorf("resolve audience: %w", err)
	}

	return o.send(ctx, c, contacts)
}

// Resend creates a derived campaign targeting the subset of a sent
// campaign's recipients whose message never reached delivered or read,
// and runs the send pipeline against it. History is never mutated: the
// original campaign and its messages stay as they were.
func (o *Orchestrator) Resend(ctx context.Context, campaignID uuid.UUID) (*SendResult, error) {
	origin, err := o.campaigns.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	if origin.Status != db.CampaignStatusSent && origin.Status != db.CampaignStatusArchived {
		return nil, fmt.Errorf("%w: campaign %s is %s, want sent", ErrInvalidState, origin.ID, origin.Status)
	}

	ids, err := o.messages.UnreachedContactIDs(ctx, origin.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve resend audience: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: every recipient of %s was reached", ErrEmptyAudience, origin.ID)
	}

	contacts, err := o.contacts.GetContactsByIDs(ctx, origin.TenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("load resend contacts: %w", err)
	}

	derived := &db.Campaign{
		ID:               uuid.New(),
		TenantID:         origin.TenantID,
		Name:             origin.Name + " (resend)",
		Channel:          origin.Channel,
		Status:           db.CampaignStatusDraft,
		TemplateID:       origin.TemplateID,
		VariableMapping:  origin.VariableMapping,
		AudienceFilter:   origin.AudienceFilter,
		OriginCampaignID: &origin.ID,
	}

	if err := o.campaigns.CreateCampaign(ctx, derived); err != nil {
		return nil, fmt.Errorf("create resend campaign: %w", err)
	}

	o.logger.Info("resend campaign created",
		zap.String("origin_campaign_id", origin.ID.String()),
		zap.String("campaign_id", derived.ID.String()),
		zap.Int("audience_size", len(contacts)),
	)

	return o.send(ctx, derived, contacts)
}

// Archive moves a sent campaign to archived. Archived campaigns drop out
// of default listings but remain queryable.
func (o *Orchestrator) Archive(ctx context.Context, campaignID uuid.UUID) error {
	err := o.campaigns.TransitionCampaignStatus(ctx, campaignID, db.CampaignStatusSent, db.CampaignStatusArchived)
	if errors.Is(err, db.ErrStatusConflict) {
		return fmt.Errorf("%w: only sent campaigns can be archived", ErrInvalidState)
	}
	return err
}

func (o *Orchestrator) send(ctx context.Context, c *db.Campaign, contacts []*db.Contact) (*SendResult, error) {
	audienceSize := len(contacts)
	if audienceSize == 0 {
		return nil, ErrEmptyAudience
	}

	// Reserve the whole audience or nothing. Partial sends would silently
	// truncate a campaign, so granted < N fails the send outright.
	month := quota.MonthKey(o.now())
	granted, err := o.ledger.ReserveCapacity(ctx, c.TenantID, c.Channel, audienceSize, month)
	if err != nil {
		return nil, fmt.Errorf("reserve quota: %w", err)
	}
	if granted < audienceSize {
		metrics.RecordQuotaRejection(c.TenantID.String(), c.Channel)
		return nil, &quota.ExceededError{
			Channel:   c.Channel,
			Requested: audienceSize,
			Granted:   granted,
		}
	}

	rendered, err := o.resolveAll(ctx, c, contacts)
	if err != nil {
		return nil, err
	}

	// From here on the campaign leaves draft. The conditional transition
	// is the re-entrancy guard: a concurrent Send loses here.
	if err := o.campaigns.TransitionCampaignStatus(ctx, c.ID, c.Status, db.CampaignStatusSending); err != nil {
		if errors.Is(err, db.ErrStatusConflict) {
			return nil, fmt.Errorf("%w: campaign %s was sent concurrently", ErrInvalidState, c.ID)
		}
		return nil, err
	}

	msgs := make([]*db.Message, audienceSize)
	for i, contact := range contacts {
		msgs[i] = &db.Message{
			ID:         uuid.New(),
			TenantID:   c.TenantID,
			CampaignID: c.ID,
			ContactID:  contact.ID,
			Channel:    c.Channel,
			Provider:   providerFor(c.Channel),
			Status:     delivery.StatusQueued,
		}
	}

	if err := o.messages.CreateMessages(ctx, msgs); err != nil {
		_ = o.campaigns.TransitionCampaignStatus(ctx, c.ID, db.CampaignStatusSending, db.CampaignStatusFailed)
		return nil, fmt.Errorf("create messages: %w", err)
	}

	result := &SendResult{
		CampaignID:   c.ID,
		AudienceSize: audienceSize,
	}

	for i, msg := range msgs {
		if o.dispatch(ctx, msg, rendered[i], contacts[i]) {
			result.Dispatched++
		} else {
			result.DispatchFailed++
		}
	}

	final := db.CampaignStatusSent
	if result.Dispatched == 0 {
		final = db.CampaignStatusFailed
	}
	if err := o.campaigns.TransitionCampaignStatus(ctx, c.ID, db.CampaignStatusSending, final); err != nil {
		return nil, fmt.Errorf("finalize campaign status: %w", err)
	}
	result.CampaignStatus = final
	metrics.RecordCampaignSend(final, c.Channel)

	o.logger.Info("campaign send completed",
		zap.String("campaign_id", c.ID.String()),
		zap.String("status", final),
		zap.Int("audience_size", result.AudienceSize),
		zap.Int("dispatched", result.Dispatched),
		zap.Int("dispatch_failed", result.DispatchFailed),
	)

	return result, nil
}

// resolveAll renders the message for every recipient before anything is
// persisted. The first failure aborts the whole send, naming the
// offending contact and slot.
func (o *Orchestrator) resolveAll(ctx context.Context, c *db.Campaign, contacts []*db.Contact) ([]*template.RenderedMessage, error) {
	rec, err := o.templates.GetTemplate(ctx, c.TemplateID)
	if err != nil {
		return nil, err
	}

	tmpl, err := template.Parse(rec.Definition)
	if err != nil {
		return nil, err
	}

	mapping, err := template.ParseMapping(c.VariableMapping)
	if err != nil {
		return nil, err
	}

	rendered := make([]*template.RenderedMessage, len(contacts))
	for i, contact := range contacts {
		r, err := template.Resolve(tmpl, mapping, *contact)
		if err != nil {
			return nil, &RecipientError{ContactID: contact.ID, Err: err}
		}
		rendered[i] = r
	}

	return rendered, nil
}

// dispatch sends one message to the provider under a bounded timeout and
// records the outcome. Returns true if the provider accepted the send.
// A failed dispatch never aborts sibling recipients.
func (o *Orchestrator) dispatch(ctx context.Context, msg *db.Message, rendered *template.RenderedMessage, contact *db.Contact) bool {
	dispatchCtx, cancel := context.WithTimeout(ctx, o.dispatchTimeout)
	defer cancel()

	start := o.now()
	providerMessageID, err := o.sender.Send(dispatchCtx, msg, rendered, contact)
	metrics.ObserveDispatchDuration(msg.Channel, time.Since(start))

	if err != nil {
		errMsg := err.Error()
		o.logger.Warn("dispatch failed",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
			zap.String("contact_id", contact.ID.String()),
		)
		if dbErr := o.messages.RecordDispatchResult(ctx, msg.ID, nil, delivery.StatusDispatchFailed, &errMsg); dbErr != nil {
			o.logger.Error("failed to record dispatch failure",
				zap.Error(dbErr),
				zap.String("message_id", msg.ID.String()),
			)
		}
		metrics.RecordDispatch(msg.Channel, "failed")
		return false
	}

	if dbErr := o.messages.RecordDispatchResult(ctx, msg.ID, &providerMessageID, delivery.StatusSentToProvider, nil); dbErr != nil {
		o.logger.Error("failed to record dispatch result",
			zap.Error(dbErr),
			zap.String("message_id", msg.ID.String()),
		)
	}
	metrics.RecordDispatch(msg.Channel, "accepted")
	return true
}

func providerFor(channel string) string {
	if channel == db.ChannelWhatsApp {
		return db.ProviderWhatsApp
	}
	return db.ProviderEmail
}
