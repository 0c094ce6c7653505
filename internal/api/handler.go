package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tidewave/herald/internal/campaign"
	"github.com/tidewave/herald/internal/db"
	"github.com/tidewave/herald/internal/quota"
	"github.com/tidewave/herald/internal/redis"
	"github.com/tidewave/herald/internal/webhook"
)

// maxWebhookBody caps webhook payload reads. Provider callbacks are
// small; anything past this is garbage or abuse.
const maxWebhookBody = 1 << 20

// CampaignRepository defines the campaign read operations the API needs.
type CampaignRepository interface {
	CreateCampaign(ctx context.Context, c *db.Campaign) error
	GetCampaign(ctx context.Context, id uuid.UUID) (*db.Campaign, error)
	ListCampaignsByTenant(ctx context.Context, tenantID uuid.UUID, includeArchived bool, limit, offset int) ([]*db.Campaign, error)
	CampaignMessageStats(ctx context.Context, campaignID uuid.UUID) (map[string]int, error)
	ListRecentStatusEvents(ctx context.Context, limit int) ([]*db.MessageStatusEvent, error)
}

// CampaignService runs the send pipeline.
type CampaignService interface {
	Send(ctx context.Context, campaignID uuid.UUID) (*campaign.SendResult, error)
	Resend(ctx context.Context, campaignID uuid.UUID) (*campaign.SendResult, error)
	Archive(ctx context.Context, campaignID uuid.UUID) error
}

// WebhookReconciler ingests raw provider callbacks.
type WebhookReconciler interface {
	HandleProviderEvent(ctx context.Context, provider string, raw []byte) (int, error)
}

// CampaignRequest represents the incoming campaign creation body.
type CampaignRequest struct {
	TenantID        string          `json:"tenant_id"`
	Name            string          `json:"name"`
	Channel         string          `json:"channel"`
	TemplateID      string          `json:"template_id"`
	VariableMapping json.RawMessage `json:"variable_mapping"`
	AudienceFilter  json.RawMessage `json:"audience_filter"`
}

// CampaignDetail is a campaign with its per-status message counts.
type CampaignDetail struct {
	*db.Campaign
	Stats map[string]int `json:"stats"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	repo        CampaignRepository
	service     CampaignService
	reconciler  WebhookReconciler
	idempotency *redis.IdempotencyService // nil if Redis not configured
	verifyToken string
}

// NewHandler creates a new API handler.
func NewHandler(logger *zap.Logger, repo CampaignRepository, service CampaignService, reconciler WebhookReconciler, verifyToken string) *Handler {
	return &Handler{
		logger:      logger,
		repo:        repo,
		service:     service,
		reconciler:  reconciler,
		idempotency: nil, // Idempotency disabled by default
		verifyToken: verifyToken,
	}
}

// NewHandlerWithIdempotency creates a handler with idempotency support.
func NewHandlerWithIdempotency(logger *zap.Logger, repo CampaignRepository, service CampaignService, reconciler WebhookReconciler, verifyToken string, idempotency *redis.IdempotencyService) *Handler {
	h := NewHandler(logger, repo, service, reconciler, verifyToken)
	h.idempotency = idempotency
	return h
}

// CreateCampaign handles POST /v1/campaigns
func (h *Handler) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.TenantID == "" || req.Name == "" || req.Channel == "" || req.TemplateID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "tenant_id, name, channel, and template_id are required")
		return
	}

	if req.Channel != db.ChannelWhatsApp && req.Channel != db.ChannelEmail {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be whatsapp or email")
		return
	}

	tenantID, err := uuid.Parse(req.TenantID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id", "tenant_id must be a valid UUID")
		return
	}

	templateID, err := uuid.Parse(req.TemplateID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid template_id", "template_id must be a valid UUID")
		return
	}

	if len(req.VariableMapping) > 0 && !json.Valid(req.VariableMapping) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid variable_mapping", "variable_mapping must be valid JSON")
		return
	}
	if len(req.AudienceFilter) > 0 && !json.Valid(req.AudienceFilter) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid audience_filter", "audience_filter must be valid JSON")
		return
	}

	c := &db.Campaign{
		ID:              uuid.New(),
		TenantID:        tenantID,
		Name:            req.Name,
		Channel:         req.Channel,
		Status:          db.CampaignStatusDraft,
		TemplateID:      templateID,
		VariableMapping: req.VariableMapping,
		AudienceFilter:  req.AudienceFilter,
	}

	if err := h.repo.CreateCampaign(ctx, c); err != nil {
		h.logger.Error("failed to create campaign",
			zap.Error(err),
			zap.String("tenant_id", req.TenantID),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create campaign", "")
		return
	}

	h.logger.Info("campaign created",
		zap.String("id", c.ID.String()),
		zap.String("tenant_id", req.TenantID),
		zap.String("channel", req.Channel),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(c)
}

// GetCampaign handles GET /v1/campaigns/{id}
func (h *Handler) GetCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	campaignID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign ID", "ID must be a valid UUID")
		return
	}

	c, err := h.repo.GetCampaign(ctx, campaignID)
	if err != nil {
		if errors.Is(err, db.ErrCampaignNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Campaign not found", "")
			return
		}
		h.logger.Error("failed to get campaign",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to get campaign", "")
		return
	}

	stats, err := h.repo.CampaignMessageStats(ctx, campaignID)
	if err != nil {
		h.logger.Error("failed to load campaign stats",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to load campaign stats", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(CampaignDetail{Campaign: c, Stats: stats})
}

// ListCampaigns handles GET /v1/campaigns?tenant_id=xxx&include_archived=true&limit=20&offset=0
func (h *Handler) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	tenantIDStr := r.URL.Query().Get("tenant_id")
	if tenantIDStr == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing tenant_id", "tenant_id query parameter is required")
		return
	}

	tenantID, err := uuid.Parse(tenantIDStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid tenant_id", "tenant_id must be a valid UUID")
		return
	}

	includeArchived := r.URL.Query().Get("include_archived") == "true"

	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	campaigns, err := h.repo.ListCampaignsByTenant(ctx, tenantID, includeArchived, limit, offset)
	if err != nil {
		h.logger.Error("failed to list campaigns",
			zap.Error(err),
			zap.String("tenant_id", tenantIDStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list campaigns", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   campaigns,
		"limit":  limit,
		"offset": offset,
		"count":  len(campaigns),
	})
}

// SendCampaign handles POST /v1/campaigns/{id}/send
// Supports idempotency via the Idempotency-Key header so a retried
// request replays the original outcome instead of double-sending.
func (h *Handler) SendCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	campaignID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign ID", "ID must be a valid UUID")
		return
	}

	idempotencyKey := r.Header.Get("Idempotency-Key")
	if idempotencyKey != "" && h.idempotency != nil {
		cachedResult, err := h.idempotency.CheckOrReserve(ctx, idStr, idempotencyKey)
		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cachedResult != nil {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cachedResult.StatusCode)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"campaign_id": cachedResult.CampaignID,
			})
			return
		}
	}

	result, err := h.service.Send(ctx, campaignID)
	if err != nil {
		h.writeSendError(w, idStr, err)
		return
	}

	if idempotencyKey != "" && h.idempotency != nil {
		cached := &redis.IdempotencyResult{
			CampaignID: result.CampaignID.String(),
			StatusCode: http.StatusOK,
		}
		if err := h.idempotency.Store(ctx, idStr, idempotencyKey, cached, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(result)
}

// ResendCampaign handles POST /v1/campaigns/{id}/resend
func (h *Handler) ResendCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	campaignID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign ID", "ID must be a valid UUID")
		return
	}

	result, err := h.service.Resend(ctx, campaignID)
	if err != nil {
		h.writeSendError(w, idStr, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(result)
}

// ArchiveCampaign handles POST /v1/campaigns/{id}/archive
func (h *Handler) ArchiveCampaign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	campaignID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid campaign ID", "ID must be a valid UUID")
		return
	}

	if err := h.service.Archive(ctx, campaignID); err != nil {
		if errors.Is(err, campaign.ErrInvalidState) {
			h.writeError(w, http.StatusConflict, "invalid_state", "Campaign cannot be archived", err.Error())
			return
		}
		if errors.Is(err, db.ErrCampaignNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Campaign not found", "")
			return
		}
		h.logger.Error("failed to archive campaign",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to archive campaign", "")
		return
	}

	h.logger.Info("campaign archived", zap.String("id", idStr))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     idStr,
		"status": db.CampaignStatusArchived,
	})
}

// ListStatusEvents handles GET /v1/events?limit=50
func (h *Handler) ListStatusEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 500 {
			limit = l
		}
	}

	events, err := h.repo.ListRecentStatusEvents(ctx, limit)
	if err != nil {
		h.logger.Error("failed to list status events", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list status events", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":  events,
		"count": len(events),
	})
}

// VerifyWhatsAppWebhook handles GET /webhooks/whatsapp
// This is the provider's subscription handshake: echo the challenge if
// the verify token matches, 403 otherwise.
func (h *Handler) VerifyWhatsAppWebhook(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	challenge, ok := webhook.VerifyHandshake(
		q.Get("hub.mode"),
		q.Get("hub.verify_token"),
		q.Get("hub.challenge"),
		h.verifyToken,
	)
	if !ok {
		h.logger.Warn("webhook verification rejected",
			zap.String("mode", q.Get("hub.mode")),
		)
		h.writeError(w, http.StatusForbidden, "verification_failed", "Webhook verification failed", "")
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(challenge))
}

// WhatsAppWebhook handles POST /webhooks/whatsapp
func (h *Handler) WhatsAppWebhook(w http.ResponseWriter, r *http.Request) {
	h.handleWebhook(w, r, db.ProviderWhatsApp)
}

// EmailWebhook handles POST /webhooks/email
func (h *Handler) EmailWebhook(w http.ResponseWriter, r *http.Request) {
	h.handleWebhook(w, r, db.ProviderEmail)
}

// handleWebhook ingests one provider callback. Anything short of an
// unreadable or unparseable payload answers 200: providers redeliver on
// non-2xx, and unknown ids or duplicates never become applicable by
// retrying.
func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request, provider string) {
	ctx := r.Context()

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to read request body", "")
		return
	}

	processed, err := h.reconciler.HandleProviderEvent(ctx, provider, raw)
	if err != nil {
		h.logger.Warn("webhook payload rejected",
			zap.Error(err),
			zap.String("provider", provider),
		)
		h.writeError(w, http.StatusBadRequest, "invalid_payload", "Malformed webhook payload", err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]int{
		"processed": processed,
	})
}

// writeSendError maps send pipeline failures onto HTTP statuses.
func (h *Handler) writeSendError(w http.ResponseWriter, idStr string, err error) {
	var (
		quotaErr     *quota.ExceededError
		recipientErr *campaign.RecipientError
	)

	switch {
	case errors.Is(err, db.ErrCampaignNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", "Campaign not found", "")
	case errors.Is(err, db.ErrTemplateNotFound):
		h.writeError(w, http.StatusUnprocessableEntity, "template_not_found", "Campaign template not found", "")
	case errors.Is(err, campaign.ErrInvalidState):
		h.writeError(w, http.StatusConflict, "invalid_state", "Campaign is not in a sendable state", err.Error())
	case errors.Is(err, campaign.ErrEmptyAudience):
		h.writeError(w, http.StatusUnprocessableEntity, "empty_audience", "Campaign audience is empty", err.Error())
	case errors.As(err, &quotaErr):
		h.writeError(w, http.StatusUnprocessableEntity, "quota_exceeded", "Monthly quota exceeded",
			fmt.Sprintf("requested %d %s messages, only %d available", quotaErr.Requested, quotaErr.Channel, quotaErr.Granted))
	case errors.As(err, &recipientErr):
		h.writeError(w, http.StatusUnprocessableEntity, "resolution_failed", "Template resolution failed", err.Error())
	default:
		h.logger.Error("campaign send failed",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "send_error", "Failed to send campaign", "")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
