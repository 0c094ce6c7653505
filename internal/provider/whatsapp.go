package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tidewave/herald/internal/db"
	"github.com/tidewave/herald/internal/template"
)

// WhatsAppConfig holds WhatsApp Business Platform settings.
type WhatsAppConfig struct {
	BaseURL     string // Graph API base, overridable for tests
	AccessToken string
	PhoneID     string // sending phone number id
	Timeout     time.Duration
}

// WhatsAppSender dispatches messages through the WhatsApp Business
// Platform (Graph API). The returned wamid is the provider message id
// the status webhooks refer to.
type WhatsAppSender struct {
	config     WhatsAppConfig
	httpClient *http.Client
	logger     *zap.Logger
}

// NewWhatsAppSender creates a WhatsApp Graph API sender.
func NewWhatsAppSender(cfg WhatsAppConfig, logger *zap.Logger) *WhatsAppSender {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &WhatsAppSender{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

type whatsAppTextBody struct {
	Body string `json:"body"`
}

type whatsAppRequest struct {
	MessagingProduct string           `json:"messaging_product"`
	To               string           `json:"to"`
	Type             string           `json:"type"`
	Text             whatsAppTextBody `json:"text"`
}

type whatsAppResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *struct {
		Message string `json:"message"`
		Code    int    `json:"code"`
	} `json:"error,omitempty"`
}

// Send posts the rendered message to the Graph API and returns the wamid.
func (s *WhatsAppSender) Send(ctx context.Context, msg *db.Message, rendered *template.RenderedMessage, contact *db.Contact) (string, error) {
	if msg.Channel != db.ChannelWhatsApp {
		return "", fmt.Errorf("whatsapp sender only supports whatsapp, got: %s", msg.Channel)
	}
	if contact.Phone == "" {
		return "", fmt.Errorf("contact %s has no phone number", contact.ID)
	}

	payload := whatsAppRequest{
		MessagingProduct: "whatsapp",
		To:               contact.Phone,
		Type:             "text",
		Text:             whatsAppTextBody{Body: rendered.Body},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal whatsapp request: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", s.config.BaseURL, s.config.PhoneID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build whatsapp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.config.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("whatsapp request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read whatsapp response: %w", err)
	}

	var parsed whatsAppResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decode whatsapp response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode != http.StatusOK || parsed.Error != nil {
		detail := ""
		if parsed.Error != nil {
			detail = parsed.Error.Message
		}
		return "", fmt.Errorf("whatsapp rejected send (status %d): %s", resp.StatusCode, detail)
	}

	if len(parsed.Messages) == 0 || parsed.Messages[0].ID == "" {
		return "", fmt.Errorf("whatsapp response missing message id")
	}

	wamid := parsed.Messages[0].ID
	s.logger.Debug("whatsapp message accepted",
		zap.String("message_id", msg.ID.String()),
		zap.String("wamid", wamid),
	)

	return wamid, nil
}

// SupportsChannel implements Sender.
func (s *WhatsAppSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelWhatsApp
}
