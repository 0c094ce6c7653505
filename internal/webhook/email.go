package webhook

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidewave/herald/internal/delivery"
)

// snsEnvelope is the SNS wrapper the email provider delivers
// notifications in. Message carries the actual SES event as an embedded
// JSON string.
type snsEnvelope struct {
	Type      string `json:"Type"`
	MessageID string `json:"MessageId"`
	Message   string `json:"Message"`
	Timestamp string `json:"Timestamp"`
}

// sesNotification is the embedded SES event. eventType is used by SES
// event publishing; notificationType by older notification configs.
type sesNotification struct {
	EventType        string `json:"eventType"`
	NotificationType string `json:"notificationType"`
	Mail             struct {
		MessageID string `json:"messageId"`
		Timestamp string `json:"timestamp"`
	} `json:"mail"`
	Delivery *struct {
		Timestamp string `json:"timestamp"`
	} `json:"delivery"`
	Bounce *struct {
		Timestamp  string `json:"timestamp"`
		BounceType string `json:"bounceType"`
	} `json:"bounce"`
	Open *struct {
		Timestamp string `json:"timestamp"`
	} `json:"open"`
}

// sesEventStatus maps SES event types onto the delivery lattice. An
// opened email is the closest analogue of a read receipt.
var sesEventStatus = map[string]delivery.Status{
	"Send":     delivery.StatusSent,
	"Delivery": delivery.StatusDelivered,
	"Open":     delivery.StatusRead,
	"Bounce":   delivery.StatusFailed,
}

// ParseEmail extracts normalized status reports from an email provider
// callback. The payload is either an SNS envelope with the SES event
// embedded in Message, or the bare SES event itself. SNS
// SubscriptionConfirmation envelopes yield zero reports.
func ParseEmail(raw []byte) ([]StatusReport, error) {
	var envelope snsEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("decode sns envelope: %w", err)
	}

	inner := raw
	switch envelope.Type {
	case "SubscriptionConfirmation", "UnsubscribeConfirmation":
		return nil, nil
	case "Notification":
		inner = []byte(envelope.Message)
	}

	var event sesNotification
	if err := json.Unmarshal(inner, &event); err != nil {
		return nil, fmt.Errorf("decode ses event: %w", err)
	}

	eventType := event.EventType
	if eventType == "" {
		eventType = event.NotificationType
	}

	status, ok := sesEventStatus[eventType]
	if !ok || event.Mail.MessageID == "" {
		return nil, nil
	}

	return []StatusReport{{
		ProviderMessageID: event.Mail.MessageID,
		Status:            status,
		Timestamp:         eventTimestamp(event),
	}}, nil
}

func eventTimestamp(event sesNotification) time.Time {
	candidates := []string{event.Mail.Timestamp}
	if event.Delivery != nil {
		candidates = append([]string{event.Delivery.Timestamp}, candidates...)
	}
	if event.Bounce != nil {
		candidates = append([]string{event.Bounce.Timestamp}, candidates...)
	}
	if event.Open != nil {
		candidates = append([]string{event.Open.Timestamp}, candidates...)
	}

	for _, c := range candidates {
		if t, err := time.Parse(time.RFC3339, c); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
