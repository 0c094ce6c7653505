package webhook

import (
	"encoding/json"
	"testing"

	"github.com/tidewave/herald/internal/delivery"
)

func snsWrap(t *testing.T, inner string) []byte {
	t.Helper()
	envelope := map[string]string{
		"Type":      "Notification",
		"MessageId": "sns-msg-1",
		"Message":   inner,
		"Timestamp": "2026-08-28T17:00:00.000Z",
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestParseEmailDeliveryNotification(t *testing.T) {
	inner := `{
		"eventType": "Delivery",
		"mail": {"messageId": "ses-0001", "timestamp": "2026-08-28T16:59:00.000Z"},
		"delivery": {"timestamp": "2026-08-28T17:00:00.000Z"}
	}`

	reports, err := ParseEmail(snsWrap(t, inner))
	if err != nil {
		t.Fatalf("ParseEmail() error = %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("got %d reports, want 1", len(reports))
	}

	r := reports[0]
	if r.ProviderMessageID != "ses-0001" {
		t.Errorf("provider message id = %s", r.ProviderMessageID)
	}
	if r.Status != delivery.StatusDelivered {
		t.Errorf("status = %s, want delivered", r.Status)
	}
	if r.Timestamp.IsZero() {
		t.Error("timestamp should be parsed from the delivery block")
	}
}

func TestParseEmailEventMapping(t *testing.T) {
	tests := []struct {
		eventType string
		want      delivery.Status
	}{
		{"Send", delivery.StatusSent},
		{"Delivery", delivery.StatusDelivered},
		{"Open", delivery.StatusRead},
		{"Bounce", delivery.StatusFailed},
	}

	for _, tt := range tests {
		inner := `{"eventType": "` + tt.eventType + `", "mail": {"messageId": "ses-0002"}}`
		reports, err := ParseEmail(snsWrap(t, inner))
		if err != nil {
			t.Fatalf("ParseEmail(%s) error = %v", tt.eventType, err)
		}
		if len(reports) != 1 || reports[0].Status != tt.want {
			t.Errorf("event %s mapped to %v, want %s", tt.eventType, reports, tt.want)
		}
	}
}

func TestParseEmailNotificationTypeFallback(t *testing.T) {
	// Older SES notification configs use notificationType instead of
	// eventType.
	inner := `{"notificationType": "Bounce", "mail": {"messageId": "ses-0003"}, "bounce": {"bounceType": "Permanent", "timestamp": "2026-08-28T17:00:00.000Z"}}`

	reports, err := ParseEmail(snsWrap(t, inner))
	if err != nil {
		t.Fatalf("ParseEmail() error = %v", err)
	}
	if len(reports) != 1 || reports[0].Status != delivery.StatusFailed {
		t.Errorf("reports = %v, want one failed", reports)
	}
}

func TestParseEmailBareSESEvent(t *testing.T) {
	// The SQS route can deliver the SES event without an SNS envelope.
	raw := `{"eventType": "Open", "mail": {"messageId": "ses-0004"}, "open": {"timestamp": "2026-08-28T17:00:00.000Z"}}`

	reports, err := ParseEmail([]byte(raw))
	if err != nil {
		t.Fatalf("ParseEmail() error = %v", err)
	}
	if len(reports) != 1 || reports[0].Status != delivery.StatusRead {
		t.Errorf("reports = %v, want one read", reports)
	}
}

func TestParseEmailSubscriptionConfirmation(t *testing.T) {
	raw := `{"Type": "SubscriptionConfirmation", "MessageId": "sns-sub-1", "SubscribeURL": "https://sns.example.com/confirm"}`

	reports, err := ParseEmail([]byte(raw))
	if err != nil {
		t.Fatalf("ParseEmail() error = %v", err)
	}
	if len(reports) != 0 {
		t.Errorf("got %d reports, want 0", len(reports))
	}
}

func TestParseEmailIgnoresUntrackedEvents(t *testing.T) {
	inner := `{"eventType": "Complaint", "mail": {"messageId": "ses-0005"}}`

	reports, err := ParseEmail(snsWrap(t, inner))
	if err != nil {
		t.Fatalf("ParseEmail() error = %v", err)
	}
	if len(reports) != 0 {
		t.Errorf("got %d reports, want 0", len(reports))
	}
}

func TestParseEmailMissingMessageID(t *testing.T) {
	inner := `{"eventType": "Delivery", "mail": {}}`

	reports, err := ParseEmail(snsWrap(t, inner))
	if err != nil {
		t.Fatalf("ParseEmail() error = %v", err)
	}
	if len(reports) != 0 {
		t.Errorf("got %d reports, want 0", len(reports))
	}
}

func TestParseEmailMalformed(t *testing.T) {
	if _, err := ParseEmail([]byte(`{"Type":`)); err == nil {
		t.Error("expected error for malformed envelope")
	}

	if _, err := ParseEmail(snsWrap(t, `not json`)); err == nil {
		t.Error("expected error for malformed inner event")
	}
}
