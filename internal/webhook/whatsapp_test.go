package webhook

import (
	"testing"
	"time"

	"github.com/tidewave/herald/internal/delivery"
)

func TestParseWhatsApp(t *testing.T) {
	payload := `{
		"entry": [{
			"changes": [{
				"value": {
					"statuses": [{
						"id": "wamid.HBgLMTU1NTAxMDAwMDE",
						"status": "delivered",
						"timestamp": "1756400400"
					}]
				}
			}]
		}]
	}`

	reports, err := ParseWhatsApp([]byte(payload))
	if err != nil {
		t.Fatalf("ParseWhatsApp() error = %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("got %d reports, want 1", len(reports))
	}

	r := reports[0]
	if r.ProviderMessageID != "wamid.HBgLMTU1NTAxMDAwMDE" {
		t.Errorf("provider message id = %s", r.ProviderMessageID)
	}
	if r.Status != delivery.StatusDelivered {
		t.Errorf("status = %s, want delivered", r.Status)
	}
	if want := time.Unix(1756400400, 0).UTC(); !r.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", r.Timestamp, want)
	}
}

func TestParseWhatsAppMultipleStatuses(t *testing.T) {
	payload := `{
		"entry": [{
			"changes": [{
				"value": {
					"statuses": [
						{"id": "wamid.AAA", "status": "sent", "timestamp": "1756400400"},
						{"id": "wamid.BBB", "status": "read", "timestamp": "1756400500"}
					]
				}
			}]
		}]
	}`

	reports, err := ParseWhatsApp([]byte(payload))
	if err != nil {
		t.Fatalf("ParseWhatsApp() error = %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("got %d reports, want 2", len(reports))
	}
	if reports[0].Status != delivery.StatusSent || reports[1].Status != delivery.StatusRead {
		t.Errorf("statuses = %s, %s", reports[0].Status, reports[1].Status)
	}
}

func TestParseWhatsAppStatusMapping(t *testing.T) {
	tests := []struct {
		provider string
		want     delivery.Status
	}{
		{"sent", delivery.StatusSent},
		{"delivered", delivery.StatusDelivered},
		{"read", delivery.StatusRead},
		{"failed", delivery.StatusFailed},
	}

	for _, tt := range tests {
		payload := `{"entry":[{"changes":[{"value":{"statuses":[{"id":"wamid.X","status":"` + tt.provider + `","timestamp":"1"}]}}]}]}`
		reports, err := ParseWhatsApp([]byte(payload))
		if err != nil {
			t.Fatalf("ParseWhatsApp(%s) error = %v", tt.provider, err)
		}
		if len(reports) != 1 || reports[0].Status != tt.want {
			t.Errorf("status %s mapped to %v, want %s", tt.provider, reports, tt.want)
		}
	}
}

func TestParseWhatsAppIgnoresUnknownAndEmpty(t *testing.T) {
	tests := []struct {
		name    string
		payload string
	}{
		{
			name:    "unknown status string",
			payload: `{"entry":[{"changes":[{"value":{"statuses":[{"id":"wamid.X","status":"warned","timestamp":"1"}]}}]}]}`,
		},
		{
			name:    "status without id",
			payload: `{"entry":[{"changes":[{"value":{"statuses":[{"status":"sent","timestamp":"1"}]}}]}]}`,
		},
		{
			name:    "message notification with no statuses",
			payload: `{"entry":[{"changes":[{"value":{}}]}]}`,
		},
		{
			name:    "empty object",
			payload: `{}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reports, err := ParseWhatsApp([]byte(tt.payload))
			if err != nil {
				t.Fatalf("ParseWhatsApp() error = %v", err)
			}
			if len(reports) != 0 {
				t.Errorf("got %d reports, want 0", len(reports))
			}
		})
	}
}

func TestParseWhatsAppMalformed(t *testing.T) {
	if _, err := ParseWhatsApp([]byte(`{"entry":`)); err == nil {
		t.Error("expected error for malformed payload")
	}
}

func TestVerifyHandshake(t *testing.T) {
	tests := []struct {
		name       string
		mode       string
		token      string
		challenge  string
		configured string
		wantOK     bool
	}{
		{
			name:       "valid handshake",
			mode:       "subscribe",
			token:      "secret",
			challenge:  "12345",
			configured: "secret",
			wantOK:     true,
		},
		{
			name:       "wrong token",
			mode:       "subscribe",
			token:      "guess",
			challenge:  "12345",
			configured: "secret",
			wantOK:     false,
		},
		{
			name:       "wrong mode",
			mode:       "unsubscribe",
			token:      "secret",
			challenge:  "12345",
			configured: "secret",
			wantOK:     false,
		},
		{
			name:       "no token configured",
			mode:       "subscribe",
			token:      "",
			challenge:  "12345",
			configured: "",
			wantOK:     false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			challenge, ok := VerifyHandshake(tt.mode, tt.token, tt.challenge, tt.configured)
			if ok != tt.wantOK {
				t.Errorf("VerifyHandshake() ok = %v, want %v", ok, tt.wantOK)
			}
			if tt.wantOK && challenge != tt.challenge {
				t.Errorf("challenge = %q, want %q", challenge, tt.challenge)
			}
		})
	}
}
