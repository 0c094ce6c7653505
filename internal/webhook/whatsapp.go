// Package webhook ingests asynchronous provider callbacks and reconciles
// them against message records. Provider payload shapes are parsed here
// and normalized into StatusReport tuples so the rest of the engine never
// sees provider-specific JSON.
package webhook

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/tidewave/herald/internal/delivery"
)

// StatusReport is one normalized provider status callback.
type StatusReport struct {
	ProviderMessageID string
	Status            delivery.Status
	Timestamp         time.Time
}

// whatsAppPayload mirrors the WhatsApp Business Platform webhook shape:
// entry[].changes[].value.statuses[].
type whatsAppPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Statuses []struct {
					ID        string `json:"id"`
					Status    string `json:"status"`
					Timestamp string `json:"timestamp"`
				} `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// whatsAppStatus maps provider status strings onto the delivery lattice.
var whatsAppStatus = map[string]delivery.Status{
	"sent":      delivery.StatusSent,
	"delivered": delivery.StatusDelivered,
	"read":      delivery.StatusRead,
	"failed":    delivery.StatusFailed,
}

// ParseWhatsApp extracts normalized status reports from a WhatsApp
// webhook payload. Statuses we don't track (and test/ping payloads with
// no statuses at all) yield zero reports, not an error.
func ParseWhatsApp(raw []byte) ([]StatusReport, error) {
	var payload whatsAppPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("decode whatsapp payload: %w", err)
	}

	var reports []StatusReport
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, st := range change.Value.Statuses {
				status, ok := whatsAppStatus[st.Status]
				if !ok || st.ID == "" {
					continue
				}
				reports = append(reports, StatusReport{
					ProviderMessageID: st.ID,
					Status:            status,
					Timestamp:         parseUnixSeconds(st.Timestamp),
				})
			}
		}
	}

	return reports, nil
}

func parseUnixSeconds(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

// VerifyHandshake implements the WhatsApp webhook verification handshake:
// a GET with hub.mode=subscribe and the configured verify token gets the
// challenge echoed back. Stateless; not part of the delivery state
// machine.
func VerifyHandshake(mode, token, challenge, configuredToken string) (string, bool) {
	if mode != "subscribe" || configuredToken == "" || token != configuredToken {
		return "", false
	}
	return challenge, true
}
