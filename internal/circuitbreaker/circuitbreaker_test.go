package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tidewave/herald/internal/db"
	"github.com/tidewave/herald/internal/provider"
	"github.com/tidewave/herald/internal/template"
)

func newTestBreaker(maxFailures int, recovery time.Duration) *CircuitBreaker {
	return New(Config{
		Name:                "test",
		MaxFailures:         maxFailures,
		RecoveryTimeout:     recovery,
		HalfOpenMaxRequests: 1,
	}, zap.NewNop())
}

func TestCircuitBreakerStartsClosed(t *testing.T) {
	cb := newTestBreaker(3, time.Second)

	if cb.GetState() != StateClosed {
		t.Errorf("initial state = %s, want closed", cb.GetState())
	}
	if !cb.Allow() {
		t.Error("closed breaker should allow requests")
	}
}

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	cb := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		if cb.GetState() != StateClosed {
			t.Fatalf("state after %d failures = %s, want closed", i+1, cb.GetState())
		}
	}

	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("state after 3 failures = %s, want open", cb.GetState())
	}
	if cb.Allow() {
		t.Error("open breaker must reject requests")
	}
}

func TestCircuitBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker(3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.GetState() != StateClosed {
		t.Errorf("state = %s, want closed; failures are consecutive, not cumulative", cb.GetState())
	}
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	cb := newTestBreaker(1, 10*time.Millisecond)

	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %s, want open", cb.GetState())
	}

	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("probe request after recovery timeout should be allowed")
	}
	if cb.GetState() != StateHalfOpen {
		t.Fatalf("state = %s, want half-open", cb.GetState())
	}

	// Only one probe fits.
	if cb.Allow() {
		t.Error("second request in half-open should be rejected")
	}

	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Errorf("state after probe success = %s, want closed", cb.GetState())
	}
}

func TestCircuitBreakerProbeFailureReopens(t *testing.T) {
	cb := newTestBreaker(1, 10*time.Millisecond)

	cb.RecordFailure()
	time.Sleep(20 * time.Millisecond)

	if !cb.Allow() {
		t.Fatal("probe should be allowed")
	}
	cb.RecordFailure()

	if cb.GetState() != StateOpen {
		t.Errorf("state after probe failure = %s, want open", cb.GetState())
	}
	if cb.Allow() {
		t.Error("breaker should reject immediately after failed probe")
	}
}

func TestCircuitBreakerStats(t *testing.T) {
	cb := newTestBreaker(5, time.Minute)

	cb.Allow()
	cb.RecordSuccess()
	cb.RecordFailure()

	stats := cb.Stats()
	if stats.Name != "test" {
		t.Errorf("name = %s", stats.Name)
	}
	if stats.TotalRequests != 1 || stats.TotalSuccesses != 1 || stats.TotalFailures != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.LastFailure == "" {
		t.Error("LastFailure should be set after a failure")
	}
}

// stubSender fails a configurable number of times before succeeding.
type stubSender struct {
	failuresLeft int
	calls        int
}

func (s *stubSender) Send(ctx context.Context, msg *db.Message, rendered *template.RenderedMessage, contact *db.Contact) (string, error) {
	s.calls++
	if s.failuresLeft > 0 {
		s.failuresLeft--
		return "", errors.New("provider 500")
	}
	return "pm-ok", nil
}

func (s *stubSender) SupportsChannel(channel string) bool {
	return channel == db.ChannelWhatsApp
}

var _ provider.Sender = (*stubSender)(nil)

func testMessage() (*db.Message, *template.RenderedMessage, *db.Contact) {
	contact := &db.Contact{ID: uuid.New(), Name: "Maria"}
	msg := &db.Message{
		ID:        uuid.New(),
		ContactID: contact.ID,
		Channel:   db.ChannelWhatsApp,
	}
	return msg, &template.RenderedMessage{Body: "Hi Maria"}, contact
}

func TestProtectedSenderPassesThrough(t *testing.T) {
	sender := &stubSender{}
	ps := NewProtectedSender(sender, newTestBreaker(3, time.Minute), zap.NewNop())

	msg, rendered, contact := testMessage()
	pmid, err := ps.Send(context.Background(), msg, rendered, contact)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if pmid != "pm-ok" {
		t.Errorf("provider message id = %s", pmid)
	}
	if !ps.SupportsChannel(db.ChannelWhatsApp) {
		t.Error("SupportsChannel should delegate")
	}
}

func TestProtectedSenderFailsFastWhenOpen(t *testing.T) {
	sender := &stubSender{failuresLeft: 10}
	ps := NewProtectedSender(sender, newTestBreaker(2, time.Minute), zap.NewNop())

	msg, rendered, contact := testMessage()
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if _, err := ps.Send(ctx, msg, rendered, contact); err == nil {
			t.Fatal("expected provider error")
		}
	}

	// Circuit is open now: the underlying sender must not be called.
	callsBefore := sender.calls
	_, err := ps.Send(ctx, msg, rendered, contact)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("error = %v, want ErrCircuitOpen", err)
	}
	if sender.calls != callsBefore {
		t.Error("open circuit must not reach the provider")
	}
}

func TestProtectedSenderRecovers(t *testing.T) {
	sender := &stubSender{failuresLeft: 1}
	ps := NewProtectedSender(sender, newTestBreaker(1, 10*time.Millisecond), zap.NewNop())

	msg, rendered, contact := testMessage()
	ctx := context.Background()

	if _, err := ps.Send(ctx, msg, rendered, contact); err == nil {
		t.Fatal("expected provider error")
	}
	if ps.Breaker().GetState() != StateOpen {
		t.Fatalf("state = %s, want open", ps.Breaker().GetState())
	}

	time.Sleep(20 * time.Millisecond)

	pmid, err := ps.Send(ctx, msg, rendered, contact)
	if err != nil {
		t.Fatalf("probe Send() error = %v", err)
	}
	if pmid != "pm-ok" {
		t.Errorf("provider message id = %s", pmid)
	}
	if ps.Breaker().GetState() != StateClosed {
		t.Errorf("state after recovery = %s, want closed", ps.Breaker().GetState())
	}
}
