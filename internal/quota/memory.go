package quota

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tidewave/herald/internal/db"
)

// MemoryLedger is an in-process Ledger with the same contract as the
// postgres implementation. Used in tests and local development without a
// database; a single mutex stands in for the row lock.
type MemoryLedger struct {
	mu     sync.Mutex
	limits map[uuid.UUID]map[string]int // tenant -> channel -> plan limit
	used   map[string]int               // tenant|month|channel -> sent count
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		limits: make(map[uuid.UUID]map[string]int),
		used:   make(map[string]int),
	}
}

// SetLimit configures a tenant's monthly cap for a channel.
func (l *MemoryLedger) SetLimit(tenantID uuid.UUID, channel string, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.limits[tenantID] == nil {
		l.limits[tenantID] = make(map[string]int)
	}
	l.limits[tenantID][channel] = limit
}

// SetUsed pre-loads a month's counter, for tests.
func (l *MemoryLedger) SetUsed(tenantID uuid.UUID, channel, month string, used int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.used[counterKey(tenantID, channel, month)] = used
}

// Used returns the current counter value.
func (l *MemoryLedger) Used(tenantID uuid.UUID, channel, month string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used[counterKey(tenantID, channel, month)]
}

// ReserveCapacity implements Ledger.
func (l *MemoryLedger) ReserveCapacity(ctx context.Context, tenantID uuid.UUID, channel string, count int, month string) (int, error) {
	if count <= 0 {
		return 0, fmt.Errorf("invalid reservation count: %d", count)
	}
	if channel != db.ChannelWhatsApp && channel != db.ChannelEmail {
		return 0, fmt.Errorf("unknown channel: %s", channel)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	limit, ok := l.limits[tenantID][channel]
	if !ok {
		return 0, fmt.Errorf("no plan limit configured for tenant %s channel %s", tenantID, channel)
	}

	key := counterKey(tenantID, channel, month)
	granted := limit - l.used[key]
	if granted <= 0 {
		return 0, nil
	}
	if granted > count {
		granted = count
	}

	l.used[key] += granted
	return granted, nil
}

func counterKey(tenantID uuid.UUID, channel, month string) string {
	return tenantID.String() + "|" + month + "|" + channel
}
