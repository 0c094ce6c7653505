// Package quota charges campaign sends against a tenant's monthly
// per-channel plan allowance. Reservation happens at send time, before
// any message row exists; delivery confirmation never touches the ledger.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Ledger reserves monthly send capacity for a tenant and channel.
//
// ReserveCapacity atomically reads the plan limit, reads-or-creates the
// month's counter and increments it by min(count, limit-current),
// returning how many slots were actually granted. Two concurrent
// reservations for the same tenant must never both take the last slot.
type Ledger interface {
	ReserveCapacity(ctx context.Context, tenantID uuid.UUID, channel string, count int, month string) (int, error)
}

// MonthKey returns the calendar-month counter key for t, e.g. "2026-08".
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// ExceededError reports a reservation that could not cover the whole
// request. The ledger has no rollback: slots granted to an abandoned
// send stay charged until an offline reconciliation pass corrects them,
// which is why the error carries the exact numbers for the caller.
type ExceededError struct {
	Channel   string
	Requested int
	Granted   int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("%s quota exceeded: requested %d, granted %d",
		e.Channel, e.Requested, e.Granted)
}
