package quota

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tidewave/herald/internal/db"
)

// PGLedger implements Ledger on top of postgres. The reserve is one
// transaction: the counter row is created lazily, then locked with
// SELECT ... FOR UPDATE so reservations for the same (tenant, month) are
// serialized against each other and nothing else.
type PGLedger struct {
	db     *db.DB
	logger *zap.Logger
}

// NewPGLedger creates a postgres-backed quota ledger.
func NewPGLedger(database *db.DB, logger *zap.Logger) *PGLedger {
	return &PGLedger{
		db:     database,
		logger: logger,
	}
}

// channelColumns maps a channel to its counter column on usage_counters
// and its limit column on plans.
func channelColumns(channel string) (counter, limit string, err error) {
	switch channel {
	case db.ChannelWhatsApp:
		return "whatsapp_messages_sent", "whatsapp_messages_per_month", nil
	case db.ChannelEmail:
		return "email_messages_sent", "email_messages_per_month", nil
	default:
		return "", "", fmt.Errorf("unknown channel: %s", channel)
	}
}

// ReserveCapacity charges up to count slots against the tenant's monthly
// allowance for channel and returns how many were granted.
func (l *PGLedger) ReserveCapacity(ctx context.Context, tenantID uuid.UUID, channel string, count int, month string) (int, error) {
	if count <= 0 {
		return 0, fmt.Errorf("invalid reservation count: %d", count)
	}

	counterCol, limitCol, err := channelColumns(channel)
	if err != nil {
		return 0, err
	}

	tx, err := l.db.Pool().Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Lazily create the month's counter so the row lock below always has
	// a row to take.
	insertQuery := `
		INSERT INTO usage_counters (tenant_id, year_month)
		VALUES ($1, $2)
		ON CONFLICT (tenant_id, year_month) DO NOTHING
	`
	if _, err := tx.Exec(ctx, insertQuery, tenantID, month); err != nil {
		return 0, fmt.Errorf("create usage counter: %w", err)
	}

	selectQuery := fmt.Sprintf(`
		SELECT u.%s, p.%s
		FROM usage_counters u
		JOIN tenants t ON t.id = u.tenant_id
		JOIN plans p ON p.id = t.plan_id
		WHERE u.tenant_id = $1 AND u.year_month = $2
		FOR UPDATE OF u
	`, counterCol, limitCol)

	var current, limit int
	if err := tx.QueryRow(ctx, selectQuery, tenantID, month).Scan(&current, &limit); err != nil {
		return 0, fmt.Errorf("lock usage counter: %w", err)
	}

	granted := limit - current
	if granted <= 0 {
		if err := tx.Commit(ctx); err != nil {
			return 0, fmt.Errorf("commit transaction: %w", err)
		}
		return 0, nil
	}
	if granted > count {
		granted = count
	}

	updateQuery := fmt.Sprintf(`
		UPDATE usage_counters
		SET %s = %s + $1, updated_at = NOW()
		WHERE tenant_id = $2 AND year_month = $3
	`, counterCol, counterCol)

	if _, err := tx.Exec(ctx, updateQuery, granted, tenantID, month); err != nil {
		return 0, fmt.Errorf("increment usage counter: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}

	l.logger.Info("quota reserved",
		zap.String("tenant_id", tenantID.String()),
		zap.String("channel", channel),
		zap.String("month", month),
		zap.Int("requested", count),
		zap.Int("granted", granted),
	)

	return granted, nil
}
