package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/genjobs/internal/domain"
)

// SQLGuard stores records in the processed_callbacks table, sharing them
// across replicas without an extra service
type SQLGuard struct {
	db     *sqlx.DB
	window time.Duration
	now    func() time.Time
}

// NewSQL creates a guard on db
func NewSQL(db *sqlx.DB, window time.Duration) *SQLGuard {
	return &SQLGuard{
		db:     db,
		window: window,
		now:    func() time.Time { return domain.Timestamp(time.Now()) },
	}
}

// Seen reports whether an unexpired record exists
func (g *SQLGuard) Seen(ctx context.Context, key string) (bool, error) {
	var count int
	err := g.db.GetContext(ctx, &count, g.db.Rebind(`
		SELECT COUNT(*) FROM processed_callbacks WHERE external_job_id = ? AND expires_at > ?
	`), key, g.now())
	if err != nil {
		return false, fmt.Errorf("failed to check processed callback: %w", err)
	}
	return count > 0, nil
}

// Mark inserts a record, or replaces one whose window already elapsed
func (g *SQLGuard) Mark(ctx context.Context, key string) error {
	now := g.now()
	_, err := g.db.ExecContext(ctx, g.db.Rebind(`
		INSERT INTO processed_callbacks (external_job_id, processed_at, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (external_job_id) DO UPDATE
		SET processed_at = excluded.processed_at, expires_at = excluded.expires_at
		WHERE processed_callbacks.expires_at <= excluded.processed_at
	`), key, now, now.Add(g.window))
	if err != nil {
		return fmt.Errorf("failed to mark processed callback: %w", err)
	}
	return nil
}

// Sweep deletes expired records
func (g *SQLGuard) Sweep(ctx context.Context) (int, error) {
	res, err := g.db.ExecContext(ctx, g.db.Rebind(`DELETE FROM processed_callbacks WHERE expires_at <= ?`), g.now())
	if err != nil {
		return 0, fmt.Errorf("failed to sweep processed callbacks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to sweep processed callbacks: %w", err)
	}
	return int(n), nil
}
