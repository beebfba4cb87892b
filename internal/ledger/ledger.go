// Package ledger keeps per-user prepaid credit balances and the append-only
// history of every mutation applied to them.
//
// Every mutation runs a single conditional UPDATE on credit_accounts followed
// by an INSERT into ledger_entries in the same transaction, so a balance and
// its history can never disagree and concurrent debits cannot overdraw.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/cuongbtq/genjobs/internal/domain"
	"github.com/cuongbtq/genjobs/internal/pagination"
	"github.com/cuongbtq/genjobs/shared/postgresql"
)

// Ledger is the credit ledger backed by SQL storage
type Ledger struct {
	db     *sqlx.DB
	logger *slog.Logger
	now    func() time.Time
}

// New creates a ledger on db
func New(db *sqlx.DB, logger *slog.Logger) *Ledger {
	return &Ledger{
		db:     db,
		logger: logger,
		now:    func() time.Time { return domain.Timestamp(time.Now()) },
	}
}

// DebitRequest charges unitCost * quantity credits
type DebitRequest struct {
	UserID      string
	UsageKind   string
	UnitCost    int64
	Quantity    int64
	Description string
	Metadata    map[string]string
	ReferenceID string
}

// RefundRequest returns credits for a failed job
type RefundRequest struct {
	UserID      string
	Amount      int64
	Reason      string
	Metadata    map[string]string
	ReferenceID string
}

// GrantRequest adds BONUS or PURCHASE credits
type GrantRequest struct {
	UserID      string
	Kind        domain.EntryKind
	Amount      int64
	Description string
	Metadata    map[string]string
	// ExternalReference identifies the purchase or promotion. It is kept in
	// metadata since reference_id is reserved for job ids.
	ExternalReference string
}

// Result is the balance after a mutation together with the entry it produced
type Result struct {
	Account domain.Account
	Entry   domain.LedgerEntry
}

// EntryFilter selects one page of a user's history
type EntryFilter struct {
	PageSize int
	Cursor   *pagination.Cursor
}

// Reconciliation compares the stored balance against the replayed history
type Reconciliation struct {
	UserID        string
	Available     int64
	TotalConsumed int64
	EntrySum      int64
	EntryCount    int64
	Consistent    bool
}

type accountRow struct {
	UserID        string    `db:"user_id"`
	Available     int64     `db:"available"`
	TotalConsumed int64     `db:"total_consumed"`
	UpdatedAt     time.Time `db:"updated_at"`
}

type balanceRow struct {
	Available     int64 `db:"available"`
	TotalConsumed int64 `db:"total_consumed"`
}

type entryRow struct {
	ID           string    `db:"id"`
	UserID       string    `db:"user_id"`
	SignedAmount int64     `db:"signed_amount"`
	Kind         string    `db:"kind"`
	Description  string    `db:"description"`
	Metadata     string    `db:"metadata"`
	ReferenceID  *string   `db:"reference_id"`
	BalanceAfter int64     `db:"balance_after"`
	CreatedAt    time.Time `db:"created_at"`
}

const entryColumns = `id, user_id, signed_amount, kind, description, metadata, reference_id, balance_after, created_at`

// Debit charges a user in its own transaction
func (l *Ledger) Debit(ctx context.Context, req DebitRequest) (*Result, error) {
	var result *Result
	err := postgresql.WithTx(ctx, l.db, func(tx *sqlx.Tx) error {
		var err error
		result, err = l.DebitTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DebitTx charges a user inside tx. The balance check and the decrement are
// one statement; a short balance returns *domain.InsufficientCreditsError and
// leaves nothing written.
func (l *Ledger) DebitTx(ctx context.Context, tx *sqlx.Tx, req DebitRequest) (*Result, error) {
	total, err := chargeTotal(req.UnitCost, req.Quantity)
	if err != nil {
		return nil, err
	}

	now := l.now()

	var bal balanceRow
	err = tx.QueryRowxContext(ctx, tx.Rebind(`
		UPDATE credit_accounts
		SET available = available - ?, total_consumed = total_consumed + ?, updated_at = ?
		WHERE user_id = ? AND available >= ?
		RETURNING available, total_consumed
	`), total, total, now, req.UserID, total).StructScan(&bal)

	if errors.Is(err, sql.ErrNoRows) {
		available, lookupErr := availableTx(ctx, tx, req.UserID)
		if lookupErr != nil {
			return nil, lookupErr
		}
		l.logger.Info("Debit rejected",
			slog.String("user_id", req.UserID),
			slog.Int64("available", available),
			slog.Int64("required", total),
		)
		return nil, &domain.InsufficientCreditsError{UserID: req.UserID, Available: available, Required: total}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to debit account: %w", err)
	}

	description := req.Description
	if description == "" {
		description = fmt.Sprintf("%s usage: %d x %d credits", req.UsageKind, req.Quantity, req.UnitCost)
	}

	entry := domain.LedgerEntry{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		SignedAmount: -total,
		Kind:         domain.EntryKindUsage,
		Description:  description,
		Metadata:     req.Metadata,
		ReferenceID:  req.ReferenceID,
		BalanceAfter: bal.Available,
		CreatedAt:    now,
	}
	if err := insertEntry(ctx, tx, &entry); err != nil {
		return nil, err
	}

	l.logger.Debug("Account debited",
		slog.String("user_id", req.UserID),
		slog.Int64("amount", total),
		slog.Int64("available", bal.Available),
	)

	return &Result{
		Account: domain.Account{UserID: req.UserID, Available: bal.Available, TotalConsumed: bal.TotalConsumed, UpdatedAt: now},
		Entry:   entry,
	}, nil
}

// Refund returns credits in its own transaction
func (l *Ledger) Refund(ctx context.Context, req RefundRequest) (*Result, error) {
	var result *Result
	err := postgresql.WithTx(ctx, l.db, func(tx *sqlx.Tx) error {
		var err error
		result, err = l.RefundTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RefundTx returns credits inside tx. totalConsumed decreases by the amount
// but never below zero. A zero amount is still recorded with its reason.
func (l *Ledger) RefundTx(ctx context.Context, tx *sqlx.Tx, req RefundRequest) (*Result, error) {
	if req.Amount < 0 {
		return nil, fmt.Errorf("%w: refund amount %d", domain.ErrInvalidAmount, req.Amount)
	}

	now := l.now()
	if err := ensureAccount(ctx, tx, req.UserID, now); err != nil {
		return nil, err
	}

	var bal balanceRow
	err := tx.QueryRowxContext(ctx, tx.Rebind(`
		UPDATE credit_accounts
		SET available = available + ?,
		    total_consumed = CASE WHEN total_consumed > ? THEN total_consumed - ? ELSE 0 END,
		    updated_at = ?
		WHERE user_id = ?
		RETURNING available, total_consumed
	`), req.Amount, req.Amount, req.Amount, now, req.UserID).StructScan(&bal)
	if err != nil {
		return nil, fmt.Errorf("failed to refund account: %w", err)
	}

	metadata := withMetadata(req.Metadata, domain.MetadataReason, req.Reason)
	entry := domain.LedgerEntry{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		SignedAmount: req.Amount,
		Kind:         domain.EntryKindRefund,
		Description:  "refund: " + req.Reason,
		Metadata:     metadata,
		ReferenceID:  req.ReferenceID,
		BalanceAfter: bal.Available,
		CreatedAt:    now,
	}
	if err := insertEntry(ctx, tx, &entry); err != nil {
		return nil, err
	}

	l.logger.Info("Account refunded",
		slog.String("user_id", req.UserID),
		slog.Int64("amount", req.Amount),
		slog.String("reason", req.Reason),
		slog.Int64("available", bal.Available),
	)

	return &Result{
		Account: domain.Account{UserID: req.UserID, Available: bal.Available, TotalConsumed: bal.TotalConsumed, UpdatedAt: now},
		Entry:   entry,
	}, nil
}

// Grant adds BONUS or PURCHASE credits, creating the account on first use
func (l *Ledger) Grant(ctx context.Context, req GrantRequest) (*Result, error) {
	if req.Kind != domain.EntryKindBonus && req.Kind != domain.EntryKindPurchase {
		return nil, fmt.Errorf("%w: grant kind %q", domain.ErrInvalidAmount, req.Kind)
	}
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: grant amount %d", domain.ErrInvalidAmount, req.Amount)
	}

	var result *Result
	err := postgresql.WithTx(ctx, l.db, func(tx *sqlx.Tx) error {
		now := l.now()
		if err := ensureAccount(ctx, tx, req.UserID, now); err != nil {
			return err
		}

		var bal balanceRow
		err := tx.QueryRowxContext(ctx, tx.Rebind(`
			UPDATE credit_accounts
			SET available = available + ?, updated_at = ?
			WHERE user_id = ?
			RETURNING available, total_consumed
		`), req.Amount, now, req.UserID).StructScan(&bal)
		if err != nil {
			return fmt.Errorf("failed to credit account: %w", err)
		}

		description := req.Description
		if description == "" {
			description = fmt.Sprintf("%s: %d credits", req.Kind, req.Amount)
		}

		entry := domain.LedgerEntry{
			ID:           uuid.NewString(),
			UserID:       req.UserID,
			SignedAmount: req.Amount,
			Kind:         req.Kind,
			Description:  description,
			Metadata:     withMetadata(req.Metadata, domain.MetadataGrantReference, req.ExternalReference),
			BalanceAfter: bal.Available,
			CreatedAt:    now,
		}
		if err := insertEntry(ctx, tx, &entry); err != nil {
			return err
		}

		result = &Result{
			Account: domain.Account{UserID: req.UserID, Available: bal.Available, TotalConsumed: bal.TotalConsumed, UpdatedAt: now},
			Entry:   entry,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("Credits granted",
		slog.String("user_id", req.UserID),
		slog.String("kind", string(req.Kind)),
		slog.Int64("amount", req.Amount),
	)
	return result, nil
}

// Balance returns the account. Unknown users have a zero balance.
func (l *Ledger) Balance(ctx context.Context, userID string) (*domain.Account, error) {
	var row accountRow
	err := l.db.GetContext(ctx, &row, l.db.Rebind(`
		SELECT user_id, available, total_consumed, updated_at
		FROM credit_accounts
		WHERE user_id = ?
	`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return &domain.Account{UserID: userID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balance: %w", err)
	}

	return &domain.Account{
		UserID:        row.UserID,
		Available:     row.Available,
		TotalConsumed: row.TotalConsumed,
		UpdatedAt:     row.UpdatedAt,
	}, nil
}

// Entries returns one page of history, newest first. It fetches one extra
// row so callers can tell whether another page exists.
func (l *Ledger) Entries(ctx context.Context, userID string, filter EntryFilter) ([]domain.LedgerEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM ledger_entries WHERE user_id = ?`
	args := []interface{}{userID}

	if filter.Cursor != nil {
		query += ` AND (created_at < ? OR (created_at = ? AND id < ?))`
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.CreatedAt, filter.Cursor.ID)
	}

	query += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, pagination.ClampPageSize(filter.PageSize)+1)

	var rows []entryRow
	if err := l.db.SelectContext(ctx, &rows, l.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	return toEntries(rows)
}

// EntriesForReference returns every entry tagged with referenceID, oldest first
func (l *Ledger) EntriesForReference(ctx context.Context, referenceID string) ([]domain.LedgerEntry, error) {
	var rows []entryRow
	err := l.db.SelectContext(ctx, &rows, l.db.Rebind(`
		SELECT `+entryColumns+`
		FROM ledger_entries
		WHERE reference_id = ?
		ORDER BY created_at ASC, id ASC
	`), referenceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger entries for reference: %w", err)
	}
	return toEntries(rows)
}

// Reconcile replays the user's history and compares it with the stored balance
func (l *Ledger) Reconcile(ctx context.Context, userID string) (*Reconciliation, error) {
	account, err := l.Balance(ctx, userID)
	if err != nil {
		return nil, err
	}

	var sums struct {
		Total int64 `db:"total"`
		Count int64 `db:"count"`
	}
	err = l.db.GetContext(ctx, &sums, l.db.Rebind(`
		SELECT COALESCE(SUM(signed_amount), 0) AS total, COUNT(*) AS count
		FROM ledger_entries
		WHERE user_id = ?
	`), userID)
	if err != nil {
		return nil, fmt.Errorf("failed to sum ledger entries: %w", err)
	}

	rec := &Reconciliation{
		UserID:        userID,
		Available:     account.Available,
		TotalConsumed: account.TotalConsumed,
		EntrySum:      sums.Total,
		EntryCount:    sums.Count,
		Consistent:    sums.Total == account.Available,
	}
	if !rec.Consistent {
		l.logger.Error("Ledger out of balance",
			slog.String("user_id", userID),
			slog.Int64("available", rec.Available),
			slog.Int64("entry_sum", rec.EntrySum),
		)
	}
	return rec, nil
}

func chargeTotal(unitCost, quantity int64) (int64, error) {
	if unitCost <= 0 || quantity <= 0 {
		return 0, fmt.Errorf("%w: unit cost %d, quantity %d", domain.ErrInvalidAmount, unitCost, quantity)
	}
	if unitCost > math.MaxInt64/quantity {
		return 0, fmt.Errorf("%w: %d x %d overflows", domain.ErrInvalidAmount, unitCost, quantity)
	}
	return unitCost * quantity, nil
}

func ensureAccount(ctx context.Context, tx *sqlx.Tx, userID string, now time.Time) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO credit_accounts (user_id, available, total_consumed, created_at, updated_at)
		VALUES (?, 0, 0, ?, ?)
		ON CONFLICT (user_id) DO NOTHING
	`), userID, now, now)
	if err != nil {
		return fmt.Errorf("failed to ensure account: %w", err)
	}
	return nil
}

func availableTx(ctx context.Context, tx *sqlx.Tx, userID string) (int64, error) {
	var available int64
	err := tx.GetContext(ctx, &available, tx.Rebind(`SELECT available FROM credit_accounts WHERE user_id = ?`), userID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return available, nil
}

func insertEntry(ctx context.Context, tx *sqlx.Tx, entry *domain.LedgerEntry) error {
	metadata, err := encodeMetadata(entry.Metadata)
	if err != nil {
		return err
	}

	var referenceID *string
	if entry.ReferenceID != "" {
		referenceID = &entry.ReferenceID
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO ledger_entries (`+entryColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		entry.ID,
		entry.UserID,
		entry.SignedAmount,
		string(entry.Kind),
		entry.Description,
		metadata,
		referenceID,
		entry.BalanceAfter,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert ledger entry: %w", err)
	}
	return nil
}

func encodeMetadata(metadata map[string]string) (string, error) {
	if len(metadata) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("failed to encode entry metadata: %w", err)
	}
	return string(data), nil
}

func withMetadata(metadata map[string]string, key, value string) map[string]string {
	out := make(map[string]string, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	if value != "" {
		out[key] = value
	}
	return out
}

func toEntries(rows []entryRow) ([]domain.LedgerEntry, error) {
	entries := make([]domain.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		var metadata map[string]string
		if row.Metadata != "" {
			if err := json.Unmarshal([]byte(row.Metadata), &metadata); err != nil {
				return nil, fmt.Errorf("failed to decode metadata of entry %s: %w", row.ID, err)
			}
		}

		entry := domain.LedgerEntry{
			ID:           row.ID,
			UserID:       row.UserID,
			SignedAmount: row.SignedAmount,
			Kind:         domain.EntryKind(row.Kind),
			Description:  row.Description,
			Metadata:     metadata,
			BalanceAfter: row.BalanceAfter,
			CreatedAt:    row.CreatedAt,
		}
		if row.ReferenceID != nil {
			entry.ReferenceID = *row.ReferenceID
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
