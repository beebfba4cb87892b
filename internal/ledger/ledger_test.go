package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/genjobs/internal/domain"
	"github.com/cuongbtq/genjobs/internal/pagination"
	"github.com/cuongbtq/genjobs/internal/testutil"
	"github.com/cuongbtq/genjobs/shared/logger"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return New(testutil.NewDB(t), logger.NewDiscard().Logger)
}

func grant(t *testing.T, l *Ledger, userID string, amount int64) {
	t.Helper()
	_, err := l.Grant(context.Background(), GrantRequest{UserID: userID, Kind: domain.EntryKindPurchase, Amount: amount})
	require.NoError(t, err)
}

func TestGrant_CreatesAccount(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	result, err := l.Grant(ctx, GrantRequest{UserID: "u1", Kind: domain.EntryKindBonus, Amount: 50, Description: "welcome"})
	require.NoError(t, err)

	assert.Equal(t, int64(50), result.Account.Available)
	assert.Equal(t, int64(0), result.Account.TotalConsumed)
	assert.Equal(t, domain.EntryKindBonus, result.Entry.Kind)
	assert.Equal(t, int64(50), result.Entry.SignedAmount)
	assert.Equal(t, int64(50), result.Entry.BalanceAfter)
	assert.Equal(t, "welcome", result.Entry.Description)

	account, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), account.Available)
}

func TestGrant_ExternalReferenceStaysOutOfJobReferences(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	result, err := l.Grant(ctx, GrantRequest{
		UserID:            "u1",
		Kind:              domain.EntryKindPurchase,
		Amount:            30,
		Metadata:          map[string]string{"channel": "stripe"},
		ExternalReference: "job-7",
	})
	require.NoError(t, err)
	assert.Empty(t, result.Entry.ReferenceID)
	assert.Equal(t, "job-7", result.Entry.Metadata[domain.MetadataGrantReference])
	assert.Equal(t, "stripe", result.Entry.Metadata["channel"])

	entries, err := l.EntriesForReference(ctx, "job-7")
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGrant_Rejects(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	_, err := l.Grant(ctx, GrantRequest{UserID: "u1", Kind: domain.EntryKindPurchase, Amount: 0})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)

	_, err = l.Grant(ctx, GrantRequest{UserID: "u1", Kind: domain.EntryKindUsage, Amount: 10})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestBalance_UnknownUser(t *testing.T) {
	l := newTestLedger(t)

	account, err := l.Balance(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, "nobody", account.UserID)
	assert.Zero(t, account.Available)
	assert.Zero(t, account.TotalConsumed)
}

func TestDebit(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	grant(t, l, "u1", 100)

	result, err := l.Debit(ctx, DebitRequest{
		UserID:      "u1",
		UsageKind:   "VIDEO",
		UnitCost:    10,
		Quantity:    3,
		Metadata:    map[string]string{domain.MetadataJobID: "job-1"},
		ReferenceID: "job-1",
	})
	require.NoError(t, err)

	assert.Equal(t, int64(70), result.Account.Available)
	assert.Equal(t, int64(30), result.Account.TotalConsumed)
	assert.Equal(t, domain.EntryKindUsage, result.Entry.Kind)
	assert.Equal(t, int64(-30), result.Entry.SignedAmount)
	assert.Equal(t, int64(70), result.Entry.BalanceAfter)
	assert.Equal(t, "job-1", result.Entry.ReferenceID)

	entries, err := l.EntriesForReference(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "job-1", entries[0].Metadata[domain.MetadataJobID])
}

func TestDebit_InsufficientCredits(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	grant(t, l, "u1", 25)

	_, err := l.Debit(ctx, DebitRequest{UserID: "u1", UsageKind: "IMAGE", UnitCost: 10, Quantity: 3})
	require.Error(t, err)

	var insufficient *domain.InsufficientCreditsError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, int64(25), insufficient.Available)
	assert.Equal(t, int64(30), insufficient.Required)
	assert.Equal(t, int64(5), insufficient.Shortfall())

	// nothing was written
	account, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(25), account.Available)
	assert.Zero(t, account.TotalConsumed)

	entries, err := l.Entries(ctx, "u1", EntryFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestDebit_UnknownUser(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.Debit(context.Background(), DebitRequest{UserID: "ghost", UnitCost: 1, Quantity: 1})

	var insufficient *domain.InsufficientCreditsError
	require.True(t, errors.As(err, &insufficient))
	assert.Zero(t, insufficient.Available)
	assert.Equal(t, int64(1), insufficient.Required)
}

func TestDebit_InvalidAmounts(t *testing.T) {
	l := newTestLedger(t)
	grant(t, l, "u1", 10)

	tests := []struct {
		name     string
		unitCost int64
		quantity int64
	}{
		{name: "zero cost", unitCost: 0, quantity: 1},
		{name: "zero quantity", unitCost: 1, quantity: 0},
		{name: "negative cost", unitCost: -5, quantity: 1},
		{name: "overflow", unitCost: 1 << 62, quantity: 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.Debit(context.Background(), DebitRequest{UserID: "u1", UnitCost: tt.unitCost, Quantity: tt.quantity})
			assert.ErrorIs(t, err, domain.ErrInvalidAmount)
		})
	}
}

func TestDebit_ConcurrentNeverOverdraws(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	grant(t, l, "u1", 50)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Debit(ctx, DebitRequest{UserID: "u1", UnitCost: 10, Quantity: 1})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			var insufficient *domain.InsufficientCreditsError
			assert.True(t, errors.As(err, &insufficient))
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, succeeded)

	account, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Zero(t, account.Available)
	assert.Equal(t, int64(50), account.TotalConsumed)
}

func TestRefund(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	grant(t, l, "u1", 40)

	_, err := l.Debit(ctx, DebitRequest{UserID: "u1", UnitCost: 15, Quantity: 2, ReferenceID: "job-9"})
	require.NoError(t, err)

	result, err := l.Refund(ctx, RefundRequest{UserID: "u1", Amount: 30, Reason: "worker failed", ReferenceID: "job-9"})
	require.NoError(t, err)

	assert.Equal(t, int64(40), result.Account.Available)
	assert.Zero(t, result.Account.TotalConsumed)
	assert.Equal(t, domain.EntryKindRefund, result.Entry.Kind)
	assert.Equal(t, "worker failed", result.Entry.Metadata[domain.MetadataReason])

	entries, err := l.EntriesForReference(ctx, "job-9")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	var sum int64
	for _, e := range entries {
		sum += e.SignedAmount
	}
	assert.Zero(t, sum)
}

func TestRefund_TotalConsumedFloorsAtZero(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	grant(t, l, "u1", 10)

	_, err := l.Debit(ctx, DebitRequest{UserID: "u1", UnitCost: 5, Quantity: 1})
	require.NoError(t, err)

	result, err := l.Refund(ctx, RefundRequest{UserID: "u1", Amount: 8, Reason: "goodwill"})
	require.NoError(t, err)

	assert.Equal(t, int64(13), result.Account.Available)
	assert.Zero(t, result.Account.TotalConsumed)
}

func TestRefund_ZeroAmountIsRecorded(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	result, err := l.Refund(ctx, RefundRequest{UserID: "u2", Amount: 0, Reason: "withheld"})
	require.NoError(t, err)
	assert.Zero(t, result.Account.Available)

	entries, err := l.Entries(ctx, "u2", EntryFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.EntryKindRefund, entries[0].Kind)
	assert.Equal(t, "withheld", entries[0].Metadata[domain.MetadataReason])
}

func TestRefund_NegativeAmount(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.Refund(context.Background(), RefundRequest{UserID: "u1", Amount: -1})
	assert.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestEntries_Pagination(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	base := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	step := 0
	l.now = func() time.Time {
		step++
		return base.Add(time.Duration(step) * time.Second)
	}

	for i := 0; i < 5; i++ {
		grant(t, l, "u1", int64(i+1))
	}

	first, err := l.Entries(ctx, "u1", EntryFilter{PageSize: 2})
	require.NoError(t, err)
	// one extra row signals another page
	require.Len(t, first, 3)
	assert.Equal(t, int64(5), first[0].SignedAmount)
	assert.Equal(t, int64(4), first[1].SignedAmount)

	cursor := &pagination.Cursor{CreatedAt: first[1].CreatedAt, ID: first[1].ID}
	second, err := l.Entries(ctx, "u1", EntryFilter{PageSize: 2, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, second, 3)
	assert.Equal(t, int64(3), second[0].SignedAmount)
	assert.Equal(t, int64(2), second[1].SignedAmount)

	cursor = &pagination.Cursor{CreatedAt: second[1].CreatedAt, ID: second[1].ID}
	last, err := l.Entries(ctx, "u1", EntryFilter{PageSize: 2, Cursor: cursor})
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, int64(1), last[0].SignedAmount)
}

func TestReconcile(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	grant(t, l, "u1", 100)

	_, err := l.Debit(ctx, DebitRequest{UserID: "u1", UnitCost: 7, Quantity: 3})
	require.NoError(t, err)
	_, err = l.Refund(ctx, RefundRequest{UserID: "u1", Amount: 21, Reason: "dispatch rejected"})
	require.NoError(t, err)
	_, err = l.Debit(ctx, DebitRequest{UserID: "u1", UnitCost: 9, Quantity: 1})
	require.NoError(t, err)

	rec, err := l.Reconcile(ctx, "u1")
	require.NoError(t, err)

	assert.True(t, rec.Consistent)
	assert.Equal(t, int64(91), rec.Available)
	assert.Equal(t, int64(91), rec.EntrySum)
	assert.Equal(t, int64(4), rec.EntryCount)
	assert.Equal(t, int64(9), rec.TotalConsumed)
}
