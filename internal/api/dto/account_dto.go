package dto

import "github.com/cuongbtq/genjobs/internal/domain"

type BalanceResponse struct {
	UserID        string `json:"user_id"`
	Available     int64  `json:"available"`
	TotalConsumed int64  `json:"total_consumed"`
}

type GrantCreditsRequest struct {
	Amount      int64             `json:"amount" binding:"required,gt=0"`
	Kind        string            `json:"kind" binding:"required,oneof=BONUS PURCHASE"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
	// ExternalReference is the payment or promotion id, echoed in entry metadata
	ExternalReference string `json:"external_reference"`
}

type GrantCreditsResponse struct {
	BalanceResponse
	Entry LedgerEntryDTO `json:"entry"`
}

type ListEntriesRequest struct {
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListEntriesResponse struct {
	Entries    []LedgerEntryDTO `json:"entries"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type LedgerEntryDTO struct {
	EntryID      string            `json:"entry_id"`
	SignedAmount int64             `json:"signed_amount"`
	Kind         string            `json:"kind"`
	Description  string            `json:"description,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	ReferenceID  string            `json:"reference_id,omitempty"`
	BalanceAfter int64             `json:"balance_after"`
	CreatedAt    string            `json:"created_at"`
}

// JobEntriesResponse lists the ledger entries of one job. NetAmount is zero
// for a refunded job.
type JobEntriesResponse struct {
	JobID     string           `json:"job_id"`
	Entries   []LedgerEntryDTO `json:"entries"`
	NetAmount int64            `json:"net_amount"`
}

type ReconciliationResponse struct {
	UserID        string `json:"user_id"`
	Available     int64  `json:"available"`
	TotalConsumed int64  `json:"total_consumed"`
	EntrySum      int64  `json:"entry_sum"`
	EntryCount    int64  `json:"entry_count"`
	Consistent    bool   `json:"consistent"`
}

func FromAccount(a *domain.Account) BalanceResponse {
	return BalanceResponse{
		UserID:        a.UserID,
		Available:     a.Available,
		TotalConsumed: a.TotalConsumed,
	}
}

func FromEntry(e *domain.LedgerEntry) LedgerEntryDTO {
	return LedgerEntryDTO{
		EntryID:      e.ID,
		SignedAmount: e.SignedAmount,
		Kind:         string(e.Kind),
		Description:  e.Description,
		Metadata:     e.Metadata,
		ReferenceID:  e.ReferenceID,
		BalanceAfter: e.BalanceAfter,
		CreatedAt:    formatTime(e.CreatedAt),
	}
}
