package domain

import "time"

// EntryKind classifies a balance mutation
type EntryKind string

// Ledger entry kinds
const (
	EntryKindUsage    EntryKind = "USAGE"
	EntryKindRefund   EntryKind = "REFUND"
	EntryKindBonus    EntryKind = "BONUS"
	EntryKindPurchase EntryKind = "PURCHASE"
)

// Account is the per-user prepaid balance
type Account struct {
	UserID        string
	Available     int64
	TotalConsumed int64
	UpdatedAt     time.Time
}

// LedgerEntry is an immutable record of one balance mutation
type LedgerEntry struct {
	ID           string
	UserID       string
	SignedAmount int64
	Kind         EntryKind
	Description  string
	Metadata     map[string]string
	ReferenceID  string
	BalanceAfter int64
	CreatedAt    time.Time
}

// Metadata keys written by the lifecycle manager
const (
	MetadataJobID   = "job_id"
	MetadataJobKind = "job_kind"
	MetadataReason  = "reason"

	// MetadataGrantReference holds the caller's reference for a BONUS or PURCHASE
	MetadataGrantReference = "grant_reference"
)
