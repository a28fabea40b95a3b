package models

import (
	"encoding/json"
	"time"
)

// Entry types
const (
	EntryTypeDebit  = "debit"
	EntryTypeCredit = "credit"
)

// Entry statuses
const (
	EntryStatusPending  = "pending"
	EntryStatusPosted   = "posted"
	EntryStatusReversed = "reversed"
)

type JournalEntry struct {
	ID             string          `json:"id" db:"id"`
	AccountID      string          `json:"account_id" db:"account_id"`
	EntryType      string          `json:"entry_type" db:"entry_type"`
	Category       string          `json:"category" db:"category"`
	Amount         int64           `json:"amount" db:"amount"` // integer minor units, >= 0
	Currency       string          `json:"currency" db:"currency"`
	TransactionRef string          `json:"transaction_ref" db:"transaction_ref"`
	ServiceRef     string          `json:"service_ref" db:"service_ref"`
	BatchID        *string         `json:"batch_id,omitempty" db:"batch_id"`
	Status         string          `json:"status" db:"status"`
	Description    string          `json:"description" db:"description"`
	Metadata       json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	PostedAt       *time.Time      `json:"posted_at,omitempty" db:"posted_at"`
	ReversedAt     *time.Time      `json:"reversed_at,omitempty" db:"reversed_at"`
}

// EntryInput is one leg of a transaction submitted for posting.
type EntryInput struct {
	AccountID   string `json:"account_id" validate:"required"`
	EntryType   string `json:"entry_type" validate:"required,oneof=debit credit"`
	Category    string `json:"category" validate:"required"`
	Amount      int64  `json:"amount" validate:"gte=0"`
	Currency    string `json:"currency" validate:"required,len=3"`
	ServiceRef  string `json:"service_ref,omitempty"`
	Description string `json:"description,omitempty"`
}

// PostedBatch is the result of posting or reversing one balanced transaction.
type PostedBatch struct {
	TransactionRef string         `json:"transaction_ref"`
	Entries        []JournalEntry `json:"entries"`
}

// Signed returns the entry amount as a signed value: credits positive,
// debits negative.
func (e EntryInput) Signed() int64 {
	if e.EntryType == EntryTypeDebit {
		return -e.Amount
	}
	return e.Amount
}
