package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/sanadpay/wallet/internal/models"
)

// reversalRefSuffix links compensating entries to the transaction they undo.
const reversalRefSuffix = ":rev"

// JournalService is the append-only double-entry ledger core. Entries are
// immutable once posted; corrections are new reversing entries, never edits.
type JournalService struct {
	db    *sql.DB
	audit *AuditService
}

func NewJournalService(db *sql.DB, audit *AuditService) *JournalService {
	return &JournalService{db: db, audit: audit}
}

// Post atomically posts one balanced transaction. Either every entry is
// posted or none are.
func (s *JournalService) Post(ctx context.Context, transactionRef string, entries []models.EntryInput, userID string) (*models.PostedBatch, error) {
	if transactionRef == "" {
		return nil, fmt.Errorf("%w: transaction_ref is required", ErrValidation)
	}
	if err := validateEntries(entries); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Account locks come first: two concurrent posts under the same ref
	// touch the same accounts, so the duplicate check below is serialized
	// and cannot pass twice.
	if err := lockEntryAccounts(tx, entries); err != nil {
		return nil, err
	}

	var exists bool
	err = tx.QueryRow(`SELECT EXISTS(SELECT 1 FROM journal_entries WHERE transaction_ref = $1)`,
		transactionRef).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("check transaction_ref: %w", err)
	}
	if exists {
		return nil, ErrDuplicateRef
	}

	posted, err := insertEntries(tx, transactionRef, entries)
	if err != nil {
		return nil, err
	}

	if _, err := s.audit.Record(tx, AuditRecord{
		EntityType: "journal",
		EntityID:   transactionRef,
		Action:     "journal.post",
		UserID:     userID,
		After:      posted,
		TraceID:    traceIDFromContext(ctx),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	log.Printf("[JOURNAL] Posted %d entries for %s", len(posted), transactionRef)
	return &models.PostedBatch{TransactionRef: transactionRef, Entries: posted}, nil
}

// PostTx posts validated entries inside an open transaction. It locks every
// referenced account row, so callers composing larger mutations (hold
// capture, forfeit) share the ledger's serialization and invariants.
func (s *JournalService) PostTx(tx *sql.Tx, transactionRef string, entries []models.EntryInput) ([]models.JournalEntry, error) {
	if err := validateEntries(entries); err != nil {
		return nil, err
	}
	if err := lockEntryAccounts(tx, entries); err != nil {
		return nil, err
	}
	return insertEntries(tx, transactionRef, entries)
}

func insertEntries(tx *sql.Tx, transactionRef string, entries []models.EntryInput) ([]models.JournalEntry, error) {
	now := time.Now().UTC()
	posted := make([]models.JournalEntry, 0, len(entries))
	for _, in := range entries {
		entry := models.JournalEntry{
			ID:             uuid.NewString(),
			AccountID:      in.AccountID,
			EntryType:      in.EntryType,
			Category:       in.Category,
			Amount:         in.Amount,
			Currency:       in.Currency,
			TransactionRef: transactionRef,
			ServiceRef:     in.ServiceRef,
			Status:         models.EntryStatusPosted,
			Description:    in.Description,
			CreatedAt:      now,
			PostedAt:       &now,
		}
		_, err := tx.Exec(`
			INSERT INTO journal_entries
			(id, account_id, entry_type, category, amount, currency, transaction_ref, service_ref, status, description, created_at, posted_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			entry.ID, entry.AccountID, entry.EntryType, entry.Category, entry.Amount,
			entry.Currency, entry.TransactionRef, entry.ServiceRef, entry.Status,
			entry.Description, entry.CreatedAt, entry.PostedAt)
		if err != nil {
			return nil, fmt.Errorf("insert journal entry: %w", err)
		}
		posted = append(posted, entry)
	}
	return posted, nil
}

// Reverse posts compensating entries with swapped entry types under
// transactionRef + ":rev" and flags the originals as reversed.
func (s *JournalService) Reverse(ctx context.Context, transactionRef, userID string) (*models.PostedBatch, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.Query(`
		SELECT id, account_id, entry_type, category, amount, currency, service_ref, status, description
		FROM journal_entries
		WHERE transaction_ref = $1
		ORDER BY id
		FOR UPDATE`, transactionRef)
	if err != nil {
		return nil, fmt.Errorf("load entries for %s: %w", transactionRef, err)
	}

	var originals []models.JournalEntry
	for rows.Next() {
		var e models.JournalEntry
		if err := rows.Scan(&e.ID, &e.AccountID, &e.EntryType, &e.Category, &e.Amount,
			&e.Currency, &e.ServiceRef, &e.Status, &e.Description); err != nil {
			rows.Close()
			return nil, err
		}
		originals = append(originals, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	if len(originals) == 0 {
		return nil, fmt.Errorf("transaction %s: %w", transactionRef, ErrNotFound)
	}
	for _, e := range originals {
		if e.Status != models.EntryStatusPosted {
			return nil, fmt.Errorf("%w: entry %s is %s, only posted entries can be reversed",
				ErrStateConflict, e.ID, e.Status)
		}
	}

	compensating := make([]models.EntryInput, 0, len(originals))
	for _, e := range originals {
		swapped := models.EntryTypeDebit
		if e.EntryType == models.EntryTypeDebit {
			swapped = models.EntryTypeCredit
		}
		compensating = append(compensating, models.EntryInput{
			AccountID:   e.AccountID,
			EntryType:   swapped,
			Category:    e.Category,
			Amount:      e.Amount,
			Currency:    e.Currency,
			ServiceRef:  e.ServiceRef,
			Description: "reversal of " + transactionRef,
		})
	}

	reversalRef := transactionRef + reversalRefSuffix
	posted, err := s.PostTx(tx, reversalRef, compensating)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = tx.Exec(`
		UPDATE journal_entries
		SET status = 'reversed', reversed_at = $1
		WHERE transaction_ref = $2`, now, transactionRef)
	if err != nil {
		return nil, fmt.Errorf("flag originals reversed: %w", err)
	}

	if _, err := s.audit.Record(tx, AuditRecord{
		EntityType: "journal",
		EntityID:   transactionRef,
		Action:     "journal.reverse",
		UserID:     userID,
		Before:     originals,
		After:      posted,
		TraceID:    traceIDFromContext(ctx),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	log.Printf("[JOURNAL] Reversed %s with %d compensating entries", transactionRef, len(posted))
	return &models.PostedBatch{TransactionRef: reversalRef, Entries: posted}, nil
}

// validateEntries rejects a transaction before any write: non-negative
// amounts, known entry types, 3-letter currencies, and a zero signed sum per
// currency.
func validateEntries(entries []models.EntryInput) error {
	if len(entries) == 0 {
		return fmt.Errorf("%w: at least one entry is required", ErrValidation)
	}
	sums := map[string]int64{}
	for _, e := range entries {
		if e.AccountID == "" {
			return fmt.Errorf("%w: entry account_id is required", ErrValidation)
		}
		if e.Amount < 0 {
			return ErrNegativeAmount
		}
		if e.EntryType != models.EntryTypeDebit && e.EntryType != models.EntryTypeCredit {
			return fmt.Errorf("%w: unknown entry type %q", ErrValidation, e.EntryType)
		}
		if len(e.Currency) != 3 {
			return fmt.Errorf("%w: currency must be a 3-letter code, got %q", ErrValidation, e.Currency)
		}
		sums[e.Currency] += e.Signed()
	}
	for currency, sum := range sums {
		if sum != 0 {
			return fmt.Errorf("%w (%s: %d)", ErrUnbalancedEntries, currency, sum)
		}
	}
	return nil
}

// lockEntryAccounts locks every distinct referenced account in a consistent
// order to prevent deadlocks, and checks each one is active.
func lockEntryAccounts(tx *sql.Tx, entries []models.EntryInput) error {
	seen := map[string]bool{}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !seen[e.AccountID] {
			seen[e.AccountID] = true
			ids = append(ids, e.AccountID)
		}
	}
	sort.Strings(ids)

	for _, id := range ids {
		status, err := lockAccountTx(tx, id)
		if err != nil {
			return err
		}
		switch status {
		case models.AccountStatusActive:
		case models.AccountStatusClosed:
			return fmt.Errorf("account %s: %w", id, ErrAccountClosed)
		default:
			return fmt.Errorf("account %s: %w", id, ErrAccountNotActive)
		}
	}
	return nil
}
