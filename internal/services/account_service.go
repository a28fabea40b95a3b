package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/sanadpay/wallet/internal/models"
)

// AccountService owns account records and balance computation. Balances are
// never stored: posted balance is derived from the journal and available
// balance subtracts active hold reservations.
type AccountService struct {
	db             *sql.DB
	audit          *AuditService
	systemCurrency string
}

func NewAccountService(db *sql.DB, audit *AuditService, systemCurrency string) *AccountService {
	return &AccountService{
		db:             db,
		audit:          audit,
		systemCurrency: systemCurrency,
	}
}

type CreateAccountRequest struct {
	Type       string          `json:"account_type" validate:"required"`
	OwnerID    string          `json:"owner_id" validate:"required"`
	ServiceRef string          `json:"service_ref,omitempty"`
	Limits     json.RawMessage `json:"limits,omitempty"`
}

func (s *AccountService) CreateAccount(ctx context.Context, req CreateAccountRequest, userID string) (*models.Account, error) {
	if !models.ValidAccountType(req.Type) {
		return nil, fmt.Errorf("%w: unknown account type %q", ErrValidation, req.Type)
	}

	now := time.Now().UTC()
	account := &models.Account{
		ID:         uuid.NewString(),
		Type:       req.Type,
		OwnerID:    req.OwnerID,
		ServiceRef: req.ServiceRef,
		Status:     models.AccountStatusActive,
		Limits:     req.Limits,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO accounts (id, account_type, owner_id, service_ref, status, limits, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		account.ID, account.Type, account.OwnerID, account.ServiceRef,
		account.Status, account.Limits, account.CreatedAt, account.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}

	if _, err := s.audit.Record(tx, AuditRecord{
		EntityType: "account",
		EntityID:   account.ID,
		Action:     "account.create",
		UserID:     userID,
		After:      account,
		TraceID:    traceIDFromContext(ctx),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	log.Printf("[ACCOUNT] Created %s account %s for owner %s", account.Type, account.ID, account.OwnerID)
	return account, nil
}

// GetBalance computes posted and available balances for an account in the
// system currency. available = posted credits - posted debits - sum(active
// hold amounts). Sums never mix currencies.
func (s *AccountService) GetBalance(ctx context.Context, accountID string) (*models.Balance, error) {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM accounts WHERE id = $1`, accountID).Scan(&status)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}

	var posted int64
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN entry_type = 'credit' THEN amount ELSE -amount END), 0)
		FROM journal_entries
		WHERE account_id = $1 AND currency = $2 AND status = 'posted'`, accountID, s.systemCurrency).Scan(&posted)
	if err != nil {
		return nil, fmt.Errorf("sum posted entries: %w", err)
	}

	var held int64
	err = s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0)
		FROM holds
		WHERE account_id = $1 AND currency = $2 AND status = 'active'`, accountID, s.systemCurrency).Scan(&held)
	if err != nil {
		return nil, fmt.Errorf("sum active holds: %w", err)
	}

	return &models.Balance{
		AccountID: accountID,
		Posted:    posted,
		Available: posted - held,
		Currency:  s.systemCurrency,
	}, nil
}

// SetStatus transitions an account between active, suspended and closed.
// Closed is terminal.
func (s *AccountService) SetStatus(ctx context.Context, accountID, status, userID string) (*models.Account, error) {
	if !models.ValidAccountStatus(status) {
		return nil, fmt.Errorf("%w: unknown account status %q", ErrValidation, status)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	account := &models.Account{}
	err = tx.QueryRow(`
		SELECT id, account_type, owner_id, service_ref, status, created_at, updated_at
		FROM accounts
		WHERE id = $1
		FOR UPDATE`, accountID).Scan(
		&account.ID, &account.Type, &account.OwnerID, &account.ServiceRef,
		&account.Status, &account.CreatedAt, &account.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock account: %w", err)
	}

	if account.Status == models.AccountStatusClosed {
		return nil, ErrAccountClosed
	}
	before := *account

	now := time.Now().UTC()
	account.Status = status
	account.UpdatedAt = now
	_, err = tx.Exec(`UPDATE accounts SET status = $1, updated_at = $2 WHERE id = $3`,
		status, now, accountID)
	if err != nil {
		return nil, fmt.Errorf("update account status: %w", err)
	}

	if _, err := s.audit.Record(tx, AuditRecord{
		EntityType: "account",
		EntityID:   accountID,
		Action:     "account.set_status",
		UserID:     userID,
		Before:     before,
		After:      account,
		TraceID:    traceIDFromContext(ctx),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	log.Printf("[ACCOUNT] Account %s status %s -> %s", accountID, before.Status, status)
	return account, nil
}

// lockAccountTx takes the account row lock that serializes all balance
// mutations against one account.
func lockAccountTx(tx *sql.Tx, accountID string) (string, error) {
	var status string
	err := tx.QueryRow(`SELECT status FROM accounts WHERE id = $1 FOR UPDATE`, accountID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", ErrAccountNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lock account %s: %w", accountID, err)
	}
	return status, nil
}

// availableBalanceTx computes available balance for one currency inside an
// open transaction. Funds posted in another currency never authorize a hold
// in this one. Callers must hold the account row lock first.
func availableBalanceTx(tx *sql.Tx, accountID, currency string) (int64, error) {
	var posted int64
	err := tx.QueryRow(`
		SELECT COALESCE(SUM(CASE WHEN entry_type = 'credit' THEN amount ELSE -amount END), 0)
		FROM journal_entries
		WHERE account_id = $1 AND currency = $2 AND status = 'posted'`, accountID, currency).Scan(&posted)
	if err != nil {
		return 0, fmt.Errorf("sum posted entries: %w", err)
	}

	var held int64
	err = tx.QueryRow(`
		SELECT COALESCE(SUM(amount), 0)
		FROM holds
		WHERE account_id = $1 AND currency = $2 AND status = 'active'`, accountID, currency).Scan(&held)
	if err != nil {
		return 0, fmt.Errorf("sum active holds: %w", err)
	}

	return posted - held, nil
}
