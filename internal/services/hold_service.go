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

// HoldService reserves funds against available balance without journal
// postings, and converts reservations into postings on capture or forfeit.
// A hold leaves active exactly once; terminal states never transition.
type HoldService struct {
	db              *sql.DB
	audit           *AuditService
	journal         *JournalService
	config          *RuntimeConfigService
	platformAccount string
}

func NewHoldService(db *sql.DB, audit *AuditService, journal *JournalService, config *RuntimeConfigService, platformAccount string) *HoldService {
	return &HoldService{
		db:              db,
		audit:           audit,
		journal:         journal,
		config:          config,
		platformAccount: platformAccount,
	}
}

type CreateHoldRequest struct {
	AccountID    string              `json:"account_id" validate:"required"`
	Amount       int64               `json:"amount" validate:"gt=0"`
	Currency     string              `json:"currency" validate:"required,len=3"`
	ExternalRef  string              `json:"external_ref,omitempty"`
	ServiceRef   string              `json:"service_ref,omitempty"`
	ReleaseRules models.ReleaseRules `json:"release_rules"`
}

// CreateHold reserves funds: available balance drops immediately, but no
// journal entry exists until capture or forfeit.
func (s *HoldService) CreateHold(ctx context.Context, req CreateHoldRequest, userID string) (*models.Hold, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: hold amount must be positive", ErrValidation)
	}
	if len(req.Currency) != 3 {
		return nil, fmt.Errorf("%w: currency must be a 3-letter code", ErrValidation)
	}
	if req.ReleaseRules.ReleaseDays < 0 {
		return nil, fmt.Errorf("%w: release_days must not be negative", ErrValidation)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// The account row lock serializes concurrent hold creation: two holds
	// whose combined amount exceeds available balance can never both pass
	// the check below.
	status, err := lockAccountTx(tx, req.AccountID)
	if err != nil {
		return nil, err
	}
	switch status {
	case models.AccountStatusActive:
	case models.AccountStatusClosed:
		return nil, ErrAccountClosed
	default:
		return nil, ErrAccountNotActive
	}

	available, err := availableBalanceTx(tx, req.AccountID, req.Currency)
	if err != nil {
		return nil, err
	}
	if available < req.Amount {
		return nil, fmt.Errorf("%w: available %d, requested %d", ErrInsufficientFunds, available, req.Amount)
	}

	rules, err := json.Marshal(req.ReleaseRules)
	if err != nil {
		return nil, fmt.Errorf("marshal release rules: %w", err)
	}

	hold := &models.Hold{
		ID:           uuid.NewString(),
		AccountID:    req.AccountID,
		Status:       models.HoldStatusActive,
		Amount:       req.Amount,
		Currency:     req.Currency,
		ExternalRef:  req.ExternalRef,
		ServiceRef:   req.ServiceRef,
		ReleaseRules: req.ReleaseRules,
		CreatedAt:    time.Now().UTC(),
	}
	_, err = tx.Exec(`
		INSERT INTO holds (id, account_id, status, amount, currency, external_ref, service_ref, release_rules, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		hold.ID, hold.AccountID, hold.Status, hold.Amount, hold.Currency,
		hold.ExternalRef, hold.ServiceRef, rules, hold.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert hold: %w", err)
	}

	if _, err := s.audit.Record(tx, AuditRecord{
		EntityType: "hold",
		EntityID:   hold.ID,
		Action:     "hold.create",
		UserID:     userID,
		After:      hold,
		TraceID:    traceIDFromContext(ctx),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	log.Printf("[HOLD] Created hold %s for %d %s against account %s", hold.ID, hold.Amount, hold.Currency, hold.AccountID)
	return hold, nil
}

// Release returns the full reservation to available balance. No journal
// entry is created.
func (s *HoldService) Release(ctx context.Context, holdID, userID string) (*models.Hold, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	hold, err := lockHoldTx(tx, holdID)
	if err != nil {
		return nil, err
	}
	if hold.Terminal() {
		return nil, ErrHoldNotActive
	}
	before := *hold

	now := time.Now().UTC()
	hold.Status = models.HoldStatusReleased
	hold.ReleasedAt = &now
	_, err = tx.Exec(`UPDATE holds SET status = 'released', released_at = $1 WHERE id = $2`, now, holdID)
	if err != nil {
		return nil, fmt.Errorf("release hold: %w", err)
	}

	if _, err := s.audit.Record(tx, AuditRecord{
		EntityType: "hold",
		EntityID:   holdID,
		Action:     "hold.release",
		UserID:     userID,
		Before:     before,
		After:      hold,
		TraceID:    traceIDFromContext(ctx),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	log.Printf("[HOLD] Released hold %s (%d %s)", holdID, hold.Amount, hold.Currency)
	return hold, nil
}

// Capture converts up to the held amount into a posted journal entry and
// releases any remainder. toAccountID defaults to the platform account.
func (s *HoldService) Capture(ctx context.Context, holdID string, amount int64, toAccountID, userID string) (*models.Hold, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: capture amount must be positive", ErrValidation)
	}
	if toAccountID == "" {
		toAccountID = s.platformAccount
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	hold, err := lockHoldTx(tx, holdID)
	if err != nil {
		return nil, err
	}
	if hold.Terminal() {
		return nil, ErrHoldNotActive
	}
	if amount > hold.Amount {
		return nil, fmt.Errorf("%w: capture amount %d exceeds held %d", ErrValidation, amount, hold.Amount)
	}
	before := *hold

	ref := fmt.Sprintf("hold:%s:capture", holdID)
	_, err = s.journal.PostTx(tx, ref, []models.EntryInput{
		{
			AccountID:   hold.AccountID,
			EntryType:   models.EntryTypeDebit,
			Category:    "hold_capture",
			Amount:      amount,
			Currency:    hold.Currency,
			ServiceRef:  hold.ServiceRef,
			Description: "capture of hold " + holdID,
		},
		{
			AccountID:   toAccountID,
			EntryType:   models.EntryTypeCredit,
			Category:    "hold_capture",
			Amount:      amount,
			Currency:    hold.Currency,
			ServiceRef:  hold.ServiceRef,
			Description: "capture of hold " + holdID,
		},
	})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	hold.Status = models.HoldStatusCaptured
	hold.CapturedAt = &now
	_, err = tx.Exec(`UPDATE holds SET status = 'captured', captured_at = $1 WHERE id = $2`, now, holdID)
	if err != nil {
		return nil, fmt.Errorf("capture hold: %w", err)
	}

	if _, err := s.audit.Record(tx, AuditRecord{
		EntityType: "hold",
		EntityID:   holdID,
		Action:     "hold.capture",
		UserID:     userID,
		Before:     before,
		After:      hold,
		Metadata: map[string]string{
			"captured_amount": fmt.Sprintf("%d", amount),
			"released_amount": fmt.Sprintf("%d", hold.Amount-amount),
			"to_account":      toAccountID,
		},
		TraceID: traceIDFromContext(ctx),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	log.Printf("[HOLD] Captured %d of hold %s (%d released)", amount, holdID, hold.Amount-amount)
	return hold, nil
}

// Forfeit keeps a penalty-reduced portion of the hold and releases the rest.
// The kept fraction and cap come from runtime config scoped to the hold's
// service_ref.
func (s *HoldService) Forfeit(ctx context.Context, holdID, userID string) (*models.Hold, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	hold, err := lockHoldTx(tx, holdID)
	if err != nil {
		return nil, err
	}
	if hold.Terminal() {
		return nil, ErrHoldNotActive
	}
	before := *hold

	keepPct, err := s.config.ResolveInt(ctx, "no_show_keep_pct", models.ConfigScopeService, hold.ServiceRef)
	if err != nil {
		return nil, err
	}
	cap, err := s.config.ResolveInt(ctx, "no_show_cap", models.ConfigScopeService, hold.ServiceRef)
	if err != nil {
		return nil, err
	}
	if keepPct < 0 || keepPct > 100 {
		return nil, fmt.Errorf("%w: no_show_keep_pct %d out of range", ErrValidation, keepPct)
	}

	kept := hold.Amount * keepPct / 100
	if cap > 0 && kept > cap {
		kept = cap
	}

	if kept > 0 {
		ref := fmt.Sprintf("hold:%s:forfeit", holdID)
		_, err = s.journal.PostTx(tx, ref, []models.EntryInput{
			{
				AccountID:   hold.AccountID,
				EntryType:   models.EntryTypeDebit,
				Category:    "no_show_penalty",
				Amount:      kept,
				Currency:    hold.Currency,
				ServiceRef:  hold.ServiceRef,
				Description: "no-show penalty for hold " + holdID,
			},
			{
				AccountID:   s.platformAccount,
				EntryType:   models.EntryTypeCredit,
				Category:    "no_show_penalty",
				Amount:      kept,
				Currency:    hold.Currency,
				ServiceRef:  hold.ServiceRef,
				Description: "no-show penalty for hold " + holdID,
			},
		})
		if err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	hold.Status = models.HoldStatusForfeited
	hold.ForfeitedAt = &now
	_, err = tx.Exec(`UPDATE holds SET status = 'forfeited', forfeited_at = $1 WHERE id = $2`, now, holdID)
	if err != nil {
		return nil, fmt.Errorf("forfeit hold: %w", err)
	}

	if _, err := s.audit.Record(tx, AuditRecord{
		EntityType: "hold",
		EntityID:   holdID,
		Action:     "hold.forfeit",
		UserID:     userID,
		Before:     before,
		After:      hold,
		Metadata: map[string]string{
			"kept_amount":     fmt.Sprintf("%d", kept),
			"released_amount": fmt.Sprintf("%d", hold.Amount-kept),
			"keep_pct":        fmt.Sprintf("%d", keepPct),
			"cap":             fmt.Sprintf("%d", cap),
		},
		TraceID: traceIDFromContext(ctx),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	log.Printf("[HOLD] Forfeited hold %s: kept %d, released %d", holdID, kept, hold.Amount-kept)
	return hold, nil
}

// SweepExpired releases a bounded batch of active holds past their
// release_days deadline, each through Release and hence the same invariants.
// Already-terminal holds are never touched.
func (s *HoldService) SweepExpired(ctx context.Context, limit int) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM holds
		WHERE status = 'active'
		  AND COALESCE((release_rules->>'release_days')::int, 0) > 0
		  AND created_at + make_interval(days => (release_rules->>'release_days')::int) < NOW()
		ORDER BY created_at
		LIMIT $1`, limit)
	if err != nil {
		return 0, fmt.Errorf("list expired holds: %w", err)
	}

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	rows.Close()

	released := 0
	for _, id := range ids {
		if _, err := s.Release(ctx, id, "system:sweep"); err != nil {
			// Lost the race to a capture or forfeit; the hold is terminal now
			// and nothing is owed.
			log.Printf("[HOLD] Sweep skipped hold %s: %v", id, err)
			continue
		}
		released++
	}
	if released > 0 {
		log.Printf("[HOLD] Sweep released %d expired holds", released)
	}
	return released, nil
}

func lockHoldTx(tx *sql.Tx, holdID string) (*models.Hold, error) {
	hold := &models.Hold{}
	var rules []byte
	err := tx.QueryRow(`
		SELECT id, account_id, status, amount, currency, external_ref, service_ref, release_rules, created_at
		FROM holds
		WHERE id = $1
		FOR UPDATE`, holdID).Scan(
		&hold.ID, &hold.AccountID, &hold.Status, &hold.Amount, &hold.Currency,
		&hold.ExternalRef, &hold.ServiceRef, &rules, &hold.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrHoldNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock hold %s: %w", holdID, err)
	}
	if len(rules) > 0 {
		if err := json.Unmarshal(rules, &hold.ReleaseRules); err != nil {
			return nil, fmt.Errorf("parse release rules: %w", err)
		}
	}
	return hold, nil
}
