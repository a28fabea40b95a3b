package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/sanadpay/wallet/internal/models"
)

// settlementExportQueue is the redis list export notices are pushed to for
// the downstream payout exporter.
const settlementExportQueue = "settlement_export_queue"

// SettlementService aggregates posted journal entries into per-partner
// payout batches that require two distinct approvers before export.
type SettlementService struct {
	db             *sql.DB
	redis          *redis.Client
	audit          *AuditService
	systemCurrency string
}

func NewSettlementService(db *sql.DB, redisClient *redis.Client, audit *AuditService, systemCurrency string) *SettlementService {
	return &SettlementService{
		db:             db,
		redis:          redisClient,
		audit:          audit,
		systemCurrency: systemCurrency,
	}
}

// CreateBatch drafts a settlement batch for one partner and period, totalling
// posted journal entries on the partner's accounts. Idempotent per
// partner+period: an overlapping batch with identical criteria is returned
// instead of duplicated.
func (s *SettlementService) CreateBatch(ctx context.Context, partnerID string, periodStart, periodEnd time.Time, criteria, userID string) (*models.SettlementBatch, error) {
	if partnerID == "" {
		return nil, fmt.Errorf("%w: partner_id is required", ErrValidation)
	}
	if !periodEnd.After(periodStart) {
		return nil, fmt.Errorf("%w: period_end must be after period_start", ErrValidation)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	// Serialize creation per partner: without this, two concurrent calls for
	// the same period both miss the overlap check and both total the same
	// unstamped entries.
	if _, err := tx.Exec(`SELECT pg_advisory_xact_lock(hashtext($1))`, partnerID); err != nil {
		return nil, fmt.Errorf("lock partner %s: %w", partnerID, err)
	}

	existing, err := s.findOverlapping(tx, partnerID, periodStart, periodEnd, criteria)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		log.Printf("[SETTLEMENT] Batch for partner %s period already exists: %s", partnerID, existing.ID)
		return existing, tx.Commit()
	}

	var total int64
	err = tx.QueryRow(`
		SELECT COALESCE(SUM(CASE WHEN je.entry_type = 'credit' THEN je.amount ELSE -je.amount END), 0)
		FROM journal_entries je
		JOIN accounts a ON a.id = je.account_id
		WHERE a.owner_id = $1 AND a.account_type = 'partner'
		  AND je.status = 'posted' AND je.batch_id IS NULL
		  AND je.posted_at >= $2 AND je.posted_at < $3`,
		partnerID, periodStart, periodEnd).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("total partner entries: %w", err)
	}

	batch := &models.SettlementBatch{
		ID:          uuid.NewString(),
		PartnerID:   partnerID,
		Status:      models.BatchStatusDraft,
		TotalAmount: total,
		Currency:    s.systemCurrency,
		PeriodStart: periodStart,
		PeriodEnd:   periodEnd,
		Criteria:    criteria,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = tx.Exec(`
		INSERT INTO settlement_batches
		(id, partner_id, status, total_amount, currency, period_start, period_end, criteria, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		batch.ID, batch.PartnerID, batch.Status, batch.TotalAmount, batch.Currency,
		batch.PeriodStart, batch.PeriodEnd, batch.Criteria, batch.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert settlement batch: %w", err)
	}

	_, err = tx.Exec(`
		UPDATE journal_entries je
		SET batch_id = $1
		FROM accounts a
		WHERE a.id = je.account_id
		  AND a.owner_id = $2 AND a.account_type = 'partner'
		  AND je.status = 'posted' AND je.batch_id IS NULL
		  AND je.posted_at >= $3 AND je.posted_at < $4`,
		batch.ID, partnerID, periodStart, periodEnd)
	if err != nil {
		return nil, fmt.Errorf("stamp batch entries: %w", err)
	}

	if _, err := s.audit.Record(tx, AuditRecord{
		EntityType: "settlement_batch",
		EntityID:   batch.ID,
		Action:     "settlement.create",
		UserID:     userID,
		After:      batch,
		TraceID:    traceIDFromContext(ctx),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	log.Printf("[SETTLEMENT] Created batch %s for partner %s, total %d %s", batch.ID, partnerID, total, batch.Currency)
	return batch, nil
}

// SubmitFirstApproval records the first approver: draft batches only.
func (s *SettlementService) SubmitFirstApproval(ctx context.Context, batchID, approverID string) (*models.SettlementBatch, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	batch, err := lockBatchTx(tx, batchID)
	if err != nil {
		return nil, err
	}
	switch batch.Status {
	case models.BatchStatusDraft:
	case models.BatchStatusExported:
		return nil, ErrBatchImmutable
	default:
		return nil, ErrAlreadyApproved
	}
	before := *batch

	now := time.Now().UTC()
	batch.Status = models.BatchStatusPendingFirstApproval
	batch.FirstApproverID = &approverID
	batch.FirstApprovedAt = &now
	_, err = tx.Exec(`
		UPDATE settlement_batches
		SET status = $1, first_approver_id = $2, first_approved_at = $3
		WHERE id = $4`,
		batch.Status, approverID, now, batchID)
	if err != nil {
		return nil, fmt.Errorf("record first approval: %w", err)
	}

	if _, err := s.audit.Record(tx, AuditRecord{
		EntityType: "settlement_batch",
		EntityID:   batchID,
		Action:     "settlement.first_approval",
		UserID:     approverID,
		Before:     before,
		After:      batch,
		TraceID:    traceIDFromContext(ctx),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	log.Printf("[SETTLEMENT] Batch %s first approval by %s", batchID, approverID)
	return batch, nil
}

// SubmitSecondApproval requires a pending first approval and a different
// approver, and fixes the batch total by moving it to approved.
func (s *SettlementService) SubmitSecondApproval(ctx context.Context, batchID, approverID string) (*models.SettlementBatch, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	batch, err := lockBatchTx(tx, batchID)
	if err != nil {
		return nil, err
	}
	switch batch.Status {
	case models.BatchStatusPendingFirstApproval, models.BatchStatusPendingSecondApproval:
	case models.BatchStatusExported:
		return nil, ErrBatchImmutable
	case models.BatchStatusApproved:
		return nil, ErrAlreadyApproved
	default:
		return nil, fmt.Errorf("%w: batch %s has no first approval", ErrStateConflict, batchID)
	}
	if batch.FirstApproverID != nil && *batch.FirstApproverID == approverID {
		return nil, ErrSameApprover
	}
	before := *batch

	now := time.Now().UTC()
	batch.Status = models.BatchStatusApproved
	batch.SecondApproverID = &approverID
	batch.SecondApprovedAt = &now
	_, err = tx.Exec(`
		UPDATE settlement_batches
		SET status = $1, second_approver_id = $2, second_approved_at = $3
		WHERE id = $4`,
		batch.Status, approverID, now, batchID)
	if err != nil {
		return nil, fmt.Errorf("record second approval: %w", err)
	}

	if _, err := s.audit.Record(tx, AuditRecord{
		EntityType: "settlement_batch",
		EntityID:   batchID,
		Action:     "settlement.second_approval",
		UserID:     approverID,
		Before:     before,
		After:      batch,
		TraceID:    traceIDFromContext(ctx),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	log.Printf("[SETTLEMENT] Batch %s approved, second approval by %s", batchID, approverID)
	return batch, nil
}

// Reject resets a pending batch to draft and clears prior approver fields.
// Approved batches can no longer be rejected.
func (s *SettlementService) Reject(ctx context.Context, batchID, userID string) (*models.SettlementBatch, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	batch, err := lockBatchTx(tx, batchID)
	if err != nil {
		return nil, err
	}
	switch batch.Status {
	case models.BatchStatusPendingFirstApproval, models.BatchStatusPendingSecondApproval:
	default:
		return nil, fmt.Errorf("%w: only pending batches can be rejected, batch is %q", ErrStateConflict, batch.Status)
	}
	before := *batch

	batch.Status = models.BatchStatusDraft
	batch.FirstApproverID = nil
	batch.FirstApprovedAt = nil
	batch.SecondApproverID = nil
	batch.SecondApprovedAt = nil
	_, err = tx.Exec(`
		UPDATE settlement_batches
		SET status = 'draft', first_approver_id = NULL, first_approved_at = NULL,
		    second_approver_id = NULL, second_approved_at = NULL
		WHERE id = $1`, batchID)
	if err != nil {
		return nil, fmt.Errorf("reject batch: %w", err)
	}

	if _, err := s.audit.Record(tx, AuditRecord{
		EntityType: "settlement_batch",
		EntityID:   batchID,
		Action:     "settlement.reject",
		UserID:     userID,
		Before:     before,
		After:      batch,
		TraceID:    traceIDFromContext(ctx),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	log.Printf("[SETTLEMENT] Batch %s rejected back to draft by %s", batchID, userID)
	return batch, nil
}

// Export finalizes an approved batch. The batch is immutable afterwards; an
// export notice is queued for the downstream payout exporter after commit.
func (s *SettlementService) Export(ctx context.Context, batchID, fileURL, userID string) (*models.SettlementBatch, error) {
	if fileURL == "" {
		return nil, fmt.Errorf("%w: export file_url is required", ErrValidation)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	batch, err := lockBatchTx(tx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.Status != models.BatchStatusApproved {
		return nil, fmt.Errorf("%w: only approved batches can be exported, batch is %q", ErrStateConflict, batch.Status)
	}
	before := *batch

	now := time.Now().UTC()
	batch.Status = models.BatchStatusExported
	batch.ExportFileURL = &fileURL
	batch.ExportedAt = &now
	_, err = tx.Exec(`
		UPDATE settlement_batches
		SET status = 'exported', export_file_url = $1, exported_at = $2
		WHERE id = $3`, fileURL, now, batchID)
	if err != nil {
		return nil, fmt.Errorf("export batch: %w", err)
	}

	if _, err := s.audit.Record(tx, AuditRecord{
		EntityType: "settlement_batch",
		EntityID:   batchID,
		Action:     "settlement.export",
		UserID:     userID,
		Before:     before,
		After:      batch,
		TraceID:    traceIDFromContext(ctx),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	if err := s.queueExport(ctx, batch); err != nil {
		log.Printf("[SETTLEMENT] Failed to queue export notice for batch %s: %v", batchID, err)
	}
	log.Printf("[SETTLEMENT] Batch %s exported to %s", batchID, fileURL)
	return batch, nil
}

func (s *SettlementService) queueExport(ctx context.Context, batch *models.SettlementBatch) error {
	if s.redis == nil {
		return nil
	}
	notice, err := json.Marshal(map[string]any{
		"batch_id":     batch.ID,
		"partner_id":   batch.PartnerID,
		"total_amount": batch.TotalAmount,
		"currency":     batch.Currency,
		"file_url":     batch.ExportFileURL,
	})
	if err != nil {
		return err
	}
	return s.redis.RPush(ctx, settlementExportQueue, notice).Err()
}

func (s *SettlementService) findOverlapping(tx *sql.Tx, partnerID string, periodStart, periodEnd time.Time, criteria string) (*models.SettlementBatch, error) {
	batch := &models.SettlementBatch{}
	err := tx.QueryRow(`
		SELECT id, partner_id, status, total_amount, currency, period_start, period_end,
		       first_approver_id, first_approved_at, second_approver_id, second_approved_at,
		       export_file_url, exported_at, criteria, created_at
		FROM settlement_batches
		WHERE partner_id = $1 AND criteria = $2
		  AND period_start < $4 AND period_end > $3
		LIMIT 1`,
		partnerID, criteria, periodStart, periodEnd).Scan(
		&batch.ID, &batch.PartnerID, &batch.Status, &batch.TotalAmount, &batch.Currency,
		&batch.PeriodStart, &batch.PeriodEnd,
		&batch.FirstApproverID, &batch.FirstApprovedAt, &batch.SecondApproverID, &batch.SecondApprovedAt,
		&batch.ExportFileURL, &batch.ExportedAt, &batch.Criteria, &batch.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find overlapping batch: %w", err)
	}
	return batch, nil
}

func lockBatchTx(tx *sql.Tx, batchID string) (*models.SettlementBatch, error) {
	batch := &models.SettlementBatch{}
	err := tx.QueryRow(`
		SELECT id, partner_id, status, total_amount, currency, period_start, period_end,
		       first_approver_id, first_approved_at, second_approver_id, second_approved_at,
		       export_file_url, exported_at, criteria, created_at
		FROM settlement_batches
		WHERE id = $1
		FOR UPDATE`, batchID).Scan(
		&batch.ID, &batch.PartnerID, &batch.Status, &batch.TotalAmount, &batch.Currency,
		&batch.PeriodStart, &batch.PeriodEnd,
		&batch.FirstApproverID, &batch.FirstApprovedAt, &batch.SecondApproverID, &batch.SecondApprovedAt,
		&batch.ExportFileURL, &batch.ExportedAt, &batch.Criteria, &batch.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock settlement batch: %w", err)
	}
	return batch, nil
}
