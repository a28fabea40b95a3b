package services

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/sanadpay/wallet/internal/models"
)

// auditChainSeed stands in for previous_hash on the first link of a chain.
const auditChainSeed = "sanadpay:audit:genesis"

// AuditService writes tamper-evident audit records. Every record is chained
// to the previous record of the same (entity_type, entity_id) by hash, so the
// chain must be appended inside the transaction of the mutation it documents.
type AuditService struct{}

func NewAuditService() *AuditService {
	return &AuditService{}
}

// AuditRecord is the caller-supplied payload for one audit link.
type AuditRecord struct {
	EntityType string
	EntityID   string
	Action     string
	UserID     string
	UserRole   string
	Before     any
	After      any
	Metadata   map[string]string
	TraceID    string
}

// Record appends one link to the entity's chain using the caller's open
// transaction. A failure here must abort the enclosing mutation.
func (a *AuditService) Record(tx *sql.Tx, rec AuditRecord) (*models.AuditLogEntry, error) {
	beforeJSON, err := json.Marshal(rec.Before)
	if err != nil {
		return nil, fmt.Errorf("marshal before state: %w", err)
	}
	afterJSON, err := json.Marshal(rec.After)
	if err != nil {
		return nil, fmt.Errorf("marshal after state: %w", err)
	}
	var metadataJSON []byte
	if rec.Metadata != nil {
		metadataJSON, _ = json.Marshal(rec.Metadata)
	}

	// Lock the chain tail so concurrent appends to the same entity serialize
	// and seq stays monotonic.
	prevSeq := int64(0)
	prevHash := auditChainSeed
	err = tx.QueryRow(`
		SELECT seq, hash FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY seq DESC
		LIMIT 1
		FOR UPDATE`, rec.EntityType, rec.EntityID).Scan(&prevSeq, &prevHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("read audit chain tail: %w", err)
	}

	// TIMESTAMPTZ stores microseconds, so hash the precision that survives
	// the round trip or VerifyChain would flag every intact row.
	now := time.Now().UTC().Truncate(time.Microsecond)
	hash := chainHash(prevHash, rec.Action, rec.EntityID, beforeJSON, afterJSON, now)

	entry := &models.AuditLogEntry{
		EntityType:  rec.EntityType,
		EntityID:    rec.EntityID,
		Action:      rec.Action,
		UserID:      rec.UserID,
		UserRole:    rec.UserRole,
		BeforeState: beforeJSON,
		AfterState:  afterJSON,
		Metadata:    metadataJSON,
		TraceID:     rec.TraceID,
		Seq:         prevSeq + 1,
		Hash:        hash,
		CreatedAt:   now,
	}

	_, err = tx.Exec(`
		INSERT INTO audit_log
		(entity_type, entity_id, action, user_id, user_role, before_state, after_state, metadata, trace_id, seq, hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		entry.EntityType, entry.EntityID, entry.Action, entry.UserID, entry.UserRole,
		entry.BeforeState, entry.AfterState, entry.Metadata, entry.TraceID,
		entry.Seq, entry.Hash, entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("append audit record: %w", err)
	}

	log.Printf("AUDIT: %s %s action=%s seq=%d user=%s", rec.EntityType, rec.EntityID, rec.Action, entry.Seq, rec.UserID)
	return entry, nil
}

// VerifyChain re-hashes every link of an entity's chain in order and reports
// the first broken link.
func (a *AuditService) VerifyChain(db *sql.DB, entityType, entityID string) error {
	rows, err := db.Query(`
		SELECT seq, action, before_state, after_state, hash, created_at
		FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY seq ASC`, entityType, entityID)
	if err != nil {
		return fmt.Errorf("load audit chain: %w", err)
	}
	defer rows.Close()

	prevHash := auditChainSeed
	expectedSeq := int64(1)
	for rows.Next() {
		var seq int64
		var action, hash string
		var before, after []byte
		var createdAt time.Time
		if err := rows.Scan(&seq, &action, &before, &after, &hash, &createdAt); err != nil {
			return err
		}
		if seq != expectedSeq {
			return fmt.Errorf("audit chain %s/%s: sequence gap at %d", entityType, entityID, seq)
		}
		if got := chainHash(prevHash, action, entityID, before, after, createdAt.UTC()); got != hash {
			return fmt.Errorf("audit chain %s/%s: hash mismatch at seq %d", entityType, entityID, seq)
		}
		prevHash = hash
		expectedSeq++
	}
	return rows.Err()
}

func chainHash(prevHash, action, entityID string, before, after []byte, ts time.Time) string {
	h := sha256.New()
	io.WriteString(h, prevHash)
	io.WriteString(h, "|")
	io.WriteString(h, action)
	io.WriteString(h, "|")
	io.WriteString(h, entityID)
	io.WriteString(h, "|")
	h.Write(before)
	io.WriteString(h, "|")
	h.Write(after)
	io.WriteString(h, "|")
	io.WriteString(h, ts.Format(time.RFC3339Nano))
	return hex.EncodeToString(h.Sum(nil))
}
