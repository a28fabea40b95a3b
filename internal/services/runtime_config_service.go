package services

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/sanadpay/wallet/internal/models"
)

// configDefaults are the documented fallbacks Resolve returns when no value
// for a key is published at any scope.
var configDefaults = map[string]string{
	"no_show_keep_pct":  "100",
	"no_show_cap":       "0",
	"hold_release_days": "0",
}

// RuntimeConfigService owns staged policy configuration: values are proposed
// as drafts, published, and can be rolled back to the captured previous
// value. Consumers only ever read Resolve.
type RuntimeConfigService struct {
	db    *sql.DB
	audit *AuditService
}

func NewRuntimeConfigService(db *sql.DB, audit *AuditService) *RuntimeConfigService {
	return &RuntimeConfigService{db: db, audit: audit}
}

func (s *RuntimeConfigService) Propose(ctx context.Context, key, scope, scopeValue, value, userID string) (*models.RuntimeConfigEntry, error) {
	if key == "" || value == "" {
		return nil, fmt.Errorf("%w: key and value are required", ErrValidation)
	}
	if !models.ValidConfigScope(scope) {
		return nil, fmt.Errorf("%w: unknown scope %q", ErrValidation, scope)
	}
	if scope == models.ConfigScopeGlobal && scopeValue != "" {
		return nil, fmt.Errorf("%w: global scope takes no scope_value", ErrValidation)
	}

	entry := &models.RuntimeConfigEntry{
		ID:         uuid.NewString(),
		Key:        key,
		Scope:      scope,
		ScopeValue: scopeValue,
		Value:      value,
		Status:     models.ConfigStatusDraft,
		CreatedAt:  time.Now().UTC(),
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO runtime_config (id, key, scope, scope_value, value, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.ID, entry.Key, entry.Scope, entry.ScopeValue, entry.Value, entry.Status, entry.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert config entry: %w", err)
	}

	if _, err := s.audit.Record(tx, AuditRecord{
		EntityType: "runtime_config",
		EntityID:   entry.ID,
		Action:     "config.propose",
		UserID:     userID,
		After:      entry,
		TraceID:    traceIDFromContext(ctx),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	log.Printf("[CONFIG] Proposed %s %s/%s entry %s", key, scope, scopeValue, entry.ID)
	return entry, nil
}

// Publish moves a draft entry to published, capturing the currently effective
// published value (if any) for the same key and scope into previous_value.
func (s *RuntimeConfigService) Publish(ctx context.Context, entryID, publishedBy string) (*models.RuntimeConfigEntry, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	entry, err := s.lockEntry(tx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status != models.ConfigStatusDraft {
		return nil, fmt.Errorf("%w: cannot publish entry in status %q", ErrStateConflict, entry.Status)
	}

	var prev sql.NullString
	err = tx.QueryRow(`
		SELECT value FROM runtime_config
		WHERE key = $1 AND scope = $2 AND scope_value = $3 AND status = 'published'
		ORDER BY published_at DESC
		LIMIT 1`, entry.Key, entry.Scope, entry.ScopeValue).Scan(&prev)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("read prior published value: %w", err)
	}

	before := *entry
	now := time.Now().UTC()
	entry.Status = models.ConfigStatusPublished
	entry.PublishedBy = &publishedBy
	entry.PublishedAt = &now
	if prev.Valid {
		entry.PreviousValue = &prev.String
	}

	_, err = tx.Exec(`
		UPDATE runtime_config
		SET status = 'published', previous_value = $1, published_by = $2, published_at = $3
		WHERE id = $4`,
		entry.PreviousValue, publishedBy, now, entryID)
	if err != nil {
		return nil, fmt.Errorf("publish config entry: %w", err)
	}

	if _, err := s.audit.Record(tx, AuditRecord{
		EntityType: "runtime_config",
		EntityID:   entryID,
		Action:     "config.publish",
		UserID:     publishedBy,
		Before:     before,
		After:      entry,
		TraceID:    traceIDFromContext(ctx),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	log.Printf("[CONFIG] Published %s %s/%s entry %s", entry.Key, entry.Scope, entry.ScopeValue, entryID)
	return entry, nil
}

// Rollback retires a published entry. The previously published row for the
// same key and scope becomes effective again, which by construction carries
// the verbatim previous_value captured at publish time. Only valid from
// published, so a second rollback without an intervening publish fails.
func (s *RuntimeConfigService) Rollback(ctx context.Context, entryID, rolledBackBy string) (*models.RuntimeConfigEntry, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	entry, err := s.lockEntry(tx, entryID)
	if err != nil {
		return nil, err
	}
	if entry.Status != models.ConfigStatusPublished {
		return nil, fmt.Errorf("%w: rollback is only valid from published, entry is %q", ErrStateConflict, entry.Status)
	}

	before := *entry
	now := time.Now().UTC()
	entry.Status = models.ConfigStatusRolledBack
	entry.RolledBackBy = &rolledBackBy
	entry.RolledBackAt = &now

	_, err = tx.Exec(`
		UPDATE runtime_config
		SET status = 'rolled_back', rolled_back_by = $1, rolled_back_at = $2
		WHERE id = $3`,
		rolledBackBy, now, entryID)
	if err != nil {
		return nil, fmt.Errorf("roll back config entry: %w", err)
	}

	if _, err := s.audit.Record(tx, AuditRecord{
		EntityType: "runtime_config",
		EntityID:   entryID,
		Action:     "config.rollback",
		UserID:     rolledBackBy,
		Before:     before,
		After:      entry,
		TraceID:    traceIDFromContext(ctx),
	}); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	log.Printf("[CONFIG] Rolled back %s %s/%s entry %s", entry.Key, entry.Scope, entry.ScopeValue, entryID)
	return entry, nil
}

// Resolve returns the most specific published value for a key: an exact
// scope_value match beats a scope-wide value, which beats global. Falls back
// to the documented default when nothing is published.
func (s *RuntimeConfigService) Resolve(ctx context.Context, key, scope, scopeValue string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM runtime_config
		WHERE key = $1 AND status = 'published'
		  AND (scope = 'global' OR (scope = $2 AND (scope_value = $3 OR scope_value = '')))
		ORDER BY
		  CASE WHEN scope = $2 AND scope_value = $3 THEN 0
		       WHEN scope = $2 AND scope_value = '' THEN 1
		       ELSE 2 END,
		  published_at DESC
		LIMIT 1`, key, scope, scopeValue).Scan(&value)
	if err == sql.ErrNoRows {
		if def, ok := configDefaults[key]; ok {
			return def, nil
		}
		return "", fmt.Errorf("%w: no published value or default for key %q", ErrConfigNotFound, key)
	}
	if err != nil {
		return "", fmt.Errorf("resolve config %q: %w", key, err)
	}
	return value, nil
}

// ResolveInt resolves a key and parses it as a base-10 integer.
func (s *RuntimeConfigService) ResolveInt(ctx context.Context, key, scope, scopeValue string) (int64, error) {
	raw, err := s.Resolve(ctx, key, scope, scopeValue)
	if err != nil {
		return 0, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: config %q is not an integer: %q", ErrValidation, key, raw)
	}
	return n, nil
}

func (s *RuntimeConfigService) lockEntry(tx *sql.Tx, entryID string) (*models.RuntimeConfigEntry, error) {
	entry := &models.RuntimeConfigEntry{}
	err := tx.QueryRow(`
		SELECT id, key, scope, scope_value, value, status, previous_value, created_at
		FROM runtime_config
		WHERE id = $1
		FOR UPDATE`, entryID).Scan(
		&entry.ID, &entry.Key, &entry.Scope, &entry.ScopeValue,
		&entry.Value, &entry.Status, &entry.PreviousValue, &entry.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrConfigNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock config entry: %w", err)
	}
	return entry, nil
}
