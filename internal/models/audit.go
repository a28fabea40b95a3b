package models

import (
	"encoding/json"
	"time"
)

// AuditLogEntry is one link of a per-entity hash chain. Hash covers the
// entry payload plus the previous link's hash, so a retroactive edit breaks
// verification of every later link.
type AuditLogEntry struct {
	ID          int64           `json:"id" db:"id"`
	EntityType  string          `json:"entity_type" db:"entity_type"`
	EntityID    string          `json:"entity_id" db:"entity_id"`
	Action      string          `json:"action" db:"action"`
	UserID      string          `json:"user_id" db:"user_id"`
	UserRole    string          `json:"user_role" db:"user_role"`
	BeforeState json.RawMessage `json:"before_state,omitempty" db:"before_state"`
	AfterState  json.RawMessage `json:"after_state,omitempty" db:"after_state"`
	Metadata    json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	TraceID     string          `json:"trace_id" db:"trace_id"`
	Seq         int64           `json:"seq" db:"seq"`
	Hash        string          `json:"hash" db:"hash"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}
