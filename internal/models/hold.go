package models

import (
	"encoding/json"
	"time"
)

// Hold statuses. Everything but active is terminal.
const (
	HoldStatusActive    = "active"
	HoldStatusReleased  = "released"
	HoldStatusCaptured  = "captured"
	HoldStatusForfeited = "forfeited"
)

type Hold struct {
	ID           string          `json:"id" db:"id"`
	AccountID    string          `json:"account_id" db:"account_id"`
	Status       string          `json:"status" db:"status"`
	Amount       int64           `json:"amount" db:"amount"`
	Currency     string          `json:"currency" db:"currency"`
	ExternalRef  string          `json:"external_ref" db:"external_ref"`
	ServiceRef   string          `json:"service_ref" db:"service_ref"`
	ReleaseRules ReleaseRules    `json:"release_rules" db:"release_rules"`
	Metadata     json.RawMessage `json:"metadata,omitempty" db:"metadata"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
	ReleasedAt   *time.Time      `json:"released_at,omitempty" db:"released_at"`
	CapturedAt   *time.Time      `json:"captured_at,omitempty" db:"captured_at"`
	ForfeitedAt  *time.Time      `json:"forfeited_at,omitempty" db:"forfeited_at"`
}

// ReleaseRules controls automatic release of aged holds. ReleaseDays == 0
// means the hold never auto-releases.
type ReleaseRules struct {
	ReleaseDays int `json:"release_days,omitempty" validate:"gte=0"`
}

func (h *Hold) Terminal() bool {
	return h.Status != HoldStatusActive
}
