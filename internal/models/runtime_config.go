package models

import "time"

// Runtime config entry statuses
const (
	ConfigStatusDraft      = "draft"
	ConfigStatusPublished  = "published"
	ConfigStatusRolledBack = "rolled_back"
)

// Config scopes, broadest to narrowest.
const (
	ConfigScopeGlobal  = "global"
	ConfigScopeRegion  = "region"
	ConfigScopeCity    = "city"
	ConfigScopeService = "service"
)

type RuntimeConfigEntry struct {
	ID            string     `json:"id" db:"id"`
	Key           string     `json:"key" db:"key"`
	Scope         string     `json:"scope" db:"scope"`
	ScopeValue    string     `json:"scope_value" db:"scope_value"`
	Value         string     `json:"value" db:"value"`
	Status        string     `json:"status" db:"status"`
	PreviousValue *string    `json:"previous_value,omitempty" db:"previous_value"`
	PublishedBy   *string    `json:"published_by,omitempty" db:"published_by"`
	PublishedAt   *time.Time `json:"published_at,omitempty" db:"published_at"`
	RolledBackBy  *string    `json:"rolled_back_by,omitempty" db:"rolled_back_by"`
	RolledBackAt  *time.Time `json:"rolled_back_at,omitempty" db:"rolled_back_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
}

func ValidConfigScope(s string) bool {
	switch s {
	case ConfigScopeGlobal, ConfigScopeRegion, ConfigScopeCity, ConfigScopeService:
		return true
	}
	return false
}
