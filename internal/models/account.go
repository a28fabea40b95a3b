package models

import (
	"encoding/json"
	"time"
)

// Account types
const (
	AccountTypeCustomer = "customer"
	AccountTypePartner  = "partner"
	AccountTypePlatform = "platform"
	AccountTypeEscrow   = "escrow"
	AccountTypeSystem   = "system"
)

// Account statuses
const (
	AccountStatusActive    = "active"
	AccountStatusSuspended = "suspended"
	AccountStatusClosed    = "closed"
)

type Account struct {
	ID         string          `json:"id" db:"id"`
	Type       string          `json:"account_type" db:"account_type"`
	OwnerID    string          `json:"owner_id" db:"owner_id"`
	ServiceRef string          `json:"service_ref" db:"service_ref"`
	Status     string          `json:"status" db:"status"`
	Limits     json.RawMessage `json:"limits,omitempty" db:"limits"`
	Attributes json.RawMessage `json:"attributes,omitempty" db:"attributes"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// Balance is the pair returned by balance enquiries. Posted is the signed sum
// of posted journal entries; Available subtracts active hold reservations.
type Balance struct {
	AccountID string `json:"account_id"`
	Posted    int64  `json:"posted"`
	Available int64  `json:"available"`
	Currency  string `json:"currency"`
}

func ValidAccountType(t string) bool {
	switch t {
	case AccountTypeCustomer, AccountTypePartner, AccountTypePlatform, AccountTypeEscrow, AccountTypeSystem:
		return true
	}
	return false
}

func ValidAccountStatus(s string) bool {
	switch s {
	case AccountStatusActive, AccountStatusSuspended, AccountStatusClosed:
		return true
	}
	return false
}
