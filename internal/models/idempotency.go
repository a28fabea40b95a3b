package models

import "time"

// Idempotency record statuses
const (
	IdempotencyStatusInFlight  = "in_flight"
	IdempotencyStatusCompleted = "completed"
)

type IdempotencyRecord struct {
	Key         string    `json:"idempotency_key" db:"idempotency_key"`
	Operation   string    `json:"operation" db:"operation"`
	RequestHash string    `json:"request_hash" db:"request_hash"`
	Response    []byte    `json:"response,omitempty" db:"response"`
	StatusCode  int       `json:"status_code" db:"status_code"`
	Status      string    `json:"status" db:"status"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	ExpiresAt   time.Time `json:"expires_at" db:"expires_at"`
}
