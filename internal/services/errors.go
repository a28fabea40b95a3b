package services

import (
	"errors"
	"fmt"
)

// Error taxonomy. Category sentinels first; specific failures wrap a
// category so callers can match either level with errors.Is.
var (
	ErrValidation    = errors.New("validation error")
	ErrStateConflict = errors.New("state conflict")
	ErrNotFound      = errors.New("not found")

	ErrAccountNotFound = fmt.Errorf("account %w", ErrNotFound)
	ErrHoldNotFound    = fmt.Errorf("hold %w", ErrNotFound)
	ErrBatchNotFound   = fmt.Errorf("settlement batch %w", ErrNotFound)
	ErrConfigNotFound  = fmt.Errorf("config entry %w", ErrNotFound)

	ErrAccountClosed    = fmt.Errorf("%w: account is closed", ErrStateConflict)
	ErrAccountNotActive = fmt.Errorf("%w: account is not active", ErrStateConflict)
	ErrHoldNotActive    = fmt.Errorf("%w: hold is no longer active", ErrStateConflict)
	ErrAlreadyApproved  = fmt.Errorf("%w: batch already approved at this step", ErrStateConflict)
	ErrSameApprover     = fmt.Errorf("%w: second approver must differ from the first", ErrStateConflict)
	ErrBatchImmutable   = fmt.Errorf("%w: exported batch is immutable", ErrStateConflict)
	ErrDuplicateRef     = fmt.Errorf("%w: transaction_ref already posted", ErrStateConflict)

	ErrUnbalancedEntries = fmt.Errorf("%w: entries do not sum to zero per currency", ErrValidation)
	ErrNegativeAmount    = fmt.Errorf("%w: amount must not be negative", ErrValidation)

	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrIdempotencyKeyConflict = errors.New("idempotency key reused with a different payload")
	ErrOperationInFlight      = errors.New("operation with this idempotency key is in flight")
)
