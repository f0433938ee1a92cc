/*
errors.go - Centralized error taxonomy for the ledger engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Domain packages (withdrawal, gifts, rewards) wrap these with context.

ERROR CATEGORIES:
  1. Validation errors - Rejected before any side effect
  2. Idempotency hits  - Duplicate application of an external event
  3. Concurrency errors - Retried internally, surfaced only when exhausted
  4. Integrity errors  - Operator-facing, never silenced or auto-repaired

USAGE:
  Callers match with errors.Is / errors.As:

    var dup *ledger.DuplicateOperationError
    if errors.As(err, &dup) {
        return dup.Existing, nil // replay: prior result, not a failure
    }

SEE ALSO:
  - ledger.go: Produces most of these
  - reconcile.go: Produces IntegrityViolationError
*/
package ledger

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientFunds is returned when a debit would take the balance
	// negative and the operation does not allow it.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInvalidAmount is returned for zero amounts or amounts outside the
	// configured bounds.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrLimitExceeded is returned when a purchase debit would exceed the
	// user's daily or monthly spending limit.
	ErrLimitExceeded = errors.New("spending limit exceeded")

	// ErrDuplicateOperation is returned when an idempotency key has already
	// produced a transaction. This is expected behavior for retries; the
	// prior transaction travels with the error.
	ErrDuplicateOperation = errors.New("duplicate operation")

	// ErrCodeGenerationExhausted is returned when unique code generation
	// keeps colliding past the bounded retry count.
	ErrCodeGenerationExhausted = errors.New("code generation exhausted")

	// ErrInvalidStateTransition is returned for disallowed lifecycle moves
	// (e.g. rejecting a completed withdrawal).
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrExpiredOrInactive is returned when a certificate or gift is past
	// its expiry, deactivated, or already fully consumed.
	ErrExpiredOrInactive = errors.New("expired or inactive")

	// ErrConcurrencyConflict is returned when the storage layer detects a
	// write conflict. The apply pipeline retries a bounded number of times
	// before surfacing it.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrIntegrityViolation is raised only by the Reconciler when a stored
	// balance drifts from the ledger sum. Never auto-repaired.
	ErrIntegrityViolation = errors.New("ledger integrity violation")

	// ErrUserNotFound is returned when a referenced user doesn't exist.
	ErrUserNotFound = errors.New("user not found")

	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError provides details about a balance shortage.
type InsufficientFundsError struct {
	UserID    UserID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds for %s: available %s, requested %s",
		e.UserID, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// DuplicateOperationError carries the transaction previously produced by the
// same idempotency key. Callers treating replays as success return Existing.
type DuplicateOperationError struct {
	PaymentID string
	Existing  *Transaction
}

func (e *DuplicateOperationError) Error() string {
	return fmt.Sprintf("duplicate operation: key %q already produced transaction %s",
		e.PaymentID, e.Existing.ID)
}

func (e *DuplicateOperationError) Unwrap() error { return ErrDuplicateOperation }

// LimitExceededError provides details about a rejected spend.
type LimitExceededError struct {
	UserID    UserID
	Window    string // "daily" or "monthly"
	Limit     decimal.Decimal
	Spent     decimal.Decimal
	Requested decimal.Decimal
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("%s spending limit exceeded for %s: limit %s, spent %s, requested %s",
		e.Window, e.UserID, e.Limit, e.Spent, e.Requested)
}

func (e *LimitExceededError) Unwrap() error { return ErrLimitExceeded }

// IntegrityViolationError describes a drift between the stored balance and
// the ledger sum for one user.
type IntegrityViolationError struct {
	UserID   UserID
	Stored   decimal.Decimal
	Computed decimal.Decimal
}

func (e *IntegrityViolationError) Error() string {
	return fmt.Sprintf("integrity violation for %s: stored balance %s, ledger sum %s",
		e.UserID, e.Stored, e.Computed)
}

func (e *IntegrityViolationError) Unwrap() error { return ErrIntegrityViolation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

// IsClientError returns true if the error is due to invalid caller input
// rather than a system fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrLimitExceeded) ||
		errors.Is(err, ErrExpiredOrInactive) ||
		errors.Is(err, ErrInvalidStateTransition)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrNotFound)
}
