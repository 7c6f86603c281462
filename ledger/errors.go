/*
errors.go - Centralized error types for the transfer core

PURPOSE:
  All error types in one place for consistency and discoverability.
  Storage backends and the HTTP layer match on these with errors.Is /
  errors.As.

ERROR CATEGORIES:
  1. Caller errors   - bad input, unknown accounts, inactive accounts
  2. Business errors - insufficient funds, idempotency key conflicts
  3. Storage errors  - persistence failures inside the atomic unit

PROPAGATION POLICY:
  Every failure surfaced before or during the atomic unit leaves storage
  exactly as it was. A caller receiving ErrPersistence may retry with the
  same idempotency key; the unit-of-work guarantee means no partial state
  survived the failed attempt.
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
	// ErrValidation is returned for malformed or missing transfer input.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a referenced account or transaction
	// does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAccountNotActive is returned when either side of a transfer is
	// FROZEN or CLOSED.
	ErrAccountNotActive = errors.New("account not active")

	// ErrInsufficientFunds is returned when the sender's derived balance
	// cannot cover the transfer. Expected business outcome, not a fault.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrDuplicateIdempotencyKey is returned by stores when a transaction
	// insert collides with an existing idempotency key. The transfer flow
	// converts it into a replay of the winning attempt.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrIdempotencyConflict is returned when a key collision cannot be
	// resolved into a replayable transaction.
	ErrIdempotencyConflict = errors.New("idempotency key conflict")

	// ErrPersistence is returned when storage fails mid-operation.
	// The atomic unit guarantees nothing partial was written.
	ErrPersistence = errors.New("persistence failure")

	// ErrStoreRequired is returned when an operation needs a store
	// capability (such as unit-of-work) the backend does not provide.
	ErrStoreRequired = errors.New("operation requires extended store interface")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientFundsError reports the shortfall on the sending account.
type InsufficientFundsError struct {
	AccountID AccountID
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on account %s: available %s, requested %s",
		e.AccountID, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// AccountStateError reports a transfer attempted against a non-ACTIVE account.
type AccountStateError struct {
	AccountID AccountID
	Status    AccountStatus
}

func (e *AccountStateError) Error() string {
	return fmt.Sprintf("account %s is %s", e.AccountID, e.Status)
}

func (e *AccountStateError) Unwrap() error { return ErrAccountNotActive }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable reports whether retrying with the same idempotency key might
// succeed. Only storage failures qualify; everything else needs the caller
// or an operator to change something first.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrPersistence)
}

// IsClientError reports whether the failure is attributable to the request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrAccountNotActive) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrIdempotencyConflict)
}

// IsNotFound reports whether the failure is a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
