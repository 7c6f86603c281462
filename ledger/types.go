/*
Package ledger implements an append-only double-entry money ledger.

PURPOSE:
  This package contains the domain types and algorithms for moving money
  between accounts safely: an immutable ledger of DEBIT/CREDIT entries,
  balance derivation by folding those entries, idempotency-keyed transfers,
  and an atomic unit-of-work contract for storage backends.

KEY CONCEPTS IN THIS FILE (types.go):
  - Account: an external record the core reads but never mutates
  - Entry: one immutable signed movement against one account
  - Transaction: a transfer between two accounts, identified by an
    idempotency key, always backed by exactly two entries once completed

DESIGN PRINCIPLES:
  1. Immutability: entries are never updated or deleted, only appended
  2. Precision: amounts use decimal.Decimal, never floats
  3. Derivation: balance is always computed from entries, never stored
  4. Replay safety: every transfer carries a caller-supplied idempotency key

SEE ALSO:
  - ledger.go: entry persistence and balance folding
  - transfer.go: the transfer orchestration flow
  - store.go: storage interfaces, including the unit-of-work contract
*/
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type AccountID string
type TransactionID string
type EntryID string

func NewAccountID() AccountID         { return AccountID(uuid.NewString()) }
func NewTransactionID() TransactionID { return TransactionID(uuid.NewString()) }
func NewEntryID() EntryID             { return EntryID(uuid.NewString()) }

// =============================================================================
// ACCOUNT - External entity, referenced not owned
// =============================================================================

type AccountStatus string

const (
	AccountActive AccountStatus = "ACTIVE"
	AccountFrozen AccountStatus = "FROZEN"
	AccountClosed AccountStatus = "CLOSED"
)

// Account is created and status-managed by account plumbing outside the
// transfer core. The core only ever reads it.
type Account struct {
	ID        AccountID
	UserID    string
	Status    AccountStatus
	Currency  string
	CreatedAt time.Time
}

// DefaultCurrency is applied when account creation omits a currency.
const DefaultCurrency = "INR"

func (a Account) IsActive() bool { return a.Status == AccountActive }

// =============================================================================
// ENTRY - One immutable ledger movement
// =============================================================================

type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// Entry records a single DEBIT or CREDIT against one account.
// Once written it is never modified; corrections happen via new
// transactions, never edits.
type Entry struct {
	ID            EntryID
	AccountID     AccountID
	TransactionID TransactionID
	Type          EntryType
	Amount        decimal.Decimal // always positive; sign comes from Type
	CreatedAt     time.Time
}

// Signed returns the entry amount with its accounting sign:
// +Amount for CREDIT, -Amount for DEBIT.
func (e Entry) Signed() decimal.Decimal {
	if e.Type == EntryDebit {
		return e.Amount.Neg()
	}
	return e.Amount
}

// =============================================================================
// TRANSACTION - A transfer between two accounts
// =============================================================================

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "PENDING"
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusFailed    TransactionStatus = "FAILED"
	StatusCanceled  TransactionStatus = "CANCELED"
	StatusReversed  TransactionStatus = "REVERSED"
	StatusRefunded  TransactionStatus = "REFUNDED"
)

// Transaction is the record of one transfer attempt. Within a single
// atomic unit it is created PENDING, backed by exactly one DEBIT and one
// CREDIT entry, and moved to COMPLETED. COMPLETED is terminal.
//
// REVERSED / REFUNDED / CANCELED are set by out-of-core processes and are
// tracked here only so idempotent replays can report them.
type Transaction struct {
	ID             TransactionID
	FromAccount    AccountID
	ToAccount      AccountID
	Amount         decimal.Decimal
	IdempotencyKey string
	Status         TransactionStatus
	CreatedAt      time.Time
}

// MinTransferAmount is the smallest amount a transfer may move.
var MinTransferAmount = decimal.RequireFromString("0.01")
