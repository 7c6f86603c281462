/*
store.go - Persistence interfaces for the transfer core

PURPOSE:
  Defines the contract between the domain logic and the database. Different
  backends implement these over SQLite, PostgreSQL, or in-memory maps.

APPEND-ONLY CONTRACT:
  Entries have exactly two operations: append and read. No Update() or
  Delete() method exists on any interface in this package, so immutability
  is enforced at the storage boundary rather than by convention.

ATOMIC UNIT OF WORK:
  TxStore.WithTx stages every write issued through the inner Store and makes
  them durable together or not at all. The transfer flow runs its
  status re-checks, balance check, transaction insert, both entry appends,
  and the COMPLETED transition inside one unit, so concurrent transfers
  cannot both spend the same funds and a mid-unit failure leaves the
  system as if the transfer had never been attempted.

IMPLEMENTATIONS:
  - ledger/store/memory.go: in-memory, for tests and dev
  - store/sqlite:           production single-node SQLite
  - store/postgres:         pgx-backed PostgreSQL

SEE ALSO:
  - transfer.go: the only code path that writes ledger data
*/
package ledger

import "context"

// =============================================================================
// ACCOUNT REGISTRY - Read-only collaborator contract
// =============================================================================

// AccountRegistry resolves account records. The transfer core only ever
// reads accounts; creation and status changes belong to account plumbing.
type AccountRegistry interface {
	// GetAccount returns the account or ErrNotFound.
	GetAccount(ctx context.Context, id AccountID) (*Account, error)
}

// =============================================================================
// STORE - Persistence contract (entries are append-only)
// =============================================================================

type Store interface {
	AccountRegistry

	// CreateTransaction persists a new transaction record. Fails with
	// ErrDuplicateIdempotencyKey if the key is already taken; this is the
	// mutual-exclusion point for concurrent submissions of the same key.
	CreateTransaction(ctx context.Context, tx Transaction) error

	// GetTransaction returns a transaction by ID or ErrNotFound.
	GetTransaction(ctx context.Context, id TransactionID) (*Transaction, error)

	// FindByIdempotencyKey returns the transaction claimed by key, or
	// (nil, nil) when the key has never been seen.
	FindByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)

	// SetTransactionStatus transitions a transaction from one status to
	// another. The transition is guarded: it fails unless the stored
	// status equals from, and COMPLETED is terminal.
	SetTransactionStatus(ctx context.Context, id TransactionID, from, to TransactionStatus) error

	// AppendEntry persists one immutable entry.
	AppendEntry(ctx context.Context, e Entry) error

	// AppendEntries persists several entries. Within a unit of work the
	// writes are staged together; outside one, backends make the batch
	// atomic themselves.
	AppendEntries(ctx context.Context, entries []Entry) error

	// EntriesFor returns all entries for an account, any order.
	EntriesFor(ctx context.Context, accountID AccountID) ([]Entry, error)

	// EntriesByTransaction returns the entries backing one transaction.
	EntriesByTransaction(ctx context.Context, txID TransactionID) ([]Entry, error)
}

// =============================================================================
// TRANSACTIONAL STORE - Atomic unit of work
// =============================================================================

// TxStore wraps Store with unit-of-work support.
type TxStore interface {
	Store

	// WithTx executes fn against a Store whose writes commit together
	// when fn returns nil and are discarded entirely when it returns an
	// error. Reads inside fn observe the unit's own staged writes.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// AccountLocker is an optional capability of the Store handed to a WithTx
// callback. Backends whose units of work do not already serialize writers
// globally (PostgreSQL) expose it so a check-then-debit sequence can take
// an exclusive per-account lock for the remainder of the unit.
type AccountLocker interface {
	// LockAccount blocks until this unit holds the exclusive lock for the
	// account. Released automatically when the unit commits or aborts.
	LockAccount(ctx context.Context, id AccountID) error
}

// =============================================================================
// ACCOUNT PLUMBING - Outside the transfer core's mutation paths
// =============================================================================

// AccountStore is the creation/lifecycle surface used by account plumbing.
// It never touches ledger data.
type AccountStore interface {
	CreateAccount(ctx context.Context, a Account) error
	ListAccounts(ctx context.Context) ([]Account, error)

	// UpdateAccountStatus mutates account status (freeze, close, reopen).
	UpdateAccountStatus(ctx context.Context, id AccountID, status AccountStatus) error
}

// =============================================================================
// NOTIFICATION SINK
// =============================================================================

// Notifier delivers out-of-band notice of a completed transfer.
// Best-effort: the transfer flow dispatches asynchronously and logs
// failures without affecting the transfer's outcome.
type Notifier interface {
	Notify(ctx context.Context, tx Transaction) error
}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, Transaction) error { return nil }
