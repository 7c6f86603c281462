/*
Package sqlite provides a SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements ledger.TxStore and ledger.AccountStore over SQLite. The same
  schema and query shapes carry to PostgreSQL with only dialect changes;
  see store/postgres for that backend.

APPEND-ONLY ENFORCEMENT:
  The entries table has exactly two statement shapes in this file:
  INSERT and SELECT. No UPDATE or DELETE on entries exists anywhere,
  so immutability holds at the storage boundary.

KEY TABLES:
  accounts:      external account records (status, currency)
  transactions:  transfer records, UNIQUE index on idempotency_key
  entries:       the immutable double-entry ledger

INDEXES:
  - idx_transactions_idempotency: at-most-one execution per client key
  - idx_transactions_from/to:     transfer history lookups
  - idx_entries_account:          balance folding (hot path)
  - idx_entries_transaction:      pairing lookups

CONCURRENCY:
  A sync.Mutex serializes writers, and WithTx holds it for the whole unit,
  so a check-then-debit sequence inside one unit cannot interleave with
  another writer. Readers outside a unit go straight to the database; WAL
  mode keeps them unblocked.

USAGE:
  st, err := sqlite.New("./data/ledger.db")
  if err != nil { ... }
  defer st.Close()
  svc := ledger.NewService(st)

SEE ALSO:
  - ledger/store.go: interface definitions
  - ledger/store/memory.go: in-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/backendledger/ledger-engine/ledger"
)

// Store implements ledger.TxStore and ledger.AccountStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

var _ ledger.TxStore = (*Store)(nil)
var _ ledger.AccountStore = (*Store)(nil)

// New creates a SQLite store at the given path. Use ":memory:" for an
// in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps every statement of a unit on the same
	// SQLite transaction.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Accounts (external entity: created and status-managed by plumbing)
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		currency TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_accounts_user
		ON accounts(user_id, status);

	-- Transactions (one row per transfer attempt that won its key)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		from_account TEXT NOT NULL,
		to_account TEXT NOT NULL,
		amount TEXT NOT NULL,
		idempotency_key TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	-- At-most-one execution per client key
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_idempotency
		ON transactions(idempotency_key);
	CREATE INDEX IF NOT EXISTS idx_transactions_from
		ON transactions(from_account);
	CREATE INDEX IF NOT EXISTS idx_transactions_to
		ON transactions(to_account);

	-- Entries (append-only double-entry ledger; write-once rows)
	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		transaction_id TEXT NOT NULL,
		type TEXT NOT NULL CHECK (type IN ('DEBIT','CREDIT')),
		amount TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_account
		ON entries(account_id);
	CREATE INDEX IF NOT EXISTS idx_entries_transaction
		ON entries(transaction_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so the same statement
// helpers serve direct calls and units of work.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// ACCOUNTS (ledger.AccountStore)
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, a ledger.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, user_id, status, currency, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.Status, a.Currency, a.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: account %s already exists", ledger.ErrValidation, a.ID)
		}
		return fmt.Errorf("%w: create account: %v", ledger.ErrPersistence, err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	return getAccount(ctx, s.db, id)
}

func getAccount(ctx context.Context, db dbtx, id ledger.AccountID) (*ledger.Account, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, user_id, status, currency, created_at FROM accounts WHERE id = ?`, id)

	var a ledger.Account
	var createdAt string
	err := row.Scan(&a.ID, &a.UserID, &a.Status, &a.Currency, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get account: %v", ledger.ErrPersistence, err)
	}
	a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &a, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, status, currency, created_at FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("%w: list accounts: %v", ledger.ErrPersistence, err)
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		var a ledger.Account
		var createdAt string
		if err := rows.Scan(&a.ID, &a.UserID, &a.Status, &a.Currency, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan account: %v", ledger.ErrPersistence, err)
		}
		a.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *Store) UpdateAccountStatus(ctx context.Context, id ledger.AccountID, status ledger.AccountStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("%w: update account status: %v", ledger.ErrPersistence, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("account %s: %w", id, ledger.ErrNotFound)
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) CreateTransaction(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createTransaction(ctx, s.db, tx)
}

func createTransaction(ctx context.Context, db dbtx, tx ledger.Transaction) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO transactions (id, from_account, to_account, amount, idempotency_key, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.FromAccount, tx.ToAccount, tx.Amount.String(),
		tx.IdempotencyKey, tx.Status, tx.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("%w: create transaction: %v", ledger.ErrPersistence, err)
	}
	return nil
}

const transactionColumns = `id, from_account, to_account, amount, idempotency_key, status, created_at`

func (s *Store) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	return getTransaction(ctx, s.db, id)
}

func getTransaction(ctx context.Context, db dbtx, id ledger.TransactionID) (*ledger.Transaction, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, ledger.ErrNotFound)
	}
	return tx, err
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	return findByIdempotencyKey(ctx, s.db, key)
}

func findByIdempotencyKey(ctx context.Context, db dbtx, key string) (*ledger.Transaction, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = ?`, key)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return tx, err
}

func scanTransaction(row *sql.Row) (*ledger.Transaction, error) {
	var tx ledger.Transaction
	var amount, createdAt string
	err := row.Scan(&tx.ID, &tx.FromAccount, &tx.ToAccount, &amount,
		&tx.IdempotencyKey, &tx.Status, &createdAt)
	if err != nil {
		return nil, err
	}
	tx.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: corrupt amount %q: %v", ledger.ErrPersistence, amount, err)
	}
	tx.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return &tx, nil
}

func (s *Store) SetTransactionStatus(ctx context.Context, id ledger.TransactionID, from, to ledger.TransactionStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return setTransactionStatus(ctx, s.db, id, from, to)
}

// setTransactionStatus is guarded: the WHERE clause only matches the
// expected current status, so a COMPLETED row can never be moved again.
func setTransactionStatus(ctx context.Context, db dbtx, id ledger.TransactionID, from, to ledger.TransactionStatus) error {
	if from == ledger.StatusCompleted && to != ledger.StatusCompleted {
		return fmt.Errorf("%w: COMPLETED is terminal", ledger.ErrPersistence)
	}
	res, err := db.ExecContext(ctx,
		`UPDATE transactions SET status = ? WHERE id = ? AND status = ?`, to, id, from)
	if err != nil {
		return fmt.Errorf("%w: set transaction status: %v", ledger.ErrPersistence, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: transaction %s not in status %s", ledger.ErrPersistence, id, from)
	}
	return nil
}

// =============================================================================
// ENTRIES (append-only: INSERT and SELECT are the only statement shapes)
// =============================================================================

func (s *Store) AppendEntry(ctx context.Context, e ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendEntry(ctx, s.db, e)
}

func (s *Store) AppendEntries(ctx context.Context, entries []ledger.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ledger.ErrPersistence, err)
	}
	defer sqlTx.Rollback()

	for _, e := range entries {
		if err := appendEntry(ctx, sqlTx, e); err != nil {
			return err
		}
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ledger.ErrPersistence, err)
	}
	return nil
}

func appendEntry(ctx context.Context, db dbtx, e ledger.Entry) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO entries (id, account_id, transaction_id, type, amount, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.AccountID, e.TransactionID, e.Type, e.Amount.String(),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("%w: append entry: %v", ledger.ErrPersistence, err)
	}
	return nil
}

const entryColumns = `id, account_id, transaction_id, type, amount, created_at`

func (s *Store) EntriesFor(ctx context.Context, accountID ledger.AccountID) ([]ledger.Entry, error) {
	return queryEntries(ctx, s.db,
		`SELECT `+entryColumns+` FROM entries WHERE account_id = ? ORDER BY created_at`, accountID)
}

func (s *Store) EntriesByTransaction(ctx context.Context, txID ledger.TransactionID) ([]ledger.Entry, error) {
	return queryEntries(ctx, s.db,
		`SELECT `+entryColumns+` FROM entries WHERE transaction_id = ?`, txID)
}

// AllEntries returns every entry in the ledger. Used by invariant checks
// and reconciliation tooling.
func (s *Store) AllEntries(ctx context.Context) ([]ledger.Entry, error) {
	return queryEntries(ctx, s.db, `SELECT `+entryColumns+` FROM entries`)
}

func queryEntries(ctx context.Context, db dbtx, query string, args ...any) ([]ledger.Entry, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query entries: %v", ledger.ErrPersistence, err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var amount, createdAt string
		if err := rows.Scan(&e.ID, &e.AccountID, &e.TransactionID, &e.Type, &amount, &createdAt); err != nil {
			return nil, fmt.Errorf("%w: scan entry: %v", ledger.ErrPersistence, err)
		}
		e.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, fmt.Errorf("%w: corrupt amount %q: %v", ledger.ErrPersistence, amount, err)
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// UNIT OF WORK (ledger.TxStore)
// =============================================================================

// WithTx executes fn inside one SQLite transaction, holding the writer
// lock for the duration. All writes commit together or not at all, and
// no other writer can interleave with a check-then-debit sequence.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ledger.ErrPersistence, err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", ledger.ErrPersistence, err)
	}
	return nil
}

// txStore routes every statement through the open *sql.Tx. It must not
// touch the parent's mutex; WithTx already holds it.
type txStore struct {
	tx *sql.Tx
}

var _ ledger.Store = (*txStore)(nil)

func (ts *txStore) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	return getAccount(ctx, ts.tx, id)
}

func (ts *txStore) CreateTransaction(ctx context.Context, tx ledger.Transaction) error {
	return createTransaction(ctx, ts.tx, tx)
}

func (ts *txStore) GetTransaction(ctx context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	return getTransaction(ctx, ts.tx, id)
}

func (ts *txStore) FindByIdempotencyKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	return findByIdempotencyKey(ctx, ts.tx, key)
}

func (ts *txStore) SetTransactionStatus(ctx context.Context, id ledger.TransactionID, from, to ledger.TransactionStatus) error {
	return setTransactionStatus(ctx, ts.tx, id, from, to)
}

func (ts *txStore) AppendEntry(ctx context.Context, e ledger.Entry) error {
	return appendEntry(ctx, ts.tx, e)
}

func (ts *txStore) AppendEntries(ctx context.Context, entries []ledger.Entry) error {
	for _, e := range entries {
		if err := appendEntry(ctx, ts.tx, e); err != nil {
			return err
		}
	}
	return nil
}

func (ts *txStore) EntriesFor(ctx context.Context, accountID ledger.AccountID) ([]ledger.Entry, error) {
	return queryEntries(ctx, ts.tx,
		`SELECT `+entryColumns+` FROM entries WHERE account_id = ?`, accountID)
}

func (ts *txStore) EntriesByTransaction(ctx context.Context, txID ledger.TransactionID) ([]ledger.Entry, error) {
	return queryEntries(ctx, ts.tx,
		`SELECT `+entryColumns+` FROM entries WHERE transaction_id = ?`, txID)
}

// =============================================================================
// HELPERS
// =============================================================================

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
