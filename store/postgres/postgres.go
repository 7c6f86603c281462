/*
Package postgres provides a pgx-backed implementation of the storage
interfaces.

PURPOSE:
  Production backend for multi-connection deployments. Same schema shape
  as store/sqlite, but isolation comes from the database instead of a
  process-wide mutex: each unit of work is one PostgreSQL transaction, and
  the check-then-debit sequence serializes per account with
  pg_advisory_xact_lock, released automatically at commit or rollback.

IDEMPOTENCY:
  The unique index on transactions.idempotency_key is the claim point.
  A concurrent insert of the same key blocks until the first unit commits,
  then fails with SQLSTATE 23505, which surfaces as
  ledger.ErrDuplicateIdempotencyKey so the caller can replay the winner.

SEE ALSO:
  - ledger/store.go: interface definitions
  - store/sqlite:    single-node backend with the same semantics
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/backendledger/ledger-engine/ledger"
)

// Store implements ledger.TxStore and ledger.AccountStore using pgx.
type Store struct {
	db *pgxpool.Pool
}

var _ ledger.TxStore = (*Store)(nil)
var _ ledger.AccountStore = (*Store)(nil)

// New connects a pool to dsn and verifies the connection.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.HealthCheckPeriod = 10 * time.Second
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return &Store{db: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() { s.db.Close() }

// Migrate creates the schema.
func (s *Store) Migrate(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'ACTIVE',
		currency TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_user ON accounts(user_id, status);

	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		from_account TEXT NOT NULL,
		to_account TEXT NOT NULL,
		amount NUMERIC(20,4) NOT NULL CHECK (amount > 0),
		idempotency_key TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_idempotency
		ON transactions(idempotency_key);
	CREATE INDEX IF NOT EXISTS idx_transactions_from ON transactions(from_account);
	CREATE INDEX IF NOT EXISTS idx_transactions_to ON transactions(to_account);

	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		transaction_id TEXT NOT NULL,
		type TEXT NOT NULL CHECK (type IN ('DEBIT','CREDIT')),
		amount NUMERIC(20,4) NOT NULL CHECK (amount > 0),
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_entries_account ON entries(account_id);
	CREATE INDEX IF NOT EXISTS idx_entries_transaction ON entries(transaction_id);
	`
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func (s *Store) CreateAccount(ctx context.Context, a ledger.Account) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO accounts (id, user_id, status, currency, created_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		a.ID, a.UserID, a.Status, a.Currency, a.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: account %s already exists", ledger.ErrValidation, a.ID)
		}
		return fmt.Errorf("%w: create account: %v", ledger.ErrPersistence, err)
	}
	return nil
}

func (s *Store) GetAccount(ctx context.Context, id ledger.AccountID) (*ledger.Account, error) {
	return getAccount(ctx, s.db, id)
}

func getAccount(ctx context.Context, db querier, id ledger.AccountID) (*ledger.Account, error) {
	var a ledger.Account
	err := db.QueryRow(ctx,
		`SELECT id, user_id, status, currency, created_at FROM accounts WHERE id = $1`, id,
	).Scan(&a.ID, &a.UserID, &a.Status, &a.Currency, &a.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, ledger.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get account: %v", ledger.ErrPersistence, err)
	}
	return &a, nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]ledger.Account, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, status, currency, created_at FROM accounts ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("%w: list accounts: %v", ledger.ErrPersistence, err)
	}
	defer rows.Close()

	var accounts []ledger.Account
	for rows.Next() {
		var a ledger.Account
		if err := rows.Scan(&a.ID, &a.UserID, &a.Status, &a.Currency, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan account: %v", ledger.ErrPersistence, err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (s *Store) UpdateAccountStatus(ctx context.Context, id ledger.AccountID, status ledger.AccountStatus) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE accounts SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return fmt.Errorf("%w: update account status: %v", ledger.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", id, ledger.ErrNotFound)
	}
	return nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (s *Store) CreateTransaction(ctx context.Context, tx ledger.Transaction) error {
	return createTransaction(ctx, s.db, tx)
}

func createTransaction(ctx context.Context, db querier, tx ledger.Transaction) error {
	_, err := db.Exec(ctx,
		`INSERT INTO transactions (id, from_account, to_account, amount, idempotency_key, status, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		tx.ID, tx.FromAccount, tx.ToAccount, tx.Amount,
		tx.IdempotencyKey, tx.Status, tx.CreatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
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

func getTransaction(ctx context.Context, db querier, id ledger.TransactionID) (*ledger.Transaction, error) {
	row := db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)
	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transaction %s: %w", id, ledger.ErrNotFound)
	}
	return tx, err
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, key string) (*ledger.Transaction, error) {
	return findByIdempotencyKey(ctx, s.db, key)
}

func findByIdempotencyKey(ctx context.Context, db querier, key string) (*ledger.Transaction, error) {
	row := db.QueryRow(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE idempotency_key = $1`, key)
	tx, err := scanTransaction(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return tx, err
}

func scanTransaction(row pgx.Row) (*ledger.Transaction, error) {
	var tx ledger.Transaction
	var amount decimal.Decimal
	err := row.Scan(&tx.ID, &tx.FromAccount, &tx.ToAccount, &amount,
		&tx.IdempotencyKey, &tx.Status, &tx.CreatedAt)
	if err != nil {
		return nil, err
	}
	tx.Amount = amount
	return &tx, nil
}

func (s *Store) SetTransactionStatus(ctx context.Context, id ledger.TransactionID, from, to ledger.TransactionStatus) error {
	return setTransactionStatus(ctx, s.db, id, from, to)
}

func setTransactionStatus(ctx context.Context, db querier, id ledger.TransactionID, from, to ledger.TransactionStatus) error {
	if from == ledger.StatusCompleted && to != ledger.StatusCompleted {
		return fmt.Errorf("%w: COMPLETED is terminal", ledger.ErrPersistence)
	}
	tag, err := db.Exec(ctx,
		`UPDATE transactions SET status = $1 WHERE id = $2 AND status = $3`, to, id, from)
	if err != nil {
		return fmt.Errorf("%w: set transaction status: %v", ledger.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: transaction %s not in status %s", ledger.ErrPersistence, id, from)
	}
	return nil
}

// =============================================================================
// ENTRIES (append-only: INSERT and SELECT only)
// =============================================================================

func (s *Store) AppendEntry(ctx context.Context, e ledger.Entry) error {
	return appendEntry(ctx, s.db, e)
}

func (s *Store) AppendEntries(ctx context.Context, entries []ledger.Entry) error {
	return s.WithTx(ctx, func(st ledger.Store) error {
		return st.AppendEntries(ctx, entries)
	})
}

func appendEntry(ctx context.Context, db querier, e ledger.Entry) error {
	_, err := db.Exec(ctx,
		`INSERT INTO entries (id, account_id, transaction_id, type, amount, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		e.ID, e.AccountID, e.TransactionID, e.Type, e.Amount, e.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("%w: append entry: %v", ledger.ErrPersistence, err)
	}
	return nil
}

const entryColumns = `id, account_id, transaction_id, type, amount, created_at`

func (s *Store) EntriesFor(ctx context.Context, accountID ledger.AccountID) ([]ledger.Entry, error) {
	return queryEntries(ctx, s.db,
		`SELECT `+entryColumns+` FROM entries WHERE account_id = $1`, accountID)
}

func (s *Store) EntriesByTransaction(ctx context.Context, txID ledger.TransactionID) ([]ledger.Entry, error) {
	return queryEntries(ctx, s.db,
		`SELECT `+entryColumns+` FROM entries WHERE transaction_id = $1`, txID)
}

// AllEntries returns every entry in the ledger, for invariant checks.
func (s *Store) AllEntries(ctx context.Context) ([]ledger.Entry, error) {
	return queryEntries(ctx, s.db, `SELECT `+entryColumns+` FROM entries`)
}

func queryEntries(ctx context.Context, db querier, sql string, args ...any) ([]ledger.Entry, error) {
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query entries: %v", ledger.ErrPersistence, err)
	}
	defer rows.Close()

	var entries []ledger.Entry
	for rows.Next() {
		var e ledger.Entry
		var amount decimal.Decimal
		if err := rows.Scan(&e.ID, &e.AccountID, &e.TransactionID, &e.Type, &amount, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("%w: scan entry: %v", ledger.ErrPersistence, err)
		}
		e.Amount = amount
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithTx runs fn inside one database transaction. The Store handed to fn
// also implements ledger.AccountLocker so the transfer flow can serialize
// check-then-debit per account.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return fmt.Errorf("%w: begin: %v", ledger.ErrPersistence, err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit: %v", ledger.ErrPersistence, err)
	}
	return nil
}

type txStore struct {
	tx pgx.Tx
}

var _ ledger.Store = (*txStore)(nil)
var _ ledger.AccountLocker = (*txStore)(nil)

// LockAccount takes a transaction-scoped advisory lock keyed on the
// account ID. Two units moving money out of the same account can no
// longer interleave their balance check and debit.
func (ts *txStore) LockAccount(ctx context.Context, id ledger.AccountID) error {
	_, err := ts.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, string(id))
	return err
}

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
		`SELECT `+entryColumns+` FROM entries WHERE account_id = $1`, accountID)
}

func (ts *txStore) EntriesByTransaction(ctx context.Context, txID ledger.TransactionID) ([]ledger.Entry, error) {
	return queryEntries(ctx, ts.tx,
		`SELECT `+entryColumns+` FROM entries WHERE transaction_id = $1`, txID)
}

// =============================================================================
// HELPERS
// =============================================================================

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
