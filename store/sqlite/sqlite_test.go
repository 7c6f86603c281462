package sqlite_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backendledger/ledger-engine/ledger"
	"github.com/backendledger/ledger-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedAccount(t *testing.T, st *sqlite.Store, userID string, status ledger.AccountStatus) ledger.AccountID {
	t.Helper()
	a := ledger.Account{
		ID:        ledger.NewAccountID(),
		UserID:    userID,
		Status:    status,
		Currency:  ledger.DefaultCurrency,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateAccount(context.Background(), a))
	return a.ID
}

func pendingTx(from, to ledger.AccountID, amount, key string) ledger.Transaction {
	return ledger.Transaction{
		ID:             ledger.NewTransactionID(),
		FromAccount:    from,
		ToAccount:      to,
		Amount:         dec(amount),
		IdempotencyKey: key,
		Status:         ledger.StatusPending,
		CreatedAt:      time.Now().UTC(),
	}
}

// =============================================================================
// ACCOUNTS
// =============================================================================

func TestSQLite_Accounts_RoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id := seedAccount(t, st, "u1", ledger.AccountActive)

	got, err := st.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, ledger.AccountActive, got.Status)
	assert.Equal(t, ledger.DefaultCurrency, got.Currency)

	_, err = st.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestSQLite_UpdateAccountStatus(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	id := seedAccount(t, st, "u1", ledger.AccountActive)
	require.NoError(t, st.UpdateAccountStatus(ctx, id, ledger.AccountFrozen))

	got, err := st.GetAccount(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, ledger.AccountFrozen, got.Status)

	err = st.UpdateAccountStatus(ctx, "missing", ledger.AccountFrozen)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// IDEMPOTENCY KEY CONSTRAINT
// =============================================================================

func TestSQLite_DuplicateIdempotencyKey_Rejected(t *testing.T) {
	// GIVEN: A transaction already holds key "k1"
	// WHEN: A second insert arrives with the same key
	// THEN: The unique index rejects it with the duplicate-key sentinel

	st := newTestStore(t)
	ctx := context.Background()

	from := seedAccount(t, st, "u1", ledger.AccountActive)
	to := seedAccount(t, st, "u2", ledger.AccountActive)

	require.NoError(t, st.CreateTransaction(ctx, pendingTx(from, to, "10", "k1")))

	err := st.CreateTransaction(ctx, pendingTx(from, to, "99", "k1"))
	assert.ErrorIs(t, err, ledger.ErrDuplicateIdempotencyKey)
}

func TestSQLite_FindByIdempotencyKey(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	found, err := st.FindByIdempotencyKey(ctx, "unseen")
	require.NoError(t, err)
	assert.Nil(t, found)

	from := seedAccount(t, st, "u1", ledger.AccountActive)
	to := seedAccount(t, st, "u2", ledger.AccountActive)
	tx := pendingTx(from, to, "12.34", "seen")
	require.NoError(t, st.CreateTransaction(ctx, tx))

	found, err = st.FindByIdempotencyKey(ctx, "seen")
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, tx.ID, found.ID)
	assert.True(t, found.Amount.Equal(dec("12.34")), "decimal survives the round trip")
}

// =============================================================================
// STATUS TRANSITIONS
// =============================================================================

func TestSQLite_SetTransactionStatus_Guarded(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	from := seedAccount(t, st, "u1", ledger.AccountActive)
	to := seedAccount(t, st, "u2", ledger.AccountActive)
	tx := pendingTx(from, to, "10", "status-test")
	require.NoError(t, st.CreateTransaction(ctx, tx))

	// Mismatched from-status leaves the row untouched.
	err := st.SetTransactionStatus(ctx, tx.ID, ledger.StatusCompleted, ledger.StatusFailed)
	assert.Error(t, err)

	require.NoError(t, st.SetTransactionStatus(ctx, tx.ID, ledger.StatusPending, ledger.StatusCompleted))

	// COMPLETED is terminal.
	err = st.SetTransactionStatus(ctx, tx.ID, ledger.StatusCompleted, ledger.StatusFailed)
	assert.Error(t, err)

	got, err := st.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusCompleted, got.Status)
}

// =============================================================================
// ENTRIES
// =============================================================================

func TestSQLite_Entries_AppendAndQuery(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	txID := ledger.NewTransactionID()
	now := time.Now().UTC()
	debit := ledger.Entry{
		ID: ledger.NewEntryID(), AccountID: "a1", TransactionID: txID,
		Type: ledger.EntryDebit, Amount: dec("40"), CreatedAt: now,
	}
	credit := ledger.Entry{
		ID: ledger.NewEntryID(), AccountID: "a2", TransactionID: txID,
		Type: ledger.EntryCredit, Amount: dec("40"), CreatedAt: now,
	}
	require.NoError(t, st.AppendEntries(ctx, []ledger.Entry{debit, credit}))

	forA1, err := st.EntriesFor(ctx, "a1")
	require.NoError(t, err)
	require.Len(t, forA1, 1)
	assert.Equal(t, ledger.EntryDebit, forA1[0].Type)

	byTx, err := st.EntriesByTransaction(ctx, txID)
	require.NoError(t, err)
	assert.Len(t, byTx, 2)

	all, err := st.AllEntries(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.True(t, ledger.FoldBalance(all).IsZero())
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

func TestSQLite_WithTx_RollsBackOnError(t *testing.T) {
	// GIVEN: A unit that claims a key, writes an entry, then fails
	// WHEN: The callback errors out
	// THEN: The SQLite transaction rolls everything back

	st := newTestStore(t)
	ctx := context.Background()

	from := seedAccount(t, st, "u1", ledger.AccountActive)
	to := seedAccount(t, st, "u2", ledger.AccountActive)

	boom := errors.New("boom")
	err := st.WithTx(ctx, func(unit ledger.Store) error {
		if err := unit.CreateTransaction(ctx, pendingTx(from, to, "10", "rollback")); err != nil {
			return err
		}
		if err := unit.AppendEntry(ctx, ledger.Entry{
			ID: ledger.NewEntryID(), AccountID: from, TransactionID: "tx-rb",
			Type: ledger.EntryDebit, Amount: dec("10"), CreatedAt: time.Now().UTC(),
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	found, err := st.FindByIdempotencyKey(ctx, "rollback")
	require.NoError(t, err)
	assert.Nil(t, found, "the key must be free again after rollback")

	entries, err := st.EntriesFor(ctx, from)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSQLite_WithTx_UnitSeesOwnWrites(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	from := seedAccount(t, st, "u1", ledger.AccountActive)
	to := seedAccount(t, st, "u2", ledger.AccountActive)

	err := st.WithTx(ctx, func(unit ledger.Store) error {
		tx := pendingTx(from, to, "10", "self-read")
		if err := unit.CreateTransaction(ctx, tx); err != nil {
			return err
		}
		found, err := unit.FindByIdempotencyKey(ctx, "self-read")
		if err != nil {
			return err
		}
		require.NotNil(t, found)
		assert.Equal(t, tx.ID, found.ID)
		return unit.SetTransactionStatus(ctx, tx.ID, ledger.StatusPending, ledger.StatusCompleted)
	})
	require.NoError(t, err)
}

// =============================================================================
// END-TO-END THROUGH THE TRANSFER SERVICE
// =============================================================================

func TestSQLite_TransferService_EndToEnd(t *testing.T) {
	// Full flow against the real storage backend: fund via treasury,
	// transfer, replay, verify balances and pairing.

	st := newTestStore(t)
	ctx := context.Background()

	svc := ledger.NewService(st)
	svc.Treasury = seedAccount(t, st, "treasury", ledger.AccountActive)

	alice := seedAccount(t, st, "alice", ledger.AccountActive)
	bob := seedAccount(t, st, "bob", ledger.AccountActive)

	_, err := svc.Deposit(ctx, alice, dec("1000"), "seed-alice")
	require.NoError(t, err)

	res, err := svc.Transfer(ctx, ledger.TransferRequest{
		FromAccount:    alice,
		ToAccount:      bob,
		Amount:         dec("400"),
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, ledger.StatusCompleted, res.Transaction.Status)

	// Replay with a different amount returns the stored execution.
	replay, err := svc.Transfer(ctx, ledger.TransferRequest{
		FromAccount:    alice,
		ToAccount:      bob,
		Amount:         dec("999"),
		IdempotencyKey: "k1",
	})
	require.NoError(t, err)
	assert.True(t, replay.Replayed)
	assert.Equal(t, res.Transaction.ID, replay.Transaction.ID)

	l := ledger.NewLedger(st)
	aliceBalance, err := l.BalanceOf(ctx, alice)
	require.NoError(t, err)
	assert.True(t, aliceBalance.Equal(dec("600")))
	bobBalance, err := l.BalanceOf(ctx, bob)
	require.NoError(t, err)
	assert.True(t, bobBalance.Equal(dec("400")))

	all, err := st.AllEntries(ctx)
	require.NoError(t, err)
	assert.True(t, ledger.FoldBalance(all).IsZero())
}

func TestSQLite_TransferService_ConcurrentSameKey(t *testing.T) {
	// The writer mutex plus the unique index must reduce concurrent
	// submissions of one key to a single execution.

	st := newTestStore(t)
	ctx := context.Background()

	svc := ledger.NewService(st)
	svc.Treasury = seedAccount(t, st, "treasury", ledger.AccountActive)

	alice := seedAccount(t, st, "alice", ledger.AccountActive)
	bob := seedAccount(t, st, "bob", ledger.AccountActive)
	_, err := svc.Deposit(ctx, alice, dec("500"), "seed")
	require.NoError(t, err)

	const workers = 8
	results := make([]ledger.TransferResult, workers)
	errs := make([]error, workers)

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = svc.Transfer(ctx, ledger.TransferRequest{
				FromAccount:    alice,
				ToAccount:      bob,
				Amount:         dec("100"),
				IdempotencyKey: "race",
			})
		}(i)
	}
	close(start)
	wg.Wait()

	var executed int
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i], fmt.Sprintf("worker %d", i))
		if !results[i].Replayed {
			executed++
		}
	}
	assert.Equal(t, 1, executed)

	l := ledger.NewLedger(st)
	bobBalance, err := l.BalanceOf(ctx, bob)
	require.NoError(t, err)
	assert.True(t, bobBalance.Equal(dec("100")), "the key executed exactly once")
}
