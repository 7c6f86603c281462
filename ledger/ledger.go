/*
ledger.go - Append-only entry log and balance derivation

PURPOSE:
  The Ledger is the immutable source of truth for balances. Every debit
  and credit is recorded here; an account's balance is always computed by
  folding its entries. There is no stored "balance" counter that can drift
  out of sync with the audit trail.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are never updated or deleted
  2. PAIRED: every completed transfer contributes one DEBIT and one CREDIT
     of equal amount, so the signed sum over all entries is always zero
  3. DERIVED: balance = sum(CREDIT) - sum(DEBIT), computed fresh per read

WHY FOLD INSTEAD OF A COUNTER?
  - Audit: balance is always explainable from history
  - Correctness: no partial update can corrupt a counter
  - Debugging: "why is balance X?" has an answer in the entries

SEE ALSO:
  - store.go: the persistence interface this wraps
  - transfer.go: writes entries through the unit of work, never directly
*/
package ledger

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Ledger reads and appends immutable entries through a Store.
type Ledger struct {
	Store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{Store: store}
}

// Append validates and persists one entry. This is the ONLY write
// operation; corrections are made with compensating transactions.
func (l *Ledger) Append(ctx context.Context, e Entry) error {
	if err := validateEntry(e); err != nil {
		return err
	}
	return l.Store.AppendEntry(ctx, e)
}

// AppendPair persists a balanced debit/credit pair for one transaction.
// The two entries are staged together by the store.
func (l *Ledger) AppendPair(ctx context.Context, debit, credit Entry) error {
	if err := validateEntry(debit); err != nil {
		return err
	}
	if err := validateEntry(credit); err != nil {
		return err
	}
	if debit.Type != EntryDebit || credit.Type != EntryCredit {
		return fmt.Errorf("%w: pair must be one DEBIT and one CREDIT", ErrValidation)
	}
	if !debit.Amount.Equal(credit.Amount) {
		return fmt.Errorf("%w: pair amounts must match", ErrValidation)
	}
	if debit.TransactionID != credit.TransactionID {
		return fmt.Errorf("%w: pair must reference one transaction", ErrValidation)
	}
	return l.Store.AppendEntries(ctx, []Entry{debit, credit})
}

// EntriesFor returns the full audit trail for an account.
func (l *Ledger) EntriesFor(ctx context.Context, accountID AccountID) ([]Entry, error) {
	return l.Store.EntriesFor(ctx, accountID)
}

// BalanceOf derives an account's balance by folding its entries:
// credits add, debits subtract. An account with no entries has balance 0.
// Fold order does not matter; the sum is commutative.
func (l *Ledger) BalanceOf(ctx context.Context, accountID AccountID) (decimal.Decimal, error) {
	entries, err := l.Store.EntriesFor(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return FoldBalance(entries), nil
}

// FoldBalance sums entries with their accounting sign.
func FoldBalance(entries []Entry) decimal.Decimal {
	balance := decimal.Zero
	for _, e := range entries {
		balance = balance.Add(e.Signed())
	}
	return balance
}

func validateEntry(e Entry) error {
	if e.ID == "" || e.AccountID == "" || e.TransactionID == "" {
		return fmt.Errorf("%w: entry requires id, account and transaction", ErrValidation)
	}
	if e.Type != EntryDebit && e.Type != EntryCredit {
		return fmt.Errorf("%w: entry type must be DEBIT or CREDIT", ErrValidation)
	}
	if !e.Amount.IsPositive() {
		return fmt.Errorf("%w: entry amount must be positive", ErrValidation)
	}
	return nil
}
