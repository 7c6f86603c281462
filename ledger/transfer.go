/*
transfer.go - Transfer orchestration

PURPOSE:
  Drives the one operation this system exists for: move money between two
  accounts atomically, idempotently, and without overdrawing the sender.

THE TRANSFER FLOW:
  1. Validate the request (all fields present, amount >= 0.01)
  2. Reject same-account transfers
  3. Resolve both accounts
  4. Idempotency lookup - a seen key short-circuits into a replay
  5. Check both accounts are ACTIVE
  6. Open the atomic unit:
       a. take exclusive per-account locks where the backend needs them
       b. re-check account status against the unit's view
       c. claim the idempotency key by inserting the PENDING transaction
       d. derive the sender's balance and check funds
       e. append the DEBIT and CREDIT entries
       f. transition the transaction to COMPLETED
  7. Losing a concurrent key race replays the winner's persisted result
  8. Dispatch notification asynchronously, failures logged only

WHY THE BALANCE CHECK LIVES INSIDE THE UNIT:
  Checking funds before opening the unit leaves a window where two
  concurrent transfers both pass the check against the same balance and
  both debit. Steps 6a-6d run under the unit's isolation, so the check and
  the debit are one serializable sequence per account.

MUTATION POLICY:
  This file is the only code path that writes transactions or entries.
  Account plumbing writes accounts; nothing else writes anything.
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// TransferRequest carries the caller's intent.
type TransferRequest struct {
	FromAccount    AccountID
	ToAccount      AccountID
	Amount         decimal.Decimal
	IdempotencyKey string
}

// Service orchestrates transfers against a transactional store.
type Service struct {
	Store    TxStore
	Registry *Registry

	// Notifier receives completed transfers out-of-band. Optional.
	Notifier Notifier

	// Treasury, when set, enables Deposit: a transfer from this account
	// that may overdraw it. Keeps funding inside the double-entry model.
	Treasury AccountID

	Log zerolog.Logger
}

func NewService(store TxStore) *Service {
	return &Service{
		Store:    store,
		Registry: NewRegistry(store),
		Notifier: NopNotifier{},
		Log:      zerolog.Nop(),
	}
}

// Transfer executes one idempotent transfer.
func (s *Service) Transfer(ctx context.Context, req TransferRequest) (TransferResult, error) {
	return s.transfer(ctx, req, false)
}

// Deposit funds an account from the treasury. The treasury side skips the
// funds check and may go negative; every other invariant holds, so the
// ledger stays balanced and every transaction stays two-entry.
func (s *Service) Deposit(ctx context.Context, to AccountID, amount decimal.Decimal, idempotencyKey string) (TransferResult, error) {
	if s.Treasury == "" {
		return TransferResult{}, fmt.Errorf("%w: no treasury account configured", ErrValidation)
	}
	return s.transfer(ctx, TransferRequest{
		FromAccount:    s.Treasury,
		ToAccount:      to,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
	}, true)
}

func (s *Service) transfer(ctx context.Context, req TransferRequest, allowOverdraft bool) (TransferResult, error) {
	if err := validateTransferRequest(req); err != nil {
		return TransferResult{}, err
	}

	from, err := s.Store.GetAccount(ctx, req.FromAccount)
	if err != nil {
		return TransferResult{}, fmt.Errorf("from account: %w", err)
	}
	to, err := s.Store.GetAccount(ctx, req.ToAccount)
	if err != nil {
		return TransferResult{}, fmt.Errorf("to account: %w", err)
	}
	if from.Currency != to.Currency {
		return TransferResult{}, fmt.Errorf("%w: currency mismatch (%s vs %s)",
			ErrValidation, from.Currency, to.Currency)
	}

	// Fast-path replay: the key has already been executed.
	if existing, err := s.Registry.Lookup(ctx, req.IdempotencyKey); err != nil {
		return TransferResult{}, err
	} else if existing != nil {
		return Replay(*existing), nil
	}

	if err := checkActive(from); err != nil {
		return TransferResult{}, err
	}
	if err := checkActive(to); err != nil {
		return TransferResult{}, err
	}

	tx := Transaction{
		ID:             NewTransactionID(),
		FromAccount:    req.FromAccount,
		ToAccount:      req.ToAccount,
		Amount:         req.Amount,
		IdempotencyKey: req.IdempotencyKey,
		Status:         StatusPending,
		CreatedAt:      time.Now().UTC(),
	}

	err = s.Store.WithTx(ctx, func(st Store) error {
		return s.commitTransfer(ctx, st, tx, allowOverdraft)
	})

	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		// Lost the key race. The winner has committed (the conflict is only
		// observable after its unit became durable), so replay its result.
		winner, lookupErr := s.Registry.Lookup(ctx, req.IdempotencyKey)
		if lookupErr != nil {
			return TransferResult{}, lookupErr
		}
		if winner == nil {
			return TransferResult{}, ErrIdempotencyConflict
		}
		return Replay(*winner), nil
	}
	if err != nil {
		return TransferResult{}, err
	}

	tx.Status = StatusCompleted
	s.dispatchNotification(ctx, tx)

	return TransferResult{
		Transaction: tx,
		Outcome:     OutcomeSuccess,
		Message:     "transfer completed",
	}, nil
}

// commitTransfer stages the whole transfer inside one unit of work.
func (s *Service) commitTransfer(ctx context.Context, st Store, tx Transaction, allowOverdraft bool) error {
	if locker, ok := st.(AccountLocker); ok {
		// Lock both accounts in ID order so concurrent opposite-direction
		// transfers cannot deadlock.
		for _, id := range sortedAccounts(tx.FromAccount, tx.ToAccount) {
			if err := locker.LockAccount(ctx, id); err != nil {
				return fmt.Errorf("%w: account lock: %v", ErrPersistence, err)
			}
		}
	}

	// Re-check status against the unit's view; the pre-checks raced with
	// external freezes.
	for _, id := range []AccountID{tx.FromAccount, tx.ToAccount} {
		acct, err := st.GetAccount(ctx, id)
		if err != nil {
			return err
		}
		if err := checkActive(acct); err != nil {
			return err
		}
	}

	// Claim the idempotency key. A unique-key collision here means a
	// concurrent attempt won; the caller replays its result.
	if err := st.CreateTransaction(ctx, tx); err != nil {
		return err
	}

	if !allowOverdraft {
		entries, err := st.EntriesFor(ctx, tx.FromAccount)
		if err != nil {
			return err
		}
		balance := FoldBalance(entries)
		if balance.LessThan(tx.Amount) {
			return &InsufficientFundsError{
				AccountID: tx.FromAccount,
				Available: balance,
				Requested: tx.Amount,
			}
		}
	}

	now := time.Now().UTC()
	debit := Entry{
		ID:            NewEntryID(),
		AccountID:     tx.FromAccount,
		TransactionID: tx.ID,
		Type:          EntryDebit,
		Amount:        tx.Amount,
		CreatedAt:     now,
	}
	credit := Entry{
		ID:            NewEntryID(),
		AccountID:     tx.ToAccount,
		TransactionID: tx.ID,
		Type:          EntryCredit,
		Amount:        tx.Amount,
		CreatedAt:     now,
	}
	if err := NewLedger(st).AppendPair(ctx, debit, credit); err != nil {
		return err
	}

	return st.SetTransactionStatus(ctx, tx.ID, StatusPending, StatusCompleted)
}

// dispatchNotification is fire-and-forget: delivery failure never affects
// the transfer's outcome.
func (s *Service) dispatchNotification(ctx context.Context, tx Transaction) {
	notifyCtx := context.WithoutCancel(ctx)
	go func() {
		notifyCtx, cancel := context.WithTimeout(notifyCtx, 10*time.Second)
		defer cancel()
		if err := s.Notifier.Notify(notifyCtx, tx); err != nil {
			s.Log.Warn().
				Err(err).
				Str("transaction_id", string(tx.ID)).
				Msg("transfer notification failed")
		}
	}()
}

// GetTransaction fetches one transaction with its backing entries.
func (s *Service) GetTransaction(ctx context.Context, id TransactionID) (*Transaction, []Entry, error) {
	tx, err := s.Store.GetTransaction(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	entries, err := s.Store.EntriesByTransaction(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return tx, entries, nil
}

func validateTransferRequest(req TransferRequest) error {
	if req.FromAccount == "" || req.ToAccount == "" {
		return fmt.Errorf("%w: fromAccount and toAccount are required", ErrValidation)
	}
	if req.IdempotencyKey == "" {
		return fmt.Errorf("%w: idempotencyKey is required", ErrValidation)
	}
	if req.Amount.LessThan(MinTransferAmount) {
		return fmt.Errorf("%w: amount must be at least %s", ErrValidation, MinTransferAmount)
	}
	if req.FromAccount == req.ToAccount {
		return fmt.Errorf("%w: fromAccount and toAccount cannot be the same", ErrValidation)
	}
	return nil
}

func checkActive(a *Account) error {
	if !a.IsActive() {
		return &AccountStateError{AccountID: a.ID, Status: a.Status}
	}
	return nil
}

func sortedAccounts(a, b AccountID) []AccountID {
	ids := []AccountID{a, b}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
