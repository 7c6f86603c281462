// Package store provides an in-memory TxStore implementation
// for tests and development.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/backendledger/ledger-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu           sync.Mutex
	accounts     map[ledger.AccountID]ledger.Account
	transactions map[ledger.TransactionID]ledger.Transaction
	byKey        map[string]ledger.TransactionID
	entries      map[ledger.AccountID][]ledger.Entry
	byTx         map[ledger.TransactionID][]ledger.Entry
}

func NewMemory() *Memory {
	return &Memory{
		accounts:     make(map[ledger.AccountID]ledger.Account),
		transactions: make(map[ledger.TransactionID]ledger.Transaction),
		byKey:        make(map[string]ledger.TransactionID),
		entries:      make(map[ledger.AccountID][]ledger.Entry),
		byTx:         make(map[ledger.TransactionID][]ledger.Entry),
	}
}

var _ ledger.TxStore = (*Memory)(nil)
var _ ledger.AccountStore = (*Memory)(nil)

// =============================================================================
// ACCOUNTS
// =============================================================================

func (m *Memory) CreateAccount(_ context.Context, a ledger.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.accounts[a.ID]; ok {
		return fmt.Errorf("%w: account %s already exists", ledger.ErrValidation, a.ID)
	}
	m.accounts[a.ID] = a
	return nil
}

func (m *Memory) GetAccount(_ context.Context, id ledger.AccountID) (*ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getAccountLocked(id)
}

func (m *Memory) ListAccounts(_ context.Context) ([]ledger.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ledger.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}
	return out, nil
}

func (m *Memory) UpdateAccountStatus(_ context.Context, id ledger.AccountID, status ledger.AccountStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[id]
	if !ok {
		return fmt.Errorf("account %s: %w", id, ledger.ErrNotFound)
	}
	a.Status = status
	m.accounts[id] = a
	return nil
}

func (m *Memory) getAccountLocked(id ledger.AccountID) (*ledger.Account, error) {
	a, ok := m.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, ledger.ErrNotFound)
	}
	return &a, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (m *Memory) CreateTransaction(_ context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createTransactionLocked(tx)
}

func (m *Memory) createTransactionLocked(tx ledger.Transaction) error {
	if _, ok := m.byKey[tx.IdempotencyKey]; ok {
		return ledger.ErrDuplicateIdempotencyKey
	}
	m.transactions[tx.ID] = tx
	m.byKey[tx.IdempotencyKey] = tx.ID
	return nil
}

func (m *Memory) GetTransaction(_ context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getTransactionLocked(id)
}

func (m *Memory) getTransactionLocked(id ledger.TransactionID) (*ledger.Transaction, error) {
	tx, ok := m.transactions[id]
	if !ok {
		return nil, fmt.Errorf("transaction %s: %w", id, ledger.ErrNotFound)
	}
	return &tx, nil
}

func (m *Memory) FindByIdempotencyKey(_ context.Context, key string) (*ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findByKeyLocked(key)
}

func (m *Memory) findByKeyLocked(key string) (*ledger.Transaction, error) {
	id, ok := m.byKey[key]
	if !ok {
		return nil, nil
	}
	tx := m.transactions[id]
	return &tx, nil
}

func (m *Memory) SetTransactionStatus(_ context.Context, id ledger.TransactionID, from, to ledger.TransactionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setStatusLocked(id, from, to)
}

func (m *Memory) setStatusLocked(id ledger.TransactionID, from, to ledger.TransactionStatus) error {
	tx, ok := m.transactions[id]
	if !ok {
		return fmt.Errorf("transaction %s: %w", id, ledger.ErrNotFound)
	}
	if tx.Status == ledger.StatusCompleted && to != ledger.StatusCompleted {
		return fmt.Errorf("%w: COMPLETED is terminal", ledger.ErrPersistence)
	}
	if tx.Status != from {
		return fmt.Errorf("%w: status is %s, expected %s", ledger.ErrPersistence, tx.Status, from)
	}
	tx.Status = to
	m.transactions[id] = tx
	return nil
}

// =============================================================================
// ENTRIES - Append-only
// =============================================================================

func (m *Memory) AppendEntry(_ context.Context, e ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendEntryLocked(e)
	return nil
}

func (m *Memory) AppendEntries(_ context.Context, entries []ledger.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.appendEntryLocked(e)
	}
	return nil
}

func (m *Memory) appendEntryLocked(e ledger.Entry) {
	m.entries[e.AccountID] = append(m.entries[e.AccountID], e)
	m.byTx[e.TransactionID] = append(m.byTx[e.TransactionID], e)
}

func (m *Memory) EntriesFor(_ context.Context, accountID ledger.AccountID) ([]ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.entriesForLocked(accountID), nil
}

func (m *Memory) entriesForLocked(accountID ledger.AccountID) []ledger.Entry {
	src := m.entries[accountID]
	out := make([]ledger.Entry, len(src))
	copy(out, src)
	return out
}

func (m *Memory) EntriesByTransaction(_ context.Context, txID ledger.TransactionID) ([]ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	src := m.byTx[txID]
	out := make([]ledger.Entry, len(src))
	copy(out, src)
	return out, nil
}

// AllEntries returns every entry in the store. Used by invariant checks.
func (m *Memory) AllEntries(_ context.Context) ([]ledger.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ledger.Entry
	for _, es := range m.byTx {
		out = append(out, es...)
	}
	return out, nil
}

// =============================================================================
// UNIT OF WORK
// =============================================================================

// WithTx executes fn under the store's single writer lock, against a view
// whose writes are discarded if fn fails. Holding the lock for the whole
// unit gives the check-then-debit sequence serializable isolation.
func (m *Memory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&memoryView{m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	accounts     map[ledger.AccountID]ledger.Account
	transactions map[ledger.TransactionID]ledger.Transaction
	byKey        map[string]ledger.TransactionID
	entries      map[ledger.AccountID][]ledger.Entry
	byTx         map[ledger.TransactionID][]ledger.Entry
}

func (m *Memory) snapshot() memorySnapshot {
	s := memorySnapshot{
		accounts:     make(map[ledger.AccountID]ledger.Account, len(m.accounts)),
		transactions: make(map[ledger.TransactionID]ledger.Transaction, len(m.transactions)),
		byKey:        make(map[string]ledger.TransactionID, len(m.byKey)),
		entries:      make(map[ledger.AccountID][]ledger.Entry, len(m.entries)),
		byTx:         make(map[ledger.TransactionID][]ledger.Entry, len(m.byTx)),
	}
	for k, v := range m.accounts {
		s.accounts[k] = v
	}
	for k, v := range m.transactions {
		s.transactions[k] = v
	}
	for k, v := range m.byKey {
		s.byKey[k] = v
	}
	for k, v := range m.entries {
		cp := make([]ledger.Entry, len(v))
		copy(cp, v)
		s.entries[k] = cp
	}
	for k, v := range m.byTx {
		cp := make([]ledger.Entry, len(v))
		copy(cp, v)
		s.byTx[k] = cp
	}
	return s
}

func (m *Memory) restore(s memorySnapshot) {
	m.accounts = s.accounts
	m.transactions = s.transactions
	m.byKey = s.byKey
	m.entries = s.entries
	m.byTx = s.byTx
}

// memoryView is the Store handed to a WithTx callback. The parent's lock
// is already held, so it calls the unlocked internals directly.
type memoryView struct {
	parent *Memory
}

var _ ledger.Store = (*memoryView)(nil)

func (v *memoryView) GetAccount(_ context.Context, id ledger.AccountID) (*ledger.Account, error) {
	return v.parent.getAccountLocked(id)
}

func (v *memoryView) CreateTransaction(_ context.Context, tx ledger.Transaction) error {
	return v.parent.createTransactionLocked(tx)
}

func (v *memoryView) GetTransaction(_ context.Context, id ledger.TransactionID) (*ledger.Transaction, error) {
	return v.parent.getTransactionLocked(id)
}

func (v *memoryView) FindByIdempotencyKey(_ context.Context, key string) (*ledger.Transaction, error) {
	return v.parent.findByKeyLocked(key)
}

func (v *memoryView) SetTransactionStatus(_ context.Context, id ledger.TransactionID, from, to ledger.TransactionStatus) error {
	return v.parent.setStatusLocked(id, from, to)
}

func (v *memoryView) AppendEntry(_ context.Context, e ledger.Entry) error {
	v.parent.appendEntryLocked(e)
	return nil
}

func (v *memoryView) AppendEntries(_ context.Context, entries []ledger.Entry) error {
	for _, e := range entries {
		v.parent.appendEntryLocked(e)
	}
	return nil
}

func (v *memoryView) EntriesFor(_ context.Context, accountID ledger.AccountID) ([]ledger.Entry, error) {
	return v.parent.entriesForLocked(accountID), nil
}

func (v *memoryView) EntriesByTransaction(_ context.Context, txID ledger.TransactionID) ([]ledger.Entry, error) {
	src := v.parent.byTx[txID]
	out := make([]ledger.Entry, len(src))
	copy(out, src)
	return out, nil
}
