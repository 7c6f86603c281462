// dto.go - JSON request/response types
//
// DTOs are pure data carriers; validation happens in handlers and the
// ledger package. Amounts travel as JSON strings to keep decimal
// precision out of float64's hands.
package api

import (
	"time"

	"github.com/backendledger/ledger-engine/ledger"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateAccountRequest creates an account for a user.
type CreateAccountRequest struct {
	UserID   string `json:"user_id"`
	Currency string `json:"currency,omitempty"`
}

// UpdateAccountStatusRequest freezes, closes, or reactivates an account.
type UpdateAccountStatusRequest struct {
	Status string `json:"status"`
}

// TransferRequest submits a transfer.
type TransferRequest struct {
	FromAccount    string `json:"fromAccount"`
	ToAccount      string `json:"toAccount"`
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// DepositRequest funds an account from the treasury.
type DepositRequest struct {
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// AccountDTO represents an account in API responses.
type AccountDTO struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Status    string `json:"status"`
	Currency  string `json:"currency"`
	CreatedAt string `json:"created_at"`
}

// BalanceDTO is a derived balance at read time.
type BalanceDTO struct {
	AccountID string `json:"account_id"`
	Currency  string `json:"currency"`
	Balance   string `json:"balance"`
	AsOf      string `json:"as_of"`
}

// EntryDTO represents one ledger entry.
type EntryDTO struct {
	ID            string `json:"id"`
	AccountID     string `json:"account_id"`
	TransactionID string `json:"transaction_id"`
	Type          string `json:"type"`
	Amount        string `json:"amount"`
	CreatedAt     string `json:"created_at"`
}

// TransactionDTO represents a transfer record.
type TransactionDTO struct {
	ID             string `json:"id"`
	FromAccount    string `json:"from_account"`
	ToAccount      string `json:"to_account"`
	Amount         string `json:"amount"`
	IdempotencyKey string `json:"idempotency_key"`
	Status         string `json:"status"`
	CreatedAt      string `json:"created_at"`
}

// TransferResponse wraps a transfer outcome. Replayed is true when the
// idempotency key had already been executed and no new writes happened.
type TransferResponse struct {
	Transaction TransactionDTO `json:"transaction"`
	Replayed    bool           `json:"replayed"`
	Message     string         `json:"message"`
}

// =============================================================================
// CONVERTERS
// =============================================================================

func toAccountDTO(a ledger.Account) AccountDTO {
	return AccountDTO{
		ID:        string(a.ID),
		UserID:    a.UserID,
		Status:    string(a.Status),
		Currency:  a.Currency,
		CreatedAt: a.CreatedAt.Format(time.RFC3339),
	}
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:            string(e.ID),
		AccountID:     string(e.AccountID),
		TransactionID: string(e.TransactionID),
		Type:          string(e.Type),
		Amount:        e.Amount.String(),
		CreatedAt:     e.CreatedAt.Format(time.RFC3339),
	}
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:             string(tx.ID),
		FromAccount:    string(tx.FromAccount),
		ToAccount:      string(tx.ToAccount),
		Amount:         tx.Amount.String(),
		IdempotencyKey: tx.IdempotencyKey,
		Status:         string(tx.Status),
		CreatedAt:      tx.CreatedAt.Format(time.RFC3339),
	}
}
