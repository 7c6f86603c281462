/*
handlers.go - HTTP handler implementations

PURPOSE:
  Translates HTTP requests into ledger operations and ledger errors into
  status codes. Handlers hold no business logic; the transfer flow lives
  in the ledger package.

STATUS MAPPING:
  validation / inactive account / insufficient funds -> 400
  missing account or transaction                     -> 404
  unresolvable idempotency conflict                  -> 409
  storage failure                                    -> 500
  replayed idempotency keys map by stored status:
    COMPLETED, REVERSED, REFUNDED -> 200
    PENDING                       -> 202
    FAILED, CANCELED              -> 409

SEE ALSO:
  - server.go: routing
  - ledger/errors.go: the error taxonomy mapped here
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/backendledger/ledger-engine/ledger"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Store is what the API needs from a backend: the transfer core's
// transactional store plus account plumbing.
type Store interface {
	ledger.TxStore
	ledger.AccountStore
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   Store
	Service *ledger.Service
}

// NewHandler creates a handler over the given backend.
func NewHandler(store Store, svc *ledger.Service) *Handler {
	return &Handler{Store: store, Service: svc}
}

// =============================================================================
// ACCOUNT HANDLERS (plumbing: creation and lifecycle, no ledger writes)
// =============================================================================

// CreateAccount creates a new account for a user.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}
	if req.Currency == "" {
		req.Currency = ledger.DefaultCurrency
	}

	account := ledger.Account{
		ID:        ledger.NewAccountID(),
		UserID:    req.UserID,
		Status:    ledger.AccountActive,
		Currency:  req.Currency,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.Store.CreateAccount(r.Context(), account); err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toAccountDTO(account))
}

// ListAccounts returns all accounts.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.Store.ListAccounts(r.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	dtos := make([]AccountDTO, 0, len(accounts))
	for _, a := range accounts {
		dtos = append(dtos, toAccountDTO(a))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAccount returns one account.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))
	account, err := h.Store.GetAccount(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(*account))
}

// UpdateAccountStatus freezes, closes, or reactivates an account.
// This is the external status mutation path; the transfer core only
// ever reads account status.
func (h *Handler) UpdateAccountStatus(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	var req UpdateAccountStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	status := ledger.AccountStatus(req.Status)
	switch status {
	case ledger.AccountActive, ledger.AccountFrozen, ledger.AccountClosed:
	default:
		writeError(w, http.StatusBadRequest, "status must be ACTIVE, FROZEN or CLOSED", nil)
		return
	}

	if err := h.Store.UpdateAccountStatus(r.Context(), id, status); err != nil {
		writeLedgerError(w, err)
		return
	}
	account, err := h.Store.GetAccount(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(*account))
}

// GetBalance returns the account's derived balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	account, err := h.Store.GetAccount(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	balance, err := ledger.NewLedger(h.Store).BalanceOf(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{
		AccountID: string(id),
		Currency:  account.Currency,
		Balance:   balance.String(),
		AsOf:      time.Now().UTC().Format(time.RFC3339),
	})
}

// GetEntries returns the account's full audit trail.
func (h *Handler) GetEntries(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	if _, err := h.Store.GetAccount(r.Context(), id); err != nil {
		writeLedgerError(w, err)
		return
	}
	entries, err := h.Store.EntriesFor(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	dtos := make([]EntryDTO, 0, len(entries))
	for _, e := range entries {
		dtos = append(dtos, toEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// TRANSFER HANDLERS
// =============================================================================

// CreateTransfer executes one idempotent transfer.
func (h *Handler) CreateTransfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount", err)
		return
	}

	result, err := h.Service.Transfer(r.Context(), ledger.TransferRequest{
		FromAccount:    ledger.AccountID(req.FromAccount),
		ToAccount:      ledger.AccountID(req.ToAccount),
		Amount:         amount,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, statusForResult(result), TransferResponse{
		Transaction: toTransactionDTO(result.Transaction),
		Replayed:    result.Replayed,
		Message:     result.Message,
	})
}

// CreateDeposit funds an account from the treasury.
func (h *Handler) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	id := ledger.AccountID(chi.URLParam(r, "id"))

	var req DepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid amount", err)
		return
	}

	result, err := h.Service.Deposit(r.Context(), id, amount, req.IdempotencyKey)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, statusForResult(result), TransferResponse{
		Transaction: toTransactionDTO(result.Transaction),
		Replayed:    result.Replayed,
		Message:     result.Message,
	})
}

// GetTransaction returns a transaction with its backing entries.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := ledger.TransactionID(chi.URLParam(r, "id"))

	tx, entries, err := h.Service.GetTransaction(r.Context(), id)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	entryDTOs := make([]EntryDTO, 0, len(entries))
	for _, e := range entries {
		entryDTOs = append(entryDTOs, toEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transaction": toTransactionDTO(*tx),
		"entries":     entryDTOs,
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func parseAmount(s string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, errors.New("amount is required")
	}
	return decimal.NewFromString(s)
}

// statusForResult maps a fresh execution to 201 and a replay to the code
// implied by the stored transaction's status.
func statusForResult(res ledger.TransferResult) int {
	if !res.Replayed {
		return http.StatusCreated
	}
	switch res.Transaction.Status {
	case ledger.StatusPending:
		return http.StatusAccepted
	case ledger.StatusFailed, ledger.StatusCanceled:
		return http.StatusConflict
	default:
		return http.StatusOK
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string, err error) {
	body := map[string]any{"error": message}
	if err != nil && code < 500 {
		body["detail"] = err.Error()
	}
	writeJSON(w, code, body)
}

func writeLedgerError(w http.ResponseWriter, err error) {
	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not found", err)
	case errors.Is(err, ledger.ErrIdempotencyConflict):
		writeError(w, http.StatusConflict, "idempotency key conflict", err)
	case ledger.IsClientError(err):
		writeError(w, http.StatusBadRequest, "request rejected", err)
	default:
		// Never leak storage internals on 5xx.
		writeError(w, http.StatusInternalServerError, "internal error", nil)
	}
}
