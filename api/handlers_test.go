package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backendledger/ledger-engine/api"
	"github.com/backendledger/ledger-engine/ledger"
	"github.com/backendledger/ledger-engine/ledger/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type testAPI struct {
	router http.Handler
	mem    *store.Memory
	svc    *ledger.Service
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	mem := store.NewMemory()
	svc := ledger.NewService(mem)

	treasury := ledger.Account{
		ID:        ledger.NewAccountID(),
		UserID:    "treasury",
		Status:    ledger.AccountActive,
		Currency:  ledger.DefaultCurrency,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, mem.CreateAccount(context.Background(), treasury))
	svc.Treasury = treasury.ID

	h := api.NewHandler(mem, svc)
	return &testAPI{router: api.NewRouter(h), mem: mem, svc: svc}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	a.router.ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&v))
	return v
}

// createAccount provisions an account through the API and returns its id.
func (a *testAPI) createAccount(t *testing.T, userID string) string {
	t.Helper()
	rr := a.do(t, http.MethodPost, "/api/accounts/", api.CreateAccountRequest{UserID: userID})
	require.Equal(t, http.StatusCreated, rr.Code)
	return decode[api.AccountDTO](t, rr).ID
}

// deposit funds an account through the API.
func (a *testAPI) deposit(t *testing.T, accountID, amount, key string) {
	t.Helper()
	rr := a.do(t, http.MethodPost, "/api/accounts/"+accountID+"/deposits",
		api.DepositRequest{Amount: amount, IdempotencyKey: key})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
}

// =============================================================================
// ACCOUNT ENDPOINTS
// =============================================================================

func TestAPI_CreateAccount(t *testing.T) {
	a := newTestAPI(t)

	rr := a.do(t, http.MethodPost, "/api/accounts/", api.CreateAccountRequest{UserID: "u1"})
	require.Equal(t, http.StatusCreated, rr.Code)

	dto := decode[api.AccountDTO](t, rr)
	assert.NotEmpty(t, dto.ID)
	assert.Equal(t, "u1", dto.UserID)
	assert.Equal(t, string(ledger.AccountActive), dto.Status)
	assert.Equal(t, ledger.DefaultCurrency, dto.Currency, "currency defaults when omitted")
}

func TestAPI_CreateAccount_MissingUserID(t *testing.T) {
	a := newTestAPI(t)
	rr := a.do(t, http.MethodPost, "/api/accounts/", api.CreateAccountRequest{})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_GetAccount_NotFound(t *testing.T) {
	a := newTestAPI(t)
	rr := a.do(t, http.MethodGet, "/api/accounts/no-such-id", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPI_UpdateAccountStatus(t *testing.T) {
	a := newTestAPI(t)
	id := a.createAccount(t, "u1")

	rr := a.do(t, http.MethodPatch, "/api/accounts/"+id+"/status",
		api.UpdateAccountStatusRequest{Status: "FROZEN"})
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "FROZEN", decode[api.AccountDTO](t, rr).Status)

	rr = a.do(t, http.MethodPatch, "/api/accounts/"+id+"/status",
		api.UpdateAccountStatusRequest{Status: "SLEEPING"})
	assert.Equal(t, http.StatusBadRequest, rr.Code, "unknown status is rejected")
}

func TestAPI_Balance_And_Entries(t *testing.T) {
	// GIVEN: An account funded with 500 via deposit
	// WHEN: Reading its balance and entries
	// THEN: Balance is 500 and the audit trail shows the credit

	a := newTestAPI(t)
	id := a.createAccount(t, "u1")
	a.deposit(t, id, "500", "dep-1")

	rr := a.do(t, http.MethodGet, "/api/accounts/"+id+"/balance", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	balance := decode[api.BalanceDTO](t, rr)
	assert.Equal(t, "500", balance.Balance)
	assert.Equal(t, id, balance.AccountID)

	rr = a.do(t, http.MethodGet, "/api/accounts/"+id+"/entries", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	entries := decode[[]api.EntryDTO](t, rr)
	require.Len(t, entries, 1)
	assert.Equal(t, "CREDIT", entries[0].Type)
	assert.Equal(t, "500", entries[0].Amount)
}

func TestAPI_Balance_EmptyAccount_IsZero(t *testing.T) {
	a := newTestAPI(t)
	id := a.createAccount(t, "u1")

	rr := a.do(t, http.MethodGet, "/api/accounts/"+id+"/balance", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "0", decode[api.BalanceDTO](t, rr).Balance)
}

// =============================================================================
// TRANSFER ENDPOINT
// =============================================================================

func TestAPI_Transfer_FreshExecution_Returns201(t *testing.T) {
	a := newTestAPI(t)
	alice := a.createAccount(t, "alice")
	bob := a.createAccount(t, "bob")
	a.deposit(t, alice, "1000", "seed")

	rr := a.do(t, http.MethodPost, "/api/transfers/", api.TransferRequest{
		FromAccount:    alice,
		ToAccount:      bob,
		Amount:         "400",
		IdempotencyKey: "k1",
	})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	resp := decode[api.TransferResponse](t, rr)
	assert.False(t, resp.Replayed)
	assert.Equal(t, "400", resp.Transaction.Amount)
	assert.Equal(t, "COMPLETED", resp.Transaction.Status)
}

func TestAPI_Transfer_Replay_Returns200(t *testing.T) {
	// GIVEN: Key "k1" already executed a transfer of 400
	// WHEN: The key is resubmitted, even with amount 999
	// THEN: 200 with the original transaction; balances untouched

	a := newTestAPI(t)
	alice := a.createAccount(t, "alice")
	bob := a.createAccount(t, "bob")
	a.deposit(t, alice, "1000", "seed")

	first := a.do(t, http.MethodPost, "/api/transfers/", api.TransferRequest{
		FromAccount: alice, ToAccount: bob, Amount: "400", IdempotencyKey: "k1",
	})
	require.Equal(t, http.StatusCreated, first.Code)
	firstResp := decode[api.TransferResponse](t, first)

	second := a.do(t, http.MethodPost, "/api/transfers/", api.TransferRequest{
		FromAccount: alice, ToAccount: bob, Amount: "999", IdempotencyKey: "k1",
	})
	require.Equal(t, http.StatusOK, second.Code)
	secondResp := decode[api.TransferResponse](t, second)

	assert.True(t, secondResp.Replayed)
	assert.Equal(t, firstResp.Transaction.ID, secondResp.Transaction.ID)
	assert.Equal(t, "400", secondResp.Transaction.Amount)

	rr := a.do(t, http.MethodGet, "/api/accounts/"+alice+"/balance", nil)
	assert.Equal(t, "600", decode[api.BalanceDTO](t, rr).Balance)
}

func TestAPI_Transfer_ReplayStatusCodes(t *testing.T) {
	// Replays map the stored status onto HTTP codes: PENDING is still in
	// flight (202), FAILED and CANCELED are settled failures (409).

	cases := []struct {
		status ledger.TransactionStatus
		code   int
	}{
		{ledger.StatusPending, http.StatusAccepted},
		{ledger.StatusFailed, http.StatusConflict},
		{ledger.StatusCanceled, http.StatusConflict},
		{ledger.StatusRefunded, http.StatusOK},
		{ledger.StatusReversed, http.StatusOK},
	}

	for _, tc := range cases {
		t.Run(string(tc.status), func(t *testing.T) {
			a := newTestAPI(t)
			alice := a.createAccount(t, "alice")
			bob := a.createAccount(t, "bob")
			a.deposit(t, alice, "100", "seed")

			key := "replay-" + string(tc.status)
			require.NoError(t, a.mem.CreateTransaction(context.Background(), ledger.Transaction{
				ID:             ledger.NewTransactionID(),
				FromAccount:    ledger.AccountID(alice),
				ToAccount:      ledger.AccountID(bob),
				Amount:         dec("50"),
				IdempotencyKey: key,
				Status:         tc.status,
				CreatedAt:      time.Now().UTC(),
			}))

			rr := a.do(t, http.MethodPost, "/api/transfers/", api.TransferRequest{
				FromAccount: alice, ToAccount: bob, Amount: "50", IdempotencyKey: key,
			})
			assert.Equal(t, tc.code, rr.Code, rr.Body.String())
			assert.True(t, decode[api.TransferResponse](t, rr).Replayed)
		})
	}
}

func TestAPI_Transfer_InsufficientFunds_Returns400(t *testing.T) {
	a := newTestAPI(t)
	alice := a.createAccount(t, "alice")
	bob := a.createAccount(t, "bob")

	rr := a.do(t, http.MethodPost, "/api/transfers/", api.TransferRequest{
		FromAccount: alice, ToAccount: bob, Amount: "100", IdempotencyKey: "broke",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_Transfer_FrozenAccount_Returns400(t *testing.T) {
	a := newTestAPI(t)
	alice := a.createAccount(t, "alice")
	bob := a.createAccount(t, "bob")
	a.deposit(t, alice, "100", "seed")

	rr := a.do(t, http.MethodPatch, "/api/accounts/"+alice+"/status",
		api.UpdateAccountStatusRequest{Status: "FROZEN"})
	require.Equal(t, http.StatusOK, rr.Code)

	rr = a.do(t, http.MethodPost, "/api/transfers/", api.TransferRequest{
		FromAccount: alice, ToAccount: bob, Amount: "10", IdempotencyKey: "k",
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestAPI_Transfer_UnknownAccount_Returns404(t *testing.T) {
	a := newTestAPI(t)
	alice := a.createAccount(t, "alice")

	rr := a.do(t, http.MethodPost, "/api/transfers/", api.TransferRequest{
		FromAccount: alice, ToAccount: "ghost", Amount: "10", IdempotencyKey: "k",
	})
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAPI_Transfer_BadPayloads_Return400(t *testing.T) {
	a := newTestAPI(t)
	alice := a.createAccount(t, "alice")
	bob := a.createAccount(t, "bob")

	cases := []struct {
		name string
		req  api.TransferRequest
	}{
		{"missing amount", api.TransferRequest{FromAccount: alice, ToAccount: bob, IdempotencyKey: "k"}},
		{"garbage amount", api.TransferRequest{FromAccount: alice, ToAccount: bob, Amount: "ten", IdempotencyKey: "k"}},
		{"missing key", api.TransferRequest{FromAccount: alice, ToAccount: bob, Amount: "10"}},
		{"same account", api.TransferRequest{FromAccount: alice, ToAccount: alice, Amount: "10", IdempotencyKey: "k"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := a.do(t, http.MethodPost, "/api/transfers/", tc.req)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

// =============================================================================
// TRANSACTION LOOKUP
// =============================================================================

func TestAPI_GetTransaction_WithEntries(t *testing.T) {
	a := newTestAPI(t)
	alice := a.createAccount(t, "alice")
	bob := a.createAccount(t, "bob")
	a.deposit(t, alice, "100", "seed")

	rr := a.do(t, http.MethodPost, "/api/transfers/", api.TransferRequest{
		FromAccount: alice, ToAccount: bob, Amount: "40", IdempotencyKey: "k1",
	})
	require.Equal(t, http.StatusCreated, rr.Code)
	txID := decode[api.TransferResponse](t, rr).Transaction.ID

	rr = a.do(t, http.MethodGet, "/api/transfers/"+txID, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp struct {
		Transaction api.TransactionDTO `json:"transaction"`
		Entries     []api.EntryDTO     `json:"entries"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, txID, resp.Transaction.ID)
	require.Len(t, resp.Entries, 2, "a completed transfer has exactly one pair")
}

func TestAPI_GetTransaction_NotFound(t *testing.T) {
	a := newTestAPI(t)
	rr := a.do(t, http.MethodGet, "/api/transfers/no-such-tx", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
