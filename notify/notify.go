/*
Package notify delivers best-effort notice of completed transfers.

PURPOSE:
  The transfer flow dispatches notifications asynchronously after a
  successful commit. Delivery is best-effort: a failed notification is
  logged and dropped, never retried into the transfer's outcome.

IMPLEMENTATIONS:
  Log:     writes a structured log line (default for dev)
  Webhook: POSTs the transaction to a configured URL
*/
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/backendledger/ledger-engine/ledger"
)

// =============================================================================
// LOG NOTIFIER
// =============================================================================

// Log records completed transfers as structured log lines.
type Log struct {
	Logger zerolog.Logger
}

var _ ledger.Notifier = (*Log)(nil)

func (n *Log) Notify(_ context.Context, tx ledger.Transaction) error {
	n.Logger.Info().
		Str("transaction_id", string(tx.ID)).
		Str("from_account", string(tx.FromAccount)).
		Str("to_account", string(tx.ToAccount)).
		Str("amount", tx.Amount.String()).
		Str("status", string(tx.Status)).
		Msg("transfer completed")
	return nil
}

// =============================================================================
// WEBHOOK NOTIFIER
// =============================================================================

// Webhook POSTs completed transfers to a receiver URL as JSON.
type Webhook struct {
	URL    string
	Client *http.Client
}

var _ ledger.Notifier = (*Webhook)(nil)

func NewWebhook(url string) *Webhook {
	return &Webhook{
		URL: url,
		// Slow receivers must not hold notification goroutines forever.
		Client: &http.Client{Timeout: 5 * time.Second},
	}
}

type webhookPayload struct {
	TransactionID string `json:"transaction_id"`
	FromAccount   string `json:"from_account"`
	ToAccount     string `json:"to_account"`
	Amount        string `json:"amount"`
	Status        string `json:"status"`
	CreatedAt     string `json:"created_at"`
}

func (n *Webhook) Notify(ctx context.Context, tx ledger.Transaction) error {
	payload := webhookPayload{
		TransactionID: string(tx.ID),
		FromAccount:   string(tx.FromAccount),
		ToAccount:     string(tx.ToAccount),
		Amount:        tx.Amount.String(),
		Status:        string(tx.Status),
		CreatedAt:     tx.CreatedAt.Format(time.RFC3339),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook receiver returned %d", resp.StatusCode)
	}
	return nil
}
