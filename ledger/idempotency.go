/*
idempotency.go - At-most-one execution per client key

PURPOSE:
  Maps a caller-supplied idempotency key to the outcome of the transfer it
  identifies. A key is claimed by inserting the PENDING transaction record
  under the store's unique-key constraint inside the atomic unit, so
  concurrent submissions of one key admit exactly one execution; every
  other submission replays the winner's persisted result.

REPLAY POLICY:
  A replayed key never re-executes any ledger mutation, regardless of how
  the retried payload differs. The stored transaction's status decides the
  shape of the response.
*/
package ledger

import "context"

// Outcome classifies a transfer result for callers that need to branch
// without inspecting transaction status themselves.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomeAccepted Outcome = "accepted"
	OutcomeError    Outcome = "error"
)

// TransferResult is what a transfer returns: the transaction plus whether
// this call executed it or replayed a previous execution.
type TransferResult struct {
	Transaction Transaction
	Replayed    bool
	Outcome     Outcome
	Message     string
}

// Registry consults the transaction table for previously seen keys.
type Registry struct {
	Store Store
}

func NewRegistry(store Store) *Registry {
	return &Registry{Store: store}
}

// Lookup returns the transaction already claimed by key, or (nil, nil)
// when the key is unseen.
func (r *Registry) Lookup(ctx context.Context, key string) (*Transaction, error) {
	return r.Store.FindByIdempotencyKey(ctx, key)
}

// Replay maps a previously executed transaction onto the response for a
// retried submission. No ledger mutation happens on this path.
func Replay(tx Transaction) TransferResult {
	res := TransferResult{Transaction: tx, Replayed: true}
	switch tx.Status {
	case StatusCompleted:
		res.Outcome = OutcomeSuccess
		res.Message = "transfer already completed"
	case StatusPending:
		res.Outcome = OutcomeAccepted
		res.Message = "transfer still processing"
	case StatusFailed:
		res.Outcome = OutcomeError
		res.Message = "transfer previously failed"
	case StatusCanceled:
		res.Outcome = OutcomeError
		res.Message = "transfer was canceled"
	case StatusRefunded:
		res.Outcome = OutcomeSuccess
		res.Message = "transfer has been refunded"
	case StatusReversed:
		res.Outcome = OutcomeSuccess
		res.Message = "transfer was reversed"
	default:
		res.Outcome = OutcomeError
		res.Message = "transfer in unknown state"
	}
	return res
}
