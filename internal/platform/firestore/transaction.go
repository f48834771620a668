package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

// TxFunc is the body of a transaction. Firestore re-runs it on contention, so it must only touch
// state it resets at the top.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

// TxOption adjusts a single RunTransaction call.
type TxOption func(*txPlan)

type txPlan struct {
	attempts int
	budget   time.Duration
}

// WithTxAttempts caps how many times the body may run. Values below one are ignored.
func WithTxAttempts(n int) TxOption {
	return func(p *txPlan) {
		if n > 0 {
			p.attempts = n
		}
	}
}

// WithTxTimeout bounds the whole transaction including retries. A shorter caller deadline wins.
func WithTxTimeout(d time.Duration) TxOption {
	return func(p *txPlan) {
		if d > 0 {
			p.budget = d
		}
	}
}

var errNilTxFunc = errors.New("firestore: transaction body is nil")

// RunTransaction runs fn on the shared client. Errors from fn that are already classified pass
// through WrapError unchanged; raw gRPC errors are classified under the "transaction" op.
func (p *Provider) RunTransaction(ctx context.Context, fn TxFunc, opts ...TxOption) error {
	if fn == nil {
		return errNilTxFunc
	}
	plan := txPlan{attempts: 5, budget: 15 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(&plan)
		}
	}
	client, err := p.Client(ctx)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > plan.budget {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, plan.budget)
		defer cancel()
	}
	return WrapError("transaction", client.RunTransaction(ctx, fn, firestore.MaxAttempts(plan.attempts)))
}
