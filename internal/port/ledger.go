package port

import (
	"context"

	"github.com/rl1809/stock-checkout/internal/core/domain"
)

type StockLedger interface {
	// TryDecrement subtracts amount only if the row holds at least amount.
	// Insufficient stock is reported through the result, a missing row as
	// domain.ErrNotFound.
	TryDecrement(ctx context.Context, key domain.StockKey, amount int) (domain.DecrementResult, error)

	// Increment restores stock, e.g. when a checkout is unwound
	Increment(ctx context.Context, key domain.StockKey, amount int) error

	// Peek returns a snapshot that may already be stale when it is used
	Peek(ctx context.Context, key domain.StockKey) (int, error)
}

// Transactor runs fn inside one storage transaction. Repositories called with
// the ctx passed to fn join that transaction; an error from fn rolls it back.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
