package port

import (
	"context"

	"github.com/rl1809/stock-checkout/internal/core/domain"
)

type IdempotencyStore interface {
	// SetIdempotency sets a key for idempotency check, returns false if already exists
	SetIdempotency(ctx context.Context, key string) (bool, error)

	// DeleteIdempotency frees a key so the request can be submitted again
	DeleteIdempotency(ctx context.Context, key string) error
}

type StockPeeker interface {
	Peek(ctx context.Context, key domain.StockKey) (int, error)
}
