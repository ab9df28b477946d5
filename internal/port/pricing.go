package port

import (
	"context"

	"github.com/rl1809/stock-checkout/internal/core/domain"
)

type PricingService interface {
	Quote(ctx context.Context, productID string, size int, promotionCode string) (domain.Quote, error)
}

// PricingFunc adapts a plain function to PricingService.
type PricingFunc func(ctx context.Context, productID string, size int, promotionCode string) (domain.Quote, error)

func (f PricingFunc) Quote(ctx context.Context, productID string, size int, promotionCode string) (domain.Quote, error) {
	return f(ctx, productID, size, promotionCode)
}

type ProductCatalog interface {
	ProductExists(ctx context.Context, productID string) (bool, error)
}

type ReconciliationNotifier interface {
	NotifyReconciliation(ctx context.Context, e domain.ReconciliationEntry) error
}
