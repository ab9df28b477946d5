package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rl1809/stock-checkout/internal/core/domain"
)

// StaticCatalog prices from an in-process product and promotion list. It backs
// the memory storage mode and load tests.
type StaticCatalog struct {
	rules *RuleEvaluator

	mu         sync.RWMutex
	products   map[string]ProductModel
	promotions map[string]PromotionModel
}

func NewStaticCatalog(rules *RuleEvaluator) *StaticCatalog {
	return &StaticCatalog{
		rules:      rules,
		products:   make(map[string]ProductModel),
		promotions: make(map[string]PromotionModel),
	}
}

func (c *StaticCatalog) AddProduct(p ProductModel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.products[p.ID] = p
}

func (c *StaticCatalog) AddPromotion(p PromotionModel) error {
	if c.rules != nil && p.Rule != "" {
		if err := c.rules.Compile(p.Rule); err != nil {
			return err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.promotions[p.Code] = p
	return nil
}

func (c *StaticCatalog) ProductExists(ctx context.Context, productID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.products[productID]
	return ok && p.IsActive, nil
}

func (c *StaticCatalog) Quote(ctx context.Context, productID string, size int, promotionCode string) (domain.Quote, error) {
	c.mu.RLock()
	product, ok := c.products[productID]
	promo, hasPromo := c.promotions[promotionCode]
	c.mu.RUnlock()

	if !ok {
		return domain.Quote{}, fmt.Errorf("%w: %w: %s", domain.ErrPricing, ErrProductUnknown, productID)
	}
	if promotionCode == "" {
		return ComputeQuote(product, size, nil, c.rules, time.Now())
	}
	if !hasPromo {
		return domain.Quote{}, fmt.Errorf("%w: %w: %s", domain.ErrPricing, ErrPromotionUnknown, promotionCode)
	}
	return ComputeQuote(product, size, &promo, c.rules, time.Now())
}
