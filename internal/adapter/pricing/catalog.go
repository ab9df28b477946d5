package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/rl1809/stock-checkout/internal/core/domain"
)

var (
	ErrProductUnknown         = errors.New("product has no price")
	ErrPromotionUnknown       = errors.New("unknown promotion code")
	ErrPromotionExpired       = errors.New("promotion expired")
	ErrPromotionInactive      = errors.New("promotion inactive")
	ErrPromotionNotApplicable = errors.New("promotion not applicable")
)

// GormCatalog prices products and answers catalog existence checks from the
// product and promotion tables.
type GormCatalog struct {
	db    *gorm.DB
	rules *RuleEvaluator
	now   func() time.Time
}

func NewGormCatalog(db *gorm.DB, rules *RuleEvaluator) *GormCatalog {
	return &GormCatalog{db: db, rules: rules, now: time.Now}
}

// AutoMigrate creates the catalog tables.
func (c *GormCatalog) AutoMigrate(ctx context.Context) error {
	return c.db.WithContext(ctx).AutoMigrate(&ProductModel{}, &PromotionModel{})
}

func (c *GormCatalog) ProductExists(ctx context.Context, productID string) (bool, error) {
	var count int64
	err := c.db.WithContext(ctx).
		Model(&ProductModel{}).
		Where("id = ? AND is_active = ?", productID, true).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("lookup product %s: %w", productID, err)
	}
	return count > 0, nil
}

func (c *GormCatalog) Quote(ctx context.Context, productID string, size int, promotionCode string) (domain.Quote, error) {
	var product ProductModel
	err := c.db.WithContext(ctx).Where("id = ?", productID).First(&product).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Quote{}, fmt.Errorf("%w: %w: %s", domain.ErrPricing, ErrProductUnknown, productID)
	}
	if err != nil {
		return domain.Quote{}, fmt.Errorf("%w: load product %s: %w", domain.ErrPricing, productID, err)
	}

	var promo *PromotionModel
	if promotionCode != "" {
		var p PromotionModel
		err := c.db.WithContext(ctx).Where("code = ?", promotionCode).First(&p).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Quote{}, fmt.Errorf("%w: %w: %s", domain.ErrPricing, ErrPromotionUnknown, promotionCode)
		}
		if err != nil {
			return domain.Quote{}, fmt.Errorf("%w: load promotion %s: %w", domain.ErrPricing, promotionCode, err)
		}
		promo = &p
	}

	return ComputeQuote(product, size, promo, c.rules, c.now())
}

// ComputeQuote prices one unit of product, applying promo when it is set.
// The total never drops below zero.
func ComputeQuote(product ProductModel, size int, promo *PromotionModel, rules *RuleEvaluator, now time.Time) (domain.Quote, error) {
	q := domain.Quote{UnitPrice: product.UnitPrice, TotalPrice: product.UnitPrice}
	if product.UnitPrice <= 0 {
		return domain.Quote{}, fmt.Errorf("%w: %w: %s", domain.ErrPricing, ErrProductUnknown, product.ID)
	}
	if promo == nil {
		return q, nil
	}

	switch {
	case !promo.IsActive:
		return domain.Quote{}, fmt.Errorf("%w: %w: %s", domain.ErrPricing, ErrPromotionInactive, promo.Code)
	case promo.ExpiredAt != nil && !now.Before(*promo.ExpiredAt):
		return domain.Quote{}, fmt.Errorf("%w: %w: %s", domain.ErrPricing, ErrPromotionExpired, promo.Code)
	}

	if rules != nil {
		ok, err := rules.Eligible(promo.Rule, product.ID, size, product.UnitPrice)
		if err != nil {
			return domain.Quote{}, fmt.Errorf("%w: %w", domain.ErrPricing, err)
		}
		if !ok {
			return domain.Quote{}, fmt.Errorf("%w: %w: %s", domain.ErrPricing, ErrPromotionNotApplicable, promo.Code)
		}
	}

	var discount int64
	switch promo.DiscountType {
	case DiscountPercent:
		discount = product.UnitPrice * promo.DiscountValue / 100
	case DiscountFixed:
		discount = promo.DiscountValue
	default:
		return domain.Quote{}, fmt.Errorf("%w: promotion %s has unknown discount type %q", domain.ErrPricing, promo.Code, promo.DiscountType)
	}
	if promo.MaxDiscount > 0 && discount > promo.MaxDiscount {
		discount = promo.MaxDiscount
	}

	q.TotalPrice = max(product.UnitPrice-discount, 0)
	return q, nil
}
