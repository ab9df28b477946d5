package pricing

import (
	"time"

	"gorm.io/gorm"
)

type DiscountType string

const (
	DiscountPercent DiscountType = "PERCENT"
	DiscountFixed   DiscountType = "FIXED"
)

// ProductModel maps the product table. Prices are whole currency units.
type ProductModel struct {
	ID        string `gorm:"primaryKey;size:16"`
	Name      string
	UnitPrice int64
	IsActive  bool `gorm:"default:true"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (ProductModel) TableName() string {
	return "product"
}

// PromotionModel maps the promotion table. DiscountValue is a percentage for
// PERCENT promotions and an amount for FIXED ones. Rule is an optional CEL
// expression evaluated against the product being bought.
type PromotionModel struct {
	gorm.Model
	Code          string       `gorm:"uniqueIndex;size:64"`
	DiscountType  DiscountType `gorm:"size:16"`
	DiscountValue int64
	MaxDiscount   int64
	Rule          string `gorm:"type:text"`
	IsActive      bool
	ExpiredAt     *time.Time
}

func (PromotionModel) TableName() string {
	return "promotion"
}
