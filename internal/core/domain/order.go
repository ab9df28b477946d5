package domain

import "time"

type OrderStatus string

const (
	OrderStatusPlaced    OrderStatus = "PLACED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// Order is a committed purchase of one unit of one product size. Prices are
// snapshotted at creation and never change afterwards.
type Order struct {
	ID            string
	ReservationID string
	BuyerID       string
	ProductID     string
	Size          int
	PromotionCode string
	UnitPrice     int64
	TotalPrice    int64
	Status        OrderStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Quote is the pricing collaborator's answer for one unit.
type Quote struct {
	UnitPrice  int64
	TotalPrice int64
}

func (q Quote) Validate() error {
	if q.UnitPrice <= 0 || q.TotalPrice < 0 || q.TotalPrice > q.UnitPrice {
		return ErrInvalidQuote
	}
	return nil
}

func NewOrder(id string, r Reservation, promotionCode string, q Quote) Order {
	now := time.Now().UTC()
	return Order{
		ID:            id,
		ReservationID: r.ID,
		BuyerID:       r.BuyerID,
		ProductID:     r.ProductID,
		Size:          r.Size,
		PromotionCode: promotionCode,
		UnitPrice:     q.UnitPrice,
		TotalPrice:    q.TotalPrice,
		Status:        OrderStatusPlaced,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func (o Order) Key() StockKey {
	return StockKey{ProductID: o.ProductID, Size: o.Size}
}

// Cancel moves a placed order to CANCELLED. It reports false when the order
// was already cancelled, so callers restore stock only once.
func (o *Order) Cancel() bool {
	if o.Status != OrderStatusPlaced {
		return false
	}
	o.Status = OrderStatusCancelled
	o.UpdatedAt = time.Now().UTC()
	return true
}
