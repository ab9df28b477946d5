package domain

import "time"

type ReservationStatus string

const (
	ReservationReserved  ReservationStatus = "RESERVED"
	ReservationCommitted ReservationStatus = "COMMITTED"
	ReservationReleased  ReservationStatus = "RELEASED"
)

// Reservation records a decrement that has been applied to a stock row. Its
// status is the completion marker: stock is given back only by the single
// transition into RELEASED.
type Reservation struct {
	ID        string
	ProductID string
	Size      int
	Amount    int
	BuyerID   string
	Status    ReservationStatus
	CreatedAt time.Time
	UpdatedAt time.Time
}

func NewReservation(id, buyerID string, key StockKey, amount int) Reservation {
	now := time.Now().UTC()
	return Reservation{
		ID:        id,
		ProductID: key.ProductID,
		Size:      key.Size,
		Amount:    amount,
		BuyerID:   buyerID,
		Status:    ReservationReserved,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (r Reservation) Key() StockKey {
	return StockKey{ProductID: r.ProductID, Size: r.Size}
}

// CanTransition lists the allowed marker moves.
func CanTransition(from, to ReservationStatus) bool {
	switch from {
	case ReservationReserved:
		return to == ReservationCommitted || to == ReservationReleased
	case ReservationCommitted:
		return to == ReservationReleased
	}
	return false
}
