package domain

import "time"

type ReconciliationStatus string

const (
	ReconciliationPending  ReconciliationStatus = "PENDING"
	ReconciliationResolved ReconciliationStatus = "RESOLVED"
)

// ReconciliationEntry is left behind when stock for a failed checkout could
// not be restored automatically. Operators or the reconciler replay the
// release for ReservationID until it succeeds.
type ReconciliationEntry struct {
	ID            string
	ReservationID string
	ProductID     string
	Size          int
	Amount        int
	Reason        string
	LastError     string
	Status        ReconciliationStatus
	NotifiedAt    *time.Time
	CreatedAt     time.Time
	ResolvedAt    *time.Time
}

func NewReconciliationEntry(id string, r Reservation, reason string, cause error) ReconciliationEntry {
	e := ReconciliationEntry{
		ID:            id,
		ReservationID: r.ID,
		ProductID:     r.ProductID,
		Size:          r.Size,
		Amount:        r.Amount,
		Reason:        reason,
		Status:        ReconciliationPending,
		CreatedAt:     time.Now().UTC(),
	}
	if cause != nil {
		e.LastError = cause.Error()
	}
	return e
}
