package port

import (
	"context"
	"time"

	"github.com/rl1809/stock-checkout/internal/core/domain"
)

type OrderRepository interface {
	CreateOrder(ctx context.Context, order domain.Order) error

	// GetOrder returns domain.ErrNotFound for unknown ids
	GetOrder(ctx context.Context, id string) (domain.Order, error)

	// GetOrderByReservation returns domain.ErrNotFound when no order was
	// written for the reservation
	GetOrderByReservation(ctx context.Context, reservationID string) (domain.Order, error)

	// CancelOrder moves a PLACED order to CANCELLED, reporting false when it
	// was not PLACED anymore
	CancelOrder(ctx context.Context, id string) (bool, error)
}

type ReservationRepository interface {
	OpenReservation(ctx context.Context, r domain.Reservation) error

	GetReservation(ctx context.Context, id string) (domain.Reservation, error)

	// TransitionReservation moves the marker from one status to another and
	// reports false when the reservation was not in from
	TransitionReservation(ctx context.Context, id string, from, to domain.ReservationStatus) (bool, error)

	// StaleReservations returns RESERVED markers created before olderThan,
	// oldest first
	StaleReservations(ctx context.Context, olderThan time.Time, limit int) ([]domain.Reservation, error)
}

type ReconciliationStore interface {
	RecordReconciliation(ctx context.Context, e domain.ReconciliationEntry) error

	GetReconciliation(ctx context.Context, id string) (domain.ReconciliationEntry, error)

	// PendingReconciliations returns the oldest unresolved entries first
	PendingReconciliations(ctx context.Context, limit int) ([]domain.ReconciliationEntry, error)

	MarkReconciliationNotified(ctx context.Context, id string) error

	ResolveReconciliation(ctx context.Context, id string) error
}
