package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rl1809/stock-checkout/internal/core/domain"
)

type memoryTxKey struct{}

// memoryTx collects undo steps so a failed WithinTx leaves no trace.
type memoryTx struct {
	undo []func()
}

type stockRow struct {
	mu        sync.Mutex
	quantity  int
	updatedAt time.Time
}

// MemoryStore keeps stock, reservations, orders and reconciliation entries in
// process. Each stock row has its own mutex so operations on different keys
// never wait on each other.
//
// WithinTx is an undo log, not isolation: writes inside a transaction are
// visible to other callers before it finishes, and a concurrent buyer can see
// a unit as sold that a rollback later gives back. It serves tests, the stress
// tool and the memory demo backend only.
type MemoryStore struct {
	mu             sync.RWMutex
	stock          map[domain.StockKey]*stockRow
	orders         map[string]domain.Order
	reservations   map[string]domain.Reservation
	reconciliation map[string]domain.ReconciliationEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stock:          make(map[domain.StockKey]*stockRow),
		orders:         make(map[string]domain.Order),
		reservations:   make(map[string]domain.Reservation),
		reconciliation: make(map[string]domain.ReconciliationEntry),
	}
}

// SetStock creates or overwrites a stock row.
func (m *MemoryStore) SetStock(key domain.StockKey, quantity int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.stock[key]
	if !ok {
		row = &stockRow{}
		m.stock[key] = row
	}
	row.mu.Lock()
	row.quantity = quantity
	row.updatedAt = time.Now().UTC()
	row.mu.Unlock()
}

func (m *MemoryStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memoryTxKey{}).(*memoryTx); ok {
		return fn(ctx)
	}

	tx := &memoryTx{}
	if err := fn(context.WithValue(ctx, memoryTxKey{}, tx)); err != nil {
		for i := len(tx.undo) - 1; i >= 0; i-- {
			tx.undo[i]()
		}
		return err
	}
	return nil
}

func onRollback(ctx context.Context, undo func()) {
	if tx, ok := ctx.Value(memoryTxKey{}).(*memoryTx); ok {
		tx.undo = append(tx.undo, undo)
	}
}

func (m *MemoryStore) row(key domain.StockKey) *stockRow {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stock[key]
}

func (m *MemoryStore) TryDecrement(ctx context.Context, key domain.StockKey, amount int) (domain.DecrementResult, error) {
	if amount <= 0 {
		return domain.DecrementResult{}, fmt.Errorf("%w: amount must be positive, got %d", domain.ErrInvalidArgument, amount)
	}
	if err := ctx.Err(); err != nil {
		return domain.DecrementResult{}, err
	}

	row := m.row(key)
	if row == nil {
		return domain.DecrementResult{}, fmt.Errorf("%w: stock %s", domain.ErrNotFound, key)
	}

	row.mu.Lock()
	defer row.mu.Unlock()

	if row.quantity < amount {
		return domain.DecrementResult{Success: false, Remaining: row.quantity}, nil
	}
	row.quantity -= amount
	row.updatedAt = time.Now().UTC()

	onRollback(ctx, func() {
		row.mu.Lock()
		row.quantity += amount
		row.mu.Unlock()
	})
	return domain.DecrementResult{Success: true, Remaining: row.quantity}, nil
}

func (m *MemoryStore) Increment(ctx context.Context, key domain.StockKey, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %d", domain.ErrInvalidArgument, amount)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	row := m.row(key)
	if row == nil {
		return fmt.Errorf("%w: stock %s", domain.ErrNotFound, key)
	}

	row.mu.Lock()
	row.quantity += amount
	row.updatedAt = time.Now().UTC()
	row.mu.Unlock()

	onRollback(ctx, func() {
		row.mu.Lock()
		row.quantity -= amount
		row.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) Peek(ctx context.Context, key domain.StockKey) (int, error) {
	row := m.row(key)
	if row == nil {
		return 0, fmt.Errorf("%w: stock %s", domain.ErrNotFound, key)
	}
	row.mu.Lock()
	defer row.mu.Unlock()
	return row.quantity, nil
}

func (m *MemoryStore) CreateOrder(ctx context.Context, order domain.Order) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orders[order.ID]; ok {
		return fmt.Errorf("%w: order %s", domain.ErrDuplicate, order.ID)
	}
	if _, ok := m.stock[order.Key()]; !ok {
		return fmt.Errorf("%w: stock %s", domain.ErrNotFound, order.Key())
	}
	m.orders[order.ID] = order

	onRollback(ctx, func() {
		m.mu.Lock()
		delete(m.orders, order.ID)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	return o, nil
}

func (m *MemoryStore) GetOrderByReservation(ctx context.Context, reservationID string) (domain.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, o := range m.orders {
		if o.ReservationID == reservationID {
			return o, nil
		}
	}
	return domain.Order{}, fmt.Errorf("%w: order for reservation %s", domain.ErrNotFound, reservationID)
}

func (m *MemoryStore) CancelOrder(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return false, fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	prev := o
	if !o.Cancel() {
		return false, nil
	}
	m.orders[id] = o

	onRollback(ctx, func() {
		m.mu.Lock()
		m.orders[id] = prev
		m.mu.Unlock()
	})
	return true, nil
}

// Orders returns a copy of every stored order.
func (m *MemoryStore) Orders() []domain.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]domain.Order, 0, len(m.orders))
	for _, o := range m.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) OpenReservation(ctx context.Context, r domain.Reservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reservations[r.ID]; ok {
		return fmt.Errorf("%w: reservation %s", domain.ErrDuplicate, r.ID)
	}
	m.reservations[r.ID] = r

	onRollback(ctx, func() {
		m.mu.Lock()
		delete(m.reservations, r.ID)
		m.mu.Unlock()
	})
	return nil
}

func (m *MemoryStore) GetReservation(ctx context.Context, id string) (domain.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.reservations[id]
	if !ok {
		return domain.Reservation{}, fmt.Errorf("%w: reservation %s", domain.ErrNotFound, id)
	}
	return r, nil
}

func (m *MemoryStore) TransitionReservation(ctx context.Context, id string, from, to domain.ReservationStatus) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("%w: reservation %s -> %s", domain.ErrInvalidArgument, from, to)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.reservations[id]
	if !ok {
		return false, fmt.Errorf("%w: reservation %s", domain.ErrNotFound, id)
	}
	if r.Status != from {
		return false, nil
	}
	prev := r
	r.Status = to
	r.UpdatedAt = time.Now().UTC()
	m.reservations[id] = r

	onRollback(ctx, func() {
		m.mu.Lock()
		m.reservations[id] = prev
		m.mu.Unlock()
	})
	return true, nil
}

func (m *MemoryStore) StaleReservations(ctx context.Context, olderThan time.Time, limit int) ([]domain.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.Reservation
	for _, r := range m.reservations {
		if r.Status == domain.ReservationReserved && r.CreatedAt.Before(olderThan) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) RecordReconciliation(ctx context.Context, e domain.ReconciliationEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.reconciliation[e.ID]; ok {
		return fmt.Errorf("%w: reconciliation %s", domain.ErrDuplicate, e.ID)
	}
	m.reconciliation[e.ID] = e
	return nil
}

func (m *MemoryStore) GetReconciliation(ctx context.Context, id string) (domain.ReconciliationEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.reconciliation[id]
	if !ok {
		return domain.ReconciliationEntry{}, fmt.Errorf("%w: reconciliation %s", domain.ErrNotFound, id)
	}
	return e, nil
}

func (m *MemoryStore) PendingReconciliations(ctx context.Context, limit int) ([]domain.ReconciliationEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []domain.ReconciliationEntry
	for _, e := range m.reconciliation {
		if e.Status == domain.ReconciliationPending {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkReconciliationNotified(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.reconciliation[id]
	if !ok {
		return fmt.Errorf("%w: reconciliation %s", domain.ErrNotFound, id)
	}
	if e.NotifiedAt == nil {
		now := time.Now().UTC()
		e.NotifiedAt = &now
		m.reconciliation[id] = e
	}
	return nil
}

func (m *MemoryStore) ResolveReconciliation(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.reconciliation[id]
	if !ok {
		return fmt.Errorf("%w: reconciliation %s", domain.ErrNotFound, id)
	}
	now := time.Now().UTC()
	e.Status = domain.ReconciliationResolved
	e.ResolvedAt = &now
	m.reconciliation[id] = e
	return nil
}
