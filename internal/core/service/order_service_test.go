package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"github.com/rl1809/stock-checkout/internal/adapter/storage"
	"github.com/rl1809/stock-checkout/internal/core/domain"
	"github.com/rl1809/stock-checkout/internal/metrics"
	"github.com/rl1809/stock-checkout/internal/port"
)

var shoe = domain.StockKey{ProductID: "AB12CD", Size: 42}

func flatPrice(ctx context.Context, productID string, size int, code string) (domain.Quote, error) {
	return domain.Quote{UnitPrice: 2_000_000, TotalPrice: 2_000_000}, nil
}

// Mock IdempotencyStore
type mockIdempotency struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (m *mockIdempotency) SetIdempotency(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.seen[key] {
		return false, nil
	}
	m.seen[key] = true
	return true, nil
}

func (m *mockIdempotency) DeleteIdempotency(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.seen, key)
	return nil
}

// flakyStore fails selected operations on top of the in-memory store
type flakyStore struct {
	*storage.MemoryStore
	failIncrement   atomic.Bool
	failCreateOrder atomic.Bool
	failRecord      atomic.Bool
	failOrderLookup atomic.Bool
	increments      atomic.Int32
}

func (f *flakyStore) Increment(ctx context.Context, key domain.StockKey, amount int) error {
	if f.failIncrement.Load() {
		return errors.New("connection reset")
	}
	f.increments.Add(1)
	return f.MemoryStore.Increment(ctx, key, amount)
}

func (f *flakyStore) CreateOrder(ctx context.Context, order domain.Order) error {
	if f.failCreateOrder.Load() {
		return errors.New("lost connection during commit")
	}
	return f.MemoryStore.CreateOrder(ctx, order)
}

func (f *flakyStore) RecordReconciliation(ctx context.Context, e domain.ReconciliationEntry) error {
	if f.failRecord.Load() {
		return errors.New("connection reset")
	}
	return f.MemoryStore.RecordReconciliation(ctx, e)
}

func (f *flakyStore) GetOrderByReservation(ctx context.Context, reservationID string) (domain.Order, error) {
	if f.failOrderLookup.Load() {
		return domain.Order{}, errors.New("connection reset")
	}
	return f.MemoryStore.GetOrderByReservation(ctx, reservationID)
}

// commitLostTx applies the nth transaction and then reports a commit error,
// as a driver does when the connection drops after COMMIT was sent.
type commitLostTx struct {
	port.Transactor
	n     int32
	calls atomic.Int32
}

func (c *commitLostTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := c.Transactor.WithinTx(ctx, fn); err != nil {
		return err
	}
	if c.calls.Add(1) == c.n {
		return errors.New("commit tx: invalid connection")
	}
	return nil
}

type catalogFunc func(ctx context.Context, productID string) (bool, error)

func (f catalogFunc) ProductExists(ctx context.Context, productID string) (bool, error) {
	return f(ctx, productID)
}

type testEnv struct {
	store   *flakyStore
	svc     *OrderService
	metrics *metrics.Metrics
}

func newTestEnv(t *testing.T, pricing port.PricingFunc, opts Options) *testEnv {
	t.Helper()

	store := &flakyStore{MemoryStore: storage.NewMemoryStore()}
	if pricing == nil {
		pricing = flatPrice
	}
	opts.Logger = zerolog.Nop()
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = fastRetry
	}
	opts.Metrics = metrics.New(prometheus.NewRegistry())

	svc := NewOrderService(Repositories{
		Tx:             store,
		Ledger:         store,
		Reservations:   store,
		Orders:         store,
		Reconciliation: store,
	}, pricing, nil, opts)

	return &testEnv{store: store, svc: svc, metrics: opts.Metrics}
}

func (e *testEnv) quantity(t *testing.T, key domain.StockKey) int {
	t.Helper()
	qty, err := e.store.Peek(context.Background(), key)
	if err != nil {
		t.Fatalf("peek %s: %v", key, err)
	}
	return qty
}

func TestReserveAndOrder_Success(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	env.store.SetStock(shoe, 5)

	order, err := env.svc.ReserveAndOrder(context.Background(), "buyer-1", "AB12CD", 42, "")
	if err != nil {
		t.Fatalf("expected success, got error: %v", err)
	}

	if order.Status != domain.OrderStatusPlaced {
		t.Errorf("expected PLACED, got %s", order.Status)
	}
	if order.TotalPrice != 2_000_000 {
		t.Errorf("expected total 2000000, got %d", order.TotalPrice)
	}
	if qty := env.quantity(t, shoe); qty != 4 {
		t.Errorf("expected stock 4, got %d", qty)
	}

	r, err := env.store.GetReservation(context.Background(), order.ReservationID)
	if err != nil {
		t.Fatalf("reservation: %v", err)
	}
	if r.Status != domain.ReservationCommitted {
		t.Errorf("expected COMMITTED reservation, got %s", r.Status)
	}
	if got := testutil.ToFloat64(env.metrics.Checkouts.WithLabelValues(metrics.ResultPlaced)); got != 1 {
		t.Errorf("expected 1 placed checkout, got %v", got)
	}
}

func TestReserveAndOrder_OutOfStock(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	env.store.SetStock(shoe, 0)

	_, err := env.svc.ReserveAndOrder(context.Background(), "buyer-1", "AB12CD", 42, "")
	if !errors.Is(err, domain.ErrOutOfStock) {
		t.Errorf("expected ErrOutOfStock, got %v", err)
	}
	if len(env.store.Orders()) != 0 {
		t.Error("expected no orders")
	}
}

func TestReserveAndOrder_NotFound(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	env.store.SetStock(shoe, 5)

	tests := []struct {
		name      string
		productID string
		size      int
	}{
		{"unknown product", "ZZ00ZZ", 42},
		{"size below range", "AB12CD", 34},
		{"size above range", "AB12CD", 46},
		{"size without stock row", "AB12CD", 39},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.svc.ReserveAndOrder(context.Background(), "buyer-1", tt.productID, tt.size, "")
			if !errors.Is(err, domain.ErrNotFound) {
				t.Errorf("expected ErrNotFound, got %v", err)
			}
		})
	}

	if qty := env.quantity(t, shoe); qty != 5 {
		t.Errorf("expected stock untouched, got %d", qty)
	}
}

func TestReserveAndOrder_InvalidArgument(t *testing.T) {
	env := newTestEnv(t, nil, Options{})

	_, err := env.svc.ReserveAndOrder(context.Background(), "", "AB12CD", 42, "")
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestReserveAndOrder_CatalogRejectsProduct(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	env.store.SetStock(shoe, 5)
	env.svc.catalog = catalogFunc(func(ctx context.Context, productID string) (bool, error) {
		return false, nil
	})

	_, err := env.svc.ReserveAndOrder(context.Background(), "buyer-1", "AB12CD", 42, "")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if qty := env.quantity(t, shoe); qty != 5 {
		t.Errorf("expected stock untouched, got %d", qty)
	}
}

func TestReserveAndOrder_ConcurrentNoOversell(t *testing.T) {
	env := newTestEnv(t, nil, Options{})

	initialStock := 20
	totalRequests := 2 * initialStock
	env.store.SetStock(shoe, initialStock)

	var successCount, soldOutCount atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < totalRequests; i++ {
		wg.Add(1)
		go func(buyer int) {
			defer wg.Done()
			_, err := env.svc.ReserveAndOrder(context.Background(), fmt.Sprintf("buyer-%d", buyer), "AB12CD", 42, "")
			switch {
			case err == nil:
				successCount.Add(1)
			case errors.Is(err, domain.ErrOutOfStock):
				soldOutCount.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}

	wg.Wait()

	if successCount.Load() != int32(initialStock) {
		t.Errorf("expected %d successes, got %d", initialStock, successCount.Load())
	}
	if soldOutCount.Load() != int32(totalRequests-initialStock) {
		t.Errorf("expected %d sold out, got %d", totalRequests-initialStock, soldOutCount.Load())
	}
	if qty := env.quantity(t, shoe); qty != 0 {
		t.Errorf("expected stock 0, got %d", qty)
	}
	if n := len(env.store.Orders()); n != initialStock {
		t.Errorf("expected %d orders, got %d", initialStock, n)
	}
}

func TestReserveAndOrder_LastUnitRace(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	env.store.SetStock(shoe, 1)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.ReserveAndOrder(context.Background(), fmt.Sprintf("buyer-%d", i), "AB12CD", 42, "")
		}(i)
	}
	wg.Wait()

	success := 0
	for _, err := range errs {
		if err == nil {
			success++
		} else if !errors.Is(err, domain.ErrOutOfStock) {
			t.Errorf("expected ErrOutOfStock for loser, got %v", err)
		}
	}
	if success != 1 {
		t.Errorf("expected exactly 1 winner, got %d", success)
	}
	if qty := env.quantity(t, shoe); qty != 0 {
		t.Errorf("expected stock 0, got %d", qty)
	}
}

func TestReserveAndOrder_PricingFailureRestoresStock(t *testing.T) {
	expired := func(ctx context.Context, productID string, size int, code string) (domain.Quote, error) {
		if code == "SUMMER" {
			return domain.Quote{}, fmt.Errorf("%w: promotion SUMMER expired", domain.ErrPricing)
		}
		return flatPrice(ctx, productID, size, code)
	}
	env := newTestEnv(t, expired, Options{})
	env.store.SetStock(shoe, 3)

	_, err := env.svc.ReserveAndOrder(context.Background(), "buyer-1", "AB12CD", 42, "SUMMER")
	if !errors.Is(err, domain.ErrPricing) {
		t.Fatalf("expected ErrPricing, got %v", err)
	}

	if qty := env.quantity(t, shoe); qty != 3 {
		t.Errorf("expected stock 3 after compensation, got %d", qty)
	}
	if len(env.store.Orders()) != 0 {
		t.Error("expected no orders")
	}
	if got := testutil.ToFloat64(env.metrics.Compensations.WithLabelValues(metrics.CompensationApplied)); got != 1 {
		t.Errorf("expected 1 applied compensation, got %v", got)
	}
}

func TestReserveAndOrder_PricingEdgeCases(t *testing.T) {
	tests := []struct {
		name    string
		pricing port.PricingFunc
	}{
		{"plain error", func(context.Context, string, int, string) (domain.Quote, error) {
			return domain.Quote{}, errors.New("pricing service down")
		}},
		{"panic", func(context.Context, string, int, string) (domain.Quote, error) {
			panic("nil rule")
		}},
		{"total above unit", func(context.Context, string, int, string) (domain.Quote, error) {
			return domain.Quote{UnitPrice: 100, TotalPrice: 200}, nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.pricing, Options{})
			env.store.SetStock(shoe, 2)

			_, err := env.svc.ReserveAndOrder(context.Background(), "buyer-1", "AB12CD", 42, "")
			if !errors.Is(err, domain.ErrPricing) {
				t.Fatalf("expected ErrPricing, got %v", err)
			}
			if qty := env.quantity(t, shoe); qty != 2 {
				t.Errorf("expected stock 2, got %d", qty)
			}
		})
	}
}

func TestReserveAndOrder_PersistFailureRestoresStock(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	env.store.SetStock(shoe, 3)
	env.store.failCreateOrder.Store(true)

	_, err := env.svc.ReserveAndOrder(context.Background(), "buyer-1", "AB12CD", 42, "")
	if !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if qty := env.quantity(t, shoe); qty != 3 {
		t.Errorf("expected stock 3, got %d", qty)
	}
	if len(env.store.Orders()) != 0 {
		t.Error("expected no orders")
	}
}

func TestReserveAndOrder_CommitErrorAfterCommitReturnsOrder(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	env.store.SetStock(shoe, 1)
	env.svc.repos.Tx = &commitLostTx{Transactor: env.store, n: 2}

	order, err := env.svc.ReserveAndOrder(context.Background(), "buyer-1", "AB12CD", 42, "")
	if err != nil {
		t.Fatalf("expected the stored order, got error: %v", err)
	}
	if order.Status != domain.OrderStatusPlaced {
		t.Errorf("expected PLACED, got %s", order.Status)
	}
	if qty := env.quantity(t, shoe); qty != 0 {
		t.Errorf("expected stock 0, got %d", qty)
	}
	if n := len(env.store.Orders()); n != 1 {
		t.Errorf("expected 1 order, got %d", n)
	}
	r, _ := env.store.GetReservation(context.Background(), order.ReservationID)
	if r.Status != domain.ReservationCommitted {
		t.Errorf("expected COMMITTED, got %s", r.Status)
	}
	if got := testutil.ToFloat64(env.metrics.Checkouts.WithLabelValues(metrics.ResultPlaced)); got != 1 {
		t.Errorf("expected checkout counted as placed, got %v", got)
	}
}

func TestPurchase_UnknownOutcomeKeepsRequestID(t *testing.T) {
	env := newTestEnv(t, nil, Options{Idempotency: &mockIdempotency{seen: make(map[string]bool)}})
	env.store.SetStock(shoe, 2)
	env.svc.repos.Tx = &commitLostTx{Transactor: env.store, n: 2}
	env.store.failOrderLookup.Store(true)

	_, err := env.svc.Purchase(context.Background(), "req-1", "buyer-1", "AB12CD", 42, "")
	if !errors.Is(err, ErrOutcomeUnknown) || !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("expected ErrOutcomeUnknown wrapping ErrPersistence, got %v", err)
	}

	// the order may exist, so the same request must not buy again
	_, err = env.svc.Purchase(context.Background(), "req-1", "buyer-1", "AB12CD", 42, "")
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Errorf("expected ErrDuplicateRequest, got %v", err)
	}
	if qty := env.quantity(t, shoe); qty != 1 {
		t.Errorf("expected stock 1, got %d", qty)
	}
}

func TestReserveAndOrder_PersistAndCompensationFailIsUnknown(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	env.store.SetStock(shoe, 1)
	env.store.failCreateOrder.Store(true)
	env.store.failIncrement.Store(true)

	_, err := env.svc.ReserveAndOrder(context.Background(), "buyer-1", "AB12CD", 42, "")
	if !errors.Is(err, ErrOutcomeUnknown) || !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("expected ErrOutcomeUnknown wrapping ErrPersistence, got %v", err)
	}

	pending, _ := env.store.PendingReconciliations(context.Background(), 10)
	if len(pending) != 1 {
		t.Errorf("expected 1 reconciliation entry, got %d", len(pending))
	}
}

func TestReserveAndOrder_TimeoutStillCompensates(t *testing.T) {
	slow := func(ctx context.Context, productID string, size int, code string) (domain.Quote, error) {
		<-ctx.Done()
		return domain.Quote{}, ctx.Err()
	}
	env := newTestEnv(t, slow, Options{Timeout: 20 * time.Millisecond})
	env.store.SetStock(shoe, 1)

	_, err := env.svc.ReserveAndOrder(context.Background(), "buyer-1", "AB12CD", 42, "")
	if !errors.Is(err, domain.ErrPricing) {
		t.Fatalf("expected ErrPricing, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline in chain, got %v", err)
	}
	if qty := env.quantity(t, shoe); qty != 1 {
		t.Errorf("expected stock 1, got %d", qty)
	}
}

func TestReserveAndOrder_CompensationExhaustedRecordsReconciliation(t *testing.T) {
	failing := func(context.Context, string, int, string) (domain.Quote, error) {
		return domain.Quote{}, domain.ErrPricing
	}
	env := newTestEnv(t, failing, Options{})
	env.store.SetStock(shoe, 2)
	env.store.failIncrement.Store(true)

	_, err := env.svc.ReserveAndOrder(context.Background(), "buyer-1", "AB12CD", 42, "")
	if !errors.Is(err, domain.ErrPricing) {
		t.Fatalf("expected original ErrPricing, got %v", err)
	}
	if qty := env.quantity(t, shoe); qty != 1 {
		t.Errorf("expected stock 1 while compensation is pending, got %d", qty)
	}

	pending, err := env.store.PendingReconciliations(context.Background(), 10)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 reconciliation entry, got %d", len(pending))
	}
	if pending[0].ProductID != "AB12CD" || pending[0].Size != 42 {
		t.Errorf("unexpected entry %+v", pending[0])
	}

	r, _ := env.store.GetReservation(context.Background(), pending[0].ReservationID)
	if r.Status != domain.ReservationReserved {
		t.Errorf("expected reservation still RESERVED, got %s", r.Status)
	}

	// storage recovers; replaying restores the unit exactly once
	env.store.failIncrement.Store(false)
	if err := env.svc.Reconcile(context.Background(), pending[0].ID); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if err := env.svc.Reconcile(context.Background(), pending[0].ID); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if qty := env.quantity(t, shoe); qty != 2 {
		t.Errorf("expected stock 2 after reconcile, got %d", qty)
	}

	e, _ := env.store.GetReconciliation(context.Background(), pending[0].ID)
	if e.Status != domain.ReconciliationResolved {
		t.Errorf("expected RESOLVED, got %s", e.Status)
	}
}

func TestCompensate_Idempotent(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	env.store.SetStock(shoe, 2)

	r, err := env.svc.reserve(context.Background(), "buyer-1", shoe)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	cause := errors.New("pricing failed")
	env.svc.compensate(context.Background(), r, cause)
	env.svc.compensate(context.Background(), r, cause)

	if qty := env.quantity(t, shoe); qty != 2 {
		t.Errorf("expected stock 2, got %d", qty)
	}
	if n := env.store.increments.Load(); n != 1 {
		t.Errorf("expected 1 increment, got %d", n)
	}
	if got := testutil.ToFloat64(env.metrics.Compensations.WithLabelValues(metrics.CompensationAlreadyClosed)); got != 1 {
		t.Errorf("expected second compensation to be a no-op, got %v", got)
	}
}

func TestCompensate_AfterCommitIsNoop(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	env.store.SetStock(shoe, 2)

	order, err := env.svc.ReserveAndOrder(context.Background(), "buyer-1", "AB12CD", 42, "")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	r, _ := env.store.GetReservation(context.Background(), order.ReservationID)

	env.svc.compensate(context.Background(), r, errors.New("late retry"))

	if qty := env.quantity(t, shoe); qty != 1 {
		t.Errorf("expected stock 1, got %d", qty)
	}
}

func TestReleaseReservation_RestoresOnce(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	env.store.SetStock(shoe, 1)

	order, err := env.svc.ReserveAndOrder(context.Background(), "buyer-1", "AB12CD", 42, "")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	for i := 0; i < 3; i++ {
		cancelled, err := env.svc.ReleaseReservation(context.Background(), order.ID)
		if err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
		if cancelled.Status != domain.OrderStatusCancelled {
			t.Errorf("expected CANCELLED, got %s", cancelled.Status)
		}
	}

	if qty := env.quantity(t, shoe); qty != 1 {
		t.Errorf("expected stock 1, got %d", qty)
	}
	r, _ := env.store.GetReservation(context.Background(), order.ReservationID)
	if r.Status != domain.ReservationReleased {
		t.Errorf("expected RELEASED, got %s", r.Status)
	}
	if got := testutil.ToFloat64(env.metrics.Cancellations); got != 1 {
		t.Errorf("expected 1 cancellation, got %v", got)
	}
}

func TestReleaseReservation_Errors(t *testing.T) {
	env := newTestEnv(t, nil, Options{})

	if _, err := env.svc.ReleaseReservation(context.Background(), ""); !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected ErrInvalidArgument, got %v", err)
	}
	if _, err := env.svc.ReleaseReservation(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestReleaseReservation_StorageDown(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	env.store.SetStock(shoe, 1)

	order, err := env.svc.ReserveAndOrder(context.Background(), "buyer-1", "AB12CD", 42, "")
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	env.store.failIncrement.Store(true)
	_, err = env.svc.ReleaseReservation(context.Background(), order.ID)
	if !errors.Is(err, domain.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}

	o, _ := env.store.GetOrder(context.Background(), order.ID)
	if o.Status != domain.OrderStatusPlaced {
		t.Errorf("expected cancel to roll back, got %s", o.Status)
	}
	if qty := env.quantity(t, shoe); qty != 0 {
		t.Errorf("expected stock 0, got %d", qty)
	}
}

func TestPurchase_DuplicateRequest(t *testing.T) {
	env := newTestEnv(t, nil, Options{Idempotency: &mockIdempotency{seen: make(map[string]bool)}})
	env.store.SetStock(shoe, 10)

	if _, err := env.svc.Purchase(context.Background(), "req-1", "buyer-1", "AB12CD", 42, ""); err != nil {
		t.Fatalf("first purchase: %v", err)
	}

	_, err := env.svc.Purchase(context.Background(), "req-1", "buyer-1", "AB12CD", 42, "")
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Errorf("expected ErrDuplicateRequest, got %v", err)
	}
	if qty := env.quantity(t, shoe); qty != 9 {
		t.Errorf("expected stock 9, got %d", qty)
	}

	// no request id, no guard
	if _, err := env.svc.Purchase(context.Background(), "", "buyer-1", "AB12CD", 42, ""); err != nil {
		t.Errorf("expected success, got error: %v", err)
	}
}

func TestPurchase_FailedRequestCanBeResubmitted(t *testing.T) {
	expiredCoupon := func(ctx context.Context, productID string, size int, code string) (domain.Quote, error) {
		if code == "EXPIRED" {
			return domain.Quote{}, fmt.Errorf("%w: expired", domain.ErrPricing)
		}
		return flatPrice(ctx, productID, size, code)
	}
	env := newTestEnv(t, expiredCoupon, Options{Idempotency: &mockIdempotency{seen: make(map[string]bool)}})
	env.store.SetStock(shoe, 1)

	_, err := env.svc.Purchase(context.Background(), "req-1", "buyer-1", "AB12CD", 42, "EXPIRED")
	if !errors.Is(err, domain.ErrPricing) {
		t.Fatalf("expected ErrPricing, got %v", err)
	}

	order, err := env.svc.Purchase(context.Background(), "req-1", "buyer-1", "AB12CD", 42, "")
	if err != nil {
		t.Fatalf("expected resubmission without the coupon to succeed, got %v", err)
	}
	if order.PromotionCode != "" {
		t.Errorf("expected no promotion, got %q", order.PromotionCode)
	}
	if qty := env.quantity(t, shoe); qty != 0 {
		t.Errorf("expected stock 0, got %d", qty)
	}

	// sold out frees the id too
	_, err = env.svc.Purchase(context.Background(), "req-2", "buyer-2", "AB12CD", 42, "")
	if !errors.Is(err, domain.ErrOutOfStock) {
		t.Fatalf("expected ErrOutOfStock, got %v", err)
	}
	env.store.SetStock(shoe, 1)
	if _, err := env.svc.Purchase(context.Background(), "req-2", "buyer-2", "AB12CD", 42, ""); err != nil {
		t.Errorf("expected retry after restock to succeed, got %v", err)
	}
}
