package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/stock-checkout/internal/core/domain"
	"github.com/rl1809/stock-checkout/internal/port"
)

type recordingNotifier struct {
	mu   sync.Mutex
	ids  []string
	fail bool
}

func (n *recordingNotifier) NotifyReconciliation(ctx context.Context, e domain.ReconciliationEntry) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fail {
		return errors.New("broker unavailable")
	}
	n.ids = append(n.ids, e.ID)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.ids)
}

// stuckCheckout leaves one reservation whose compensation could not finish.
func stuckCheckout(t *testing.T, env *testEnv) domain.ReconciliationEntry {
	t.Helper()

	env.svc.pricing = port.PricingFunc(func(context.Context, string, int, string) (domain.Quote, error) {
		return domain.Quote{}, domain.ErrPricing
	})
	env.store.failIncrement.Store(true)

	_, err := env.svc.ReserveAndOrder(context.Background(), "buyer-1", "AB12CD", 42, "")
	require.ErrorIs(t, err, domain.ErrPricing)

	pending, err := env.store.PendingReconciliations(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	return pending[0]
}

func TestReconcilerRunOnce(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	env.store.SetStock(shoe, 2)
	entry := stuckCheckout(t, env)

	notifier := &recordingNotifier{}
	rec := NewReconciler(env.svc, notifier, time.Hour, 10, zerolog.Nop())

	// storage still failing: announced once, stays pending
	resolved, err := rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, resolved)
	assert.Equal(t, 1, notifier.count())

	e, err := env.store.GetReconciliation(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.NotNil(t, e.NotifiedAt)
	assert.Equal(t, domain.ReconciliationPending, e.Status)

	env.store.failIncrement.Store(false)

	resolved, err = rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)
	assert.Equal(t, 1, notifier.count(), "entry must not be announced twice")
	assert.Equal(t, 2, env.quantity(t, shoe))

	resolved, err = rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, resolved)
}

func TestReconcilerNotifyFailureStillReleases(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	env.store.SetStock(shoe, 1)
	entry := stuckCheckout(t, env)
	env.store.failIncrement.Store(false)

	rec := NewReconciler(env.svc, &recordingNotifier{fail: true}, time.Hour, 10, zerolog.Nop())

	resolved, err := rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, resolved)

	e, err := env.store.GetReconciliation(context.Background(), entry.ID)
	require.NoError(t, err)
	assert.Nil(t, e.NotifiedAt)
	assert.Equal(t, domain.ReconciliationResolved, e.Status)
	assert.Equal(t, 1, env.quantity(t, shoe))
}

func TestReconcilerRunStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	rec := NewReconciler(env.svc, nil, time.Millisecond, 10, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}

func later() time.Time { return time.Now().Add(time.Hour) }

func TestReconcilerReleasesReservationAbandonedByCrash(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	env.store.SetStock(shoe, 1)

	// the process dies after the reserve transaction
	r, err := env.svc.reserve(context.Background(), "buyer-1", shoe)
	require.NoError(t, err)
	require.Equal(t, 0, env.quantity(t, shoe))

	rec := NewReconciler(env.svc, nil, time.Hour, 10, zerolog.Nop())

	// a checkout still inside its deadline is left alone
	n, err := rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, env.quantity(t, shoe))

	rec.now = later
	n, err = rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, env.quantity(t, shoe))

	got, err := env.store.GetReservation(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ReservationReleased, got.Status)

	n, err = rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, env.quantity(t, shoe))
}

func TestReconcilerReleasesReservationWhenEntryWasLost(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	env.store.SetStock(shoe, 1)
	env.svc.pricing = port.PricingFunc(func(context.Context, string, int, string) (domain.Quote, error) {
		return domain.Quote{}, domain.ErrPricing
	})
	env.store.failIncrement.Store(true)
	env.store.failRecord.Store(true)

	_, err := env.svc.ReserveAndOrder(context.Background(), "buyer-1", "AB12CD", 42, "")
	require.ErrorIs(t, err, domain.ErrPricing)

	pending, err := env.store.PendingReconciliations(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, pending)
	require.Equal(t, 0, env.quantity(t, shoe))

	env.store.failIncrement.Store(false)
	env.store.failRecord.Store(false)

	rec := NewReconciler(env.svc, &recordingNotifier{}, time.Hour, 10, zerolog.Nop())
	rec.now = later

	n, err := rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, env.quantity(t, shoe))
	assert.Empty(t, env.store.Orders())
}

func TestReconcilerSweepSkipsCommittedReservations(t *testing.T) {
	env := newTestEnv(t, nil, Options{})
	env.store.SetStock(shoe, 1)

	order, err := env.svc.ReserveAndOrder(context.Background(), "buyer-1", "AB12CD", 42, "")
	require.NoError(t, err)

	rec := NewReconciler(env.svc, nil, time.Hour, 10, zerolog.Nop())
	rec.now = later

	n, err := rec.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 0, env.quantity(t, shoe))

	o, err := env.store.GetOrder(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPlaced, o.Status)
}
