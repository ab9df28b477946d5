package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rl1809/stock-checkout/internal/port"
)

// Reconciler periodically replays releases that compensation could not finish.
// Each pending entry is announced once through the notifier. It also sweeps
// reservations left RESERVED past the checkout deadline, which covers crashes
// and entries that could never be written.
type Reconciler struct {
	svc       *OrderService
	store     port.ReconciliationStore
	notifier  port.ReconciliationNotifier
	interval  time.Duration
	batchSize int
	log       zerolog.Logger
	now       func() time.Time
}

func NewReconciler(svc *OrderService, notifier port.ReconciliationNotifier, interval time.Duration, batchSize int, log zerolog.Logger) *Reconciler {
	return &Reconciler{
		svc:       svc,
		store:     svc.repos.Reconciliation,
		notifier:  notifier,
		interval:  interval,
		batchSize: batchSize,
		log:       log.With().Str("component", "reconciler").Logger(),
		now:       time.Now,
	}
}

func (r *Reconciler) Run(ctx context.Context) error {
	t := time.NewTicker(r.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("reconciler stopping")
			return nil
		case <-t.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.log.Error().Err(err).Msg("reconcile batch failed")
			}
		}
	}
}

// RunOnce handles one batch and returns how many entries were resolved plus
// how many stale reservations were released.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	entries, err := r.store.PendingReconciliations(ctx, r.batchSize)
	if err != nil {
		return 0, err
	}

	resolved := 0
	for _, e := range entries {
		if e.NotifiedAt == nil && r.notifier != nil {
			if err := r.notifier.NotifyReconciliation(ctx, e); err != nil {
				r.log.Error().Err(err).Str("reconciliation_id", e.ID).Msg("notify failed")
			} else if err := r.store.MarkReconciliationNotified(ctx, e.ID); err != nil {
				r.log.Error().Err(err).Str("reconciliation_id", e.ID).Msg("mark notified failed")
			}
		}

		if err := r.svc.reconcileEntry(ctx, e); err != nil {
			r.log.Warn().Err(err).Str("reconciliation_id", e.ID).Msg("entry still pending")
			continue
		}
		resolved++
	}

	released, err := r.svc.ReleaseStale(ctx, r.now(), r.batchSize)
	if err != nil {
		return resolved, err
	}
	return resolved + released, nil
}
