package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/stock-checkout/internal/core/domain"
	"github.com/rl1809/stock-checkout/internal/metrics"
	"github.com/rl1809/stock-checkout/internal/port"
)

var ErrDuplicateRequest = errors.New("duplicate request")

// ErrOutcomeUnknown marks a checkout whose order may have been stored even
// though the write reported an error.
var ErrOutcomeUnknown = errors.New("checkout outcome unknown")

var tracer = otel.Tracer("github.com/rl1809/stock-checkout/internal/core/service")

// Repositories groups the storage ports. All of them must share the
// transaction opened by Tx.
type Repositories struct {
	Tx             port.Transactor
	Ledger         port.StockLedger
	Reservations   port.ReservationRepository
	Orders         port.OrderRepository
	Reconciliation port.ReconciliationStore
}

// Store is a single backend serving every storage port.
type Store interface {
	port.Transactor
	port.StockLedger
	port.ReservationRepository
	port.OrderRepository
	port.ReconciliationStore
}

func RepositoriesOf(s Store) Repositories {
	return Repositories{
		Tx:             s,
		Ledger:         s,
		Reservations:   s,
		Orders:         s,
		Reconciliation: s,
	}
}

type Options struct {
	// Timeout bounds the forward path of one checkout.
	Timeout time.Duration
	// CompensationTimeout bounds each release attempt.
	CompensationTimeout time.Duration
	// StaleMargin is added to Timeout to decide when a reservation that is
	// still RESERVED belongs to a checkout that will never finish.
	StaleMargin time.Duration
	Retry       RetryPolicy

	Logger      zerolog.Logger
	Metrics     *metrics.Metrics
	Idempotency port.IdempotencyStore
	NewID       func() string
}

type OrderService struct {
	repos       Repositories
	pricing     port.PricingService
	catalog     port.ProductCatalog
	idempotency port.IdempotencyStore
	opts        Options
	log         zerolog.Logger
	metrics     *metrics.Metrics
}

// NewOrderService wires the coordinator. catalog may be nil, in which case
// product existence is left to the stock rows.
func NewOrderService(repos Repositories, pricing port.PricingService, catalog port.ProductCatalog, opts Options) *OrderService {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.CompensationTimeout <= 0 {
		opts.CompensationTimeout = 2 * time.Second
	}
	if opts.StaleMargin <= 0 {
		opts.StaleMargin = time.Minute
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New(prometheus.NewRegistry())
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	return &OrderService{
		repos:       repos,
		pricing:     pricing,
		catalog:     catalog,
		idempotency: opts.Idempotency,
		opts:        opts,
		log:         opts.Logger.With().Str("component", "order_service").Logger(),
		metrics:     opts.Metrics,
	}
}

// Purchase is ReserveAndOrder guarded by a caller supplied request id. A
// repeated id fails with ErrDuplicateRequest without touching stock. The id is
// freed again when the checkout failed without leaving an order, so the
// caller may resubmit it.
func (s *OrderService) Purchase(ctx context.Context, requestID, buyerID, productID string, size int, promotionCode string) (domain.Order, error) {
	if requestID == "" || s.idempotency == nil {
		return s.ReserveAndOrder(ctx, buyerID, productID, size, promotionCode)
	}

	key := "order:" + requestID
	ok, err := s.idempotency.SetIdempotency(ctx, key)
	if err != nil {
		return domain.Order{}, fmt.Errorf("idempotency check failed: %w", err)
	}
	if !ok {
		return domain.Order{}, ErrDuplicateRequest
	}

	order, err := s.ReserveAndOrder(ctx, buyerID, productID, size, promotionCode)
	if err != nil && !errors.Is(err, ErrOutcomeUnknown) {
		if delErr := s.idempotency.DeleteIdempotency(context.WithoutCancel(ctx), key); delErr != nil {
			s.log.Warn().Err(delErr).Str("request_id", requestID).Msg("failed to free request id")
		}
	}
	return order, err
}

// ReserveAndOrder takes one unit of (productID, size) and records an order
// for it. On failure after stock was taken the unit is given back before the
// error is returned; if that cannot be done a reconciliation entry is left
// for recovery.
func (s *OrderService) ReserveAndOrder(ctx context.Context, buyerID, productID string, size int, promotionCode string) (order domain.Order, err error) {
	start := time.Now()
	ctx, span := tracer.Start(ctx, "OrderService.ReserveAndOrder", trace.WithAttributes(
		attribute.String("product.id", productID),
		attribute.Int("product.size", size),
		attribute.Bool("promotion.present", promotionCode != ""),
	))
	defer func() {
		s.metrics.CheckoutDuration.Observe(time.Since(start).Seconds())
		s.metrics.Checkouts.WithLabelValues(resultLabel(err)).Inc()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if buyerID == "" || productID == "" {
		return domain.Order{}, fmt.Errorf("%w: buyer and product are required", domain.ErrInvalidArgument)
	}
	key := domain.StockKey{ProductID: productID, Size: size}
	if !domain.ValidSize(size) {
		return domain.Order{}, fmt.Errorf("%w: size %d is not offered", domain.ErrNotFound, size)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	if err := s.checkProduct(ctx, productID); err != nil {
		return domain.Order{}, err
	}

	reservation, err := s.reserve(ctx, buyerID, key)
	if err != nil {
		return domain.Order{}, err
	}
	span.AddEvent("stock reserved", trace.WithAttributes(attribute.String("reservation.id", reservation.ID)))

	quote, err := s.quote(ctx, key, promotionCode)
	if err != nil {
		s.compensate(ctx, reservation, err)
		return domain.Order{}, err
	}
	span.AddEvent("priced")

	order, err = s.persist(ctx, reservation, promotionCode, quote)
	if err != nil {
		switch s.compensate(ctx, reservation, err) {
		case domain.ReservationCommitted:
			// the commit went through even though it reported an error
			return s.committedOrder(ctx, reservation, err)
		case "":
			// the reservation could not be read, so the order may exist
			return domain.Order{}, fmt.Errorf("%w: %w", ErrOutcomeUnknown, err)
		}
		return domain.Order{}, err
	}

	s.log.Info().
		Str("order_id", order.ID).
		Str("reservation_id", reservation.ID).
		Str("stock", key.String()).
		Int64("total_price", order.TotalPrice).
		Msg("order placed")
	return order, nil
}

// ReleaseReservation cancels a placed order and gives its unit back. Calling
// it again for a cancelled order returns the order without touching stock.
func (s *OrderService) ReleaseReservation(ctx context.Context, orderID string) (domain.Order, error) {
	ctx, span := tracer.Start(ctx, "OrderService.ReleaseReservation", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", domain.ErrInvalidArgument)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	var (
		order    domain.Order
		restored bool
	)
	err := retry(ctx, s.opts.Retry, func(ctx context.Context) error {
		restored = false
		err := s.repos.Tx.WithinTx(ctx, func(ctx context.Context) error {
			o, err := s.repos.Orders.GetOrder(ctx, orderID)
			if err != nil {
				return err
			}
			order = o

			ok, err := s.repos.Orders.CancelOrder(ctx, orderID)
			if err != nil || !ok {
				return err
			}
			if err := s.repos.Ledger.Increment(ctx, o.Key(), 1); err != nil {
				return err
			}
			if _, err := s.repos.Reservations.TransitionReservation(ctx, o.ReservationID, domain.ReservationCommitted, domain.ReservationReleased); err != nil {
				return err
			}
			restored = true
			return nil
		})
		if errors.Is(err, domain.ErrNotFound) {
			return permanent(err)
		}
		return err
	}, s.logRetry("cancel order", orderID))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Order{}, fmt.Errorf("release order %s: %w", orderID, err)
		}
		return domain.Order{}, fmt.Errorf("%w: release order %s: %w", domain.ErrPersistence, orderID, err)
	}

	order.Cancel()
	if restored {
		s.metrics.Cancellations.Inc()
		s.log.Info().Str("order_id", orderID).Str("stock", order.Key().String()).Msg("order cancelled, stock restored")
	} else {
		s.log.Debug().Str("order_id", orderID).Msg("order already cancelled")
	}
	return order, nil
}

// Reconcile retries the release recorded by a reconciliation entry and marks
// the entry resolved once stock is consistent again.
func (s *OrderService) Reconcile(ctx context.Context, entryID string) error {
	e, err := s.repos.Reconciliation.GetReconciliation(ctx, entryID)
	if err != nil {
		return err
	}
	if e.Status == domain.ReconciliationResolved {
		return nil
	}
	return s.reconcileEntry(ctx, e)
}

func (s *OrderService) reconcileEntry(ctx context.Context, e domain.ReconciliationEntry) error {
	applied, _, err := s.releaseWithRetry(ctx, e.ReservationID)
	if err != nil {
		return fmt.Errorf("%w: reconcile %s: %w", domain.ErrPersistence, e.ID, err)
	}
	if err := s.repos.Reconciliation.ResolveReconciliation(ctx, e.ID); err != nil {
		return fmt.Errorf("%w: resolve %s: %w", domain.ErrPersistence, e.ID, err)
	}

	s.metrics.Reconciliations.WithLabelValues("resolved").Inc()
	s.log.Info().
		Str("reconciliation_id", e.ID).
		Str("reservation_id", e.ReservationID).
		Bool("stock_restored", applied).
		Msg("reconciliation resolved")
	return nil
}

func (s *OrderService) checkProduct(ctx context.Context, productID string) error {
	if s.catalog == nil {
		return nil
	}
	ok, err := s.catalog.ProductExists(ctx, productID)
	if err != nil {
		return fmt.Errorf("%w: catalog lookup for %s: %w", domain.ErrPersistence, productID, err)
	}
	if !ok {
		return fmt.Errorf("%w: product %s", domain.ErrNotFound, productID)
	}
	return nil
}

// reserve decrements one unit and opens the reservation in one transaction.
func (s *OrderService) reserve(ctx context.Context, buyerID string, key domain.StockKey) (domain.Reservation, error) {
	ctx, span := tracer.Start(ctx, "OrderService.reserve")
	defer span.End()

	r := domain.NewReservation(s.opts.NewID(), buyerID, key, 1)
	remaining := 0

	err := s.repos.Tx.WithinTx(ctx, func(ctx context.Context) error {
		res, err := s.repos.Ledger.TryDecrement(ctx, key, r.Amount)
		if err != nil {
			return err
		}
		if !res.Success {
			remaining = res.Remaining
			return domain.ErrOutOfStock
		}
		return s.repos.Reservations.OpenReservation(ctx, r)
	})

	switch {
	case err == nil:
		return r, nil
	case errors.Is(err, domain.ErrOutOfStock):
		return domain.Reservation{}, fmt.Errorf("%w: %s has %d left", domain.ErrOutOfStock, key, remaining)
	case errors.Is(err, domain.ErrNotFound):
		return domain.Reservation{}, fmt.Errorf("%w: no stock record for %s", domain.ErrNotFound, key)
	default:
		span.RecordError(err)
		return domain.Reservation{}, fmt.Errorf("%w: reserve %s: %w", domain.ErrPersistence, key, err)
	}
}

func (s *OrderService) quote(ctx context.Context, key domain.StockKey, promotionCode string) (q domain.Quote, err error) {
	ctx, span := tracer.Start(ctx, "OrderService.quote")
	defer span.End()

	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: pricing panicked: %v", domain.ErrPricing, p)
		}
	}()

	q, err = s.pricing.Quote(ctx, key.ProductID, key.Size, promotionCode)
	if err == nil {
		err = q.Validate()
	}
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, domain.ErrPricing) {
			return domain.Quote{}, err
		}
		return domain.Quote{}, fmt.Errorf("%w: %w", domain.ErrPricing, err)
	}
	return q, nil
}

// persist writes the order and closes the reservation in one transaction.
func (s *OrderService) persist(ctx context.Context, r domain.Reservation, promotionCode string, q domain.Quote) (domain.Order, error) {
	ctx, span := tracer.Start(ctx, "OrderService.persist")
	defer span.End()

	order := domain.NewOrder(s.opts.NewID(), r, promotionCode, q)

	err := s.repos.Tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.repos.Orders.CreateOrder(ctx, order); err != nil {
			return err
		}
		ok, err := s.repos.Reservations.TransitionReservation(ctx, r.ID, domain.ReservationReserved, domain.ReservationCommitted)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrReservationClosed
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return domain.Order{}, fmt.Errorf("%w: persist order for reservation %s: %w", domain.ErrPersistence, r.ID, err)
	}
	return order, nil
}

// compensate gives the reserved unit back. It runs detached from the
// caller's cancellation; when every attempt fails the reservation is handed
// to reconciliation instead of being dropped. It returns the status the
// reservation was left in, or "" when that is unknown.
func (s *OrderService) compensate(ctx context.Context, r domain.Reservation, cause error) domain.ReservationStatus {
	ctx, span := tracer.Start(context.WithoutCancel(ctx), "OrderService.compensate",
		trace.WithAttributes(attribute.String("reservation.id", r.ID)))
	defer span.End()

	applied, status, err := s.releaseWithRetry(ctx, r.ID)
	if err == nil {
		outcome := metrics.CompensationApplied
		if !applied {
			outcome = metrics.CompensationAlreadyClosed
		}
		s.metrics.Compensations.WithLabelValues(outcome).Inc()
		s.log.Warn().
			Str("reservation_id", r.ID).
			Str("stock", r.Key().String()).
			Bool("stock_restored", applied).
			Str("reservation_status", string(status)).
			AnErr("cause", cause).
			Msg("checkout unwound")
		return status
	}

	span.RecordError(err)
	s.metrics.Compensations.WithLabelValues(metrics.CompensationExhausted).Inc()
	s.log.Error().
		Err(err).
		Str("reservation_id", r.ID).
		Str("stock", r.Key().String()).
		AnErr("cause", cause).
		Msg("compensation failed, recording reconciliation entry")

	entry := domain.NewReconciliationEntry(s.opts.NewID(), r, cause.Error(), err)
	recErr := retry(ctx, s.opts.Retry, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.CompensationTimeout)
		defer cancel()
		return s.repos.Reconciliation.RecordReconciliation(attemptCtx, entry)
	}, s.logRetry("record reconciliation", r.ID))
	if recErr != nil {
		s.log.Error().
			Err(recErr).
			Str("reservation_id", r.ID).
			Str("stock", r.Key().String()).
			Int("amount", r.Amount).
			Msg("CRITICAL: reconciliation entry could not be stored, left for the stale reservation sweep")
		return ""
	}
	s.metrics.Reconciliations.WithLabelValues("recorded").Inc()
	return ""
}

// committedOrder resolves a persist error that turned out to have committed.
// If the order cannot be read back the outcome stays unknown.
func (s *OrderService) committedOrder(ctx context.Context, r domain.Reservation, cause error) (domain.Order, error) {
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.CompensationTimeout)
	defer cancel()

	order, err := s.repos.Orders.GetOrderByReservation(lookupCtx, r.ID)
	if err != nil {
		s.log.Error().
			Err(err).
			AnErr("cause", cause).
			Str("reservation_id", r.ID).
			Msg("reservation committed but order could not be read back")
		return domain.Order{}, fmt.Errorf("%w: %w", ErrOutcomeUnknown, cause)
	}

	s.log.Warn().
		AnErr("cause", cause).
		Str("order_id", order.ID).
		Str("reservation_id", r.ID).
		Msg("commit reported an error but the order was stored")
	return order, nil
}

func (s *OrderService) releaseWithRetry(ctx context.Context, reservationID string) (bool, domain.ReservationStatus, error) {
	var (
		applied bool
		status  domain.ReservationStatus
	)
	err := retry(ctx, s.opts.Retry, func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.opts.CompensationTimeout)
		defer cancel()

		ok, st, err := s.releaseReservation(attemptCtx, reservationID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return permanent(err)
			}
			return err
		}
		applied, status = ok, st
		return nil
	}, s.logRetry("release reservation", reservationID))
	return applied, status, err
}

// releaseReservation moves an open reservation to RELEASED and restores its
// stock in one transaction. It reports false when the reservation was already
// committed or released, so repeated calls never add stock twice. The status
// returned is the one the reservation ends up in.
func (s *OrderService) releaseReservation(ctx context.Context, reservationID string) (bool, domain.ReservationStatus, error) {
	var (
		applied bool
		status  domain.ReservationStatus
	)
	err := s.repos.Tx.WithinTx(ctx, func(ctx context.Context) error {
		r, err := s.repos.Reservations.GetReservation(ctx, reservationID)
		if err != nil {
			return err
		}
		ok, err := s.repos.Reservations.TransitionReservation(ctx, reservationID, domain.ReservationReserved, domain.ReservationReleased)
		if err != nil {
			return err
		}
		if !ok {
			// moved since the read; report what it is now
			if r.Status == domain.ReservationReserved {
				if r, err = s.repos.Reservations.GetReservation(ctx, reservationID); err != nil {
					return err
				}
			}
			status = r.Status
			return nil
		}
		if err := s.repos.Ledger.Increment(ctx, r.Key(), r.Amount); err != nil {
			return err
		}
		applied, status = true, domain.ReservationReleased
		return nil
	})
	if err != nil {
		return false, "", err
	}
	return applied, status, nil
}

// ReleaseStale gives back stock held by reservations that are still RESERVED
// long after their checkout must have ended: the process died between the two
// transactions, or compensation and its reconciliation entry both failed.
// It returns how many units were restored.
func (s *OrderService) ReleaseStale(ctx context.Context, now time.Time, limit int) (int, error) {
	cutoff := now.Add(-(s.opts.Timeout + s.opts.StaleMargin))
	stale, err := s.repos.Reservations.StaleReservations(ctx, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("%w: stale reservations: %w", domain.ErrPersistence, err)
	}

	released := 0
	for _, r := range stale {
		applied, _, err := s.releaseWithRetry(ctx, r.ID)
		if err != nil {
			s.log.Warn().Err(err).Str("reservation_id", r.ID).Msg("stale reservation still held")
			continue
		}
		if !applied {
			continue
		}
		released++
		s.metrics.Reconciliations.WithLabelValues("stale_released").Inc()
		s.log.Warn().
			Str("reservation_id", r.ID).
			Str("stock", r.Key().String()).
			Time("reserved_at", r.CreatedAt).
			Msg("released abandoned reservation")
	}
	return released, nil
}

func (s *OrderService) logRetry(op, id string) func(attempt int, err error, next time.Duration) {
	return func(attempt int, err error, next time.Duration) {
		s.log.Warn().
			Err(err).
			Str("op", op).
			Str("id", id).
			Int("attempt", attempt).
			Dur("backoff", next).
			Msg("retrying")
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return metrics.ResultPlaced
	case errors.Is(err, domain.ErrOutOfStock):
		return metrics.ResultOutOfStock
	case errors.Is(err, domain.ErrPricing):
		return metrics.ResultPricing
	case errors.Is(err, domain.ErrPersistence):
		return metrics.ResultPersistence
	case errors.Is(err, domain.ErrNotFound):
		return metrics.ResultNotFound
	default:
		return metrics.ResultInvalid
	}
}
