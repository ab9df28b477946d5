package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/stock-checkout/internal/core/domain"
)

// MySQL error numbers the store reacts to.
const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
	errDuplicateEntry  = 1062
	errNoReferencedRow = 1452
)

//go:embed schema.sql
var schema string

type txKey struct{}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// MySQLAdapter implements the ledger, reservation, order and reconciliation
// ports on InnoDB. Stock is only changed by single conditional UPDATEs, so
// the row lock lives for one statement or the surrounding short transaction.
type MySQLAdapter struct {
	db        *sql.DB
	txTimeout time.Duration
}

func NewMySQLAdapter(db *sql.DB, txTimeout time.Duration) *MySQLAdapter {
	return &MySQLAdapter{db: db, txTimeout: txTimeout}
}

// EnsureSchema creates the tables when they are missing.
func (m *MySQLAdapter) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) conn(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return m.db
}

// WithinTx runs fn in a transaction bounded by the configured timeout. Nested
// calls join the outer transaction.
func (m *MySQLAdapter) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}

	if m.txTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.txTimeout)
		defer cancel()
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", translate(err))
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", translate(err))
	}
	return nil
}

func (m *MySQLAdapter) TryDecrement(ctx context.Context, key domain.StockKey, amount int) (domain.DecrementResult, error) {
	if amount <= 0 {
		return domain.DecrementResult{}, fmt.Errorf("%w: amount must be positive, got %d", domain.ErrInvalidArgument, amount)
	}

	var result domain.DecrementResult
	err := m.WithinTx(ctx, func(ctx context.Context) error {
		q := m.conn(ctx)

		res, err := q.ExecContext(ctx, `
			UPDATE product_size
			SET quantity = quantity - ?, updated_at = NOW(6)
			WHERE product_id = ? AND size = ? AND quantity >= ?`,
			amount, key.ProductID, key.Size, amount,
		)
		if err != nil {
			return fmt.Errorf("decrement stock: %w", translate(err))
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("decrement stock: %w", err)
		}

		qty, err := m.quantity(ctx, q, key)
		if err != nil {
			return err
		}
		result = domain.DecrementResult{Success: rows == 1, Remaining: qty}
		return nil
	})
	if err != nil {
		return domain.DecrementResult{}, err
	}
	return result, nil
}

func (m *MySQLAdapter) Increment(ctx context.Context, key domain.StockKey, amount int) error {
	if amount <= 0 {
		return fmt.Errorf("%w: amount must be positive, got %d", domain.ErrInvalidArgument, amount)
	}

	res, err := m.conn(ctx).ExecContext(ctx, `
		UPDATE product_size
		SET quantity = quantity + ?, updated_at = NOW(6)
		WHERE product_id = ? AND size = ?`,
		amount, key.ProductID, key.Size,
	)
	if err != nil {
		return fmt.Errorf("increment stock: %w", translate(err))
	}

	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: stock %s", domain.ErrNotFound, key)
	}
	return nil
}

func (m *MySQLAdapter) Peek(ctx context.Context, key domain.StockKey) (int, error) {
	return m.quantity(ctx, m.conn(ctx), key)
}

// SetStock upserts a stock row. The catalog owns row creation; this exists
// for seeding and tests.
func (m *MySQLAdapter) SetStock(ctx context.Context, key domain.StockKey, quantity int) error {
	_, err := m.conn(ctx).ExecContext(ctx, `
		INSERT INTO product_size (product_id, size, quantity, updated_at)
		VALUES (?, ?, ?, NOW(6))
		ON DUPLICATE KEY UPDATE quantity = VALUES(quantity), updated_at = NOW(6)`,
		key.ProductID, key.Size, quantity,
	)
	if err != nil {
		return fmt.Errorf("set stock: %w", translate(err))
	}
	return nil
}

func (m *MySQLAdapter) quantity(ctx context.Context, q querier, key domain.StockKey) (int, error) {
	var qty int
	err := q.QueryRowContext(ctx, `
		SELECT quantity FROM product_size WHERE product_id = ? AND size = ?`,
		key.ProductID, key.Size,
	).Scan(&qty)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: stock %s", domain.ErrNotFound, key)
	}
	if err != nil {
		return 0, fmt.Errorf("query stock: %w", translate(err))
	}
	return qty, nil
}

func (m *MySQLAdapter) CreateOrder(ctx context.Context, order domain.Order) error {
	_, err := m.conn(ctx).ExecContext(ctx, `
		INSERT INTO orders (id, reservation_id, buyer_id, product_id, size, promotion_code,
			unit_price, total_price, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.ReservationID, order.BuyerID, order.ProductID, order.Size, order.PromotionCode,
		order.UnitPrice, order.TotalPrice, order.Status, order.CreatedAt, order.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", translate(err))
	}
	return nil
}

const orderColumns = `id, reservation_id, buyer_id, product_id, size, promotion_code,
	unit_price, total_price, status, created_at, updated_at`

func scanOrder(row rowScanner) (domain.Order, error) {
	var o domain.Order
	err := row.Scan(&o.ID, &o.ReservationID, &o.BuyerID, &o.ProductID, &o.Size, &o.PromotionCode,
		&o.UnitPrice, &o.TotalPrice, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

func (m *MySQLAdapter) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	o, err := scanOrder(m.conn(ctx).QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = ?`, id))

	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("query order: %w", translate(err))
	}
	return o, nil
}

func (m *MySQLAdapter) GetOrderByReservation(ctx context.Context, reservationID string) (domain.Order, error) {
	o, err := scanOrder(m.conn(ctx).QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE reservation_id = ?`, reservationID))

	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, fmt.Errorf("%w: order for reservation %s", domain.ErrNotFound, reservationID)
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("query order: %w", translate(err))
	}
	return o, nil
}

func (m *MySQLAdapter) CancelOrder(ctx context.Context, id string) (bool, error) {
	res, err := m.conn(ctx).ExecContext(ctx, `
		UPDATE orders SET status = ?, updated_at = NOW(6)
		WHERE id = ? AND status = ?`,
		domain.OrderStatusCancelled, id, domain.OrderStatusPlaced,
	)
	if err != nil {
		return false, fmt.Errorf("cancel order: %w", translate(err))
	}
	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

func (m *MySQLAdapter) OpenReservation(ctx context.Context, r domain.Reservation) error {
	_, err := m.conn(ctx).ExecContext(ctx, `
		INSERT INTO stock_reservation (id, product_id, size, amount, buyer_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProductID, r.Size, r.Amount, r.BuyerID, r.Status, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", translate(err))
	}
	return nil
}

const reservationColumns = `id, product_id, size, amount, buyer_id, status, created_at, updated_at`

func scanReservation(row rowScanner) (domain.Reservation, error) {
	var r domain.Reservation
	err := row.Scan(&r.ID, &r.ProductID, &r.Size, &r.Amount, &r.BuyerID, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	return r, err
}

func (m *MySQLAdapter) GetReservation(ctx context.Context, id string) (domain.Reservation, error) {
	r, err := scanReservation(m.conn(ctx).QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM stock_reservation WHERE id = ?`, id))

	if errors.Is(err, sql.ErrNoRows) {
		return domain.Reservation{}, fmt.Errorf("%w: reservation %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.Reservation{}, fmt.Errorf("query reservation: %w", translate(err))
	}
	return r, nil
}

// StaleReservations walks idx_reservation_status.
func (m *MySQLAdapter) StaleReservations(ctx context.Context, olderThan time.Time, limit int) ([]domain.Reservation, error) {
	rows, err := m.conn(ctx).QueryContext(ctx,
		`SELECT `+reservationColumns+` FROM stock_reservation
		WHERE status = ? AND created_at < ? ORDER BY created_at, id LIMIT ?`,
		domain.ReservationReserved, olderThan, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", translate(err))
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reservations: %w", translate(err))
	}
	return out, nil
}

func (m *MySQLAdapter) TransitionReservation(ctx context.Context, id string, from, to domain.ReservationStatus) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, fmt.Errorf("%w: reservation %s -> %s", domain.ErrInvalidArgument, from, to)
	}

	res, err := m.conn(ctx).ExecContext(ctx, `
		UPDATE stock_reservation SET status = ?, updated_at = NOW(6)
		WHERE id = ? AND status = ?`,
		to, id, from,
	)
	if err != nil {
		return false, fmt.Errorf("update reservation: %w", translate(err))
	}
	rows, _ := res.RowsAffected()
	return rows == 1, nil
}

func (m *MySQLAdapter) RecordReconciliation(ctx context.Context, e domain.ReconciliationEntry) error {
	_, err := m.conn(ctx).ExecContext(ctx, `
		INSERT INTO stock_reconciliation (id, reservation_id, product_id, size, amount, reason,
			last_error, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ReservationID, e.ProductID, e.Size, e.Amount, e.Reason, e.LastError, e.Status, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert reconciliation: %w", translate(err))
	}
	return nil
}

const reconciliationColumns = `id, reservation_id, product_id, size, amount, reason, last_error,
	status, notified_at, created_at, resolved_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReconciliation(row rowScanner) (domain.ReconciliationEntry, error) {
	var (
		e                    domain.ReconciliationEntry
		notified, resolvedAt sql.NullTime
	)
	err := row.Scan(&e.ID, &e.ReservationID, &e.ProductID, &e.Size, &e.Amount, &e.Reason, &e.LastError,
		&e.Status, &notified, &e.CreatedAt, &resolvedAt)
	if err != nil {
		return domain.ReconciliationEntry{}, err
	}
	if notified.Valid {
		e.NotifiedAt = &notified.Time
	}
	if resolvedAt.Valid {
		e.ResolvedAt = &resolvedAt.Time
	}
	return e, nil
}

func (m *MySQLAdapter) GetReconciliation(ctx context.Context, id string) (domain.ReconciliationEntry, error) {
	row := m.conn(ctx).QueryRowContext(ctx,
		`SELECT `+reconciliationColumns+` FROM stock_reconciliation WHERE id = ?`, id)

	e, err := scanReconciliation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ReconciliationEntry{}, fmt.Errorf("%w: reconciliation %s", domain.ErrNotFound, id)
	}
	if err != nil {
		return domain.ReconciliationEntry{}, fmt.Errorf("query reconciliation: %w", translate(err))
	}
	return e, nil
}

func (m *MySQLAdapter) PendingReconciliations(ctx context.Context, limit int) ([]domain.ReconciliationEntry, error) {
	rows, err := m.conn(ctx).QueryContext(ctx,
		`SELECT `+reconciliationColumns+` FROM stock_reconciliation
		WHERE status = ? ORDER BY created_at, id LIMIT ?`,
		domain.ReconciliationPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query reconciliation: %w", translate(err))
	}
	defer rows.Close()

	var entries []domain.ReconciliationEntry
	for rows.Next() {
		e, err := scanReconciliation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reconciliation: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (m *MySQLAdapter) MarkReconciliationNotified(ctx context.Context, id string) error {
	_, err := m.conn(ctx).ExecContext(ctx, `
		UPDATE stock_reconciliation SET notified_at = NOW(6)
		WHERE id = ? AND notified_at IS NULL`, id,
	)
	if err != nil {
		return fmt.Errorf("mark reconciliation notified: %w", translate(err))
	}
	return nil
}

func (m *MySQLAdapter) ResolveReconciliation(ctx context.Context, id string) error {
	res, err := m.conn(ctx).ExecContext(ctx, `
		UPDATE stock_reconciliation SET status = ?, resolved_at = NOW(6)
		WHERE id = ?`,
		domain.ReconciliationResolved, id,
	)
	if err != nil {
		return fmt.Errorf("resolve reconciliation: %w", translate(err))
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("%w: reconciliation %s", domain.ErrNotFound, id)
	}
	return nil
}

// translate maps driver errors onto domain conditions while keeping the
// original error in the chain.
func translate(err error) error {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case errLockWaitTimeout, errDeadlock:
			return fmt.Errorf("%w: %w", domain.ErrLockTimeout, err)
		case errDuplicateEntry:
			return fmt.Errorf("%w: %w", domain.ErrDuplicate, err)
		case errNoReferencedRow:
			return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", domain.ErrLockTimeout, err)
	}
	return err
}
