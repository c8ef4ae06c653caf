package stock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"orderstock/internal/orders"
)

// InsufficientStockError is a business failure, not a fault. It is reported
// through the ReservationOutcome event, never across the transport as an error.
type InsufficientStockError struct {
	ProductID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.ProductID, e.Requested, e.Available)
}

// ReservationResult is the durable outcome of processing one order. It is
// persisted keyed by order number so a redelivered OrderPlaced re-emits the
// same content without touching stock again.
type ReservationResult struct {
	OrderNumber string
	Success     bool
	Reason      string
	Shortfalls  []orders.ShortfallDetail
}

const ReasonOutOfStock = "OUT_OF_STOCK"

// PgLedger is the durable stock record, one row per product:
//
//	stock_records(product_id, on_hand >= 0, version)
//	reservations(order_number, product_id, qty, status RESERVED|RELEASED)
//	reservation_outcomes(order_number, success, reason, shortfalls)
//
// Reserve is a single conditional UPDATE guarded on on_hand, so concurrent
// decrements against the same product serialize at the row and on_hand can
// never go negative.
type PgLedger struct{ DB *pgxpool.Pool }

// ReserveOrder applies all (pre-merged) line decrements in one transaction.
// Any shortfall rolls the whole transaction back: all lines or none. The
// outcome row is written in the same transaction on success, first-wins
// afterwards on failure.
func (l *PgLedger) ReserveOrder(ctx context.Context, orderNumber string, items []orders.ItemQty) (*ReservationResult, error) {
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var shortfalls []orders.ShortfallDetail
	for _, it := range items {
		if err := reserveOne(ctx, tx, orderNumber, it.ProductID, it.Qty); err != nil {
			var ise *InsufficientStockError
			if errors.As(err, &ise) {
				shortfalls = append(shortfalls, orders.ShortfallDetail{
					ProductID: ise.ProductID, Requested: ise.Requested, Available: ise.Available,
				})
				continue
			}
			return nil, err
		}
	}

	if len(shortfalls) > 0 {
		// record the failure outside the rolled-back tx
		_ = tx.Rollback(ctx)
		res := &ReservationResult{OrderNumber: orderNumber, Success: false, Reason: ReasonOutOfStock, Shortfalls: shortfalls}
		if err := l.recordOutcome(ctx, l.DB, res); err != nil {
			return nil, err
		}
		// first outcome wins under concurrent replays
		stored, err := l.Outcome(ctx, orderNumber)
		if err != nil {
			return nil, err
		}
		if stored != nil {
			return stored, nil
		}
		return res, nil
	}

	res := &ReservationResult{OrderNumber: orderNumber, Success: true}
	if err := l.recordOutcome(ctx, tx, res); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return res, nil
}

// reserveOne is the apply-once decrement primitive, scoped to a single
// product. The reservation row keyed on (order_number, product_id) is inserted
// first and gates the decrement: a concurrent duplicate delivery blocks on the
// unique key, loses the insert and skips the UPDATE, so one order can only
// ever decrement a product once. The availability guard lives in the UPDATE
// itself; there is no read-modify-write window. A product with no stock row
// counts as zero available.
func reserveOne(ctx context.Context, tx pgx.Tx, orderNumber, productID string, qty int) error {
	ct, err := tx.Exec(ctx, `
		INSERT INTO reservations(order_number, product_id, qty, status)
		VALUES ($1, $2, $3, 'RESERVED')
		ON CONFLICT (order_number, product_id) DO NOTHING`, orderNumber, productID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		// another delivery already applied this line
		return nil
	}

	ct, err = tx.Exec(ctx, `
		UPDATE stock_records SET on_hand = on_hand - $2, version = version + 1
		WHERE product_id = $1 AND on_hand >= $2`, productID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		avail := 0
		err := tx.QueryRow(ctx, `SELECT on_hand FROM stock_records WHERE product_id=$1`, productID).Scan(&avail)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		return &InsufficientStockError{ProductID: productID, Requested: qty, Available: avail}
	}
	return nil
}

// ReleaseOrder adds back every quantity still RESERVED for the order and flips
// the rows to RELEASED. Replays and cancellations of never-reserved orders
// find no RESERVED rows and release nothing.
func (l *PgLedger) ReleaseOrder(ctx context.Context, orderNumber string) ([]orders.ItemQty, error) {
	tx, err := l.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT product_id, qty FROM reservations
		WHERE order_number=$1 AND status='RESERVED' FOR UPDATE`, orderNumber)
	if err != nil {
		return nil, err
	}
	var recs []orders.ItemQty
	for rows.Next() {
		var it orders.ItemQty
		if err := rows.Scan(&it.ProductID, &it.Qty); err != nil {
			rows.Close()
			return nil, err
		}
		recs = append(recs, it)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(recs) == 0 {
		return nil, nil
	}

	for _, it := range recs {
		if _, err := tx.Exec(ctx, `
			UPDATE stock_records SET on_hand = on_hand + $2, version = version + 1
			WHERE product_id=$1`, it.ProductID, it.Qty); err != nil {
			return nil, err
		}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE reservations SET status='RELEASED'
		WHERE order_number=$1 AND status='RESERVED'`, orderNumber); err != nil {
		return nil, err
	}
	return recs, tx.Commit(ctx)
}

// Outcome returns the stored result for an order number, or nil when the order
// has not been processed yet.
func (l *PgLedger) Outcome(ctx context.Context, orderNumber string) (*ReservationResult, error) {
	var (
		res ReservationResult
		raw []byte
	)
	err := l.DB.QueryRow(ctx, `
		SELECT order_number, success, COALESCE(reason,''), COALESCE(shortfalls,'null')
		FROM reservation_outcomes WHERE order_number=$1`, orderNumber,
	).Scan(&res.OrderNumber, &res.Success, &res.Reason, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &res.Shortfalls); err != nil {
		return nil, err
	}
	return &res, nil
}

// execer is satisfied by both pgxpool.Pool and pgx.Tx, so the outcome row can
// be written inside the reserve transaction or standalone after a rollback.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (l *PgLedger) recordOutcome(ctx context.Context, db execer, res *ReservationResult) error {
	var raw any
	if res.Shortfalls != nil {
		b, err := json.Marshal(res.Shortfalls)
		if err != nil {
			return err
		}
		raw = b
	}
	_, err := db.Exec(ctx, `
		INSERT INTO reservation_outcomes(order_number, success, reason, shortfalls)
		VALUES ($1, $2, NULLIF($3,''), $4)
		ON CONFLICT (order_number) DO NOTHING`, res.OrderNumber, res.Success, res.Reason, raw)
	return err
}
