package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct{ DB *pgxpool.Pool }

// Create persists the order and its lines in one transaction. The order number
// is unique; a second insert with the same number fails with ErrAlreadyExists.
func (r *Repo) Create(ctx context.Context, o *Order) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, order_number, user_id, status, payment_status, total_cents, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, o.ID, o.OrderNumber, o.UserID, o.Status, o.PaymentStatus, o.TotalCents, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return err
	}

	for _, it := range o.Items {
		if _, err := tx.Exec(ctx, `
			INSERT INTO order_items(id, order_id, product_id, qty, price_cents)
			VALUES ($1, $2, $3, $4, $5)`,
			it.ID, o.ID, it.ProductID, it.Qty, it.PriceCents,
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *Repo) GetByID(ctx context.Context, id string) (*Order, error) {
	return r.getOne(ctx, `WHERE id=$1 AND NOT is_deleted`, id)
}

func (r *Repo) GetByNumber(ctx context.Context, orderNumber string) (*Order, error) {
	return r.getOne(ctx, `WHERE order_number=$1 AND NOT is_deleted`, orderNumber)
}

func (r *Repo) getOne(ctx context.Context, where string, arg any) (*Order, error) {
	var o Order
	err := r.DB.QueryRow(ctx, `
		SELECT id, order_number, user_id, status, payment_status, total_cents, COALESCE(failure_reason,''), created_at, updated_at
		FROM orders `+where, arg,
	).Scan(&o.ID, &o.OrderNumber, &o.UserID, &o.Status, &o.PaymentStatus, &o.TotalCents, &o.FailureReason, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := r.DB.Query(ctx, `
		SELECT id, order_id, product_id, qty, price_cents
		FROM order_items WHERE order_id=$1`, o.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var it OrderItem
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductID, &it.Qty, &it.PriceCents); err != nil {
			return nil, err
		}
		o.Items = append(o.Items, it)
	}
	return &o, rows.Err()
}

func (r *Repo) ListByUser(ctx context.Context, userID string) ([]Order, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT id, order_number, user_id, status, payment_status, total_cents, COALESCE(failure_reason,''), created_at, updated_at
		FROM orders WHERE user_id=$1 AND NOT is_deleted ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.OrderNumber, &o.UserID, &o.Status, &o.PaymentStatus, &o.TotalCents, &o.FailureReason, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UpdateStatus applies a transition conditionally on the expected current
// status, so concurrent transitions cannot both win.
func (r *Repo) UpdateStatus(ctx context.Context, id string, from, to Status) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET status=$3, updated_at=now()
		WHERE id=$1 AND status=$2 AND NOT is_deleted`, id, from, to)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

// ApplyReservationOutcome advances PENDING to CONFIRMED on success, or records
// the failure reason while leaving the order PENDING. Any other current status
// makes this a no-op (applied=false).
func (r *Repo) ApplyReservationOutcome(ctx context.Context, orderNumber string, success bool, reason string) (applied bool, status Status, err error) {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id string
	err = tx.QueryRow(ctx, `
		SELECT id, status FROM orders
		WHERE order_number=$1 AND NOT is_deleted FOR UPDATE`, orderNumber,
	).Scan(&id, &status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, "", ErrNotFound
	}
	if err != nil {
		return false, "", err
	}
	if status != StatusPending {
		return false, status, tx.Commit(ctx)
	}

	if success {
		_, err = tx.Exec(ctx, `
			UPDATE orders SET status=$2, failure_reason=NULL, updated_at=now()
			WHERE id=$1`, id, StatusConfirmed)
		status = StatusConfirmed
	} else {
		_, err = tx.Exec(ctx, `
			UPDATE orders SET failure_reason=$2, updated_at=now()
			WHERE id=$1`, id, reason)
	}
	if err != nil {
		return false, "", err
	}
	return true, status, tx.Commit(ctx)
}

func (r *Repo) SetPaymentStatus(ctx context.Context, id string, ps PaymentStatus) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET payment_status=$2, updated_at=now()
		WHERE id=$1 AND NOT is_deleted`, id, ps)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete removes an order from reads. Only PENDING orders may be deleted.
func (r *Repo) SoftDelete(ctx context.Context, id string) error {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET is_deleted=true, updated_at=now()
		WHERE id=$1 AND status=$2 AND NOT is_deleted`, id, StatusPending)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("only PENDING orders can be deleted")
	}
	return nil
}
