package order

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/klinik/klinik/internal/platform/apperr"
	"github.com/klinik/klinik/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

// =========== Orders ===========

const orderCols = `id, patient_id, status, total, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.PatientID, &o.Status, &o.Total, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("order")
	}
	return &o, err
}

func scanOrders(rows pgx.Rows) ([]*Order, error) {
	defer rows.Close()
	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *repoPG) Create(ctx context.Context, o *Order) error {
	o.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO orders (id, patient_id, status, total)
		VALUES ($1, $2, $3, 0)
		RETURNING total, created_at, updated_at`,
		o.ID, o.PatientID, o.Status,
	).Scan(&o.Total, &o.CreatedAt, &o.UpdatedAt)
}

func (r *repoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Order, error) {
	return scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id = $1 FOR UPDATE`, id))
}

func (r *repoPG) GetForShare(ctx context.Context, id uuid.UUID) (*Order, error) {
	return scanOrder(r.conn(ctx).QueryRow(ctx, `SELECT `+orderCols+` FROM orders WHERE id = $1 FOR SHARE`, id))
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("order")
	}
	return nil
}

func (r *repoPG) SetStatus(ctx context.Context, id uuid.UUID, status Status) (*Order, error) {
	return scanOrder(r.conn(ctx).QueryRow(ctx, `
		UPDATE orders SET status = $2, updated_at = NOW()
		WHERE id = $1
		RETURNING `+orderCols, id, status))
}

// RecomputeTotal derives the total from the current items in one statement.
func (r *repoPG) RecomputeTotal(ctx context.Context, id uuid.UUID) (decimal.Decimal, error) {
	var total decimal.Decimal
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE orders SET
			total = (SELECT COALESCE(SUM(subtotal), 0) FROM order_item WHERE order_id = $1),
			updated_at = NOW()
		WHERE id = $1
		RETURNING total`, id).Scan(&total)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, apperr.NotFound("order")
	}
	return total, err
}

func (r *repoPG) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Order, int, error) {
	var status *string
	if filter.Status != "" {
		s := string(filter.Status)
		status = &s
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM orders WHERE ($1::text IS NULL OR status = $1)`, status).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+orderCols+` FROM orders
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`, status, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := scanOrders(rows)
	return items, total, err
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Order, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM orders WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+orderCols+` FROM orders
		WHERE patient_id = $1
		ORDER BY created_at DESC, id
		LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := scanOrders(rows)
	return items, total, err
}

// =========== Items ===========

const itemCols = `oi.id, oi.order_id, oi.medication_id, m.name, oi.quantity, oi.unit_price, oi.subtotal, oi.created_at`

const itemFrom = ` FROM order_item oi JOIN medication m ON m.id = oi.medication_id`

func scanItem(row pgx.Row) (*Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.OrderID, &it.MedicationID, &it.MedicationName,
		&it.Quantity, &it.UnitPrice, &it.Subtotal, &it.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("order item")
	}
	return &it, err
}

func (r *repoPG) AddItem(ctx context.Context, item *Item) error {
	item.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO order_item (id, order_id, medication_id, quantity, unit_price, subtotal)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at`,
		item.ID, item.OrderID, item.MedicationID, item.Quantity, item.UnitPrice, item.Subtotal,
	).Scan(&item.CreatedAt)
}

func (r *repoPG) GetItem(ctx context.Context, id uuid.UUID) (*Item, error) {
	return scanItem(r.conn(ctx).QueryRow(ctx, `SELECT `+itemCols+itemFrom+` WHERE oi.id = $1`, id))
}

func (r *repoPG) UpdateItem(ctx context.Context, item *Item) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE order_item SET quantity = $2, unit_price = $3, subtotal = $4
		WHERE id = $1`,
		item.ID, item.Quantity, item.UnitPrice, item.Subtotal)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("order item")
	}
	return nil
}

func (r *repoPG) DeleteItem(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM order_item WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("order item")
	}
	return nil
}

// GetItems returns the items in insertion order.
func (r *repoPG) GetItems(ctx context.Context, orderID uuid.UUID) ([]*Item, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+itemCols+itemFrom+` WHERE oi.order_id = $1 ORDER BY oi.line_no`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}
