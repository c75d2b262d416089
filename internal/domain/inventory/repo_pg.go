package inventory

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

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

const pgUniqueViolation = "23505"

const recordCols = `i.id, i.medication_id, m.name, i.quantity, i.expiry_date, i.unit_price,
	i.supplier, i.created_at, i.updated_at`

const recordFrom = ` FROM inventory i JOIN medication m ON m.id = i.medication_id`

func scanRecord(row pgx.Row) (*Record, error) {
	var rec Record
	err := row.Scan(&rec.ID, &rec.MedicationID, &rec.MedicationName, &rec.Quantity, &rec.ExpiryDate,
		&rec.UnitPrice, &rec.Supplier, &rec.CreatedAt, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("inventory record")
	}
	return &rec, err
}

func scanRecords(rows pgx.Rows) ([]*Record, error) {
	defer rows.Close()
	var items []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, rec)
	}
	return items, rows.Err()
}

func (r *repoPG) Create(ctx context.Context, rec *Record) error {
	rec.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO inventory (id, medication_id, quantity, expiry_date, unit_price, supplier)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING created_at, updated_at`,
		rec.ID, rec.MedicationID, rec.Quantity, rec.ExpiryDate, rec.UnitPrice, rec.Supplier,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return apperr.Conflict("medication %s already has an inventory record", rec.MedicationID)
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx, `SELECT `+recordCols+recordFrom+` WHERE i.id = $1`, id))
}

func (r *repoPG) GetByMedication(ctx context.Context, medicationID uuid.UUID) (*Record, error) {
	return scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+recordFrom+` WHERE i.medication_id = $1`, medicationID))
}

func (r *repoPG) Update(ctx context.Context, rec *Record) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE inventory SET expiry_date=$2, unit_price=$3, supplier=$4, updated_at=NOW()
		WHERE id = $1`,
		rec.ID, rec.ExpiryDate, rec.UnitPrice, rec.Supplier)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("inventory record")
	}
	return nil
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM inventory WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("inventory record")
	}
	return nil
}

func (r *repoPG) List(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM inventory`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+recordCols+recordFrom+` ORDER BY m.name, i.expiry_date ASC NULLS LAST LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := scanRecords(rows)
	return items, total, err
}

func (r *repoPG) LowStock(ctx context.Context, threshold int) ([]*Record, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+recordCols+recordFrom+` WHERE i.quantity <= $1 ORDER BY i.quantity ASC, m.name`, threshold)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (r *repoPG) ExpiringBefore(ctx context.Context, cutoff time.Time) ([]*Record, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+recordCols+recordFrom+`
		WHERE i.expiry_date <= $1 AND i.quantity > 0
		ORDER BY i.expiry_date ASC`, cutoff)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

// AdjustQuantity is a single guarded UPDATE: it either applies the whole
// delta or matches no row. The row lock it takes is held until the enclosing
// transaction ends, so concurrent reservations serialize on the record.
func (r *repoPG) AdjustQuantity(ctx context.Context, id uuid.UUID, delta int) (*Record, error) {
	var rec Record
	err := r.conn(ctx).QueryRow(ctx, `
		WITH adjusted AS (
			UPDATE inventory SET quantity = quantity + $2, updated_at = NOW()
			WHERE id = $1 AND quantity + $2 >= 0
			RETURNING *
		)
		SELECT a.id, a.medication_id, m.name, a.quantity, a.expiry_date, a.unit_price,
			a.supplier, a.created_at, a.updated_at
		FROM adjusted a JOIN medication m ON m.id = a.medication_id`,
		id, delta,
	).Scan(&rec.ID, &rec.MedicationID, &rec.MedicationName, &rec.Quantity, &rec.ExpiryDate,
		&rec.UnitPrice, &rec.Supplier, &rec.CreatedAt, &rec.UpdatedAt)
	if err == nil {
		return &rec, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	var medicationID uuid.UUID
	var available int
	err = r.conn(ctx).QueryRow(ctx,
		`SELECT medication_id, quantity FROM inventory WHERE id = $1`, id).Scan(&medicationID, &available)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.NotFound("inventory record")
	}
	if err != nil {
		return nil, err
	}
	return nil, &apperr.InsufficientStockError{MedicationID: medicationID, Available: available, Requested: -delta}
}
