package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, r *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	GetByMedication(ctx context.Context, medicationID uuid.UUID) (*Record, error)
	// Update writes expiry, price and supplier. Quantity is left untouched.
	Update(ctx context.Context, r *Record) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context, limit, offset int) ([]*Record, int, error)
	LowStock(ctx context.Context, threshold int) ([]*Record, error)
	ExpiringBefore(ctx context.Context, cutoff time.Time) ([]*Record, error)
	// AdjustQuantity adds delta to the quantity unless the result would be
	// negative, in which case it returns *apperr.InsufficientStockError.
	AdjustQuantity(ctx context.Context, id uuid.UUID, delta int) (*Record, error)
}
