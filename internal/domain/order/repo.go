package order

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Repository interface {
	Create(ctx context.Context, o *Order) error
	// GetForUpdate reads the order and locks it until the transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Order, error)
	// GetForShare reads the order under a shared lock, waiting for any
	// transaction that holds it for update.
	GetForShare(ctx context.Context, id uuid.UUID) (*Order, error)
	Delete(ctx context.Context, id uuid.UUID) error
	SetStatus(ctx context.Context, id uuid.UUID, status Status) (*Order, error)
	RecomputeTotal(ctx context.Context, id uuid.UUID) (decimal.Decimal, error)
	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Order, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Order, int, error)

	AddItem(ctx context.Context, item *Item) error
	GetItem(ctx context.Context, id uuid.UUID) (*Item, error)
	UpdateItem(ctx context.Context, item *Item) error
	DeleteItem(ctx context.Context, id uuid.UUID) error
	GetItems(ctx context.Context, orderID uuid.UUID) ([]*Item, error)
}
