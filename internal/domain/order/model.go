package order

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order maps to the orders table. Total is derived from the items and is
// only ever written by Repository.RecomputeTotal.
type Order struct {
	ID        uuid.UUID       `db:"id" json:"id"`
	PatientID uuid.UUID       `db:"patient_id" json:"patient_id"`
	Status    Status          `db:"status" json:"status"`
	Total     decimal.Decimal `db:"total" json:"total"`
	Items     []*Item         `json:"items,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

// Item maps to the order_item table.
type Item struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	OrderID        uuid.UUID       `db:"order_id" json:"order_id"`
	MedicationID   uuid.UUID       `db:"medication_id" json:"medication_id"`
	MedicationName string          `db:"medication_name" json:"medication_name,omitempty"`
	Quantity       int             `db:"quantity" json:"quantity"`
	UnitPrice      decimal.Decimal `db:"unit_price" json:"unit_price"`
	Subtotal       decimal.Decimal `db:"subtotal" json:"subtotal"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

func subtotal(quantity int, unitPrice decimal.Decimal) decimal.Decimal {
	return unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
}

// ItemRequest asks for quantity units of a medication. A nil UnitPrice takes
// the price from the medication's inventory record.
type ItemRequest struct {
	MedicationID uuid.UUID        `json:"medication_id"`
	Quantity     int              `json:"quantity"`
	UnitPrice    *decimal.Decimal `json:"unit_price,omitempty"`
}

type ListFilter struct {
	Status Status
}
