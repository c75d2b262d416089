package inventory

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/klinik/klinik/internal/platform/apperr"
)

// PriceScale is the number of decimal places the price columns store.
const PriceScale = 2

// CheckPrice rejects negative prices and prices finer than PriceScale, which
// NUMERIC(12,2) would round on write.
func CheckPrice(field string, p decimal.Decimal) error {
	if p.IsNegative() {
		return apperr.Validation("%s must not be negative", field)
	}
	if !p.Equal(p.Round(PriceScale)) {
		return apperr.Validation("%s must have at most %d decimal places, got %s", field, PriceScale, p)
	}
	return nil
}

// Record maps to the inventory table: stock on hand for one medication.
// Quantity is only ever changed through Repository.AdjustQuantity.
type Record struct {
	ID             uuid.UUID       `db:"id" json:"id"`
	MedicationID   uuid.UUID       `db:"medication_id" json:"medication_id"`
	MedicationName string          `db:"medication_name" json:"medication_name,omitempty"`
	Quantity       int             `db:"quantity" json:"quantity"`
	ExpiryDate     *time.Time      `db:"expiry_date" json:"expiry_date,omitempty"`
	UnitPrice      decimal.Decimal `db:"unit_price" json:"unit_price"`
	Supplier       *string         `db:"supplier" json:"supplier,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time       `db:"updated_at" json:"updated_at"`
}

// RestockInput adds units to a medication's stock, creating the record on
// first delivery. Nil fields keep the current values.
type RestockInput struct {
	Quantity   int              `json:"quantity"`
	ExpiryDate *time.Time       `json:"expiry_date,omitempty"`
	UnitPrice  *decimal.Decimal `json:"unit_price,omitempty"`
	Supplier   *string          `json:"supplier,omitempty"`
}

// RecordPatch carries the optional fields of an inventory update.
type RecordPatch struct {
	ExpiryDate *time.Time       `json:"expiry_date,omitempty"`
	UnitPrice  *decimal.Decimal `json:"unit_price,omitempty"`
	Supplier   *string          `json:"supplier,omitempty"`
}

func (p RecordPatch) apply(r *Record) {
	if p.ExpiryDate != nil {
		r.ExpiryDate = p.ExpiryDate
	}
	if p.UnitPrice != nil {
		r.UnitPrice = *p.UnitPrice
	}
	if p.Supplier != nil {
		r.Supplier = p.Supplier
	}
}
