package catalog

import (
	"time"

	"github.com/google/uuid"
)

// Medication maps to the medication table (the drug catalog).
type Medication struct {
	ID           uuid.UUID `db:"id" json:"id"`
	Name         string    `db:"name" json:"name"`
	Category     *string   `db:"category" json:"category,omitempty"`
	Manufacturer *string   `db:"manufacturer" json:"manufacturer,omitempty"`
	Dosage       *string   `db:"dosage" json:"dosage,omitempty"`
	Description  *string   `db:"description" json:"description,omitempty"`
	SideEffects  *string   `db:"side_effects" json:"side_effects,omitempty"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// SearchParams filters medication listings. Name matches case-insensitively
// anywhere in the name; Category must match exactly.
type SearchParams struct {
	Name     string
	Category string
}
