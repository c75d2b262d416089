package auth

import (
	"context"

	"github.com/google/uuid"
)

// Roles recognised by the clinic back office.
const (
	RolePatient    = "pasien"
	RoleDoctor     = "dokter"
	RoleAdmin      = "admin"
	RolePharmacist = "apoteker"
)

var validRoles = map[string]bool{
	RolePatient: true, RoleDoctor: true, RoleAdmin: true, RolePharmacist: true,
}

// Actor is the authenticated caller. ProfileID is the role-specific profile
// (the patient record for a pasien) and may be uuid.Nil for staff accounts.
type Actor struct {
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	ProfileID uuid.UUID `json:"profile_id"`
}

func (a Actor) IsPatient() bool { return a.Role == RolePatient }

// CanActForPatient reports whether the actor may touch data owned by patientID.
// Staff roles may act for any patient; a patient only for their own profile.
func (a Actor) CanActForPatient(patientID uuid.UUID) bool {
	if !a.IsPatient() {
		return true
	}
	return a.ProfileID != uuid.Nil && a.ProfileID == patientID
}

type contextKey string

const ActorKey contextKey = "actor"

func WithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, ActorKey, a)
}

// ActorFromContext returns the actor stored by the auth middleware.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(ActorKey).(Actor)
	return a, ok
}
