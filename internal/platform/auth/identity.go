package auth

import (
	"context"

	"github.com/google/uuid"
)

const (
	RolePatient = "patient"
	RoleDoctor  = "doctor"
	RoleClinic  = "clinic"
	RoleAdmin   = "admin"
)

// Identity is the authenticated caller. UserID is the account; RoleID is the
// patient, doctor or clinic record the account acts as. Admins have no RoleID.
type Identity struct {
	UserID string
	Role   string
	RoleID uuid.UUID
}

func (i Identity) IsAdmin() bool { return i.Role == RoleAdmin }

// Acts reports whether the caller acts as the given role record.
func (i Identity) Acts(role string, id uuid.UUID) bool {
	return i.Role == role && id != uuid.Nil && i.RoleID == id
}

// HasRole reports whether the caller holds any of roles. Admins hold all.
func (i Identity) HasRole(roles ...string) bool {
	if i.IsAdmin() {
		return true
	}
	for _, r := range roles {
		if i.Role == r {
			return true
		}
	}
	return false
}

type identityKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the caller set by the auth middleware.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// UserIDFromContext returns the caller's account id, or "" when anonymous.
func UserIDFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.UserID
}
