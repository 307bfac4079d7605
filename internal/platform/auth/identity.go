package auth

import (
	"context"
	"strings"
)

// Roles recognised by the order API. Staff act on any order; donors on their own.
const (
	RoleDonor = "donor"
	RoleStaff = "staff"
)

// Identity is the authenticated caller decoded from a Firebase ID token.
type Identity struct {
	UID   string
	Email string
	Roles []string
}

// HasRole reports whether the identity carries role (case-insensitive).
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	role = normaliseRole(role)
	for _, r := range i.Roles {
		if normaliseRole(r) == role {
			return true
		}
	}
	return false
}

// IsStaff reports whether the identity may act on orders it does not own.
func (i *Identity) IsStaff() bool {
	return i.HasRole(RoleStaff)
}

// ActorID formats the identity for audit trails, e.g. "staff:uid-1".
func (i *Identity) ActorID() string {
	if i == nil || strings.TrimSpace(i.UID) == "" {
		return ""
	}
	if i.IsStaff() {
		return RoleStaff + ":" + i.UID
	}
	return RoleDonor + ":" + i.UID
}

type identityContextKey struct{}

// WithIdentity stores the identity for downstream handlers.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, identity)
}

// IdentityFromContext retrieves the identity stored by the middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityContextKey{}).(*Identity)
	if !ok || identity == nil {
		return nil, false
	}
	return identity, true
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
