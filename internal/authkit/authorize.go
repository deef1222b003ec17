package authkit

import (
	"fmt"
	"strings"
)

// AuthorizeSelfOrPrivileged succeeds iff the caller owns the resource or holds RoleAdmin.
// Every resource-owning operation goes through this check.
func AuthorizeSelfOrPrivileged(claims *AccessClaims, resourceOwnerID string) error {
	if claims == nil {
		return fmt.Errorf("authorize.self_or_privileged: %w", ErrForbidden)
	}
	if Role(claims.Role) == RoleAdmin {
		return nil
	}
	callerID := strings.TrimSpace(claims.SubjectID)
	if callerID != "" && callerID == resourceOwnerID {
		return nil
	}
	return fmt.Errorf("authorize.self_or_privileged: %w", ErrForbidden)
}

// RequirePrivileged succeeds only for RoleAdmin callers.
func RequirePrivileged(claims *AccessClaims) error {
	if claims == nil || Role(claims.Role) != RoleAdmin {
		return fmt.Errorf("authorize.privileged: %w", ErrForbidden)
	}
	return nil
}
