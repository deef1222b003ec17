package authkit

import (
	"strings"
	"time"
)

// Role is the privilege level recorded on an account.
type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// ParseRole maps a stored role string to a Role, defaulting to RoleUser.
func ParseRole(value string) Role {
	if Role(strings.ToUpper(strings.TrimSpace(value))) == RoleAdmin {
		return RoleAdmin
	}
	return RoleUser
}

// Account is the persisted identity of a rider, keyed by the provider subject id.
type Account struct {
	SubjectID   string
	DisplayName string
	Email       string
	Phone       string
	Role        Role
	Premium     bool
	CreatedAt   time.Time
}

// RegistrationProfile carries the client-supplied fields for a new account.
type RegistrationProfile struct {
	DisplayName string
	Phone       string
}

// ProfileUpdate carries optional profile changes; nil fields are left untouched.
type ProfileUpdate struct {
	DisplayName *string
	Phone       *string
}

// RoleBootstrap maps one reserved display name and email pair to RoleAdmin.
// It seeds an administrator for fresh deployments and is disabled when either field is empty.
type RoleBootstrap struct {
	DisplayName string
	Email       string
}

// Resolve returns the role a new account receives.
func (bootstrap RoleBootstrap) Resolve(displayName string, email string) Role {
	reservedName := strings.TrimSpace(bootstrap.DisplayName)
	reservedEmail := strings.TrimSpace(bootstrap.Email)
	if reservedName == "" || reservedEmail == "" {
		return RoleUser
	}
	if strings.TrimSpace(displayName) == reservedName && strings.EqualFold(strings.TrimSpace(email), reservedEmail) {
		return RoleAdmin
	}
	return RoleUser
}
