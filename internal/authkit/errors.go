package authkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrorKind classifies failures crossing the auth service boundary.
type ErrorKind string

const (
	KindInternal             ErrorKind = "internal"
	KindUnauthenticated      ErrorKind = "unauthenticated"
	KindAlreadyRegistered    ErrorKind = "already_registered"
	KindAccountNotRegistered ErrorKind = "account_not_registered"
	KindMissingRequiredClaim ErrorKind = "missing_required_claim"
	KindForbidden            ErrorKind = "forbidden"
	KindStoreUnavailable     ErrorKind = "store_unavailable"
	KindNotFound             ErrorKind = "not_found"
	KindInvalidArgument      ErrorKind = "invalid_argument"
)

// Error is a classified auth failure. Sentinels are compared with errors.Is.
type Error struct {
	Kind ErrorKind
	Code string
}

func (authError *Error) Error() string {
	return authError.Code
}

var (
	// ErrIdentityVerification indicates the identity assertion was missing, invalid, expired, or could not be checked.
	ErrIdentityVerification = &Error{Kind: KindUnauthenticated, Code: "auth.identity.invalid"}
	// ErrInvalidToken indicates an access token failed signature or claim checks.
	ErrInvalidToken = &Error{Kind: KindUnauthenticated, Code: "auth.access_token.invalid"}
	// ErrExpiredToken indicates an access token is past its expiry.
	ErrExpiredToken = &Error{Kind: KindUnauthenticated, Code: "auth.access_token.expired"}
	// ErrInvalidRefreshToken indicates the refresh token is unknown.
	ErrInvalidRefreshToken = &Error{Kind: KindUnauthenticated, Code: "auth.refresh.invalid"}
	// ErrExpiredRefreshToken indicates the refresh token expired and was removed.
	ErrExpiredRefreshToken = &Error{Kind: KindUnauthenticated, Code: "auth.refresh.expired"}
	// ErrRefreshTokenAlreadyUsed indicates a consumed refresh token was presented again.
	ErrRefreshTokenAlreadyUsed = &Error{Kind: KindUnauthenticated, Code: "auth.refresh.already_used"}
	// ErrAlreadyRegistered indicates an account exists for the verified subject.
	ErrAlreadyRegistered = &Error{Kind: KindAlreadyRegistered, Code: "auth.register.already_registered"}
	// ErrAccountNotRegistered indicates a verified subject has no account.
	ErrAccountNotRegistered = &Error{Kind: KindAccountNotRegistered, Code: "auth.login.account_not_registered"}
	// ErrMissingEmail indicates the verified identity carries no usable email claim.
	ErrMissingEmail = &Error{Kind: KindMissingRequiredClaim, Code: "auth.identity.missing_email"}
	// ErrForbidden indicates the caller neither owns the resource nor holds a privileged role.
	ErrForbidden = &Error{Kind: KindForbidden, Code: "auth.forbidden"}
	// ErrStoreUnavailable indicates a transient storage failure; callers may retry.
	ErrStoreUnavailable = &Error{Kind: KindStoreUnavailable, Code: "auth.store_unavailable"}
	// ErrIdentityRevocation indicates the external identity could not be revoked.
	ErrIdentityRevocation = &Error{Kind: KindStoreUnavailable, Code: "account.identity_revocation_failed"}
	// ErrAccountNotFound indicates the requested account does not exist.
	ErrAccountNotFound = &Error{Kind: KindNotFound, Code: "account.not_found"}
	// ErrInvalidProfile indicates profile fields failed validation.
	ErrInvalidProfile = &Error{Kind: KindInvalidArgument, Code: "account.invalid_profile"}
)

// KindOf returns the classification of err, or KindInternal for unclassified errors.
func KindOf(err error) ErrorKind {
	var authError *Error
	if errors.As(err, &authError) {
		return authError.Kind
	}
	return KindInternal
}

// storeFailure logs the infrastructure cause and replaces it with ErrStoreUnavailable.
func storeFailure(logger *zap.Logger, operation string, cause error) error {
	logger.Error("store operation failed",
		zap.String("code", operation),
		zap.Error(cause))
	return fmt.Errorf("%s: %w", operation, ErrStoreUnavailable)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}
