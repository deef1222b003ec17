package authkit

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAccountRecordNotFound indicates no account matched the subject id.
	ErrAccountRecordNotFound = errors.New("account_store.not_found")
	// ErrAccountRecordExists indicates an account already exists for the subject id.
	ErrAccountRecordExists = errors.New("account_store.exists")

	// ErrRefreshTokenNotFound indicates no refresh credential matched the token hash.
	ErrRefreshTokenNotFound = errors.New("refresh_store.not_found")
	// ErrRefreshTokenConsumed indicates the matching credential was already consumed.
	ErrRefreshTokenConsumed = errors.New("refresh_store.consumed")
	// ErrRefreshTokenExpired indicates the matching credential was past its expiry and has been removed.
	ErrRefreshTokenExpired = errors.New("refresh_store.expired")
	// ErrRefreshTokenEmptyHash indicates that the provided token hash is empty.
	ErrRefreshTokenEmptyHash = errors.New("refresh_store.empty_token")
)

// AccountStore persists and retrieves accounts.
type AccountStore interface {
	GetAccount(ctx context.Context, subjectID string) (Account, error)
	// CreateAccount inserts account and returns ErrAccountRecordExists when the subject is taken.
	CreateAccount(ctx context.Context, account Account) error
	UpdateAccount(ctx context.Context, account Account) error
	DeleteAccount(ctx context.Context, subjectID string) error
	ListAccounts(ctx context.Context) ([]Account, error)
}

// RefreshCredential is the stored form of a refresh token. The raw value is never persisted.
type RefreshCredential struct {
	SubjectID string
	TokenHash string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// RefreshTokenStore keeps at most one live refresh credential per subject.
type RefreshTokenStore interface {
	// Replace atomically stores credential as the only credential of its subject.
	// A consumed predecessor is remembered so that replaying it reports ErrRefreshTokenConsumed.
	Replace(ctx context.Context, credential RefreshCredential) error
	// Consume atomically validates tokenHash at now and marks it used.
	// It returns ErrRefreshTokenNotFound, ErrRefreshTokenConsumed, or ErrRefreshTokenExpired;
	// the returned credential carries the subject id whenever it is known.
	Consume(ctx context.Context, tokenHash string, now time.Time) (RefreshCredential, error)
	// Revoke removes all refresh state of the subject. Revoking an absent subject is not an error.
	Revoke(ctx context.Context, subjectID string) error
}

var errRefreshMissingSubject = errors.New("refresh_store.missing_subject")
