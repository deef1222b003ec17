package authkitpg

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tyemirov/rideauth/internal/authkit"
)

var errMissingSubject = errors.New("refresh_store.missing_subject")

// PostgresRefreshTokenStore keeps one refresh credential row per subject in PostgreSQL.
type PostgresRefreshTokenStore struct {
	pool *pgxpool.Pool
}

// NewPostgresRefreshTokenStore constructs a Postgres store.
func NewPostgresRefreshTokenStore(pool *pgxpool.Pool) *PostgresRefreshTokenStore {
	return &PostgresRefreshTokenStore{pool: pool}
}

// Replace upserts the subject row. A consumed predecessor hash is kept for reuse detection.
func (store *PostgresRefreshTokenStore) Replace(ctx context.Context, credential authkit.RefreshCredential) error {
	if strings.TrimSpace(credential.SubjectID) == "" {
		return fmt.Errorf("refresh_store.replace.pgx: %w", errMissingSubject)
	}
	if strings.TrimSpace(credential.TokenHash) == "" {
		return fmt.Errorf("refresh_store.replace.pgx: %w", authkit.ErrRefreshTokenEmptyHash)
	}
	_, err := store.pool.Exec(ctx, `
INSERT INTO refresh_credentials (subject_id, token_hash, previous_token_hash, created_at_unix_ms, expires_at_unix_ms, consumed_at_unix_ms)
VALUES ($1, $2, '', $3, $4, 0)
ON CONFLICT (subject_id) DO UPDATE SET
    previous_token_hash = CASE WHEN refresh_credentials.consumed_at_unix_ms <> 0 THEN refresh_credentials.token_hash ELSE '' END,
    token_hash = EXCLUDED.token_hash,
    created_at_unix_ms = EXCLUDED.created_at_unix_ms,
    expires_at_unix_ms = EXCLUDED.expires_at_unix_ms,
    consumed_at_unix_ms = 0
`, credential.SubjectID, credential.TokenHash, credential.CreatedAt.UnixMilli(), credential.ExpiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("refresh_store.replace.pgx: %w", err)
	}
	return nil
}

// Consume marks the credential used with a compare-and-set update. When the update
// matches nothing, the failure is classified under a row lock in the same transaction.
func (store *PostgresRefreshTokenStore) Consume(ctx context.Context, tokenHash string, now time.Time) (authkit.RefreshCredential, error) {
	if strings.TrimSpace(tokenHash) == "" {
		return authkit.RefreshCredential{}, fmt.Errorf("refresh_store.consume.pgx: %w", authkit.ErrRefreshTokenEmptyHash)
	}
	nowUnixMs := now.UnixMilli()
	var (
		credential authkit.RefreshCredential
		outcome    error
	)
	err := pgx.BeginFunc(ctx, store.pool, func(tx pgx.Tx) error {
		var createdAtUnixMs, expiresAtUnixMs int64
		updateErr := tx.QueryRow(ctx, `
UPDATE refresh_credentials
SET consumed_at_unix_ms = $2
WHERE token_hash = $1 AND consumed_at_unix_ms = 0 AND expires_at_unix_ms > $2
RETURNING subject_id, created_at_unix_ms, expires_at_unix_ms
`, tokenHash, nowUnixMs).Scan(&credential.SubjectID, &createdAtUnixMs, &expiresAtUnixMs)
		if updateErr == nil {
			credential.TokenHash = tokenHash
			credential.CreatedAt = time.UnixMilli(createdAtUnixMs).UTC()
			credential.ExpiresAt = time.UnixMilli(expiresAtUnixMs).UTC()
			return nil
		}
		if !errors.Is(updateErr, pgx.ErrNoRows) {
			return updateErr
		}

		var consumedAtUnixMs int64
		selectErr := tx.QueryRow(ctx, `
SELECT subject_id, expires_at_unix_ms, consumed_at_unix_ms
FROM refresh_credentials
WHERE token_hash = $1
FOR UPDATE
`, tokenHash).Scan(&credential.SubjectID, &expiresAtUnixMs, &consumedAtUnixMs)
		switch {
		case selectErr == nil && consumedAtUnixMs == 0 && nowUnixMs >= expiresAtUnixMs:
			if _, deleteErr := tx.Exec(ctx, `DELETE FROM refresh_credentials WHERE subject_id = $1 AND token_hash = $2`, credential.SubjectID, tokenHash); deleteErr != nil {
				return deleteErr
			}
			outcome = authkit.ErrRefreshTokenExpired
			return nil
		case selectErr == nil:
			outcome = authkit.ErrRefreshTokenConsumed
			return nil
		case !errors.Is(selectErr, pgx.ErrNoRows):
			return selectErr
		}

		previousErr := tx.QueryRow(ctx, `SELECT subject_id FROM refresh_credentials WHERE previous_token_hash = $1`, tokenHash).Scan(&credential.SubjectID)
		switch {
		case previousErr == nil:
			outcome = authkit.ErrRefreshTokenConsumed
		case errors.Is(previousErr, pgx.ErrNoRows):
			outcome = authkit.ErrRefreshTokenNotFound
		default:
			return previousErr
		}
		return nil
	})
	if err != nil {
		return authkit.RefreshCredential{}, fmt.Errorf("refresh_store.consume.pgx: %w", err)
	}
	if outcome != nil {
		return authkit.RefreshCredential{SubjectID: credential.SubjectID}, fmt.Errorf("refresh_store.consume.pgx: %w", outcome)
	}
	return credential, nil
}

// Revoke deletes the subject row.
func (store *PostgresRefreshTokenStore) Revoke(ctx context.Context, subjectID string) error {
	if _, err := store.pool.Exec(ctx, `DELETE FROM refresh_credentials WHERE subject_id = $1`, subjectID); err != nil {
		return fmt.Errorf("refresh_store.revoke.pgx: %w", err)
	}
	return nil
}
