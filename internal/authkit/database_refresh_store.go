package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DatabaseRefreshTokenStore persists one refresh credential row per subject using GORM.
type DatabaseRefreshTokenStore struct {
	db          *gorm.DB
	driverLabel string
}

// Driver exposes the selected database driver label.
func (store *DatabaseRefreshTokenStore) Driver() string {
	return store.driverLabel
}

type refreshCredentialRecord struct {
	SubjectID         string `gorm:"column:subject_id;primaryKey"`
	TokenHash         string `gorm:"column:token_hash;uniqueIndex;not null"`
	PreviousTokenHash string `gorm:"column:previous_token_hash;index;not null"`
	CreatedAtUnixMs   int64  `gorm:"column:created_at_unix_ms;not null"`
	ExpiresAtUnixMs   int64  `gorm:"column:expires_at_unix_ms;not null"`
	ConsumedAtUnixMs  int64  `gorm:"column:consumed_at_unix_ms;not null"`
}

func (refreshCredentialRecord) TableName() string {
	return "refresh_credentials"
}

func (record refreshCredentialRecord) toCredential() RefreshCredential {
	return RefreshCredential{
		SubjectID: record.SubjectID,
		TokenHash: record.TokenHash,
		CreatedAt: time.UnixMilli(record.CreatedAtUnixMs).UTC(),
		ExpiresAt: time.UnixMilli(record.ExpiresAtUnixMs).UTC(),
	}
}

// Replace upserts the subject row in a single statement. A consumed predecessor hash
// moves to previous_token_hash; an unconsumed one is discarded.
func (store *DatabaseRefreshTokenStore) Replace(ctx context.Context, credential RefreshCredential) error {
	if err := validateReplacement(credential); err != nil {
		return fmt.Errorf("refresh_store.replace.%s: %w", store.driverLabel, err)
	}
	record := refreshCredentialRecord{
		SubjectID:       credential.SubjectID,
		TokenHash:       credential.TokenHash,
		CreatedAtUnixMs: credential.CreatedAt.UnixMilli(),
		ExpiresAtUnixMs: credential.ExpiresAt.UnixMilli(),
	}
	err := store.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "subject_id"}},
		DoUpdates: clause.Set{
			{
				Column: clause.Column{Name: "previous_token_hash"},
				Value:  gorm.Expr("CASE WHEN refresh_credentials.consumed_at_unix_ms <> 0 THEN refresh_credentials.token_hash ELSE '' END"),
			},
			{Column: clause.Column{Name: "token_hash"}, Value: gorm.Expr("excluded.token_hash")},
			{Column: clause.Column{Name: "created_at_unix_ms"}, Value: gorm.Expr("excluded.created_at_unix_ms")},
			{Column: clause.Column{Name: "expires_at_unix_ms"}, Value: gorm.Expr("excluded.expires_at_unix_ms")},
			{Column: clause.Column{Name: "consumed_at_unix_ms"}, Value: 0},
		},
	}).Create(&record).Error
	if err != nil {
		return fmt.Errorf("refresh_store.replace.%s: %w", store.driverLabel, err)
	}
	return nil
}

type consumeOutcome struct {
	credential RefreshCredential
	err        error
}

// Consume validates and marks the credential inside one transaction. The conditional
// update on consumed_at_unix_ms guarantees a single winner among concurrent callers.
func (store *DatabaseRefreshTokenStore) Consume(ctx context.Context, tokenHash string, now time.Time) (RefreshCredential, error) {
	if strings.TrimSpace(tokenHash) == "" {
		return RefreshCredential{}, fmt.Errorf("refresh_store.consume.%s: %w", store.driverLabel, ErrRefreshTokenEmptyHash)
	}
	nowUnixMs := now.UnixMilli()
	var outcome consumeOutcome
	transactionErr := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record refreshCredentialRecord
		findErr := tx.Where("token_hash = ?", tokenHash).Take(&record).Error
		if errors.Is(findErr, gorm.ErrRecordNotFound) {
			var successor refreshCredentialRecord
			previousErr := tx.Where("previous_token_hash = ?", tokenHash).Take(&successor).Error
			switch {
			case previousErr == nil:
				outcome = consumeOutcome{credential: RefreshCredential{SubjectID: successor.SubjectID}, err: ErrRefreshTokenConsumed}
				return nil
			case errors.Is(previousErr, gorm.ErrRecordNotFound):
				outcome = consumeOutcome{err: ErrRefreshTokenNotFound}
				return nil
			default:
				return previousErr
			}
		}
		if findErr != nil {
			return findErr
		}
		if record.ConsumedAtUnixMs != 0 {
			outcome = consumeOutcome{credential: RefreshCredential{SubjectID: record.SubjectID}, err: ErrRefreshTokenConsumed}
			return nil
		}
		if nowUnixMs >= record.ExpiresAtUnixMs {
			if deleteErr := tx.Where("subject_id = ? AND token_hash = ?", record.SubjectID, tokenHash).Delete(&refreshCredentialRecord{}).Error; deleteErr != nil {
				return deleteErr
			}
			outcome = consumeOutcome{credential: RefreshCredential{SubjectID: record.SubjectID}, err: ErrRefreshTokenExpired}
			return nil
		}
		result := tx.Model(&refreshCredentialRecord{}).
			Where("token_hash = ? AND consumed_at_unix_ms = 0", tokenHash).
			Update("consumed_at_unix_ms", nowUnixMs)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			outcome = consumeOutcome{credential: RefreshCredential{SubjectID: record.SubjectID}, err: ErrRefreshTokenConsumed}
			return nil
		}
		outcome = consumeOutcome{credential: record.toCredential()}
		return nil
	})
	if transactionErr != nil {
		return RefreshCredential{}, fmt.Errorf("refresh_store.consume.%s: %w", store.driverLabel, transactionErr)
	}
	if outcome.err != nil {
		return outcome.credential, fmt.Errorf("refresh_store.consume.%s: %w", store.driverLabel, outcome.err)
	}
	return outcome.credential, nil
}

// Revoke deletes the subject row, including its consumed history.
func (store *DatabaseRefreshTokenStore) Revoke(ctx context.Context, subjectID string) error {
	if err := store.db.WithContext(ctx).Where("subject_id = ?", subjectID).Delete(&refreshCredentialRecord{}).Error; err != nil {
		return fmt.Errorf("refresh_store.revoke.%s: %w", store.driverLabel, err)
	}
	return nil
}
