package authkit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DatabaseAccountStore persists accounts using GORM.
type DatabaseAccountStore struct {
	db          *gorm.DB
	driverLabel string
}

type accountRecord struct {
	SubjectID     string `gorm:"column:subject_id;primaryKey"`
	DisplayName   string `gorm:"column:display_name;not null"`
	Email         string `gorm:"column:email;index;not null"`
	Phone         string `gorm:"column:phone;not null"`
	Role          string `gorm:"column:role;not null"`
	Premium       bool   `gorm:"column:premium;not null"`
	CreatedAtUnix int64  `gorm:"column:created_at_unix;not null"`
}

func (accountRecord) TableName() string {
	return "accounts"
}

func newAccountRecord(account Account) accountRecord {
	return accountRecord{
		SubjectID:     account.SubjectID,
		DisplayName:   account.DisplayName,
		Email:         account.Email,
		Phone:         account.Phone,
		Role:          string(account.Role),
		Premium:       account.Premium,
		CreatedAtUnix: account.CreatedAt.Unix(),
	}
}

func (record accountRecord) toAccount() Account {
	return Account{
		SubjectID:   record.SubjectID,
		DisplayName: record.DisplayName,
		Email:       record.Email,
		Phone:       record.Phone,
		Role:        ParseRole(record.Role),
		Premium:     record.Premium,
		CreatedAt:   time.Unix(record.CreatedAtUnix, 0).UTC(),
	}
}

func (store *DatabaseAccountStore) GetAccount(ctx context.Context, subjectID string) (Account, error) {
	var record accountRecord
	err := store.db.WithContext(ctx).Where("subject_id = ?", subjectID).Take(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Account{}, fmt.Errorf("account_store.get.%s: %w", store.driverLabel, ErrAccountRecordNotFound)
		}
		return Account{}, fmt.Errorf("account_store.get.%s: %w", store.driverLabel, err)
	}
	return record.toAccount(), nil
}

// CreateAccount inserts the account unless the subject already exists.
func (store *DatabaseAccountStore) CreateAccount(ctx context.Context, account Account) error {
	record := newAccountRecord(account)
	result := store.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if result.Error != nil {
		return fmt.Errorf("account_store.create.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("account_store.create.%s: %w", store.driverLabel, ErrAccountRecordExists)
	}
	return nil
}

// UpdateAccount overwrites the mutable profile fields. Subject id and creation time are immutable.
func (store *DatabaseAccountStore) UpdateAccount(ctx context.Context, account Account) error {
	result := store.db.WithContext(ctx).Model(&accountRecord{}).
		Where("subject_id = ?", account.SubjectID).
		Updates(map[string]interface{}{
			"display_name": account.DisplayName,
			"email":        account.Email,
			"phone":        account.Phone,
			"role":         string(account.Role),
			"premium":      account.Premium,
		})
	if result.Error != nil {
		return fmt.Errorf("account_store.update.%s: %w", store.driverLabel, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("account_store.update.%s: %w", store.driverLabel, ErrAccountRecordNotFound)
	}
	return nil
}

// DeleteAccount removes the account together with its refresh credential.
func (store *DatabaseAccountStore) DeleteAccount(ctx context.Context, subjectID string) error {
	err := store.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("subject_id = ?", subjectID).Delete(&refreshCredentialRecord{}).Error; err != nil {
			return err
		}
		result := tx.Where("subject_id = ?", subjectID).Delete(&accountRecord{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrAccountRecordNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("account_store.delete.%s: %w", store.driverLabel, err)
	}
	return nil
}

func (store *DatabaseAccountStore) ListAccounts(ctx context.Context) ([]Account, error) {
	var records []accountRecord
	if err := store.db.WithContext(ctx).Order("created_at_unix ASC, subject_id ASC").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("account_store.list.%s: %w", store.driverLabel, err)
	}
	accounts := make([]Account, 0, len(records))
	for _, record := range records {
		accounts = append(accounts, record.toAccount())
	}
	return accounts, nil
}
