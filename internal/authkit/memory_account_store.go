package authkit

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryAccountStore keeps accounts in process memory.
type MemoryAccountStore struct {
	mutex    sync.RWMutex
	accounts map[string]Account
}

// NewMemoryAccountStore constructs an empty store.
func NewMemoryAccountStore() *MemoryAccountStore {
	return &MemoryAccountStore{accounts: make(map[string]Account)}
}

func (store *MemoryAccountStore) GetAccount(ctx context.Context, subjectID string) (Account, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	account, found := store.accounts[subjectID]
	if !found {
		return Account{}, fmt.Errorf("account_store.get.memory: %w", ErrAccountRecordNotFound)
	}
	return account, nil
}

func (store *MemoryAccountStore) CreateAccount(ctx context.Context, account Account) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, exists := store.accounts[account.SubjectID]; exists {
		return fmt.Errorf("account_store.create.memory: %w", ErrAccountRecordExists)
	}
	store.accounts[account.SubjectID] = account
	return nil
}

func (store *MemoryAccountStore) UpdateAccount(ctx context.Context, account Account) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	existing, found := store.accounts[account.SubjectID]
	if !found {
		return fmt.Errorf("account_store.update.memory: %w", ErrAccountRecordNotFound)
	}
	account.CreatedAt = existing.CreatedAt
	store.accounts[account.SubjectID] = account
	return nil
}

func (store *MemoryAccountStore) DeleteAccount(ctx context.Context, subjectID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	if _, found := store.accounts[subjectID]; !found {
		return fmt.Errorf("account_store.delete.memory: %w", ErrAccountRecordNotFound)
	}
	delete(store.accounts, subjectID)
	return nil
}

func (store *MemoryAccountStore) ListAccounts(ctx context.Context) ([]Account, error) {
	store.mutex.RLock()
	defer store.mutex.RUnlock()
	accounts := make([]Account, 0, len(store.accounts))
	for _, account := range store.accounts {
		accounts = append(accounts, account)
	}
	sort.Slice(accounts, func(left, right int) bool {
		if accounts[left].CreatedAt.Equal(accounts[right].CreatedAt) {
			return accounts[left].SubjectID < accounts[right].SubjectID
		}
		return accounts[left].CreatedAt.Before(accounts[right].CreatedAt)
	})
	return accounts, nil
}
