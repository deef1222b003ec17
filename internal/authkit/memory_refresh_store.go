package authkit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryRefreshTokenStore is an in-memory store intended for tests and dev.
type MemoryRefreshTokenStore struct {
	mutex      sync.Mutex
	bySubject  map[string]*memoryRefreshRecord
	byHash     map[string]string
	byPrevious map[string]string
}

type memoryRefreshRecord struct {
	credential        RefreshCredential
	consumedAt        time.Time
	previousTokenHash string
}

// NewMemoryRefreshTokenStore creates a new in-memory token store.
func NewMemoryRefreshTokenStore() *MemoryRefreshTokenStore {
	return &MemoryRefreshTokenStore{
		bySubject:  make(map[string]*memoryRefreshRecord),
		byHash:     make(map[string]string),
		byPrevious: make(map[string]string),
	}
}

// Replace stores credential as the only credential of its subject.
func (store *MemoryRefreshTokenStore) Replace(ctx context.Context, credential RefreshCredential) error {
	if err := validateReplacement(credential); err != nil {
		return fmt.Errorf("refresh_store.replace.memory: %w", err)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("refresh_store.replace.memory: %w", err)
	}
	previousTokenHash := ""
	if existing := store.bySubject[credential.SubjectID]; existing != nil {
		if !existing.consumedAt.IsZero() {
			previousTokenHash = existing.credential.TokenHash
		}
		store.forget(existing)
	}
	record := &memoryRefreshRecord{
		credential:        credential,
		previousTokenHash: previousTokenHash,
	}
	store.bySubject[credential.SubjectID] = record
	store.byHash[credential.TokenHash] = credential.SubjectID
	if previousTokenHash != "" {
		store.byPrevious[previousTokenHash] = credential.SubjectID
	}
	return nil
}

// Consume validates tokenHash at now and marks it used in one critical section.
func (store *MemoryRefreshTokenStore) Consume(ctx context.Context, tokenHash string, now time.Time) (RefreshCredential, error) {
	if strings.TrimSpace(tokenHash) == "" {
		return RefreshCredential{}, fmt.Errorf("refresh_store.consume.memory: %w", ErrRefreshTokenEmptyHash)
	}
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if err := ctx.Err(); err != nil {
		return RefreshCredential{}, fmt.Errorf("refresh_store.consume.memory: %w", err)
	}
	subjectID, found := store.byHash[tokenHash]
	if !found {
		if previousSubjectID, wasPrevious := store.byPrevious[tokenHash]; wasPrevious {
			return RefreshCredential{SubjectID: previousSubjectID}, fmt.Errorf("refresh_store.consume.memory: %w", ErrRefreshTokenConsumed)
		}
		return RefreshCredential{}, fmt.Errorf("refresh_store.consume.memory: %w", ErrRefreshTokenNotFound)
	}
	record := store.bySubject[subjectID]
	if !record.consumedAt.IsZero() {
		return RefreshCredential{SubjectID: subjectID}, fmt.Errorf("refresh_store.consume.memory: %w", ErrRefreshTokenConsumed)
	}
	if !now.Before(record.credential.ExpiresAt) {
		store.forget(record)
		delete(store.bySubject, subjectID)
		return RefreshCredential{SubjectID: subjectID}, fmt.Errorf("refresh_store.consume.memory: %w", ErrRefreshTokenExpired)
	}
	record.consumedAt = now
	return record.credential, nil
}

// Revoke removes every refresh record of the subject.
func (store *MemoryRefreshTokenStore) Revoke(ctx context.Context, subjectID string) error {
	store.mutex.Lock()
	defer store.mutex.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("refresh_store.revoke.memory: %w", err)
	}
	if record := store.bySubject[subjectID]; record != nil {
		store.forget(record)
		delete(store.bySubject, subjectID)
	}
	return nil
}

// ActiveCount returns the number of unconsumed credentials held for subjectID.
func (store *MemoryRefreshTokenStore) ActiveCount(subjectID string) int {
	store.mutex.Lock()
	defer store.mutex.Unlock()
	record := store.bySubject[subjectID]
	if record == nil || !record.consumedAt.IsZero() {
		return 0
	}
	return 1
}

func (store *MemoryRefreshTokenStore) forget(record *memoryRefreshRecord) {
	delete(store.byHash, record.credential.TokenHash)
	if record.previousTokenHash != "" {
		delete(store.byPrevious, record.previousTokenHash)
	}
}

func validateReplacement(credential RefreshCredential) error {
	if strings.TrimSpace(credential.SubjectID) == "" {
		return errRefreshMissingSubject
	}
	if strings.TrimSpace(credential.TokenHash) == "" {
		return ErrRefreshTokenEmptyHash
	}
	return nil
}
