// Package authkittest provides behavioural suites shared by every authkit store backend.
package authkittest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tyemirov/rideauth/internal/authkit"
)

// RefreshStoreFactory returns an empty store for a single subtest.
type RefreshStoreFactory func(t *testing.T) authkit.RefreshTokenStore

// AccountStoreFactory returns an empty store for a single subtest.
type AccountStoreFactory func(t *testing.T) authkit.AccountStore

// ConcurrentConsumers is the number of goroutines racing on one refresh token.
const ConcurrentConsumers = 8

// Credential builds a refresh credential that expires at expiresAt.
func Credential(subjectID string, tokenHash string, expiresAt time.Time) authkit.RefreshCredential {
	return authkit.RefreshCredential{
		SubjectID: subjectID,
		TokenHash: tokenHash,
		CreatedAt: expiresAt.Add(-time.Hour),
		ExpiresAt: expiresAt,
	}
}

func referenceTime() time.Time {
	return time.Now().UTC().Add(time.Hour).Truncate(time.Millisecond)
}

// RunRefreshTokenStoreContract exercises replace, consume, expiry, revoke, and race semantics.
func RunRefreshTokenStoreContract(t *testing.T, newStore RefreshStoreFactory) {
	t.Helper()
	ctx := context.Background()

	t.Run("unknown and empty hashes", func(t *testing.T) {
		store := newStore(t)
		if _, err := store.Consume(ctx, "missing-hash", referenceTime()); !errors.Is(err, authkit.ErrRefreshTokenNotFound) {
			t.Fatalf("expected ErrRefreshTokenNotFound, got %v", err)
		}
		if _, err := store.Consume(ctx, "", referenceTime()); !errors.Is(err, authkit.ErrRefreshTokenEmptyHash) {
			t.Fatalf("expected ErrRefreshTokenEmptyHash, got %v", err)
		}
		if err := store.Replace(ctx, Credential("", "hash", referenceTime())); err == nil {
			t.Fatalf("expected replace without subject to fail")
		}
		if err := store.Replace(ctx, Credential("subject", "", referenceTime())); !errors.Is(err, authkit.ErrRefreshTokenEmptyHash) {
			t.Fatalf("expected ErrRefreshTokenEmptyHash, got %v", err)
		}
	})

	t.Run("consume once", func(t *testing.T) {
		store := newStore(t)
		expiresAt := referenceTime()
		if err := store.Replace(ctx, Credential("subject-a", "hash-a1", expiresAt)); err != nil {
			t.Fatalf("replace failed: %v", err)
		}
		consumed, err := store.Consume(ctx, "hash-a1", expiresAt.Add(-time.Minute))
		if err != nil {
			t.Fatalf("consume failed: %v", err)
		}
		if consumed.SubjectID != "subject-a" || consumed.TokenHash != "hash-a1" {
			t.Fatalf("unexpected credential: %#v", consumed)
		}
		if !consumed.ExpiresAt.Equal(expiresAt) {
			t.Fatalf("expected expiry %v, got %v", expiresAt, consumed.ExpiresAt)
		}
		replayed, replayErr := store.Consume(ctx, "hash-a1", expiresAt.Add(-time.Minute))
		if !errors.Is(replayErr, authkit.ErrRefreshTokenConsumed) {
			t.Fatalf("expected ErrRefreshTokenConsumed, got %v", replayErr)
		}
		if replayed.SubjectID != "subject-a" {
			t.Fatalf("expected replay to report the owning subject, got %q", replayed.SubjectID)
		}
	})

	t.Run("rotation keeps reuse detectable", func(t *testing.T) {
		store := newStore(t)
		expiresAt := referenceTime()
		now := expiresAt.Add(-time.Minute)
		if err := store.Replace(ctx, Credential("subject-b", "hash-b1", expiresAt)); err != nil {
			t.Fatalf("replace failed: %v", err)
		}
		if _, err := store.Consume(ctx, "hash-b1", now); err != nil {
			t.Fatalf("consume failed: %v", err)
		}
		if err := store.Replace(ctx, Credential("subject-b", "hash-b2", expiresAt)); err != nil {
			t.Fatalf("rotation failed: %v", err)
		}
		replayed, replayErr := store.Consume(ctx, "hash-b1", now)
		if !errors.Is(replayErr, authkit.ErrRefreshTokenConsumed) {
			t.Fatalf("expected rotated token replay to be ErrRefreshTokenConsumed, got %v", replayErr)
		}
		if replayed.SubjectID != "subject-b" {
			t.Fatalf("expected replay to report subject-b, got %q", replayed.SubjectID)
		}
		if _, err := store.Consume(ctx, "hash-b2", now); err != nil {
			t.Fatalf("expected rotated token to be live, got %v", err)
		}
	})

	t.Run("single active credential per subject", func(t *testing.T) {
		store := newStore(t)
		expiresAt := referenceTime()
		now := expiresAt.Add(-time.Minute)
		if err := store.Replace(ctx, Credential("subject-c", "hash-c1", expiresAt)); err != nil {
			t.Fatalf("replace failed: %v", err)
		}
		if err := store.Replace(ctx, Credential("subject-c", "hash-c2", expiresAt)); err != nil {
			t.Fatalf("replace failed: %v", err)
		}
		if err := store.Replace(ctx, Credential("subject-other", "hash-other", expiresAt)); err != nil {
			t.Fatalf("replace failed: %v", err)
		}
		if _, err := store.Consume(ctx, "hash-c1", now); !errors.Is(err, authkit.ErrRefreshTokenNotFound) {
			t.Fatalf("expected superseded token to be unknown, got %v", err)
		}
		if _, err := store.Consume(ctx, "hash-c2", now); err != nil {
			t.Fatalf("expected latest token to be live, got %v", err)
		}
		if _, err := store.Consume(ctx, "hash-other", now); err != nil {
			t.Fatalf("expected other subject to be unaffected, got %v", err)
		}
	})

	t.Run("expiry boundary", func(t *testing.T) {
		store := newStore(t)
		expiresAt := referenceTime()
		if err := store.Replace(ctx, Credential("subject-d", "hash-d1", expiresAt)); err != nil {
			t.Fatalf("replace failed: %v", err)
		}
		if _, err := store.Consume(ctx, "hash-d1", expiresAt.Add(-time.Millisecond)); err != nil {
			t.Fatalf("expected token valid one millisecond before expiry, got %v", err)
		}

		if err := store.Replace(ctx, Credential("subject-d", "hash-d2", expiresAt)); err != nil {
			t.Fatalf("replace failed: %v", err)
		}
		expired, err := store.Consume(ctx, "hash-d2", expiresAt)
		if !errors.Is(err, authkit.ErrRefreshTokenExpired) {
			t.Fatalf("expected ErrRefreshTokenExpired at expiry, got %v", err)
		}
		if expired.SubjectID != "subject-d" {
			t.Fatalf("expected expired credential to report subject-d, got %q", expired.SubjectID)
		}
		if _, err := store.Consume(ctx, "hash-d2", expiresAt); !errors.Is(err, authkit.ErrRefreshTokenNotFound) {
			t.Fatalf("expected expired credential to be removed, got %v", err)
		}

		if err := store.Replace(ctx, Credential("subject-d", "hash-d3", expiresAt)); err != nil {
			t.Fatalf("replace failed: %v", err)
		}
		if _, err := store.Consume(ctx, "hash-d3", expiresAt.Add(time.Millisecond)); !errors.Is(err, authkit.ErrRefreshTokenExpired) {
			t.Fatalf("expected ErrRefreshTokenExpired after expiry, got %v", err)
		}
	})

	t.Run("revoke", func(t *testing.T) {
		store := newStore(t)
		expiresAt := referenceTime()
		now := expiresAt.Add(-time.Minute)
		if err := store.Replace(ctx, Credential("subject-e", "hash-e1", expiresAt)); err != nil {
			t.Fatalf("replace failed: %v", err)
		}
		if _, err := store.Consume(ctx, "hash-e1", now); err != nil {
			t.Fatalf("consume failed: %v", err)
		}
		if err := store.Replace(ctx, Credential("subject-e", "hash-e2", expiresAt)); err != nil {
			t.Fatalf("replace failed: %v", err)
		}
		if err := store.Revoke(ctx, "subject-e"); err != nil {
			t.Fatalf("revoke failed: %v", err)
		}
		if _, err := store.Consume(ctx, "hash-e2", now); !errors.Is(err, authkit.ErrRefreshTokenNotFound) {
			t.Fatalf("expected revoked token to be unknown, got %v", err)
		}
		if _, err := store.Consume(ctx, "hash-e1", now); !errors.Is(err, authkit.ErrRefreshTokenNotFound) {
			t.Fatalf("expected revoke to forget consumed history, got %v", err)
		}
		if err := store.Revoke(ctx, "subject-e"); err != nil {
			t.Fatalf("expected repeated revoke to succeed, got %v", err)
		}
		if err := store.Revoke(ctx, "subject-missing"); err != nil {
			t.Fatalf("expected revoke of unknown subject to succeed, got %v", err)
		}
	})

	t.Run("concurrent consumers", func(t *testing.T) {
		store := newStore(t)
		expiresAt := referenceTime()
		now := expiresAt.Add(-time.Minute)
		if err := store.Replace(ctx, Credential("subject-f", "hash-f1", expiresAt)); err != nil {
			t.Fatalf("replace failed: %v", err)
		}
		var (
			waitGroup sync.WaitGroup
			start     = make(chan struct{})
			results   = make(chan error, ConcurrentConsumers)
		)
		for index := 0; index < ConcurrentConsumers; index++ {
			waitGroup.Add(1)
			go func() {
				defer waitGroup.Done()
				<-start
				_, err := store.Consume(ctx, "hash-f1", now)
				results <- err
			}()
		}
		close(start)
		waitGroup.Wait()
		close(results)

		successes := 0
		for err := range results {
			switch {
			case err == nil:
				successes++
			case errors.Is(err, authkit.ErrRefreshTokenConsumed):
			default:
				t.Fatalf("unexpected consume error: %v", err)
			}
		}
		if successes != 1 {
			t.Fatalf("expected exactly one consumer to win, got %d", successes)
		}
	})
}

// RunAccountStoreContract exercises create-once, update, list, and delete semantics.
func RunAccountStoreContract(t *testing.T, newStore AccountStoreFactory) {
	t.Helper()
	ctx := context.Background()
	createdAt := time.Unix(1700000000, 0).UTC()

	t.Run("create once", func(t *testing.T) {
		store := newStore(t)
		if _, err := store.GetAccount(ctx, "subject-1"); !errors.Is(err, authkit.ErrAccountRecordNotFound) {
			t.Fatalf("expected ErrAccountRecordNotFound, got %v", err)
		}
		original := authkit.Account{
			SubjectID:   "subject-1",
			DisplayName: "alice",
			Email:       "alice@example.com",
			Phone:       "+15550100",
			Role:        authkit.RoleUser,
			CreatedAt:   createdAt,
		}
		if err := store.CreateAccount(ctx, original); err != nil {
			t.Fatalf("create failed: %v", err)
		}
		duplicate := original
		duplicate.DisplayName = "mallory"
		duplicate.Role = authkit.RoleAdmin
		if err := store.CreateAccount(ctx, duplicate); !errors.Is(err, authkit.ErrAccountRecordExists) {
			t.Fatalf("expected ErrAccountRecordExists, got %v", err)
		}
		stored, err := store.GetAccount(ctx, "subject-1")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if !accountsEqual(stored, original) {
			t.Fatalf("expected %#v, got %#v", original, stored)
		}
	})

	t.Run("update", func(t *testing.T) {
		store := newStore(t)
		account := authkit.Account{SubjectID: "subject-2", DisplayName: "bob", Email: "bob@example.com", Role: authkit.RoleUser, CreatedAt: createdAt}
		if err := store.CreateAccount(ctx, account); err != nil {
			t.Fatalf("create failed: %v", err)
		}
		account.DisplayName = "bobby"
		account.Phone = "+15550101"
		account.Premium = true
		if err := store.UpdateAccount(ctx, account); err != nil {
			t.Fatalf("update failed: %v", err)
		}
		account.Premium = false
		account.Phone = ""
		if err := store.UpdateAccount(ctx, account); err != nil {
			t.Fatalf("update failed: %v", err)
		}
		stored, err := store.GetAccount(ctx, "subject-2")
		if err != nil {
			t.Fatalf("get failed: %v", err)
		}
		if !accountsEqual(stored, account) {
			t.Fatalf("expected %#v, got %#v", account, stored)
		}
		if err := store.UpdateAccount(ctx, authkit.Account{SubjectID: "subject-missing"}); !errors.Is(err, authkit.ErrAccountRecordNotFound) {
			t.Fatalf("expected ErrAccountRecordNotFound, got %v", err)
		}
	})

	t.Run("list and delete", func(t *testing.T) {
		store := newStore(t)
		for index, subjectID := range []string{"subject-b", "subject-a", "subject-c"} {
			account := authkit.Account{SubjectID: subjectID, DisplayName: subjectID, Email: subjectID + "@example.com", Role: authkit.RoleUser, CreatedAt: createdAt.Add(time.Duration(index) * time.Second)}
			if err := store.CreateAccount(ctx, account); err != nil {
				t.Fatalf("create failed: %v", err)
			}
		}
		accounts, err := store.ListAccounts(ctx)
		if err != nil {
			t.Fatalf("list failed: %v", err)
		}
		if len(accounts) != 3 || accounts[0].SubjectID != "subject-b" || accounts[2].SubjectID != "subject-c" {
			t.Fatalf("expected accounts ordered by creation, got %#v", accounts)
		}
		if err := store.DeleteAccount(ctx, "subject-a"); err != nil {
			t.Fatalf("delete failed: %v", err)
		}
		if err := store.DeleteAccount(ctx, "subject-a"); !errors.Is(err, authkit.ErrAccountRecordNotFound) {
			t.Fatalf("expected ErrAccountRecordNotFound, got %v", err)
		}
		if _, err := store.GetAccount(ctx, "subject-a"); !errors.Is(err, authkit.ErrAccountRecordNotFound) {
			t.Fatalf("expected deleted account to be gone, got %v", err)
		}
	})

	t.Run("concurrent registration", func(t *testing.T) {
		store := newStore(t)
		var (
			waitGroup sync.WaitGroup
			start     = make(chan struct{})
			results   = make(chan error, ConcurrentConsumers)
		)
		for index := 0; index < ConcurrentConsumers; index++ {
			waitGroup.Add(1)
			go func() {
				defer waitGroup.Done()
				<-start
				results <- store.CreateAccount(ctx, authkit.Account{SubjectID: "subject-race", DisplayName: "racer", Email: "racer@example.com", Role: authkit.RoleUser, CreatedAt: createdAt})
			}()
		}
		close(start)
		waitGroup.Wait()
		close(results)

		created := 0
		for err := range results {
			switch {
			case err == nil:
				created++
			case errors.Is(err, authkit.ErrAccountRecordExists):
			default:
				t.Fatalf("unexpected create error: %v", err)
			}
		}
		if created != 1 {
			t.Fatalf("expected exactly one registration to win, got %d", created)
		}
	})
}

func accountsEqual(left authkit.Account, right authkit.Account) bool {
	return left.SubjectID == right.SubjectID &&
		left.DisplayName == right.DisplayName &&
		left.Email == right.Email &&
		left.Phone == right.Phone &&
		left.Role == right.Role &&
		left.Premium == right.Premium &&
		left.CreatedAt.Equal(right.CreatedAt)
}
