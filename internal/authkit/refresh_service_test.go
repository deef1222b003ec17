package authkit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func seedAccount(t *testing.T, store AccountStore, subjectID string) Account {
	t.Helper()
	account := Account{
		SubjectID:   subjectID,
		DisplayName: "rider-" + subjectID,
		Email:       subjectID + "@example.com",
		Role:        RoleUser,
		CreatedAt:   time.Unix(1700000000, 0).UTC(),
	}
	if err := store.CreateAccount(context.Background(), account); err != nil {
		t.Fatalf("failed to seed account: %v", err)
	}
	return account
}

func TestNewRefreshTokenServiceRequiresStores(t *testing.T) {
	t.Parallel()

	if _, err := NewRefreshTokenService(RefreshTokenServiceConfig{Accounts: NewMemoryAccountStore()}); err == nil {
		t.Fatalf("expected error without refresh store")
	}
	if _, err := NewRefreshTokenService(RefreshTokenServiceConfig{Store: NewMemoryRefreshTokenStore()}); err == nil {
		t.Fatalf("expected error without account store")
	}
}

func TestRefreshTokenServiceIssueAndConsume(t *testing.T) {
	harness := newTestHarness(t, nil)
	account := seedAccount(t, harness.accounts, "s1")
	ctx := context.Background()

	token, expiresAt, err := harness.refreshTokens.IssueAndStore(ctx, account)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if !expiresAt.Equal(harness.clock.Now().Add(7 * 24 * time.Hour)) {
		t.Fatalf("expected seven day expiry, got %v", expiresAt)
	}
	owner, err := harness.refreshTokens.VerifyAndConsume(ctx, token)
	if err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if owner.SubjectID != "s1" || owner.Email != account.Email {
		t.Fatalf("unexpected owner: %#v", owner)
	}
	if _, err := harness.refreshTokens.VerifyAndConsume(ctx, token); !errors.Is(err, ErrRefreshTokenAlreadyUsed) {
		t.Fatalf("expected ErrRefreshTokenAlreadyUsed, got %v", err)
	}
	if harness.metrics.Count(MetricRefreshReuseDetected) != 1 {
		t.Fatalf("expected reuse metric to be recorded")
	}
}

func TestRefreshTokenServiceSingleActiveToken(t *testing.T) {
	harness := newTestHarness(t, nil)
	account := seedAccount(t, harness.accounts, "s1")
	ctx := context.Background()

	first, _, err := harness.refreshTokens.IssueAndStore(ctx, account)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	second, _, err := harness.refreshTokens.IssueAndStore(ctx, account)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if first == second {
		t.Fatalf("expected distinct refresh tokens")
	}
	memoryStore := harness.refreshStore.(*MemoryRefreshTokenStore)
	if memoryStore.ActiveCount("s1") != 1 {
		t.Fatalf("expected exactly one live credential")
	}
	if _, err := harness.refreshTokens.VerifyAndConsume(ctx, first); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected superseded token to be invalid, got %v", err)
	}
	if _, err := harness.refreshTokens.VerifyAndConsume(ctx, second); err != nil {
		t.Fatalf("expected latest token to be valid, got %v", err)
	}
}

func TestRefreshTokenServiceExpiryBoundary(t *testing.T) {
	testCases := []struct {
		name      string
		offset    time.Duration
		expectErr error
	}{
		{name: "one millisecond before expiry", offset: -time.Millisecond},
		{name: "at expiry", offset: 0, expectErr: ErrExpiredRefreshToken},
		{name: "one millisecond after expiry", offset: time.Millisecond, expectErr: ErrExpiredRefreshToken},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			harness := newTestHarness(t, nil)
			account := seedAccount(t, harness.accounts, "s1")
			ctx := context.Background()
			token, expiresAt, err := harness.refreshTokens.IssueAndStore(ctx, account)
			if err != nil {
				t.Fatalf("issue failed: %v", err)
			}
			harness.clock.Advance(expiresAt.Sub(harness.clock.Now()) + testCase.offset)

			_, consumeErr := harness.refreshTokens.VerifyAndConsume(ctx, token)
			if testCase.expectErr == nil {
				if consumeErr != nil {
					t.Fatalf("expected success, got %v", consumeErr)
				}
				return
			}
			if !errors.Is(consumeErr, testCase.expectErr) {
				t.Fatalf("expected %v, got %v", testCase.expectErr, consumeErr)
			}
			if _, again := harness.refreshTokens.VerifyAndConsume(ctx, token); !errors.Is(again, ErrInvalidRefreshToken) {
				t.Fatalf("expected expired credential to be deleted, got %v", again)
			}
			if harness.metrics.Count(MetricRefreshExpired) != 1 {
				t.Fatalf("expected expired metric to be recorded once")
			}
		})
	}
}

func TestRefreshTokenServiceConcurrentConsume(t *testing.T) {
	harness := newTestHarness(t, nil)
	account := seedAccount(t, harness.accounts, "s1")
	ctx := context.Background()
	token, _, err := harness.refreshTokens.IssueAndStore(ctx, account)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	const consumers = 16
	var (
		waitGroup sync.WaitGroup
		start     = make(chan struct{})
		results   = make(chan error, consumers)
	)
	for index := 0; index < consumers; index++ {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			<-start
			_, consumeErr := harness.refreshTokens.VerifyAndConsume(ctx, token)
			results <- consumeErr
		}()
	}
	close(start)
	waitGroup.Wait()
	close(results)

	successes := 0
	reused := 0
	for result := range results {
		switch {
		case result == nil:
			successes++
		case errors.Is(result, ErrRefreshTokenAlreadyUsed):
			reused++
		default:
			t.Fatalf("unexpected error: %v", result)
		}
	}
	if successes != 1 || reused != consumers-1 {
		t.Fatalf("expected one winner and %d reuse failures, got %d and %d", consumers-1, successes, reused)
	}
}

func TestRefreshTokenServiceReuseIsLoggedAsSecurityEvent(t *testing.T) {
	core, recorded := observer.New(zapcore.InfoLevel)
	harness := newTestHarness(t, zap.New(core))
	account := seedAccount(t, harness.accounts, "s1")
	ctx := context.Background()

	token, _, err := harness.refreshTokens.IssueAndStore(ctx, account)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if _, err := harness.refreshTokens.VerifyAndConsume(ctx, token); err != nil {
		t.Fatalf("consume failed: %v", err)
	}
	if _, _, err := harness.refreshTokens.IssueAndStore(ctx, account); err != nil {
		t.Fatalf("rotation failed: %v", err)
	}
	if _, err := harness.refreshTokens.VerifyAndConsume(ctx, token); !errors.Is(err, ErrRefreshTokenAlreadyUsed) {
		t.Fatalf("expected ErrRefreshTokenAlreadyUsed after rotation, got %v", err)
	}

	reuseEntries := recorded.FilterField(zap.String("code", MetricRefreshReuseDetected)).All()
	if len(reuseEntries) != 1 {
		t.Fatalf("expected one reuse log entry, got %d", len(reuseEntries))
	}
	if reuseEntries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected reuse to be logged at warn level, got %s", reuseEntries[0].Level)
	}
	if reuseEntries[0].ContextMap()["subject_id"] != "s1" {
		t.Fatalf("expected reuse log to carry the subject id, got %#v", reuseEntries[0].ContextMap())
	}
	if len(recorded.FilterField(zap.String("code", MetricRefreshExpired)).All()) != 0 {
		t.Fatalf("reuse must be distinguishable from expiry")
	}
}

func TestRefreshTokenServiceRejectsUnknownAndEmpty(t *testing.T) {
	harness := newTestHarness(t, nil)
	ctx := context.Background()

	for _, value := range []string{"", "   ", "never-issued"} {
		_, err := harness.refreshTokens.VerifyAndConsume(ctx, value)
		if !errors.Is(err, ErrInvalidRefreshToken) {
			t.Fatalf("expected ErrInvalidRefreshToken for %q, got %v", value, err)
		}
	}
	if harness.metrics.Count(MetricRefreshInvalid) != 3 {
		t.Fatalf("expected three invalid refresh events, got %d", harness.metrics.Count(MetricRefreshInvalid))
	}
}

func TestRefreshTokenServiceDeletedOwner(t *testing.T) {
	harness := newTestHarness(t, nil)
	account := seedAccount(t, harness.accounts, "s1")
	ctx := context.Background()
	token, _, err := harness.refreshTokens.IssueAndStore(ctx, account)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if err := harness.accounts.DeleteAccount(ctx, "s1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := harness.refreshTokens.VerifyAndConsume(ctx, token); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected ErrInvalidRefreshToken for deleted owner, got %v", err)
	}
}

func TestRefreshTokenServiceStoreFailures(t *testing.T) {
	failingStore := &failingRefreshStore{MemoryRefreshTokenStore: NewMemoryRefreshTokenStore()}
	harness := newTestHarness(t, nil, withRefreshStore(failingStore))
	account := seedAccount(t, harness.accounts, "s1")
	ctx := context.Background()

	failingStore.replaceErr = errors.New("connection refused")
	_, _, err := harness.refreshTokens.IssueAndStore(ctx, account)
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if errors.Is(err, failingStore.replaceErr) {
		t.Fatalf("infrastructure cause must not cross the service boundary")
	}

	failingStore.consumeErr = context.DeadlineExceeded
	if _, err := harness.refreshTokens.VerifyAndConsume(ctx, "token"); !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable on timeout, got %v", err)
	}
}

func TestRefreshTokenServiceRevoke(t *testing.T) {
	harness := newTestHarness(t, nil)
	account := seedAccount(t, harness.accounts, "s1")
	ctx := context.Background()
	token, _, err := harness.refreshTokens.IssueAndStore(ctx, account)
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	if err := harness.refreshTokens.Revoke(ctx, "s1"); err != nil {
		t.Fatalf("revoke failed: %v", err)
	}
	if _, err := harness.refreshTokens.VerifyAndConsume(ctx, token); !errors.Is(err, ErrInvalidRefreshToken) {
		t.Fatalf("expected revoked token to be invalid, got %v", err)
	}
}
