package authkit

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

const testAccessIssuer = "rideauth-test"

type fixedClock struct {
	timestamp time.Time
}

func (clock fixedClock) Now() time.Time {
	return clock.timestamp
}

type controllableClock struct {
	mutex   sync.Mutex
	current time.Time
}

func newControllableClock(current time.Time) *controllableClock {
	return &controllableClock{current: current}
}

func (clock *controllableClock) Now() time.Time {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	return clock.current
}

func (clock *controllableClock) Advance(duration time.Duration) {
	clock.mutex.Lock()
	defer clock.mutex.Unlock()
	clock.current = clock.current.Add(duration)
}

var (
	testSigningKeyOnce  sync.Once
	testSigningKeyValue *rsa.PrivateKey
	testSigningKeyError error
)

func testSigningKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	testSigningKeyOnce.Do(func() {
		testSigningKeyValue, testSigningKeyError = rsa.GenerateKey(rand.Reader, 2048)
	})
	if testSigningKeyError != nil {
		t.Fatalf("failed to generate signing key: %v", testSigningKeyError)
	}
	return testSigningKeyValue
}

type fakeIdentityVerifier struct {
	mutex      sync.Mutex
	identities map[string]VerifiedIdentity
	err        error
	calls      int
}

func newFakeIdentityVerifier() *fakeIdentityVerifier {
	return &fakeIdentityVerifier{identities: make(map[string]VerifiedIdentity)}
}

func (verifier *fakeIdentityVerifier) register(assertion string, identity VerifiedIdentity) {
	verifier.mutex.Lock()
	defer verifier.mutex.Unlock()
	verifier.identities[assertion] = identity
}

func (verifier *fakeIdentityVerifier) Verify(ctx context.Context, rawAssertion string) (VerifiedIdentity, error) {
	verifier.mutex.Lock()
	defer verifier.mutex.Unlock()
	verifier.calls++
	if verifier.err != nil {
		return VerifiedIdentity{}, verifier.err
	}
	identity, ok := verifier.identities[rawAssertion]
	if !ok {
		return VerifiedIdentity{}, errors.New("identity.fake.unknown_assertion")
	}
	return identity, nil
}

type blockingIdentityVerifier struct{}

func (blockingIdentityVerifier) Verify(ctx context.Context, rawAssertion string) (VerifiedIdentity, error) {
	<-ctx.Done()
	return VerifiedIdentity{}, ctx.Err()
}

type failingAccountStore struct {
	*MemoryAccountStore
	getErr    error
	createErr error
}

func (store *failingAccountStore) GetAccount(ctx context.Context, subjectID string) (Account, error) {
	if store.getErr != nil {
		return Account{}, store.getErr
	}
	return store.MemoryAccountStore.GetAccount(ctx, subjectID)
}

func (store *failingAccountStore) CreateAccount(ctx context.Context, account Account) error {
	if store.createErr != nil {
		return store.createErr
	}
	return store.MemoryAccountStore.CreateAccount(ctx, account)
}

type failingRefreshStore struct {
	*MemoryRefreshTokenStore
	replaceErr error
	consumeErr error
}

func (store *failingRefreshStore) Replace(ctx context.Context, credential RefreshCredential) error {
	if store.replaceErr != nil {
		return store.replaceErr
	}
	return store.MemoryRefreshTokenStore.Replace(ctx, credential)
}

func (store *failingRefreshStore) Consume(ctx context.Context, tokenHash string, now time.Time) (RefreshCredential, error) {
	if store.consumeErr != nil {
		return RefreshCredential{}, store.consumeErr
	}
	return store.MemoryRefreshTokenStore.Consume(ctx, tokenHash, now)
}

type testHarness struct {
	clock         *controllableClock
	verifier      *fakeIdentityVerifier
	accounts      AccountStore
	refreshStore  RefreshTokenStore
	metrics       *CounterMetrics
	accessTokens  *AccessTokenIssuer
	refreshTokens *RefreshTokenService
	auth          *AuthService
}

type harnessOption func(*testHarness, *AuthServiceConfig)

func withAccountStore(store AccountStore) harnessOption {
	return func(harness *testHarness, configuration *AuthServiceConfig) {
		harness.accounts = store
	}
}

func withRefreshStore(store RefreshTokenStore) harnessOption {
	return func(harness *testHarness, configuration *AuthServiceConfig) {
		harness.refreshStore = store
	}
}

func withRoleBootstrap(bootstrap RoleBootstrap) harnessOption {
	return func(harness *testHarness, configuration *AuthServiceConfig) {
		configuration.RoleBootstrap = bootstrap
	}
}

func withVerifier(verifier IdentityVerifier, timeout time.Duration) harnessOption {
	return func(harness *testHarness, configuration *AuthServiceConfig) {
		configuration.Verifier = verifier
		configuration.VerifierTimeout = timeout
	}
}

func newTestHarness(t *testing.T, logger *zap.Logger, options ...harnessOption) *testHarness {
	t.Helper()
	if logger == nil {
		logger = zaptest.NewLogger(t)
	}
	harness := &testHarness{
		clock:        newControllableClock(time.Unix(1700000000, 0).UTC()),
		verifier:     newFakeIdentityVerifier(),
		accounts:     NewMemoryAccountStore(),
		refreshStore: NewMemoryRefreshTokenStore(),
		metrics:      NewCounterMetrics(),
	}
	configuration := AuthServiceConfig{Verifier: harness.verifier}
	for _, option := range options {
		option(harness, &configuration)
	}

	accessTokens, err := NewAccessTokenIssuer(testSigningKey(t), testAccessIssuer, DefaultAccessTokenTTL, 0, harness.clock)
	if err != nil {
		t.Fatalf("failed to create access token issuer: %v", err)
	}
	refreshTokens, err := NewRefreshTokenService(RefreshTokenServiceConfig{
		Store:    harness.refreshStore,
		Accounts: harness.accounts,
		TTL:      DefaultRefreshTokenTTL,
		Clock:    harness.clock,
		Logger:   logger,
		Metrics:  harness.metrics,
	})
	if err != nil {
		t.Fatalf("failed to create refresh token service: %v", err)
	}
	configuration.Accounts = harness.accounts
	configuration.AccessTokens = accessTokens
	configuration.RefreshTokens = refreshTokens
	configuration.Clock = harness.clock
	configuration.Logger = logger
	configuration.Metrics = harness.metrics
	auth, err := NewAuthService(configuration)
	if err != nil {
		t.Fatalf("failed to create auth service: %v", err)
	}
	harness.accessTokens = accessTokens
	harness.refreshTokens = refreshTokens
	harness.auth = auth
	return harness
}
