package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// RefreshTokenServiceConfig wires the refresh token lifecycle.
type RefreshTokenServiceConfig struct {
	Store        RefreshTokenStore
	Accounts     AccountStore
	TTL          time.Duration
	StoreTimeout time.Duration
	Clock        Clock
	Logger       *zap.Logger
	Metrics      MetricsRecorder
}

// RefreshTokenService issues, rotates, and consumes single-use refresh tokens.
type RefreshTokenService struct {
	store        RefreshTokenStore
	accounts     AccountStore
	ttl          time.Duration
	storeTimeout time.Duration
	clock        Clock
	logger       *zap.Logger
	metrics      MetricsRecorder
}

// NewRefreshTokenService validates configuration and applies defaults.
func NewRefreshTokenService(configuration RefreshTokenServiceConfig) (*RefreshTokenService, error) {
	if configuration.Store == nil {
		return nil, errors.New("refresh_service.new: refresh token store is required")
	}
	if configuration.Accounts == nil {
		return nil, errors.New("refresh_service.new: account store is required")
	}
	service := &RefreshTokenService{
		store:        configuration.Store,
		accounts:     configuration.Accounts,
		ttl:          configuration.TTL,
		storeTimeout: configuration.StoreTimeout,
		clock:        configuration.Clock,
		logger:       configuration.Logger,
		metrics:      configuration.Metrics,
	}
	if service.ttl <= 0 {
		service.ttl = DefaultRefreshTokenTTL
	}
	if service.clock == nil {
		service.clock = NewSystemClock()
	}
	if service.logger == nil {
		service.logger = zap.NewNop()
	}
	if service.metrics == nil {
		service.metrics = noopMetrics{}
	}
	return service, nil
}

// IssueAndStore generates a new refresh token for account and supersedes any previous one.
// Only the hash is handed to the store; the raw value is returned to the caller.
func (service *RefreshTokenService) IssueAndStore(ctx context.Context, account Account) (string, time.Time, error) {
	if strings.TrimSpace(account.SubjectID) == "" {
		return "", time.Time{}, errors.New("refresh_service.issue: subject must be non-empty")
	}
	opaque, tokenHash, err := generateRefreshOpaque()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("refresh_service.issue: %w", err)
	}
	createdAt := service.clock.Now().UTC()
	expiresAt := createdAt.Add(service.ttl)

	storeCtx, cancel := withTimeout(ctx, service.storeTimeout)
	defer cancel()
	replaceErr := service.store.Replace(storeCtx, RefreshCredential{
		SubjectID: account.SubjectID,
		TokenHash: tokenHash,
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	})
	if replaceErr != nil {
		return "", time.Time{}, storeFailure(service.logger, "refresh_service.issue", replaceErr)
	}
	return opaque, expiresAt, nil
}

// VerifyAndConsume redeems rawToken exactly once and returns the owning account.
func (service *RefreshTokenService) VerifyAndConsume(ctx context.Context, rawToken string) (Account, error) {
	trimmed := strings.TrimSpace(rawToken)
	if trimmed == "" {
		service.metrics.Increment(MetricRefreshInvalid)
		return Account{}, fmt.Errorf("refresh_service.consume: %w", ErrInvalidRefreshToken)
	}
	now := service.clock.Now().UTC()

	storeCtx, cancel := withTimeout(ctx, service.storeTimeout)
	defer cancel()
	credential, consumeErr := service.store.Consume(storeCtx, hashOpaque(trimmed), now)
	switch {
	case consumeErr == nil:
	case errors.Is(consumeErr, ErrRefreshTokenNotFound), errors.Is(consumeErr, ErrRefreshTokenEmptyHash):
		service.metrics.Increment(MetricRefreshInvalid)
		service.logger.Info("refresh token rejected",
			zap.String("code", MetricRefreshInvalid))
		return Account{}, fmt.Errorf("refresh_service.consume: %w", ErrInvalidRefreshToken)
	case errors.Is(consumeErr, ErrRefreshTokenExpired):
		service.metrics.Increment(MetricRefreshExpired)
		service.logger.Info("refresh token expired",
			zap.String("code", MetricRefreshExpired),
			zap.String("subject_id", credential.SubjectID))
		return Account{}, fmt.Errorf("refresh_service.consume: %w", ErrExpiredRefreshToken)
	case errors.Is(consumeErr, ErrRefreshTokenConsumed):
		service.metrics.Increment(MetricRefreshReuseDetected)
		service.logger.Warn("refresh token reuse detected",
			zap.String("code", MetricRefreshReuseDetected),
			zap.String("subject_id", credential.SubjectID))
		return Account{}, fmt.Errorf("refresh_service.consume: %w", ErrRefreshTokenAlreadyUsed)
	default:
		return Account{}, storeFailure(service.logger, "refresh_service.consume", consumeErr)
	}

	account, accountErr := service.accounts.GetAccount(storeCtx, credential.SubjectID)
	if accountErr != nil {
		if errors.Is(accountErr, ErrAccountRecordNotFound) {
			service.metrics.Increment(MetricRefreshInvalid)
			service.logger.Info("refresh token owner no longer exists",
				zap.String("code", MetricRefreshInvalid),
				zap.String("subject_id", credential.SubjectID))
			return Account{}, fmt.Errorf("refresh_service.consume: %w", ErrInvalidRefreshToken)
		}
		return Account{}, storeFailure(service.logger, "refresh_service.account_lookup", accountErr)
	}
	return account, nil
}

// Revoke drops the refresh state of subjectID.
func (service *RefreshTokenService) Revoke(ctx context.Context, subjectID string) error {
	storeCtx, cancel := withTimeout(ctx, service.storeTimeout)
	defer cancel()
	if err := service.store.Revoke(storeCtx, subjectID); err != nil {
		return storeFailure(service.logger, "refresh_service.revoke", err)
	}
	return nil
}
