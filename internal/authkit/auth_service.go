package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	maxDisplayNameLength = 64
	maxPhoneLength       = 32
)

// TokenPair is returned by every successful authentication.
type TokenPair struct {
	AccessToken           string
	AccessTokenExpiresAt  time.Time
	RefreshToken          string
	RefreshTokenExpiresAt time.Time
}

// AuthServiceConfig wires AuthService collaborators.
type AuthServiceConfig struct {
	Verifier        IdentityVerifier
	Accounts        AccountStore
	AccessTokens    *AccessTokenIssuer
	RefreshTokens   *RefreshTokenService
	RoleBootstrap   RoleBootstrap
	VerifierTimeout time.Duration
	StoreTimeout    time.Duration
	Clock           Clock
	Logger          *zap.Logger
	Metrics         MetricsRecorder
}

// AuthService orchestrates login, registration, refresh rotation, and logout.
type AuthService struct {
	verifier        IdentityVerifier
	accounts        AccountStore
	accessTokens    *AccessTokenIssuer
	refreshTokens   *RefreshTokenService
	roleBootstrap   RoleBootstrap
	verifierTimeout time.Duration
	storeTimeout    time.Duration
	clock           Clock
	logger          *zap.Logger
	metrics         MetricsRecorder
}

// NewAuthService validates configuration and applies defaults.
func NewAuthService(configuration AuthServiceConfig) (*AuthService, error) {
	switch {
	case configuration.Verifier == nil:
		return nil, errors.New("auth_service.new: identity verifier is required")
	case configuration.Accounts == nil:
		return nil, errors.New("auth_service.new: account store is required")
	case configuration.AccessTokens == nil:
		return nil, errors.New("auth_service.new: access token issuer is required")
	case configuration.RefreshTokens == nil:
		return nil, errors.New("auth_service.new: refresh token service is required")
	}
	service := &AuthService{
		verifier:        configuration.Verifier,
		accounts:        configuration.Accounts,
		accessTokens:    configuration.AccessTokens,
		refreshTokens:   configuration.RefreshTokens,
		roleBootstrap:   configuration.RoleBootstrap,
		verifierTimeout: configuration.VerifierTimeout,
		storeTimeout:    configuration.StoreTimeout,
		clock:           configuration.Clock,
		logger:          configuration.Logger,
		metrics:         configuration.Metrics,
	}
	if service.verifierTimeout <= 0 {
		service.verifierTimeout = DefaultVerifierTimeout
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

// AccessTokens exposes the issuer used to mint and verify access tokens.
func (service *AuthService) AccessTokens() *AccessTokenIssuer {
	return service.accessTokens
}

// LoginWithIdentityAssertion authenticates an existing account. It never registers.
func (service *AuthService) LoginWithIdentityAssertion(ctx context.Context, rawAssertion string) (TokenPair, Account, error) {
	identity, err := service.verify(ctx, rawAssertion)
	if err != nil {
		service.metrics.Increment(MetricLoginFailure)
		return TokenPair{}, Account{}, err
	}
	account, found, lookupErr := service.lookupAccount(ctx, identity.SubjectID)
	if lookupErr != nil {
		service.metrics.Increment(MetricLoginFailure)
		return TokenPair{}, Account{}, lookupErr
	}
	if !found {
		service.metrics.Increment(MetricLoginFailure)
		service.logger.Info("login for unregistered subject",
			zap.String("code", "auth.login.account_not_registered"),
			zap.String("subject_id", identity.SubjectID))
		return TokenPair{}, Account{}, fmt.Errorf("auth_service.login: %w", ErrAccountNotRegistered)
	}
	tokens, issueErr := service.IssueTokens(ctx, account)
	if issueErr != nil {
		service.metrics.Increment(MetricLoginFailure)
		return TokenPair{}, Account{}, issueErr
	}
	service.metrics.Increment(MetricLoginSuccess)
	service.logger.Info("login succeeded",
		zap.String("code", MetricLoginSuccess),
		zap.String("subject_id", account.SubjectID))
	return tokens, account, nil
}

// RegisterWithIdentityAssertion creates the account of a verified identity and authenticates it.
// An existing account is never overwritten.
func (service *AuthService) RegisterWithIdentityAssertion(ctx context.Context, rawAssertion string, profile RegistrationProfile) (TokenPair, Account, error) {
	identity, err := service.verify(ctx, rawAssertion)
	if err != nil {
		service.metrics.Increment(MetricRegisterFailure)
		return TokenPair{}, Account{}, err
	}
	_, found, lookupErr := service.lookupAccount(ctx, identity.SubjectID)
	if lookupErr != nil {
		service.metrics.Increment(MetricRegisterFailure)
		return TokenPair{}, Account{}, lookupErr
	}
	if found {
		service.metrics.Increment(MetricRegisterFailure)
		return TokenPair{}, Account{}, fmt.Errorf("auth_service.register: %w", ErrAlreadyRegistered)
	}
	if identity.Email == "" {
		service.metrics.Increment(MetricRegisterFailure)
		return TokenPair{}, Account{}, fmt.Errorf("auth_service.register: %w", ErrMissingEmail)
	}
	displayName := strings.TrimSpace(profile.DisplayName)
	if displayName == "" {
		displayName = strings.TrimSpace(identity.DisplayName)
	}
	phone := strings.TrimSpace(profile.Phone)
	if validateErr := validateProfileFields(displayName, phone); validateErr != nil {
		service.metrics.Increment(MetricRegisterFailure)
		return TokenPair{}, Account{}, fmt.Errorf("auth_service.register: %w", validateErr)
	}

	account := Account{
		SubjectID:   identity.SubjectID,
		DisplayName: displayName,
		Email:       identity.Email,
		Phone:       phone,
		Role:        service.roleBootstrap.Resolve(displayName, identity.Email),
		CreatedAt:   service.clock.Now().UTC().Truncate(time.Second),
	}
	storeCtx, cancel := withTimeout(ctx, service.storeTimeout)
	createErr := service.accounts.CreateAccount(storeCtx, account)
	cancel()
	if createErr != nil {
		service.metrics.Increment(MetricRegisterFailure)
		if errors.Is(createErr, ErrAccountRecordExists) {
			return TokenPair{}, Account{}, fmt.Errorf("auth_service.register: %w", ErrAlreadyRegistered)
		}
		return TokenPair{}, Account{}, storeFailure(service.logger, "auth_service.register", createErr)
	}

	tokens, issueErr := service.IssueTokens(ctx, account)
	if issueErr != nil {
		service.metrics.Increment(MetricRegisterFailure)
		return TokenPair{}, Account{}, issueErr
	}
	service.metrics.Increment(MetricRegisterSuccess)
	service.logger.Info("account registered",
		zap.String("code", MetricRegisterSuccess),
		zap.String("subject_id", account.SubjectID),
		zap.String("email", redactEmail(account.Email)),
		zap.String("role", string(account.Role)))
	return tokens, account, nil
}

// Refresh consumes rawRefreshToken and returns a rotated token pair.
func (service *AuthService) Refresh(ctx context.Context, rawRefreshToken string) (TokenPair, Account, error) {
	account, err := service.refreshTokens.VerifyAndConsume(ctx, rawRefreshToken)
	if err != nil {
		return TokenPair{}, Account{}, err
	}
	tokens, issueErr := service.IssueTokens(ctx, account)
	if issueErr != nil {
		return TokenPair{}, Account{}, issueErr
	}
	service.metrics.Increment(MetricRefreshSuccess)
	service.logger.Debug("refresh token rotated",
		zap.String("code", MetricRefreshSuccess),
		zap.String("subject_id", account.SubjectID))
	return tokens, account, nil
}

// Logout revokes the refresh state of subjectID. Access tokens stay valid until they expire.
func (service *AuthService) Logout(ctx context.Context, subjectID string) error {
	if err := service.refreshTokens.Revoke(ctx, subjectID); err != nil {
		return err
	}
	service.metrics.Increment(MetricLogoutSuccess)
	service.logger.Info("logout",
		zap.String("code", MetricLogoutSuccess),
		zap.String("subject_id", subjectID))
	return nil
}

// IssueTokens mints an access token from account and rotates its refresh token.
func (service *AuthService) IssueTokens(ctx context.Context, account Account) (TokenPair, error) {
	accessToken, accessExpiresAt, mintErr := service.accessTokens.Mint(account)
	if mintErr != nil {
		return TokenPair{}, fmt.Errorf("auth_service.issue_tokens: %w", mintErr)
	}
	refreshToken, refreshExpiresAt, refreshErr := service.refreshTokens.IssueAndStore(ctx, account)
	if refreshErr != nil {
		return TokenPair{}, refreshErr
	}
	return TokenPair{
		AccessToken:           accessToken,
		AccessTokenExpiresAt:  accessExpiresAt,
		RefreshToken:          refreshToken,
		RefreshTokenExpiresAt: refreshExpiresAt,
	}, nil
}

// VerifyAccessToken returns the claims of a valid access token.
func (service *AuthService) VerifyAccessToken(token string) (*AccessClaims, error) {
	return service.accessTokens.Verify(token)
}

// AuthorizeSelfOrPrivileged applies the ownership rule to claims.
func (service *AuthService) AuthorizeSelfOrPrivileged(claims *AccessClaims, resourceOwnerID string) error {
	return AuthorizeSelfOrPrivileged(claims, resourceOwnerID)
}

func (service *AuthService) verify(ctx context.Context, rawAssertion string) (VerifiedIdentity, error) {
	if strings.TrimSpace(rawAssertion) == "" {
		return VerifiedIdentity{}, fmt.Errorf("auth_service.verify: %w", ErrIdentityVerification)
	}
	verifyCtx, cancel := withTimeout(ctx, service.verifierTimeout)
	defer cancel()
	identity, err := service.verifier.Verify(verifyCtx, rawAssertion)
	if err != nil {
		service.logger.Info("identity assertion rejected",
			zap.String("code", "auth.identity.rejected"),
			zap.Error(err))
		return VerifiedIdentity{}, fmt.Errorf("auth_service.verify: %w", ErrIdentityVerification)
	}
	if strings.TrimSpace(identity.SubjectID) == "" {
		return VerifiedIdentity{}, fmt.Errorf("auth_service.verify: %w", ErrIdentityVerification)
	}
	return identity, nil
}

func (service *AuthService) lookupAccount(ctx context.Context, subjectID string) (Account, bool, error) {
	storeCtx, cancel := withTimeout(ctx, service.storeTimeout)
	defer cancel()
	account, err := service.accounts.GetAccount(storeCtx, subjectID)
	if err != nil {
		if errors.Is(err, ErrAccountRecordNotFound) {
			return Account{}, false, nil
		}
		return Account{}, false, storeFailure(service.logger, "auth_service.account_lookup", err)
	}
	return account, true, nil
}

func validateProfileFields(displayName string, phone string) error {
	if displayName == "" || utf8.RuneCountInString(displayName) > maxDisplayNameLength {
		return ErrInvalidProfile
	}
	if utf8.RuneCountInString(phone) > maxPhoneLength {
		return ErrInvalidProfile
	}
	return nil
}
