package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// AccountServiceConfig wires AccountService collaborators.
type AccountServiceConfig struct {
	Accounts     AccountStore
	Auth         *AuthService
	Revoker      IdentityRevoker
	StoreTimeout time.Duration
	Logger       *zap.Logger
}

// AccountService is the resource service for account profiles. Every operation
// is gated by AuthorizeSelfOrPrivileged or RequirePrivileged.
type AccountService struct {
	accounts     AccountStore
	auth         *AuthService
	revoker      IdentityRevoker
	storeTimeout time.Duration
	logger       *zap.Logger
}

// NewAccountService validates configuration. Revoker is optional.
func NewAccountService(configuration AccountServiceConfig) (*AccountService, error) {
	if configuration.Accounts == nil {
		return nil, errors.New("account_service.new: account store is required")
	}
	if configuration.Auth == nil {
		return nil, errors.New("account_service.new: auth service is required")
	}
	logger := configuration.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AccountService{
		accounts:     configuration.Accounts,
		auth:         configuration.Auth,
		revoker:      configuration.Revoker,
		storeTimeout: configuration.StoreTimeout,
		logger:       logger,
	}, nil
}

// GetAccount returns the account of subjectID.
func (service *AccountService) GetAccount(ctx context.Context, caller *AccessClaims, subjectID string) (Account, error) {
	if err := AuthorizeSelfOrPrivileged(caller, subjectID); err != nil {
		return Account{}, err
	}
	return service.load(ctx, subjectID)
}

// ListAccounts returns every account; administrators only.
func (service *AccountService) ListAccounts(ctx context.Context, caller *AccessClaims) ([]Account, error) {
	if err := RequirePrivileged(caller); err != nil {
		return nil, err
	}
	storeCtx, cancel := withTimeout(ctx, service.storeTimeout)
	defer cancel()
	accounts, err := service.accounts.ListAccounts(storeCtx)
	if err != nil {
		return nil, storeFailure(service.logger, "account_service.list", err)
	}
	return accounts, nil
}

// UpdateProfile applies the non-nil fields of update.
func (service *AccountService) UpdateProfile(ctx context.Context, caller *AccessClaims, subjectID string, update ProfileUpdate) (Account, error) {
	if err := AuthorizeSelfOrPrivileged(caller, subjectID); err != nil {
		return Account{}, err
	}
	account, err := service.load(ctx, subjectID)
	if err != nil {
		return Account{}, err
	}
	if update.DisplayName != nil {
		account.DisplayName = strings.TrimSpace(*update.DisplayName)
	}
	if update.Phone != nil {
		account.Phone = strings.TrimSpace(*update.Phone)
	}
	if validateErr := validateProfileFields(account.DisplayName, account.Phone); validateErr != nil {
		return Account{}, fmt.Errorf("account_service.update_profile: %w", validateErr)
	}
	if saveErr := service.save(ctx, account); saveErr != nil {
		return Account{}, saveErr
	}
	return account, nil
}

// PremiumStatus reports whether subjectID has a premium subscription.
func (service *AccountService) PremiumStatus(ctx context.Context, caller *AccessClaims, subjectID string) (bool, error) {
	if err := AuthorizeSelfOrPrivileged(caller, subjectID); err != nil {
		return false, err
	}
	account, err := service.load(ctx, subjectID)
	if err != nil {
		return false, err
	}
	return account.Premium, nil
}

// UpgradeToPremium marks subjectID as premium. When callers upgrade themselves a fresh
// token pair is returned so their access token reflects the new flag.
func (service *AccountService) UpgradeToPremium(ctx context.Context, caller *AccessClaims, subjectID string) (Account, *TokenPair, error) {
	if err := AuthorizeSelfOrPrivileged(caller, subjectID); err != nil {
		return Account{}, nil, err
	}
	account, err := service.load(ctx, subjectID)
	if err != nil {
		return Account{}, nil, err
	}
	if !account.Premium {
		account.Premium = true
		if saveErr := service.save(ctx, account); saveErr != nil {
			return Account{}, nil, saveErr
		}
		service.logger.Info("premium enabled",
			zap.String("code", "account.premium.enabled"),
			zap.String("subject_id", subjectID))
	}
	if caller.SubjectID != subjectID {
		return account, nil, nil
	}
	tokens, issueErr := service.auth.IssueTokens(ctx, account)
	if issueErr != nil {
		return Account{}, nil, issueErr
	}
	return account, &tokens, nil
}

// ToggleSubscription flips the premium flag of subjectID; administrators only.
func (service *AccountService) ToggleSubscription(ctx context.Context, caller *AccessClaims, subjectID string) (Account, error) {
	if err := RequirePrivileged(caller); err != nil {
		return Account{}, err
	}
	account, err := service.load(ctx, subjectID)
	if err != nil {
		return Account{}, err
	}
	account.Premium = !account.Premium
	if saveErr := service.save(ctx, account); saveErr != nil {
		return Account{}, saveErr
	}
	service.logger.Info("subscription toggled",
		zap.String("code", "account.premium.toggled"),
		zap.String("subject_id", subjectID),
		zap.String("actor_id", caller.SubjectID),
		zap.Bool("premium", account.Premium))
	return account, nil
}

// DeleteAccount revokes local refresh state, revokes the external identity when a
// revoker is configured, and deletes the account.
func (service *AccountService) DeleteAccount(ctx context.Context, caller *AccessClaims, subjectID string) error {
	if err := AuthorizeSelfOrPrivileged(caller, subjectID); err != nil {
		return err
	}
	if _, err := service.load(ctx, subjectID); err != nil {
		return err
	}
	if err := service.auth.refreshTokens.Revoke(ctx, subjectID); err != nil {
		return err
	}
	if service.revoker != nil {
		if err := service.revoker.RevokeIdentity(ctx, subjectID); err != nil {
			service.logger.Error("identity revocation failed",
				zap.String("code", "account.identity_revocation_failed"),
				zap.String("subject_id", subjectID),
				zap.Error(err))
			return fmt.Errorf("account_service.delete: %w", ErrIdentityRevocation)
		}
	}
	storeCtx, cancel := withTimeout(ctx, service.storeTimeout)
	defer cancel()
	if err := service.accounts.DeleteAccount(storeCtx, subjectID); err != nil {
		if errors.Is(err, ErrAccountRecordNotFound) {
			return fmt.Errorf("account_service.delete: %w", ErrAccountNotFound)
		}
		return storeFailure(service.logger, "account_service.delete", err)
	}
	service.logger.Info("account deleted",
		zap.String("code", "account.deleted"),
		zap.String("subject_id", subjectID),
		zap.String("actor_id", caller.SubjectID))
	return nil
}

func (service *AccountService) load(ctx context.Context, subjectID string) (Account, error) {
	storeCtx, cancel := withTimeout(ctx, service.storeTimeout)
	defer cancel()
	account, err := service.accounts.GetAccount(storeCtx, subjectID)
	if err != nil {
		if errors.Is(err, ErrAccountRecordNotFound) {
			return Account{}, fmt.Errorf("account_service.load: %w", ErrAccountNotFound)
		}
		return Account{}, storeFailure(service.logger, "account_service.load", err)
	}
	return account, nil
}

func (service *AccountService) save(ctx context.Context, account Account) error {
	storeCtx, cancel := withTimeout(ctx, service.storeTimeout)
	defer cancel()
	if err := service.accounts.UpdateAccount(storeCtx, account); err != nil {
		if errors.Is(err, ErrAccountRecordNotFound) {
			return fmt.Errorf("account_service.save: %w", ErrAccountNotFound)
		}
		return storeFailure(service.logger, "account_service.save", err)
	}
	return nil
}
