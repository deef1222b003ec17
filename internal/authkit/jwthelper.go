package authkit

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/tyemirov/rideauth/pkg/sessionvalidator"
)

// AccessClaims are embedded in every access token.
type AccessClaims = sessionvalidator.Claims

// AccessTokenIssuer mints and verifies RS256 access tokens.
type AccessTokenIssuer struct {
	signingKey *rsa.PrivateKey
	issuer     string
	ttl        time.Duration
	clock      Clock
	validator  *sessionvalidator.Validator
}

// NewAccessTokenIssuer builds an issuer; ttl <= 0 selects DefaultAccessTokenTTL.
func NewAccessTokenIssuer(signingKey *rsa.PrivateKey, issuer string, ttl time.Duration, leeway time.Duration, clock Clock) (*AccessTokenIssuer, error) {
	if signingKey == nil {
		return nil, errors.New("jwt.issuer.new: signing key is required")
	}
	if clock == nil {
		clock = NewSystemClock()
	}
	if ttl <= 0 {
		ttl = DefaultAccessTokenTTL
	}
	issuer = strings.TrimSpace(issuer)
	validator, err := sessionvalidator.New(sessionvalidator.Config{
		PublicKey: &signingKey.PublicKey,
		Issuer:    issuer,
		Clock:     clock,
		Leeway:    leeway,
	})
	if err != nil {
		return nil, fmt.Errorf("jwt.issuer.new: %w", err)
	}
	return &AccessTokenIssuer{
		signingKey: signingKey,
		issuer:     issuer,
		ttl:        ttl,
		clock:      clock,
		validator:  validator,
	}, nil
}

// Mint signs an access token carrying a snapshot of account.
func (tokenIssuer *AccessTokenIssuer) Mint(account Account) (string, time.Time, error) {
	if strings.TrimSpace(account.SubjectID) == "" {
		return "", time.Time{}, errors.New("jwt.mint.failure: subject must be non-empty")
	}
	// NumericDate claims carry whole seconds; the reported expiry must match exp.
	issuedAt := tokenIssuer.clock.Now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(tokenIssuer.ttl)
	createdAt := ""
	if !account.CreatedAt.IsZero() {
		createdAt = account.CreatedAt.UTC().Format(time.RFC3339)
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, AccessClaims{
		SubjectID:        account.SubjectID,
		Email:            account.Email,
		Role:             string(account.Role),
		DisplayName:      account.DisplayName,
		Phone:            account.Phone,
		Premium:          account.Premium,
		AccountCreatedAt: createdAt,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer.issuer,
			Subject:   account.SubjectID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        uuid.NewString(),
		},
	})
	signed, err := token.SignedString(tokenIssuer.signingKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("jwt.mint.failure: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks the token signature, issuer, and expiry.
func (tokenIssuer *AccessTokenIssuer) Verify(tokenString string) (*AccessClaims, error) {
	claims, err := tokenIssuer.validator.ValidateToken(tokenString)
	if err != nil {
		if errors.Is(err, sessionvalidator.ErrTokenExpired) {
			return nil, fmt.Errorf("jwt.verify: %w", ErrExpiredToken)
		}
		return nil, fmt.Errorf("jwt.verify: %w", ErrInvalidToken)
	}
	return claims, nil
}

// PublicKey exposes the verification key for embedding in resource services.
func (tokenIssuer *AccessTokenIssuer) PublicKey() *rsa.PublicKey {
	return &tokenIssuer.signingKey.PublicKey
}

// Issuer returns the configured iss claim.
func (tokenIssuer *AccessTokenIssuer) Issuer() string {
	return tokenIssuer.issuer
}

// TTL returns the access token lifetime.
func (tokenIssuer *AccessTokenIssuer) TTL() time.Duration {
	return tokenIssuer.ttl
}
