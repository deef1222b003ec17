package authkit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/idtoken"
)

// VerifiedIdentity is the outcome of a successful identity assertion check.
type VerifiedIdentity struct {
	SubjectID string
	// Email is empty when the provider omitted it or did not mark it verified.
	Email       string
	DisplayName string
}

// IdentityVerifier validates externally issued identity assertions.
type IdentityVerifier interface {
	Verify(ctx context.Context, rawAssertion string) (VerifiedIdentity, error)
}

// IdentityRevoker removes the external identity when an account is deleted.
type IdentityRevoker interface {
	RevokeIdentity(ctx context.Context, subjectID string) error
}

// GoogleTokenValidator abstracts idtoken validation so tests can inject fakes.
type GoogleTokenValidator interface {
	Validate(ctx context.Context, idToken string, audience string) (*idtoken.Payload, error)
}

// NewGoogleTokenValidator constructs the default Google ID token validator.
func NewGoogleTokenValidator(ctx context.Context) (GoogleTokenValidator, error) {
	validator, err := idtoken.NewValidator(ctx)
	if err != nil {
		return nil, fmt.Errorf("identity.google.validator: %w", err)
	}
	return validator, nil
}

// DefaultGoogleIssuers lists the issuer values Google places in ID tokens.
var DefaultGoogleIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

var (
	errIdentityEmptyAssertion = errors.New("identity.empty_assertion")
	errIdentityInvalidIssuer  = errors.New("identity.invalid_issuer")
	errIdentityMissingSubject = errors.New("identity.missing_subject")
)

// GoogleIdentityVerifier checks Google-issued ID tokens against a client id and an issuer allowlist.
type GoogleIdentityVerifier struct {
	validator GoogleTokenValidator
	audience  string
	issuers   map[string]struct{}
}

// NewGoogleIdentityVerifier builds a verifier; an empty issuer list falls back to DefaultGoogleIssuers.
func NewGoogleIdentityVerifier(validator GoogleTokenValidator, audience string, issuers []string) (*GoogleIdentityVerifier, error) {
	if validator == nil {
		return nil, errors.New("identity.google.new: validator is required")
	}
	if strings.TrimSpace(audience) == "" {
		return nil, errors.New("identity.google.new: audience is required")
	}
	if len(issuers) == 0 {
		issuers = DefaultGoogleIssuers
	}
	allowed := make(map[string]struct{}, len(issuers))
	for _, issuer := range issuers {
		trimmed := strings.TrimSpace(issuer)
		if trimmed != "" {
			allowed[trimmed] = struct{}{}
		}
	}
	return &GoogleIdentityVerifier{
		validator: validator,
		audience:  strings.TrimSpace(audience),
		issuers:   allowed,
	}, nil
}

// Verify validates the assertion signature, audience, expiry, and issuer.
func (verifier *GoogleIdentityVerifier) Verify(ctx context.Context, rawAssertion string) (VerifiedIdentity, error) {
	if strings.TrimSpace(rawAssertion) == "" {
		return VerifiedIdentity{}, errIdentityEmptyAssertion
	}
	payload, err := verifier.validator.Validate(ctx, rawAssertion, verifier.audience)
	if err != nil {
		return VerifiedIdentity{}, fmt.Errorf("identity.google.validate: %w", err)
	}
	issuerValue := payload.Issuer
	if issuerValue == "" {
		issuerValue, _ = payload.Claims["iss"].(string)
	}
	if _, ok := verifier.issuers[issuerValue]; !ok {
		return VerifiedIdentity{}, errIdentityInvalidIssuer
	}
	subjectID := payload.Subject
	if subjectID == "" {
		subjectID, _ = payload.Claims["sub"].(string)
	}
	if strings.TrimSpace(subjectID) == "" {
		return VerifiedIdentity{}, errIdentityMissingSubject
	}
	email, _ := payload.Claims["email"].(string)
	emailVerified, _ := payload.Claims["email_verified"].(bool)
	if !emailVerified {
		email = ""
	}
	displayName, _ := payload.Claims["name"].(string)
	return VerifiedIdentity{
		SubjectID:   subjectID,
		Email:       strings.TrimSpace(email),
		DisplayName: displayName,
	}, nil
}
