package sessionvalidator

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Clock provides the current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

// Now returns the current UTC timestamp.
func (systemClock) Now() time.Time {
	return time.Now().UTC()
}

// Config configures the Validator.
type Config struct {
	PublicKey *rsa.PublicKey
	Issuer    string
	Clock     Clock
	// Leeway tolerates clock skew between issuer and validator. Zero by default.
	Leeway time.Duration
}

// DefaultContextKey is used by GinMiddleware when no explicit key is provided.
const DefaultContextKey = "auth_claims"

const bearerPrefix = "Bearer "

// Sentinel errors exposed by the validator.
var (
	ErrMissingPublicKey = errors.New("session.validator.missing_public_key")
	ErrMissingIssuer    = errors.New("session.validator.missing_issuer")
	ErrMissingToken     = errors.New("session.validator.missing_token")
	ErrMissingBearer    = errors.New("session.validator.missing_bearer")
	ErrInvalidToken     = errors.New("session.validator.invalid_token")
	ErrInvalidIssuer    = errors.New("session.validator.invalid_issuer")
	ErrTokenExpired     = errors.New("session.validator.expired")
)

// Validator validates RS256 access tokens minted by the auth service.
type Validator struct {
	publicKey *rsa.PublicKey
	issuer    string
	clock     Clock
	leeway    time.Duration
}

// Claims represent the account snapshot embedded inside access tokens.
type Claims struct {
	SubjectID        string `json:"uid"`
	Email            string `json:"email"`
	Role             string `json:"role"`
	DisplayName      string `json:"username"`
	Phone            string `json:"phone,omitempty"`
	Premium          bool   `json:"isPremium"`
	AccountCreatedAt string `json:"creationDate"`
	jwt.RegisteredClaims
}

// GetSubjectID returns the account subject identifier.
func (claims *Claims) GetSubjectID() string {
	if claims == nil {
		return ""
	}
	return claims.SubjectID
}

// GetRole returns the role captured when the token was minted.
func (claims *Claims) GetRole() string {
	if claims == nil {
		return ""
	}
	return claims.Role
}

// GetExpiresAt returns the expiry timestamp.
func (claims *Claims) GetExpiresAt() time.Time {
	if claims == nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// New constructs a Validator after validating the supplied configuration.
func New(configuration Config) (*Validator, error) {
	if configuration.PublicKey == nil {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingPublicKey)
	}
	if strings.TrimSpace(configuration.Issuer) == "" {
		return nil, fmt.Errorf("session.validator.new: %w", ErrMissingIssuer)
	}
	clock := configuration.Clock
	if clock == nil {
		clock = systemClock{}
	}
	leeway := configuration.Leeway
	if leeway < 0 {
		leeway = 0
	}
	return &Validator{
		publicKey: configuration.PublicKey,
		issuer:    strings.TrimSpace(configuration.Issuer),
		clock:     clock,
		leeway:    leeway,
	}, nil
}

// ValidateToken validates the provided JWT string and returns the parsed claims.
func (validator *Validator) ValidateToken(tokenString string) (*Claims, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrMissingToken)
	}
	parsedToken, parseErr := jwt.ParseWithClaims(tokenString, &Claims{}, func(parsed *jwt.Token) (interface{}, error) {
		return validator.publicKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}), jwt.WithLeeway(validator.leeway), jwt.WithTimeFunc(func() time.Time {
		return validator.clock.Now()
	}))
	if parseErr != nil {
		if errors.Is(parseErr, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("session.validator.validate_token: %w", ErrTokenExpired)
		}
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	if parsedToken == nil || !parsedToken.Valid {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	claims, ok := parsedToken.Claims.(*Claims)
	if !ok || strings.TrimSpace(claims.SubjectID) == "" {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	if claims.Issuer != validator.issuer {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidIssuer)
	}
	current := validator.clock.Now()
	if claims.ExpiresAt == nil || !current.Before(claims.ExpiresAt.Time.Add(validator.leeway)) {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrTokenExpired)
	}
	if claims.IssuedAt != nil && current.Add(validator.leeway).Before(claims.IssuedAt.Time) {
		return nil, fmt.Errorf("session.validator.validate_token: %w", ErrInvalidToken)
	}
	return claims, nil
}

// ValidateRequest reads the bearer token from the Authorization header and validates it.
func (validator *Validator) ValidateRequest(request *http.Request) (*Claims, error) {
	if request == nil {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingToken)
	}
	tokenString, ok := BearerToken(request.Header.Get("Authorization"))
	if !ok {
		return nil, fmt.Errorf("session.validator.validate_request: %w", ErrMissingBearer)
	}
	return validator.ValidateToken(tokenString)
}

// BearerToken extracts the credential from an Authorization header value.
func BearerToken(headerValue string) (string, bool) {
	trimmed := strings.TrimSpace(headerValue)
	if len(trimmed) < len(bearerPrefix) || !strings.EqualFold(trimmed[:len(bearerPrefix)], bearerPrefix) {
		return "", false
	}
	token := strings.TrimSpace(trimmed[len(bearerPrefix):])
	if token == "" {
		return "", false
	}
	return token, true
}

// GinMiddleware returns a Gin middleware that validates the bearer token and injects claims.
func (validator *Validator) GinMiddleware(contextKey string) gin.HandlerFunc {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	return func(contextGin *gin.Context) {
		claims, err := validator.ValidateRequest(contextGin.Request)
		if err != nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_access_token"})
			return
		}
		contextGin.Set(contextKey, claims)
		contextGin.Next()
	}
}

// ClaimsFromContext returns the claims stored by GinMiddleware.
func ClaimsFromContext(contextGin *gin.Context, contextKey string) (*Claims, bool) {
	if strings.TrimSpace(contextKey) == "" {
		contextKey = DefaultContextKey
	}
	value, found := contextGin.Get(contextKey)
	if !found {
		return nil, false
	}
	claims, ok := value.(*Claims)
	if !ok || claims == nil {
		return nil, false
	}
	return claims, true
}
