package authkit

import (
	"crypto/rsa"
	"time"
)

// ServerConfig configures identity verification, token lifetimes, and timeouts.
type ServerConfig struct {
	IdentityClientID string
	IdentityIssuers  []string
	AccessIssuer     string
	SigningKey       *rsa.PrivateKey
	AccessTokenTTL   time.Duration
	RefreshTokenTTL  time.Duration
	// ClockSkew is the leeway applied when verifying access tokens.
	ClockSkew       time.Duration
	VerifierTimeout time.Duration
	StoreTimeout    time.Duration
	RoleBootstrap   RoleBootstrap
}

const (
	// DefaultAccessTokenTTL bounds the lifetime of minted access tokens.
	DefaultAccessTokenTTL = 2 * time.Hour
	// DefaultRefreshTokenTTL bounds the lifetime of a refresh credential.
	DefaultRefreshTokenTTL = 7 * 24 * time.Hour
	// DefaultVerifierTimeout bounds a single identity verification round trip.
	DefaultVerifierTimeout = 5 * time.Second
	// DefaultStoreTimeout bounds a single store call.
	DefaultStoreTimeout = 3 * time.Second
)
