package authkit

import (
	"github.com/gin-gonic/gin"

	"github.com/tyemirov/rideauth/pkg/sessionvalidator"
)

const accessClaimsContextKey = sessionvalidator.DefaultContextKey

// RequireAccessToken validates the bearer access token and injects claims.
func RequireAccessToken(tokenIssuer *AccessTokenIssuer) gin.HandlerFunc {
	return tokenIssuer.validator.GinMiddleware(accessClaimsContextKey)
}

// ClaimsFromContext returns the claims injected by RequireAccessToken.
func ClaimsFromContext(contextGin *gin.Context) (*AccessClaims, bool) {
	return sessionvalidator.ClaimsFromContext(contextGin, accessClaimsContextKey)
}
