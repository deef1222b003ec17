package authkit

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tyemirov/rideauth/pkg/sessionvalidator"
)

// TokenTypeBearer is the tokenType reported alongside every issued pair.
const TokenTypeBearer = "Bearer"

// TokenPairResponse is the JSON body carrying an issued token pair.
type TokenPairResponse struct {
	AccessToken           string    `json:"accessToken"`
	RefreshToken          string    `json:"refreshToken"`
	AccessTokenExpiresAt  time.Time `json:"accessTokenExpiresAt"`
	RefreshTokenExpiresAt time.Time `json:"refreshTokenExpiresAt"`
	TokenType             string    `json:"tokenType"`
}

// NewTokenPairResponse renders tokens for a response body.
func NewTokenPairResponse(tokens TokenPair) TokenPairResponse {
	return TokenPairResponse{
		AccessToken:           tokens.AccessToken,
		RefreshToken:          tokens.RefreshToken,
		AccessTokenExpiresAt:  tokens.AccessTokenExpiresAt,
		RefreshTokenExpiresAt: tokens.RefreshTokenExpiresAt,
		TokenType:             TokenTypeBearer,
	}
}

// MountAuthRoutes registers /auth/register, /auth/login, /auth/refresh, /auth/logout, and /auth/validate.
func MountAuthRoutes(router gin.IRouter, service *AuthService, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	requireAccessToken := RequireAccessToken(service.AccessTokens())

	router.POST("/auth/register", func(contextGin *gin.Context) {
		assertion, ok := sessionvalidator.BearerToken(contextGin.GetHeader("Authorization"))
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_identity_assertion"})
			return
		}
		var inbound struct {
			Username string `json:"username"`
			Phone    string `json:"phone"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err != nil {
			contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
			return
		}
		tokens, _, err := service.RegisterWithIdentityAssertion(contextGin.Request.Context(), assertion, RegistrationProfile{
			DisplayName: inbound.Username,
			Phone:       inbound.Phone,
		})
		if err != nil {
			RespondError(contextGin, err)
			return
		}
		contextGin.JSON(http.StatusOK, NewTokenPairResponse(tokens))
	})

	router.POST("/auth/login", func(contextGin *gin.Context) {
		assertion, ok := sessionvalidator.BearerToken(contextGin.GetHeader("Authorization"))
		if !ok {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing_identity_assertion"})
			return
		}
		tokens, _, err := service.LoginWithIdentityAssertion(contextGin.Request.Context(), assertion)
		if err != nil {
			RespondError(contextGin, err)
			return
		}
		contextGin.JSON(http.StatusOK, NewTokenPairResponse(tokens))
	})

	router.POST("/auth/refresh", func(contextGin *gin.Context) {
		var inbound struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := contextGin.ShouldBindJSON(&inbound); err != nil || strings.TrimSpace(inbound.RefreshToken) == "" {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_refresh_token"})
			return
		}
		tokens, _, err := service.Refresh(contextGin.Request.Context(), inbound.RefreshToken)
		if err != nil {
			if KindOf(err) == KindUnauthenticated {
				contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_refresh_token"})
				return
			}
			RespondError(contextGin, err)
			return
		}
		contextGin.JSON(http.StatusOK, NewTokenPairResponse(tokens))
	})

	router.POST("/auth/logout", requireAccessToken, func(contextGin *gin.Context) {
		claims, ok := ClaimsFromContext(contextGin)
		if !ok {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		if err := service.Logout(contextGin.Request.Context(), claims.SubjectID); err != nil {
			RespondError(contextGin, err)
			return
		}
		contextGin.Status(http.StatusNoContent)
	})

	router.GET("/auth/validate", requireAccessToken, func(contextGin *gin.Context) {
		claims, ok := ClaimsFromContext(contextGin)
		if !ok {
			contextGin.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		logger.Debug("access token introspected",
			zap.String("code", "auth.validate.success"),
			zap.String("subject_id", claims.SubjectID))
		contextGin.JSON(http.StatusOK, gin.H{
			"status":    "valid",
			"subjectId": claims.SubjectID,
			"email":     claims.Email,
			"role":      claims.Role,
			"username":  claims.DisplayName,
			"isPremium": claims.Premium,
			"expiresAt": claims.GetExpiresAt(),
		})
	})
}
