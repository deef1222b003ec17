// Package web exposes the account resource endpoints and CORS policy of the HTTP server.
package web

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/tyemirov/rideauth/internal/authkit"
)

type accountResponse struct {
	SubjectID    string    `json:"uid"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	Phone        string    `json:"phone"`
	Role         string    `json:"role"`
	IsPremium    bool      `json:"isPremium"`
	CreationDate time.Time `json:"creationDate"`
}

func newAccountResponse(account authkit.Account) accountResponse {
	return accountResponse{
		SubjectID:    account.SubjectID,
		Username:     account.DisplayName,
		Email:        account.Email,
		Phone:        account.Phone,
		Role:         string(account.Role),
		IsPremium:    account.Premium,
		CreationDate: account.CreatedAt,
	}
}

// MountUserRoutes registers the /users resource endpoints behind access token validation.
func MountUserRoutes(router gin.IRouter, accounts *authkit.AccountService, tokenIssuer *authkit.AccessTokenIssuer, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if accounts == nil || tokenIssuer == nil {
		panic("account service and token issuer are required")
	}
	handlers := &userHandlers{accounts: accounts, logger: logger}

	group := router.Group("/users", authkit.RequireAccessToken(tokenIssuer))
	group.GET("", handlers.list)
	group.GET("/:id", handlers.get)
	group.PUT("/:id", handlers.update)
	group.DELETE("/:id", handlers.delete)
	group.GET("/:id/premium", handlers.premiumStatus)
	group.PUT("/:id/premium", handlers.upgradePremium)
	group.POST("/:id/premium/toggle", handlers.toggleSubscription)
}

type userHandlers struct {
	accounts *authkit.AccountService
	logger   *zap.Logger
}

func (handlers *userHandlers) callerClaims(contextGin *gin.Context) (*authkit.AccessClaims, bool) {
	claims, ok := authkit.ClaimsFromContext(contextGin)
	if !ok {
		handlers.logger.Warn("missing auth claims on context",
			zap.String("code", "api.users.missing_claims"))
		contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_access_token"})
		return nil, false
	}
	return claims, true
}

func (handlers *userHandlers) list(contextGin *gin.Context) {
	claims, ok := handlers.callerClaims(contextGin)
	if !ok {
		return
	}
	accounts, err := handlers.accounts.ListAccounts(contextGin.Request.Context(), claims)
	if err != nil {
		authkit.RespondError(contextGin, err)
		return
	}
	payload := make([]accountResponse, 0, len(accounts))
	for _, account := range accounts {
		payload = append(payload, newAccountResponse(account))
	}
	contextGin.JSON(http.StatusOK, payload)
}

func (handlers *userHandlers) get(contextGin *gin.Context) {
	claims, ok := handlers.callerClaims(contextGin)
	if !ok {
		return
	}
	account, err := handlers.accounts.GetAccount(contextGin.Request.Context(), claims, contextGin.Param("id"))
	if err != nil {
		authkit.RespondError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, newAccountResponse(account))
}

func (handlers *userHandlers) update(contextGin *gin.Context) {
	claims, ok := handlers.callerClaims(contextGin)
	if !ok {
		return
	}
	var inbound struct {
		Username *string `json:"username"`
		Phone    *string `json:"phone"`
	}
	if err := contextGin.ShouldBindJSON(&inbound); err != nil {
		contextGin.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_json"})
		return
	}
	account, err := handlers.accounts.UpdateProfile(contextGin.Request.Context(), claims, contextGin.Param("id"), authkit.ProfileUpdate{
		DisplayName: inbound.Username,
		Phone:       inbound.Phone,
	})
	if err != nil {
		authkit.RespondError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, newAccountResponse(account))
}

func (handlers *userHandlers) delete(contextGin *gin.Context) {
	claims, ok := handlers.callerClaims(contextGin)
	if !ok {
		return
	}
	if err := handlers.accounts.DeleteAccount(contextGin.Request.Context(), claims, contextGin.Param("id")); err != nil {
		authkit.RespondError(contextGin, err)
		return
	}
	contextGin.Status(http.StatusNoContent)
}

func (handlers *userHandlers) premiumStatus(contextGin *gin.Context) {
	claims, ok := handlers.callerClaims(contextGin)
	if !ok {
		return
	}
	subjectID := contextGin.Param("id")
	premium, err := handlers.accounts.PremiumStatus(contextGin.Request.Context(), claims, subjectID)
	if err != nil {
		authkit.RespondError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"uid": subjectID, "isPremium": premium})
}

func (handlers *userHandlers) upgradePremium(contextGin *gin.Context) {
	claims, ok := handlers.callerClaims(contextGin)
	if !ok {
		return
	}
	account, tokens, err := handlers.accounts.UpgradeToPremium(contextGin.Request.Context(), claims, contextGin.Param("id"))
	if err != nil {
		authkit.RespondError(contextGin, err)
		return
	}
	response := gin.H{"account": newAccountResponse(account)}
	if tokens != nil {
		response["tokens"] = authkit.NewTokenPairResponse(*tokens)
	}
	contextGin.JSON(http.StatusOK, response)
}

func (handlers *userHandlers) toggleSubscription(contextGin *gin.Context) {
	claims, ok := handlers.callerClaims(contextGin)
	if !ok {
		return
	}
	account, err := handlers.accounts.ToggleSubscription(contextGin.Request.Context(), claims, contextGin.Param("id"))
	if err != nil {
		authkit.RespondError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, newAccountResponse(account))
}
