package authkit

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// statusForError maps an error kind to its HTTP status and public error code.
// Unregistered subjects share the unauthenticated response so login does not confirm enrollment.
func statusForError(err error) (int, string) {
	switch KindOf(err) {
	case KindUnauthenticated, KindAccountNotRegistered:
		return http.StatusUnauthorized, "unauthenticated"
	case KindAlreadyRegistered:
		return http.StatusConflict, "already_registered"
	case KindMissingRequiredClaim:
		return http.StatusBadRequest, "missing_email"
	case KindInvalidArgument:
		return http.StatusBadRequest, "invalid_request"
	case KindForbidden:
		return http.StatusForbidden, "forbidden"
	case KindNotFound:
		return http.StatusNotFound, "not_found"
	case KindStoreUnavailable:
		return http.StatusServiceUnavailable, "service_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// RespondError aborts the request with the JSON error body for err.
func RespondError(contextGin *gin.Context, err error) {
	status, code := statusForError(err)
	contextGin.AbortWithStatusJSON(status, gin.H{"error": code})
}
