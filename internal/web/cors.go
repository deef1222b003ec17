package web

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var (
	errWildcardOrigin      = errors.New("web.cors.wildcard_origin")
	errEmptyAllowedOrigins = errors.New("web.cors.no_origins")
	errInvalidOrigin       = errors.New("web.cors.invalid_origin")
)

const corsPreflightMaxAge = 12 * time.Hour

// loopbackHosts are the hosts browser tooling and the Android emulator use to
// reach a developer machine over plain http.
var loopbackHosts = map[string]struct{}{
	"localhost": {},
	"127.0.0.1": {},
	"10.0.2.2":  {},
}

// ConfigureCORS returns middleware for browser consoles calling the API.
// Native clients send no Origin header and are unaffected. Bearer tokens are
// the only credential, so cookies stay disabled.
func ConfigureCORS(logger *zap.Logger, allowedOrigins []string) (gin.HandlerFunc, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	origins, err := sanitizeOrigins(logger, allowedOrigins)
	if err != nil {
		return nil, err
	}
	return cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		ExposeHeaders:    []string{"Content-Type"},
		AllowCredentials: false,
		MaxAge:           corsPreflightMaxAge,
	}), nil
}

// sanitizeOrigins normalizes origins to scheme://host, drops blanks and
// duplicates, and returns them sorted.
func sanitizeOrigins(logger *zap.Logger, allowed []string) ([]string, error) {
	unique := make(map[string]struct{}, len(allowed))
	for _, raw := range allowed {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		origin, host, err := normalizeOrigin(trimmed)
		if err != nil {
			return nil, err
		}
		if _, exists := unique[origin]; exists {
			continue
		}
		if strings.HasPrefix(origin, "http://") {
			if _, loopback := loopbackHosts[host]; !loopback {
				logger.Warn("plain http origin allowed",
					zap.String("code", "web.cors.insecure_origin"),
					zap.String("origin", origin))
			}
		}
		unique[origin] = struct{}{}
	}
	if len(unique) == 0 {
		return nil, errEmptyAllowedOrigins
	}
	origins := make([]string, 0, len(unique))
	for origin := range unique {
		origins = append(origins, origin)
	}
	sort.Strings(origins)
	return origins, nil
}

func normalizeOrigin(value string) (string, string, error) {
	if value == "*" {
		return "", "", errWildcardOrigin
	}
	parsed, err := url.Parse(value)
	if err != nil || parsed.Host == "" {
		return "", "", fmt.Errorf("%w: %q is not scheme://host", errInvalidOrigin, value)
	}
	scheme := strings.ToLower(parsed.Scheme)
	switch {
	case scheme != "https" && scheme != "http":
		return "", "", fmt.Errorf("%w: %q must use http or https", errInvalidOrigin, value)
	case parsed.Path != "" && parsed.Path != "/":
		return "", "", fmt.Errorf("%w: %q carries a path", errInvalidOrigin, value)
	case parsed.RawQuery != "" || parsed.Fragment != "":
		return "", "", fmt.Errorf("%w: %q carries a query or fragment", errInvalidOrigin, value)
	}
	return scheme + "://" + strings.ToLower(parsed.Host), parsed.Hostname(), nil
}
