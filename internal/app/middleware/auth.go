package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/oxidizr/xagent/internal/core/constants"
)

// BearerCredential extracts the bearer token from a request, empty when
// absent or malformed.
func BearerCredential(r *http.Request) string {
	auth := r.Header.Get(constants.HeaderAuthorization)
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// AuthMiddleware enforces the single shared bearer secret with a
// constant-time compare. A missing credential and a wrong one are reported
// separately so callers can tell a config gap from a bad secret.
func AuthMiddleware(token string, unauthorized, forbidden http.HandlerFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			credential := BearerCredential(r)
			if credential == "" {
				unauthorized(w, r)
				return
			}
			if subtle.ConstantTimeCompare([]byte(credential), []byte(token)) != 1 {
				forbidden(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
