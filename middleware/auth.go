// Package middleware holds HTTP middleware for the relay's administrative
// surface (health check and debug snapshot). The wire protocol's own
// upgrade path authenticates independently via auth.CredentialValidator;
// this middleware only guards the operator-facing endpoints.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// BearerAuth requires a valid "Authorization: Bearer <token>" header on
// every request except the /healthz health check. The relay's upgrade
// path authenticates itself and is not wrapped by this middleware.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/healthz" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Invalid authorization header", http.StatusUnauthorized)
				return
			}

			if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
