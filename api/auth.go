package api

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// RequireSecret guards mutating endpoints with the shared trigger secret,
// accepted either as "Authorization: Bearer <secret>" or "X-Queue-Secret".
// The compare is constant-time. An empty configured secret rejects
// everything; running open is never the default.
func RequireSecret(secret string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				httpError(w, http.StatusServiceUnavailable, "configuration_error", "queue secret is not configured")
				return
			}

			presented := r.Header.Get("X-Queue-Secret")
			if presented == "" {
				if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
					presented = strings.TrimPrefix(auth, "Bearer ")
				}
			}

			if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
				httpError(w, http.StatusUnauthorized, "unauthorized", "invalid or missing secret")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
