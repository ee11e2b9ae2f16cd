package httpserver

import (
	"crypto/subtle"
	"net/http"

	"github.com/TessaraPay/gateway/internal/apierrors"
)

// adminAuth is middleware that protects administrative endpoints with an API key.
// Requests must include an "Authorization: Bearer {key}" header. If no key is
// configured the endpoints are disabled outright rather than left open.
func adminAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "Admin API is not enabled")
				return
			}

			authHeader := r.Header.Get("Authorization")
			expectedHeader := "Bearer " + apiKey

			if subtle.ConstantTimeCompare([]byte(authHeader), []byte(expectedHeader)) != 1 {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "Invalid or missing admin API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// metricsAuth protects the /metrics endpoint with the same key but leaves it
// open when no key is configured, so a default deployment is still scrapable.
func metricsAuth(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			authHeader := r.Header.Get("Authorization")
			expectedHeader := "Bearer " + apiKey

			if subtle.ConstantTimeCompare([]byte(authHeader), []byte(expectedHeader)) != 1 {
				apierrors.WriteSimpleError(w, apierrors.ErrCodeUnauthorized, "Invalid or missing admin API key")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
