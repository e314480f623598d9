package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/TanDenggg/antigravity-proxy/internal/db"
	"github.com/TanDenggg/antigravity-proxy/internal/db/models"
	"gorm.io/gorm"
)

type contextKey struct{}

var apiKeyContextKey contextKey

// APIKeyAuth validates the caller's API key from the Authorization header
// (or the x-api-key / x-goog-api-key variants some SDKs send) and attaches
// the matched key row to the request context.
func APIKeyAuth(database *gorm.DB) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := extractKey(r)
			row := db.LookupAPIKey(database, key)
			if row == nil {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error": {"message": "Invalid API key", "type": "authentication_error"}}`))
				return
			}
			ctx := context.WithValue(r.Context(), apiKeyContextKey, row)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func extractKey(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimPrefix(authHeader, "Bearer ")
	}
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if key := r.Header.Get("x-goog-api-key"); key != "" {
		return key
	}
	return r.URL.Query().Get("key")
}

// APIKeyFrom returns the authenticated key row attached by APIKeyAuth, or
// nil on unauthenticated routes.
func APIKeyFrom(ctx context.Context) *models.APIKey {
	row, _ := ctx.Value(apiKeyContextKey).(*models.APIKey)
	return row
}
