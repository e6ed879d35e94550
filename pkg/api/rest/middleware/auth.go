package middleware

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/therealutkarshpriyadarshi/kmedoids/pkg/auth"
)

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret   string
	Enabled     bool
	PublicPaths []string
}

// contextKey is a custom type for context keys
type contextKey string

const (
	// ClaimsContextKey is the key for operator claims in context
	ClaimsContextKey contextKey = "claims"
)

// AuthMiddleware requires an operator token on every non-public path
func AuthMiddleware(config AuthConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !config.Enabled {
				next.ServeHTTP(w, r)
				return
			}

			for _, path := range config.PublicPaths {
				if strings.HasPrefix(r.URL.Path, path) {
					next.ServeHTTP(w, r)
					return
				}
			}

			token, err := auth.BearerToken(r.Header.Get("Authorization"))
			if err != nil {
				writeJSONError(w, err.Error(), http.StatusUnauthorized)
				return
			}

			claims, err := auth.Verify(config.JWTSecret, token)
			if err != nil {
				writeJSONError(w, err.Error(), http.StatusUnauthorized)
				return
			}
			if claims.Role != auth.RoleOperator {
				writeJSONError(w, fmt.Sprintf("role %q may not read status", claims.Role), http.StatusForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsContextKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetClaimsFromContext retrieves operator claims from request context
func GetClaimsFromContext(ctx context.Context) (*auth.Claims, bool) {
	claims, ok := ctx.Value(ClaimsContextKey).(*auth.Claims)
	return claims, ok
}

// writeJSONError writes a JSON error response
func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	fmt.Fprintf(w, `{"error": %q, "status": %d}`, message, statusCode)
}
