package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/lumeopage/server/internal/token"
)

type contextKey string

const (
	// ClaimsKey holds the verified access claims on authenticated requests.
	ClaimsKey contextKey = "claims"
)

// RequireAuth verifies the Bearer access token and attaches the claims to
// the request context. Requests without a valid token get 401.
func RequireAuth(jwtService *token.JWTService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			if header == "" || !strings.HasPrefix(header, "Bearer ") {
				writeAuthError(w, "missing bearer token")
				return
			}

			claims, err := jwtService.Verify(strings.TrimPrefix(header, "Bearer "))
			if err != nil {
				writeAuthError(w, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), ClaimsKey, claims)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ClaimsFromContext returns the verified claims attached by RequireAuth.
func ClaimsFromContext(ctx context.Context) (*token.AccessClaims, bool) {
	claims, ok := ctx.Value(ClaimsKey).(*token.AccessClaims)
	return claims, ok
}

func writeAuthError(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
