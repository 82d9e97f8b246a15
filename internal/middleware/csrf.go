package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/lumeopage/server/internal/autherr"
)

// CSRFValidator checks a presented CSRF token against a session binding.
type CSRFValidator interface {
	ValidateCSRF(ctx context.Context, sessionID uuid.UUID, presented string) error
}

// RequireCSRF enforces the X-CSRF-Token header on state-changing requests.
// It runs after RequireAuth and validates the header against the session
// named in the access token. Safe methods pass through untouched.
func RequireCSRF(validator CSRFValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				writeAuthError(w, "missing bearer token")
				return
			}

			presented := r.Header.Get("X-CSRF-Token")
			if presented == "" {
				writeCSRFError(w, http.StatusForbidden, "missing csrf token")
				return
			}
			if err := validator.ValidateCSRF(r.Context(), claims.SessionID, presented); err != nil {
				writeCSRFError(w, autherr.HTTPStatus(err), csrfMessage(err))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func csrfMessage(err error) string {
	if errors.Is(err, autherr.ErrForbidden) {
		return "csrf token mismatch"
	}
	return "session no longer active"
}

func writeCSRFError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
