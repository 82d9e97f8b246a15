package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lumeopage/server/internal/autherr"
	"github.com/lumeopage/server/internal/repo"
	"github.com/lumeopage/server/internal/token"
)

// csrfMatches hashes the presented CSRF token and compares it to the
// stored binding in constant time.
func csrfMatches(storedHash, presented string) bool {
	presentedHash, err := token.Hash(presented)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(presentedHash)) == 1
}

// ValidateCSRF checks a presented CSRF token against the session binding.
// A revoked or expired session fails with ErrUnauthorized; a live session
// with a non-matching token fails with ErrForbidden, regardless of any
// cookie the request carried.
func (s *SessionService) ValidateCSRF(ctx context.Context, sessionID uuid.UUID, presented string) error {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: unknown session", autherr.ErrUnauthorized)
		}
		return fmt.Errorf("%w: lookup session: %v", autherr.ErrStorageUnavailable, err)
	}
	if session.IsRevoked || !time.Now().Before(session.RefreshExpiresAt) {
		return fmt.Errorf("%w: session no longer active", autherr.ErrUnauthorized)
	}
	if !csrfMatches(session.CSRFTokenHash, presented) {
		return fmt.Errorf("%w: csrf token mismatch", autherr.ErrForbidden)
	}
	return nil
}
