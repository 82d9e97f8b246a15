package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lumeopage/server/internal/autherr"
	"github.com/lumeopage/server/internal/model"
	"github.com/lumeopage/server/internal/notify"
	"github.com/lumeopage/server/internal/repo"
	"github.com/lumeopage/server/internal/security"
	"github.com/lumeopage/server/internal/token"
)

// TokenPair is the bundle handed to a client on mint and refresh. The
// access token expiry is the countdown signal; refreshing any time before
// RefreshExpiresAt yields a fresh pair.
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
	CSRFToken        string
}

// SessionService mints token pairs, rotates refresh tokens, detects reuse
// of rotated-away tokens and manages session revocation. State transitions
// per session: ACTIVE -> ACTIVE on refresh, -> REVOKED terminal.
type SessionService struct {
	sessions repo.SessionRepo
	users    repo.UserRepo
	codes    repo.ExchangeCodeRepo
	jwt      *token.JWTService
	security *security.Service
	notifier notify.Notifier

	refreshTTL time.Duration
}

// NewSessionService creates the minter/rotator.
func NewSessionService(sessions repo.SessionRepo, users repo.UserRepo, codes repo.ExchangeCodeRepo,
	jwtService *token.JWTService, sec *security.Service, notifier notify.Notifier,
	refreshTTL time.Duration) *SessionService {
	return &SessionService{
		sessions:   sessions,
		users:      users,
		codes:      codes,
		jwt:        jwtService,
		security:   sec,
		notifier:   notifier,
		refreshTTL: refreshTTL,
	}
}

// Mint creates a session for a verified identity and issues the initial
// access/refresh/CSRF trio. rotation_count starts at zero.
func (s *SessionService) Mint(ctx context.Context, user model.User, meta model.DeviceMeta) (TokenPair, model.Session, error) {
	if s.security.Blocklist().IsUserBlocked(ctx, user.ID.String()) {
		return TokenPair{}, model.Session{}, fmt.Errorf("%w: account temporarily blocked", autherr.ErrSuspiciousBlocked)
	}

	rawRefresh, refreshHash, err := token.Generate()
	if err != nil {
		return TokenPair{}, model.Session{}, fmt.Errorf("generate refresh token: %w", err)
	}
	rawCSRF, csrfHash, err := token.Generate()
	if err != nil {
		return TokenPair{}, model.Session{}, fmt.Errorf("generate csrf token: %w", err)
	}

	knownDevice, err := s.sessions.HasSessionForDevice(ctx, user.ID, meta.Browser, meta.OS)
	if err != nil {
		// Best-effort metadata; a failed check must not block sign-in.
		knownDevice = true
	}

	now := time.Now()
	session := model.Session{
		ID:               uuid.New(),
		UserID:           user.ID,
		DeviceType:       meta.DeviceType,
		Browser:          meta.Browser,
		OS:               meta.OS,
		IPAddress:        meta.IPAddress,
		Location:         meta.Location,
		RefreshTokenHash: refreshHash,
		CSRFTokenHash:    csrfHash,
		RefreshExpiresAt: now.Add(s.refreshTTL),
		LastActivity:     now,
		CreatedAt:        now,
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return TokenPair{}, model.Session{}, fmt.Errorf("%w: create session: %v", autherr.ErrStorageUnavailable, err)
	}

	accessToken, accessExpiresAt, err := s.jwt.Sign(user.ID, user.Email, user.Role, session.ID)
	if err != nil {
		return TokenPair{}, model.Session{}, err
	}

	s.security.Record(ctx, model.SecurityLogEntry{
		UserID:      &user.ID,
		Subject:     user.Email,
		Action:      model.ActionLoginSuccess,
		Status:      model.StatusSuccess,
		Description: "session created",
		IPAddress:   meta.IPAddress,
		DeviceType:  meta.DeviceType,
		Browser:     meta.Browser,
		OS:          meta.OS,
		Metadata:    map[string]string{"session_id": session.ID.String()},
	})
	if !knownDevice {
		s.security.Record(ctx, model.SecurityLogEntry{
			UserID:      &user.ID,
			Subject:     user.Email,
			Action:      model.ActionDeviceNew,
			Status:      model.StatusSuccess,
			Description: "sign-in from a new device",
			IPAddress:   meta.IPAddress,
			DeviceType:  meta.DeviceType,
			Browser:     meta.Browser,
			OS:          meta.OS,
		})
	}

	return TokenPair{
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExpiresAt,
		RefreshToken:     rawRefresh,
		RefreshExpiresAt: session.RefreshExpiresAt,
		CSRFToken:        rawCSRF,
	}, session, nil
}

// Exchange consumes a one-time exchange code from the magic-link callback
// and mints the session for its user.
func (s *SessionService) Exchange(ctx context.Context, rawCode string, meta model.DeviceMeta) (TokenPair, model.Session, model.User, error) {
	codeHash, err := token.Hash(rawCode)
	if err != nil {
		return TokenPair{}, model.Session{}, model.User{}, fmt.Errorf("%w: malformed exchange code", autherr.ErrUnauthorized)
	}
	code, err := s.codes.Consume(ctx, codeHash, time.Now())
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return TokenPair{}, model.Session{}, model.User{}, fmt.Errorf("%w: invalid or expired exchange code", autherr.ErrUnauthorized)
		}
		return TokenPair{}, model.Session{}, model.User{}, fmt.Errorf("%w: consume exchange code: %v", autherr.ErrStorageUnavailable, err)
	}
	user, err := s.users.GetByID(ctx, code.UserID)
	if err != nil {
		return TokenPair{}, model.Session{}, model.User{}, fmt.Errorf("%w: resolve user: %v", autherr.ErrUnauthorized, err)
	}
	pair, session, err := s.Mint(ctx, user, meta)
	return pair, session, user, err
}

// Refresh rotates the refresh token. The presented CSRF token must match
// the session's current binding. Exactly one of any number of concurrent
// refreshes with the same token succeeds; presenting a rotated-away token
// revokes the session with TOKEN_REUSE_DETECTED and logs the finding.
func (s *SessionService) Refresh(ctx context.Context, rawRefresh, presentedCSRF string, meta model.DeviceMeta) (TokenPair, model.Session, model.User, error) {
	currentHash, err := token.Hash(rawRefresh)
	if err != nil {
		return TokenPair{}, model.Session{}, model.User{}, fmt.Errorf("%w: malformed refresh token", autherr.ErrUnauthorized)
	}

	now := time.Now()
	current, err := s.sessions.GetByTokenHash(ctx, currentHash)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return TokenPair{}, model.Session{}, model.User{}, s.handleUnknownRefresh(ctx, currentHash, meta)
		}
		return TokenPair{}, model.Session{}, model.User{}, fmt.Errorf("%w: lookup session: %v", autherr.ErrStorageUnavailable, err)
	}

	if current.IsRevoked {
		return TokenPair{}, model.Session{}, model.User{}, fmt.Errorf("%w: session revoked", autherr.ErrUnauthorized)
	}
	if !now.Before(current.RefreshExpiresAt) {
		return TokenPair{}, model.Session{}, model.User{}, fmt.Errorf("%w: refresh token expired", autherr.ErrUnauthorized)
	}
	if !csrfMatches(current.CSRFTokenHash, presentedCSRF) {
		return TokenPair{}, model.Session{}, model.User{}, fmt.Errorf("%w: csrf token mismatch", autherr.ErrForbidden)
	}

	newRaw, newHash, err := token.Generate()
	if err != nil {
		return TokenPair{}, model.Session{}, model.User{}, fmt.Errorf("generate refresh token: %w", err)
	}
	newCSRFRaw, newCSRFHash, err := token.Generate()
	if err != nil {
		return TokenPair{}, model.Session{}, model.User{}, fmt.Errorf("generate csrf token: %w", err)
	}

	rotated, err := s.sessions.Rotate(ctx, currentHash, newHash, newCSRFHash, now.Add(s.refreshTTL), now)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Lost a concurrent rotation: the token we hold was just
			// rotated away, which is indistinguishable from replay.
			return TokenPair{}, model.Session{}, model.User{}, s.handleUnknownRefresh(ctx, currentHash, meta)
		}
		return TokenPair{}, model.Session{}, model.User{}, fmt.Errorf("%w: rotate session: %v", autherr.ErrStorageUnavailable, err)
	}

	user, err := s.users.GetByID(ctx, rotated.UserID)
	if err != nil {
		return TokenPair{}, model.Session{}, model.User{}, fmt.Errorf("%w: resolve user: %v", autherr.ErrUnauthorized, err)
	}
	accessToken, accessExpiresAt, err := s.jwt.Sign(user.ID, user.Email, user.Role, rotated.ID)
	if err != nil {
		return TokenPair{}, model.Session{}, model.User{}, err
	}

	return TokenPair{
		AccessToken:      accessToken,
		AccessExpiresAt:  accessExpiresAt,
		RefreshToken:     newRaw,
		RefreshExpiresAt: rotated.RefreshExpiresAt,
		CSRFToken:        newCSRFRaw,
	}, rotated, user, nil
}

// handleUnknownRefresh decides whether an unmatched refresh token is a
// replay of a rotated-away generation. Reuse findings are always recorded,
// even though the triggering request still fails normally.
func (s *SessionService) handleUnknownRefresh(ctx context.Context, tokenHash string, meta model.DeviceMeta) error {
	stale, err := s.sessions.GetByPrevTokenHash(ctx, tokenHash)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: unknown refresh token", autherr.ErrUnauthorized)
		}
		return fmt.Errorf("%w: lookup stale session: %v", autherr.ErrStorageUnavailable, err)
	}

	now := time.Now()
	if err := s.sessions.Revoke(ctx, stale.ID, model.RevokedTokenReuse, now); err != nil {
		return fmt.Errorf("%w: revoke session: %v", autherr.ErrStorageUnavailable, err)
	}

	description := "rotated-away refresh token presented; session revoked"
	s.security.Record(ctx, model.SecurityLogEntry{
		UserID:      &stale.UserID,
		Subject:     stale.UserID.String(),
		Action:      model.ActionSuspiciousActivity,
		Status:      model.StatusFailure,
		Description: description,
		IPAddress:   meta.IPAddress,
		DeviceType:  meta.DeviceType,
		Browser:     meta.Browser,
		OS:          meta.OS,
		Metadata: map[string]string{
			"session_id": stale.ID.String(),
			"reason":     model.RevokedTokenReuse,
		},
	})

	alert := notify.SecurityAlertMessage{
		UserID:      stale.UserID.String(),
		Subject:     stale.UserID.String(),
		Action:      string(model.ActionSuspiciousActivity),
		Description: description,
		OccurredAt:  now,
	}
	if u, err := s.users.GetByID(ctx, stale.UserID); err == nil {
		alert.Email = u.Email
	}
	_ = s.notifier.SendSecurityAlert(ctx, alert)

	return fmt.Errorf("%w: refresh token reuse detected", autherr.ErrUnauthorized)
}

// Revoke marks a session revoked; calling it again is a no-op.
func (s *SessionService) Revoke(ctx context.Context, sessionID uuid.UUID, reason string) error {
	if err := s.sessions.Revoke(ctx, sessionID, reason, time.Now()); err != nil {
		return fmt.Errorf("%w: revoke session: %v", autherr.ErrStorageUnavailable, err)
	}
	return nil
}

// Logout revokes the session owning the presented refresh token. Unknown
// tokens are treated as already logged out.
func (s *SessionService) Logout(ctx context.Context, rawRefresh string) error {
	hash, err := token.Hash(rawRefresh)
	if err != nil {
		return nil
	}
	session, err := s.sessions.GetByTokenHash(ctx, hash)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("%w: lookup session: %v", autherr.ErrStorageUnavailable, err)
	}
	if err := s.Revoke(ctx, session.ID, model.RevokedByUser); err != nil {
		return err
	}
	s.security.Record(ctx, model.SecurityLogEntry{
		UserID:      &session.UserID,
		Subject:     session.UserID.String(),
		Action:      model.ActionLogout,
		Status:      model.StatusSuccess,
		Description: "user logged out",
		IPAddress:   session.IPAddress,
		Metadata:    map[string]string{"session_id": session.ID.String()},
	})
	return nil
}

// RevokeUserSession revokes one of the user's other sessions from the
// device-management UI. The current session cannot be revoked this way.
func (s *SessionService) RevokeUserSession(ctx context.Context, userID, sessionID, currentSessionID uuid.UUID) error {
	if sessionID == currentSessionID {
		return fmt.Errorf("%w: cannot revoke the current session; use logout", autherr.ErrInvalidInput)
	}
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return fmt.Errorf("%w: unknown session", autherr.ErrUnauthorized)
		}
		return fmt.Errorf("%w: lookup session: %v", autherr.ErrStorageUnavailable, err)
	}
	if session.UserID != userID {
		return fmt.Errorf("%w: session belongs to another user", autherr.ErrForbidden)
	}
	if err := s.Revoke(ctx, sessionID, model.RevokedByAdmin); err != nil {
		return err
	}
	s.security.Record(ctx, model.SecurityLogEntry{
		UserID:      &userID,
		Subject:     userID.String(),
		Action:      model.ActionSessionRevoked,
		Status:      model.StatusSuccess,
		Description: "session revoked from device management",
		Metadata:    map[string]string{"session_id": sessionID.String()},
	})
	return nil
}

// RevokeAllSessions signs the user out everywhere, the current device
// included. Used from device management and as the response to confirmed
// token theft.
func (s *SessionService) RevokeAllSessions(ctx context.Context, userID uuid.UUID, reason string) error {
	if err := s.sessions.RevokeAllForUser(ctx, userID, reason, time.Now()); err != nil {
		return fmt.Errorf("%w: revoke sessions: %v", autherr.ErrStorageUnavailable, err)
	}
	s.security.Record(ctx, model.SecurityLogEntry{
		UserID:      &userID,
		Subject:     userID.String(),
		Action:      model.ActionSessionRevoked,
		Status:      model.StatusSuccess,
		Description: "all sessions revoked",
		Metadata:    map[string]string{"reason": reason},
	})
	return nil
}

// ListActive returns the user's live sessions, most recently active first.
func (s *SessionService) ListActive(ctx context.Context, userID uuid.UUID) ([]model.Session, error) {
	sessions, err := s.sessions.ListActive(ctx, userID, time.Now())
	if err != nil {
		return nil, fmt.Errorf("%w: list sessions: %v", autherr.ErrStorageUnavailable, err)
	}
	return sessions, nil
}
