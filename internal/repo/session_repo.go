package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lumeopage/server/internal/model"
)

// SessionRepo defines the interface for session storage. Conflicting
// rotations are serialized by the compare-and-set in Rotate; no in-process
// locks are held.
type SessionRepo interface {
	Create(ctx context.Context, s model.Session) error
	GetByID(ctx context.Context, id uuid.UUID) (model.Session, error)
	// GetByTokenHash returns the session regardless of revocation or expiry
	// state; callers classify the failure.
	GetByTokenHash(ctx context.Context, tokenHash string) (model.Session, error)
	// GetByPrevTokenHash finds the session whose previous, rotated-away
	// refresh token matches. Used for reuse detection.
	GetByPrevTokenHash(ctx context.Context, tokenHash string) (model.Session, error)
	// Rotate atomically replaces the refresh token hash, shifts the old hash
	// into prev_token_hash, increments rotation_count, extends the refresh
	// expiry, reissues the CSRF hash and touches last_activity, keyed on the
	// current hash of a live, unexpired session. At most one of any number of
	// concurrent rotations with the same current hash succeeds; the rest get
	// ErrNotFound.
	Rotate(ctx context.Context, currentHash, newHash, newCSRFHash string, newExpiry, now time.Time) (model.Session, error)
	// Revoke marks the session revoked. Idempotent: revoking an already
	// revoked session is a no-op that preserves the original reason.
	Revoke(ctx context.Context, id uuid.UUID, reason string, now time.Time) error
	RevokeAllForUser(ctx context.Context, userID uuid.UUID, reason string, now time.Time) error
	ListActive(ctx context.Context, userID uuid.UUID, now time.Time) ([]model.Session, error)
	// HasSessionForDevice reports whether the user has ever had a session
	// from this browser/os pair. Used to emit DEVICE_NEW events.
	HasSessionForDevice(ctx context.Context, userID uuid.UUID, browser, os string) (bool, error)
	// RevokeExpired marks sessions past their refresh expiry as revoked.
	RevokeExpired(ctx context.Context, now time.Time) (int64, error)
	// DeleteExpiredBefore hard-deletes sessions whose refresh expiry is older
	// than the cutoff.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type sessionRepo struct {
	db *sql.DB
}

// NewSessionRepo creates a new SessionRepo instance.
func NewSessionRepo(db *sql.DB) SessionRepo {
	return &sessionRepo{db: db}
}

const sessionColumns = `id, user_id, device_type, browser, os, ip_address, location,
	refresh_token_hash, prev_token_hash, csrf_token_hash, refresh_expires_at,
	rotation_count, is_revoked, revoked_reason, revoked_at, last_activity, created_at`

func scanSession(scan func(dest ...any) error) (model.Session, error) {
	var s model.Session
	err := scan(
		&s.ID, &s.UserID, &s.DeviceType, &s.Browser, &s.OS, &s.IPAddress, &s.Location,
		&s.RefreshTokenHash, &s.PrevTokenHash, &s.CSRFTokenHash, &s.RefreshExpiresAt,
		&s.RotationCount, &s.IsRevoked, &s.RevokedReason, &s.RevokedAt, &s.LastActivity, &s.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Session{}, ErrNotFound
		}
		return model.Session{}, fmt.Errorf("scan session: %w", err)
	}
	return s, nil
}

func (r *sessionRepo) Create(ctx context.Context, s model.Session) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, device_type, browser, os, ip_address, location,
			refresh_token_hash, csrf_token_hash, refresh_expires_at, rotation_count,
			last_activity, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11, $11)
	`, s.ID, s.UserID, s.DeviceType, s.Browser, s.OS, s.IPAddress, s.Location,
		s.RefreshTokenHash, s.CSRFTokenHash, s.RefreshExpiresAt, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (r *sessionRepo) GetByID(ctx context.Context, id uuid.UUID) (model.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	return scanSession(row.Scan)
}

func (r *sessionRepo) GetByTokenHash(ctx context.Context, tokenHash string) (model.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE refresh_token_hash = $1`, tokenHash)
	return scanSession(row.Scan)
}

func (r *sessionRepo) GetByPrevTokenHash(ctx context.Context, tokenHash string) (model.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE prev_token_hash = $1`, tokenHash)
	return scanSession(row.Scan)
}

func (r *sessionRepo) Rotate(ctx context.Context, currentHash, newHash, newCSRFHash string, newExpiry, now time.Time) (model.Session, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE sessions
		SET prev_token_hash = refresh_token_hash,
		    refresh_token_hash = $2,
		    csrf_token_hash = $3,
		    refresh_expires_at = $4,
		    rotation_count = rotation_count + 1,
		    last_activity = $5
		WHERE refresh_token_hash = $1 AND is_revoked = FALSE AND refresh_expires_at > $5
		RETURNING `+sessionColumns,
		currentHash, newHash, newCSRFHash, newExpiry, now)
	return scanSession(row.Scan)
}

func (r *sessionRepo) Revoke(ctx context.Context, id uuid.UUID, reason string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET is_revoked = TRUE, revoked_reason = $2, revoked_at = $3
		WHERE id = $1 AND is_revoked = FALSE
	`, id, reason, now)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (r *sessionRepo) RevokeAllForUser(ctx context.Context, userID uuid.UUID, reason string, now time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET is_revoked = TRUE, revoked_reason = $2, revoked_at = $3
		WHERE user_id = $1 AND is_revoked = FALSE
	`, userID, reason, now)
	if err != nil {
		return fmt.Errorf("revoke all sessions for user: %w", err)
	}
	return nil
}

func (r *sessionRepo) ListActive(ctx context.Context, userID uuid.UUID, now time.Time) ([]model.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE user_id = $1 AND is_revoked = FALSE AND refresh_expires_at > $2
		ORDER BY last_activity DESC
	`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return sessions, nil
}

func (r *sessionRepo) HasSessionForDevice(ctx context.Context, userID uuid.UUID, browser, os string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM sessions WHERE user_id = $1 AND browser = $2 AND os = $3)
	`, userID, browser, os).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check device: %w", err)
	}
	return exists, nil
}

func (r *sessionRepo) RevokeExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET is_revoked = TRUE, revoked_reason = $2, revoked_at = $1
		WHERE is_revoked = FALSE AND refresh_expires_at <= $1
	`, now, model.RevokedExpired)
	if err != nil {
		return 0, fmt.Errorf("revoke expired sessions: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func (r *sessionRepo) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM sessions WHERE refresh_expires_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
