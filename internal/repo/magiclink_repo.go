package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lumeopage/server/internal/model"
)

// MagicLinkRepo defines the interface for magic-link token storage.
type MagicLinkRepo interface {
	// CreateAndInvalidate inserts a new token and, in the same transaction,
	// marks every still-unused token for the same email+purpose as used.
	// Issuing a new link always invalidates its predecessors.
	CreateAndInvalidate(ctx context.Context, t model.MagicLinkToken) error
	GetByHash(ctx context.Context, tokenHash string) (model.MagicLinkToken, error)
	// Consume atomically sets used_at when the token is unused and unexpired.
	// Returns ErrNotFound when the compare-and-set matched no row; exactly
	// one of any number of concurrent consumers succeeds.
	Consume(ctx context.Context, tokenHash string, now time.Time) (model.MagicLinkToken, error)
	// CountIssuedSince counts still-unused tokens issued for the email since
	// the given time. Used for the resend cooldown; a consumed or superseded
	// link no longer holds it.
	CountIssuedSince(ctx context.Context, email string, since time.Time) (int, error)
	// DeleteExpiredBefore removes consumed or expired tokens whose expiry is
	// older than the cutoff. Returns the number of rows deleted.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type magicLinkRepo struct {
	db *sql.DB
}

// NewMagicLinkRepo creates a new MagicLinkRepo instance.
func NewMagicLinkRepo(db *sql.DB) MagicLinkRepo {
	return &magicLinkRepo{db: db}
}

const magicLinkColumns = `id, email, purpose, token_hash, issued_at, expires_at, used_at, request_ip, user_agent`

func scanMagicLink(scan func(dest ...any) error) (model.MagicLinkToken, error) {
	var t model.MagicLinkToken
	err := scan(&t.ID, &t.Email, &t.Purpose, &t.TokenHash, &t.IssuedAt, &t.ExpiresAt, &t.UsedAt, &t.RequestIP, &t.UserAgent)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.MagicLinkToken{}, ErrNotFound
		}
		return model.MagicLinkToken{}, fmt.Errorf("scan magic link token: %w", err)
	}
	return t, nil
}

func (r *magicLinkRepo) CreateAndInvalidate(ctx context.Context, t model.MagicLinkToken) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// Advisory lock serializes concurrent issues per email; released on
	// COMMIT/ROLLBACK.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(1, hashtext($1))`, t.Email); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE magic_link_tokens
		SET used_at = $3
		WHERE email = $1 AND purpose = $2 AND used_at IS NULL
	`, t.Email, t.Purpose, t.IssuedAt); err != nil {
		return fmt.Errorf("invalidate previous tokens: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO magic_link_tokens (id, email, purpose, token_hash, issued_at, expires_at, request_ip, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, t.ID, t.Email, t.Purpose, t.TokenHash, t.IssuedAt, t.ExpiresAt, t.RequestIP, t.UserAgent); err != nil {
		return fmt.Errorf("insert token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *magicLinkRepo) GetByHash(ctx context.Context, tokenHash string) (model.MagicLinkToken, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+magicLinkColumns+` FROM magic_link_tokens WHERE token_hash = $1
	`, tokenHash)
	return scanMagicLink(row.Scan)
}

func (r *magicLinkRepo) Consume(ctx context.Context, tokenHash string, now time.Time) (model.MagicLinkToken, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE magic_link_tokens
		SET used_at = $2
		WHERE token_hash = $1 AND used_at IS NULL AND expires_at > $2
		RETURNING `+magicLinkColumns+`
	`, tokenHash, now)
	return scanMagicLink(row.Scan)
}

func (r *magicLinkRepo) CountIssuedSince(ctx context.Context, email string, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM magic_link_tokens
		WHERE email = $1 AND issued_at >= $2 AND used_at IS NULL
	`, email, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count issued tokens: %w", err)
	}
	return count, nil
}

func (r *magicLinkRepo) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM magic_link_tokens WHERE expires_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired tokens: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
