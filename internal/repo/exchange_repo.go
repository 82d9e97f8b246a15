package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lumeopage/server/internal/model"
)

// ExchangeCodeRepo stores the one-time codes handed to the browser between
// magic-link verification and token minting.
type ExchangeCodeRepo interface {
	Create(ctx context.Context, c model.ExchangeCode) error
	// Consume atomically marks the code used; ErrNotFound when the code is
	// unknown, already used or expired.
	Consume(ctx context.Context, codeHash string, now time.Time) (model.ExchangeCode, error)
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type exchangeCodeRepo struct {
	db *sql.DB
}

// NewExchangeCodeRepo creates a new ExchangeCodeRepo instance.
func NewExchangeCodeRepo(db *sql.DB) ExchangeCodeRepo {
	return &exchangeCodeRepo{db: db}
}

func (r *exchangeCodeRepo) Create(ctx context.Context, c model.ExchangeCode) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO exchange_codes (id, code_hash, user_id, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.CodeHash, c.UserID, c.ExpiresAt, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert exchange code: %w", err)
	}
	return nil
}

func (r *exchangeCodeRepo) Consume(ctx context.Context, codeHash string, now time.Time) (model.ExchangeCode, error) {
	var c model.ExchangeCode
	err := r.db.QueryRowContext(ctx, `
		UPDATE exchange_codes
		SET used_at = $2
		WHERE code_hash = $1 AND used_at IS NULL AND expires_at > $2
		RETURNING id, code_hash, user_id, expires_at, used_at, created_at
	`, codeHash, now).Scan(&c.ID, &c.CodeHash, &c.UserID, &c.ExpiresAt, &c.UsedAt, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ExchangeCode{}, ErrNotFound
		}
		return model.ExchangeCode{}, fmt.Errorf("consume exchange code: %w", err)
	}
	return c, nil
}

func (r *exchangeCodeRepo) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM exchange_codes WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired exchange codes: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}
