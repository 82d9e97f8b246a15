package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lumeopage/server/internal/model"
)

// PreferencesRepo stores per-user security preferences.
type PreferencesRepo interface {
	// Get returns ErrNotFound when the user has never saved preferences;
	// callers fall back to model.DefaultPreferences.
	Get(ctx context.Context, userID uuid.UUID) (model.SecurityPreferences, error)
	Upsert(ctx context.Context, p model.SecurityPreferences) error
}

type preferencesRepo struct {
	db *sql.DB
}

// NewPreferencesRepo creates a new PreferencesRepo instance.
func NewPreferencesRepo(db *sql.DB) PreferencesRepo {
	return &preferencesRepo{db: db}
}

func (r *preferencesRepo) Get(ctx context.Context, userID uuid.UUID) (model.SecurityPreferences, error) {
	var p model.SecurityPreferences
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, notify_on_login, notify_on_failed_login, notify_on_new_device,
			notify_on_suspicious, failed_login_threshold, failed_login_window_min,
			auto_block_suspicious_ip, updated_at
		FROM security_preferences
		WHERE user_id = $1
	`, userID).Scan(&p.UserID, &p.NotifyOnLogin, &p.NotifyOnFailedLogin, &p.NotifyOnNewDevice,
		&p.NotifyOnSuspicious, &p.FailedLoginThreshold, &p.FailedLoginWindowMin,
		&p.AutoBlockSuspiciousIP, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.SecurityPreferences{}, ErrNotFound
		}
		return model.SecurityPreferences{}, fmt.Errorf("query preferences: %w", err)
	}
	return p, nil
}

func (r *preferencesRepo) Upsert(ctx context.Context, p model.SecurityPreferences) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO security_preferences (user_id, notify_on_login, notify_on_failed_login,
			notify_on_new_device, notify_on_suspicious, failed_login_threshold,
			failed_login_window_min, auto_block_suspicious_ip, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (user_id)
		DO UPDATE SET
			notify_on_login = EXCLUDED.notify_on_login,
			notify_on_failed_login = EXCLUDED.notify_on_failed_login,
			notify_on_new_device = EXCLUDED.notify_on_new_device,
			notify_on_suspicious = EXCLUDED.notify_on_suspicious,
			failed_login_threshold = EXCLUDED.failed_login_threshold,
			failed_login_window_min = EXCLUDED.failed_login_window_min,
			auto_block_suspicious_ip = EXCLUDED.auto_block_suspicious_ip,
			updated_at = EXCLUDED.updated_at
	`, p.UserID, p.NotifyOnLogin, p.NotifyOnFailedLogin, p.NotifyOnNewDevice,
		p.NotifyOnSuspicious, p.FailedLoginThreshold, p.FailedLoginWindowMin,
		p.AutoBlockSuspiciousIP, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert preferences: %w", err)
	}
	return nil
}
