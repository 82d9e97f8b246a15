package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lumeopage/server/internal/model"
)

// SecurityLogFilter selects entries for the audit display. Zero values mean
// "no constraint"; Page is 1-based.
type SecurityLogFilter struct {
	UserID    *uuid.UUID
	Action    model.SecurityAction
	Status    string
	StartDate *time.Time
	EndDate   *time.Time
	Page      int
	Limit     int
}

// SecurityLogRepo is the append-only audit store. Entries are never updated
// or deleted by the core.
type SecurityLogRepo interface {
	Insert(ctx context.Context, e model.SecurityLogEntry) error
	// CountByActionSince counts entries for a subject (email or IP) with the
	// given action since the given time.
	CountByActionSince(ctx context.Context, subject string, action model.SecurityAction, since time.Time) (int, error)
	// Filter returns a page of entries newest-first plus the total match count.
	Filter(ctx context.Context, f SecurityLogFilter) ([]model.SecurityLogEntry, int, error)
}

type securityLogRepo struct {
	db *sql.DB
}

// NewSecurityLogRepo creates a new SecurityLogRepo instance.
func NewSecurityLogRepo(db *sql.DB) SecurityLogRepo {
	return &securityLogRepo{db: db}
}

func (r *securityLogRepo) Insert(ctx context.Context, e model.SecurityLogEntry) error {
	meta := e.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO security_log (id, user_id, subject, action, status, description,
			ip_address, device_type, browser, os, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, e.ID, e.UserID, e.Subject, e.Action, e.Status, e.Description,
		e.IPAddress, e.DeviceType, e.Browser, e.OS, metaJSON, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert security log entry: %w", err)
	}
	return nil
}

func (r *securityLogRepo) CountByActionSince(ctx context.Context, subject string, action model.SecurityAction, since time.Time) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM security_log
		WHERE subject = $1 AND action = $2 AND created_at >= $3
	`, subject, action, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count security log entries: %w", err)
	}
	return count, nil
}

func (r *securityLogRepo) Filter(ctx context.Context, f SecurityLogFilter) ([]model.SecurityLogEntry, int, error) {
	where := make([]string, 0, 5)
	args := make([]any, 0, 5)

	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.Replace(cond, "?", "$"+strconv.Itoa(len(args)), 1))
	}

	if f.UserID != nil {
		add("user_id = ?", *f.UserID)
	}
	if f.Action != "" {
		add("action = ?", f.Action)
	}
	if f.Status != "" {
		add("status = ?", f.Status)
	}
	if f.StartDate != nil {
		add("created_at >= ?", *f.StartDate)
	}
	if f.EndDate != nil {
		add("created_at <= ?", *f.EndDate)
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM security_log`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count filtered entries: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	page := f.Page
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit

	query := fmt.Sprintf(`
		SELECT id, user_id, subject, action, status, description,
			ip_address, device_type, browser, os, metadata, created_at
		FROM security_log%s
		ORDER BY created_at DESC
		LIMIT $%d OFFSET $%d
	`, clause, len(args)+1, len(args)+2)
	rows, err := r.db.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("filter security log: %w", err)
	}
	defer rows.Close()

	var entries []model.SecurityLogEntry
	for rows.Next() {
		var e model.SecurityLogEntry
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.UserID, &e.Subject, &e.Action, &e.Status, &e.Description,
			&e.IPAddress, &e.DeviceType, &e.Browser, &e.OS, &metaJSON, &e.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan security log entry: %w", err)
		}
		if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
			return nil, 0, fmt.Errorf("unmarshal metadata: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate security log: %w", err)
	}
	return entries, total, nil
}
