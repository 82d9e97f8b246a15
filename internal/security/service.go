// Package security implements the security event log, failed-login
// evaluation with auto-block, and per-user security preferences.
package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lumeopage/server/internal/autherr"
	"github.com/lumeopage/server/internal/model"
	"github.com/lumeopage/server/internal/notify"
	"github.com/lumeopage/server/internal/repo"
)

// Service wires the recorder, the audit store, preferences and the
// blocklist into the operations exposed to the auth flow and the API.
type Service struct {
	recorder  *Recorder
	logs      repo.SecurityLogRepo
	prefs     repo.PreferencesRepo
	users     repo.UserRepo
	blocklist BlockStore
	notifier  notify.Notifier
}

// NewService creates the security service.
func NewService(recorder *Recorder, logs repo.SecurityLogRepo, prefs repo.PreferencesRepo,
	users repo.UserRepo, blocklist BlockStore, notifier notify.Notifier) *Service {
	return &Service{
		recorder:  recorder,
		logs:      logs,
		prefs:     prefs,
		users:     users,
		blocklist: blocklist,
		notifier:  notifier,
	}
}

// Record appends an audit entry; it never fails the caller.
func (s *Service) Record(ctx context.Context, e model.SecurityLogEntry) {
	s.recorder.Record(ctx, e)
}

// Blocklist exposes the enforcement store to middleware and the session
// minter.
func (s *Service) Blocklist() BlockStore {
	return s.blocklist
}

// PreferencesFor returns the user's saved preferences, or defaults when
// none exist yet.
func (s *Service) PreferencesFor(ctx context.Context, userID uuid.UUID) (model.SecurityPreferences, error) {
	p, err := s.prefs.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.DefaultPreferences(userID), nil
		}
		return model.SecurityPreferences{}, fmt.Errorf("%w: load preferences: %v", autherr.ErrStorageUnavailable, err)
	}
	return p, nil
}

// UpdatePreferences validates bounds and persists the user's preferences.
func (s *Service) UpdatePreferences(ctx context.Context, p model.SecurityPreferences) error {
	if p.FailedLoginThreshold < model.MinFailedLoginThreshold || p.FailedLoginThreshold > model.MaxFailedLoginThreshold {
		return fmt.Errorf("%w: failed_login_threshold must be between %d and %d",
			autherr.ErrInvalidInput, model.MinFailedLoginThreshold, model.MaxFailedLoginThreshold)
	}
	if p.FailedLoginWindowMin < model.MinFailedLoginWindowMin || p.FailedLoginWindowMin > model.MaxFailedLoginWindowMin {
		return fmt.Errorf("%w: failed_login_time_window must be between %d and %d minutes",
			autherr.ErrInvalidInput, model.MinFailedLoginWindowMin, model.MaxFailedLoginWindowMin)
	}
	p.UpdatedAt = time.Now()
	if err := s.prefs.Upsert(ctx, p); err != nil {
		return fmt.Errorf("%w: save preferences: %v", autherr.ErrStorageUnavailable, err)
	}
	return nil
}

// RecordFailedLogin appends a LOGIN_FAILED entry for the subject and then
// evaluates the auto-block thresholds. Subject is the email or IP the
// failure is attributed to; userID may be nil for unknown accounts.
func (s *Service) RecordFailedLogin(ctx context.Context, subject string, userID *uuid.UUID, meta model.DeviceMeta, description string) {
	// Attribute the failure to the account when the subject is the email of
	// one, so account-level thresholds and blocks apply.
	if userID == nil && strings.Contains(subject, "@") {
		if u, err := s.users.GetByEmail(ctx, subject); err == nil {
			userID = &u.ID
		}
	}
	s.Record(ctx, model.SecurityLogEntry{
		UserID:      userID,
		Subject:     subject,
		Action:      model.ActionLoginFailed,
		Status:      model.StatusFailure,
		Description: description,
		IPAddress:   meta.IPAddress,
		DeviceType:  meta.DeviceType,
		Browser:     meta.Browser,
		OS:          meta.OS,
	})
	s.EvaluateFailedLogin(ctx, subject, userID, meta)
}

// EvaluateFailedLogin counts LOGIN_FAILED entries for the subject within
// the configured window and, when the threshold is reached and auto-block
// is enabled, emits a block decision for the IP (and the account when
// known), logs SUSPICIOUS_ACTIVITY and notifies. Findings are never
// swallowed silently; evaluation errors only degrade to a log entry by the
// recorder, never to a failure of the triggering request.
func (s *Service) EvaluateFailedLogin(ctx context.Context, subject string, userID *uuid.UUID, meta model.DeviceMeta) {
	prefs := model.DefaultPreferences(uuid.Nil)
	if userID != nil {
		if p, err := s.PreferencesFor(ctx, *userID); err == nil {
			prefs = p
		}
	}

	window := time.Duration(prefs.FailedLoginWindowMin) * time.Minute
	count, err := s.logs.CountByActionSince(ctx, subject, model.ActionLoginFailed, time.Now().Add(-window))
	if err != nil || count < prefs.FailedLoginThreshold {
		return
	}
	if !prefs.AutoBlockSuspiciousIP {
		return
	}

	if meta.IPAddress != "" {
		_ = s.blocklist.BlockIP(ctx, meta.IPAddress, window)
	}
	if userID != nil {
		_ = s.blocklist.BlockUser(ctx, userID.String(), window)
	}

	description := fmt.Sprintf("%d failed login attempts within %d minutes", count, prefs.FailedLoginWindowMin)
	s.Record(ctx, model.SecurityLogEntry{
		UserID:      userID,
		Subject:     subject,
		Action:      model.ActionSuspiciousActivity,
		Status:      model.StatusFailure,
		Description: description,
		IPAddress:   meta.IPAddress,
		DeviceType:  meta.DeviceType,
		Browser:     meta.Browser,
		OS:          meta.OS,
		Metadata: map[string]string{
			"failed_count": fmt.Sprintf("%d", count),
			"window_min":   fmt.Sprintf("%d", prefs.FailedLoginWindowMin),
		},
	})

	if prefs.NotifyOnSuspicious {
		alert := notify.SecurityAlertMessage{
			Subject:     subject,
			Action:      string(model.ActionSuspiciousActivity),
			Description: description,
			OccurredAt:  time.Now(),
		}
		if userID != nil {
			alert.UserID = userID.String()
			if u, err := s.users.GetByID(ctx, *userID); err == nil {
				alert.Email = u.Email
			}
		}
		_ = s.notifier.SendSecurityAlert(ctx, alert)
	}
}

// Filter returns a page of audit entries for display.
func (s *Service) Filter(ctx context.Context, f repo.SecurityLogFilter) ([]model.SecurityLogEntry, int, error) {
	if f.Limit < 0 || f.Page < 0 {
		return nil, 0, fmt.Errorf("%w: page and limit must be positive", autherr.ErrInvalidInput)
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	entries, total, err := s.logs.Filter(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: filter security log: %v", autherr.ErrStorageUnavailable, err)
	}
	return entries, total, nil
}
