// Package auth implements the credential lifecycle: magic-link issuing and
// verification, OAuth code exchange, session minting, refresh rotation with
// reuse detection, CSRF binding and the retention sweep.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lumeopage/server/internal/autherr"
	"github.com/lumeopage/server/internal/model"
	"github.com/lumeopage/server/internal/notify"
	"github.com/lumeopage/server/internal/repo"
	"github.com/lumeopage/server/internal/security"
	"github.com/lumeopage/server/internal/token"
)

// MagicLinkService issues and verifies single-use sign-in links.
type MagicLinkService struct {
	links    repo.MagicLinkRepo
	users    repo.UserRepo
	codes    repo.ExchangeCodeRepo
	security *security.Service
	notifier notify.Notifier

	ttl      time.Duration
	cooldown time.Duration
	codeTTL  time.Duration

	appOrigin string
	devMode   bool
}

// NewMagicLinkService creates the magic-link issuer/verifier.
func NewMagicLinkService(links repo.MagicLinkRepo, users repo.UserRepo, codes repo.ExchangeCodeRepo,
	sec *security.Service, notifier notify.Notifier,
	ttl, cooldown, codeTTL time.Duration, appOrigin string, devMode bool) *MagicLinkService {
	return &MagicLinkService{
		links:     links,
		users:     users,
		codes:     codes,
		security:  sec,
		notifier:  notifier,
		ttl:       ttl,
		cooldown:  cooldown,
		codeTTL:   codeTTL,
		appOrigin: appOrigin,
		devMode:   devMode,
	}
}

// IssueResult reports a successful issue. DevLink is only populated in dev
// mode; in production the link travels exclusively through the notifier.
type IssueResult struct {
	ExpiresAt time.Time
	DevLink   string
}

// Issue creates a single-use sign-in token for the email and hands the link
// to the notification channel. While an unused link from the cooldown
// window is outstanding a second request fails with ErrRateLimited;
// consuming the link lifts the cooldown. Issuing a new token invalidates
// every earlier unused token for the same email and purpose.
func (s *MagicLinkService) Issue(ctx context.Context, email string, purpose model.MagicLinkPurpose, meta model.DeviceMeta) (IssueResult, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return IssueResult{}, fmt.Errorf("%w: invalid email", autherr.ErrInvalidInput)
	}
	if purpose != model.PurposeLogin && purpose != model.PurposeSignup {
		return IssueResult{}, fmt.Errorf("%w: unknown purpose %q", autherr.ErrInvalidInput, purpose)
	}

	// A sign-in link is only issued for accounts that exist; sign-up links
	// provision the account at verification time.
	if purpose == model.PurposeLogin {
		if _, err := s.users.GetByEmail(ctx, email); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return IssueResult{}, fmt.Errorf("%w: no account for this email", autherr.ErrUnauthorized)
			}
			return IssueResult{}, fmt.Errorf("%w: lookup user: %v", autherr.ErrStorageUnavailable, err)
		}
	}

	count, err := s.links.CountIssuedSince(ctx, email, time.Now().Add(-s.cooldown))
	if err != nil {
		return IssueResult{}, fmt.Errorf("%w: cooldown check: %v", autherr.ErrStorageUnavailable, err)
	}
	if count > 0 {
		return IssueResult{}, fmt.Errorf("%w: resend cooldown active", autherr.ErrRateLimited)
	}

	raw, hashHex, err := token.Generate()
	if err != nil {
		return IssueResult{}, fmt.Errorf("generate token: %w", err)
	}

	now := time.Now()
	t := model.MagicLinkToken{
		ID:        uuid.New(),
		Email:     email,
		Purpose:   purpose,
		TokenHash: hashHex,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
	if meta.IPAddress != "" {
		t.RequestIP = &meta.IPAddress
	}
	if meta.Browser != "" {
		t.UserAgent = &meta.Browser
	}
	if err := s.links.CreateAndInvalidate(ctx, t); err != nil {
		return IssueResult{}, fmt.Errorf("%w: store token: %v", autherr.ErrStorageUnavailable, err)
	}

	link := s.buildLink(raw)
	_ = s.notifier.SendMagicLink(ctx, notify.MagicLinkMessage{
		Email:     email,
		Link:      link,
		Purpose:   string(purpose),
		ExpiresAt: t.ExpiresAt,
	})

	result := IssueResult{ExpiresAt: t.ExpiresAt}
	if s.devMode {
		result.DevLink = link
	}
	return result, nil
}

func (s *MagicLinkService) buildLink(raw string) string {
	u, err := url.Parse(s.appOrigin)
	if err != nil {
		u = &url.URL{Scheme: "http", Host: "localhost"}
	}
	u.Path = "/auth/quicksign/verify/" + raw
	return u.String()
}

// CheckResult is the read-only token probe consumed by the client before it
// commits to verification.
type CheckResult struct {
	Valid   bool `json:"valid"`
	Used    bool `json:"used"`
	Expired bool `json:"expired"`
}

// Check reports token state without consuming it. Unknown or malformed
// tokens simply probe as invalid.
func (s *MagicLinkService) Check(ctx context.Context, raw string) (CheckResult, error) {
	hashHex, err := token.Hash(raw)
	if err != nil {
		return CheckResult{}, nil
	}
	t, err := s.links.GetByHash(ctx, hashHex)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return CheckResult{}, nil
		}
		return CheckResult{}, fmt.Errorf("%w: lookup token: %v", autherr.ErrStorageUnavailable, err)
	}
	result := CheckResult{
		Used:    t.UsedAt != nil,
		Expired: !time.Now().Before(t.ExpiresAt),
	}
	result.Valid = !result.Used && !result.Expired
	return result, nil
}

// Verify atomically consumes the token and returns the verified identity
// plus a one-time exchange code for the browser callback. Of any number of
// concurrent verifications of the same token, exactly one succeeds; the
// rest fail with ErrTokenUsed. Expired tokens fail with ErrTokenExpired
// even if never used.
func (s *MagicLinkService) Verify(ctx context.Context, raw string, meta model.DeviceMeta) (model.User, string, error) {
	hashHex, err := token.Hash(raw)
	if err != nil {
		return model.User{}, "", fmt.Errorf("%w: malformed token", autherr.ErrUnauthorized)
	}

	now := time.Now()
	t, err := s.links.Consume(ctx, hashHex, now)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return model.User{}, "", s.classifyConsumeFailure(ctx, hashHex, now, meta)
		}
		return model.User{}, "", fmt.Errorf("%w: consume token: %v", autherr.ErrStorageUnavailable, err)
	}

	var user model.User
	if t.Purpose == model.PurposeSignup {
		user, err = s.users.GetOrCreateByEmail(ctx, t.Email)
	} else {
		user, err = s.users.GetByEmail(ctx, t.Email)
	}
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.security.RecordFailedLogin(ctx, t.Email, nil, meta, "magic link verified for missing account")
			return model.User{}, "", fmt.Errorf("%w: account not found", autherr.ErrUnauthorized)
		}
		return model.User{}, "", fmt.Errorf("%w: resolve user: %v", autherr.ErrStorageUnavailable, err)
	}

	rawCode, codeHash, err := token.Generate()
	if err != nil {
		return model.User{}, "", fmt.Errorf("generate exchange code: %w", err)
	}
	code := model.ExchangeCode{
		ID:        uuid.New(),
		CodeHash:  codeHash,
		UserID:    user.ID,
		ExpiresAt: now.Add(s.codeTTL),
		CreatedAt: now,
	}
	if err := s.codes.Create(ctx, code); err != nil {
		return model.User{}, "", fmt.Errorf("%w: store exchange code: %v", autherr.ErrStorageUnavailable, err)
	}

	return user, rawCode, nil
}

// classifyConsumeFailure distinguishes used from expired from unknown after
// the compare-and-set matched nothing.
func (s *MagicLinkService) classifyConsumeFailure(ctx context.Context, hashHex string, now time.Time, meta model.DeviceMeta) error {
	t, err := s.links.GetByHash(ctx, hashHex)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			s.security.RecordFailedLogin(ctx, meta.IPAddress, nil, meta, "unknown magic link token presented")
			return fmt.Errorf("%w: unknown token", autherr.ErrUnauthorized)
		}
		return fmt.Errorf("%w: lookup token: %v", autherr.ErrStorageUnavailable, err)
	}
	if t.UsedAt != nil {
		s.security.RecordFailedLogin(ctx, t.Email, nil, meta, "used magic link token presented")
		return fmt.Errorf("%w", autherr.ErrTokenUsed)
	}
	if !now.Before(t.ExpiresAt) {
		s.security.RecordFailedLogin(ctx, t.Email, nil, meta, "expired magic link token presented")
		return fmt.Errorf("%w", autherr.ErrTokenExpired)
	}
	// Raced with a concurrent consumer between UPDATE and SELECT.
	return fmt.Errorf("%w", autherr.ErrTokenUsed)
}
