package model

import (
	"time"

	"github.com/google/uuid"
)

// User is the identity anchor. Everything else references it by ID.
type User struct {
	ID            uuid.UUID
	Email         string
	Phone         *string
	Role          string
	TwoFAEnabled  bool
	EmailVerified bool
	CreatedAt     time.Time
}

// MagicLinkPurpose distinguishes sign-in links from sign-up links.
type MagicLinkPurpose string

const (
	PurposeLogin  MagicLinkPurpose = "LOGIN"
	PurposeSignup MagicLinkPurpose = "SIGNUP"
)

// MagicLinkToken is a single-use sign-in credential. Only the SHA-256 hash
// of the raw token is stored. UsedAt is set exactly once; a token with a
// non-nil UsedAt must never authenticate again.
type MagicLinkToken struct {
	ID        uuid.UUID
	Email     string
	Purpose   MagicLinkPurpose
	TokenHash string
	IssuedAt  time.Time
	ExpiresAt time.Time
	UsedAt    *time.Time
	RequestIP *string
	UserAgent *string
}

// ExchangeCode is a short-lived one-time code handed to the browser after a
// magic link is verified, so raw session tokens never ride on a redirect URL.
type ExchangeCode struct {
	ID        uuid.UUID
	CodeHash  string
	UserID    uuid.UUID
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}

// DeviceMeta is best-effort, non-authoritative client metadata captured on
// authentication and attached to sessions and security log entries.
type DeviceMeta struct {
	DeviceType string
	Browser    string
	OS         string
	IPAddress  string
	Location   string
}

// Session binds one authenticated device/browser to a user. The refresh
// token is stored as a hash; PrevTokenHash keeps exactly one rotated-away
// generation for reuse detection.
type Session struct {
	ID               uuid.UUID
	UserID           uuid.UUID
	DeviceType       string
	Browser          string
	OS               string
	IPAddress        string
	Location         string
	RefreshTokenHash string
	PrevTokenHash    *string
	CSRFTokenHash    string
	RefreshExpiresAt time.Time
	RotationCount    int
	IsRevoked        bool
	RevokedReason    *string
	RevokedAt        *time.Time
	LastActivity     time.Time
	CreatedAt        time.Time
}

// Revocation reasons recorded on sessions.
const (
	RevokedByUser          = "USER_LOGOUT"
	RevokedByAdmin         = "FORCED_LOGOUT"
	RevokedExpired         = "EXPIRED"
	RevokedTokenReuse      = "TOKEN_REUSE_DETECTED"
	RevokedSuspiciousBlock = "SUSPICIOUS_ACTIVITY_BLOCK"
)

// SecurityAction enumerates auditable authentication events.
type SecurityAction string

const (
	ActionLoginSuccess       SecurityAction = "LOGIN_SUCCESS"
	ActionLoginFailed        SecurityAction = "LOGIN_FAILED"
	ActionLogout             SecurityAction = "LOGOUT"
	ActionPasswordChange     SecurityAction = "PASSWORD_CHANGE"
	ActionSuspiciousActivity SecurityAction = "SUSPICIOUS_ACTIVITY"
	ActionDeviceNew          SecurityAction = "DEVICE_NEW"
	ActionSessionRevoked     SecurityAction = "SESSION_REVOKED"
)

// Statuses recorded on security log entries.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// SecurityLogEntry is an append-only audit record. Subject is the counting
// key for events that may lack a user (an email or an IP address). Metadata
// is a closed string-to-string payload so records stay typed and replayable.
type SecurityLogEntry struct {
	ID          uuid.UUID
	UserID      *uuid.UUID
	Subject     string
	Action      SecurityAction
	Status      string
	Description string
	IPAddress   string
	DeviceType  string
	Browser     string
	OS          string
	Metadata    map[string]string
	CreatedAt   time.Time
}

// SecurityPreferences is per-user auto-block and notification configuration.
type SecurityPreferences struct {
	UserID                uuid.UUID
	NotifyOnLogin         bool
	NotifyOnFailedLogin   bool
	NotifyOnNewDevice     bool
	NotifyOnSuspicious    bool
	FailedLoginThreshold  int
	FailedLoginWindowMin  int
	AutoBlockSuspiciousIP bool
	UpdatedAt             time.Time
}

// Bounds for SecurityPreferences fields.
const (
	MinFailedLoginThreshold = 1
	MaxFailedLoginThreshold = 10
	MinFailedLoginWindowMin = 5
	MaxFailedLoginWindowMin = 60
)

// DefaultPreferences returns the preferences applied before a user has
// saved any of their own.
func DefaultPreferences(userID uuid.UUID) SecurityPreferences {
	return SecurityPreferences{
		UserID:                userID,
		NotifyOnFailedLogin:   true,
		NotifyOnNewDevice:     true,
		NotifyOnSuspicious:    true,
		FailedLoginThreshold:  5,
		FailedLoginWindowMin:  15,
		AutoBlockSuspiciousIP: true,
	}
}
