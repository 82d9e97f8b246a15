// Package notify is the outbound notification channel. Delivery (email,
// Telegram, push) happens outside this service; we publish structured
// messages and a downstream worker fans them out.
package notify

import (
	"context"
	"log"
	"time"
)

// MagicLinkMessage asks the delivery worker to send a sign-in link.
type MagicLinkMessage struct {
	Email     string    `json:"email"`
	Link      string    `json:"link"`
	Purpose   string    `json:"purpose"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SecurityAlertMessage notifies a user about a security-relevant event.
type SecurityAlertMessage struct {
	Email       string            `json:"email,omitempty"`
	UserID      string            `json:"user_id,omitempty"`
	Subject     string            `json:"subject"`
	Action      string            `json:"action"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// Notifier delivers outbound notifications. Implementations must not block
// the authentication flow on delivery; failures are logged, not surfaced.
type Notifier interface {
	SendMagicLink(ctx context.Context, msg MagicLinkMessage) error
	SendSecurityAlert(ctx context.Context, msg SecurityAlertMessage) error
}

// LogNotifier is the dev/test fallback: it logs instead of publishing.
// Raw links are never logged.
type LogNotifier struct{}

func (LogNotifier) SendMagicLink(_ context.Context, msg MagicLinkMessage) error {
	log.Printf("notify: magic link for %s (purpose=%s, expires %s)", maskEmail(msg.Email), msg.Purpose, msg.ExpiresAt.Format(time.RFC3339))
	return nil
}

func (LogNotifier) SendSecurityAlert(_ context.Context, msg SecurityAlertMessage) error {
	log.Printf("notify: security alert %s for %s: %s", msg.Action, msg.Subject, msg.Description)
	return nil
}

// maskEmail masks the local part of an address for logging (e.g. jo****@x.com).
func maskEmail(email string) string {
	at := -1
	for i, c := range email {
		if c == '@' {
			at = i
			break
		}
	}
	if at <= 2 {
		return "****"
	}
	return email[:2] + "****" + email[at:]
}
