package token

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWTService_signAndVerify(t *testing.T) {
	svc := NewJWTService("test-secret-at-least-32-characters!!", 15*time.Minute)
	userID := uuid.New()
	sessionID := uuid.New()

	signed, expiresAt, err := svc.Sign(userID, "a@x.com", "user", sessionID)
	require.NoError(t, err)
	require.NotEmpty(t, signed)

	claims, err := svc.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "a@x.com", claims.Email)
	assert.Equal(t, "user", claims.Role)
	assert.Equal(t, sessionID, claims.SessionID)

	// Expiry claim must be present and match the returned timestamp: it is
	// the signal clients use to schedule countdowns and proactive refreshes.
	require.NotNil(t, claims.ExpiresAt)
	assert.WithinDuration(t, expiresAt, claims.ExpiresAt.Time, time.Second)
	assert.WithinDuration(t, time.Now().Add(15*time.Minute), claims.ExpiresAt.Time, 5*time.Second)
}

func TestJWTService_rejectsWrongSecret(t *testing.T) {
	a := NewJWTService("secret-a-secret-a-secret-a-secret-a!", time.Minute)
	b := NewJWTService("secret-b-secret-b-secret-b-secret-b!", time.Minute)

	signed, _, err := a.Sign(uuid.New(), "a@x.com", "user", uuid.New())
	require.NoError(t, err)

	_, err = b.Verify(signed)
	assert.Error(t, err)
}

func TestJWTService_rejectsExpired(t *testing.T) {
	svc := NewJWTService("test-secret-at-least-32-characters!!", -time.Minute)

	signed, _, err := svc.Sign(uuid.New(), "a@x.com", "user", uuid.New())
	require.NoError(t, err)

	_, err = svc.Verify(signed)
	assert.Error(t, err)
}
