package tests

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumeopage/server/internal/auth"
	"github.com/lumeopage/server/internal/autherr"
	"github.com/lumeopage/server/internal/model"
)

// TestVerifyExactlyOnce hammers one magic link token with concurrent
// verifications; exactly one may win.
func TestVerifyExactlyOnce(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	result, err := ts.MagicLink.Issue(ctx, "concurrent@example.com", model.PurposeSignup, model.DeviceMeta{})
	require.NoError(t, err)
	raw := rawTokenFromLink(result.DevLink)
	require.NotEmpty(t, raw)

	const workers = 16
	var wg sync.WaitGroup
	successes := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, code, err := ts.MagicLink.Verify(ctx, raw, model.DeviceMeta{})
			if err == nil {
				successes <- code
			}
		}()
	}
	wg.Wait()
	close(successes)

	var codes []string
	for c := range successes {
		codes = append(codes, c)
	}
	require.Len(t, codes, 1, "exactly one concurrent verification may succeed")
}

// TestRefreshExactlyOnce runs concurrent refreshes with the same token;
// one wins, the losers are treated as replays.
func TestRefreshExactlyOnce(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	user, err := ts.Users.GetOrCreateByEmail(ctx, "concurrent-refresh@example.com")
	require.NoError(t, err)
	pair, _, err := ts.Auth.Mint(ctx, user, model.DeviceMeta{})
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _, err := ts.Auth.Refresh(ctx, pair.RefreshToken, pair.CSRFToken, model.DeviceMeta{})
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else {
				assert.True(t, errors.Is(err, autherr.ErrUnauthorized))
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, wins, "exactly one concurrent refresh may succeed")
}

func TestExpiredLinkFailsEvenIfUnused(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	result, err := ts.MagicLink.Issue(ctx, "late@example.com", model.PurposeSignup, model.DeviceMeta{})
	require.NoError(t, err)
	raw := rawTokenFromLink(result.DevLink)

	// Age the token past its expiry.
	ts.Links.mu.Lock()
	for _, tok := range ts.Links.tokens {
		tok.ExpiresAt = time.Now().Add(-time.Minute)
	}
	ts.Links.mu.Unlock()

	_, _, err = ts.MagicLink.Verify(ctx, raw, model.DeviceMeta{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, autherr.ErrTokenExpired))

	check, err := ts.MagicLink.Check(ctx, raw)
	require.NoError(t, err)
	assert.True(t, check.Expired)
	assert.False(t, check.Valid)
}

func TestSweepEnforcesRetention(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	user, err := ts.Users.GetOrCreateByEmail(ctx, "sweep@example.com")
	require.NoError(t, err)

	now := time.Now()
	liveID, expiredID, ancientID := uuid.New(), uuid.New(), uuid.New()
	for _, s := range []model.Session{
		{ID: liveID, UserID: user.ID, RefreshTokenHash: "live", CSRFTokenHash: "c1",
			RefreshExpiresAt: now.Add(time.Hour), LastActivity: now, CreatedAt: now},
		{ID: expiredID, UserID: user.ID, RefreshTokenHash: "expired", CSRFTokenHash: "c2",
			RefreshExpiresAt: now.Add(-time.Hour), LastActivity: now, CreatedAt: now},
		{ID: ancientID, UserID: user.ID, RefreshTokenHash: "ancient", CSRFTokenHash: "c3",
			RefreshExpiresAt: now.Add(-testRetention - time.Hour), LastActivity: now, CreatedAt: now},
	} {
		require.NoError(t, ts.Sessions.Create(ctx, s))
	}

	ts.Links.mu.Lock()
	ts.Links.tokens[uuid.New()] = &model.MagicLinkToken{
		ID: uuid.New(), Email: "old@example.com", Purpose: model.PurposeLogin,
		TokenHash: "old", ExpiresAt: now.Add(-testRetention - time.Hour),
	}
	ts.Links.mu.Unlock()

	ts.Sweeper.Sweep(ctx)

	// The live session is untouched.
	live, err := ts.Sessions.GetByID(ctx, liveID)
	require.NoError(t, err)
	assert.False(t, live.IsRevoked)

	// The recently expired one is revoked but retained for the audit trail.
	expired, err := ts.Sessions.GetByID(ctx, expiredID)
	require.NoError(t, err)
	assert.True(t, expired.IsRevoked)
	require.NotNil(t, expired.RevokedReason)
	assert.Equal(t, model.RevokedExpired, *expired.RevokedReason)

	// The one past retention is gone.
	_, err = ts.Sessions.GetByID(ctx, ancientID)
	require.Error(t, err)

	ts.Links.mu.Lock()
	linkCount := len(ts.Links.tokens)
	ts.Links.mu.Unlock()
	assert.Zero(t, linkCount, "tokens past retention are deleted")
}

type fakeProvider struct {
	email string
	err   error
}

func (p fakeProvider) ExchangeCode(_ context.Context, _ string) (string, error) {
	return p.email, p.err
}

func TestOAuthExchange(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	t.Run("ProvisionsAccountOnFirstExchange", func(t *testing.T) {
		svc := auth.NewOAuthService(map[string]auth.OAuthProvider{
			"google": fakeProvider{email: "OAuth-User@Example.com"},
		}, ts.Users, ts.Security, time.Second)

		user, err := svc.Exchange(ctx, "google", "good-code", model.DeviceMeta{})
		require.NoError(t, err)
		assert.Equal(t, "oauth-user@example.com", user.Email, "provider emails are normalized")

		again, err := svc.Exchange(ctx, "google", "good-code", model.DeviceMeta{})
		require.NoError(t, err)
		assert.Equal(t, user.ID, again.ID, "repeat exchanges resolve the same account")
	})

	t.Run("UnknownProviderRejected", func(t *testing.T) {
		svc := auth.NewOAuthService(map[string]auth.OAuthProvider{}, ts.Users, ts.Security, time.Second)
		_, err := svc.Exchange(ctx, "gitlab", "code", model.DeviceMeta{})
		require.Error(t, err)
		assert.True(t, errors.Is(err, autherr.ErrInvalidInput))
	})

	t.Run("ProviderFailureSurfacesAndIsAudited", func(t *testing.T) {
		svc := auth.NewOAuthService(map[string]auth.OAuthProvider{
			"github": fakeProvider{err: errors.New("upstream said no")},
		}, ts.Users, ts.Security, time.Second)

		failedBefore := ts.Logs.countByAction(model.ActionLoginFailed)
		_, err := svc.Exchange(ctx, "github", "bad-code", model.DeviceMeta{IPAddress: "198.51.100.4"})
		require.Error(t, err)
		assert.True(t, errors.Is(err, autherr.ErrProvider))
		assert.Greater(t, ts.Logs.countByAction(model.ActionLoginFailed), failedBefore)
	})
}
