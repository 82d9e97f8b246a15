package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumeopage/server/internal/autherr"
	"github.com/lumeopage/server/internal/model"
)

func TestSecurityE2E(t *testing.T) {
	ts := newTestServer(t)
	client := noRedirectClient(ts)

	t.Run("A_FailedLoginsTriggerAutoBlock", func(t *testing.T) {
		email := "victim@example.com"
		link := requestLink(t, ts, client, email, "SIGNUP")
		raw := rawTokenFromLink(link.DevLink)

		// Consume the link legitimately once.
		resp, err := client.Get(ts.BaseURL() + "/auth/quicksign/verify/" + raw)
		require.NoError(t, err)
		resp.Body.Close()

		alertsBefore := ts.Notifier.alertCount()

		// Five replays of the dead link within the window cross the
		// default threshold.
		for i := 0; i < 5; i++ {
			r, err := client.Get(ts.BaseURL() + "/auth/quicksign/verify/" + raw)
			require.NoError(t, err)
			r.Body.Close()
		}

		assert.GreaterOrEqual(t, ts.Logs.countByAction(model.ActionLoginFailed), 5)
		assert.GreaterOrEqual(t, ts.Logs.countByAction(model.ActionSuspiciousActivity), 1,
			"crossing the threshold must log SUSPICIOUS_ACTIVITY")
		assert.Greater(t, ts.Notifier.alertCount(), alertsBefore)
	})

	t.Run("B_SpreadFailuresDoNotTrigger", func(t *testing.T) {
		subject := "slow-attacker@example.com"
		meta := model.DeviceMeta{IPAddress: "192.0.2.7"}

		// Four stale failures well outside the 15-minute window.
		for i := 0; i < 4; i++ {
			ts.Logs.mu.Lock()
			ts.Logs.entries = append(ts.Logs.entries, model.SecurityLogEntry{
				Subject:   subject,
				Action:    model.ActionLoginFailed,
				Status:    model.StatusFailure,
				CreatedAt: time.Now().Add(-time.Hour),
			})
			ts.Logs.mu.Unlock()
		}

		suspiciousBefore := ts.Logs.countByAction(model.ActionSuspiciousActivity)
		ts.Security.RecordFailedLogin(context.Background(), subject, nil, meta, "stale spread")
		assert.Equal(t, suspiciousBefore, ts.Logs.countByAction(model.ActionSuspiciousActivity),
			"failures spread outside the window must not trip the threshold")
	})

	t.Run("C_LogsAreScopedAndPaginated", func(t *testing.T) {
		pair, _ := signIn(t, ts, client, "auditor@example.com")
		signIn(t, ts, client, "bystander@example.com")

		req, _ := http.NewRequest(http.MethodGet, ts.BaseURL()+"/security/logs?limit=1&page=1", nil)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		resp, err := client.Do(req)
		require.NoError(t, err)
		var page struct {
			Entries []struct {
				Action string `json:"action"`
			} `json:"entries"`
			Total int `json:"total"`
			Page  int `json:"page"`
			Limit int `json:"limit"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&page))
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		assert.Len(t, page.Entries, 1)
		assert.Equal(t, 1, page.Limit)
		assert.GreaterOrEqual(t, page.Total, 1)

		// Filtering by action narrows within the caller's own entries.
		req2, _ := http.NewRequest(http.MethodGet, ts.BaseURL()+"/security/logs?action=LOGIN_SUCCESS", nil)
		req2.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		resp2, err := client.Do(req2)
		require.NoError(t, err)
		var filtered struct {
			Entries []struct {
				Action string `json:"action"`
			} `json:"entries"`
			Total int `json:"total"`
		}
		require.NoError(t, json.NewDecoder(resp2.Body).Decode(&filtered))
		resp2.Body.Close()
		assert.Equal(t, 1, filtered.Total, "only the caller's own sign-in is visible")
		for _, e := range filtered.Entries {
			assert.Equal(t, "LOGIN_SUCCESS", e.Action)
		}

		// Status filters match regardless of the query casing; entries are
		// stored lowercase.
		req3, _ := http.NewRequest(http.MethodGet, ts.BaseURL()+"/security/logs?status=SUCCESS", nil)
		req3.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		resp3, err := client.Do(req3)
		require.NoError(t, err)
		var byStatus struct {
			Entries []struct {
				Status string `json:"status"`
			} `json:"entries"`
			Total int `json:"total"`
		}
		require.NoError(t, json.NewDecoder(resp3.Body).Decode(&byStatus))
		resp3.Body.Close()
		require.GreaterOrEqual(t, byStatus.Total, 1, "sign-in entries must match status=SUCCESS")
		for _, e := range byStatus.Entries {
			assert.Equal(t, model.StatusSuccess, e.Status)
		}

		req4, _ := http.NewRequest(http.MethodGet, ts.BaseURL()+"/security/logs?status=failure", nil)
		req4.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		resp4, err := client.Do(req4)
		require.NoError(t, err)
		var failures struct {
			Total int `json:"total"`
		}
		require.NoError(t, json.NewDecoder(resp4.Body).Decode(&failures))
		resp4.Body.Close()
		assert.Zero(t, failures.Total, "the auditor has no failed entries")
	})

	t.Run("D_LogsRequireAuth", func(t *testing.T) {
		resp, err := client.Get(ts.BaseURL() + "/security/logs")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("E_PreferencesRoundTrip", func(t *testing.T) {
		pair, _ := signIn(t, ts, client, "prefs@example.com")

		// Unsaved preferences come back as defaults.
		req, _ := http.NewRequest(http.MethodGet, ts.BaseURL()+"/security/preferences", nil)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		resp, err := client.Do(req)
		require.NoError(t, err)
		var prefs struct {
			FailedLoginThreshold  int  `json:"failed_login_threshold"`
			FailedLoginTimeWindow int  `json:"failed_login_time_window"`
			AutoBlockSuspiciousIP bool `json:"auto_block_suspicious_ip"`
		}
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&prefs))
		resp.Body.Close()
		assert.Equal(t, 5, prefs.FailedLoginThreshold)
		assert.Equal(t, 15, prefs.FailedLoginTimeWindow)
		assert.True(t, prefs.AutoBlockSuspiciousIP)

		// Update within bounds.
		body, _ := json.Marshal(map[string]any{
			"failed_login_threshold":   3,
			"failed_login_time_window": 30,
			"notify_on_suspicious":     true,
			"auto_block_suspicious_ip": false,
		})
		put, _ := http.NewRequest(http.MethodPut, ts.BaseURL()+"/security/preferences", bytes.NewReader(body))
		put.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		put.Header.Set("X-CSRF-Token", pair.CSRFToken)
		respPut, err := client.Do(put)
		require.NoError(t, err)
		respPut.Body.Close()
		require.Equal(t, http.StatusOK, respPut.StatusCode)

		req2, _ := http.NewRequest(http.MethodGet, ts.BaseURL()+"/security/preferences", nil)
		req2.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		resp2, err := client.Do(req2)
		require.NoError(t, err)
		require.NoError(t, json.NewDecoder(resp2.Body).Decode(&prefs))
		resp2.Body.Close()
		assert.Equal(t, 3, prefs.FailedLoginThreshold)
		assert.Equal(t, 30, prefs.FailedLoginTimeWindow)
		assert.False(t, prefs.AutoBlockSuspiciousIP)
	})

	t.Run("F_PreferencesBoundsEnforced", func(t *testing.T) {
		pair, _ := signIn(t, ts, client, "bounds@example.com")

		for _, bad := range []map[string]any{
			{"failed_login_threshold": 0, "failed_login_time_window": 15},
			{"failed_login_threshold": 11, "failed_login_time_window": 15},
			{"failed_login_threshold": 5, "failed_login_time_window": 4},
			{"failed_login_threshold": 5, "failed_login_time_window": 61},
		} {
			body, _ := json.Marshal(bad)
			put, _ := http.NewRequest(http.MethodPut, ts.BaseURL()+"/security/preferences", bytes.NewReader(body))
			put.Header.Set("Authorization", "Bearer "+pair.AccessToken)
			put.Header.Set("X-CSRF-Token", pair.CSRFToken)
			resp, err := client.Do(put)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "payload %v must be rejected", bad)
		}
	})

	t.Run("G_UpdateRequiresCSRF", func(t *testing.T) {
		pair, _ := signIn(t, ts, client, "no-csrf@example.com")

		body, _ := json.Marshal(map[string]any{
			"failed_login_threshold":   3,
			"failed_login_time_window": 30,
		})
		put, _ := http.NewRequest(http.MethodPut, ts.BaseURL()+"/security/preferences", bytes.NewReader(body))
		put.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		resp, err := client.Do(put)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	})
}

// TestAutoBlockEnforcementE2E runs against an enforcing block store and
// checks that a threshold breach actually locks the account and the IP out,
// not just that the decision is written.
func TestAutoBlockEnforcementE2E(t *testing.T) {
	blocks := newMemBlocklist()
	ts := newTestServerWith(t, blocks)
	client := noRedirectClient(ts)
	ctx := context.Background()

	email := "locked-out@example.com"
	link := requestLink(t, ts, client, email, "SIGNUP")
	raw := rawTokenFromLink(link.DevLink)

	// Consume the link once, legitimately.
	resp, err := client.Get(ts.BaseURL() + "/auth/quicksign/verify/" + raw)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusFound, resp.StatusCode)

	// Five replays of the dead link cross the default threshold.
	for i := 0; i < 5; i++ {
		r, err := client.Get(ts.BaseURL() + "/auth/quicksign/verify/" + raw)
		require.NoError(t, err)
		r.Body.Close()
	}

	user, err := ts.Users.GetByEmail(ctx, email)
	require.NoError(t, err)
	require.True(t, blocks.IsUserBlocked(ctx, user.ID.String()),
		"threshold breach must block the account")

	// Minting refuses while the account block holds, whatever the entry
	// point (magic link, oauth, exchange code).
	_, _, err = ts.Auth.Mint(ctx, user, model.DeviceMeta{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, autherr.ErrSuspiciousBlocked))

	// And the source IP is turned away before any auth handler runs.
	respBlocked, err := client.Get(ts.BaseURL() + "/auth/quicksign/check/" + raw)
	require.NoError(t, err)
	respBlocked.Body.Close()
	assert.Equal(t, http.StatusForbidden, respBlocked.StatusCode)
}
