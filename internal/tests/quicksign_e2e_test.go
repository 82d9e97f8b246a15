package tests

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEmail = "alice@example.com"

type quicksignResponse struct {
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
	DevLink   string    `json:"dev_link"`
}

type checkResponse struct {
	Valid   bool `json:"valid"`
	Used    bool `json:"used"`
	Expired bool `json:"expired"`
}

type tokenPairResponse struct {
	AccessToken     string    `json:"access_token"`
	TokenType       string    `json:"token_type"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
	CSRFToken       string    `json:"csrf_token"`
	User            struct {
		ID    string `json:"id"`
		Email string `json:"email"`
		Role  string `json:"role"`
	} `json:"user"`
}

// noRedirectClient returns redirects to the caller instead of following
// them; the verify endpoint answers with a redirect to the app origin.
func noRedirectClient(ts *testServer) *http.Client {
	client := ts.Server.Client()
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}
	return client
}

func postJSON(t *testing.T, client *http.Client, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := client.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeJSON[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func requestLink(t *testing.T, ts *testServer, client *http.Client, email, purpose string) quicksignResponse {
	t.Helper()
	resp := postJSON(t, client, ts.BaseURL()+"/auth/quicksign/request", map[string]string{
		"email":   email,
		"purpose": purpose,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeJSON[quicksignResponse](t, resp)
	require.NotEmpty(t, out.DevLink, "dev mode must expose the link")
	return out
}

// signIn drives the whole quicksign flow and returns the minted pair plus
// the refresh cookie.
func signIn(t *testing.T, ts *testServer, client *http.Client, email string) (tokenPairResponse, *http.Cookie) {
	t.Helper()
	link := requestLink(t, ts, client, email, "SIGNUP")

	raw := rawTokenFromLink(link.DevLink)
	require.NotEmpty(t, raw)

	respVerify, err := client.Get(ts.BaseURL() + "/auth/quicksign/verify/" + raw)
	require.NoError(t, err)
	respVerify.Body.Close()
	require.Equal(t, http.StatusFound, respVerify.StatusCode)

	loc, err := url.Parse(respVerify.Header.Get("Location"))
	require.NoError(t, err)
	code := loc.Query().Get("code")
	require.NotEmpty(t, code, "redirect must carry the exchange code")

	respExchange := postJSON(t, client, ts.BaseURL()+"/auth/quicksign/exchange", map[string]string{"code": code})
	require.Equal(t, http.StatusOK, respExchange.StatusCode)

	var refreshCookie *http.Cookie
	for _, c := range respExchange.Cookies() {
		if c.Name == "refresh_token" {
			refreshCookie = c
		}
	}
	require.NotNil(t, refreshCookie, "exchange must set the refresh cookie")
	assert.True(t, refreshCookie.HttpOnly)

	pair := decodeJSON[tokenPairResponse](t, respExchange)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.CSRFToken)
	return pair, refreshCookie
}

func TestQuicksignE2E(t *testing.T) {
	ts := newTestServer(t)
	client := noRedirectClient(ts)

	t.Run("A_Health", func(t *testing.T) {
		resp, err := client.Get(ts.BaseURL() + "/health")
		require.NoError(t, err)
		body := decodeJSON[map[string]string](t, resp)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", body["status"])
	})

	t.Run("B_FullFlow", func(t *testing.T) {
		pair, _ := signIn(t, ts, client, testEmail)
		assert.Equal(t, "bearer", pair.TokenType)
		assert.Equal(t, testEmail, pair.User.Email)
		assert.Equal(t, "user", pair.User.Role)

		// The pair authenticates against a protected route.
		req, _ := http.NewRequest(http.MethodGet, ts.BaseURL()+"/auth/sessions", nil)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
		resp, err := client.Do(req)
		require.NoError(t, err)
		sessions := decodeJSON[map[string]json.RawMessage](t, resp)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, sessions, "sessions")
	})

	t.Run("C_CheckStates", func(t *testing.T) {
		link := requestLink(t, ts, client, "check-states@example.com", "SIGNUP")
		raw := rawTokenFromLink(link.DevLink)

		// Fresh token probes valid.
		respCheck, err := client.Get(ts.BaseURL() + "/auth/quicksign/check/" + raw)
		require.NoError(t, err)
		check := decodeJSON[checkResponse](t, respCheck)
		assert.True(t, check.Valid)
		assert.False(t, check.Used)

		// After verification it probes used, and the check itself did not
		// consume it.
		respVerify, err := client.Get(ts.BaseURL() + "/auth/quicksign/verify/" + raw)
		require.NoError(t, err)
		respVerify.Body.Close()
		require.Equal(t, http.StatusFound, respVerify.StatusCode)

		respCheck2, err := client.Get(ts.BaseURL() + "/auth/quicksign/check/" + raw)
		require.NoError(t, err)
		check2 := decodeJSON[checkResponse](t, respCheck2)
		assert.False(t, check2.Valid)
		assert.True(t, check2.Used)

		// Unknown tokens probe as plainly invalid, not as an error.
		respCheck3, err := client.Get(ts.BaseURL() + "/auth/quicksign/check/not-a-real-token")
		require.NoError(t, err)
		check3 := decodeJSON[checkResponse](t, respCheck3)
		assert.False(t, check3.Valid)
		assert.False(t, check3.Used)
		assert.False(t, check3.Expired)
	})

	t.Run("D_VerifyOnce", func(t *testing.T) {
		link := requestLink(t, ts, client, "verify-once@example.com", "SIGNUP")
		raw := rawTokenFromLink(link.DevLink)

		resp1, err := client.Get(ts.BaseURL() + "/auth/quicksign/verify/" + raw)
		require.NoError(t, err)
		resp1.Body.Close()
		require.Equal(t, http.StatusFound, resp1.StatusCode)

		// The second click lands on the app with an error tag, never a
		// second code.
		resp2, err := client.Get(ts.BaseURL() + "/auth/quicksign/verify/" + raw)
		require.NoError(t, err)
		resp2.Body.Close()
		require.Equal(t, http.StatusFound, resp2.StatusCode)
		loc, err := url.Parse(resp2.Header.Get("Location"))
		require.NoError(t, err)
		assert.Empty(t, loc.Query().Get("code"))
		assert.Equal(t, "link_expired_or_used", loc.Query().Get("error"))
	})

	t.Run("E_Cooldown", func(t *testing.T) {
		email := "cooldown@example.com"
		requestLink(t, ts, client, email, "SIGNUP")

		resp := postJSON(t, client, ts.BaseURL()+"/auth/quicksign/request", map[string]string{
			"email":   email,
			"purpose": "SIGNUP",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode,
			"second request inside the cooldown must be rejected")
	})

	t.Run("F_LoginRequiresAccount", func(t *testing.T) {
		resp := postJSON(t, client, ts.BaseURL()+"/auth/quicksign/request", map[string]string{
			"email":   "nobody@example.com",
			"purpose": "LOGIN",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("G_InvalidEmail", func(t *testing.T) {
		resp := postJSON(t, client, ts.BaseURL()+"/auth/quicksign/request", map[string]string{
			"email":   "not an email",
			"purpose": "SIGNUP",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("H_ExchangeCodeSingleUse", func(t *testing.T) {
		link := requestLink(t, ts, client, "exchange-once@example.com", "SIGNUP")
		raw := rawTokenFromLink(link.DevLink)

		respVerify, err := client.Get(ts.BaseURL() + "/auth/quicksign/verify/" + raw)
		require.NoError(t, err)
		respVerify.Body.Close()
		loc, err := url.Parse(respVerify.Header.Get("Location"))
		require.NoError(t, err)
		code := loc.Query().Get("code")
		require.NotEmpty(t, code)

		resp1 := postJSON(t, client, ts.BaseURL()+"/auth/quicksign/exchange", map[string]string{"code": code})
		resp1.Body.Close()
		require.Equal(t, http.StatusOK, resp1.StatusCode)

		resp2 := postJSON(t, client, ts.BaseURL()+"/auth/quicksign/exchange", map[string]string{"code": code})
		defer resp2.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
	})

	t.Run("I_NewLinkInvalidatesPrevious", func(t *testing.T) {
		email := "reissue@example.com"
		first := requestLink(t, ts, client, email, "SIGNUP")
		firstRaw := rawTokenFromLink(first.DevLink)

		// Bypass the cooldown the way a user waiting it out would: the
		// service only counts recently issued tokens.
		ts.Links.mu.Lock()
		for _, tok := range ts.Links.tokens {
			if tok.Email == email {
				tok.IssuedAt = tok.IssuedAt.Add(-2 * time.Minute)
			}
		}
		ts.Links.mu.Unlock()

		second := requestLink(t, ts, client, email, "SIGNUP")
		require.NotEqual(t, first.DevLink, second.DevLink)

		respCheck, err := client.Get(ts.BaseURL() + "/auth/quicksign/check/" + firstRaw)
		require.NoError(t, err)
		check := decodeJSON[checkResponse](t, respCheck)
		assert.True(t, check.Used, "issuing a new link must invalidate the previous one")

		resp, err := client.Get(ts.BaseURL() + "/auth/quicksign/verify/" + firstRaw)
		require.NoError(t, err)
		resp.Body.Close()
		loc, err := url.Parse(resp.Header.Get("Location"))
		require.NoError(t, err)
		assert.Empty(t, loc.Query().Get("code"))
	})

	t.Run("J_RawTokenNeverStored", func(t *testing.T) {
		link := requestLink(t, ts, client, "hash-only@example.com", "SIGNUP")
		raw := rawTokenFromLink(link.DevLink)

		ts.Links.mu.Lock()
		defer ts.Links.mu.Unlock()
		for _, tok := range ts.Links.tokens {
			assert.NotEqual(t, raw, tok.TokenHash)
			assert.False(t, strings.Contains(tok.TokenHash, raw))
		}
	})

	t.Run("K_ConsumedLinkLiftsCooldown", func(t *testing.T) {
		email := "eager@example.com"
		link := requestLink(t, ts, client, email, "SIGNUP")
		raw := rawTokenFromLink(link.DevLink)

		respVerify, err := client.Get(ts.BaseURL() + "/auth/quicksign/verify/" + raw)
		require.NoError(t, err)
		respVerify.Body.Close()
		require.Equal(t, http.StatusFound, respVerify.StatusCode)

		// The link was used; a fresh request right away is not rate limited.
		resp := postJSON(t, client, ts.BaseURL()+"/auth/quicksign/request", map[string]string{
			"email":   email,
			"purpose": "SIGNUP",
		})
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode,
			"only an outstanding unused link holds the cooldown")
	})
}
