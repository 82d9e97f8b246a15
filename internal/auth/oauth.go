package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/lumeopage/server/internal/autherr"
	"github.com/lumeopage/server/internal/model"
	"github.com/lumeopage/server/internal/repo"
	"github.com/lumeopage/server/internal/security"
)

// OAuthProvider exchanges an authorization code for the provider-verified
// email. Implementations wrap one upstream identity provider.
type OAuthProvider interface {
	ExchangeCode(ctx context.Context, code string) (email string, err error)
}

// OAuthService resolves authorization codes from configured providers into
// local accounts. Sign-in and sign-up converge here: an unknown email gets
// an account on first exchange.
type OAuthService struct {
	providers map[string]OAuthProvider
	users     repo.UserRepo
	security  *security.Service
	timeout   time.Duration
}

// NewOAuthService creates the service with the given provider set. Keys
// are lowercase provider names as they appear in the callback URL.
func NewOAuthService(providers map[string]OAuthProvider, users repo.UserRepo, sec *security.Service, timeout time.Duration) *OAuthService {
	return &OAuthService{
		providers: providers,
		users:     users,
		security:  sec,
		timeout:   timeout,
	}
}

// Providers returns the configured provider names.
func (s *OAuthService) Providers() []string {
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	return names
}

// Exchange trades the authorization code for the provider identity and
// returns the matching (or newly provisioned) local account. Provider
// outages and rejected codes surface as ErrProvider after a bounded wait;
// they never hang the caller past the configured timeout.
func (s *OAuthService) Exchange(ctx context.Context, provider, code string, meta model.DeviceMeta) (model.User, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	p, ok := s.providers[provider]
	if !ok {
		return model.User{}, fmt.Errorf("%w: unknown provider %q", autherr.ErrInvalidInput, provider)
	}
	if code == "" {
		return model.User{}, fmt.Errorf("%w: missing authorization code", autherr.ErrInvalidInput)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	email, err := p.ExchangeCode(ctx, code)
	if err != nil {
		s.security.RecordFailedLogin(ctx, meta.IPAddress, nil, meta,
			fmt.Sprintf("oauth exchange with %s failed", provider))
		return model.User{}, fmt.Errorf("%w: %s exchange: %v", autherr.ErrProvider, provider, err)
	}
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" {
		return model.User{}, fmt.Errorf("%w: %s returned no verified email", autherr.ErrProvider, provider)
	}

	user, err := s.users.GetOrCreateByEmail(ctx, email)
	if err != nil {
		return model.User{}, fmt.Errorf("%w: resolve account: %v", autherr.ErrStorageUnavailable, err)
	}
	return user, nil
}

// googleProvider talks to Google's token and userinfo endpoints.
type googleProvider struct {
	cfg    *oauth2.Config
	client *http.Client
}

// NewGoogleProvider configures the Google code exchange.
func NewGoogleProvider(clientID, clientSecret, redirectURL string) OAuthProvider {
	return &googleProvider{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"openid", "email"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
				TokenURL: "https://oauth2.googleapis.com/token",
			},
		},
		client: &http.Client{},
	}
}

func (g *googleProvider) ExchangeCode(ctx context.Context, code string) (string, error) {
	tok, err := g.cfg.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("exchange code: %w", err)
	}
	var info struct {
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
	}
	if err := fetchJSON(ctx, g.client, tok, "https://openidconnect.googleapis.com/v1/userinfo", &info); err != nil {
		return "", err
	}
	if !info.EmailVerified {
		return "", fmt.Errorf("email not verified with provider")
	}
	return info.Email, nil
}

// githubProvider talks to GitHub's token and email endpoints.
type githubProvider struct {
	cfg    *oauth2.Config
	client *http.Client
}

// NewGithubProvider configures the GitHub code exchange.
func NewGithubProvider(clientID, clientSecret, redirectURL string) OAuthProvider {
	return &githubProvider{
		cfg: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"user:email"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://github.com/login/oauth/authorize",
				TokenURL: "https://github.com/login/oauth/access_token",
			},
		},
		client: &http.Client{},
	}
}

func (g *githubProvider) ExchangeCode(ctx context.Context, code string) (string, error) {
	tok, err := g.cfg.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("exchange code: %w", err)
	}
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := fetchJSON(ctx, g.client, tok, "https://api.github.com/user/emails", &emails); err != nil {
		return "", err
	}
	for _, e := range emails {
		if e.Primary && e.Verified {
			return e.Email, nil
		}
	}
	return "", fmt.Errorf("no verified primary email on the account")
}

func fetchJSON(ctx context.Context, client *http.Client, tok *oauth2.Token, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	tok.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("fetch %s: status %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
