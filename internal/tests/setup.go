package tests

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lumeopage/server/internal/auth"
	httpserver "github.com/lumeopage/server/internal/http"
	"github.com/lumeopage/server/internal/http/handlers"
	"github.com/lumeopage/server/internal/notify"
	"github.com/lumeopage/server/internal/security"
	"github.com/lumeopage/server/internal/token"
)

var errDown = errors.New("store unavailable")

// recordingNotifier captures outbound messages for assertions.
type recordingNotifier struct {
	mu         sync.Mutex
	magicLinks []notify.MagicLinkMessage
	alerts     []notify.SecurityAlertMessage
}

func (n *recordingNotifier) SendMagicLink(_ context.Context, msg notify.MagicLinkMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.magicLinks = append(n.magicLinks, msg)
	return nil
}

func (n *recordingNotifier) SendSecurityAlert(_ context.Context, msg notify.SecurityAlertMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, msg)
	return nil
}

func (n *recordingNotifier) alertCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

func (n *recordingNotifier) lastMagicLink() (notify.MagicLinkMessage, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.magicLinks) == 0 {
		return notify.MagicLinkMessage{}, false
	}
	return n.magicLinks[len(n.magicLinks)-1], true
}

const testAppOrigin = "http://app.test"

// testServer assembles the full stack over in-memory repositories.
type testServer struct {
	Server *httptest.Server

	Users     *memUserRepo
	Links     *memMagicLinkRepo
	Codes     *memExchangeCodeRepo
	Sessions  *memSessionRepo
	Logs      *memSecurityLogRepo
	Prefs     *memPreferencesRepo
	Notifier  *recordingNotifier
	JWT       *token.JWTService
	Auth      *auth.SessionService
	MagicLink *auth.MagicLinkService
	Security  *security.Service
	Sweeper   *auth.Sweeper
}

// tokenTTLs used across the suite; short enough to reason about, long
// enough that nothing expires mid-test.
const (
	testAccessTTL  = 15 * time.Minute
	testRefreshTTL = 7 * 24 * time.Hour
	testLinkTTL    = 10 * time.Minute
	testCodeTTL    = time.Minute
	testRetention  = 7 * 24 * time.Hour
)

func newTestServer(t *testing.T) *testServer {
	return newTestServerWith(t, security.NewBlocklist(nil))
}

// newTestServerWith assembles the stack over a caller-supplied block store;
// the default server uses the degrade-open Redis blocklist with no client.
func newTestServerWith(t *testing.T, blocklist security.BlockStore) *testServer {
	t.Helper()

	users := newMemUserRepo()
	links := newMemMagicLinkRepo()
	codes := newMemExchangeCodeRepo()
	sessions := newMemSessionRepo()
	logs := newMemSecurityLogRepo()
	prefs := newMemPreferencesRepo()
	notifier := &recordingNotifier{}

	recorder := security.NewRecorder(logs)
	securityService := security.NewService(recorder, logs, prefs, users, blocklist, notifier)

	jwtService := token.NewJWTService("test-secret-0123456789abcdef", testAccessTTL)
	sessionService := auth.NewSessionService(sessions, users, codes,
		jwtService, securityService, notifier, testRefreshTTL)
	magicLinkService := auth.NewMagicLinkService(links, users, codes,
		securityService, notifier,
		testLinkTTL, time.Minute, testCodeTTL, testAppOrigin, true)
	oauthService := auth.NewOAuthService(map[string]auth.OAuthProvider{}, users, securityService, time.Second)
	sweeper := auth.NewSweeper(sessions, links, codes, testRetention, time.Hour)

	authHandler := handlers.NewAuthHandler(magicLinkService, sessionService, oauthService, testAppOrigin, false)
	securityHandler := handlers.NewSecurityHandler(securityService)
	router := httpserver.NewRouter(authHandler, securityHandler, jwtService, sessionService, blocklist)

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	return &testServer{
		Server:    srv,
		Users:     users,
		Links:     links,
		Codes:     codes,
		Sessions:  sessions,
		Logs:      logs,
		Prefs:     prefs,
		Notifier:  notifier,
		JWT:       jwtService,
		Auth:      sessionService,
		MagicLink: magicLinkService,
		Security:  securityService,
		Sweeper:   sweeper,
	}
}

func (ts *testServer) BaseURL() string {
	return ts.Server.URL
}

// rawTokenFromLink pulls the raw token out of a delivered magic link.
func rawTokenFromLink(link string) string {
	const marker = "/auth/quicksign/verify/"
	idx := strings.Index(link, marker)
	if idx < 0 {
		return ""
	}
	return link[idx+len(marker):]
}
