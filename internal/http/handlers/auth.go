package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/lumeopage/server/internal/auth"
	"github.com/lumeopage/server/internal/autherr"
	"github.com/lumeopage/server/internal/middleware"
	"github.com/lumeopage/server/internal/model"
)

const (
	refreshCookieName = "refresh_token"
	csrfCookieName    = "csrf_token"
)

// AuthHandler handles the sign-in and session endpoints.
type AuthHandler struct {
	magicLinks *auth.MagicLinkService
	sessions   *auth.SessionService
	oauth      *auth.OAuthService

	ipLimiter *middleware.RateLimiter
	appOrigin string
	secure    bool
}

// NewAuthHandler creates the auth handler. The IP limiter covers the
// quicksign request endpoint on top of the per-email cooldown.
func NewAuthHandler(magicLinks *auth.MagicLinkService, sessions *auth.SessionService, oauth *auth.OAuthService,
	appOrigin string, secure bool) *AuthHandler {
	return &AuthHandler{
		magicLinks: magicLinks,
		sessions:   sessions,
		oauth:      oauth,
		ipLimiter:  middleware.NewRateLimiter(10*time.Minute, 20),
		appOrigin:  appOrigin,
		secure:     secure,
	}
}

// quicksignRequest is the request body for POST /auth/quicksign/request
type quicksignRequest struct {
	Email   string `json:"email"`
	Purpose string `json:"purpose"`
}

// quicksignResponse is the JSON response for quicksign/request
type quicksignResponse struct {
	Message   string    `json:"message"`
	ExpiresAt time.Time `json:"expires_at"`
	DevLink   string    `json:"dev_link,omitempty"`
}

// HandleQuicksignRequest handles POST /auth/quicksign/request
func (h *AuthHandler) HandleQuicksignRequest(w http.ResponseWriter, r *http.Request) {
	var req quicksignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" {
		respondWithError(w, http.StatusBadRequest, "email is required")
		return
	}
	purpose := model.MagicLinkPurpose(strings.ToUpper(strings.TrimSpace(req.Purpose)))
	if purpose == "" {
		purpose = model.PurposeLogin
	}

	if !h.ipLimiter.Allow(middleware.IPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	result, err := h.magicLinks.Issue(r.Context(), req.Email, purpose, deviceMetaFrom(r))
	if err != nil {
		logMaskedEmail(req.Email, "magic link request failed", err)
		respondWithAuthError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, quicksignResponse{
		Message:   "link_sent",
		ExpiresAt: result.ExpiresAt,
		DevLink:   result.DevLink,
	})
}

// HandleQuicksignCheck handles GET /auth/quicksign/check/{token}
func (h *AuthHandler) HandleQuicksignCheck(w http.ResponseWriter, r *http.Request) {
	result, err := h.magicLinks.Check(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		respondWithAuthError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// HandleQuicksignVerify handles GET /auth/quicksign/verify/{token}. This is
// the link the user clicks; it always answers with a redirect so the
// browser lands back on the app, carrying either the one-time exchange
// code or an error tag.
func (h *AuthHandler) HandleQuicksignVerify(w http.ResponseWriter, r *http.Request) {
	_, code, err := h.magicLinks.Verify(r.Context(), chi.URLParam(r, "token"), deviceMetaFrom(r))
	if err != nil {
		h.redirectToApp(w, r, url.Values{"error": {verifyErrorTag(err)}})
		return
	}
	h.redirectToApp(w, r, url.Values{"code": {code}})
}

func verifyErrorTag(err error) string {
	switch autherr.HTTPStatus(err) {
	case http.StatusGone:
		return "link_expired_or_used"
	case http.StatusServiceUnavailable:
		return "temporarily_unavailable"
	default:
		return "invalid_link"
	}
}

func (h *AuthHandler) redirectToApp(w http.ResponseWriter, r *http.Request, query url.Values) {
	u, err := url.Parse(h.appOrigin)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, "misconfigured app origin")
		return
	}
	u.Path = "/auth/complete"
	u.RawQuery = query.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

// exchangeRequest is the request body for POST /auth/quicksign/exchange
type exchangeRequest struct {
	Code string `json:"code"`
}

// tokenPairResponse is the JSON response whenever a session is minted or
// refreshed. The refresh token additionally travels as an HttpOnly cookie.
type tokenPairResponse struct {
	AccessToken     string       `json:"access_token"`
	TokenType       string       `json:"token_type"`
	AccessExpiresAt time.Time    `json:"access_expires_at"`
	CSRFToken       string       `json:"csrf_token"`
	User            userResponse `json:"user"`
}

// userResponse is the user object in API responses
type userResponse struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// HandleQuicksignExchange handles POST /auth/quicksign/exchange
func (h *AuthHandler) HandleQuicksignExchange(w http.ResponseWriter, r *http.Request) {
	var req exchangeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Code = strings.TrimSpace(req.Code)
	if req.Code == "" {
		respondWithError(w, http.StatusBadRequest, "code is required")
		return
	}

	pair, _, user, err := h.sessions.Exchange(r.Context(), req.Code, deviceMetaFrom(r))
	if err != nil {
		respondWithAuthError(w, err)
		return
	}
	h.respondWithPair(w, pair, user)
}

// oauthCallbackRequest is the request body for POST /auth/oauth/callback
type oauthCallbackRequest struct {
	Provider string `json:"provider"`
	Code     string `json:"code"`
}

// HandleOAuthCallback handles POST /auth/oauth/callback
func (h *AuthHandler) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	var req oauthCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	meta := deviceMetaFrom(r)
	user, err := h.oauth.Exchange(r.Context(), req.Provider, req.Code, meta)
	if err != nil {
		log.Printf("oauth callback via %s failed: %v", req.Provider, err)
		respondWithAuthError(w, err)
		return
	}

	pair, _, err := h.sessions.Mint(r.Context(), user, meta)
	if err != nil {
		respondWithAuthError(w, err)
		return
	}
	h.respondWithPair(w, pair, user)
}

// HandleRefresh handles POST /auth/refresh. The refresh token comes from
// the HttpOnly cookie (with a body fallback for non-browser clients) and
// must be accompanied by the session's CSRF token in X-CSRF-Token.
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	rawRefresh := h.refreshTokenFrom(r)
	if rawRefresh == "" {
		respondWithError(w, http.StatusUnauthorized, "missing refresh token")
		return
	}
	presentedCSRF := r.Header.Get("X-CSRF-Token")
	if presentedCSRF == "" {
		respondWithError(w, http.StatusForbidden, "missing csrf token")
		return
	}

	pair, _, user, err := h.sessions.Refresh(r.Context(), rawRefresh, presentedCSRF, deviceMetaFrom(r))
	if err != nil {
		h.clearSessionCookies(w)
		respondWithAuthError(w, err)
		return
	}
	h.respondWithPair(w, pair, user)
}

// HandleLogout handles POST /auth/logout. Logging out an already dead
// session still succeeds.
func (h *AuthHandler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	rawRefresh := h.refreshTokenFrom(r)
	if rawRefresh != "" {
		if err := h.sessions.Logout(r.Context(), rawRefresh); err != nil {
			respondWithAuthError(w, err)
			return
		}
	}
	h.clearSessionCookies(w)
	respondJSON(w, http.StatusOK, map[string]string{"message": "logged out"})
}

// sessionResponse is one entry in the device-management list
type sessionResponse struct {
	ID           string    `json:"id"`
	DeviceType   string    `json:"device_type"`
	Browser      string    `json:"browser"`
	OS           string    `json:"os"`
	IPAddress    string    `json:"ip_address"`
	Location     string    `json:"location,omitempty"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
	Current      bool      `json:"current"`
}

// HandleListSessions handles GET /auth/sessions (protected)
func (h *AuthHandler) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	sessions, err := h.sessions.ListActive(r.Context(), claims.UserID)
	if err != nil {
		respondWithAuthError(w, err)
		return
	}

	out := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionResponse{
			ID:           s.ID.String(),
			DeviceType:   s.DeviceType,
			Browser:      s.Browser,
			OS:           s.OS,
			IPAddress:    s.IPAddress,
			Location:     s.Location,
			LastActivity: s.LastActivity,
			CreatedAt:    s.CreatedAt,
			Current:      s.ID == claims.SessionID,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

// HandleRevokeSession handles DELETE /auth/sessions/{id} (protected + CSRF)
func (h *AuthHandler) HandleRevokeSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid session id")
		return
	}

	if err := h.sessions.RevokeUserSession(r.Context(), claims.UserID, sessionID, claims.SessionID); err != nil {
		respondWithAuthError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "session revoked"})
}

// HandleRevokeAllSessions handles DELETE /auth/sessions (protected + CSRF).
// It signs the user out everywhere, including the calling device.
func (h *AuthHandler) HandleRevokeAllSessions(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := h.sessions.RevokeAllSessions(r.Context(), claims.UserID, model.RevokedByUser); err != nil {
		respondWithAuthError(w, err)
		return
	}
	h.clearSessionCookies(w)
	respondJSON(w, http.StatusOK, map[string]string{"message": "all sessions revoked"})
}

func (h *AuthHandler) respondWithPair(w http.ResponseWriter, pair auth.TokenPair, user model.User) {
	h.setSessionCookies(w, pair)
	respondJSON(w, http.StatusOK, tokenPairResponse{
		AccessToken:     pair.AccessToken,
		TokenType:       "bearer",
		AccessExpiresAt: pair.AccessExpiresAt,
		CSRFToken:       pair.CSRFToken,
		User: userResponse{
			ID:    user.ID.String(),
			Email: user.Email,
			Role:  user.Role,
		},
	})
}

func (h *AuthHandler) refreshTokenFrom(r *http.Request) string {
	if c, err := r.Cookie(refreshCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
		return strings.TrimSpace(body.RefreshToken)
	}
	return ""
}

// setSessionCookies installs the refresh token (HttpOnly, scoped to the
// auth endpoints) and the script-readable CSRF token.
func (h *AuthHandler) setSessionCookies(w http.ResponseWriter, pair auth.TokenPair) {
	maxAge := int(time.Until(pair.RefreshExpiresAt).Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    pair.RefreshToken,
		Path:     "/auth",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    pair.CSRFToken,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: false,
		Secure:   h.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *AuthHandler) clearSessionCookies(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     "/auth",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secure,
		SameSite: http.SameSiteStrictMode,
	})
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Secure:   h.secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// deviceMetaFrom extracts device metadata from request headers.
func deviceMetaFrom(r *http.Request) model.DeviceMeta {
	ua := r.UserAgent()
	return model.DeviceMeta{
		DeviceType: deviceTypeFrom(ua),
		Browser:    browserFrom(ua),
		OS:         osFrom(ua),
		IPAddress:  middleware.ClientIP(r),
	}
}

func deviceTypeFrom(ua string) string {
	lower := strings.ToLower(ua)
	switch {
	case strings.Contains(lower, "mobile"), strings.Contains(lower, "android"), strings.Contains(lower, "iphone"):
		return "mobile"
	case strings.Contains(lower, "tablet"), strings.Contains(lower, "ipad"):
		return "tablet"
	case lower == "":
		return "unknown"
	default:
		return "desktop"
	}
}

func browserFrom(ua string) string {
	switch {
	case strings.Contains(ua, "Edg/"):
		return "Edge"
	case strings.Contains(ua, "OPR/"):
		return "Opera"
	case strings.Contains(ua, "Chrome/"):
		return "Chrome"
	case strings.Contains(ua, "Safari/"):
		return "Safari"
	case strings.Contains(ua, "Firefox/"):
		return "Firefox"
	default:
		return "unknown"
	}
}

func osFrom(ua string) string {
	switch {
	case strings.Contains(ua, "Windows"):
		return "Windows"
	case strings.Contains(ua, "Android"):
		return "Android"
	case strings.Contains(ua, "iPhone"), strings.Contains(ua, "iPad"):
		return "iOS"
	case strings.Contains(ua, "Mac OS X"):
		return "macOS"
	case strings.Contains(ua, "Linux"):
		return "Linux"
	default:
		return "unknown"
	}
}

// respondWithAuthError maps a service error onto the wire.
func respondWithAuthError(w http.ResponseWriter, err error) {
	respondWithError(w, autherr.HTTPStatus(err), autherr.Message(err))
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func respondJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// logMaskedEmail logs a message with the email masked
func logMaskedEmail(email, msg string, err error) {
	log.Printf("%s for %s: %v", msg, maskEmail(email), err)
}

// maskEmail masks the local part for logging (e.g. a***e@example.com)
func maskEmail(email string) string {
	at := strings.IndexByte(email, '@')
	if at <= 2 {
		return "***"
	}
	return email[:1] + strings.Repeat("*", at-2) + email[at-1:]
}
