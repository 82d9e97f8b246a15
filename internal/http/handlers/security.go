package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lumeopage/server/internal/middleware"
	"github.com/lumeopage/server/internal/model"
	"github.com/lumeopage/server/internal/repo"
	"github.com/lumeopage/server/internal/security"
)

// SecurityHandler exposes the audit log and security preferences.
type SecurityHandler struct {
	security *security.Service
}

// NewSecurityHandler creates the security handler.
func NewSecurityHandler(sec *security.Service) *SecurityHandler {
	return &SecurityHandler{security: sec}
}

// securityLogEntryResponse is one audit entry in API responses
type securityLogEntryResponse struct {
	ID          string            `json:"id"`
	Action      string            `json:"action"`
	Status      string            `json:"status"`
	Description string            `json:"description"`
	IPAddress   string            `json:"ip_address,omitempty"`
	DeviceType  string            `json:"device_type,omitempty"`
	Browser     string            `json:"browser,omitempty"`
	OS          string            `json:"os,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// securityLogResponse is the paginated envelope for GET /security/logs
type securityLogResponse struct {
	Entries []securityLogEntryResponse `json:"entries"`
	Total   int                        `json:"total"`
	Page    int                        `json:"page"`
	Limit   int                        `json:"limit"`
}

// HandleListLogs handles GET /security/logs (protected). The caller only
// ever sees their own entries; filters narrow within that.
func (h *SecurityHandler) HandleListLogs(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	userID := claims.UserID

	// Actions are stored uppercase, statuses lowercase; normalize the query
	// params to the stored casing so the filter matches.
	q := r.URL.Query()
	filter := repo.SecurityLogFilter{
		UserID: &userID,
		Action: model.SecurityAction(strings.ToUpper(q.Get("action"))),
		Status: strings.ToLower(q.Get("status")),
		Page:   parseIntParam(q.Get("page"), 1),
		Limit:  parseIntParam(q.Get("limit"), 20),
	}
	if v := q.Get("start_date"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.StartDate = &t
		} else {
			respondWithError(w, http.StatusBadRequest, "start_date must be RFC 3339")
			return
		}
	}
	if v := q.Get("end_date"); v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			filter.EndDate = &t
		} else {
			respondWithError(w, http.StatusBadRequest, "end_date must be RFC 3339")
			return
		}
	}

	entries, total, err := h.security.Filter(r.Context(), filter)
	if err != nil {
		respondWithAuthError(w, err)
		return
	}

	out := make([]securityLogEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, securityLogEntryResponse{
			ID:          e.ID.String(),
			Action:      string(e.Action),
			Status:      e.Status,
			Description: e.Description,
			IPAddress:   e.IPAddress,
			DeviceType:  e.DeviceType,
			Browser:     e.Browser,
			OS:          e.OS,
			Metadata:    e.Metadata,
			CreatedAt:   e.CreatedAt,
		})
	}
	respondJSON(w, http.StatusOK, securityLogResponse{
		Entries: out,
		Total:   total,
		Page:    filter.Page,
		Limit:   filter.Limit,
	})
}

// preferencesPayload is both the GET response and the PUT request body for
// /security/preferences
type preferencesPayload struct {
	NotifyOnLogin         bool `json:"notify_on_login"`
	NotifyOnFailedLogin   bool `json:"notify_on_failed_login"`
	NotifyOnNewDevice     bool `json:"notify_on_new_device"`
	NotifyOnSuspicious    bool `json:"notify_on_suspicious"`
	FailedLoginThreshold  int  `json:"failed_login_threshold"`
	FailedLoginTimeWindow int  `json:"failed_login_time_window"`
	AutoBlockSuspiciousIP bool `json:"auto_block_suspicious_ip"`
}

// HandleGetPreferences handles GET /security/preferences (protected)
func (h *SecurityHandler) HandleGetPreferences(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	prefs, err := h.security.PreferencesFor(r.Context(), userID)
	if err != nil {
		respondWithAuthError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, preferencesPayload{
		NotifyOnLogin:         prefs.NotifyOnLogin,
		NotifyOnFailedLogin:   prefs.NotifyOnFailedLogin,
		NotifyOnNewDevice:     prefs.NotifyOnNewDevice,
		NotifyOnSuspicious:    prefs.NotifyOnSuspicious,
		FailedLoginThreshold:  prefs.FailedLoginThreshold,
		FailedLoginTimeWindow: prefs.FailedLoginWindowMin,
		AutoBlockSuspiciousIP: prefs.AutoBlockSuspiciousIP,
	})
}

// HandleUpdatePreferences handles PUT /security/preferences (protected + CSRF)
func (h *SecurityHandler) HandleUpdatePreferences(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFrom(r)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req preferencesPayload
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.security.UpdatePreferences(r.Context(), model.SecurityPreferences{
		UserID:                userID,
		NotifyOnLogin:         req.NotifyOnLogin,
		NotifyOnFailedLogin:   req.NotifyOnFailedLogin,
		NotifyOnNewDevice:     req.NotifyOnNewDevice,
		NotifyOnSuspicious:    req.NotifyOnSuspicious,
		FailedLoginThreshold:  req.FailedLoginThreshold,
		FailedLoginWindowMin:  req.FailedLoginTimeWindow,
		AutoBlockSuspiciousIP: req.AutoBlockSuspiciousIP,
	})
	if err != nil {
		respondWithAuthError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "preferences updated"})
}

func userIDFrom(r *http.Request) (uuid.UUID, bool) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		return uuid.Nil, false
	}
	return claims.UserID, true
}

func parseIntParam(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
