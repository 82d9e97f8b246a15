// Package http assembles the routing table and the middleware chain.
package http

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/lumeopage/server/internal/auth"
	"github.com/lumeopage/server/internal/http/handlers"
	"github.com/lumeopage/server/internal/middleware"
	"github.com/lumeopage/server/internal/security"
	"github.com/lumeopage/server/internal/token"
)

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(authHandler *handlers.AuthHandler, securityHandler *handlers.SecurityHandler,
	jwtService *token.JWTService, sessions *auth.SessionService, blocklist security.BlockStore) *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)

	healthHandler := handlers.NewHealthHandler()
	r.Get("/health", healthHandler.ServeHTTP)

	r.Route("/auth", func(r chi.Router) {
		r.Use(middleware.BlockSuspicious(blocklist))

		r.Post("/quicksign/request", authHandler.HandleQuicksignRequest)
		r.Get("/quicksign/check/{token}", authHandler.HandleQuicksignCheck)
		r.Get("/quicksign/verify/{token}", authHandler.HandleQuicksignVerify)
		r.Post("/quicksign/exchange", authHandler.HandleQuicksignExchange)
		r.Post("/oauth/callback", authHandler.HandleOAuthCallback)
		r.Post("/refresh", authHandler.HandleRefresh)
		r.Post("/logout", authHandler.HandleLogout)

		// Device management requires a live access token; revocation is
		// state-changing and additionally CSRF-bound.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireAuth(jwtService))
			r.Get("/sessions", authHandler.HandleListSessions)

			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireCSRF(sessions))
				r.Delete("/sessions", authHandler.HandleRevokeAllSessions)
				r.Delete("/sessions/{id}", authHandler.HandleRevokeSession)
			})
		})
	})

	r.Route("/security", func(r chi.Router) {
		r.Use(middleware.RequireAuth(jwtService))
		r.Get("/logs", securityHandler.HandleListLogs)
		r.Get("/preferences", securityHandler.HandleGetPreferences)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireCSRF(sessions))
			r.Put("/preferences", securityHandler.HandleUpdatePreferences)
		})
	})

	return r
}
