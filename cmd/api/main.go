package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lumeopage/server/internal/auth"
	"github.com/lumeopage/server/internal/config"
	"github.com/lumeopage/server/internal/db"
	httpserver "github.com/lumeopage/server/internal/http"
	"github.com/lumeopage/server/internal/http/handlers"
	"github.com/lumeopage/server/internal/notify"
	"github.com/lumeopage/server/internal/repo"
	"github.com/lumeopage/server/internal/security"
	"github.com/lumeopage/server/internal/token"

	_ "github.com/lib/pq"
)

func main() {
	// Load .env from CWD (env vars override)
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	if err := db.Migrate(database); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Repositories
	userRepo := repo.NewUserRepo(database)
	magicLinkRepo := repo.NewMagicLinkRepo(database)
	exchangeRepo := repo.NewExchangeCodeRepo(database)
	sessionRepo := repo.NewSessionRepo(database)
	securityLogRepo := repo.NewSecurityLogRepo(database)
	prefsRepo := repo.NewPreferencesRepo(database)

	// Notification channel: RabbitMQ when configured, log output otherwise.
	var notifier notify.Notifier = notify.LogNotifier{}
	if cfg.AMQPURL != "" {
		amqpNotifier, err := notify.NewAMQPNotifier(cfg.AMQPURL)
		if err != nil {
			log.Printf("AMQP unavailable, falling back to log notifier: %v", err)
		} else {
			defer amqpNotifier.Close()
			notifier = amqpNotifier
		}
	}

	// Enforcement blocklist: Redis when configured; without it, blocks are
	// simply not enforced.
	var blocklist *security.Blocklist
	if cfg.RedisAddr != "" {
		blocklist = security.NewBlocklist(security.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword))
	} else {
		log.Println("REDIS_ADDR not set; suspicious-activity blocking disabled")
		blocklist = security.NewBlocklist(nil)
	}

	// Services
	recorder := security.NewRecorder(securityLogRepo)
	securityService := security.NewService(recorder, securityLogRepo, prefsRepo, userRepo, blocklist, notifier)

	jwtService := token.NewJWTService(cfg.JWTSecret, cfg.AccessTokenTTL)
	sessionService := auth.NewSessionService(sessionRepo, userRepo, exchangeRepo,
		jwtService, securityService, notifier, cfg.RefreshTokenTTL)
	magicLinkService := auth.NewMagicLinkService(magicLinkRepo, userRepo, exchangeRepo,
		securityService, notifier,
		cfg.MagicLinkTTL, cfg.MagicLinkCooldown, cfg.ExchangeCodeTTL, cfg.AppOrigin, cfg.DevMode)

	providers := map[string]auth.OAuthProvider{}
	if cfg.GoogleClientID != "" {
		providers["google"] = auth.NewGoogleProvider(cfg.GoogleClientID, cfg.GoogleClientSecret,
			cfg.AppOrigin+"/auth/oauth/callback")
	}
	if cfg.GithubClientID != "" {
		providers["github"] = auth.NewGithubProvider(cfg.GithubClientID, cfg.GithubClientSecret,
			cfg.AppOrigin+"/auth/oauth/callback")
	}
	oauthService := auth.NewOAuthService(providers, userRepo, securityService, cfg.OAuthTimeout)

	// Retention sweep in the background
	sweeper := auth.NewSweeper(sessionRepo, magicLinkRepo, exchangeRepo,
		cfg.RetentionWindow, cfg.SweepInterval)
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go sweeper.Run(sweepCtx)

	// Handlers and router
	authHandler := handlers.NewAuthHandler(magicLinkService, sessionService, oauthService,
		cfg.AppOrigin, !cfg.DevMode)
	securityHandler := handlers.NewSecurityHandler(securityService)
	router := httpserver.NewRouter(authHandler, securityHandler, jwtService, sessionService, blocklist)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Printf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	stopSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	log.Println("Server exited")
}
