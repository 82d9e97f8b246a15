package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the application configuration.
type Config struct {
	Port        string
	DatabaseURL string
	JWTSecret   string

	// AppOrigin is the public origin used when building magic links
	// (e.g. https://app.example.com).
	AppOrigin string

	AccessTokenTTL    time.Duration
	RefreshTokenTTL   time.Duration
	MagicLinkTTL      time.Duration
	MagicLinkCooldown time.Duration
	ExchangeCodeTTL   time.Duration

	// RetentionWindow is how long fully-expired sessions and consumed
	// magic-link tokens are kept before the sweep hard-deletes them.
	RetentionWindow time.Duration
	SweepInterval   time.Duration

	RedisAddr     string
	RedisPassword string
	AMQPURL       string

	// OAuth provider credentials. A provider with an empty client ID is
	// treated as not configured.
	GoogleClientID     string
	GoogleClientSecret string
	GithubClientID     string
	GithubClientSecret string
	OAuthTimeout       time.Duration

	DevMode bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		AppOrigin:         getEnv("APP_ORIGIN", "http://localhost:8080"),
		AccessTokenTTL:    getEnvMinutes("ACCESS_TOKEN_TTL_MIN", 15),
		RefreshTokenTTL:   getEnvMinutes("REFRESH_TOKEN_TTL_MIN", 7*24*60),
		MagicLinkTTL:      getEnvMinutes("MAGIC_LINK_TTL_MIN", 10),
		MagicLinkCooldown: getEnvSeconds("MAGIC_LINK_COOLDOWN_SEC", 60),
		ExchangeCodeTTL:   getEnvSeconds("EXCHANGE_CODE_TTL_SEC", 60),
		RetentionWindow:   getEnvMinutes("RETENTION_WINDOW_MIN", 7*24*60),
		SweepInterval:     getEnvMinutes("SWEEP_INTERVAL_MIN", 60),

		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		AMQPURL:       os.Getenv("AMQP_URL"),

		GoogleClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		GoogleClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		GithubClientID:     os.Getenv("GITHUB_CLIENT_ID"),
		GithubClientSecret: os.Getenv("GITHUB_CLIENT_SECRET"),
		OAuthTimeout:       getEnvSeconds("OAUTH_TIMEOUT_SEC", 10),

		DevMode: os.Getenv("DEV_MODE") == "true",
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL environment variable is required")
	}

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET environment variable is required")
	}

	return cfg, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvMinutes(key string, defaultMinutes int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMinutes)) * time.Minute
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}

func getEnvInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return defaultVal
	}
	return n
}
