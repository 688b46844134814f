// Package config loads the service configuration from the environment.
package config

import (
	"errors"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port        string
	Environment string
	LogLevel    string
	LogFormat   string

	DatabaseURL string
	RedisURL    string
	// RedisChannel carries session events between instances.
	RedisChannel string

	JWTSecret       []byte
	FrontendBaseURL string

	DisconnectGrace     time.Duration
	WorkerIdleTimeout   time.Duration
	AutoAdvanceInterval time.Duration
	WSCommandsPerSecond float64

	YouTubeAPIKey    string
	YouTubeVideosURL string
	CatalogCacheTTL  time.Duration
}

func Load() (Config, error) {
	cfg := Config{
		Port:                getenv("PORT", "3008"),
		Environment:         getenv("ENV", "development"),
		LogLevel:            getenv("LOG_LEVEL", "info"),
		LogFormat:           getenv("LOG_FORMAT", ""),
		DatabaseURL:         getenv("DATABASE_URL", ""),
		RedisURL:            getenv("REDIS_URL", ""),
		RedisChannel:        getenv("REDIS_CHANNEL", "session-events"),
		JWTSecret:           []byte(getenv("JWT_SECRET", "")),
		FrontendBaseURL:     strings.TrimRight(getenv("FRONTEND_BASE_URL", "http://localhost:5175"), "/"),
		DisconnectGrace:     getenvDuration("DISCONNECT_GRACE", 30*time.Second),
		WorkerIdleTimeout:   getenvDuration("WORKER_IDLE_TIMEOUT", 5*time.Minute),
		AutoAdvanceInterval: getenvDuration("AUTO_ADVANCE_INTERVAL", time.Second),
		WSCommandsPerSecond: getenvFloat("WS_COMMANDS_PER_SECOND", 10),
		YouTubeAPIKey:       getenv("YOUTUBE_API_KEY", ""),
		YouTubeVideosURL:    getenv("YOUTUBE_VIDEOS_URL", ""),
		CatalogCacheTTL:     getenvDuration("CATALOG_CACHE_TTL", 24*time.Hour),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("session-service: PORT must be numeric: " + c.Port)
	}
	switch c.LogFormat {
	case "", "json", "text":
	default:
		return errors.New("session-service: LOG_FORMAT must be json or text")
	}
	if c.FrontendBaseURL != "" {
		u, err := url.Parse(c.FrontendBaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return errors.New("session-service: invalid FRONTEND_BASE_URL: " + c.FrontendBaseURL)
		}
	}
	if c.WorkerIdleTimeout <= 0 {
		return errors.New("session-service: WORKER_IDLE_TIMEOUT must be positive")
	}
	if c.CatalogCacheTTL <= 0 {
		return errors.New("session-service: CATALOG_CACHE_TTL must be positive")
	}
	if c.Environment == "production" && len(c.JWTSecret) == 0 {
		return errors.New("session-service: JWT_SECRET is empty, cannot trust X-User-Id in production")
	}
	return nil
}

// Durable reports whether sessions are stored in PostgreSQL.
func (c Config) Durable() bool { return c.DatabaseURL != "" }

// CatalogEnabled reports whether tracks are enriched from YouTube.
func (c Config) CatalogEnabled() bool { return c.YouTubeAPIKey != "" }

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	raw := getenv(key, "")
	if raw == "" {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// getenvDuration accepts Go durations ("30s") or whole seconds ("30").
// Zero is passed through: DISCONNECT_GRACE=0 leaves at once and
// AUTO_ADVANCE_INTERVAL=0 turns the ticker off. validate rejects it for the
// settings where zero has no meaning.
func getenvDuration(key string, def time.Duration) time.Duration {
	raw := getenv(key, "")
	if raw == "" {
		return def
	}
	if d, err := time.ParseDuration(raw); err == nil && d >= 0 {
		return d
	}
	if n, err := strconv.Atoi(raw); err == nil && n >= 0 {
		return time.Duration(n) * time.Second
	}
	return def
}
