package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultDSN  = "host=localhost user=postgres password=postgres dbname=allocation port=5432 sslmode=disable"
	defaultCORS = "http://localhost:5173"
)

type Config struct {
	HTTPPort     string
	DatabaseDSN  string
	JWTSecret    string
	CORSOrigins  string
	LogLevel     string
	RedisAddress string

	PubSubProjectID       string
	PubSubTopic           string
	PubSubCredentialsJSON string // optional, application default credentials otherwise

	ExpiryWindow time.Duration
	SheetLockTTL time.Duration
	AutoMigrate  bool

	// Warnings collects non-fatal findings for the caller to log once the
	// logger exists.
	Warnings []string
}

// Load reads .env (if present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds the config from the current environment only.
func FromEnv() (*Config, error) {
	cfg := &Config{
		HTTPPort:        getEnv("HTTP_PORT", "8080"),
		DatabaseDSN:     getEnv("DATABASE_DSN", defaultDSN),
		JWTSecret:       getEnv("JWT_SECRET", ""),
		CORSOrigins:     getEnv("CORS_ALLOWED_ORIGINS", defaultCORS),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		RedisAddress:    getEnv("REDIS_ADDRESS", ""),
		PubSubProjectID: getEnv("PUBSUB_PROJECT_ID", ""),
		PubSubTopic:     getEnv("PUBSUB_TOPIC", ""),

		PubSubCredentialsJSON: getEnv("PUBSUB_CREDENTIALS_JSON", ""),
	}

	var err error
	if cfg.ExpiryWindow, err = getDuration("EXPIRY_WINDOW", 48*time.Hour); err != nil {
		return nil, err
	}
	if cfg.SheetLockTTL, err = getDuration("SHEET_LOCK_TTL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.AutoMigrate, err = getBool("AUTO_MIGRATE", true); err != nil {
		return nil, err
	}

	if cfg.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is not set")
	}
	if len(cfg.JWTSecret) < 32 {
		return nil, errors.New("JWT_SECRET must be at least 32 characters")
	}
	if cfg.DatabaseDSN == defaultDSN {
		cfg.Warnings = append(cfg.Warnings, "DATABASE_DSN uses the local default, set it for production")
	}
	if cfg.CORSOrigins == defaultCORS {
		cfg.Warnings = append(cfg.Warnings, "CORS_ALLOWED_ORIGINS uses the local default, set your own domain for production")
	}
	if (cfg.PubSubProjectID == "") != (cfg.PubSubTopic == "") {
		cfg.Warnings = append(cfg.Warnings, "PUBSUB_PROJECT_ID and PUBSUB_TOPIC must both be set, movement publishing disabled")
	}

	return cfg, nil
}

// PubSubEnabled reports whether movement events should be published.
func (c *Config) PubSubEnabled() bool {
	return c.PubSubProjectID != "" && c.PubSubTopic != ""
}

// AllowedOrigins returns CORS_ALLOWED_ORIGINS trimmed and comma-joined.
func (c *Config) AllowedOrigins() string {
	parts := strings.Split(c.CORSOrigins, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ",")
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("%s: invalid duration %q", key, v)
	}
	return d, nil
}

func getBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: invalid bool %q", key, v)
	}
	return b, nil
}
