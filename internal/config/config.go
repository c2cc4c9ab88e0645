// Package config loads tradeforge's runtime configuration from the environment, with the
// bounds spec.md §6 names validated at boot rather than clamped silently.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"tradeforge/internal/logger"
)

// Config is the fully-resolved, validated process configuration.
type Config struct {
	DatabaseURI              string
	JWTSecret                string
	CredentialEncryptionKey  string
	CORSOrigins              []string
	StrategyCheckInterval    time.Duration
	StrategyDryRun           bool
	SnapshotIntervalHours    int
	HTTPAddr                 string
	ExchangeRateLimitPerSec  map[string]float64
}

const (
	minCheckIntervalMinutes = 1
	maxCheckIntervalMinutes = 60
	defaultCheckInterval    = 5

	minSnapshotHours     = 1
	maxSnapshotHours     = 24
	defaultSnapshotHours = 4
)

// Load reads `.env` (if present, never required) then the process environment, and returns a
// validated Config or an error describing the first invalid setting.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		logger.Warnf("config: .env present but unreadable: %v", err)
	}

	checkInterval, err := intEnv("STRATEGY_CHECK_INTERVAL_MINUTES", defaultCheckInterval)
	if err != nil {
		return nil, err
	}
	if checkInterval < minCheckIntervalMinutes || checkInterval > maxCheckIntervalMinutes {
		return nil, fmt.Errorf("config: STRATEGY_CHECK_INTERVAL_MINUTES must be in [%d,%d], got %d",
			minCheckIntervalMinutes, maxCheckIntervalMinutes, checkInterval)
	}

	snapshotHours, err := intEnv("SNAPSHOT_INTERVAL_HOURS", defaultSnapshotHours)
	if err != nil {
		return nil, err
	}
	if snapshotHours < minSnapshotHours || snapshotHours > maxSnapshotHours {
		return nil, fmt.Errorf("config: SNAPSHOT_INTERVAL_HOURS must be in [%d,%d], got %d",
			minSnapshotHours, maxSnapshotHours, snapshotHours)
	}

	dryRun, err := boolEnv("STRATEGY_DRY_RUN", false)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DatabaseURI:             envOr("DATABASE_URI", "file:tradeforge.db?_pragma=busy_timeout(5000)"),
		JWTSecret:               os.Getenv("JWT_SECRET"),
		CredentialEncryptionKey: os.Getenv("CREDENTIAL_ENCRYPTION_KEY"),
		CORSOrigins:             splitAndTrim(os.Getenv("CORS_ORIGINS")),
		StrategyCheckInterval:   time.Duration(checkInterval) * time.Minute,
		StrategyDryRun:          dryRun,
		SnapshotIntervalHours:   snapshotHours,
		HTTPAddr:                envOr("HTTP_ADDR", ":8080"),
		ExchangeRateLimitPerSec: exchangeRateLimits(),
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("config: JWT_SECRET is required")
	}
	if cfg.CredentialEncryptionKey == "" {
		return nil, fmt.Errorf("config: CREDENTIAL_ENCRYPTION_KEY is required")
	}

	return cfg, nil
}

func exchangeRateLimits() map[string]float64 {
	limits := map[string]float64{
		"binance":     10,
		"bybit":       10,
		"hyperliquid": 5,
		"lighter":     5,
	}
	for exchange := range limits {
		key := strings.ToUpper(exchange) + "_RATE_LIMIT_PER_SEC"
		if raw := os.Getenv(key); raw != "" {
			if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 {
				limits[exchange] = v
			}
		}
	}
	return limits
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: %s must be an integer, got %q", key, raw)
	}
	return v, nil
}

func boolEnv(key string, fallback bool) (bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("config: %s must be a bool, got %q", key, raw)
	}
	return v, nil
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
