// Package config loads hub and connector configuration from environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds hub configuration from environment variables.
type Config struct {
	// Server
	ListenAddr string

	// Storage
	DatabasePath string
	DataDir      string

	// Event stream (optional)
	NATSURL string

	// Liveness and pairing
	LivenessTTL     time.Duration // a self-host is reachable if seen within this window
	PairingTTL      time.Duration // default lifetime of a pairing token
	SessionDuration time.Duration

	// Command leases
	// Uses multiplier × poll_interval with a floor, like the stale command threshold.
	PollInterval    time.Duration // Interval connectors are expected to poll at (default: 5s)
	LeaseMultiplier int           // Missed polls before a sent command is redelivered (default: 24)
	LeaseMinimum    time.Duration // Floor, above the connector hook timeout (default: 15m)
	ReclaimInterval time.Duration // How often to run the reclaim job (default: 30s)

	// Retention
	Retention         time.Duration // terminal commands and ops
	EventRetention    time.Duration
	RetentionInterval time.Duration

	// Lifecycle
	DrainParallel int

	// Security
	TOTPSecret     string   // optional second factor for destructive actions
	AllowedOrigins []string // optional, for WebSocket origin validation

	// Logging
	LogLevel  string
	LogFormat string // console or json
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	dataDir := getEnv("FLEETHUB_DATA_DIR", "/var/lib/fleethub")

	cfg := &Config{
		ListenAddr:      getEnv("FLEETHUB_LISTEN", ":8000"),
		DatabasePath:    getEnv("FLEETHUB_DB_PATH", dataDir+"/fleethub.db"),
		DataDir:         dataDir,
		NATSURL:         os.Getenv("FLEETHUB_NATS_URL"), // optional
		LivenessTTL:     parseDuration("FLEETHUB_LIVENESS_TTL", 2*time.Minute),
		PairingTTL:      parseDuration("FLEETHUB_PAIRING_TTL", 15*time.Minute),
		SessionDuration: parseDuration("FLEETHUB_SESSION_DURATION", 24*time.Hour),

		PollInterval:    parseDuration("FLEETHUB_POLL_INTERVAL", 5*time.Second),
		LeaseMultiplier: parseInt("FLEETHUB_LEASE_MULTIPLIER", 24),
		LeaseMinimum:    parseDuration("FLEETHUB_LEASE_MINIMUM", 15*time.Minute),
		ReclaimInterval: parseDuration("FLEETHUB_RECLAIM_INTERVAL", 30*time.Second),

		Retention:         parseDuration("FLEETHUB_RETENTION", 30*24*time.Hour),
		EventRetention:    parseDuration("FLEETHUB_EVENT_RETENTION", 7*24*time.Hour),
		RetentionInterval: parseDuration("FLEETHUB_RETENTION_INTERVAL", time.Hour),

		DrainParallel: parseInt("FLEETHUB_DRAIN_PARALLEL", 10),

		TOTPSecret:     os.Getenv("FLEETHUB_TOTP_SECRET"), // optional
		AllowedOrigins: parseList("FLEETHUB_ALLOWED_ORIGINS"),

		LogLevel:  getEnv("FLEETHUB_LOG_LEVEL", "info"),
		LogFormat: getEnv("FLEETHUB_LOG_FORMAT", "console"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var errs []string

	if c.DatabasePath == "" {
		errs = append(errs, "FLEETHUB_DB_PATH is required")
	}
	if c.LivenessTTL <= 0 {
		errs = append(errs, "FLEETHUB_LIVENESS_TTL must be positive")
	}
	if c.PairingTTL <= 0 || c.PairingTTL > 24*time.Hour {
		errs = append(errs, "FLEETHUB_PAIRING_TTL must be between 0 and 24h")
	}
	if c.PollInterval < time.Second {
		errs = append(errs, "FLEETHUB_POLL_INTERVAL must be at least 1s")
	}
	if c.LeaseMultiplier < 1 {
		errs = append(errs, "FLEETHUB_LEASE_MULTIPLIER must be at least 1")
	} else if c.LeaseTTL() <= DefaultHookTimeout {
		errs = append(errs, fmt.Sprintf("FLEETHUB_LEASE_MINIMUM must exceed the connector hook timeout (%s)", DefaultHookTimeout))
	}
	if c.ReclaimInterval <= 0 || c.RetentionInterval <= 0 {
		errs = append(errs, "job intervals must be positive")
	}
	if c.DrainParallel < 1 {
		errs = append(errs, "FLEETHUB_DRAIN_PARALLEL must be at least 1")
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		errs = append(errs, fmt.Sprintf("FLEETHUB_LOG_FORMAT %q must be console or json", c.LogFormat))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// HasTOTP returns true if TOTP is configured.
func (c *Config) HasTOTP() bool {
	return c.TOTPSecret != ""
}

// LeaseTTL is how long a sent command may stay unacknowledged.
// Example: 24 × 5s = 2 minutes (with 15m floor, effective = 15 minutes)
func (c *Config) LeaseTTL() time.Duration {
	calculated := c.PollInterval * time.Duration(c.LeaseMultiplier)
	if calculated < c.LeaseMinimum {
		return c.LeaseMinimum
	}
	return calculated
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
