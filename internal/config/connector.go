package config

import (
	"errors"
	"os"
	"time"
)

// DefaultHookTimeout bounds a single hook run on the connector. The hub's
// lease TTL must exceed it or slow hooks are redelivered while running.
const DefaultHookTimeout = 10 * time.Minute

// ConnectorConfig holds connector configuration.
type ConnectorConfig struct {
	// Connection
	HubURL string // Hub base URL (http:// or https://)

	// Local state
	StateFile string // YAML file holding the bearer credential
	HooksDir  string // Directory with one executable per action

	// Behavior
	PollInterval time.Duration
	HookTimeout  time.Duration
	LogLevel     string

	// Reported at pairing
	Name string
}

// DefaultConnectorConfig returns a config with default values.
func DefaultConnectorConfig() *ConnectorConfig {
	hostname, _ := os.Hostname()
	return &ConnectorConfig{
		StateFile:    "/var/lib/fleethub-connector/state.yaml",
		HooksDir:     "/etc/fleethub-connector/hooks",
		PollInterval: 5 * time.Second,
		HookTimeout:  DefaultHookTimeout,
		LogLevel:     "info",
		Name:         hostname,
	}
}

// LoadConnector loads connector configuration from environment variables.
func LoadConnector() (*ConnectorConfig, error) {
	cfg := DefaultConnectorConfig()

	cfg.HubURL = os.Getenv("FLEETHUB_URL")
	if cfg.HubURL == "" {
		return nil, errors.New("FLEETHUB_URL is required")
	}

	cfg.StateFile = getEnv("FLEETHUB_STATE_FILE", cfg.StateFile)
	cfg.HooksDir = getEnv("FLEETHUB_HOOKS_DIR", cfg.HooksDir)
	cfg.PollInterval = parseDuration("FLEETHUB_POLL_INTERVAL", cfg.PollInterval)
	cfg.HookTimeout = parseDuration("FLEETHUB_HOOK_TIMEOUT", cfg.HookTimeout)
	cfg.LogLevel = getEnv("FLEETHUB_LOG_LEVEL", cfg.LogLevel)
	cfg.Name = getEnv("FLEETHUB_CONNECTOR_NAME", cfg.Name)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is valid.
func (c *ConnectorConfig) Validate() error {
	if c.HubURL == "" {
		return errors.New("hub URL is required")
	}
	if c.StateFile == "" {
		return errors.New("state file is required")
	}
	if c.PollInterval < time.Second {
		return errors.New("poll interval must be at least 1 second")
	}
	return nil
}
