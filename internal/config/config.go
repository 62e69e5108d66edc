// Package config provides client configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all settings for a Netra client session.
type Config struct {
	BaseURL string // auth backend, e.g. https://api.netra.ai
	WSURL   string // agent websocket, discovered via /auth/config when empty

	TokenDBPath string // SQLite credentials store; empty = in-memory only

	Auth   AuthConfig
	Socket SocketConfig
	Chat   ChatConfig
}

// AuthConfig controls token refresh behaviour.
type AuthConfig struct {
	// RefreshWindow refreshes when fewer than this many seconds of token
	// lifetime remain.
	RefreshWindow time.Duration
	// RefreshFraction refreshes when the token is inside this final fraction
	// of its lifetime (0.33 = final third).
	RefreshFraction float64
	// RefreshCooldown suppresses repeated refresh attempts started within
	// this window of the previous attempt.
	RefreshCooldown time.Duration
	// MaxRefreshFailures trips the circuit breaker and forces logout.
	MaxRefreshFailures int
	// AutoRefreshInterval is the poll interval of the background refresh loop.
	AutoRefreshInterval time.Duration
	// RequestTimeout bounds each auth HTTP call.
	RequestTimeout time.Duration
}

// SocketConfig controls the websocket connection.
type SocketConfig struct {
	// BackoffBase is the first reconnect delay; it doubles per attempt.
	BackoffBase time.Duration
	// MaxReconnectAttempts before the connection goes terminal.
	MaxReconnectAttempts int
	// QueueCapacity bounds the outbound queue while not open; oldest
	// entries are dropped on overflow.
	QueueCapacity int
	// DialTimeout bounds each dial attempt.
	DialTimeout time.Duration
	// HeartbeatInterval between client pings; 0 disables the heartbeat.
	HeartbeatInterval time.Duration
}

// ChatConfig controls optimistic-message reconciliation.
type ChatConfig struct {
	// ReconcileTimeout ages out unconfirmed optimistic messages.
	ReconcileTimeout time.Duration
	// ReconcileMaxRetries before an optimistic message fails permanently.
	ReconcileMaxRetries int
	// SweepInterval between reconciliation timeout sweeps.
	SweepInterval time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		BaseURL:     getEnv("NETRA_BASE_URL", "http://localhost:8080"),
		WSURL:       getEnv("NETRA_WS_URL", ""),
		TokenDBPath: getEnv("NETRA_TOKEN_DB", "./data/netra-credentials.db"),
		Auth: AuthConfig{
			RefreshWindow:       getEnvDuration("NETRA_REFRESH_WINDOW", 5*time.Minute),
			RefreshFraction:     getEnvFloat("NETRA_REFRESH_FRACTION", 1.0/3.0),
			RefreshCooldown:     getEnvDuration("NETRA_REFRESH_COOLDOWN", 30*time.Second),
			MaxRefreshFailures:  getEnvInt("NETRA_MAX_REFRESH_FAILURES", 3),
			AutoRefreshInterval: getEnvDuration("NETRA_AUTO_REFRESH_INTERVAL", time.Minute),
			RequestTimeout:      getEnvDuration("NETRA_AUTH_TIMEOUT", 10*time.Second),
		},
		Socket: SocketConfig{
			BackoffBase:          getEnvDuration("NETRA_BACKOFF_BASE", time.Second),
			MaxReconnectAttempts: getEnvInt("NETRA_MAX_RECONNECT_ATTEMPTS", 5),
			QueueCapacity:        getEnvInt("NETRA_SEND_QUEUE_CAPACITY", 100),
			DialTimeout:          getEnvDuration("NETRA_DIAL_TIMEOUT", 10*time.Second),
			HeartbeatInterval:    getEnvDuration("NETRA_HEARTBEAT_INTERVAL", 30*time.Second),
		},
		Chat: ChatConfig{
			ReconcileTimeout:    getEnvDuration("NETRA_RECONCILE_TIMEOUT", 15*time.Second),
			ReconcileMaxRetries: getEnvInt("NETRA_RECONCILE_MAX_RETRIES", 2),
			SweepInterval:       getEnvDuration("NETRA_SWEEP_INTERVAL", 5*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are sane.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("NETRA_BASE_URL cannot be empty")
	}
	if c.Auth.RefreshFraction <= 0 || c.Auth.RefreshFraction >= 1 {
		return fmt.Errorf("NETRA_REFRESH_FRACTION must be in (0, 1)")
	}
	if c.Auth.MaxRefreshFailures <= 0 {
		return fmt.Errorf("NETRA_MAX_REFRESH_FAILURES must be > 0")
	}
	if c.Auth.RefreshCooldown < 0 {
		return fmt.Errorf("NETRA_REFRESH_COOLDOWN must be >= 0")
	}
	if c.Socket.BackoffBase <= 0 {
		return fmt.Errorf("NETRA_BACKOFF_BASE must be > 0")
	}
	if c.Socket.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("NETRA_MAX_RECONNECT_ATTEMPTS must be > 0")
	}
	if c.Socket.QueueCapacity <= 0 {
		return fmt.Errorf("NETRA_SEND_QUEUE_CAPACITY must be > 0")
	}
	if c.Chat.ReconcileTimeout <= 0 {
		return fmt.Errorf("NETRA_RECONCILE_TIMEOUT must be > 0")
	}
	if c.Chat.ReconcileMaxRetries < 0 {
		return fmt.Errorf("NETRA_RECONCILE_MAX_RETRIES must be >= 0")
	}
	if c.Chat.SweepInterval <= 0 {
		return fmt.Errorf("NETRA_SWEEP_INTERVAL must be > 0")
	}
	return nil
}

// IsDevelopment returns true if the client points at a local backend.
func (c *Config) IsDevelopment() bool {
	return strings.Contains(c.BaseURL, "localhost") ||
		strings.Contains(c.BaseURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}
