// Package config handles application configuration from environment variables
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Arbiter wallet (the only wallet the server itself operates)
	ArbiterRPCURL      string // Server-local monero-wallet-rpc for the arbiter
	ArbiterRPCUsername string // --rpc-login user of the arbiter daemon, if any
	ArbiterRPCPassword string // --rpc-login password of the arbiter daemon
	ArbiterWalletDir   string // Directory where arbiter wallets are created
	ArbiterPubKey      string // Hex-encoded ed25519 public key for dispute decisions

	// Escrow amount ceiling in piconero. Create requests above it are
	// rejected as implausible.
	MaxEscrowAmount uint64

	// Escrow timeouts (per-state dwell before auto-expiry)
	Timeouts TimeoutConfig

	// Endpoint policy
	AllowPrivateEndpoints bool // Permit private/loopback wallet RPC endpoints (dev setups)

	// Fund detection
	WatchPollInterval time.Duration

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; empty disables tracing
	RateLimitRPM int

	// Realtime
	MaxWSClients int
}

// TimeoutConfig holds per-state dwell durations for the escrow lifecycle.
// An escrow that sits in a state longer than its dwell is expired by the
// timeout monitor.
type TimeoutConfig struct {
	Created      time.Duration
	Funded       time.Duration
	Releasing    time.Duration
	Refunding    time.Duration
	Disputed     time.Duration
	PollInterval time.Duration
	WarnWindow   time.Duration // Emit a warning event when expiry is this close
	StallWindow  time.Duration // Flag multisig handshakes idle longer than this
}

// Defaults
const (
	DefaultPort         = "8080"
	DefaultEnv          = "development"
	DefaultLogLevel     = "info"
	DefaultRateLimitRPM = 120
	DefaultMaxWSClients = 2000
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                  getEnv("PORT", DefaultPort),
		Env:                   getEnv("ENV", DefaultEnv),
		LogLevel:              getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:           os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		ArbiterRPCURL:         getEnv("ARBITER_RPC_URL", "http://127.0.0.1:18082"),
		ArbiterRPCUsername:    os.Getenv("ARBITER_RPC_USER"),
		ArbiterRPCPassword:    os.Getenv("ARBITER_RPC_PASS"),
		ArbiterWalletDir:      getEnv("ARBITER_WALLET_DIR", "wallets"),
		ArbiterPubKey:         os.Getenv("ARBITER_PUBKEY"),
		MaxEscrowAmount:       getEnvUint64("ESCROW_MAX_AMOUNT", 0),
		AllowPrivateEndpoints: getEnvBool("ALLOW_PRIVATE_ENDPOINTS", false),
		WatchPollInterval:     getEnvSeconds("WATCH_POLL_SECS", 30*time.Second),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:          int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		MaxWSClients:          int(getEnvInt64("MAX_WS_CLIENTS", DefaultMaxWSClients)),
		Timeouts:              loadTimeouts(),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadTimeouts reads the per-state dwell durations. Values are in seconds.
func loadTimeouts() TimeoutConfig {
	return TimeoutConfig{
		Created:      getEnvSeconds("TIMEOUT_CREATED_SECS", time.Hour),
		Funded:       getEnvSeconds("TIMEOUT_FUNDED_SECS", 24*time.Hour),
		Releasing:    getEnvSeconds("TIMEOUT_RELEASING_SECS", 6*time.Hour),
		Refunding:    getEnvSeconds("TIMEOUT_REFUNDING_SECS", 6*time.Hour),
		Disputed:     getEnvSeconds("TIMEOUT_DISPUTED_SECS", 7*24*time.Hour),
		PollInterval: getEnvSeconds("TIMEOUT_POLL_SECS", time.Minute),
		WarnWindow:   getEnvSeconds("TIMEOUT_WARN_SECS", time.Hour),
		StallWindow:  getEnvSeconds("MULTISIG_STALL_SECS", 30*time.Minute),
	}
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.ArbiterRPCURL == "" {
		return fmt.Errorf("ARBITER_RPC_URL is required")
	}

	if c.ArbiterPubKey != "" {
		key, err := hex.DecodeString(c.ArbiterPubKey)
		if err != nil {
			return fmt.Errorf("ARBITER_PUBKEY must be hex-encoded")
		}
		if len(key) != 32 {
			return fmt.Errorf("ARBITER_PUBKEY must be 32 bytes (64 hex characters)")
		}
	}

	for name, d := range map[string]time.Duration{
		"TIMEOUT_CREATED_SECS":   c.Timeouts.Created,
		"TIMEOUT_FUNDED_SECS":    c.Timeouts.Funded,
		"TIMEOUT_RELEASING_SECS": c.Timeouts.Releasing,
		"TIMEOUT_REFUNDING_SECS": c.Timeouts.Refunding,
		"TIMEOUT_DISPUTED_SECS":  c.Timeouts.Disputed,
		"TIMEOUT_POLL_SECS":      c.Timeouts.PollInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	return nil
}

// ArbiterPublicKey returns the decoded arbiter ed25519 public key, or nil
// if none is configured.
func (c *Config) ArbiterPublicKey() []byte {
	if c.ArbiterPubKey == "" {
		return nil
	}
	key, err := hex.DecodeString(c.ArbiterPubKey)
	if err != nil || len(key) != 32 {
		return nil // Validate() already rejected this at load time
	}
	return key
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// getEnv returns the environment variable or a default
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvInt64 returns the environment variable as int64 or a default
func getEnvInt64(key string, fallback int64) int64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvUint64 returns the environment variable as uint64 or a default
func getEnvUint64(key string, fallback uint64) uint64 {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvSeconds returns the environment variable (in whole seconds) as a
// duration, or a default.
func getEnvSeconds(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseInt(value, 10, 64); err == nil && parsed > 0 {
			return time.Duration(parsed) * time.Second
		}
	}
	return fallback
}

// getEnvBool returns the environment variable as bool or a default
func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}
