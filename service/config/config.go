package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/txtracker/service/stream"
	"github.com/gagliardetto/solana-go"
)

// Stream modes.
const (
	StreamModeLogs = "logs"
	StreamModePush = "push"
)

// Config holds all application configuration loaded from environment variables.
// All required fields are validated at startup to ensure fail-fast behavior.
type Config struct {
	// Stream configuration
	StreamEndpoint    string
	StreamToken       string
	StreamMode        string
	KeepaliveInterval time.Duration

	// Push mode extraction queries (jq syntax)
	PushSignatureQuery string
	PushSlotQuery      string

	// Tracked account
	TargetAccount solana.PublicKey

	// Database configuration
	DatabaseURL string

	// Solana HTTP RPC configuration
	RPCHTTPURL   string
	RPCAuthHosts []string

	// Pipeline behaviour
	IncludeFailedTransactions bool

	// NATS configuration; empty disables publishing
	NATSURL string

	// Server configuration
	MetricsAddr string
	LogLevel    string
}

// Load reads configuration from environment variables and validates all required fields.
// Returns an error if any required configuration is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{}
	var errs []error

	// Stream configuration
	endpoint := os.Getenv("STREAM_ENDPOINT")
	if endpoint == "" {
		errs = append(errs, fmt.Errorf("STREAM_ENDPOINT is required"))
	} else if wsURL, err := websocketURL(endpoint); err != nil {
		errs = append(errs, fmt.Errorf("STREAM_ENDPOINT: %w", err))
	} else {
		cfg.StreamEndpoint = wsURL
	}
	cfg.StreamToken = os.Getenv("STREAM_TOKEN")

	cfg.StreamMode = strings.ToLower(getEnvOrDefault("STREAM_MODE", StreamModeLogs))
	if cfg.StreamMode != StreamModeLogs && cfg.StreamMode != StreamModePush {
		errs = append(errs, fmt.Errorf("STREAM_MODE must be %q or %q, got %q", StreamModeLogs, StreamModePush, cfg.StreamMode))
	}

	keepalive, err := parseDuration("KEEPALIVE_INTERVAL", "30s")
	if err != nil {
		errs = append(errs, err)
	} else if keepalive < time.Second {
		errs = append(errs, fmt.Errorf("KEEPALIVE_INTERVAL must be at least 1s, got %v", keepalive))
	} else {
		cfg.KeepaliveInterval = keepalive
	}

	cfg.PushSignatureQuery = getEnvOrDefault("PUSH_SIGNATURE_QUERY", stream.DefaultSignatureQuery)
	if _, err := stream.CompileQuery(cfg.PushSignatureQuery); err != nil {
		errs = append(errs, fmt.Errorf("PUSH_SIGNATURE_QUERY: %w", err))
	}
	cfg.PushSlotQuery = getEnvOrDefault("PUSH_SLOT_QUERY", stream.DefaultSlotQuery)
	if _, err := stream.CompileQuery(cfg.PushSlotQuery); err != nil {
		errs = append(errs, fmt.Errorf("PUSH_SLOT_QUERY: %w", err))
	}

	// Tracked account
	account := os.Getenv("TARGET_ACCOUNT")
	if account == "" {
		errs = append(errs, fmt.Errorf("TARGET_ACCOUNT is required"))
	} else if pk, err := solana.PublicKeyFromBase58(account); err != nil {
		errs = append(errs, fmt.Errorf("TARGET_ACCOUNT: invalid public key %q: %w", account, err))
	} else {
		cfg.TargetAccount = pk
	}

	// Database configuration
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DATABASE_URL is required"))
	}

	// Solana HTTP RPC configuration
	cfg.RPCHTTPURL = getEnvOrDefault("RPC_HTTP_URL", "https://api.mainnet-beta.solana.com")
	if u, err := url.Parse(cfg.RPCHTTPURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("RPC_HTTP_URL must be an http(s) URL, got %q", cfg.RPCHTTPURL))
	}
	cfg.RPCAuthHosts = splitList(getEnvOrDefault("RPC_AUTH_HOSTS", "rpcpool.com"))

	// Pipeline behaviour
	includeFailed, err := parseBool("INCLUDE_FAILED_TRANSACTIONS", true)
	if err != nil {
		errs = append(errs, err)
	}
	cfg.IncludeFailedTransactions = includeFailed

	// NATS configuration
	cfg.NATSURL = os.Getenv("NATS_URL")

	// Server configuration
	cfg.MetricsAddr = getEnvOrDefault("METRICS_ADDR", ":9090")
	cfg.LogLevel = getEnvOrDefault("LOG_LEVEL", "info")

	// Return all validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %v", errs)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
// This is useful for testing configuration without loading from env.
func (c *Config) Validate() error {
	var errs []error

	if c.StreamEndpoint == "" {
		errs = append(errs, fmt.Errorf("StreamEndpoint is required"))
	}

	if c.TargetAccount.IsZero() {
		errs = append(errs, fmt.Errorf("TargetAccount is required"))
	}

	if c.DatabaseURL == "" {
		errs = append(errs, fmt.Errorf("DatabaseURL is required"))
	}

	if c.RPCHTTPURL == "" {
		errs = append(errs, fmt.Errorf("RPCHTTPURL is required"))
	}

	if c.StreamMode != StreamModeLogs && c.StreamMode != StreamModePush {
		errs = append(errs, fmt.Errorf("StreamMode must be %q or %q", StreamModeLogs, StreamModePush))
	}

	if c.KeepaliveInterval < time.Second {
		errs = append(errs, fmt.Errorf("KeepaliveInterval must be at least 1 second"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %v", errs)
	}

	return nil
}

// websocketURL accepts ws, wss, http or https endpoints and returns the
// websocket form, mapping http to ws and https to wss.
func websocketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("invalid URL %q: missing host", raw)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q (want ws, wss, http or https)", u.Scheme)
	}
	return u.String(), nil
}

// getEnvOrDefault returns the environment variable value or a default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseDuration parses a duration from an environment variable or uses a default.
func parseDuration(key, defaultValue string) (time.Duration, error) {
	value := getEnvOrDefault(key, defaultValue)
	duration, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", key, value, err)
	}
	return duration, nil
}

// parseBool parses a boolean from an environment variable or uses a default.
func parseBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	result, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: invalid boolean %q: %w", key, value, err)
	}
	return result, nil
}

// splitList splits a comma separated value, dropping blanks.
func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
