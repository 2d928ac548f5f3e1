// Package config provides configuration loading and management for the application.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Config holds all application configuration
type Config struct {
	// HTTP server port
	Port string

	// Static zap entries and vault catalogue
	ZapConfigPath   string
	VaultConfigPath string

	// JSON-RPC endpoints keyed by chain id
	RPCEndpoints map[uint64]string
	RPCRateLimit float64
	RPCBurst     int

	// Reserve snapshots are shared between strategies for this long
	ReserveCacheTTL time.Duration

	// OpenTelemetry endpoint for observability
	OtelEndpoint string

	// Quoting
	StrategyTimeout  time.Duration
	QuoteDeadline    time.Duration
	StaleAfterBlocks uint64
	StaleAfter       time.Duration

	// Strategy circuit breaker
	BreakerFailures   int
	CircuitResetDelay time.Duration

	// Execution
	ConfirmTimeout  time.Duration
	ConfirmRetries  int
	ConfirmBackoff  time.Duration
	ArrivalTimeout  time.Duration
	ArrivalPoll     time.Duration
	ExecutorKeyHex  string
	QuoteSigningKey string

	// Execution event export
	WebhookURL      string
	WebhookAPIKey   string
	ExportBatchSize int
	ExportInterval  time.Duration

	// API rate limiting
	APIRateLimit float64
	APIBurst     int
}

// Load creates a new Config from environment variables
func Load() Config {
	return Config{
		Port:              GetEnvOrDefault("PORT", "8080"),
		ZapConfigPath:     GetEnvOrDefault("ZAP_CONFIG_PATH", "config/zaps.json"),
		VaultConfigPath:   GetEnvOrDefault("VAULT_CONFIG_PATH", "config/vaults.json"),
		RPCEndpoints:      GetEnvAsEndpoints("RPC_ENDPOINTS"),
		RPCRateLimit:      GetEnvAsFloat("RPC_RATE_LIMIT", 20),
		RPCBurst:          GetEnvAsInt("RPC_BURST", 40),
		ReserveCacheTTL:   GetEnvAsDuration("RESERVE_CACHE_TTL", 2*time.Second),
		OtelEndpoint:      GetEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		StrategyTimeout:   GetEnvAsDuration("STRATEGY_TIMEOUT", 4*time.Second),
		QuoteDeadline:     GetEnvAsDuration("QUOTE_TX_DEADLINE", 20*time.Minute),
		StaleAfterBlocks:  uint64(GetEnvAsInt("QUOTE_STALE_BLOCKS", 20)),
		StaleAfter:        GetEnvAsDuration("QUOTE_STALE_AFTER", time.Minute),
		BreakerFailures:   GetEnvAsInt("BREAKER_FAILURES", 5),
		CircuitResetDelay: GetEnvAsDuration("CIRCUIT_RESET_DELAY", 5*time.Minute),
		ConfirmTimeout:    GetEnvAsDuration("CONFIRM_TIMEOUT", 2*time.Minute),
		ConfirmRetries:    GetEnvAsInt("CONFIRM_RETRIES", 3),
		ConfirmBackoff:    GetEnvAsDuration("CONFIRM_BACKOFF", 2*time.Second),
		ArrivalTimeout:    GetEnvAsDuration("BRIDGE_ARRIVAL_TIMEOUT", 30*time.Minute),
		ArrivalPoll:       GetEnvAsDuration("BRIDGE_ARRIVAL_POLL", 15*time.Second),
		ExecutorKeyHex:    GetEnvOrDefault("EXECUTOR_PRIVATE_KEY", ""),
		QuoteSigningKey:   GetEnvOrDefault("QUOTE_SIGNING_KEY", ""),
		WebhookURL:        GetEnvOrDefault("WEBHOOK_URL", ""),
		WebhookAPIKey:     GetEnvOrDefault("WEBHOOK_API_KEY", ""),
		ExportBatchSize:   GetEnvAsInt("EXPORT_BATCH_SIZE", 100),
		ExportInterval:    GetEnvAsDuration("EXPORT_INTERVAL", time.Minute),
		APIRateLimit:      GetEnvAsFloat("RATE_LIMIT_RPS", 10),
		APIBurst:          GetEnvAsInt("RATE_LIMIT_BURST", 20),
	}
}

// GetEnv retrieves an environment variable and whether it exists
func GetEnv(key string) (string, bool) {
	value, exists := os.LookupEnv(key)
	return value, exists
}

// GetEnvOrDefault retrieves an environment variable or returns the default value if not set
func GetEnvOrDefault(key, defaultValue string) string {
	if value, exists := GetEnv(key); exists {
		return value
	}
	return defaultValue
}

// GetEnvAsInt retrieves an environment variable as an integer with a default value
func GetEnvAsInt(key string, defaultValue int) int {
	if value, exists := GetEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
		logrus.Warnf("Invalid integer in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsFloat retrieves an environment variable as a float with a default value
func GetEnvAsFloat(key string, defaultValue float64) float64 {
	if value, exists := GetEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
		logrus.Warnf("Invalid float in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsBool retrieves an environment variable as a boolean with a default value
func GetEnvAsBool(key string, defaultValue bool) bool {
	if value, exists := GetEnv(key); exists {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
		logrus.Warnf("Invalid boolean in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsDuration retrieves an environment variable as a duration with a default value
func GetEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := GetEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
		logrus.Warnf("Invalid duration in %s, using default: %v", key, defaultValue)
	}
	return defaultValue
}

// GetEnvAsEndpoints parses a JSON object of chain id to RPC URL, e.g. {"56":"https://bsc-dataseed.org"}
func GetEnvAsEndpoints(key string) map[uint64]string {
	endpoints := map[uint64]string{}
	raw, exists := GetEnv(key)
	if !exists || strings.TrimSpace(raw) == "" {
		return endpoints
	}

	var byName map[string]string
	if err := json.Unmarshal([]byte(raw), &byName); err != nil {
		logrus.Warnf("Invalid JSON in %s: %v", key, err)
		return endpoints
	}
	for chain, url := range byName {
		id, err := strconv.ParseUint(strings.TrimSpace(chain), 10, 64)
		if err != nil {
			logrus.Warnf("Ignoring RPC endpoint for invalid chain id %q", chain)
			continue
		}
		endpoints[id] = strings.TrimSpace(url)
	}
	return endpoints
}
