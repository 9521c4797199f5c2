// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

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

	// Blockchain settings
	RPCURL         string
	ChainID        int64
	Network        string // network tag accepted on inbound events
	PrivateKey     string // Hex-encoded, with or without 0x prefix
	EscrowContract string // default escrow contract address
	SkipChainCalls bool   // test flag: report a zero tx hash instead of submitting

	// Event ingestion
	WebhookSecret     string // test-mode exact-match secret
	AlchemySigningKey string // production HMAC signing key
	WatcherEnabled    bool   // poll chain logs in addition to webhooks

	// Arbitration
	ConfidenceThreshold float64
	DecisionAPIURL      string
	DecisionAPIKey      string
	DecisionModel       string

	// Metadata gateways
	IPFSGateway    string
	ArweaveGateway string

	// Observability
	OTLPEndpoint string

	// Security
	RateLimitRPS int
}

// Base Sepolia defaults
const (
	DefaultRPCURL              = "https://sepolia.base.org"
	DefaultChainID             = 84532 // Base Sepolia
	DefaultNetwork             = "base-sepolia"
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultConfidenceThreshold = 0.8
	DefaultDecisionAPIURL      = "https://api.openai.com"
	DefaultDecisionModel       = "gpt-4o-mini"
	DefaultRateLimit           = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                getEnv("PORT", DefaultPort),
		Env:                 getEnv("ENV", DefaultEnv),
		LogLevel:            getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:         os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RPCURL:              getEnv("RPC_URL", DefaultRPCURL),
		ChainID:             getEnvInt64("CHAIN_ID", DefaultChainID),
		Network:             getEnv("NETWORK", DefaultNetwork),
		PrivateKey:          os.Getenv("PRIVATE_KEY"), // Required, no default
		EscrowContract:      os.Getenv("ESCROW_CONTRACT"),
		SkipChainCalls:      getEnvBool("SKIP_CHAIN_CALLS", false),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		AlchemySigningKey:   os.Getenv("ALCHEMY_SIGNING_KEY"),
		WatcherEnabled:      getEnvBool("WATCHER_ENABLED", false),
		ConfidenceThreshold: getEnvFloat("CONFIDENCE_THRESHOLD", DefaultConfidenceThreshold),
		DecisionAPIURL:      getEnv("DECISION_API_URL", DefaultDecisionAPIURL),
		DecisionAPIKey:      os.Getenv("DECISION_API_KEY"),
		DecisionModel:       getEnv("DECISION_MODEL", DefaultDecisionModel),
		IPFSGateway:         os.Getenv("IPFS_GATEWAY"),
		ArweaveGateway:      os.Getenv("ARWEAVE_GATEWAY"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS:        int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.PrivateKey == "" {
		return fmt.Errorf("PRIVATE_KEY is required")
	}

	// Allow both with and without 0x prefix
	key := c.PrivateKey
	if len(key) == 66 && key[:2] == "0x" {
		key = key[2:]
	}
	if len(key) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.WebhookSecret == "" && c.AlchemySigningKey == "" {
		return fmt.Errorf("WEBHOOK_SECRET or ALCHEMY_SIGNING_KEY is required")
	}

	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("CONFIDENCE_THRESHOLD must be in [0, 1]")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
