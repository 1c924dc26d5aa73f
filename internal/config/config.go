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
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Ledger service
	LedgerURL   string // backend base URL
	FakeBackend bool   // use the in-memory ledger backend instead of HTTP

	// Blockchain settings
	RPCURL           string
	ChainID          int64
	PrivateKey       string // Hex-encoded, 0x prefix optional
	USDTContract     string
	APTContract      string
	TreasuryContract string

	// Client-side persistence
	SessionFile string // path of the persisted session record (optional)

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint; tracing disabled when empty
}

// Sepolia defaults
const (
	DefaultRPCURL      = "https://rpc.sepolia.org"
	DefaultChainID     = 11155111 // Sepolia
	DefaultExplorerURL = "https://sepolia.etherscan.io"
	DefaultLedgerURL   = "http://localhost:3001"
	DefaultEnv         = "development"
	DefaultLogLevel    = "info"
	DefaultLogFormat   = "text"

	// Sepolia contract addresses
	DefaultUSDTContract     = "0xbac7d7AAE206282201E83b31005fF2651565fc2C"
	DefaultAPTContract      = "0xdea48b60cc5bCC6170d6CD81964dE443a8015456"
	DefaultTreasuryContract = "0x44b5dd766B90156A08e449CD3049B2267A7bDD65"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Env:              getEnv("ENV", DefaultEnv),
		LogLevel:         getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:        getEnv("LOG_FORMAT", DefaultLogFormat),
		LedgerURL:        getEnv("LEDGER_URL", DefaultLedgerURL),
		FakeBackend:      getEnvBool("FAKE_BACKEND", false),
		RPCURL:           getEnv("RPC_URL", DefaultRPCURL),
		ChainID:          getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKey:       os.Getenv("PRIVATE_KEY"), // Required, no default
		USDTContract:     getEnv("USDT_CONTRACT", DefaultUSDTContract),
		APTContract:      getEnv("APT_CONTRACT", DefaultAPTContract),
		TreasuryContract: getEnv("TREASURY_CONTRACT", DefaultTreasuryContract),
		SessionFile:      os.Getenv("SESSION_FILE"), // Optional, defaults to user config dir
		OTLPEndpoint:     os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
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
	if c.LedgerURL == "" && !c.FakeBackend {
		return fmt.Errorf("LEDGER_URL is required unless FAKE_BACKEND is set")
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
