// Package config handles application configuration from environment variables
package config

import (
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

	// Payment gateway
	StripeAPIKey      string // Required unless GATEWAY=fake
	Gateway           string // "stripe" or "fake"
	GatewayTimeout    time.Duration
	PlatformAccountID string // Account receiving the platform fee share

	// Release scheduling
	SweepInterval time.Duration

	// Security
	WebhookSecret string
	AdminSecret   string // Admin API secret
	RateLimitRPS  int

	// Tracing
	OTLPEndpoint string
}

const (
	DefaultPort           = "8080"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultRateLimit      = 100
	DefaultGateway        = "stripe"
	DefaultSweepInterval  = 2 * time.Minute
	DefaultGatewayTimeout = 15 * time.Second
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:       os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeAPIKey:      os.Getenv("STRIPE_API_KEY"),
		Gateway:           getEnv("GATEWAY", DefaultGateway),
		GatewayTimeout:    getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout),
		PlatformAccountID: os.Getenv("PLATFORM_ACCOUNT_ID"),
		SweepInterval:     getEnvDuration("SWEEP_INTERVAL", DefaultSweepInterval),
		WebhookSecret:     os.Getenv("WEBHOOK_SECRET"),
		AdminSecret:       os.Getenv("ADMIN_SECRET"),
		RateLimitRPS:      int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	switch c.Gateway {
	case "stripe":
		if c.StripeAPIKey == "" {
			return fmt.Errorf("STRIPE_API_KEY is required when GATEWAY=stripe")
		}
	case "fake":
		// No credentials needed; only sensible outside production
		if c.IsProduction() {
			return fmt.Errorf("GATEWAY=fake is not allowed in production")
		}
	default:
		return fmt.Errorf("GATEWAY must be stripe or fake, got %q", c.Gateway)
	}

	if c.SweepInterval < time.Second {
		return fmt.Errorf("SWEEP_INTERVAL must be at least 1s")
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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
