// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool   // apply embedded goose migrations at startup

	// Escrow settings
	DefaultCurrency     string
	DefaultProvider     string // "memory" or "stripe"
	AutoReleaseAfter    time.Duration
	AutoReleaseInterval time.Duration
	PaymentTimeout      time.Duration // 0 disables stale-payment cancellation
	GatewayTimeout      time.Duration

	// Payment providers
	StripeSecretKey      string
	StripeWebhookSecret  string
	PaymentWebhookSecret string

	// Events
	KafkaBrokers []string
	KafkaTopic   string

	// Observability
	OTLPEndpoint     string
	TraceSampleRatio float64

	// Security
	AdminSecret       string
	RateLimitRPM      int
	CORSAllowedOrigin []string
}

const (
	DefaultPort                = "8080"
	DefaultEnv                 = "development"
	DefaultLogLevel            = "info"
	DefaultLogFormat           = "json"
	DefaultCurrency            = "NGN"
	DefaultProvider            = "memory"
	DefaultAutoReleaseAfter    = 72 * time.Hour
	DefaultAutoReleaseInterval = 30 * time.Second
	DefaultGatewayTimeout      = 15 * time.Second
	DefaultKafkaTopic          = "escrow_events"
	DefaultRateLimit           = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		AutoMigrate:          getEnvBool("DB_AUTO_MIGRATE", false),
		DefaultCurrency:      strings.ToUpper(getEnv("DEFAULT_CURRENCY", DefaultCurrency)),
		DefaultProvider:      getEnv("DEFAULT_PAYMENT_PROVIDER", DefaultProvider),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		PaymentWebhookSecret: os.Getenv("PAYMENT_WEBHOOK_SECRET"),
		KafkaBrokers:         splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:           getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:     getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
		AdminSecret:          os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:         int(getEnvInt64("RATE_LIMIT_RPM", int64(DefaultRateLimit))),
		CORSAllowedOrigin:    splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
	}

	var err error
	if cfg.AutoReleaseAfter, err = getEnvDuration("AUTO_RELEASE_AFTER", DefaultAutoReleaseAfter); err != nil {
		return nil, err
	}
	if cfg.AutoReleaseInterval, err = getEnvDuration("AUTO_RELEASE_INTERVAL", DefaultAutoReleaseInterval); err != nil {
		return nil, err
	}
	if cfg.PaymentTimeout, err = getEnvDuration("PAYMENT_TIMEOUT", 0); err != nil {
		return nil, err
	}
	if cfg.GatewayTimeout, err = getEnvDuration("GATEWAY_TIMEOUT", DefaultGatewayTimeout); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects inconsistent settings
func (c *Config) Validate() error {
	if c.AutoReleaseAfter <= 0 {
		return fmt.Errorf("AUTO_RELEASE_AFTER must be positive")
	}
	if c.AutoReleaseInterval <= 0 {
		return fmt.Errorf("AUTO_RELEASE_INTERVAL must be positive")
	}
	if c.GatewayTimeout <= 0 {
		return fmt.Errorf("GATEWAY_TIMEOUT must be positive")
	}
	if c.PaymentTimeout < 0 {
		return fmt.Errorf("PAYMENT_TIMEOUT must not be negative")
	}
	if len(c.DefaultCurrency) != 3 {
		return fmt.Errorf("DEFAULT_CURRENCY must be a three-letter code")
	}

	switch c.DefaultProvider {
	case "memory":
		if c.IsProduction() {
			return fmt.Errorf("DEFAULT_PAYMENT_PROVIDER=memory is not allowed in production")
		}
	case "stripe":
		if c.StripeSecretKey == "" {
			return fmt.Errorf("STRIPE_SECRET_KEY is required when DEFAULT_PAYMENT_PROVIDER=stripe")
		}
	default:
		return fmt.Errorf("DEFAULT_PAYMENT_PROVIDER must be memory or stripe, got %q", c.DefaultProvider)
	}

	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1")
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
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

func getEnvBool(key string, defaultValue bool) bool {
	if v, err := strconv.ParseBool(os.Getenv(key)); err == nil {
		return v
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
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
