// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port        string   `env:"PORT" envDefault:"8080"`
	Env         string   `env:"ENV" envDefault:"development"` // development, staging, production
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
	LogFile   string `env:"LOG_FILE"` // optional rotated file sink

	// Storage. In-memory stores are used when DatabaseURL is empty.
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"` // billing dedup store; in-memory when empty

	// Event bus for billing outcomes, heartbeats and audit fan-out.
	NATSURL   string `env:"NATS_URL"`
	NATSQueue string `env:"NATS_QUEUE" envDefault:"dogan-core"`

	// Tracing
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	// Security
	AdminSecret string `env:"ADMIN_SECRET"`

	// Domain tuning
	CapabilitiesFile   string        `env:"CAPABILITIES_FILE"`
	DefaultTrialDays   int           `env:"DEFAULT_TRIAL_DAYS" envDefault:"14"`
	HeartbeatThreshold time.Duration `env:"HEARTBEAT_THRESHOLD" envDefault:"2m"`
	HeartbeatSchedule  string        `env:"HEARTBEAT_SCHEDULE" envDefault:"@every 30s"`
	BillingDedupTTL    time.Duration `env:"BILLING_DEDUP_TTL" envDefault:"2160h"`
	ERPNextTimeout     time.Duration `env:"ERPNEXT_TIMEOUT" envDefault:"5s"`

	// Outbound tenant webhooks
	WebhookTimeout time.Duration `env:"WEBHOOK_TIMEOUT" envDefault:"10s"`

	// Per-tenant request limits
	RateLimitRPM   int `env:"RATE_LIMIT_RPM" envDefault:"600"`
	RateLimitBurst int `env:"RATE_LIMIT_BURST" envDefault:"60"`
}

// Load reads a .env file if present, then parses the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseEnv populates target from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate reports settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	if c.IsProduction() && c.AdminSecret == "" {
		errs = append(errs, errors.New("ADMIN_SECRET is required in production"))
	}
	if c.DefaultTrialDays < 0 || c.DefaultTrialDays > 365 {
		errs = append(errs, fmt.Errorf("DEFAULT_TRIAL_DAYS must be between 0 and 365, got %d", c.DefaultTrialDays))
	}
	if c.HeartbeatThreshold <= 0 {
		errs = append(errs, errors.New("HEARTBEAT_THRESHOLD must be positive"))
	}
	if c.BillingDedupTTL <= 0 {
		errs = append(errs, errors.New("BILLING_DEDUP_TTL must be positive"))
	}
	if c.RateLimitRPM <= 0 || c.RateLimitBurst <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPM and RATE_LIMIT_BURST must be positive"))
	}
	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
