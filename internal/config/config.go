// Package config loads service configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds all service configuration.
type Config struct {
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"; empty picks by Env

	// DatabaseURL is optional; in-memory stores are used when unset.
	DatabaseURL string

	// Gateway. With no Stripe key the sandbox gateway is used.
	StripeSecretKey      string
	StripeWebhookSecret  string
	SandboxWebhookSecret string
	GatewayCallTimeout   time.Duration
	// StripePayoutAccounts maps party ids to connected accounts,
	// "usr_1=acct_A,usr_2=acct_B".
	StripePayoutAccounts map[string]string

	// Escrow policy
	DefaultFeePercentage decimal.Decimal
	AutoReleaseEnabled   bool
	AutoReleaseDays      int
	SchedulerInterval    time.Duration
	PayoutMaxAttempts    int
	PayoutStallTimeout   time.Duration
	BreakerThreshold     int
	BreakerCooldown      time.Duration

	// Collaborators
	NotifyURL     string
	NotifySecret  string
	RentalSyncURL string

	// Webhook dedup: bolt file used when there is no database.
	WebhookDedupBoltPath string
	WebhookClaimTTL      time.Duration
	WebhookRetention     time.Duration

	// Security
	JWTSecret    string
	JWTIssuer    string
	ServiceToken string // static bearer for the rental module
	RateLimitRPM int64
	CORSOrigins  []string

	OTLPEndpoint string
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultFeePercentage     = "10"
	DefaultAutoReleaseDays   = 3
	DefaultSchedulerInterval = time.Minute
	DefaultPayoutMaxAttempts = 5
	DefaultRateLimitRPM      = 600
)

// Load reads the environment, loading .env first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	fee, err := decimal.NewFromString(getEnv("DEFAULT_FEE_PERCENTAGE", DefaultFeePercentage))
	if err != nil {
		return nil, fmt.Errorf("DEFAULT_FEE_PERCENTAGE: %w", err)
	}

	cfg := &Config{
		Port:                 getEnv("PORT", DefaultPort),
		Env:                  getEnv("ENV", DefaultEnv),
		LogLevel:             getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:            os.Getenv("LOG_FORMAT"),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		StripeSecretKey:      os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:  os.Getenv("STRIPE_WEBHOOK_SECRET"),
		SandboxWebhookSecret: os.Getenv("GATEWAY_WEBHOOK_SECRET"),
		GatewayCallTimeout:   getEnvDuration("GATEWAY_CALL_TIMEOUT", 15*time.Second),
		StripePayoutAccounts: parsePairs(os.Getenv("STRIPE_PAYOUT_ACCOUNTS")),
		DefaultFeePercentage: fee,
		AutoReleaseEnabled:   getEnvBool("AUTO_RELEASE_ENABLED", true),
		AutoReleaseDays:      int(getEnvInt64("AUTO_RELEASE_DAYS", DefaultAutoReleaseDays)),
		SchedulerInterval:    getEnvDuration("SCHEDULER_INTERVAL", DefaultSchedulerInterval),
		PayoutMaxAttempts:    int(getEnvInt64("PAYOUT_MAX_ATTEMPTS", DefaultPayoutMaxAttempts)),
		PayoutStallTimeout:   getEnvDuration("PAYOUT_STALL_TIMEOUT", 10*time.Minute),
		BreakerThreshold:     int(getEnvInt64("GATEWAY_BREAKER_THRESHOLD", 5)),
		BreakerCooldown:      getEnvDuration("GATEWAY_BREAKER_COOLDOWN", 30*time.Second),
		NotifyURL:            os.Getenv("NOTIFY_URL"),
		NotifySecret:         os.Getenv("NOTIFY_SECRET"),
		RentalSyncURL:        os.Getenv("RENTAL_SYNC_URL"),
		WebhookDedupBoltPath: getEnv("WEBHOOK_DEDUP_BOLT_PATH", "webhook-events.db"),
		WebhookClaimTTL:      getEnvDuration("WEBHOOK_CLAIM_TTL", 5*time.Minute),
		WebhookRetention:     getEnvDuration("WEBHOOK_RETENTION", 30*24*time.Hour),
		JWTSecret:            os.Getenv("JWT_SECRET"),
		JWTIssuer:            getEnv("JWT_ISSUER", "rentescrow"),
		ServiceToken:         os.Getenv("SERVICE_TOKEN"),
		RateLimitRPM:         getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM),
		CORSOrigins:          splitList(os.Getenv("CORS_ALLOWED_ORIGINS")),
		OTLPEndpoint:         os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required settings and value ranges.
func (c *Config) Validate() error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	} else if c.IsProduction() && len(c.JWTSecret) < 32 {
		errs = append(errs, errors.New("JWT_SECRET must be at least 32 bytes in production"))
	}
	if c.DefaultFeePercentage.IsNegative() || c.DefaultFeePercentage.GreaterThan(decimal.NewFromInt(100)) {
		errs = append(errs, errors.New("DEFAULT_FEE_PERCENTAGE must be between 0 and 100"))
	}
	if c.AutoReleaseDays < 1 {
		errs = append(errs, errors.New("AUTO_RELEASE_DAYS must be at least 1"))
	}
	if c.SchedulerInterval < time.Second {
		errs = append(errs, errors.New("SCHEDULER_INTERVAL must be at least 1s"))
	}
	if c.WebhookRetention < 24*time.Hour {
		errs = append(errs, errors.New("WEBHOOK_RETENTION must be at least 24h"))
	}
	if c.PayoutMaxAttempts < 1 {
		errs = append(errs, errors.New("PAYOUT_MAX_ATTEMPTS must be at least 1"))
	}
	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set"))
	}
	if c.StripeSecretKey == "" && c.SandboxWebhookSecret == "" {
		errs = append(errs, errors.New("GATEWAY_WEBHOOK_SECRET is required for the sandbox gateway"))
	}
	if c.IsProduction() {
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required in production"))
		}
		if c.StripeSecretKey == "" {
			errs = append(errs, errors.New("STRIPE_SECRET_KEY is required in production"))
		}
	}

	return errors.Join(errs...)
}

func (c *Config) IsDevelopment() bool { return c.Env == "development" }
func (c *Config) IsProduction() bool { return c.Env == "production" }

// AutoReleaseWindow is AutoReleaseDays as a duration.
func (c *Config) AutoReleaseWindow() time.Duration {
	return time.Duration(c.AutoReleaseDays) * 24 * time.Hour
}

// ResolvedLogFormat returns LogFormat, defaulting to text in development.
func (c *Config) ResolvedLogFormat() string {
	if c.LogFormat != "" {
		return c.LogFormat
	}
	if c.IsDevelopment() {
		return "text"
	}
	return "json"
}

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

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func parsePairs(raw string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" || v == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return out
}

func splitList(raw string) []string {
	var out []string
	for _, v := range strings.Split(raw, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
