package internal

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Env         string
	Port        int
	LogLevel    string
	DatabaseUrl string

	// Application base URL (for email links and hosted-flow redirects)
	BaseURL string

	// Bearer tokens are HS256 JWTs whose subject is the manager's user id.
	AuthJWTSecret string

	// Billing gateway: "stripe", "portone", or "mock"
	BillingProvider string
	GatewayTimeout  time.Duration
	TrialDays       int

	StripeSecretKey     string
	StripeWebhookSecret string

	PortOneAPISecret     string
	PortOneStoreID       string
	PortOneChannelKey    string
	PortOneWebhookSecret string

	// Sweep schedules in cron syntax. An empty schedule disables the sweep.
	SchedulePendingChanges string
	ScheduleExpireCanceled string
	ScheduleRenewals       string
	SweepBatchSize         int

	// Worker Configuration
	WorkerEnabled      bool
	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	WorkerJobTimeout   time.Duration

	// Webhook replay cache. REDIS_URL adds a shared tier across instances.
	WebhookCacheSize int
	WebhookCacheTTL  time.Duration
	RedisURL         string

	// Storage for archived webhook payloads: "local", "r2", or "none"
	StorageProvider  string
	LocalStoragePath string

	R2AccountID       string
	R2AccessKeyID     string
	R2SecretAccessKey string
	R2BucketName      string
	R2Endpoint        string

	// Email: "smtp" or "log"
	EmailProvider string
	SMTPHost      string
	SMTPPort      int
	SMTPUsername  string
	SMTPPassword  string
	SMTPFrom      string
	SMTPFromName  string

	// Mutating subscription requests allowed per academy per minute
	RateLimitPerMinute int
	// Webhook deliveries allowed per source IP per minute
	WebhookRateLimitPerMinute int

	// Metrics endpoint authentication
	// If both are empty, the /metrics endpoint will be unprotected (not recommended)
	MetricsUsername string
	MetricsPassword string
}

func NewConfig() (*Config, error) {
	// Load .env file if it exists (ignored in production)
	_ = godotenv.Load()

	cfg := &Config{
		Env:         getEnv("ENV", "development"),
		Port:        getEnvInt("PORT", 8080),
		LogLevel:    getEnv("LOG_LEVEL", "debug"),
		DatabaseUrl: os.Getenv("DATABASE_URL"),
		BaseURL:     getEnv("BASE_URL", "http://localhost:8080"),

		AuthJWTSecret: getEnv("AUTH_JWT_SECRET", ""),

		BillingProvider: strings.ToLower(getEnv("BILLING_PROVIDER", "mock")),
		GatewayTimeout:  getEnvDuration("GATEWAY_TIMEOUT", 15*time.Second),
		TrialDays:       getEnvInt("TRIAL_DAYS", 0),

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),

		PortOneAPISecret:     getEnv("PORTONE_API_SECRET", ""),
		PortOneStoreID:       getEnv("PORTONE_STORE_ID", ""),
		PortOneChannelKey:    getEnv("PORTONE_CHANNEL_KEY", ""),
		PortOneWebhookSecret: getEnv("PORTONE_WEBHOOK_SECRET", ""),

		// Times are UTC. Renewals run hourly so a failed run is picked up
		// by the next one.
		SchedulePendingChanges: getEnv("SCHEDULE_PENDING_CHANGES", "5 0 * * *"),
		ScheduleExpireCanceled: getEnv("SCHEDULE_EXPIRE_CANCELED", "10 0 * * *"),
		ScheduleRenewals:       getEnv("SCHEDULE_RENEWALS", "15 * * * *"),
		SweepBatchSize:         getEnvInt("SWEEP_BATCH_SIZE", 200),

		// Worker defaults
		WorkerEnabled:      getEnvBool("WORKER_ENABLED", true),
		WorkerConcurrency:  getEnvInt("WORKER_CONCURRENCY", 2),
		WorkerPollInterval: getEnvDuration("WORKER_POLL_INTERVAL", 5*time.Second),
		WorkerJobTimeout:   getEnvDuration("WORKER_JOB_TIMEOUT", 2*time.Minute),

		WebhookCacheSize: getEnvInt("WEBHOOK_CACHE_SIZE", 10_000),
		WebhookCacheTTL:  getEnvDuration("WEBHOOK_CACHE_TTL", 24*time.Hour),
		RedisURL:         getEnv("REDIS_URL", ""),

		// Storage defaults to local filesystem for development
		StorageProvider:  strings.ToLower(getEnv("STORAGE_PROVIDER", "local")),
		LocalStoragePath: getEnv("LOCAL_STORAGE_PATH", "./storage"),

		// R2 configuration (production only)
		R2AccountID:       getEnv("R2_ACCOUNT_ID", ""),
		R2AccessKeyID:     getEnv("R2_ACCESS_KEY_ID", ""),
		R2SecretAccessKey: getEnv("R2_SECRET_ACCESS_KEY", ""),
		R2BucketName:      getEnv("R2_BUCKET_NAME", ""),
		R2Endpoint:        getEnv("R2_ENDPOINT", ""),

		// SMTP defaults for Mailhog (development)
		EmailProvider: strings.ToLower(getEnv("EMAIL_PROVIDER", "smtp")),
		SMTPHost:      getEnv("SMTP_HOST", "localhost"),
		SMTPPort:      getEnvInt("SMTP_PORT", 1025),
		SMTPUsername:  getEnv("SMTP_USERNAME", ""),
		SMTPPassword:  getEnv("SMTP_PASSWORD", ""),
		SMTPFrom:      getEnv("SMTP_FROM", "billing@academy.local"),
		SMTPFromName:  getEnv("SMTP_FROM_NAME", "Academy Billing"),

		RateLimitPerMinute:        getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
		WebhookRateLimitPerMinute: getEnvInt("WEBHOOK_RATE_LIMIT_PER_MINUTE", 600),

		// Metrics authentication
		MetricsUsername: getEnv("METRICS_USERNAME", ""),
		MetricsPassword: getEnv("METRICS_PASSWORD", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every missing or inconsistent setting at once.
func (c *Config) Validate() error {
	var errs []error
	require := func(value, key, when string) {
		if value == "" {
			errs = append(errs, errors.New(strings.TrimSpace(key+" is required "+when)))
		}
	}

	require(c.DatabaseUrl, "DATABASE_URL", "")
	require(c.AuthJWTSecret, "AUTH_JWT_SECRET", "")

	switch c.BillingProvider {
	case "stripe":
		require(c.StripeSecretKey, "STRIPE_SECRET_KEY", "when BILLING_PROVIDER is 'stripe'")
		require(c.StripeWebhookSecret, "STRIPE_WEBHOOK_SECRET", "when BILLING_PROVIDER is 'stripe'")
	case "portone":
		require(c.PortOneAPISecret, "PORTONE_API_SECRET", "when BILLING_PROVIDER is 'portone'")
		require(c.PortOneStoreID, "PORTONE_STORE_ID", "when BILLING_PROVIDER is 'portone'")
		require(c.PortOneChannelKey, "PORTONE_CHANNEL_KEY", "when BILLING_PROVIDER is 'portone'")
		require(c.PortOneWebhookSecret, "PORTONE_WEBHOOK_SECRET", "when BILLING_PROVIDER is 'portone'")
	case "mock":
		if c.Env == "production" {
			errs = append(errs, errors.New("BILLING_PROVIDER 'mock' is not allowed in production"))
		}
	default:
		errs = append(errs, fmt.Errorf("BILLING_PROVIDER must be 'stripe', 'portone', or 'mock', got: %s", c.BillingProvider))
	}

	switch c.StorageProvider {
	case "r2":
		require(c.R2AccountID, "R2_ACCOUNT_ID", "when STORAGE_PROVIDER is 'r2'")
		require(c.R2AccessKeyID, "R2_ACCESS_KEY_ID", "when STORAGE_PROVIDER is 'r2'")
		require(c.R2SecretAccessKey, "R2_SECRET_ACCESS_KEY", "when STORAGE_PROVIDER is 'r2'")
		require(c.R2BucketName, "R2_BUCKET_NAME", "when STORAGE_PROVIDER is 'r2'")
	case "local", "none":
	default:
		errs = append(errs, fmt.Errorf("STORAGE_PROVIDER must be 'local', 'r2', or 'none', got: %s", c.StorageProvider))
	}

	if c.EmailProvider != "smtp" && c.EmailProvider != "log" {
		errs = append(errs, fmt.Errorf("EMAIL_PROVIDER must be 'smtp' or 'log', got: %s", c.EmailProvider))
	}
	if c.GatewayTimeout <= 0 {
		errs = append(errs, errors.New("GATEWAY_TIMEOUT must be positive"))
	}
	if c.TrialDays < 0 {
		errs = append(errs, errors.New("TRIAL_DAYS cannot be negative"))
	}
	if c.RateLimitPerMinute <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_PER_MINUTE must be positive"))
	}
	if c.WebhookRateLimitPerMinute <= 0 {
		errs = append(errs, errors.New("WEBHOOK_RATE_LIMIT_PER_MINUTE must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}
