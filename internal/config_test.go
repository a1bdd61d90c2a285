package internal

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Env:                       "development",
		DatabaseUrl:               "postgres://localhost/billing",
		AuthJWTSecret:             "secret",
		BillingProvider:           "mock",
		GatewayTimeout:            15 * time.Second,
		StorageProvider:           "local",
		EmailProvider:             "log",
		RateLimitPerMinute:        30,
		WebhookRateLimitPerMinute: 600,
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr []string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "missing database and secret",
			mutate:  func(c *Config) { c.DatabaseUrl = ""; c.AuthJWTSecret = "" },
			wantErr: []string{"DATABASE_URL is required", "AUTH_JWT_SECRET is required"},
		},
		{
			name:    "stripe without keys",
			mutate:  func(c *Config) { c.BillingProvider = "stripe" },
			wantErr: []string{"STRIPE_SECRET_KEY is required", "STRIPE_WEBHOOK_SECRET is required"},
		},
		{
			name: "portone complete",
			mutate: func(c *Config) {
				c.BillingProvider = "portone"
				c.PortOneAPISecret = "api"
				c.PortOneStoreID = "store"
				c.PortOneChannelKey = "channel"
				c.PortOneWebhookSecret = "whsec"
			},
		},
		{
			name:    "portone missing webhook secret",
			mutate:  func(c *Config) { c.BillingProvider = "portone"; c.PortOneAPISecret = "api"; c.PortOneStoreID = "s"; c.PortOneChannelKey = "c" },
			wantErr: []string{"PORTONE_WEBHOOK_SECRET is required"},
		},
		{
			name:    "mock gateway in production",
			mutate:  func(c *Config) { c.Env = "production" },
			wantErr: []string{"'mock' is not allowed in production"},
		},
		{
			name:    "unknown provider",
			mutate:  func(c *Config) { c.BillingProvider = "paypal" },
			wantErr: []string{"BILLING_PROVIDER must be"},
		},
		{
			name:    "r2 without bucket",
			mutate:  func(c *Config) { c.StorageProvider = "r2" },
			wantErr: []string{"R2_BUCKET_NAME is required"},
		},
		{
			name:    "negative trial",
			mutate:  func(c *Config) { c.TrialDays = -1 },
			wantErr: []string{"TRIAL_DAYS cannot be negative"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if len(tt.wantErr) == 0 {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, want := range tt.wantErr {
				assert.Contains(t, err.Error(), want)
			}
		})
	}
}

func TestNewConfig_FromEnvironment(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/billing")
	t.Setenv("AUTH_JWT_SECRET", "secret")
	t.Setenv("BILLING_PROVIDER", "MOCK")
	t.Setenv("TRIAL_DAYS", "14")
	t.Setenv("GATEWAY_TIMEOUT", "5s")
	t.Setenv("SCHEDULE_RENEWALS", "*/30 * * * *")

	cfg, err := NewConfig()
	require.NoError(t, err)

	assert.Equal(t, "mock", cfg.BillingProvider)
	assert.Equal(t, 14, cfg.TrialDays)
	assert.Equal(t, 5*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, "*/30 * * * *", cfg.ScheduleRenewals)
	assert.Equal(t, "5 0 * * *", cfg.SchedulePendingChanges)
}
