package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Env)
	assert.Equal(t, 14, cfg.DefaultTrialDays)
	assert.Equal(t, 2*time.Minute, cfg.HeartbeatThreshold)
	assert.Equal(t, "@every 30s", cfg.HeartbeatSchedule)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("HEARTBEAT_THRESHOLD", "45s")
	t.Setenv("CORS_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("DEFAULT_TRIAL_DAYS", "30")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 45*time.Second, cfg.HeartbeatThreshold)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
	assert.Equal(t, 30, cfg.DefaultTrialDays)
}

func TestLoad_BadDuration(t *testing.T) {
	t.Setenv("HEARTBEAT_THRESHOLD", "soon")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env")
}

func TestConfig_Validate(t *testing.T) {
	valid := Config{
		Port:               "8080",
		Env:                "development",
		DefaultTrialDays:   14,
		HeartbeatThreshold: time.Minute,
		BillingDedupTTL:    time.Hour,
		RateLimitRPM:       600,
		RateLimitBurst:     60,
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing port", func(c *Config) { c.Port = "" }, "PORT is required"},
		{"production without admin secret", func(c *Config) { c.Env = "production" }, "ADMIN_SECRET"},
		{"trial too long", func(c *Config) { c.DefaultTrialDays = 400 }, "DEFAULT_TRIAL_DAYS"},
		{"zero heartbeat", func(c *Config) { c.HeartbeatThreshold = 0 }, "HEARTBEAT_THRESHOLD"},
		{"zero burst", func(c *Config) { c.RateLimitBurst = 0 }, "RATE_LIMIT_BURST"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestIsProduction(t *testing.T) {
	assert.True(t, (&Config{Env: "production"}).IsProduction())
	assert.False(t, (&Config{Env: "staging"}).IsProduction())
}
