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

	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, DefaultEnv, cfg.Env)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.Equal(t, DefaultSweepBatch, cfg.SweepBatch)
	assert.Equal(t, DefaultLockWait, cfg.LockWait)
	assert.Equal(t, DefaultRateLimit, cfg.RateLimitRPM)
	assert.True(t, cfg.IsDevelopment())
	assert.False(t, cfg.IsProduction())
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SWEEP_INTERVAL", "30s")
	t.Setenv("SWEEP_BATCH", "25")
	t.Setenv("LOCK_WAIT", "500ms")
	t.Setenv("RATE_LIMIT_RPM", "60")
	t.Setenv("DATABASE_URL", "postgres://localhost/guildbank")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 25, cfg.SweepBatch)
	assert.Equal(t, 500*time.Millisecond, cfg.LockWait)
	assert.Equal(t, 60, cfg.RateLimitRPM)
	assert.Equal(t, "postgres://localhost/guildbank", cfg.DatabaseURL)
}

func TestLoad_BadValuesFallBack(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "soon")
	t.Setenv("SWEEP_BATCH", "many")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultSweepInterval, cfg.SweepInterval)
	assert.Equal(t, DefaultSweepBatch, cfg.SweepBatch)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Env:           "development",
			SweepInterval: time.Minute,
			SweepBatch:    100,
			LockWait:      time.Second,
		}
	}

	require.NoError(t, base().Validate())

	cfg := base()
	cfg.SweepInterval = 0
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.SweepBatch = -1
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.LockWait = 0
	require.Error(t, cfg.Validate())
}

func TestValidate_ProductionSecrets(t *testing.T) {
	cfg := &Config{
		Env:           "production",
		SweepInterval: time.Minute,
		SweepBatch:    100,
		LockWait:      time.Second,
	}
	require.Error(t, cfg.Validate())

	cfg.AdminSecret = "s3cret"
	require.Error(t, cfg.Validate())

	cfg.StripeWebhookSecret = "whsec_x"
	require.NoError(t, cfg.Validate())
}
