package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("CACHE_DOUBLE_DELETE_DELAY", "")
	t.Setenv("LEDGER_MAX_ATTEMPTS", "")

	cfg := LoadConfig()

	assert.Equal(t, 500*time.Millisecond, cfg.Cache.DoubleDeleteDelay)
	assert.Equal(t, 5, cfg.Ledger.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.RateLimit.PollInterval)
	assert.Same(t, AppConfig, cfg)
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("CACHE_DOUBLE_DELETE_DELAY", "750ms")
	t.Setenv("LEDGER_MAX_ATTEMPTS", "0")
	t.Setenv("RATE_LIMIT_USER_RATE", "2.5")
	t.Setenv("RATE_LIMIT_ENABLED", "false")
	t.Setenv("PIPELINE_MAX_RETRIES", "not-a-number")

	cfg := LoadConfig()

	assert.Equal(t, 750*time.Millisecond, cfg.Cache.DoubleDeleteDelay)
	assert.Equal(t, 1, cfg.Ledger.MaxAttempts, "clamped to at least one attempt")
	assert.Equal(t, 2.5, cfg.RateLimit.UserRate)
	assert.False(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 5, cfg.Pipeline.MaxRetries, "invalid value falls back to default")
}
