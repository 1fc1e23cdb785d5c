package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("GIN_MODE", "debug")
	t.Setenv("LEASE_SECONDS", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "ff", cfg.QueuePrefix)
	assert.Equal(t, 30*time.Second, cfg.LeaseDuration())
	assert.Equal(t, 3, cfg.JobAttempts)
	completed, failed := cfg.Retention()
	assert.Equal(t, 24*time.Hour, completed)
	assert.Equal(t, 7*24*time.Hour, failed)
}

func TestLoadInvalidIntFallsBack(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("SCRAPE_CONCURRENCY", "many")
	t.Setenv("POLL_INTERVAL_MILLIS", "25")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.ScrapeConcurrency)
	assert.Equal(t, 25*time.Millisecond, cfg.PollInterval())
}

func TestValidateReleaseRequiresSecrets(t *testing.T) {
	cfg := &Config{GinMode: "release", QueueRedisURL: "redis://x", LeaseSeconds: 30}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "APP_USERNAME")

	cfg.AppUsername = "admin"
	cfg.AppPasswordHash = "hash"
	cfg.SessionSecret = "secret"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")

	cfg.OpenAIAPIKey = "sk"
	assert.NoError(t, cfg.Validate())
}

func TestValidateLease(t *testing.T) {
	cfg := &Config{GinMode: "debug", QueueRedisURL: "redis://x", LeaseSeconds: 0}
	assert.Error(t, cfg.Validate())
}
