package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "localhost:6379", cfg.RedisAddress)
	assert.Equal(t, "1,2,4", cfg.TierMultipliers)
	assert.Equal(t, 1000, cfg.Tier0Capacity)
	assert.Equal(t, "5m", cfg.DefaultTTL)
	assert.Equal(t, "10s", cfg.LockTTL)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, "100ms", cfg.RetryDelay)
	assert.Equal(t, "0.8", cfg.RefreshThreshold)

	assert.NoError(t, cfg.Validate())
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("CACHE_TIER_MULTIPLIERS", "1,3,9")
	t.Setenv("CACHE_TIER0_CAPACITY", "50")
	t.Setenv("CACHE_MAX_RETRIES", "5")

	cfg := Load()
	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "1,3,9", cfg.TierMultipliers)
	assert.Equal(t, 50, cfg.Tier0Capacity)
	assert.Equal(t, 5, cfg.MaxRetries)
}

func TestMultipliers(t *testing.T) {
	t.Run("parses with whitespace", func(t *testing.T) {
		cfg := &Config{TierMultipliers: "1, 2.5, 4"}
		multipliers, err := cfg.Multipliers()
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 2.5, 4}, multipliers)
	})

	t.Run("rejects garbage", func(t *testing.T) {
		cfg := &Config{TierMultipliers: "1,fast,4"}
		_, err := cfg.Multipliers()
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Load()
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Port = "not-a-port" }},
		{"port out of range", func(c *Config) { c.Port = "70000" }},
		{"bad redis db", func(c *Config) { c.RedisDB = "16" }},
		{"bad pool size", func(c *Config) { c.RedisPoolSize = "0" }},
		{"empty multipliers", func(c *Config) { c.TierMultipliers = "" }},
		{"multiplier below one", func(c *Config) { c.TierMultipliers = "0.5,1" }},
		{"decreasing multipliers", func(c *Config) { c.TierMultipliers = "4,2,1" }},
		{"zero capacity", func(c *Config) { c.Tier0Capacity = 0 }},
		{"bad default ttl", func(c *Config) { c.DefaultTTL = "never" }},
		{"bad lock ttl", func(c *Config) { c.LockTTL = "soon" }},
		{"zero retries", func(c *Config) { c.MaxRetries = 0 }},
		{"bad retry delay", func(c *Config) { c.RetryDelay = "fast" }},
		{"threshold above one", func(c *Config) { c.RefreshThreshold = "1.5" }},
		{"threshold zero", func(c *Config) { c.RefreshThreshold = "0" }},
		{"bad namespaces json", func(c *Config) { c.NamespacesJSON = "{broken" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	t.Run("valid config passes", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})
}

func TestParseNamespaces(t *testing.T) {
	t.Run("registered profile", func(t *testing.T) {
		cfg := Load()
		cfg.NamespacesJSON = `{"profile":{"default_ttl":"60s","stale_ttl":"30s","refresh_threshold":0.9}}`

		namespaces, err := cfg.ParseNamespaces()
		require.NoError(t, err)

		require.True(t, namespaces.Registered("profile"))
		p := namespaces.Profile("profile")
		assert.Equal(t, 60*time.Second, p.DefaultTTL)
		assert.Equal(t, 30*time.Second, p.StaleTTL)
		assert.Equal(t, 0.9, p.RefreshThreshold)
	})

	t.Run("stale ttl defaults to half the ttl", func(t *testing.T) {
		cfg := Load()
		cfg.NamespacesJSON = `{"sessions":{"default_ttl":"10m"}}`

		namespaces, err := cfg.ParseNamespaces()
		require.NoError(t, err)
		p := namespaces.Profile("sessions")
		assert.Equal(t, 10*time.Minute, p.DefaultTTL)
		assert.Equal(t, 5*time.Minute, p.StaleTTL)
	})

	t.Run("unregistered namespace falls back", func(t *testing.T) {
		cfg := Load()
		namespaces, err := cfg.ParseNamespaces()
		require.NoError(t, err)

		assert.False(t, namespaces.Registered("adhoc"))
		p := namespaces.Profile("adhoc")
		assert.Equal(t, 5*time.Minute, p.DefaultTTL)
		assert.Equal(t, 0.8, p.RefreshThreshold)
	})

	t.Run("bad duration rejected", func(t *testing.T) {
		cfg := Load()
		cfg.NamespacesJSON = `{"profile":{"default_ttl":"sixty"}}`
		_, err := cfg.ParseNamespaces()
		assert.Error(t, err)
	})
}
