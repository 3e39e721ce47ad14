// Package config provides configuration management for the cache service.
// It handles loading configuration from environment variables with sensible
// defaults and validates the configuration before the service starts.
//
// Environment Variables:
//
// Application Settings:
//   - PORT: HTTP port for the stats/health API (default: 8080)
//   - LOG_LEVEL: Logging level (default: info)
//
// Redis Configuration:
//   - REDIS_ADDRESS: Redis server address (default: localhost:6379)
//   - REDIS_PASSWORD: Redis password
//   - REDIS_DB: Redis database number 0-15 (default: 0)
//   - REDIS_POOL_SIZE: Redis connection pool size (default: 10)
//
// Cache Configuration:
//   - CACHE_TIER_MULTIPLIERS: comma-separated TTL multipliers, one per tier,
//     fastest first (default: 1,2,4)
//   - CACHE_TIER0_CAPACITY: entry bound for the in-process tier (default: 1000)
//   - CACHE_DEFAULT_TTL: fallback TTL for unregistered namespaces (default: 5m)
//   - CACHE_LOCK_TTL: stampede lock TTL (default: 10s)
//   - CACHE_MAX_RETRIES: stampede waiter retries (default: 3)
//   - CACHE_RETRY_DELAY: initial stampede retry delay (default: 100ms)
//   - CACHE_REFRESH_THRESHOLD: fraction of lifetime after which a read
//     schedules an early refresh (default: 0.8)
//   - CACHE_NAMESPACES: JSON map of namespace profiles, e.g.
//     {"profile":{"default_ttl":"60s","stale_ttl":"30s","refresh_threshold":0.8}}
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values for the cache service.
// All fields correspond to environment variables that can be set to
// override the default values. Load configuration with Load() and
// validate it with Validate() before use.
type Config struct {
	// Application settings
	Port     string // HTTP port for the stats/health API
	LogLevel string // Logging level (debug, info, warn, error)

	// Redis configuration for the distributed tier and stampede locks
	RedisAddress  string // Redis server address (host:port)
	RedisPassword string // Redis authentication password
	RedisDB       string // Redis database number (0-15)
	RedisPoolSize string // Redis connection pool size

	// Cache hierarchy configuration
	TierMultipliers  string // Comma-separated per-tier TTL multipliers, fastest first
	Tier0Capacity    int    // Entry bound for the in-process tier
	DefaultTTL       string // Fallback TTL for unregistered namespaces
	LockTTL          string // Stampede lock TTL
	MaxRetries       int    // Stampede waiter retries
	RetryDelay       string // Initial stampede retry delay
	RefreshThreshold string // Early-refresh threshold (fraction of lifetime)
	NamespacesJSON   string // JSON namespace profile map
}

// NamespaceProfile holds the per-namespace cache policy registered at startup.
type NamespaceProfile struct {
	DefaultTTL       time.Duration `json:"-"`
	StaleTTL         time.Duration `json:"-"`
	RefreshThreshold float64       `json:"refresh_threshold"`
}

// namespaceProfileJSON is the wire form of NamespaceProfile; durations are
// duration strings ("60s", "5m").
type namespaceProfileJSON struct {
	DefaultTTL       string  `json:"default_ttl"`
	StaleTTL         string  `json:"stale_ttl"`
	RefreshThreshold float64 `json:"refresh_threshold"`
}

// Namespaces is the registry of namespace profiles. Lookups for namespaces
// that were never registered fall back to the default profile instead of
// failing, so callers can use ad hoc namespaces without configuration.
type Namespaces struct {
	profiles map[string]NamespaceProfile
	fallback NamespaceProfile
}

// Profile returns the registered profile for a namespace, or the fallback
// profile if the namespace was never registered.
func (n *Namespaces) Profile(namespace string) NamespaceProfile {
	if p, ok := n.profiles[namespace]; ok {
		return p
	}
	return n.fallback
}

// Registered reports whether the namespace has an explicit profile.
func (n *Namespaces) Registered(namespace string) bool {
	_, ok := n.profiles[namespace]
	return ok
}

// Names returns the registered namespace names.
func (n *Namespaces) Names() []string {
	names := make([]string, 0, len(n.profiles))
	for name := range n.profiles {
		names = append(names, name)
	}
	return names
}

// NewNamespaces builds a registry from explicit profiles and a fallback
// profile for unregistered namespaces.
func NewNamespaces(profiles map[string]NamespaceProfile, fallback NamespaceProfile) *Namespaces {
	if profiles == nil {
		profiles = make(map[string]NamespaceProfile)
	}
	if fallback.RefreshThreshold <= 0 || fallback.RefreshThreshold > 1 {
		fallback.RefreshThreshold = 0.8
	}
	if fallback.DefaultTTL <= 0 {
		fallback.DefaultTTL = 5 * time.Minute
	}
	if fallback.StaleTTL <= 0 {
		fallback.StaleTTL = fallback.DefaultTTL / 2
	}
	return &Namespaces{profiles: profiles, fallback: fallback}
}

// Load creates a new Config instance with values loaded from environment
// variables. If an environment variable is not set, the corresponding
// default value is used. Call Validate() on the returned Config before use.
func Load() *Config {
	return &Config{
		Port:     getEnv("PORT", "8080"),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Redis configuration
		RedisAddress:  getEnv("REDIS_ADDRESS", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnv("REDIS_DB", "0"),
		RedisPoolSize: getEnv("REDIS_POOL_SIZE", "10"),

		// Cache configuration
		TierMultipliers:  getEnv("CACHE_TIER_MULTIPLIERS", "1,2,4"),
		Tier0Capacity:    getIntEnv("CACHE_TIER0_CAPACITY", 1000),
		DefaultTTL:       getEnv("CACHE_DEFAULT_TTL", "5m"),
		LockTTL:          getEnv("CACHE_LOCK_TTL", "10s"),
		MaxRetries:       getIntEnv("CACHE_MAX_RETRIES", 3),
		RetryDelay:       getEnv("CACHE_RETRY_DELAY", "100ms"),
		RefreshThreshold: getEnv("CACHE_REFRESH_THRESHOLD", "0.8"),
		NamespacesJSON:   getEnv("CACHE_NAMESPACES", ""),
	}
}

// getEnv retrieves an environment variable value or returns a default value if not set.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv retrieves an integer environment variable value or returns a default value.
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// Multipliers parses the per-tier TTL multipliers, fastest tier first.
func (c *Config) Multipliers() ([]float64, error) {
	parts := strings.Split(c.TierMultipliers, ",")
	multipliers := make([]float64, 0, len(parts))
	for _, part := range parts {
		m, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid tier multiplier %q: %w", part, err)
		}
		multipliers = append(multipliers, m)
	}
	return multipliers, nil
}

// ParseNamespaces builds the namespace registry from CACHE_NAMESPACES and
// the fallback defaults.
func (c *Config) ParseNamespaces() (*Namespaces, error) {
	defaultTTL, err := time.ParseDuration(c.DefaultTTL)
	if err != nil {
		return nil, fmt.Errorf("CACHE_DEFAULT_TTL must be a valid duration: %w", err)
	}
	threshold, err := strconv.ParseFloat(c.RefreshThreshold, 64)
	if err != nil {
		return nil, fmt.Errorf("CACHE_REFRESH_THRESHOLD must be a number: %w", err)
	}

	fallback := NamespaceProfile{
		DefaultTTL:       defaultTTL,
		StaleTTL:         defaultTTL / 2,
		RefreshThreshold: threshold,
	}

	profiles := make(map[string]NamespaceProfile)
	if c.NamespacesJSON != "" {
		var raw map[string]namespaceProfileJSON
		if err := json.Unmarshal([]byte(c.NamespacesJSON), &raw); err != nil {
			return nil, fmt.Errorf("CACHE_NAMESPACES must be a valid JSON profile map: %w", err)
		}
		for name, j := range raw {
			profile := fallback
			if j.DefaultTTL != "" {
				ttl, err := time.ParseDuration(j.DefaultTTL)
				if err != nil {
					return nil, fmt.Errorf("namespace %s: invalid default_ttl: %w", name, err)
				}
				profile.DefaultTTL = ttl
				profile.StaleTTL = ttl / 2
			}
			if j.StaleTTL != "" {
				stale, err := time.ParseDuration(j.StaleTTL)
				if err != nil {
					return nil, fmt.Errorf("namespace %s: invalid stale_ttl: %w", name, err)
				}
				profile.StaleTTL = stale
			}
			if j.RefreshThreshold > 0 {
				profile.RefreshThreshold = j.RefreshThreshold
			}
			profiles[name] = profile
		}
	}

	return NewNamespaces(profiles, fallback), nil
}

// Validate performs validation on the configuration to ensure all values
// are present and well-formed. The service should call this after loading
// configuration and before starting.
func (c *Config) Validate() error {
	// Validate port
	if port, err := strconv.Atoi(c.Port); err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("PORT must be a valid port number between 1 and 65535")
	}

	// Validate Redis config
	if db, err := strconv.Atoi(c.RedisDB); err != nil || db < 0 || db > 15 {
		return fmt.Errorf("REDIS_DB must be a number between 0 and 15")
	}
	if poolSize, err := strconv.Atoi(c.RedisPoolSize); err != nil || poolSize < 1 {
		return fmt.Errorf("REDIS_POOL_SIZE must be a positive number")
	}

	// Validate cache config
	multipliers, err := c.Multipliers()
	if err != nil {
		return err
	}
	if len(multipliers) == 0 {
		return fmt.Errorf("CACHE_TIER_MULTIPLIERS must name at least one tier")
	}
	for i, m := range multipliers {
		if m < 1 {
			return fmt.Errorf("CACHE_TIER_MULTIPLIERS[%d] must be >= 1 so slower tiers never hold entries shorter than faster ones", i)
		}
		if i > 0 && m < multipliers[i-1] {
			return fmt.Errorf("CACHE_TIER_MULTIPLIERS must be non-decreasing, got %v", multipliers)
		}
	}
	if c.Tier0Capacity < 1 {
		return fmt.Errorf("CACHE_TIER0_CAPACITY must be a positive number")
	}
	if _, err := time.ParseDuration(c.DefaultTTL); err != nil {
		return fmt.Errorf("CACHE_DEFAULT_TTL must be a valid duration (e.g., '60s', '5m')")
	}
	if _, err := time.ParseDuration(c.LockTTL); err != nil {
		return fmt.Errorf("CACHE_LOCK_TTL must be a valid duration")
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("CACHE_MAX_RETRIES must be a positive number")
	}
	if _, err := time.ParseDuration(c.RetryDelay); err != nil {
		return fmt.Errorf("CACHE_RETRY_DELAY must be a valid duration")
	}
	threshold, err := strconv.ParseFloat(c.RefreshThreshold, 64)
	if err != nil || threshold <= 0 || threshold > 1 {
		return fmt.Errorf("CACHE_REFRESH_THRESHOLD must be a number in (0, 1]")
	}
	if _, err := c.ParseNamespaces(); err != nil {
		return err
	}

	return nil
}
