// Package config handles application configuration loading from environment variables.
//
// Configuration follows the same patterns as other Open Cloud Ops modules,
// using NOCTURNE_* prefixed environment variables with sensible defaults
// for local development. Database and Redis configuration uses the shared
// POSTGRES_* and REDIS_* prefixes.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
)

// Config holds all configuration values for the Nocturne hibernation engine.
type Config struct {
	// Port is the HTTP port the API server listens on.
	Port string

	// LogLevel controls the verbosity of log output (debug, info, warn, error).
	LogLevel string

	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// RedisURL is the Redis connection address.
	RedisURL string

	// ClusterID identifies this cluster on audit records.
	ClusterID string

	// DevMode runs Nocturne against a simulated cluster with in-memory
	// stores. No Postgres or Redis connection is made.
	DevMode bool

	// TaskFilePath is where scheduled task definitions are persisted.
	TaskFilePath string

	// MaxActiveNamespaces is the non-business-hours ceiling on active
	// non-system namespaces.
	MaxActiveNamespaces int

	// SystemNamespaces overrides the infrastructure namespaces excluded
	// from quota counting. Empty means the built-in set.
	SystemNamespaces []string

	// Timezone, BusinessStartHour, BusinessEndHour, and Holidays define
	// the business calendar used by admission.
	Timezone          string
	BusinessStartHour int
	BusinessEndHour   int
	Holidays          []string

	// SchedulerWorkers is the task worker pool size.
	SchedulerWorkers int

	// WebhookURL, when set, receives rollback event notifications.
	WebhookURL string

	// AllowedOrigins defines the CORS allowed origins for the API.
	AllowedOrigins []string
}

// Load reads configuration from environment variables and returns a Config.
// It follows the .env.example pattern using POSTGRES_*, REDIS_*, and NOCTURNE_* prefixes.
func Load() (*Config, error) {
	cfg := &Config{}

	// Nocturne-specific settings
	cfg.Port = getEnvOrDefault("NOCTURNE_PORT", "8083")
	cfg.LogLevel = getEnvOrDefault("NOCTURNE_LOG_LEVEL", "info")
	cfg.ClusterID = getEnvOrDefault("NOCTURNE_CLUSTER_ID", "local")
	cfg.DevMode = getEnvOrDefault("NOCTURNE_DEV_MODE", "true") == "true"
	cfg.TaskFilePath = getEnvOrDefault("NOCTURNE_TASK_FILE", "/var/nocturne/tasks.json")
	cfg.WebhookURL = os.Getenv("NOCTURNE_WEBHOOK_URL")

	maxActive, err := intEnv("NOCTURNE_MAX_ACTIVE_NAMESPACES", 5)
	if err != nil {
		return nil, err
	}
	cfg.MaxActiveNamespaces = maxActive

	if nsList := os.Getenv("NOCTURNE_SYSTEM_NAMESPACES"); nsList != "" {
		cfg.SystemNamespaces = splitAndTrim(nsList)
	}

	// Business calendar
	cfg.Timezone = getEnvOrDefault("NOCTURNE_TIMEZONE", "UTC")
	if cfg.BusinessStartHour, err = intEnv("NOCTURNE_BUSINESS_START_HOUR", 8); err != nil {
		return nil, err
	}
	if cfg.BusinessEndHour, err = intEnv("NOCTURNE_BUSINESS_END_HOUR", 18); err != nil {
		return nil, err
	}
	if holidays := os.Getenv("NOCTURNE_HOLIDAYS"); holidays != "" {
		cfg.Holidays = splitAndTrim(holidays)
	}

	if cfg.SchedulerWorkers, err = intEnv("NOCTURNE_SCHEDULER_WORKERS", 5); err != nil {
		return nil, err
	}

	// Build PostgreSQL connection URL from individual components
	pgHost := getEnvOrDefault("POSTGRES_HOST", "localhost")
	pgPort := getEnvOrDefault("POSTGRES_PORT", "5432")
	pgDB := getEnvOrDefault("POSTGRES_DB", "nocturne")
	pgUser := getEnvOrDefault("POSTGRES_USER", "nocturne")
	pgPassword := os.Getenv("POSTGRES_PASSWORD")
	pgSSLMode := getEnvOrDefault("POSTGRES_SSLMODE", "require")

	// Use url.UserPassword to properly percent-encode credentials that may
	// contain reserved URI characters (@, :, /, etc.).
	dsn := &url.URL{
		Scheme:   "postgres",
		Host:     fmt.Sprintf("%s:%s", pgHost, pgPort),
		Path:     pgDB,
		RawQuery: fmt.Sprintf("sslmode=%s", pgSSLMode),
	}
	if pgPassword == "" {
		dsn.User = url.User(pgUser)
	} else {
		dsn.User = url.UserPassword(pgUser, pgPassword)
	}
	cfg.DatabaseURL = dsn.String()

	// Allow overriding with a full DATABASE_URL if provided
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		cfg.DatabaseURL = dbURL
	}

	// Build Redis URL
	redisHost := getEnvOrDefault("REDIS_HOST", "localhost")
	redisPort := getEnvOrDefault("REDIS_PORT", "6379")
	cfg.RedisURL = fmt.Sprintf("%s:%s", redisHost, redisPort)

	// Allow overriding with a full REDIS_URL if provided
	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		cfg.RedisURL = redisURL
	}

	// CORS allowed origins
	cfg.AllowedOrigins = splitAndTrim(getEnvOrDefault("NOCTURNE_ALLOWED_ORIGINS", "http://localhost:3000"))

	return cfg, nil
}

// Validate checks that all required configuration fields are set and valid.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("config: NOCTURNE_PORT is required")
	}
	if c.ClusterID == "" {
		return fmt.Errorf("config: NOCTURNE_CLUSTER_ID is required")
	}
	if c.TaskFilePath == "" {
		return fmt.Errorf("config: NOCTURNE_TASK_FILE is required")
	}
	if c.MaxActiveNamespaces <= 0 {
		return fmt.Errorf("config: NOCTURNE_MAX_ACTIVE_NAMESPACES must be positive")
	}
	if c.BusinessStartHour < 0 || c.BusinessEndHour > 24 || c.BusinessStartHour >= c.BusinessEndHour {
		return fmt.Errorf("config: business hours %d-%d are not a valid window",
			c.BusinessStartHour, c.BusinessEndHour)
	}
	if c.SchedulerWorkers <= 0 {
		return fmt.Errorf("config: NOCTURNE_SCHEDULER_WORKERS must be positive")
	}
	if !c.DevMode {
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: database URL could not be constructed")
		}
		if c.RedisURL == "" {
			return fmt.Errorf("config: Redis URL could not be constructed")
		}
	}
	return nil
}

// intEnv parses an integer environment variable, falling back to def when
// the variable is unset.
func intEnv(key string, def int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s value %q: %w", key, raw, err)
	}
	return v, nil
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// getEnvOrDefault returns the value of the environment variable named by key,
// or the defaultValue if the variable is not set or empty.
func getEnvOrDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}
