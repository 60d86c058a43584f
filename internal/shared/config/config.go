package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the gateway.
type Config struct {
	// Server
	Port string
	Env  string

	// Database
	DatabaseURL string

	// Redis
	RedisURL string

	// Deployment registry
	DeploymentsFile string

	// Admission
	RequestTimeout time.Duration
	MaxAttempts    int
	PolicyCacheTTL time.Duration

	// Caching
	CacheEnabled    bool
	CacheTTLSeconds int

	// Budget sweep cadence (cron spec)
	BudgetSweepSpec string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		Env:             getEnv("ENV", "development"),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		RedisURL:        getEnv("REDIS_URL", "redis://localhost:6379"),
		DeploymentsFile: getEnv("DEPLOYMENTS_FILE", "deployments.yaml"),
		RequestTimeout:  getEnvDuration("REQUEST_TIMEOUT", 60*time.Second),
		MaxAttempts:     getEnvInt("MAX_ATTEMPTS", 2),
		PolicyCacheTTL:  getEnvDuration("POLICY_CACHE_TTL", 30*time.Second),
		CacheEnabled:    getEnvBool("CACHE_ENABLED", true),
		CacheTTLSeconds: getEnvInt("CACHE_TTL_SECONDS", 3600),
		BudgetSweepSpec: getEnv("BUDGET_SWEEP_SPEC", "@every 1m"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.MaxAttempts < 1 {
		return nil, fmt.Errorf("MAX_ATTEMPTS must be at least 1")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
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
