// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Storage
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)
	RedisURL    string // Redis URL for the counter store (optional, uses in-memory if not set)

	// Rate limiting
	AuthRateWindow   time.Duration // window for auth endpoints
	AuthRateMax      int           // max requests per auth window
	APIRateWindow    time.Duration
	APIRateMax       int
	UploadRateWindow time.Duration
	UploadRateMax    int

	// Risk engine
	RiskWarnThreshold  float64 // score at which activity is flagged
	RiskBlockThreshold float64 // score at which activity is blocked
	EvaluatorTimeout   time.Duration

	// Security
	AdminSecret string // Admin API secret for alert/blacklist management
}

// Defaults
const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"

	DefaultAuthRateWindow   = 15 * time.Minute
	DefaultAuthRateMax      = 10
	DefaultAPIRateWindow    = time.Minute
	DefaultAPIRateMax       = 300
	DefaultUploadRateWindow = time.Hour
	DefaultUploadRateMax    = 60

	DefaultRiskWarnThreshold  = 0.5
	DefaultRiskBlockThreshold = 0.8
	DefaultEvaluatorTimeout   = 50 * time.Millisecond
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		RedisURL:           os.Getenv("REDIS_URL"),    // Optional, uses in-memory if not set
		AuthRateWindow:     getEnvDuration("AUTH_RATE_WINDOW", DefaultAuthRateWindow),
		AuthRateMax:        getEnvInt("AUTH_RATE_MAX", DefaultAuthRateMax),
		APIRateWindow:      getEnvDuration("API_RATE_WINDOW", DefaultAPIRateWindow),
		APIRateMax:         getEnvInt("API_RATE_MAX", DefaultAPIRateMax),
		UploadRateWindow:   getEnvDuration("UPLOAD_RATE_WINDOW", DefaultUploadRateWindow),
		UploadRateMax:      getEnvInt("UPLOAD_RATE_MAX", DefaultUploadRateMax),
		RiskWarnThreshold:  getEnvFloat("RISK_WARN_THRESHOLD", DefaultRiskWarnThreshold),
		RiskBlockThreshold: getEnvFloat("RISK_BLOCK_THRESHOLD", DefaultRiskBlockThreshold),
		EvaluatorTimeout:   getEnvDuration("EVALUATOR_TIMEOUT", DefaultEvaluatorTimeout),
		AdminSecret:        os.Getenv("ADMIN_SECRET"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that configuration values are coherent
func (c *Config) Validate() error {
	if c.RiskWarnThreshold < 0 || c.RiskWarnThreshold > 1 {
		return fmt.Errorf("RISK_WARN_THRESHOLD must be in [0, 1], got %f", c.RiskWarnThreshold)
	}
	if c.RiskBlockThreshold < 0 || c.RiskBlockThreshold > 1 {
		return fmt.Errorf("RISK_BLOCK_THRESHOLD must be in [0, 1], got %f", c.RiskBlockThreshold)
	}
	if c.RiskWarnThreshold > c.RiskBlockThreshold {
		return fmt.Errorf("RISK_WARN_THRESHOLD (%f) must not exceed RISK_BLOCK_THRESHOLD (%f)",
			c.RiskWarnThreshold, c.RiskBlockThreshold)
	}
	if c.AuthRateMax <= 0 || c.APIRateMax <= 0 || c.UploadRateMax <= 0 {
		return fmt.Errorf("rate limit ceilings must be positive")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
