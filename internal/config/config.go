// Package config provides environment configuration for the sync agent.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the realtime core.
type Config struct {
	// Backend endpoints
	APIBaseURL  string
	RealtimeURL string
	RefreshPath string
	Transport   string // "websocket" or "nats"

	// NATS settings (used when Transport is "nats")
	NATSURL           string
	NATSToken         string
	NATSSubjectPrefix string

	// Credential recovery
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxCredentialRetries int

	// Admin HTTP server (health, readiness, metrics)
	AdminPort         string
	AdminReadTimeout  time.Duration
	AdminWriteTimeout time.Duration

	// Rate limiting for the admin surface
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first when present (local development).
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Backend
		APIBaseURL:  getEnv("API_BASE_URL", "http://localhost:8080"),
		RealtimeURL: getEnv("REALTIME_URL", "ws://localhost:8080/realtime"),
		RefreshPath: getEnv("REFRESH_PATH", "/api/v1/auth/refresh"),
		Transport:   getEnv("TRANSPORT", "websocket"),

		// NATS
		NATSURL:           getEnv("NATS_URL", "nats://localhost:4222"),
		NATSToken:         getEnv("NATS_TOKEN", ""),
		NATSSubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "realtime"),

		// Recovery
		ReconnectBaseDelay:   getDurationEnv("RECONNECT_BASE_DELAY", time.Second),
		ReconnectMaxDelay:    getDurationEnv("RECONNECT_MAX_DELAY", 30*time.Second),
		MaxCredentialRetries: getIntEnv("MAX_CREDENTIAL_RETRIES", 3),

		// Admin server
		AdminPort:         getEnv("ADMIN_PORT", "9090"),
		AdminReadTimeout:  getDurationEnv("ADMIN_READ_TIMEOUT", 10*time.Second),
		AdminWriteTimeout: getDurationEnv("ADMIN_WRITE_TIMEOUT", 30*time.Second),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
