// Package config holds the orchestrator's typed process configuration. One
// loader reads the environment at startup; the engine and gate consume only
// the typed struct, never raw text.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds orchestrator configuration.
type Config struct {
	LogLevel string

	// RulesetPath points at the YAML policy ruleset. Empty means the
	// built-in default ruleset.
	RulesetPath string

	// Queue selects the durable queue backend: "memory" or "redis".
	Queue         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	QueueName     string

	// History selects event persistence: "none", "sqlite" or "postgres".
	History     string
	DatabaseURL string
	SQLitePath  string

	// Engine knobs.
	MaxAttempts        int
	DefaultStepTimeout time.Duration
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration

	// Dispatch client knobs.
	DispatchTimeout time.Duration

	// Telemetry.
	OTLPEndpoint     string
	TelemetryEnabled bool
	Environment      string
}

// Load reads configuration from environment variables, applying the
// documented defaults (3 outer attempts, 900s step timeout).
func Load() *Config {
	return &Config{
		LogLevel:    envStr("LOG_LEVEL", "INFO"),
		RulesetPath: envStr("POLICY_RULESET", ""),

		Queue:         envStr("QUEUE_BACKEND", "memory"),
		RedisAddr:     envStr("REDIS_ADDR", "localhost:6379"),
		RedisPassword: envStr("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),
		QueueName:     envStr("QUEUE_NAME", "plan-steps"),

		History:     envStr("HISTORY_BACKEND", "none"),
		DatabaseURL: envStr("DATABASE_URL", "postgres://orchestrator@localhost:5432/orchestrator?sslmode=disable"),
		SQLitePath:  envStr("SQLITE_PATH", "orchestrator.db"),

		MaxAttempts:        envInt("MAX_ATTEMPTS", 3),
		DefaultStepTimeout: envDuration("DEFAULT_STEP_TIMEOUT", 900*time.Second),
		RetryBaseDelay:     envDuration("RETRY_BASE_DELAY", 2*time.Second),
		RetryMaxDelay:      envDuration("RETRY_MAX_DELAY", 60*time.Second),

		DispatchTimeout: envDuration("DISPATCH_TIMEOUT", 30*time.Second),

		OTLPEndpoint:     envStr("OTLP_ENDPOINT", "localhost:4317"),
		TelemetryEnabled: envStr("TELEMETRY_ENABLED", "false") == "true",
		Environment:      envStr("ENVIRONMENT", "development"),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
