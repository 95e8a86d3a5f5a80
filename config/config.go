package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration values.
type Config struct {
	// Postgres
	DatabaseURL string

	// Redis pub/sub channel for pipeline events
	RedisURL     string
	EventChannel string

	// Calling-agent provider
	CallAgentURL    string
	CallAgentAPIKey string
	CallTimeout     time.Duration

	// Queue processing
	QueueSecret     string
	DefaultBatchCap int
	BackoffBase     time.Duration
	BackoffCap      time.Duration
	StaleAfter      time.Duration

	// Optional in-process trigger (cron expression, empty = disabled)
	TriggerCron    string
	TriggerTimeout time.Duration

	// HTTP
	ListenAddr string

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// Load reads configuration from environment variables.
func Load() Config {
	return Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),

		RedisURL:     getEnv("REDIS_URL", "redis://localhost:6379/0"),
		EventChannel: getEnv("EVENT_CHANNEL", "callflow.pipeline"),

		CallAgentURL:    getEnv("CALL_AGENT_URL", "http://localhost:8090"),
		CallAgentAPIKey: os.Getenv("CALL_AGENT_API_KEY"),
		CallTimeout:     getDuration("CALL_TIMEOUT", 45*time.Second),

		QueueSecret:     os.Getenv("QUEUE_SECRET"),
		DefaultBatchCap: getInt("QUEUE_BATCH_CAP", 5),
		BackoffBase:     getDuration("RETRY_BACKOFF_BASE", time.Minute),
		BackoffCap:      getDuration("RETRY_BACKOFF_CAP", 30*time.Minute),
		StaleAfter:      getDuration("STALE_RECLAIM_AFTER", 10*time.Minute),

		TriggerCron:    os.Getenv("TRIGGER_CRON"),
		TriggerTimeout: getDuration("TRIGGER_TIMEOUT", 60*time.Second),

		ListenAddr: getEnv("LISTEN_ADDR", ":8080"),

		LogFile:  getEnv("LOG_FILE", ""),
		LogLevel: parseLogLevel(getEnv("LOG_LEVEL", "INFO")),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
