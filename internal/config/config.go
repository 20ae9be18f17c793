package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	ServerPort string

	RedisAddr string
	RedisPass string
	RedisDB   int

	// StoreBackend selects the task store: "redis" or "postgres".
	StoreBackend string
	PostgresDSN  string

	WorkerCount int
	WorkDelay   time.Duration

	PendingSweepInterval time.Duration
	RetirementInterval   time.Duration
	RetentionDays        int

	WebhookTimeout time.Duration

	Development bool
}

func Load() *Config {
	return &Config{
		ServerPort: getEnv("SERVER_PORT", "8080"),

		RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPass: getEnv("REDIS_PASSWORD", ""),
		RedisDB:   getEnvInt("REDIS_DB", 0),

		StoreBackend: getEnv("STORE_BACKEND", "redis"),
		PostgresDSN:  getEnv("POSTGRES_DSN", ""),

		WorkerCount: getEnvInt("WORKER_COUNT", 3),
		WorkDelay:   getEnvDuration("WORK_DELAY", 3*time.Second),

		PendingSweepInterval: getEnvDuration("PENDING_SWEEP_INTERVAL", 10*time.Minute),
		RetirementInterval:   getEnvDuration("RETIREMENT_INTERVAL", 24*time.Hour),
		RetentionDays:        getEnvInt("RETENTION_DAYS", 30),

		WebhookTimeout: getEnvDuration("WEBHOOK_TIMEOUT", 5*time.Second),

		Development: getEnvBool("DEVELOPMENT", false),
	}
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
