package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	HTTPPort    string
	MetricsPort string

	GPS51BaseURL   string
	RequestTimeout time.Duration

	RedisAddr    string
	RedisDB      int
	CacheBackend string // "memory" or "redis"

	AuditDSN string // empty disables the audit writer

	// Governor tunables.
	MinSpacing  time.Duration
	DedupWindow time.Duration
	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxQueue    int
}

func Load() Config {
	// .env is optional; deployments usually set the environment directly.
	_ = godotenv.Load()

	return Config{
		HTTPPort:       getEnv("HTTP_PORT", "8080"),
		MetricsPort:    getEnv("METRICS_PORT", "9000"),
		GPS51BaseURL:   getEnv("GPS51_API_URL", "https://api.gps51.com/openapi"),
		RequestTimeout: getDuration("REQUEST_TIMEOUT_SECONDS", 30*time.Second),
		RedisAddr:      getEnv("REDIS_ADDR", "localhost:6379"),
		RedisDB:        getInt("REDIS_DB", 0),
		CacheBackend:   getEnv("CACHE_BACKEND", "memory"),
		AuditDSN:       getEnv("AUDIT_DB_DSN", ""),
		MinSpacing:     getDuration("MIN_SPACING_SECONDS", 5*time.Second),
		DedupWindow:    getDuration("DEDUP_WINDOW_SECONDS", 3*time.Second),
		BackoffBase:    getDuration("BACKOFF_BASE_SECONDS", 5*time.Second),
		BackoffMax:     getDuration("BACKOFF_MAX_SECONDS", 60*time.Second),
		MaxQueue:       getInt("MAX_QUEUE", 100),
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return fallback
}

func getDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return fallback
}
