package engine

import (
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Config is the engine's boot-time configuration, read once from the
// environment. Invalid values fall back to defaults with a warning rather
// than aborting boot.
type Config struct {
	ServerBaseURL string
	AccountDigest string
	AccountToken  string
	DeviceID      string
	DBPath        string
	LogLevel      string
	HTTPTimeout   time.Duration

	// TracePerSecond and TraceBurst cap how fast each trace channel may
	// emit; excess records are dropped, never queued.
	TracePerSecond float64
	TraceBurst     int
}

// Load reads the engine configuration from the environment.
func Load() Config {
	return Config{
		ServerBaseURL:  envOr("SECURECORE_SERVER_URL", "http://localhost:8080"),
		AccountDigest:  envOr("SECURECORE_ACCOUNT_DIGEST", ""),
		AccountToken:   envOr("SECURECORE_ACCOUNT_TOKEN", ""),
		DeviceID:       envOr("SECURECORE_DEVICE_ID", ""),
		DBPath:         envOr("SECURECORE_DB_PATH", "securecore.db"),
		LogLevel:       envOr("SECURECORE_LOG_LEVEL", "info"),
		HTTPTimeout:    envDuration("SECURECORE_HTTP_TIMEOUT_MS", 10_000),
		TracePerSecond: float64(envInt("SECURECORE_TRACE_PER_SECOND", 5)),
		TraceBurst:     envInt("SECURECORE_TRACE_BURST", 10),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, defaultMillis int) time.Duration {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
		slog.Warn("config: invalid duration, using default", "key", key, "value", v, "default_ms", defaultMillis)
	}
	return time.Duration(defaultMillis) * time.Millisecond
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
		slog.Warn("config: invalid int, using default", "key", key, "value", v, "default", fallback)
	}
	return fallback
}
