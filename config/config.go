package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Live-data mode. Provider keys are each independently optional;
	// when none is set the engine runs in pure simulation mode no matter
	// what UseRealAPI says.
	UseRealAPI       bool
	MetalPriceAPIKey string
	GoldAPIKey       string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	MetricsAddr   string
	APIAddr       string

	// Optional ops webhook for degradation alerts. Empty disables alerts.
	AlertWebhookURL string

	// Polling
	PollInterval time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		UseRealAPI:       getBool("USE_REAL_API", false),
		MetalPriceAPIKey: getEnv("METALPRICE_API_KEY", ""),
		GoldAPIKey:       getEnv("GOLDAPI_KEY", ""),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", "data/silver.db"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		APIAddr:       getEnv("API_ADDR", ":8080"),

		AlertWebhookURL: getEnv("ALERT_WEBHOOK_URL", ""),

		PollInterval: getDuration("POLL_INTERVAL", time.Minute),
	}
}

// LiveMode reports whether live fetching is enabled: the flag must be on
// AND at least one provider key must be present.
func (c *Config) LiveMode() bool {
	return c.UseRealAPI && (c.MetalPriceAPIKey != "" || c.GoldAPIKey != "")
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		log.Printf("[config] invalid bool for %s: %q, using default", key, v)
		return fallback
	}
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	// Accept plain seconds or a Go duration string.
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("[config] invalid duration for %s: %q, using default", key, v)
		return fallback
	}
	return d
}
