package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store backends.
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendPebble    = "pebble"
	BackendCassandra = "cassandra"
)

// Config holds the chatsyncd server configuration.
type Config struct {
	Port string
	Env  string

	// Broadcast gateway. An empty connection string runs the embedded
	// gateway on this server at PublicURL.
	BrokerConnectionString string
	HubName                string
	PublicURL              string

	// Message store
	StoreBackend      string
	RedisURL          string
	PebblePath        string
	CassandraHosts    []string
	CassandraKeyspace string
	MessageTTL        time.Duration
	RetentionCron     string

	// Multi-instance gateway relay
	KafkaBrokers []string
	KafkaTopic   string

	// Session tokens and signed event hooks
	AuthSecret string
	HookURLs   []string
	HookSecret string

	RateLimitRPS   float64
	RateLimitBurst int
	// Peers allowed to set X-Forwarded-For, as CIDRs or addresses.
	TrustedProxies []string
}

// Load reads configuration from environment variables, loading .env first
// if present. In production it panics on missing required variables.
func Load() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                   getEnv("PORT", "8080"),
		Env:                    getEnv("ENV", "development"),
		BrokerConnectionString: os.Getenv("BROKER_CONNECTION_STRING"),
		HubName:                getEnv("HUB_NAME", "chat"),
		PublicURL:              os.Getenv("PUBLIC_URL"),
		StoreBackend:           getEnv("STORE_BACKEND", BackendMemory),
		RedisURL:               os.Getenv("REDIS_URL"),
		PebblePath:             getEnv("PEBBLE_PATH", "data/messages"),
		CassandraHosts:         splitList(os.Getenv("CASSANDRA_HOSTS")),
		CassandraKeyspace:      getEnv("CASSANDRA_KEYSPACE", "chatsync"),
		MessageTTL:             getDuration("MESSAGE_TTL", 0),
		RetentionCron:          getEnv("RETENTION_CRON", "*/5 * * * *"),
		KafkaBrokers:           splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:             getEnv("KAFKA_TOPIC", "chatsync-broadcast"),
		AuthSecret:             getEnv("AUTH_SECRET", "dev-secret-change-me"),
		HookURLs:               splitList(os.Getenv("HOOK_URLS")),
		HookSecret:             os.Getenv("HOOK_SECRET"),
		RateLimitRPS:           getFloat("RATE_LIMIT_RPS", 5),
		RateLimitBurst:         getInt("RATE_LIMIT_BURST", 10),
		TrustedProxies:         splitList(os.Getenv("TRUSTED_PROXIES")),
	}

	if cfg.PublicURL == "" {
		cfg.PublicURL = "http://localhost:" + cfg.Port
	}

	if cfg.Env == "production" {
		if os.Getenv("AUTH_SECRET") == "" {
			panic("AUTH_SECRET is required in production")
		}
		switch cfg.StoreBackend {
		case BackendRedis:
			if cfg.RedisURL == "" {
				panic("REDIS_URL is required for the redis store")
			}
		case BackendCassandra:
			if len(cfg.CassandraHosts) == 0 {
				panic("CASSANDRA_HOSTS is required for the cassandra store")
			}
		}
		if len(cfg.HookURLs) > 0 && cfg.HookSecret == "" {
			panic("HOOK_SECRET is required when HOOK_URLS is set")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if v, err := strconv.ParseFloat(os.Getenv(key), 64); err == nil {
		return v
	}
	return defaultValue
}

// getDuration accepts Go durations ("24h") or bare seconds.
func getDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func splitList(raw string) []string {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
