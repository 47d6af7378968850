package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Backend selects where object payloads live. Only the Postgres backend is
// implemented; the s3 value is recognized so deployments fail loudly instead
// of silently storing chunks in the wrong place.
type Backend string

const (
	BackendPostgres Backend = "postgres"
	BackendS3       Backend = "s3"
)

// Config holds all runtime configuration for the store server.
type Config struct {
	Env      string
	HTTPAddr string

	DBHost     string
	DBPort     int
	DBName     string
	DBUsername string
	DBPassword string

	KVMaxValueSize   int
	KVMaxHistorySize int

	ObjectChunkSize     int
	ObjectMaxObjectSize int64
	ObjectBackend       Backend

	CleanupInterval time.Duration

	// AuthSecret enables the HS256 bearer role gate when non-empty.
	AuthSecret string
}

// Load reads configuration from the environment, applying defaults.
// Validation is separate so callers can override fields first.
func Load() *Config {
	return &Config{
		Env:      env("ENV", "dev"),
		HTTPAddr: env("HTTP_ADDR", ":8080"),

		DBHost:     env("DB_HOST", "localhost"),
		DBPort:     envInt("DB_PORT", 5432),
		DBName:     env("DB_NAME", "unistore"),
		DBUsername: env("DB_USERNAME", "unistore"),
		DBPassword: env("DB_PASSWORD", ""),

		KVMaxValueSize:   envInt("KV_MAX_VALUE_SIZE", 1<<20),
		KVMaxHistorySize: envInt("KV_MAX_HISTORY_SIZE", 100),

		ObjectChunkSize:     envInt("OBJECTSTORE_CHUNK_SIZE", 1<<20),
		ObjectMaxObjectSize: envInt64("OBJECTSTORE_MAX_OBJECT_SIZE", 1<<30),
		ObjectBackend:       Backend(env("OBJECTSTORE_BACKEND", string(BackendPostgres))),

		CleanupInterval: envDuration("CLEANUP_INTERVAL", time.Hour),

		AuthSecret: env("AUTH_HS256_SECRET", ""),
	}
}

// DatabaseURL builds the pgx connection string from the discrete DB_* vars.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		c.DBUsername, c.DBPassword, c.DBHost, c.DBPort, c.DBName)
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	switch c.ObjectBackend {
	case BackendPostgres:
	case BackendS3:
		return fmt.Errorf("OBJECTSTORE_BACKEND=s3 is recognized but not implemented; use postgres")
	default:
		return fmt.Errorf("unknown OBJECTSTORE_BACKEND %q", c.ObjectBackend)
	}
	if c.KVMaxValueSize <= 0 {
		return fmt.Errorf("KV_MAX_VALUE_SIZE must be positive, got %d", c.KVMaxValueSize)
	}
	if c.KVMaxHistorySize < 0 {
		return fmt.Errorf("KV_MAX_HISTORY_SIZE must not be negative, got %d", c.KVMaxHistorySize)
	}
	if c.ObjectChunkSize <= 0 {
		return fmt.Errorf("OBJECTSTORE_CHUNK_SIZE must be positive, got %d", c.ObjectChunkSize)
	}
	if c.ObjectMaxObjectSize <= 0 {
		return fmt.Errorf("OBJECTSTORE_MAX_OBJECT_SIZE must be positive, got %d", c.ObjectMaxObjectSize)
	}
	if c.CleanupInterval <= 0 {
		return fmt.Errorf("CLEANUP_INTERVAL must be positive, got %s", c.CleanupInterval)
	}
	return nil
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
