package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port        string
	Environment string

	// Database
	DatabaseURL string
	RedisURL    string

	// JWT
	JWTSecret string

	// Supabase
	SupabaseURL            string
	SupabaseAnonKey        string
	SupabaseServiceRoleKey string
	SupabaseTimeoutSec     int

	// Remote store backend: "supabase" or "postgres"
	RemoteStore string

	// Memory cache (L1)
	CacheMemoryCapacity int
	CacheStaleAgeMin    int

	// Persistent cache (L2)
	CacheTTLHour          int
	CacheCompressEnabled  bool
	CacheCompressMinBytes int

	// Offline queue
	SyncMaxRetries      int
	SyncIntervalSec     int
	SyncBatchSize       int
	SyncDebounceSec     int
	SyncPruneAgeDays    int
	ConnectivityProbSec int

	// CORS
	AllowedOrigins []string

	// Background workers
	JanitorEnabled bool
}

func Load() (*Config, error) {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENV", "development"),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisURL:    getEnv("REDIS_URL", ""),

		// JWT
		JWTSecret: getEnv("SUPABASE_JWT_SECRET", ""),

		// Supabase
		SupabaseURL:            getEnv("SUPABASE_URL", ""),
		SupabaseAnonKey:        getEnv("SUPABASE_ANON_KEY", ""),
		SupabaseServiceRoleKey: getEnv("SUPABASE_SERVICE_ROLE_KEY", ""),
		SupabaseTimeoutSec:     getEnvInt("SUPABASE_TIMEOUT_SEC", 30),

		RemoteStore: getEnv("REMOTE_STORE", "supabase"),

		// Memory cache
		CacheMemoryCapacity: getEnvInt("CACHE_MEMORY_CAPACITY", 50),
		CacheStaleAgeMin:    getEnvInt("CACHE_STALE_AGE_MIN", 60),

		// Persistent cache
		CacheTTLHour:          getEnvInt("CACHE_TTL_HOUR", 24),
		CacheCompressEnabled:  getEnvBool("CACHE_COMPRESS_ENABLED", true),
		CacheCompressMinBytes: getEnvInt("CACHE_COMPRESS_MIN_BYTES", 2048),

		// Offline queue
		SyncMaxRetries:      getEnvInt("SYNC_MAX_RETRIES", 3),
		SyncIntervalSec:     getEnvInt("SYNC_INTERVAL_SEC", 30),
		SyncBatchSize:       getEnvInt("SYNC_BATCH_SIZE", 10),
		SyncDebounceSec:     getEnvInt("SYNC_DEBOUNCE_SEC", 2),
		SyncPruneAgeDays:    getEnvInt("SYNC_PRUNE_AGE_DAYS", 7),
		ConnectivityProbSec: getEnvInt("CONNECTIVITY_PROBE_SEC", 15),

		// CORS
		AllowedOrigins: getEnvSlice("ALLOWED_ORIGINS", []string{"http://localhost:3000", "http://localhost:5173"}),

		// Background workers
		JanitorEnabled: getEnvBool("JANITOR_ENABLED", true),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// SyncConfig assembles the offline queue durations from the raw settings.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalSec) * time.Second
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
