package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the service.
type Config struct {
	App      AppConfig
	Postgres PostgresConfig
	Redis    RedisConfig
	Logger   LoggerConfig
	Auth     AuthConfig
	Sheet    SheetConfig
	Tracker  TrackerConfig
	Sync     SyncConfig

	// FamiliesPath points to the YAML ticket-family registry. Empty means
	// the built-in registry is used.
	FamiliesPath string
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN                   string
	PoolSize              int
	AcquireTimeoutSeconds int
	RunMigrations         bool
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines authentication parameters.
type AuthConfig struct {
	JWTSecret             string
	AccessTokenTTLMinutes int
	BcryptCost            int
	// Enforce gates bearer-token checks on mutating ticket routes.
	Enforce bool
}

// SheetConfig locates the shared spreadsheet workbook.
type SheetConfig struct {
	Path            string
	CacheTTLSeconds int
}

// TrackerConfig holds remote issue-tracker connection values.
type TrackerConfig struct {
	BaseURL        string
	APIKey         string
	TimeoutSeconds int
}

// SyncConfig sizes the background propagation pool.
type SyncConfig struct {
	Workers            int
	QueueSize          int
	JoinTimeoutSeconds int
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "ticket-sync"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:                   os.Getenv("POSTGRES_DSN"),
			PoolSize:              getEnvAsInt("POSTGRES_POOL_SIZE", 10),
			AcquireTimeoutSeconds: getEnvAsInt("POSTGRES_ACQUIRE_TIMEOUT_SECONDS", 2),
			RunMigrations:         getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
			BcryptCost:            getEnvAsInt("AUTH_BCRYPT_COST", 12),
			Enforce:               getEnvAsBool("AUTH_ENFORCE", false),
		},
		Sheet: SheetConfig{
			Path:            os.Getenv("SHEET_PATH"),
			CacheTTLSeconds: getEnvAsInt("SHEET_CACHE_TTL_SECONDS", 60),
		},
		Tracker: TrackerConfig{
			BaseURL:        getEnv("TRACKER_BASE_URL", ""),
			APIKey:         os.Getenv("TRACKER_API_KEY"),
			TimeoutSeconds: getEnvAsInt("TRACKER_TIMEOUT_SECONDS", 15),
		},
		Sync: SyncConfig{
			Workers:            getEnvAsInt("SYNC_WORKERS", 10),
			QueueSize:          getEnvAsInt("SYNC_QUEUE_SIZE", 100),
			JoinTimeoutSeconds: getEnvAsInt("SYNC_JOIN_TIMEOUT_SECONDS", 30),
		},
		FamiliesPath: os.Getenv("FAMILIES_CONFIG_PATH"),
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// AcquireTimeout returns the bounded wait for a pooled connection.
func (p PostgresConfig) AcquireTimeout() time.Duration {
	if p.AcquireTimeoutSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(p.AcquireTimeoutSeconds) * time.Second
}

// CacheTTL returns the snapshot cache lifetime.
func (s SheetConfig) CacheTTL() time.Duration {
	if s.CacheTTLSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(s.CacheTTLSeconds) * time.Second
}

// Timeout returns the per-attempt HTTP timeout toward the tracker.
func (t TrackerConfig) Timeout() time.Duration {
	if t.TimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// JoinTimeout bounds how long the joined update variant waits on background results.
func (s SyncConfig) JoinTimeout() time.Duration {
	if s.JoinTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(s.JoinTimeoutSeconds) * time.Second
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
