package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string

	OTLPEndpoint string

	HTTPAddr string

	// StoreDriver selects the billing store: "gorm" or "memory".
	StoreDriver string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	Redis RedisConfig

	Run RunConfig
}

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
}

// RunConfig controls the billing batch itself.
type RunConfig struct {
	Interval      time.Duration
	RunOnStart    bool
	Timeout       time.Duration
	WrapUpTimeout time.Duration
	RetryDelay    time.Duration
	MaxAttempts   int
	DefaultDryRun bool
	LockKey       string
	LockTTL       time.Duration
	SnowflakeNode int64
}

const (
	StoreDriverGorm   = "gorm"
	StoreDriverMemory = "memory"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "daycare-billing"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		StoreDriver:       normalizeStoreDriver(getenv("STORE_DRIVER", StoreDriverGorm)),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "daycare"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "daycare.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", false),
		Redis: RedisConfig{
			Enabled:  getenvBool("REDIS_ENABLED", false),
			Addr:     getenv("REDIS_ADDR", "localhost:6379"),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Run: RunConfig{
			Interval:      getenvDuration("BILLING_RUN_INTERVAL", 24*time.Hour),
			RunOnStart:    getenvBool("BILLING_RUN_ON_START", true),
			Timeout:       getenvDuration("BILLING_RUN_TIMEOUT", 30*time.Minute),
			WrapUpTimeout: getenvDuration("BILLING_WRAP_UP_TIMEOUT", 30*time.Second),
			RetryDelay:    getenvDuration("BILLING_RETRY_DELAY", 2*time.Second),
			MaxAttempts:   getenvInt("BILLING_MAX_ATTEMPTS", 3),
			DefaultDryRun: getenvBool("BILLING_DRY_RUN", false),
			LockKey:       getenv("BILLING_LOCK_KEY", "daycare:billing:run"),
			LockTTL:       getenvDuration("BILLING_LOCK_TTL", time.Hour),
			SnowflakeNode: getenvInt64("SNOWFLAKE_NODE", 1),
		},
	}

	return cfg
}

func normalizeStoreDriver(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case StoreDriverMemory:
		return StoreDriverMemory
	default:
		return StoreDriverGorm
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt(key string, def int) int {
	return int(getenvInt64(key, int64(def)))
}

// getenvDuration accepts Go durations ("90s") or plain seconds.
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return def
}
