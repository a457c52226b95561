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
	LogLevel    string

	HTTPAddr string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// ServerSecretKey is the base64 encoded 32-byte NaCl box private key used
	// to open encrypted bundle payloads. ClientPublicKey is the default sender
	// key for payloads that do not carry their own.
	ServerSecretKey string
	ClientPublicKey string

	// SiteTimezone is the IANA zone name point timestamps are materialized in.
	// Empty means the process local zone.
	SiteTimezone string

	IngestRunInterval  time.Duration
	IngestBatchSize    int
	IngestPointCeiling int
	IngestWorkers      int
	IngestLockTTL      time.Duration

	ForwardFlushThreshold int
	ForwardTimeout        time.Duration

	RetentionMaxAge time.Duration
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "harvest"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),

		HTTPAddr: getenv("HTTP_ADDR", ":8080"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "harvest"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 4),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 16),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 300),

		RedisAddr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
		RedisPassword: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
		RedisDB:       getenvInt("REDIS_DB", 0),

		ServerSecretKey: strings.TrimSpace(getenv("SERVER_SECRET_KEY", "")),
		ClientPublicKey: strings.TrimSpace(getenv("CLIENT_PUBLIC_KEY", "")),

		SiteTimezone: strings.TrimSpace(getenv("SITE_TIMEZONE", "")),

		IngestRunInterval:  getenvDuration("INGEST_RUN_INTERVAL", time.Minute),
		IngestBatchSize:    getenvInt("INGEST_BATCH_SIZE", 100),
		IngestPointCeiling: getenvInt("INGEST_POINT_CEILING", 25000),
		IngestWorkers:      getenvInt("INGEST_WORKERS", 4),
		IngestLockTTL:      getenvDuration("INGEST_LOCK_TTL", 5*time.Minute),

		ForwardFlushThreshold: getenvInt("FORWARD_FLUSH_THRESHOLD", 100),
		ForwardTimeout:        getenvDuration("FORWARD_TIMEOUT", 5*time.Second),

		RetentionMaxAge: getenvDuration("RETENTION_MAX_AGE", 0),
	}
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return def
	}
	return parsed
}
