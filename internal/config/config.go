package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Remote drivers accepted by REMOTE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverHTTP     = "http"
)

type Config struct {
	Port          string
	AllowedOrigin string
	LogLevel      string

	DeviceID      string
	InvoicePrefix string
	CachePath     string

	RemoteDriver  string
	RemoteTimeout time.Duration
	MongoURI      string
	MongoDB       string
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
	RemoteURL     string
	RemoteToken   string

	RetryBase       time.Duration
	RetryMax        time.Duration
	RetryMaxAttempt int
	RefreshSchedule string

	AuthSecret            string
	AccessTokenTTLMinutes int
	OperatorUsername      string
	OperatorPasswordHash  string
}

// Load reads the optional env file, then the process environment. A missing
// env file is not an error.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	} else {
		_ = godotenv.Load()
	}

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))
	tokenTTL := getInt("ACCESS_TOKEN_TTL_MINUTES", 480)
	deviceID := getEnv("DEVICE_ID", "pos-01")

	cfg := Config{
		Port:          getEnv("PORT", "8080"),
		AllowedOrigin: getEnv("ALLOWED_ORIGIN", "http://127.0.0.1:3000"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		DeviceID:      deviceID,
		InvoicePrefix: getEnv("INVOICE_PREFIX", strings.ToUpper(deviceID)),
		CachePath:     getEnv("CACHE_PATH", "tokosync.db"),

		RemoteDriver:  strings.ToLower(getEnv("REMOTE_DRIVER", DriverMemory)),
		RemoteTimeout: time.Duration(getInt("REMOTE_TIMEOUT_SECONDS", 10)) * time.Second,
		MongoURI:      os.Getenv("MONGO_URI"),
		MongoDB:       getEnv("MONGO_DB", "tokosync"),
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       redisDB,
		RedisPrefix:   getEnv("REDIS_PREFIX", "tokosync"),
		RemoteURL:     os.Getenv("REMOTE_URL"),
		RemoteToken:   strings.TrimSpace(os.Getenv("REMOTE_TOKEN")),

		RetryBase:       time.Duration(getInt("RETRY_BASE_MS", 500)) * time.Millisecond,
		RetryMax:        time.Duration(getInt("RETRY_MAX_SECONDS", 30)) * time.Second,
		RetryMaxAttempt: getInt("RETRY_MAX_ATTEMPTS", 8),
		RefreshSchedule: getEnv("REFRESH_SCHEDULE", "@every 1m"),

		AuthSecret:            strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes: tokenTTL,
		OperatorUsername:      strings.ToLower(strings.TrimSpace(getEnv("OPERATOR_USERNAME", "kasir"))),
		OperatorPasswordHash:  strings.TrimSpace(os.Getenv("OPERATOR_PASSWORD_HASH")),
	}

	return cfg, nil
}

// Validate checks the settings the remote driver depends on.
func (c Config) Validate() error {
	switch c.RemoteDriver {
	case DriverMemory:
	case DriverMongo:
		if c.MongoURI == "" {
			return errors.New("MONGO_URI is required for the mongo driver")
		}
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
	case DriverRedis:
		if c.RedisAddr == "" {
			return errors.New("REDIS_ADDR is required for the redis driver")
		}
	case DriverHTTP:
		if c.RemoteURL == "" {
			return errors.New("REMOTE_URL is required for the http driver")
		}
	default:
		return fmt.Errorf("unknown REMOTE_DRIVER %q", c.RemoteDriver)
	}
	if strings.TrimSpace(c.InvoicePrefix) == "" {
		return errors.New("INVOICE_PREFIX must not be empty")
	}
	return nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func getInt(key string, fallback int) int {
	val, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || val < 1 {
		return fallback
	}
	return val
}
