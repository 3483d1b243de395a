// Package config loads and validates configuration for dbsemaphore: the
// database connection and the tunable knobs of the semaphore protocol
// itself.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config holds everything a process needs to run a Semaphore Instance and
// its supporting services.
type Config struct {
	Database  DatabaseConfig  `validate:"required"`
	Semaphore SemaphoreConfig `validate:"required"`
	Logging   LoggingConfig   `validate:"required"`
	Metrics   MetricsConfig   `validate:"required"`
}

// DatabaseConfig describes how to reach the Postgres instance backing the
// semaphore tables.
type DatabaseConfig struct {
	Host            string        `validate:"required"`
	Port            int           `validate:"required,gt=0,lte=65535"`
	Name            string        `validate:"required"`
	User            string        `validate:"required"`
	Password        string        `validate:"required"`
	SSLMode         string        `validate:"required,oneof=disable require verify-ca verify-full"`
	MaxOpenConns    int           `validate:"gte=1"`
	MaxIdleConns    int           `validate:"gte=0"`
	ConnMaxLifetime time.Duration `validate:"gte=0"`
}

// SemaphoreConfig carries everything that shapes the construction and
// polling behavior of a Semaphore Instance.
type SemaphoreConfig struct {
	TotalPermits               int           `validate:"gte=0"`
	Strict                     bool
	QueryTimeoutSeconds        int           `validate:"gte=1"`
	AcquirePollMillis          int           `validate:"gte=1"`
	HeartbeatIntervalMS        int64         `validate:"gte=1"`
	HeartbeatTimeoutMultiplier int           `validate:"gte=2"`
	DeadOwnerAwaitTimeout      time.Duration `validate:"gte=0"`
}

// LoggingConfig configures the CLI/service-level logger: level, destination
// and lumberjack rotation.
type LoggingConfig struct {
	Level      string `validate:"required,oneof=debug info warn error"`
	Output     string `validate:"required,oneof=stdout file both"`
	FilePath   string
	MaxSizeMB  int    `validate:"gte=1"`
	MaxBackups int    `validate:"gte=0"`
	MaxAgeDays int    `validate:"gte=0"`
	Compress   bool
}

// MetricsConfig toggles the Prometheus collectors in the metrics package.
type MetricsConfig struct {
	Enabled bool
}

// Load reads .env (if present) then the process environment, and returns a
// validated Config. Mirrors config.LoadProductionConfig's two-step load:
// loadEnvFile followed by typed getEnv* helpers, validated afterward with
// go-playground/validator struct tags instead of hand-rolled checks.
func Load() (*Config, error) {
	if err := loadEnvFile(); err != nil {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	cfg := &Config{
		Database: DatabaseConfig{
			Host:            getEnvString("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			Name:            getEnvString("DB_NAME", "dbsemaphore"),
			User:            getEnvString("DB_USER", "postgres"),
			Password:        getEnvString("DB_PASSWORD", ""),
			SSLMode:         getEnvString("DB_SSL_MODE", "disable"),
			MaxOpenConns:    getEnvInt("DB_MAX_OPEN_CONNS", 20),
			MaxIdleConns:    getEnvInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: getEnvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Semaphore: SemaphoreConfig{
			TotalPermits:               getEnvInt("SEM_TOTAL_PERMITS", 1),
			Strict:                     getEnvBool("SEM_STRICT", false),
			QueryTimeoutSeconds:        getEnvInt("SEM_QUERY_TIMEOUT_SECONDS", 10),
			AcquirePollMillis:          getEnvInt("SEM_ACQUIRE_POLL_MILLIS", 1000),
			HeartbeatIntervalMS:        int64(getEnvInt("SEM_HEARTBEAT_INTERVAL_MS", 10000)),
			HeartbeatTimeoutMultiplier: getEnvInt("SEM_HEARTBEAT_TIMEOUT_MULTIPLIER", 4),
			DeadOwnerAwaitTimeout:      getEnvDuration("SEM_DEAD_OWNER_AWAIT_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:      getEnvString("LOG_LEVEL", "info"),
			Output:     getEnvString("LOG_OUTPUT", "stdout"),
			FilePath:   getEnvString("LOG_FILE_PATH", "/var/log/dbsemaphore/dbsemaphore.log"),
			MaxSizeMB:  getEnvInt("LOG_MAX_SIZE", 100),
			MaxBackups: getEnvInt("LOG_MAX_BACKUPS", 5),
			MaxAgeDays: getEnvInt("LOG_MAX_AGE", 30),
			Compress:   getEnvBool("LOG_COMPRESS", true),
		},
		Metrics: MetricsConfig{
			Enabled: getEnvBool("METRICS_ENABLED", true),
		},
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// loadEnvFile loads KEY=VALUE pairs from a .env file in the working
// directory, without overriding variables already set in the environment.
func loadEnvFile() error {
	const envFile = ".env"
	if _, err := os.Stat(envFile); os.IsNotExist(err) {
		return nil
	}

	file, err := os.Open(envFile)
	if err != nil {
		return fmt.Errorf("failed to open .env file: %w", err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])
		if (strings.HasPrefix(value, `"`) && strings.HasSuffix(value, `"`)) ||
			(strings.HasPrefix(value, `'`) && strings.HasSuffix(value, `'`)) {
			value = value[1 : len(value)-1]
		}
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
	return scanner.Err()
}

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// DSN renders the Postgres connection string gorm's postgres driver expects.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		d.Host, d.Port, d.Name, d.User, d.Password, d.SSLMode)
}
