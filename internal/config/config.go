package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	SequenceStore = "store"
	SequenceRedis = "redis"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	SequenceBackend string `mapstructure:"SEQUENCE_BACKEND"`
	RedisAddr       string `mapstructure:"REDIS_ADDR"`
	RedisPassword   string `mapstructure:"REDIS_PASSWORD"`
	RedisDB         int    `mapstructure:"REDIS_DB"`

	ClinicTimezone    string `mapstructure:"CLINIC_TIMEZONE"`
	DefaultRetryLimit int    `mapstructure:"DEFAULT_RETRY_LIMIT"`
	ClaimAttempts     int    `mapstructure:"CLAIM_ATTEMPTS"`

	NoAnswerGraceSeconds        int `mapstructure:"NO_ANSWER_GRACE_SECONDS"`
	NoAnswerScanIntervalSeconds int `mapstructure:"NO_ANSWER_SCAN_INTERVAL_SECONDS"`
	NoAnswerBatchSize           int `mapstructure:"NO_ANSWER_BATCH_SIZE"`

	PatientDirectoryURL   string `mapstructure:"PATIENT_DIRECTORY_URL"`
	AppointmentServiceURL string `mapstructure:"APPOINTMENT_SERVICE_URL"`
	CollabTimeoutSeconds  int    `mapstructure:"COLLAB_TIMEOUT_SECONDS"`
	NotifyMaxAttempts     int    `mapstructure:"NOTIFY_MAX_ATTEMPTS"`

	RateLimitPerMinute       int `mapstructure:"RATE_LIMIT_PER_MIN"`
	RateLimitBurst           int `mapstructure:"RATE_LIMIT_BURST"`
	TenantRateLimitPerMinute int `mapstructure:"TENANT_RATE_LIMIT_PER_MIN"`
	TenantRateLimitBurst     int `mapstructure:"TENANT_RATE_LIMIT_BURST"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"STORE_DRIVER", "DATABASE_URL", "SQLITE_PATH", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"SEQUENCE_BACKEND", "REDIS_ADDR", "REDIS_PASSWORD", "REDIS_DB",
	"CLINIC_TIMEZONE", "DEFAULT_RETRY_LIMIT", "CLAIM_ATTEMPTS",
	"NO_ANSWER_GRACE_SECONDS", "NO_ANSWER_SCAN_INTERVAL_SECONDS", "NO_ANSWER_BATCH_SIZE",
	"PATIENT_DIRECTORY_URL", "APPOINTMENT_SERVICE_URL", "COLLAB_TIMEOUT_SECONDS", "NOTIFY_MAX_ATTEMPTS",
	"RATE_LIMIT_PER_MIN", "RATE_LIMIT_BURST", "TENANT_RATE_LIMIT_PER_MIN", "TENANT_RATE_LIMIT_BURST",
}

// Load reads the environment and an optional .env file in the working
// directory. Environment variables win.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("STORE_DRIVER", DriverPostgres)
	v.SetDefault("SQLITE_PATH", "queue.db")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("SEQUENCE_BACKEND", SequenceStore)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("CLINIC_TIMEZONE", "UTC")
	v.SetDefault("DEFAULT_RETRY_LIMIT", 3)
	v.SetDefault("CLAIM_ATTEMPTS", 5)
	v.SetDefault("NO_ANSWER_GRACE_SECONDS", 300)
	v.SetDefault("NO_ANSWER_SCAN_INTERVAL_SECONDS", 30)
	v.SetDefault("NO_ANSWER_BATCH_SIZE", 100)
	v.SetDefault("COLLAB_TIMEOUT_SECONDS", 2)
	v.SetDefault("NOTIFY_MAX_ATTEMPTS", 5)
	v.SetDefault("RATE_LIMIT_PER_MIN", 120)
	v.SetDefault("RATE_LIMIT_BURST", 30)
	v.SetDefault("TENANT_RATE_LIMIT_PER_MIN", 600)
	v.SetDefault("TENANT_RATE_LIMIT_BURST", 120)

	for _, key := range keys {
		_ = v.BindEnv(key)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	cfg.SequenceBackend = strings.ToLower(strings.TrimSpace(cfg.SequenceBackend))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case DriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", DriverPostgres)
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_DRIVER is %q", DriverSQLite)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverSQLite, c.StoreDriver)
	}

	switch c.SequenceBackend {
	case SequenceStore:
	case SequenceRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when SEQUENCE_BACKEND is %q", SequenceRedis)
		}
	default:
		return fmt.Errorf("SEQUENCE_BACKEND must be %q or %q, got %q", SequenceStore, SequenceRedis, c.SequenceBackend)
	}

	if _, err := time.LoadLocation(c.ClinicTimezone); err != nil {
		return fmt.Errorf("CLINIC_TIMEZONE %q: %w", c.ClinicTimezone, err)
	}
	if c.DefaultRetryLimit < 1 {
		return fmt.Errorf("DEFAULT_RETRY_LIMIT must be at least 1, got %d", c.DefaultRetryLimit)
	}
	if c.ClaimAttempts < 1 {
		return fmt.Errorf("CLAIM_ATTEMPTS must be at least 1, got %d", c.ClaimAttempts)
	}
	return nil
}

// Location is the clinic timezone that decides where a service day starts.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.ClinicTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *Config) NoAnswerGrace() time.Duration {
	return seconds(c.NoAnswerGraceSeconds)
}

func (c *Config) NoAnswerScanInterval() time.Duration {
	return seconds(c.NoAnswerScanIntervalSeconds)
}

func (c *Config) CollabTimeout() time.Duration {
	return seconds(c.CollabTimeoutSeconds)
}

func seconds(value int) time.Duration {
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}
