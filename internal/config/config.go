// Package config loads the exit-fee service settings from the environment
// and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/runstr/exitfee-saga/internal/coinos"
	"github.com/runstr/exitfee-saga/internal/coordinator"
	"github.com/runstr/exitfee-saga/internal/errclass"
)

const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
)

type Config struct {
	HTTPAddr        string `mapstructure:"HTTP_ADDR"`
	LogLevel        string `mapstructure:"LOG_LEVEL"`
	OTelServiceName string `mapstructure:"OTEL_SERVICE_NAME"`
	OTelEnabled     bool   `mapstructure:"OTEL_ENABLED"`
	OTelEndpoint    string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	StoreDriver string `mapstructure:"STORE_DRIVER"`
	SQLitePath  string `mapstructure:"SQLITE_PATH"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`

	RedisAddr   string `mapstructure:"REDIS_ADDR"`
	RabbitMQURL string `mapstructure:"RABBITMQ_URL"`
	RosterAddr  string `mapstructure:"ROSTER_ADDR"`
	JWTSecret   string `mapstructure:"JWT_SECRET"`

	CoinOSBaseURL   string        `mapstructure:"COINOS_BASE_URL"`
	CoinOSToken     string        `mapstructure:"COINOS_TOKEN"`
	ExitFeeAmount   int64         `mapstructure:"EXIT_FEE_AMOUNT"`
	TreasuryAddress string        `mapstructure:"TREASURY_ADDRESS"`
	InvoiceExpiry   time.Duration `mapstructure:"INVOICE_EXPIRY"`

	PaymentTimeout    time.Duration `mapstructure:"PAYMENT_TIMEOUT"`
	PaymentMaxRetries int           `mapstructure:"PAYMENT_MAX_RETRIES"`
	VerifyMaxAttempts int           `mapstructure:"VERIFY_MAX_ATTEMPTS"`
	VerifyInterval    time.Duration `mapstructure:"VERIFY_INTERVAL"`
	RetryBaseDelay    time.Duration `mapstructure:"RETRY_BASE_DELAY"`
	RetryMaxDelay     time.Duration `mapstructure:"RETRY_MAX_DELAY"`

	StuckThreshold  time.Duration `mapstructure:"STUCK_THRESHOLD"`
	SweepSchedule   string        `mapstructure:"SWEEP_SCHEDULE"`
	MetricsInterval time.Duration `mapstructure:"METRICS_INTERVAL"`
	LockTTL         time.Duration `mapstructure:"LOCK_TTL"`
}

var keys = []string{
	"HTTP_ADDR", "LOG_LEVEL", "OTEL_SERVICE_NAME", "OTEL_ENABLED", "OTEL_EXPORTER_OTLP_ENDPOINT",
	"STORE_DRIVER", "SQLITE_PATH", "DATABASE_URL",
	"REDIS_ADDR", "RABBITMQ_URL", "ROSTER_ADDR", "JWT_SECRET",
	"COINOS_BASE_URL", "COINOS_TOKEN", "EXIT_FEE_AMOUNT", "TREASURY_ADDRESS", "INVOICE_EXPIRY",
	"PAYMENT_TIMEOUT", "PAYMENT_MAX_RETRIES", "VERIFY_MAX_ATTEMPTS", "VERIFY_INTERVAL",
	"RETRY_BASE_DELAY", "RETRY_MAX_DELAY",
	"STUCK_THRESHOLD", "SWEEP_SCHEDULE", "METRICS_INTERVAL", "LOCK_TTL",
}

func setDefaults() {
	viper.SetDefault("HTTP_ADDR", ":8080")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("OTEL_SERVICE_NAME", "exitfee-service")
	viper.SetDefault("OTEL_ENABLED", false)
	viper.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")
	viper.SetDefault("STORE_DRIVER", StoreSQLite)
	viper.SetDefault("SQLITE_PATH", "exitfee.db")
	viper.SetDefault("ROSTER_ADDR", "localhost:50061")
	viper.SetDefault("COINOS_BASE_URL", coinos.DefaultBaseURL)
	viper.SetDefault("EXIT_FEE_AMOUNT", coinos.DefaultExitFeeAmount)
	viper.SetDefault("TREASURY_ADDRESS", coinos.DefaultTreasuryAddress)
	viper.SetDefault("INVOICE_EXPIRY", coinos.DefaultInvoiceExpiry)
	viper.SetDefault("PAYMENT_TIMEOUT", 120*time.Second)
	viper.SetDefault("PAYMENT_MAX_RETRIES", 3)
	viper.SetDefault("VERIFY_MAX_ATTEMPTS", 10)
	viper.SetDefault("VERIFY_INTERVAL", 2*time.Second)
	viper.SetDefault("RETRY_BASE_DELAY", 2*time.Second)
	viper.SetDefault("RETRY_MAX_DELAY", 30*time.Second)
	viper.SetDefault("STUCK_THRESHOLD", time.Hour)
	viper.SetDefault("SWEEP_SCHEDULE", "@every 5m")
	viper.SetDefault("METRICS_INTERVAL", 5*time.Second)
	viper.SetDefault("LOCK_TTL", 10*time.Minute)
}

// Load reads configuration from the environment, falling back to a .env file
// in path when present. Environment values win over the file.
func Load(path string) (Config, error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()
	for _, k := range keys {
		_ = viper.BindEnv(k)
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			slog.Warn("failed to read config file, using environment values", "error", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch c.StoreDriver {
	case StoreSQLite:
		if c.SQLitePath == "" {
			return errors.New("config: SQLITE_PATH is required for the sqlite store")
		}
	case StorePostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL is required for the postgres store")
		}
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.ExitFeeAmount <= 0 {
		return fmt.Errorf("config: EXIT_FEE_AMOUNT must be positive, got %d", c.ExitFeeAmount)
	}
	return nil
}

// Policy derives the retry policy. RETRY_BASE_DELAY seeds the network delay
// and the other bases keep their default ratio to it.
func (c Config) Policy() errclass.Policy {
	p := errclass.DefaultPolicy()
	if c.RetryBaseDelay > 0 {
		scale := float64(c.RetryBaseDelay) / float64(p.NetworkBase)
		p.NetworkBase = c.RetryBaseDelay
		p.PaymentBase = time.Duration(float64(p.PaymentBase) * scale)
		p.SystemBase = time.Duration(float64(p.SystemBase) * scale)
		p.DefaultBase = time.Duration(float64(p.DefaultBase) * scale)
	}
	if c.RetryMaxDelay > 0 {
		p.MaxDelay = c.RetryMaxDelay
	}
	return p
}

func (c Config) Coinos() coinos.Config {
	return coinos.Config{
		BaseURL:        c.CoinOSBaseURL,
		Token:          c.CoinOSToken,
		ExitFeeAmount:  c.ExitFeeAmount,
		InvoiceExpiry:  c.InvoiceExpiry,
		PaymentTimeout: c.PaymentTimeout,
		VerifyAttempts: c.VerifyMaxAttempts,
		VerifyInterval: c.VerifyInterval,
		Policy:         c.Policy(),
	}
}

func (c Config) Coordinator() coordinator.Config {
	cfg := coordinator.DefaultConfig()
	cfg.ExitFeeAmount = c.ExitFeeAmount
	cfg.TreasuryAddress = c.TreasuryAddress
	cfg.InvoiceExpiry = c.InvoiceExpiry
	cfg.PaymentMaxRetries = c.PaymentMaxRetries
	cfg.PaymentTimeout = c.PaymentTimeout
	cfg.VerifyMaxAttempts = c.VerifyMaxAttempts
	cfg.StuckThreshold = c.StuckThreshold
	cfg.LockTTL = c.LockTTL
	cfg.Policy = c.Policy()
	return cfg
}
