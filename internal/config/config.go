// Package config loads service settings from an optional YAML file and the
// environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// KafkaConfig configures the notification topic. No brokers disables the
// Kafka sink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// Config holds all service settings after defaults and overrides apply.
type Config struct {
	Port        string
	DatabaseURL string
	RedisURL    string
	CacheTTL    time.Duration
	LogLevel    string
	Env         string

	FeeRate           decimal.Decimal
	DeliveryTimeout   time.Duration
	DeliveryThreshold decimal.Decimal
	PlatformAccountID string

	SweepSchedule string
	SweepBatch    int

	LockTimeout  time.Duration
	TxMaxRetries int

	JWTSecret    string
	Kafka        KafkaConfig
	NotifyBuffer int
}

// Load reads $ESCROW_CONFIG when set, then applies ESCROW_* environment
// overrides. PORT, DATABASE_URL and REDIS_URL are also read unprefixed.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ESCROW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	for key, env := range map[string]string{
		"port":         "PORT",
		"database_url": "DATABASE_URL",
		"redis_url":    "REDIS_URL",
	} {
		if err := v.BindEnv(key, "ESCROW_"+env, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", key, err)
		}
	}

	if path := os.Getenv("ESCROW_CONFIG"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	feeRate, err := decimal.NewFromString(v.GetString("fee_rate"))
	if err != nil {
		return nil, fmt.Errorf("fee_rate: %w", err)
	}
	threshold, err := decimal.NewFromString(v.GetString("delivery_threshold"))
	if err != nil {
		return nil, fmt.Errorf("delivery_threshold: %w", err)
	}

	cfg := &Config{
		Port:              v.GetString("port"),
		DatabaseURL:       v.GetString("database_url"),
		RedisURL:          v.GetString("redis_url"),
		CacheTTL:          v.GetDuration("cache_ttl"),
		LogLevel:          v.GetString("log_level"),
		Env:               v.GetString("env"),
		FeeRate:           feeRate,
		DeliveryTimeout:   v.GetDuration("delivery_timeout"),
		DeliveryThreshold: threshold,
		PlatformAccountID: v.GetString("platform_account_id"),
		SweepSchedule:     v.GetString("sweep_schedule"),
		SweepBatch:        v.GetInt("sweep_batch"),
		LockTimeout:       v.GetDuration("lock_timeout"),
		TxMaxRetries:      v.GetInt("tx_max_retries"),
		JWTSecret:         v.GetString("jwt_secret"),
		Kafka: KafkaConfig{
			Brokers: splitCSV(v.GetStringSlice("kafka.brokers")),
			Topic:   v.GetString("kafka.topic"),
		},
		NotifyBuffer: v.GetInt("notify.buffer"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("cache_ttl", "30s")
	v.SetDefault("log_level", "info")
	v.SetDefault("env", "dev")
	v.SetDefault("fee_rate", "0.025")
	v.SetDefault("delivery_timeout", "24h")
	v.SetDefault("delivery_threshold", "0.98")
	v.SetDefault("platform_account_id", "platform")
	v.SetDefault("sweep_schedule", "@every 5m")
	v.SetDefault("sweep_batch", 500)
	v.SetDefault("lock_timeout", "5s")
	v.SetDefault("tx_max_retries", 3)
	v.SetDefault("kafka.topic", "escrow.notifications")
	v.SetDefault("notify.buffer", 1024)
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	one := decimal.NewFromInt(1)
	switch {
	case c.FeeRate.IsNegative() || c.FeeRate.GreaterThanOrEqual(one):
		return fmt.Errorf("fee_rate must be in [0, 1), got %s", c.FeeRate)
	case !c.DeliveryThreshold.IsPositive() || c.DeliveryThreshold.GreaterThan(one):
		return fmt.Errorf("delivery_threshold must be in (0, 1], got %s", c.DeliveryThreshold)
	case c.DeliveryTimeout <= 0:
		return fmt.Errorf("delivery_timeout must be positive, got %s", c.DeliveryTimeout)
	case c.TxMaxRetries < 0:
		return fmt.Errorf("tx_max_retries must not be negative, got %d", c.TxMaxRetries)
	case c.PlatformAccountID == "":
		return fmt.Errorf("platform_account_id is required")
	case c.SweepSchedule == "":
		return fmt.Errorf("sweep_schedule is required")
	}
	return nil
}

// NewLogger builds the JSON logger used across the service.
func (c *Config) NewLogger() *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: ParseLevel(c.LogLevel)})
	return slog.New(handler).With("service", "escrow-engine", "env", c.Env)
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// splitCSV flattens entries that arrive as one comma-separated env value.
func splitCSV(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
