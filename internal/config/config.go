// Package config loads process configuration the way the retrieved corpus
// does it: env vars and an optional YAML file through viper, with .env
// loading for local development via godotenv.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is every environment-sourced knob named in spec §6 plus the
// timeout defaults named in spec §5.
type Config struct {
	DatabaseURL string
	RedisURL    string

	VaultKeyHex      string // 32-byte key, hex-encoded, for XChaCha20-Poly1305
	ExchangeTimezone string

	HTTPAddr string

	AdapterPlaceTimeout    time.Duration
	AdapterMetadataTimeout time.Duration
	RunDeadlineParallel    time.Duration
	RunDeadlineStaggered   time.Duration
	RunDeadlineSync        time.Duration
	WebhookIdempotencyWindow time.Duration
	SchedulerTick          time.Duration

	BrokerEndpoints map[string]string
}

// Load reads configuration from (in increasing priority) defaults, an
// optional .env file, a config.yaml in the working directory, and the
// process environment — mirroring the layering convention the corpus uses
// around viper/godotenv.
func Load() (*Config, error) {
	_ = godotenv.Load() // best-effort; absence of .env is not an error

	v := viper.New()
	v.SetEnvPrefix("EXECCORE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read config.yaml: %w", err)
		}
	}

	v.SetDefault("database_url", "postgres://localhost:5432/execcore?sslmode=disable")
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("exchange_timezone", "Asia/Kolkata")
	v.SetDefault("http_addr", ":8080")
	v.SetDefault("adapter_place_timeout", 5*time.Second)
	v.SetDefault("adapter_metadata_timeout", 2*time.Second)
	v.SetDefault("run_deadline_parallel", 30*time.Second)
	v.SetDefault("run_deadline_staggered", 60*time.Second)
	v.SetDefault("run_deadline_sync", 30*time.Second)
	v.SetDefault("webhook_idempotency_window", 60*time.Second)
	v.SetDefault("scheduler_tick", 1*time.Second)

	cfg := &Config{
		DatabaseURL:              v.GetString("database_url"),
		RedisURL:                 v.GetString("redis_url"),
		VaultKeyHex:              v.GetString("vault_key"),
		ExchangeTimezone:         v.GetString("exchange_timezone"),
		HTTPAddr:                 v.GetString("http_addr"),
		AdapterPlaceTimeout:      v.GetDuration("adapter_place_timeout"),
		AdapterMetadataTimeout:   v.GetDuration("adapter_metadata_timeout"),
		RunDeadlineParallel:      v.GetDuration("run_deadline_parallel"),
		RunDeadlineStaggered:     v.GetDuration("run_deadline_staggered"),
		RunDeadlineSync:          v.GetDuration("run_deadline_sync"),
		WebhookIdempotencyWindow: v.GetDuration("webhook_idempotency_window"),
		SchedulerTick:            v.GetDuration("scheduler_tick"),
		BrokerEndpoints:          v.GetStringMapString("broker_endpoints"),
	}

	if cfg.VaultKeyHex == "" {
		return nil, fmt.Errorf("config: EXECCORE_VAULT_KEY is required")
	}
	return cfg, nil
}

// RunDeadline returns the overall per-run deadline for a dispatch mode.
func (c *Config) RunDeadline(mode string) time.Duration {
	switch mode {
	case "staggered":
		return c.RunDeadlineStaggered
	case "sync":
		return c.RunDeadlineSync
	default:
		return c.RunDeadlineParallel
	}
}
