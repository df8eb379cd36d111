// Package config loads and validates scan engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/seolens/scan-engine/internal/scan"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	DB      DBConfig      `mapstructure:"db"`
	Scan    ScanConfig    `mapstructure:"scan"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls the Postgres backend and the development fallback.
type DBConfig struct {
	DSN              string `mapstructure:"dsn"`
	MaxConns         int32  `mapstructure:"max_conns"`
	MinConns         int32  `mapstructure:"min_conns"`
	FallbackToMemory bool   `mapstructure:"fallback_to_memory"`
}

// ScanConfig governs check dispatch and retry bookkeeping. Services maps
// each enabled audit service name to the HTTP endpoint of its executor.
type ScanConfig struct {
	Services              map[string]string `mapstructure:"services"`
	ServiceTimeoutSeconds int               `mapstructure:"service_timeout_seconds"`
	MaxRetryAttempts      int               `mapstructure:"max_retry_attempts"`
	Concurrency           int               `mapstructure:"concurrency"`
}

// CacheConfig controls completed-scan reuse.
type CacheConfig struct {
	TTLHours             int `mapstructure:"ttl_hours"`
	SweepIntervalMinutes int `mapstructure:"sweep_interval_minutes"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SEOSCAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.fallback_to_memory", false)
	v.SetDefault("scan.service_timeout_seconds", 30)
	v.SetDefault("scan.max_retry_attempts", scan.DefaultMaxRetryAttempts)
	v.SetDefault("scan.concurrency", 6)
	v.SetDefault("cache.ttl_hours", 24)
	v.SetDefault("cache.sweep_interval_minutes", 60)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scan.ServiceTimeoutSeconds <= 0 {
		return fmt.Errorf("scan.service_timeout_seconds must be > 0")
	}
	if c.Scan.MaxRetryAttempts < 0 {
		return fmt.Errorf("scan.max_retry_attempts must be >= 0")
	}
	if c.Scan.Concurrency <= 0 {
		return fmt.Errorf("scan.concurrency must be > 0")
	}
	if c.Cache.TTLHours <= 0 {
		return fmt.Errorf("cache.ttl_hours must be > 0")
	}
	if c.Cache.SweepIntervalMinutes <= 0 {
		return fmt.Errorf("cache.sweep_interval_minutes must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.DB.DSN == "" && !c.DB.FallbackToMemory {
		return fmt.Errorf("db.dsn is required unless db.fallback_to_memory is set")
	}
	for name, endpoint := range c.Scan.Services {
		if strings.TrimSpace(endpoint) == "" {
			return fmt.Errorf("scan.services.%s endpoint must not be empty", name)
		}
	}
	return nil
}

// ServiceTimeout converts the configured per-check budget into a duration.
func (c Config) ServiceTimeout() time.Duration {
	return time.Duration(c.Scan.ServiceTimeoutSeconds) * time.Second
}

// CacheTTL converts the configured cache validity window into a duration.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.TTLHours) * time.Hour
}

// SweepInterval converts the configured cache sweep cadence into a duration.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Cache.SweepIntervalMinutes) * time.Minute
}
