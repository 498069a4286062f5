package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/tally-lab/tally/internal/core/countstat"
)

// Config represents the top-level application config plus the resolved stat catalog.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Catalog  CatalogConfig  `koanf:"catalog"`
	Rollup   RollupConfig   `koanf:"rollup"`

	// Stats is populated by Load after parsing catalog files.
	Stats *countstat.Registry `koanf:"-"`
}

type ServerConfig struct {
	Port          int    `koanf:"port"`
	Host          string `koanf:"host"`
	MaxBodySizeMB int    `koanf:"max_body_size_mb"`
	Mode          string `koanf:"mode"` // debug | release
}

type DatabaseConfig struct {
	DSN          string `koanf:"dsn"`
	MaxOpenConns int    `koanf:"max_open_conns"`
	MaxIdleConns int    `koanf:"max_idle_conns"`
	AutoMigrate  bool   `koanf:"auto_migrate"`
}

type CatalogConfig struct {
	Dir          string `koanf:"dir"`
	RequireStats bool   `koanf:"require_stats"`
}

type RollupConfig struct {
	Enabled          bool   `koanf:"enabled"`
	TickInterval     string `koanf:"tick_interval"`
	MaxBucketsPerRun int    `koanf:"max_buckets_per_run"`
	BusyTimeout      string `koanf:"busy_timeout"`
	WorkerCount      int    `koanf:"worker_count"`
}

// EffectiveTickInterval returns the rollup cadence, falling back to the default.
func (c RollupConfig) EffectiveTickInterval() time.Duration {
	if c.TickInterval == "" {
		return 5 * time.Minute
	}
	d, err := time.ParseDuration(c.TickInterval)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// EffectiveBusyTimeout returns the cutoff after which a busy fill state is
// considered stuck.
func (c RollupConfig) EffectiveBusyTimeout() time.Duration {
	if c.BusyTimeout == "" {
		return time.Hour
	}
	d, err := time.ParseDuration(c.BusyTimeout)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port %d (must be 1-65535)", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.Host) == "" {
		return fmt.Errorf("server.host is required")
	}
	if c.Server.MaxBodySizeMB <= 0 {
		return fmt.Errorf("server.max_body_size_mb must be > 0")
	}
	if c.Server.Mode != "debug" && c.Server.Mode != "release" {
		return fmt.Errorf("invalid server.mode %q (must be debug or release)", c.Server.Mode)
	}

	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Database.MaxOpenConns <= 0 {
		return fmt.Errorf("database.max_open_conns must be > 0")
	}
	if c.Database.MaxIdleConns <= 0 {
		return fmt.Errorf("database.max_idle_conns must be > 0")
	}

	if strings.TrimSpace(c.Catalog.Dir) == "" {
		return fmt.Errorf("catalog.dir is required")
	}

	if c.Rollup.TickInterval != "" {
		d, err := time.ParseDuration(c.Rollup.TickInterval)
		if err != nil {
			return fmt.Errorf("invalid rollup.tick_interval %q: %w", c.Rollup.TickInterval, err)
		}
		if d <= 0 {
			return fmt.Errorf("rollup.tick_interval must be > 0")
		}
	}
	if c.Rollup.BusyTimeout != "" {
		d, err := time.ParseDuration(c.Rollup.BusyTimeout)
		if err != nil {
			return fmt.Errorf("invalid rollup.busy_timeout %q: %w", c.Rollup.BusyTimeout, err)
		}
		if d <= 0 {
			return fmt.Errorf("rollup.busy_timeout must be > 0")
		}
	}
	if c.Rollup.MaxBucketsPerRun <= 0 {
		return fmt.Errorf("rollup.max_buckets_per_run must be > 0")
	}
	if c.Rollup.WorkerCount <= 0 {
		return fmt.Errorf("rollup.worker_count must be > 0")
	}

	return nil
}

// Load parses config from file + env, validates it, then loads and validates
// the stat catalog.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	defaults := map[string]interface{}{
		"server.port":                8080,
		"server.host":                "0.0.0.0",
		"server.max_body_size_mb":    1,
		"server.mode":                "release",
		"database.dsn":               "postgres://localhost/tally?sslmode=disable",
		"database.max_open_conns":    25,
		"database.max_idle_conns":    25,
		"database.auto_migrate":      true,
		"catalog.dir":                "./config/countstats",
		"catalog.require_stats":      true,
		"rollup.enabled":             true,
		"rollup.tick_interval":       "5m",
		"rollup.max_buckets_per_run": 100,
		"rollup.busy_timeout":        "1h",
		"rollup.worker_count":        4,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := k.Load(env.Provider("TALLY_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "TALLY_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	registry, err := countstat.LoadCatalog(cfg.Catalog.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to load stat catalog: %w", err)
	}
	if cfg.Rollup.Enabled && cfg.Catalog.RequireStats && registry.Len() == 0 {
		return nil, fmt.Errorf("no count stats found in %q", cfg.Catalog.Dir)
	}
	cfg.Stats = registry

	return &cfg, nil
}
