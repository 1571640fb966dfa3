// Package config defines sequent's configuration surface and loads it via
// viper from a YAML file and/or SEQUENT_*-prefixed environment variables,
// with cobra flags on individual commands able to override specific fields.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of options spec.md §6 lists.
type Config struct {
	Backend BackendConfig `mapstructure:"backend"`
	Router  RouterConfig  `mapstructure:"router"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// BackendConfig selects and configures the storage backend.
type BackendConfig struct {
	// Driver is one of "postgres", "sqlite", "memory".
	Driver string `mapstructure:"driver"`
	// DSN is the connection string for postgres/sqlite; ignored for memory.
	DSN string `mapstructure:"dsn"`
	MaxOpenConns int `mapstructure:"max_open_conns"`
	MaxIdleConns int `mapstructure:"max_idle_conns"`
}

// RouterConfig controls the worker pool and background maintenance cadence.
type RouterConfig struct {
	Workers           int           `mapstructure:"workers"`
	HouseKeepers      int           `mapstructure:"housekeepers"`
	BatchSize         int           `mapstructure:"batch_size"`
	MaxDrainRounds    int           `mapstructure:"max_drain_rounds"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	HousekeepInterval time.Duration `mapstructure:"housekeep_interval"`
	ClaimTTL          time.Duration `mapstructure:"claim_ttl"`
	// QueueCapacity bounds pending pushes per reactor (max_per_reactor),
	// not the total number of distinct reactors queued. Defaults to 4, the
	// same as the default Workers; it does not change when Workers is set
	// to another value.
	QueueCapacity int `mapstructure:"queue_capacity"`
	MaxRetries    int `mapstructure:"max_retries"`
}

// LogConfig controls zerolog setup.
type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// MetricsConfig controls the optional prometheus HTTP endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"` // empty disables the listener
}

// Default returns a Config with the same defaults supervisor.DefaultConfig
// uses, plus an in-memory backend suitable for local experimentation.
func Default() Config {
	return Config{
		Backend: BackendConfig{
			Driver:       "memory",
			MaxOpenConns: 10,
			MaxIdleConns: 5,
		},
		Router: RouterConfig{
			Workers:           4,
			HouseKeepers:      1,
			BatchSize:         100,
			MaxDrainRounds:    50,
			PollInterval:      5 * time.Second,
			HousekeepInterval: 2 * time.Second,
			ClaimTTL:          60 * time.Second,
			QueueCapacity:     4,
			MaxRetries:        5,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  true,
		},
	}
}

// Load reads configuration from (in increasing precedence) built-in
// defaults, configPath if non-empty, and SEQUENT_*-prefixed environment
// variables, the same layering gocryptotrader's viper setup uses for its
// own config/environment split.
func Load(configPath string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("SEQUENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return cfg, fmt.Errorf("config: read %s: %w", configPath, err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("backend.driver", cfg.Backend.Driver)
	v.SetDefault("backend.max_open_conns", cfg.Backend.MaxOpenConns)
	v.SetDefault("backend.max_idle_conns", cfg.Backend.MaxIdleConns)
	v.SetDefault("router.workers", cfg.Router.Workers)
	v.SetDefault("router.housekeepers", cfg.Router.HouseKeepers)
	v.SetDefault("router.batch_size", cfg.Router.BatchSize)
	v.SetDefault("router.max_drain_rounds", cfg.Router.MaxDrainRounds)
	v.SetDefault("router.poll_interval", cfg.Router.PollInterval)
	v.SetDefault("router.housekeep_interval", cfg.Router.HousekeepInterval)
	v.SetDefault("router.claim_ttl", cfg.Router.ClaimTTL)
	v.SetDefault("router.queue_capacity", cfg.Router.QueueCapacity)
	v.SetDefault("router.max_retries", cfg.Router.MaxRetries)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.json", cfg.Log.JSON)
	v.SetDefault("metrics.addr", cfg.Metrics.Addr)
}
