// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig              `mapstructure:"server"`
	Scanner   ScannerConfig             `mapstructure:"scanner"`
	Bulk      BulkConfig                `mapstructure:"bulk"`
	DB        DBConfig                  `mapstructure:"db"`
	PubSub    PubSubConfig              `mapstructure:"pubsub"`
	Logging   LoggingConfig             `mapstructure:"logging"`
	Schedules map[string]ScheduleConfig `mapstructure:"schedules"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// ScannerConfig governs the scan queue and lifecycle behavior.
type ScannerConfig struct {
	ConcurrencyLimit    int `mapstructure:"concurrency_limit"`
	SimTickMs           int `mapstructure:"sim_tick_ms"`
	ScanDurationSeconds int `mapstructure:"scan_duration_seconds"`
}

// BulkConfig governs bulk batch expansion.
type BulkConfig struct {
	MaxImages int `mapstructure:"max_images"`
}

// DBConfig controls access to the relational database. An empty DSN selects
// the in-memory store.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	ScansTable   string `mapstructure:"scans_table"`
	ReportsTable string `mapstructure:"reports_table"`
	MaxConns     int32  `mapstructure:"max_conns"`
	MinConns     int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for completion notifications. An empty topic
// selects the in-memory notifier.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// ScheduleConfig describes one recurring bulk scan.
type ScheduleConfig struct {
	Cron            string   `mapstructure:"cron"`
	Patterns        []string `mapstructure:"patterns"`
	ExcludePatterns []string `mapstructure:"exclude_patterns"`
	MaxImages       int      `mapstructure:"max_images"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SCANHUB")
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
	v.SetDefault("scanner.concurrency_limit", 3)
	v.SetDefault("scanner.sim_tick_ms", 750)
	v.SetDefault("scanner.scan_duration_seconds", 2)
	v.SetDefault("bulk.max_images", 50)
	v.SetDefault("db.scans_table", "scans")
	v.SetDefault("db.reports_table", "scan_reports")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scanner.ConcurrencyLimit <= 0 {
		return fmt.Errorf("scanner.concurrency_limit must be > 0")
	}
	if c.Bulk.MaxImages <= 0 {
		return fmt.Errorf("bulk.max_images must be > 0")
	}
	for name, sched := range c.Schedules {
		if sched.Cron == "" {
			return fmt.Errorf("schedules.%s.cron must be set", name)
		}
		if len(sched.Patterns) == 0 {
			return fmt.Errorf("schedules.%s.patterns must not be empty", name)
		}
	}
	return nil
}

// SimTick converts the simulated-progress cadence to a duration.
func (c Config) SimTick() time.Duration {
	return time.Duration(c.Scanner.SimTickMs) * time.Millisecond
}

// ScanDuration converts the simulated scan runtime to a duration.
func (c Config) ScanDuration() time.Duration {
	return time.Duration(c.Scanner.ScanDurationSeconds) * time.Second
}
