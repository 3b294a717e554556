package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all application settings loaded from file and environment
// variables. Struct tags are used by the Viper mapstructure decoder.
type Config struct {
	API    API    `mapstructure:"api"`
	Store  Store  `mapstructure:"store"`
	Target Target `mapstructure:"target"`
	Bridge Bridge `mapstructure:"bridge"`
	Filter Filter `mapstructure:"filter"`
	Audit  Audit  `mapstructure:"audit"`
}

// API configures the thin HTTP control surface.
type API struct {
	Addr string `mapstructure:"addr"`
}

// Store configures the Postgres backing store. An empty DSN switches the
// process to in-memory rules and fallback-file audit only (dev mode).
type Store struct {
	DSN string `mapstructure:"dsn"`
}

// Target holds default connection parameters for remote shell hosts.
// Per-session parameters supplied by the request layer override these.
type Target struct {
	Addr     string `mapstructure:"addr"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	KeyPath  string `mapstructure:"key_path"`
}

// Bridge controls per-session resource limits and lifecycle thresholds.
type Bridge struct {
	// QueueSize bounds the per-session keystroke forward queue.
	// A full queue rejects input (backpressure) instead of blocking.
	QueueSize int `mapstructure:"queue_size"`

	// IdleTimeoutSec is the inactivity threshold after which the sweep
	// closes a session.
	IdleTimeoutSec int `mapstructure:"idle_timeout"`

	// SweepIntervalSec is how often the manager scans for idle sessions.
	SweepIntervalSec int `mapstructure:"sweep_interval"`

	// OutputRateBytes caps remote-output delivery in bytes per second.
	// 0 means no ceiling.
	OutputRateBytes int `mapstructure:"output_rate_bytes"`
}

// Filter holds command-filtering configuration.
type Filter struct {
	// FailMode controls the verdict when the rule store is unavailable.
	// "open"   — allow the command through (default)
	// "closed" — deny every command until the store recovers
	FailMode string `mapstructure:"fail_mode"`
}

// Audit configures the command audit log and session output recordings.
type Audit struct {
	// OutputCap is the hard cap (in characters) applied to output and
	// error text before storage.
	OutputCap int `mapstructure:"output_cap"`

	// StoragePath is the directory for .cast session recordings.
	// Empty disables recording.
	StoragePath string `mapstructure:"storage_path"`

	// FallbackPath is the JSONL file that receives audit entries when
	// the backing store is unavailable.
	FallbackPath string `mapstructure:"fallback_path"`

	// RetentionDays drives the scheduled auto-purge. 0 disables it.
	RetentionDays int `mapstructure:"retention_days"`
}

// Load reads configuration from a file and allows environment variables to
// override any value. A missing config file is not an error — defaults and
// environment variables still apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.BindEnv("api.addr", "TERMGATE_API_ADDR")
	v.BindEnv("store.dsn", "TERMGATE_STORE_DSN")
	v.BindEnv("target.addr", "TARGET_ADDR")
	v.BindEnv("target.user", "TARGET_USER")
	v.BindEnv("target.password", "TARGET_PASSWORD")
	v.BindEnv("filter.fail_mode", "TERMGATE_FAIL_MODE")
	v.BindEnv("audit.storage_path", "AUDIT_STORAGE")
	v.BindEnv("audit.fallback_path", "AUDIT_FALLBACK")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Filter.FailMode != "open" && cfg.Filter.FailMode != "closed" {
		return nil, fmt.Errorf("filter.fail_mode must be \"open\" or \"closed\", got %q", cfg.Filter.FailMode)
	}

	return &cfg, nil
}

// isNotFound returns true when err indicates the config file does not exist.
func isNotFound(err error) bool {
	if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		return true
	}
	var pathErr *os.PathError
	return errors.As(err, &pathErr) && os.IsNotExist(pathErr)
}

// setDefaults defines baseline values for all configuration parameters.
func setDefaults(v *viper.Viper) {
	v.SetDefault("api.addr", "127.0.0.1:8088")
	v.SetDefault("target.addr", "127.0.0.1:22")
	v.SetDefault("bridge.queue_size", 256)
	v.SetDefault("bridge.idle_timeout", 1800)
	v.SetDefault("bridge.sweep_interval", 60)
	v.SetDefault("bridge.output_rate_bytes", 512*1024)
	v.SetDefault("filter.fail_mode", "open")
	v.SetDefault("audit.output_cap", 10000)
	v.SetDefault("audit.fallback_path", "./logs/audit-fallback.jsonl")
	v.SetDefault("audit.retention_days", 0)
}
