// Package config loads the signer daemon configuration from YAML and the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const appDir = "nostr-signer"

// Environment variables that override the file.
const (
	EnvAllowMutations = "NOSTR_SIGNER_ALLOW_SECRET_MUTATIONS"
	EnvBackend        = "NOSTR_SIGNER_BACKEND"
	EnvConfigDir      = "NOSTR_SIGNER_CONFIG_DIR"
	EnvDataDir        = "NOSTR_SIGNER_DATA_DIR"
	EnvLogLevel       = "NOSTR_SIGNER_LOG_LEVEL"
	EnvMetricsAddr    = "NOSTR_SIGNER_METRICS_ADDR"
)

// Config is the resolved daemon configuration.
type Config struct {
	Backend             string
	ConfigDir           string
	DataDir             string
	AllowMutations      bool
	ApprovalTimeout     time.Duration
	PolicySweepInterval time.Duration
	Workers             int
	MutationInterval    time.Duration
	PublishTimeout      time.Duration
	MetricsAddr         string
	LogLevel            string
}

// fileConfig mirrors config.yaml. Pointers distinguish "unset" from zero.
type fileConfig struct {
	Backend             string         `yaml:"backend"`
	ConfigDir           string         `yaml:"config_dir"`
	DataDir             string         `yaml:"data_dir"`
	AllowMutations      *bool          `yaml:"allow_mutations"`
	ApprovalTimeout     *time.Duration `yaml:"approval_timeout"`
	PolicySweepInterval *time.Duration `yaml:"policy_sweep_interval"`
	Workers             int            `yaml:"workers"`
	MutationInterval    time.Duration  `yaml:"mutation_interval"`
	PublishTimeout      time.Duration  `yaml:"publish_timeout"`
	MetricsAddr         string         `yaml:"metrics_addr"`
	LogLevel            string         `yaml:"log_level"`
}

// Default returns the built-in configuration rooted at the XDG directories.
func Default() Config {
	return Config{
		ConfigDir:           filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), appDir),
		DataDir:             filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")), appDir),
		ApprovalTimeout:     5 * time.Minute,
		PolicySweepInterval: 10 * time.Minute,
		Workers:             4,
		MutationInterval:    500 * time.Millisecond,
		PublishTimeout:      10 * time.Second,
		LogLevel:            "info",
	}
}

// DefaultPath returns $XDG_CONFIG_HOME/nostr-signer/config.yaml.
func DefaultPath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), appDir, "config.yaml")
}

func xdgDir(env, fallback string) string {
	if d := strings.TrimSpace(os.Getenv(env)); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return fallback
	}
	return filepath.Join(home, fallback)
}

// Load reads path (DefaultPath when empty), merges it over Default and applies
// environment overrides. A missing file is not an error.
func Load(path string) (Config, error) {
	if path == "" {
		path = DefaultPath()
	}
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("failed to read config: %w", err)
	default:
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		merge(&cfg, parsed)
	}

	if err := ApplyEnvOverrides(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// merge copies every field set in src into dst.
func merge(dst *Config, src fileConfig) {
	if src.Backend != "" {
		dst.Backend = src.Backend
	}
	if src.ConfigDir != "" {
		dst.ConfigDir = src.ConfigDir
	}
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.AllowMutations != nil {
		dst.AllowMutations = *src.AllowMutations
	}
	if src.ApprovalTimeout != nil {
		dst.ApprovalTimeout = *src.ApprovalTimeout
	}
	if src.PolicySweepInterval != nil {
		dst.PolicySweepInterval = *src.PolicySweepInterval
	}
	if src.Workers != 0 {
		dst.Workers = src.Workers
	}
	if src.MutationInterval != 0 {
		dst.MutationInterval = src.MutationInterval
	}
	if src.PublishTimeout != 0 {
		dst.PublishTimeout = src.PublishTimeout
	}
	if src.MetricsAddr != "" {
		dst.MetricsAddr = src.MetricsAddr
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
}

// ApplyEnvOverrides applies the NOSTR_SIGNER_* variables.
func ApplyEnvOverrides(cfg *Config) error {
	if v := strings.TrimSpace(os.Getenv(EnvBackend)); v != "" {
		cfg.Backend = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvConfigDir)); v != "" {
		cfg.ConfigDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvDataDir)); v != "" {
		cfg.DataDir = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvMetricsAddr)); v != "" {
		cfg.MetricsAddr = v
	}
	if raw := strings.TrimSpace(os.Getenv(EnvAllowMutations)); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("invalid %s=%q: %w", EnvAllowMutations, raw, err)
		}
		cfg.AllowMutations = v
	}
	return nil
}

// Validate rejects values the daemon cannot run with.
func (c Config) Validate() error {
	if c.ConfigDir == "" || c.DataDir == "" {
		return errors.New("config_dir and data_dir must be set")
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.ApprovalTimeout < 0 || c.PolicySweepInterval < 0 || c.MutationInterval < 0 || c.PublishTimeout < 0 {
		return errors.New("durations must not be negative")
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return l, nil
}

func (c Config) AccountsPath() string   { return filepath.Join(c.ConfigDir, "accounts.ini") }
func (c Config) PolicyPath() string     { return filepath.Join(c.ConfigDir, "policy.ini") }
func (c Config) HistoryPath() string    { return filepath.Join(c.DataDir, "history.db") }
func (c Config) DelegationsDir() string { return filepath.Join(c.DataDir, "delegations") }
func (c Config) RelaysDir() string      { return c.ConfigDir }
