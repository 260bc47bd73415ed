package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration, loaded from YAML with flag
// overrides applied by the command layer.
type Config struct {
	// DataDir roots the bolt database and lock files.
	DataDir string `yaml:"data_dir"`

	// ListenAddr is the admin HTTP endpoint (/health, /ready, /metrics).
	ListenAddr string `yaml:"listen_addr"`

	// SelfPlugin names the storage plugin persisting the module
	// registry.
	SelfPlugin string `yaml:"self_plugin"`

	LockTimeout     time.Duration `yaml:"lock_timeout"`
	CallbackTimeout time.Duration `yaml:"callback_timeout"`

	Log LogConfig `yaml:"log"`
}

// LogConfig holds the logging options.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:         "/var/lib/burrow",
		ListenAddr:      "127.0.0.1:9110",
		SelfPlugin:      "bolt",
		LockTimeout:     5 * time.Second,
		CallbackTimeout: 10 * time.Second,
		Log:             LogConfig{Level: "info"},
	}
}

// Load reads a YAML config file over the defaults. An empty path
// returns the defaults untouched.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for wiring mistakes.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.SelfPlugin == "" {
		return fmt.Errorf("self_plugin must not be empty")
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock_timeout must be positive")
	}
	if c.CallbackTimeout <= 0 {
		return fmt.Errorf("callback_timeout must be positive")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}
