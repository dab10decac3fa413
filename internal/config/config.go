// Package config loads chronoplan configuration from YAML with
// environment overrides. A missing config file is not an error; every
// field has a usable default.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all chronoplan configuration.
type Config struct {
	// LLM configuration
	LLM LLMConfig `yaml:"llm"`

	// Storage paths
	Storage StorageConfig `yaml:"storage"`

	// HTTP server settings (serve command)
	Server ServerConfig `yaml:"server"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// LLMConfig configures the planning and classification model.
type LLMConfig struct {
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
	Timeout string `yaml:"timeout"`
}

// StorageConfig locates the persistent stores.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	PolicyPath   string `yaml:"policy_path"`
	// WatchPolicies reloads the policy file when it changes on disk.
	WatchPolicies bool `yaml:"watch_policies"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string `yaml:"addr"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // console, json
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		LLM: LLMConfig{
			Model:   "gemini-2.0-flash",
			Timeout: "60s",
		},
		Storage: StorageConfig{
			DatabasePath:  "data/chronoplan.db",
			PolicyPath:    "data/policies.json",
			WatchPolicies: true,
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:8765",
			ShutdownTimeout: "10s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads configuration from a YAML file, falling back to defaults
// when the file does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if model := os.Getenv("CHRONOPLAN_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if path := os.Getenv("CHRONOPLAN_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
	if path := os.Getenv("CHRONOPLAN_POLICIES"); path != "" {
		c.Storage.PolicyPath = path
	}
	if addr := os.Getenv("CHRONOPLAN_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if level := os.Getenv("CHRONOPLAN_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// LLMTimeout returns the model call timeout as a duration.
func (c *Config) LLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// ServerShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ServerShutdownTimeout() time.Duration {
	d, err := time.ParseDuration(c.Server.ShutdownTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}
