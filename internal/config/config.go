// Package config loads and validates the PAID engine configuration.
package config

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the full engine configuration.
type Config struct {
	Env       string          `mapstructure:"env"` // "development" or "production"
	Database  DatabaseConfig  `mapstructure:"database"`
	Temporal  TemporalConfig  `mapstructure:"temporal"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Proxy     ProxyConfig     `mapstructure:"proxy"`
	Container ContainerConfig `mapstructure:"container"`
	GitHub    GitHubConfig    `mapstructure:"github"`
}

// DatabaseConfig contains store settings.
type DatabaseConfig struct {
	Path          string `mapstructure:"path"`           // SQLite database path
	EncryptionKey string `mapstructure:"encryption_key"` // 64 hex chars, encrypts stored GitHub tokens
}

// Key decodes the configured encryption key into the 32-byte form the store
// needs. Empty keys are an error: tokens are never stored in the clear.
func (d *DatabaseConfig) Key() ([32]byte, error) {
	var key [32]byte
	raw, err := hex.DecodeString(d.EncryptionKey)
	if err != nil {
		return key, fmt.Errorf("database encryption_key is not hex: %w", err)
	}
	if len(raw) != 32 {
		return key, fmt.Errorf("database encryption_key must be 32 bytes (64 hex chars), got %d", len(raw))
	}
	copy(key[:], raw)
	return key, nil
}

// TemporalConfig contains workflow engine connection settings.
type TemporalConfig struct {
	Address   string `mapstructure:"address"`
	Namespace string `mapstructure:"namespace"`
	TaskQueue string `mapstructure:"task_queue"`
}

// WorkspaceConfig contains host-side workspace settings.
type WorkspaceConfig struct {
	Root string `mapstructure:"root"` // host directory for per-run workspaces
}

// ProxyConfig describes how containers reach the secrets proxy.
type ProxyConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// ContainerConfig contains agent container settings.
type ContainerConfig struct {
	Image           string `mapstructure:"image"`
	MemoryBytes     int64  `mapstructure:"memory_bytes"`
	CPUQuota        int64  `mapstructure:"cpu_quota"`
	CPUPeriod       int64  `mapstructure:"cpu_period"`
	PidsLimit       int64  `mapstructure:"pids_limit"`
	ExecTimeout     string `mapstructure:"exec_timeout"`
	ClaudeConfigDir string `mapstructure:"claude_config_dir"` // enables subscription auth mode when set
}

// GitHubConfig contains optional GitHub App credentials used to mint
// installation tokens into the store.
type GitHubConfig struct {
	AppID          int64  `mapstructure:"app_id"`
	InstallationID int64  `mapstructure:"installation_id"`
	PrivateKeyPath string `mapstructure:"private_key_path"`
}

// Load loads configuration from file and environment.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(cfg)

	return cfg, nil
}

// applyDefaults sets default values for unset fields.
func applyDefaults(cfg *Config) {
	if cfg.Env == "" {
		cfg.Env = "development"
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = "paid.db"
	}

	if cfg.Temporal.Address == "" {
		cfg.Temporal.Address = "127.0.0.1:7233"
	}
	if cfg.Temporal.Namespace == "" {
		cfg.Temporal.Namespace = "default"
	}
	if cfg.Temporal.TaskQueue == "" {
		cfg.Temporal.TaskQueue = "paid-engine"
	}

	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = "/var/paid/workspaces"
	}

	if cfg.Proxy.Host == "" {
		cfg.Proxy.Host = "host.docker.internal"
	}
	if cfg.Proxy.Port == 0 {
		cfg.Proxy.Port = 3000
	}

	if cfg.Container.Image == "" {
		cfg.Container.Image = "paid-agent:latest"
	}
	if cfg.Container.MemoryBytes == 0 {
		cfg.Container.MemoryBytes = 2 << 30 // 2 GiB
	}
	if cfg.Container.CPUQuota == 0 {
		cfg.Container.CPUQuota = 200000
	}
	if cfg.Container.CPUPeriod == 0 {
		cfg.Container.CPUPeriod = 100000
	}
	if cfg.Container.PidsLimit == 0 {
		cfg.Container.PidsLimit = 500
	}
	if cfg.Container.ExecTimeout == "" {
		cfg.Container.ExecTimeout = "10m"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Env != "development" && c.Env != "production" {
		return fmt.Errorf("invalid env: %s (must be development or production)", c.Env)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Temporal.Address == "" {
		return fmt.Errorf("temporal address is required")
	}

	if c.Proxy.Port <= 0 || c.Proxy.Port > 65535 {
		return fmt.Errorf("invalid proxy port: %d", c.Proxy.Port)
	}

	if c.Database.EncryptionKey != "" {
		if _, err := c.Database.Key(); err != nil {
			return err
		}
	}

	if c.Container.ExecTimeout != "" {
		if _, err := time.ParseDuration(c.Container.ExecTimeout); err != nil {
			return fmt.Errorf("invalid exec_timeout: %w", err)
		}
	}

	return nil
}

// Production reports whether the engine runs with production policy
// (firewall apply failures are fatal, agent network is internal).
func (c *Config) Production() bool {
	return c.Env == "production"
}

// ExecTimeout returns the parsed per-command exec timeout.
func (c *Config) ExecTimeout() time.Duration {
	d, err := time.ParseDuration(c.Container.ExecTimeout)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}
