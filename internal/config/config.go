// Package config handles reading and writing the installation's
// config.yml and loading provider credentials from .env.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level structure for config.yml at the install root.
type Config struct {
	Version    int            `yaml:"version"`
	Model      string         `yaml:"model"`
	Unattended bool           `yaml:"unattended"`
	Agent      AgentConfig    `yaml:"agent"`
	Approval   ApprovalConfig `yaml:"approval"`
}

// AgentConfig controls the child agent loop.
type AgentConfig struct {
	TickInterval   time.Duration `yaml:"tick_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	SystemPrompt   string        `yaml:"system_prompt"`
}

// ApprovalConfig controls unattended command approval.
type ApprovalConfig struct {
	// AllowlistPath is resolved relative to the install root when not
	// absolute.
	AllowlistPath string `yaml:"allowlist"`
}

const configFile = "config.yml"

// ReadConfig reads config.yml from the install root. A missing file
// yields the defaults.
func ReadConfig(root string) (*Config, error) {
	path := filepath.Join(root, configFile)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// WriteConfig writes cfg to config.yml in the install root.
// Creates the directory if it does not exist.
func WriteConfig(root string, cfg *Config) error {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("creating install directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshalling config: %w", err)
	}

	if err := os.WriteFile(filepath.Join(root, configFile), data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: 1,
		Model:   "openai:gpt-4o",
		Agent: AgentConfig{
			TickInterval:   2 * time.Second,
			RequestTimeout: 120 * time.Second,
		},
		Approval: ApprovalConfig{
			AllowlistPath: "allowlist.yml",
		},
	}
}

// AllowlistPath resolves the allowlist location against the install
// root.
func (c *Config) AllowlistPath(root string) string {
	p := c.Approval.AllowlistPath
	if p == "" {
		p = "allowlist.yml"
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(root, p)
}
