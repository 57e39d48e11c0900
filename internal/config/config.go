// Package config handles keel-assist configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/keel-assist/config.yaml,
// /etc/keel-assist/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "keel-assist", "config.yaml"))
	}

	paths = append(paths, "/etc/keel-assist/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all keel-assist configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Assistant AssistantConfig `yaml:"assistant"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// GatewayConfig defines the connection to the text-completion capability.
// An empty BaseURL means the capability is unprovisioned; chat requests
// fail with a configuration error without attempting a run.
type GatewayConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// Configured reports whether the gateway has enough settings to be used.
func (g GatewayConfig) Configured() bool {
	return g.BaseURL != ""
}

// AssistantConfig tunes the orchestration loop.
type AssistantConfig struct {
	// MaxIterations bounds tool-execution rounds per run (default 5).
	MaxIterations int `yaml:"max_iterations"`
	// HistoryLimit is how many persisted turns are merged into a
	// continuity-enabled run (default 30).
	HistoryLimit int `yaml:"history_limit"`
	// SnapshotCap limits itemized listings in the priming snapshot;
	// anything beyond it is summarized as a count (default 20).
	SnapshotCap int `yaml:"snapshot_cap"`
}

// DirectoryDB returns the path of the firm directory database.
func (c *Config) DirectoryDB() string { return filepath.Join(c.DataDir, "directory.db") }

// ChannelDB returns the path of the conversation channel database.
func (c *Config) ChannelDB() string { return filepath.Join(c.DataDir, "channels.db") }

// UsageDB returns the path of the usage audit database.
func (c *Config) UsageDB() string { return filepath.Join(c.DataDir, "usage.db") }

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded before parsing, so secrets can stay out of it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:  ListenConfig{Port: 8090},
		DataDir: "data",
		Assistant: AssistantConfig{
			MaxIterations: 5,
			HistoryLimit:  30,
			SnapshotCap:   20,
		},
	}
}
