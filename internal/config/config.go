// Package config loads the server configuration from zangetsu.yaml and
// watches it for changes.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds the settings for one zangetsu server process.
type Config struct {
	ServerName   string `yaml:"server_name,omitempty"`
	Host         string `yaml:"host,omitempty"`
	Port         int    `yaml:"port,omitempty"`
	DatabaseRoot string `yaml:"database_root,omitempty"`

	LogLevel string `yaml:"log_level,omitempty"`
	LogFile  string `yaml:"log_file,omitempty"`

	// Replication settings. MasterHost/MasterPort are set on slaves.
	MasterHost           string `yaml:"master_host,omitempty"`
	MasterPort           int    `yaml:"master_port,omitempty"`
	ResultCheckThreshold int    `yaml:"result_check_threshold,omitempty"`

	// StatsInterval is the period of the debug stats log line, in seconds.
	// Zero disables it.
	StatsInterval int `yaml:"stats_interval,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return &Config{
		ServerName:           host,
		Host:                 "0.0.0.0",
		Port:                 6420,
		LogLevel:             "info",
		ResultCheckThreshold: 100,
	}
}

// Load reads path over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.ResultCheckThreshold <= 0 {
		cfg.ResultCheckThreshold = 100
	}
	return cfg, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// IsSlave reports whether this server replicates from a master.
func (c *Config) IsSlave() bool {
	return c.MasterHost != ""
}
