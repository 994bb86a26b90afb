// Package config loads the Broker's YAML configuration file. Adapted from
// the teacher's internal/config/config.go (os.ReadFile + yaml.Unmarshal +
// ApplyDefaults), repointed from cellorg's pool/cells orchestration shape to
// the Broker's listener/capacity/logging knobs.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the Broker's top-level configuration.
type Config struct {
	AppName string `yaml:"app_name"`
	Debug   bool   `yaml:"debug"`

	Listener ListenerConfig `yaml:"listener"`
	Limits   LimitsConfig   `yaml:"limits"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ListenerConfig configures the TCP address of the stream-socket MTP
// endpoint Services and Controllers connect to.
type ListenerConfig struct {
	Address string `yaml:"address"`
}

// LimitsConfig bounds the Service Registry (spec §4.1).
type LimitsConfig struct {
	MaxServices int `yaml:"max_services"`
	MaxGroups   int `yaml:"max_groups"`
}

// LoggingConfig configures internal/logging.
type LoggingConfig struct {
	Dir   string `yaml:"dir"`
	Quiet bool   `yaml:"quiet"`
}

// Load reads and parses filename, filling in defaults for anything unset.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()

	if cfg.Limits.MaxServices < 0 {
		return nil, fmt.Errorf("limits.max_services cannot be negative: %d", cfg.Limits.MaxServices)
	}
	if cfg.Limits.MaxGroups < 0 {
		return nil, fmt.Errorf("limits.max_groups cannot be negative: %d", cfg.Limits.MaxGroups)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.AppName == "" {
		c.AppName = "uspbroker"
	}
	if c.Listener.Address == "" {
		c.Listener.Address = ":9876"
	}
	if c.Limits.MaxServices == 0 {
		c.Limits.MaxServices = 256
	}
	if c.Limits.MaxGroups == 0 {
		c.Limits.MaxGroups = 256
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "./logs"
	}
}
