// Package config loads messagebus server configuration from an optional
// YAML file with defaults and environment overrides. There is no persisted
// state; configuration covers only the listen address and logging.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Environment variables overriding file values.
const (
	envHost     = "MESSAGEBUS_HOST"
	envPort     = "MESSAGEBUS_PORT"
	envLogLevel = "MESSAGEBUS_LOG_LEVEL"
)

// Config holds the messagebus server settings.
type Config struct {
	Host     string `yaml:"host"`      // Listen host (default "0.0.0.0")
	Port     int    `yaml:"port"`      // Listen port (default 8000)
	LogLevel string `yaml:"log_level"` // zerolog level name (default "info")
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	return &Config{
		Host:     "0.0.0.0",
		Port:     8000,
		LogLevel: "info",
	}
}

// Load reads a YAML configuration file, applies defaults for unset fields,
// applies environment overrides, and validates the result.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// FromEnv returns the default configuration with environment overrides
// applied, for deployments that run without a config file.
func FromEnv() (*Config, error) {
	config := Default()
	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func (c *Config) applyEnv() error {
	if host := os.Getenv(envHost); host != "" {
		c.Host = host
	}
	if port := os.Getenv(envPort); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", envPort, port, err)
		}
		c.Port = p
	}
	if level := os.Getenv(envLogLevel); level != "" {
		c.LogLevel = level
	}
	return nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	return nil
}
