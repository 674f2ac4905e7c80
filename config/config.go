package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Registry RegistryConfig `mapstructure:"registry"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// SandboxConfig holds sandbox execution defaults. Per-run overrides are
// supplied through sandbox.RunConfig; these values apply when a run leaves
// them unset.
type SandboxConfig struct {
	DefaultProvider string  `mapstructure:"default_provider"`
	TimeoutSec      int     `mapstructure:"timeout_sec"`
	MemoryLimit     string  `mapstructure:"memory_limit"`
	CPULimit        float64 `mapstructure:"cpu_limit"`
	MaxConcurrent   int     `mapstructure:"max_concurrent"`
	DockerImage     string  `mapstructure:"docker_image"`
	NetworkMode     string  `mapstructure:"network_mode"`
	GPUEnabled      bool    `mapstructure:"gpu_enabled"`
	GPUCount        int     `mapstructure:"gpu_count"`
}

// RegistryConfig holds solution registry configuration
type RegistryConfig struct {
	DBPath string `mapstructure:"db_path"`
}

// New loads and validates the application configuration
func New() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	// Set default values
	viper.SetDefault("logging.mode", "production")
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("sandbox.default_provider", "docker")
	viper.SetDefault("sandbox.timeout_sec", 300)
	viper.SetDefault("sandbox.memory_limit", "4g")
	viper.SetDefault("sandbox.cpu_limit", 4)
	viper.SetDefault("sandbox.max_concurrent", 10)
	viper.SetDefault("sandbox.docker_image", "python:3.11-slim")
	viper.SetDefault("sandbox.network_mode", "bridge")
	viper.SetDefault("sandbox.gpu_enabled", false)
	viper.SetDefault("sandbox.gpu_count", 0)
	viper.SetDefault("registry.db_path", "sandrun_registry.db")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.MemoryLimit == "" {
		return fmt.Errorf("sandbox.memory_limit must not be empty")
	}

	if c.Sandbox.CPULimit <= 0 {
		return fmt.Errorf("sandbox.cpu_limit must be positive, got: %v", c.Sandbox.CPULimit)
	}

	if c.Sandbox.MaxConcurrent <= 0 {
		return fmt.Errorf("sandbox.max_concurrent must be positive, got: %d", c.Sandbox.MaxConcurrent)
	}

	if c.Sandbox.GPUEnabled && c.Sandbox.GPUCount <= 0 {
		return fmt.Errorf("sandbox.gpu_count must be positive when gpu_enabled is set, got: %d", c.Sandbox.GPUCount)
	}

	if c.Registry.DBPath == "" {
		return fmt.Errorf("registry.db_path must not be empty")
	}

	return nil
}

// GetTimeout returns the default execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}
