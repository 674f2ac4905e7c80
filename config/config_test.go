package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
		Sandbox: SandboxConfig{
			DefaultProvider: "docker",
			TimeoutSec:      300,
			MemoryLimit:     "4g",
			CPULimit:        4,
			MaxConcurrent:   10,
			DockerImage:     "python:3.11-slim",
			NetworkMode:     "bridge",
		},
		Registry: RegistryConfig{
			DBPath: "sandrun_registry.db",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		err := validConfig().validate()
		require.NoError(t, err)
	})

	t.Run("InvalidLoggingMode", func(t *testing.T) {
		cfg := validConfig()
		cfg.Logging.Mode = "invalid_mode"
		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid logging.mode")
	})

	t.Run("InvalidTimeout", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.TimeoutSec = 0
		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sandbox.timeout_sec must be positive")
	})

	t.Run("EmptyMemoryLimit", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.MemoryLimit = ""
		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sandbox.memory_limit")
	})

	t.Run("InvalidCPULimit", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.CPULimit = -1
		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sandbox.cpu_limit must be positive")
	})

	t.Run("InvalidMaxConcurrent", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.MaxConcurrent = 0
		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sandbox.max_concurrent must be positive")
	})

	t.Run("GPUEnabledWithoutCount", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.GPUEnabled = true
		cfg.Sandbox.GPUCount = 0
		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "sandbox.gpu_count must be positive")
	})

	t.Run("GPUEnabledWithCount", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.GPUEnabled = true
		cfg.Sandbox.GPUCount = 2
		require.NoError(t, cfg.validate())
	})

	t.Run("EmptyDBPath", func(t *testing.T) {
		cfg := validConfig()
		cfg.Registry.DBPath = ""
		err := cfg.validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "registry.db_path")
	})
}

func TestConfigGetTimeout(t *testing.T) {
	cfg := validConfig()
	assert.Equal(t, 300*time.Second, cfg.GetTimeout())

	cfg.Sandbox.TimeoutSec = 5
	assert.Equal(t, 5*time.Second, cfg.GetTimeout())
}
