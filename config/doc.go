// Package config provides application configuration management.
//
// The config package handles loading and validation of the application's
// configuration from YAML files. It supports configuration for logging,
// sandbox execution defaults (timeouts, resource limits, concurrency), and
// the solution registry location.
//
// Usage:
//
//	cfg, err := config.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Printf("Default provider: %s\n", cfg.Sandbox.DefaultProvider)
package config
