// Package main is the entry point for the sandrun utility.
//
// sandrun tests a stored solution in an isolated sandbox: it retrieves the
// solution from the registry, picks the best available isolation provider
// (macOS sandbox-exec profiles or Docker containers), runs the solution's
// command while streaming its output, prints the structured result, and
// cleans everything up.
//
// The application uses Uber's fx framework for dependency injection and
// lifecycle management, with zap for structured logging and viper for
// configuration.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/isdmx/sandrun/config"
	"github.com/isdmx/sandrun/logger"
	"github.com/isdmx/sandrun/registry"
	"github.com/isdmx/sandrun/sandbox"
)

func newStorage(cfg *config.Config) (registry.Storage, error) {
	return registry.Open(cfg.Registry.DBPath)
}

func newFactory(cfg *config.Config, log *zap.Logger) *sandbox.Factory {
	factory := sandbox.NewFactory(log,
		sandbox.WithDefaultProvider(cfg.Sandbox.DefaultProvider))
	factory.Register(sandbox.NewProcessProvider(log))
	factory.Register(sandbox.NewDockerProvider(log))
	return factory
}

func newRunner(cfg *config.Config, log *zap.Logger, storage registry.Storage, factory *sandbox.Factory) *sandbox.Runner {
	return sandbox.NewRunner(log, storage, factory,
		sandbox.WithMaxConcurrent(cfg.Sandbox.MaxConcurrent),
		sandbox.WithRunDefaults(sandbox.RunConfig{
			Timeout:     cfg.GetTimeout(),
			MemoryLimit: cfg.Sandbox.MemoryLimit,
			CPULimit:    cfg.Sandbox.CPULimit,
			DockerImage: cfg.Sandbox.DockerImage,
			NetworkMode: cfg.Sandbox.NetworkMode,
			GPUEnabled:  cfg.Sandbox.GPUEnabled,
			GPUCount:    cfg.Sandbox.GPUCount,
		}))
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: sandrun <solution-id>")
		os.Exit(2)
	}
	solutionID := os.Args[1]

	app := fx.New(
		fx.Provide(
			config.New,
			logger.NewFromConfig,
			newStorage,
			newFactory,
			newRunner,
		),

		fx.Invoke(func(runner *sandbox.Runner, log *zap.Logger, shutdowner fx.Shutdowner) {
			go func() {
				code := run(context.Background(), runner, log, solutionID)
				_ = shutdowner.Shutdown(fx.ExitCode(code))
			}()
		}),

		// Use the application logger for fx logs
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log}
		}),
	)

	app.Run()
}

// run drives one solution through the sandbox lifecycle and reports
// the process exit code.
func run(ctx context.Context, runner *sandbox.Runner, log *zap.Logger, solutionID string) int {
	sandboxID, err := runner.TestSolution(ctx, solutionID, sandbox.RunConfig{})
	if err != nil {
		log.Error("failed to prepare sandbox", zap.String("solution_id", solutionID), zap.Error(err))
		return 1
	}
	defer func() {
		if _, err := runner.Cleanup(ctx, sandboxID); err != nil {
			log.Warn("cleanup failed", zap.String("sandbox_id", sandboxID), zap.Error(err))
		}
	}()

	lines, err := runner.Execute(ctx, sandboxID, nil)
	if err != nil {
		log.Error("failed to execute", zap.String("sandbox_id", sandboxID), zap.Error(err))
		return 1
	}
	for line := range lines {
		fmt.Printf("[%s] %s\n", line.Stream, line.Text)
	}

	result, err := runner.GetResults(ctx, sandboxID)
	if err != nil {
		log.Error("failed to collect results", zap.String("sandbox_id", sandboxID), zap.Error(err))
		return 1
	}

	summary, err := json.MarshalIndent(map[string]any{
		"sandbox_id":     result.SandboxID,
		"status":         result.Status,
		"exit_code":      result.ExitCode,
		"execution_time": result.ExecutionTime,
		"errors":         result.Errors,
		"metrics":        result.Metrics,
	}, "", "  ")
	if err != nil {
		log.Error("failed to encode result", zap.Error(err))
		return 1
	}
	fmt.Println(string(summary))

	if result.Status != sandbox.StatusCompleted {
		return 1
	}
	return 0
}
