package sandbox

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced to callers of the runner and factory. Errors that
// occur after a sandbox exists are recorded on its Result instead.
var (
	// ErrNoProviderAvailable means no registered backend satisfies the
	// requirements on this host.
	ErrNoProviderAvailable = errors.New("no sandbox provider available")

	// ErrSolutionNotFound means the registry has no record for the ID.
	ErrSolutionNotFound = errors.New("solution not found")

	// ErrConcurrencyLimit means the global sandbox ceiling is reached.
	ErrConcurrencyLimit = errors.New("concurrency limit exceeded")

	// ErrSandboxNotFound means no active sandbox has the given ID.
	ErrSandboxNotFound = errors.New("sandbox not found")

	// ErrNotExecutable means the sandbox is not in a state that accepts
	// an execute call (already run, or cleaned).
	ErrNotExecutable = errors.New("sandbox is not ready to execute")
)

// PreparationError wraps a staging failure. When returned, the provider has
// already released any partially allocated resources.
type PreparationError struct {
	Provider string
	Err      error
}

func (e *PreparationError) Error() string {
	return fmt.Sprintf("%s: preparation failed: %v", e.Provider, e.Err)
}

func (e *PreparationError) Unwrap() error { return e.Err }
