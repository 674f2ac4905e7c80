package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Provider is the capability contract every isolation backend implements.
// A provider owns the instances it creates: their state is never shared
// across providers, and a backend handle never outlives Cleanup.
type Provider interface {
	// Name returns the provider's registration name.
	Name() string

	// IsAvailable is a cheap, side-effect-free probe of host capability.
	// It never returns an error; any uncertainty reads as false.
	IsAvailable(ctx context.Context) bool

	// Capabilities is the provider's static declaration. No I/O.
	Capabilities() Capabilities

	// Prepare stages every resource needed for execution (directories,
	// profiles, containers) without running anything. On failure it
	// returns a *PreparationError and leaves no resources behind.
	Prepare(ctx context.Context, solutionID, solutionPath string, cfg RunConfig) (string, error)

	// Execute runs the command, streaming output lines until the command
	// finishes or the timeout expires. The stream is finite and not
	// restartable; channel close signals completion. On timeout the
	// underlying process or container is forcibly killed and awaited
	// before the channel closes, and the status becomes StatusTimeout.
	Execute(ctx context.Context, sandboxID string, command []string, timeout time.Duration) (<-chan OutputLine, error)

	// GetResult returns the accumulated output and final status. It is
	// idempotent and may be called any number of times.
	GetResult(ctx context.Context, sandboxID string) (*Result, error)

	// Cleanup releases everything allocated by Prepare and Execute. The
	// first call returns true; later calls return false without error.
	Cleanup(ctx context.Context, sandboxID string) (bool, error)

	// Stop is a best-effort graceful halt without full cleanup.
	Stop(ctx context.Context, sandboxID string) (bool, error)
}

// ProviderInfo describes a registered provider to callers of the runner.
type ProviderInfo struct {
	Name         string
	Capabilities Capabilities
	Available    bool
}

// CommandRunner defines an interface for executing buffered system commands.
// Streaming executions use os/exec directly; everything else goes through
// this seam so tests can substitute command outcomes.
type CommandRunner interface {
	RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct{}

// RunCommand executes the given command with arguments
func (RealCommandRunner) RunCommand(ctx context.Context, args []string) (stdout, stderr string, exitCode int, err error) {
	if len(args) < 1 {
		return "", "", 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // Safe as this is controlled input

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()

	exitCode = 0
	if err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			exitCode = exitError.ExitCode()
			err = nil
		} else {
			return "", "", 0, err
		}
	}

	return stdoutBuf.String(), stderrBuf.String(), exitCode, nil
}

// Directory and file permission constants shared by the providers.
const (
	dirPermission  = 0o755
	filePermission = 0o644
)

// stageDirs creates the canonical three-directory layout under root:
// solution/ (read-only payload), workspace/ (scratch), output/ (results).
func stageDirs(root string) (instanceDirs, error) {
	dirs := instanceDirs{
		Root:      root,
		Solution:  filepath.Join(root, "solution"),
		Workspace: filepath.Join(root, "workspace"),
		Output:    filepath.Join(root, "output"),
	}
	for _, d := range []string{dirs.Solution, dirs.Workspace, dirs.Output} {
		if err := os.MkdirAll(d, dirPermission); err != nil {
			return instanceDirs{}, fmt.Errorf("creating %s: %w", d, err)
		}
	}
	return dirs, nil
}

// copyTree copies the solution payload from src into dst, preserving the
// relative layout. Symlinks and devices are rejected; the payload is
// untrusted.
func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)
		switch {
		case fi.IsDir():
			return os.MkdirAll(target, dirPermission)
		case fi.Mode().IsRegular():
			return copyFile(path, target)
		default:
			return fmt.Errorf("unsupported file type in solution: %s", rel)
		}
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), dirPermission); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, filePermission)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
