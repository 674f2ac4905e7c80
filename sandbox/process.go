package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// sandboxExecBinary is the macOS process-confinement tool the provider
// drives.
const sandboxExecBinary = "sandbox-exec"

// setProcessGroup places the command in its own process group so a kill
// reaches forked descendants, not just the direct child. Must be called
// before the command starts.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup forcibly terminates the command's whole process group.
// Descendants inherit the output pipe write ends; leaving them alive would
// keep the stream open after the direct child dies.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	if err == nil || err == syscall.ESRCH {
		return nil
	}
	return cmd.Process.Kill()
}

// ProcessProvider confines execution with the host's native
// process-isolation mechanism (sandbox-exec profiles on darwin). It is the
// lightweight backend: no container engine, no image pulls, but also no
// memory enforcement and single-platform.
type ProcessProvider struct {
	logger *zap.Logger
	goos   string

	mu        sync.Mutex
	instances map[string]*instance
	procs     map[string]*exec.Cmd
}

// ProcessProviderOption defines a functional option for ProcessProvider
type ProcessProviderOption func(*ProcessProvider)

// WithProcessPlatform overrides the host platform probe (used in tests).
func WithProcessPlatform(goos string) ProcessProviderOption {
	return func(p *ProcessProvider) {
		p.goos = goos
	}
}

// NewProcessProvider creates the process-isolation provider.
func NewProcessProvider(logger *zap.Logger, opts ...ProcessProviderOption) *ProcessProvider {
	p := &ProcessProvider{
		logger:    logger,
		goos:      runtime.GOOS,
		instances: make(map[string]*instance),
		procs:     make(map[string]*exec.Cmd),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *ProcessProvider) Name() string { return "process" }

// IsAvailable reports whether the host exposes the confinement tool.
func (p *ProcessProvider) IsAvailable(_ context.Context) bool {
	if p.goos != "darwin" {
		return false
	}
	_, err := exec.LookPath(sandboxExecBinary)
	return err == nil
}

func (p *ProcessProvider) Capabilities() Capabilities {
	return Capabilities{
		Platform:       "darwin",
		IsolationLevel: IsolationProcess,
		Network:        true,
		GPU:            false,
		Persistent:     false,
		MaxMemory:      "",
		MaxCPU:         0,
	}
}

// Prepare stages the directory tree and writes the isolation profile. No
// process is started. Partial failures remove everything already staged.
func (p *ProcessProvider) Prepare(_ context.Context, solutionID, solutionPath string, cfg RunConfig) (string, error) {
	cfg = cfg.Normalized()

	root, err := os.MkdirTemp("", "sandrun-proc-*")
	if err != nil {
		return "", &PreparationError{Provider: p.Name(), Err: err}
	}

	// The profile lives outside the instance tree: the staged root holds
	// exactly solution/, workspace/, and output/.
	profileFile, err := os.CreateTemp("", "sandrun-profile-*.sb")
	if err != nil {
		os.RemoveAll(root)
		return "", &PreparationError{Provider: p.Name(), Err: err}
	}
	profilePath := profileFile.Name()

	fail := func(err error) (string, error) {
		profileFile.Close()
		os.Remove(profilePath)
		os.RemoveAll(root)
		return "", &PreparationError{Provider: p.Name(), Err: err}
	}

	dirs, err := stageDirs(root)
	if err != nil {
		return fail(err)
	}
	if err := copyTree(solutionPath, dirs.Solution); err != nil {
		return fail(fmt.Errorf("copying solution files: %w", err))
	}

	allowNetwork := cfg.NetworkMode != "none"
	profile := buildProfile(dirs, cfg, allowNetwork)
	if _, err := profileFile.WriteString(profile); err != nil {
		return fail(fmt.Errorf("writing profile: %w", err))
	}
	if err := profileFile.Close(); err != nil {
		return fail(fmt.Errorf("writing profile: %w", err))
	}

	inst := &instance{
		id:          uuid.NewString(),
		solutionID:  solutionID,
		dirs:        dirs,
		cfg:         cfg,
		status:      StatusReady,
		profilePath: profilePath,
	}

	p.mu.Lock()
	p.instances[inst.id] = inst
	p.mu.Unlock()

	p.logger.Info("prepared process sandbox",
		zap.String("sandbox_id", inst.id),
		zap.String("solution_id", solutionID),
		zap.String("root", root))

	return inst.id, nil
}

// Execute launches the confinement tool with the generated profile and the
// target command, streaming output until completion or timeout.
func (p *ProcessProvider) Execute(ctx context.Context, sandboxID string, command []string, timeout time.Duration) (<-chan OutputLine, error) {
	inst, err := p.lookup(sandboxID)
	if err != nil {
		return nil, err
	}
	if inst.getStatus() != StatusReady {
		return nil, fmt.Errorf("%w: status %s", ErrNotExecutable, inst.getStatus())
	}
	if len(command) == 0 {
		return nil, fmt.Errorf("no command provided")
	}

	args := append([]string{"-f", inst.profilePath}, command...)
	cmd := exec.Command(sandboxExecBinary, args...) //nolint:gosec // profile path is provider-owned
	cmd.Dir = inst.dirs.Root
	cmd.Env = os.Environ()
	for key, value := range inst.cfg.Environment {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", key, value))
	}
	setProcessGroup(cmd)

	inst.mu.Lock()
	inst.status = StatusRunning
	inst.startTime = time.Now()
	inst.mu.Unlock()

	kill := func() {
		if killErr := killProcessGroup(cmd); killErr != nil {
			p.logger.Warn("failed to kill sandboxed process group",
				zap.String("sandbox_id", sandboxID), zap.Error(killErr))
		}
	}

	finalize := func(waitErr error, timedOut, canceled bool) {
		p.finishExecution(inst, waitErr, timedOut, canceled, timeout)
		p.mu.Lock()
		delete(p.procs, sandboxID)
		p.mu.Unlock()
	}

	out, err := runStreaming(ctx, inst, cmd, timeout, kill, finalize)
	if err != nil {
		// Start failure: the sandbox still exists, so the outcome is
		// recorded on the result rather than raised.
		inst.mu.Lock()
		inst.status = StatusFailed
		inst.endTime = time.Now()
		inst.errs = append(inst.errs, fmt.Sprintf("failed to start command: %v", err))
		inst.mu.Unlock()

		closed := make(chan OutputLine)
		close(closed)
		return closed, nil
	}

	p.mu.Lock()
	p.procs[sandboxID] = cmd
	p.mu.Unlock()

	return out, nil
}

func (p *ProcessProvider) finishExecution(inst *instance, waitErr error, timedOut, canceled bool, timeout time.Duration) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.endTime = time.Now()

	switch {
	case timedOut:
		inst.status = StatusTimeout
		inst.errs = append(inst.errs, fmt.Sprintf("execution timed out after %s; process killed", timeout))
	case canceled:
		inst.status = StatusFailed
		inst.errs = append(inst.errs, "execution canceled; process killed")
	case waitErr == nil:
		code := 0
		inst.exitCode = &code
		inst.status = StatusCompleted
	default:
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			code := exitErr.ExitCode()
			inst.exitCode = &code
			inst.status = StatusFailed
			inst.errs = append(inst.errs, fmt.Sprintf("command exited with status %d", code))
		} else {
			inst.status = StatusFailed
			inst.errs = append(inst.errs, fmt.Sprintf("execution failed: %v", waitErr))
		}
	}
}

// GetResult returns an immutable snapshot; repeated calls after completion
// return identical output.
func (p *ProcessProvider) GetResult(_ context.Context, sandboxID string) (*Result, error) {
	inst, err := p.lookup(sandboxID)
	if err != nil {
		return nil, err
	}
	return inst.snapshot(), nil
}

// Cleanup kills any still-running process, removes the directory tree
// (profile included), and drops the registry entry.
func (p *ProcessProvider) Cleanup(_ context.Context, sandboxID string) (bool, error) {
	p.mu.Lock()
	inst, ok := p.instances[sandboxID]
	if !ok {
		p.mu.Unlock()
		return false, nil
	}
	delete(p.instances, sandboxID)
	proc := p.procs[sandboxID]
	delete(p.procs, sandboxID)
	p.mu.Unlock()

	if proc != nil && proc.Process != nil && proc.ProcessState == nil {
		if err := killProcessGroup(proc); err != nil {
			p.logger.Warn("failed to kill process group during cleanup",
				zap.String("sandbox_id", sandboxID), zap.Error(err))
		}
	}

	inst.setStatus(StatusCleaned)
	if inst.profilePath != "" {
		if err := os.Remove(inst.profilePath); err != nil && !os.IsNotExist(err) {
			p.logger.Warn("failed to remove profile",
				zap.String("sandbox_id", sandboxID), zap.Error(err))
		}
	}
	if err := os.RemoveAll(inst.dirs.Root); err != nil {
		p.logger.Error("failed to remove sandbox directory",
			zap.String("sandbox_id", sandboxID),
			zap.String("root", inst.dirs.Root),
			zap.Error(err))
		return false, fmt.Errorf("removing sandbox directory: %w", err)
	}

	p.logger.Info("cleaned process sandbox", zap.String("sandbox_id", sandboxID))
	return true, nil
}

// Stop delegates to Cleanup; a confined process has nothing lighter to halt.
func (p *ProcessProvider) Stop(ctx context.Context, sandboxID string) (bool, error) {
	return p.Cleanup(ctx, sandboxID)
}

func (p *ProcessProvider) lookup(sandboxID string) (*instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	inst, ok := p.instances[sandboxID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSandboxNotFound, sandboxID)
	}
	return inst, nil
}
