package sandbox

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// containerPrefix names containers so leaked ones are identifiable.
const containerPrefix = "sandrun-"

// cpuSampleInterval separates the two cgroup snapshots used for the CPU
// percentage computation.
const cpuSampleInterval = 100 * time.Millisecond

// DockerProvider is the full-isolation backend. It keeps one long-lived
// container per sandbox with the staged directories bind-mounted, executes
// commands through docker exec, and enforces memory/CPU limits and optional
// GPU passthrough. All engine interaction is via the docker CLI; no repo
// state survives Cleanup.
type DockerProvider struct {
	logger    *zap.Logger
	cmdRunner CommandRunner

	mu        sync.Mutex
	instances map[string]*instance
}

// DockerProviderOption defines a functional option for DockerProvider
type DockerProviderOption func(*DockerProvider)

// WithDockerCommandRunner sets the CommandRunner for DockerProvider
func WithDockerCommandRunner(cmdRunner CommandRunner) DockerProviderOption {
	return func(d *DockerProvider) {
		d.cmdRunner = cmdRunner
	}
}

// NewDockerProvider creates the container-isolation provider.
func NewDockerProvider(logger *zap.Logger, opts ...DockerProviderOption) *DockerProvider {
	d := &DockerProvider{
		logger:    logger,
		cmdRunner: &RealCommandRunner{},
		instances: make(map[string]*instance),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *DockerProvider) Name() string { return "docker" }

// IsAvailable pings the engine daemon.
func (d *DockerProvider) IsAvailable(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, _, exitCode, err := d.cmdRunner.RunCommand(probeCtx, []string{"docker", "version", "--format", "{{.Server.Version}}"})
	return err == nil && exitCode == 0
}

func (d *DockerProvider) Capabilities() Capabilities {
	return Capabilities{
		Platform:       "any",
		IsolationLevel: IsolationContainer,
		Network:        true,
		GPU:            true,
		Persistent:     true,
		MaxMemory:      "64g",
		MaxCPU:         runtime.NumCPU(),
	}
}

// Prepare stages the host directory layout, pulls the base image when
// absent, and starts a keep-alive container with the three directories
// bind-mounted. On any failure everything staged so far is removed.
func (d *DockerProvider) Prepare(ctx context.Context, solutionID, solutionPath string, cfg RunConfig) (string, error) {
	cfg = cfg.Normalized()

	root, err := os.MkdirTemp("", "sandrun-docker-*")
	if err != nil {
		return "", &PreparationError{Provider: d.Name(), Err: err}
	}

	fail := func(err error) (string, error) {
		os.RemoveAll(root)
		return "", &PreparationError{Provider: d.Name(), Err: err}
	}

	dirs, err := stageDirs(root)
	if err != nil {
		return fail(err)
	}
	if err := copyTree(solutionPath, dirs.Solution); err != nil {
		return fail(fmt.Errorf("copying solution files: %w", err))
	}

	if err := d.ensureImage(ctx, cfg.DockerImage); err != nil {
		return fail(err)
	}

	id := uuid.NewString()
	containerName := containerPrefix + id[:8]

	runArgs := buildRunArgs(containerName, dirs, cfg)
	stdout, stderr, exitCode, err := d.cmdRunner.RunCommand(ctx, runArgs)
	if err != nil {
		return fail(fmt.Errorf("starting container: %w", err))
	}
	if exitCode != 0 {
		return fail(fmt.Errorf("starting container: %s", strings.TrimSpace(stderr+stdout)))
	}

	inst := &instance{
		id:            id,
		solutionID:    solutionID,
		dirs:          dirs,
		cfg:           cfg,
		status:        StatusReady,
		containerName: containerName,
	}

	d.mu.Lock()
	d.instances[id] = inst
	d.mu.Unlock()

	d.logger.Info("prepared docker sandbox",
		zap.String("sandbox_id", id),
		zap.String("solution_id", solutionID),
		zap.String("container", containerName),
		zap.String("image", cfg.DockerImage))

	return id, nil
}

// ensureImage pulls the image when it is not present locally.
func (d *DockerProvider) ensureImage(ctx context.Context, image string) error {
	_, _, exitCode, err := d.cmdRunner.RunCommand(ctx, []string{"docker", "image", "inspect", image})
	if err == nil && exitCode == 0 {
		return nil
	}

	d.logger.Info("pulling image", zap.String("image", image))
	_, stderr, exitCode, err := d.cmdRunner.RunCommand(ctx, []string{"docker", "pull", image})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", image, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("pulling image %s: %s", image, strings.TrimSpace(stderr))
	}
	return nil
}

// buildRunArgs assembles the keep-alive container invocation: bind mounts
// (solution read-only), resource limits, network mode, and GPU requests.
func buildRunArgs(containerName string, dirs instanceDirs, cfg RunConfig) []string {
	args := []string{
		"docker", "run", "-d",
		"--name", containerName,
		"-v", dirs.Solution + ":/sandbox/solution:ro",
		"-v", dirs.Workspace + ":/sandbox/workspace",
		"-v", dirs.Output + ":/sandbox/output",
		"-w", "/sandbox",
		"--memory", cfg.MemoryLimit,
		"--cpus", strconv.FormatFloat(cfg.CPULimit, 'f', -1, 64),
		"--security-opt", "no-new-privileges:true",
		"--network", cfg.NetworkMode,
	}

	if cfg.GPUEnabled && cfg.GPUCount > 0 {
		args = append(args, "--gpus", strconv.Itoa(cfg.GPUCount))
	}

	for key, value := range cfg.Environment {
		args = append(args, "-e", fmt.Sprintf("%s=%s", key, value))
	}

	args = append(args, cfg.DockerImage, "sleep", "infinity")
	return args
}

// Execute runs the command inside the running container, streaming
// demultiplexed output. The wrapped shell writes the command's exit status
// into the bind-mounted output directory, where it is retrieved after the
// primary command completes.
func (d *DockerProvider) Execute(ctx context.Context, sandboxID string, command []string, timeout time.Duration) (<-chan OutputLine, error) {
	inst, err := d.lookup(sandboxID)
	if err != nil {
		return nil, err
	}
	if inst.getStatus() != StatusReady {
		return nil, fmt.Errorf("%w: status %s", ErrNotExecutable, inst.getStatus())
	}
	if len(command) == 0 {
		return nil, fmt.Errorf("no command provided")
	}

	wrapped := fmt.Sprintf("%s; echo $? > /sandbox/output/.exit_code", strings.Join(command, " "))

	args := []string{"exec", "-w", "/sandbox"}
	for key, value := range inst.cfg.Environment {
		args = append(args, "-e", fmt.Sprintf("%s=%s", key, value))
	}
	args = append(args, inst.containerName, "sh", "-c", wrapped)
	cmd := exec.Command("docker", args...) //nolint:gosec // container name is provider-owned

	inst.mu.Lock()
	inst.status = StatusRunning
	inst.startTime = time.Now()
	inst.mu.Unlock()

	kill := func() {
		// Background context: the kill must run even when the caller's
		// context is already done.
		killCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, stderr, code, killErr := d.cmdRunner.RunCommand(killCtx, []string{"docker", "kill", inst.containerName}); killErr != nil || code != 0 {
			d.logger.Warn("failed to kill container",
				zap.String("container", inst.containerName),
				zap.String("stderr", stderr),
				zap.Error(killErr))
		}
	}

	finalize := func(waitErr error, timedOut, canceled bool) {
		d.finishExecution(inst, waitErr, timedOut, canceled, timeout)
	}

	out, err := runStreaming(ctx, inst, cmd, timeout, kill, finalize)
	if err != nil {
		inst.mu.Lock()
		inst.status = StatusFailed
		inst.endTime = time.Now()
		inst.errs = append(inst.errs, fmt.Sprintf("failed to start docker exec: %v", err))
		inst.mu.Unlock()

		closed := make(chan OutputLine)
		close(closed)
		return closed, nil
	}

	return out, nil
}

func (d *DockerProvider) finishExecution(inst *instance, waitErr error, timedOut, canceled bool, timeout time.Duration) {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	inst.endTime = time.Now()

	switch {
	case timedOut:
		inst.status = StatusTimeout
		inst.errs = append(inst.errs, fmt.Sprintf("execution timed out after %s; container killed", timeout))
		return
	case canceled:
		inst.status = StatusFailed
		inst.errs = append(inst.errs, "execution canceled; container killed")
		return
	}

	// Follow-up exit code retrieval: the wrapped shell wrote it into the
	// bind-mounted output directory.
	code, readErr := readExitCode(filepath.Join(inst.dirs.Output, ".exit_code"))
	if readErr != nil {
		inst.status = StatusFailed
		if waitErr != nil {
			inst.errs = append(inst.errs, fmt.Sprintf("exec failed: %v", waitErr))
		} else {
			inst.errs = append(inst.errs, fmt.Sprintf("retrieving exit code: %v", readErr))
		}
		return
	}

	inst.exitCode = &code
	if code == 0 {
		inst.status = StatusCompleted
	} else {
		inst.status = StatusFailed
		inst.errs = append(inst.errs, fmt.Sprintf("command exited with status %d", code))
	}
}

func readExitCode(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parsing exit code %q: %w", strings.TrimSpace(string(raw)), err)
	}
	return code, nil
}

// GetResult returns the accumulated output plus live resource metrics
// sampled from the container's cgroup counters.
func (d *DockerProvider) GetResult(ctx context.Context, sandboxID string) (*Result, error) {
	inst, err := d.lookup(sandboxID)
	if err != nil {
		return nil, err
	}

	result := inst.snapshot()
	if inst.getStatus() != StatusCleaned {
		d.sampleMetrics(ctx, inst, result.Metrics)
	}
	return result, nil
}

// sampleMetrics reads memory.current once and cpu.stat twice, deriving
// cpu_percent from the usage delta over the elapsed system time. Sampling
// failures leave the metrics absent; they never fail the result.
func (d *DockerProvider) sampleMetrics(ctx context.Context, inst *instance, metrics map[string]any) {
	if mem, ok := d.readCgroupInt(ctx, inst.containerName, "/sys/fs/cgroup/memory.current"); ok {
		metrics["memory_usage_bytes"] = mem
	}

	first, ok := d.readCPUUsage(ctx, inst.containerName)
	if !ok {
		return
	}
	sampledAt := time.Now()
	time.Sleep(cpuSampleInterval)
	second, ok := d.readCPUUsage(ctx, inst.containerName)
	if !ok {
		return
	}

	cpuDelta := float64(second-first) * float64(time.Microsecond)
	systemDelta := float64(time.Since(sampledAt)) * float64(runtime.NumCPU())
	metrics["cpu_percent"] = computeCPUPercent(cpuDelta, systemDelta)
}

// computeCPUPercent implements cpu_percent = (cpu_delta/system_delta)*100,
// guarded against a zero or negative system delta.
func computeCPUPercent(cpuDelta, systemDelta float64) float64 {
	if systemDelta <= 0 || cpuDelta < 0 {
		return 0
	}
	return cpuDelta / systemDelta * 100
}

func (d *DockerProvider) readCgroupInt(ctx context.Context, container, path string) (int64, bool) {
	stdout, _, exitCode, err := d.cmdRunner.RunCommand(ctx, []string{"docker", "exec", container, "cat", path})
	if err != nil || exitCode != 0 {
		return 0, false
	}
	v, err := strconv.ParseInt(strings.TrimSpace(stdout), 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (d *DockerProvider) readCPUUsage(ctx context.Context, container string) (int64, bool) {
	stdout, _, exitCode, err := d.cmdRunner.RunCommand(ctx, []string{"docker", "exec", container, "cat", "/sys/fs/cgroup/cpu.stat"})
	if err != nil || exitCode != 0 {
		return 0, false
	}
	return parseCPUStat(stdout)
}

// parseCPUStat extracts usage_usec from cgroup-v2 cpu.stat content.
func parseCPUStat(content string) (int64, bool) {
	for _, line := range strings.Split(content, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "usage_usec" {
			v, err := strconv.ParseInt(fields[1], 10, 64)
			if err != nil {
				return 0, false
			}
			return v, true
		}
	}
	return 0, false
}

// Cleanup stops (graceful, then forced) and removes the container, then
// deletes the host-side directory tree.
func (d *DockerProvider) Cleanup(ctx context.Context, sandboxID string) (bool, error) {
	d.mu.Lock()
	inst, ok := d.instances[sandboxID]
	if !ok {
		d.mu.Unlock()
		return false, nil
	}
	delete(d.instances, sandboxID)
	d.mu.Unlock()

	var firstErr error

	if _, stderr, exitCode, err := d.cmdRunner.RunCommand(ctx, []string{"docker", "stop", "-t", "2", inst.containerName}); err != nil || exitCode != 0 {
		d.logger.Warn("failed to stop container",
			zap.String("container", inst.containerName),
			zap.String("stderr", stderr),
			zap.Error(err))
	}
	if _, stderr, exitCode, err := d.cmdRunner.RunCommand(ctx, []string{"docker", "rm", "-f", inst.containerName}); err != nil || exitCode != 0 {
		d.logger.Error("failed to remove container",
			zap.String("container", inst.containerName),
			zap.String("stderr", stderr),
			zap.Error(err))
		firstErr = fmt.Errorf("removing container %s: %s", inst.containerName, strings.TrimSpace(stderr))
	}

	inst.setStatus(StatusCleaned)
	if err := os.RemoveAll(inst.dirs.Root); err != nil {
		d.logger.Error("failed to remove sandbox directory",
			zap.String("sandbox_id", sandboxID),
			zap.String("root", inst.dirs.Root),
			zap.Error(err))
		if firstErr == nil {
			firstErr = fmt.Errorf("removing sandbox directory: %w", err)
		}
	}

	if firstErr != nil {
		return false, firstErr
	}

	d.logger.Info("cleaned docker sandbox",
		zap.String("sandbox_id", sandboxID),
		zap.String("container", inst.containerName))
	return true, nil
}

// Stop gracefully halts the container without removing it or the staged
// directories.
func (d *DockerProvider) Stop(ctx context.Context, sandboxID string) (bool, error) {
	inst, err := d.lookup(sandboxID)
	if err != nil {
		return false, err
	}
	_, stderr, exitCode, err := d.cmdRunner.RunCommand(ctx, []string{"docker", "stop", "-t", "2", inst.containerName})
	if err != nil {
		return false, err
	}
	if exitCode != 0 {
		return false, fmt.Errorf("stopping container %s: %s", inst.containerName, strings.TrimSpace(stderr))
	}
	return true, nil
}

func (d *DockerProvider) lookup(sandboxID string) (*instance, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	inst, ok := d.instances[sandboxID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSandboxNotFound, sandboxID)
	}
	return inst, nil
}
