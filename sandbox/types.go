package sandbox

import (
	"strings"
	"sync"
	"time"
)

// Status is the lifecycle state of a sandbox instance.
type Status string

const (
	StatusPreparing Status = "preparing"
	StatusReady     Status = "ready"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCleaned   Status = "cleaned"
)

// Final reports whether the status is a terminal outcome of an execution.
func (s Status) Final() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// Stream name constants for OutputLine.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// OutputLine is one line of live output from an executing sandbox.
type OutputLine struct {
	Stream string
	Text   string
}

// Requirements are the declared resource and isolation needs derived once
// from a solution's metadata; they select exactly one provider per run and
// are never mutated afterwards.
type Requirements struct {
	NeedsNetwork     bool
	NeedsGPU         bool
	NeedsPersistence bool
	Platform         string
	MaxMemory        string
}

// Capabilities is a provider's static declaration of what it can do.
type Capabilities struct {
	Platform       string
	IsolationLevel IsolationLevel
	Network        bool
	GPU            bool
	Persistent     bool
	MaxMemory      string
	MaxCPU         int
}

// IsolationLevel classifies how strongly a provider confines execution.
type IsolationLevel string

const (
	IsolationProcess   IsolationLevel = "process"
	IsolationContainer IsolationLevel = "container"
)

// RunConfig carries per-run options. Zero values fall back to the defaults
// in Normalized.
type RunConfig struct {
	// Provider forces a named backend when set.
	Provider string
	// Timeout bounds a single execute call.
	Timeout time.Duration
	// MemoryLimit is a human-readable size, e.g. "4g".
	MemoryLimit string
	// CPULimit is the number of CPUs granted to the sandbox.
	CPULimit float64
	// Environment holds extra environment variables for the command.
	Environment map[string]string
	// SandboxRules is extra profile text appended verbatim to the
	// process-isolation profile.
	SandboxRules string
	// DockerImage overrides the container base image.
	DockerImage string
	GPUEnabled  bool
	GPUCount    int
	NetworkMode string
}

// Default run limits applied by RunConfig.Normalized.
const (
	DefaultTimeout     = 300 * time.Second
	DefaultMemoryLimit = "4g"
	DefaultCPULimit    = 4
	DefaultImage       = "python:3.11-slim"
	DefaultNetworkMode = "bridge"
)

// Normalized returns a copy with defaults filled in for unset fields.
func (c RunConfig) Normalized() RunConfig {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MemoryLimit == "" {
		c.MemoryLimit = DefaultMemoryLimit
	}
	if c.CPULimit <= 0 {
		c.CPULimit = DefaultCPULimit
	}
	if c.DockerImage == "" {
		c.DockerImage = DefaultImage
	}
	if c.NetworkMode == "" {
		c.NetworkMode = DefaultNetworkMode
	}
	return c
}

// Result is an immutable snapshot of a sandbox outcome. It is decoupled
// from the instance that produced it and remains valid after Cleanup.
type Result struct {
	SandboxID     string
	SolutionID    string
	Status        Status
	ExitCode      *int
	ExecutionTime float64
	Stdout        string
	Stderr        string
	Metrics       map[string]any
	Errors        []string
}

// instanceDirs is the staged directory layout of one sandbox.
type instanceDirs struct {
	Root      string
	Solution  string
	Workspace string
	Output    string
}

// instance is the mutable state of one sandbox run. It is owned exclusively
// by the provider that created it; its mutex guards the accumulators, which
// are written by the draining goroutines while GetResult may snapshot them.
type instance struct {
	id         string
	solutionID string
	dirs       instanceDirs
	cfg        RunConfig

	mu        sync.Mutex
	status    Status
	exitCode  *int
	stdout    strings.Builder
	stderr    strings.Builder
	errs      []string
	startTime time.Time
	endTime   time.Time

	// Backend-specific live handles; nil/empty once cleaned.
	profilePath   string
	containerName string
}

func (in *instance) setStatus(s Status) {
	in.mu.Lock()
	in.status = s
	in.mu.Unlock()
}

func (in *instance) getStatus() Status {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.status
}

func (in *instance) appendLine(line OutputLine) {
	in.mu.Lock()
	if line.Stream == StreamStderr {
		in.stderr.WriteString(line.Text)
		in.stderr.WriteByte('\n')
	} else {
		in.stdout.WriteString(line.Text)
		in.stdout.WriteByte('\n')
	}
	in.mu.Unlock()
}

func (in *instance) appendError(msg string) {
	in.mu.Lock()
	in.errs = append(in.errs, msg)
	in.mu.Unlock()
}

// snapshot produces the immutable result view of the instance.
func (in *instance) snapshot() *Result {
	in.mu.Lock()
	defer in.mu.Unlock()

	var execTime float64
	if !in.startTime.IsZero() && !in.endTime.IsZero() {
		execTime = in.endTime.Sub(in.startTime).Seconds()
	}

	var exitCode *int
	if in.exitCode != nil {
		v := *in.exitCode
		exitCode = &v
	}

	return &Result{
		SandboxID:     in.id,
		SolutionID:    in.solutionID,
		Status:        in.status,
		ExitCode:      exitCode,
		ExecutionTime: execTime,
		Stdout:        in.stdout.String(),
		Stderr:        in.stderr.String(),
		Metrics:       make(map[string]any),
		Errors:        append([]string(nil), in.errs...),
	}
}
