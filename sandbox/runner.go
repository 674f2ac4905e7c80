package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/sandrun/registry"
)

// DefaultMaxConcurrent is the global sandbox ceiling when not configured.
const DefaultMaxConcurrent = 10

// Runner is the public orchestration façade: it retrieves a solution,
// derives its isolation requirements, asks the factory for a provider,
// drives execution, and persists outcome metadata back to the registry.
type Runner struct {
	logger   *zap.Logger
	storage  registry.Storage
	factory  *Factory
	maxConc  int
	defaults RunConfig

	mu       sync.Mutex
	active   map[string]*activeSandbox
	reserved int
}

// activeSandbox is the runner's own bookkeeping for one run, kept
// independent of the provider's internal state.
type activeSandbox struct {
	solutionID   string
	provider     Provider
	providerName string
	status       Status
	startedAt    time.Time
	cfg          RunConfig
	command      []string
}

// RunnerOption defines a functional option for Runner
type RunnerOption func(*Runner)

// WithMaxConcurrent sets the global concurrency ceiling.
func WithMaxConcurrent(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.maxConc = n
		}
	}
}

// WithRunDefaults sets the defaults merged into every run's config.
func WithRunDefaults(cfg RunConfig) RunnerOption {
	return func(r *Runner) {
		r.defaults = cfg
	}
}

// NewRunner creates a runner over the given solution store and factory.
func NewRunner(logger *zap.Logger, storage registry.Storage, factory *Factory, opts ...RunnerOption) *Runner {
	r := &Runner{
		logger:  logger,
		storage: storage,
		factory: factory,
		maxConc: DefaultMaxConcurrent,
		active:  make(map[string]*activeSandbox),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TestSolution stages a sandbox for the solution and returns its ID. It
// fails fast with ErrConcurrencyLimit when the ceiling is reached, and with
// ErrSolutionNotFound when the registry has no such record.
func (r *Runner) TestSolution(ctx context.Context, solutionID string, cfg RunConfig) (string, error) {
	if err := r.reserve(); err != nil {
		return "", err
	}
	defer r.release()

	sol, err := r.storage.Retrieve(ctx, solutionID)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrSolutionNotFound, solutionID)
		}
		return "", fmt.Errorf("retrieving solution %s: %w", solutionID, err)
	}

	cfg = mergeRunConfig(r.defaults, cfg, sol)
	req := deriveRequirements(sol, cfg)

	provider, err := r.factory.GetProvider(ctx, req, cfg.Provider)
	if err != nil {
		return "", err
	}

	solutionPath, err := materializeSolution(sol)
	if err != nil {
		return "", fmt.Errorf("materializing solution %s: %w", solutionID, err)
	}
	defer os.RemoveAll(solutionPath)

	sandboxID, err := provider.Prepare(ctx, solutionID, solutionPath, cfg)
	if err != nil {
		return "", err
	}

	r.mu.Lock()
	r.active[sandboxID] = &activeSandbox{
		solutionID:   solutionID,
		provider:     provider,
		providerName: provider.Name(),
		status:       StatusReady,
		startedAt:    time.Now(),
		cfg:          cfg,
		command:      defaultCommand(sol),
	}
	r.mu.Unlock()

	r.logger.Info("sandbox prepared",
		zap.String("sandbox_id", sandboxID),
		zap.String("solution_id", solutionID),
		zap.String("provider", provider.Name()))

	return sandboxID, nil
}

// reserve claims a concurrency slot; release frees it once the sandbox is
// either registered in the active map or abandoned. Registered sandboxes
// themselves count against the ceiling until cleaned.
func (r *Runner) reserve() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.active)+r.reserved >= r.maxConc {
		return fmt.Errorf("%w: %d sandboxes active", ErrConcurrencyLimit, len(r.active)+r.reserved)
	}
	r.reserved++
	return nil
}

func (r *Runner) release() {
	r.mu.Lock()
	r.reserved--
	r.mu.Unlock()
}

// Execute runs a command in the prepared sandbox, resolving the solution's
// default run command when none is supplied.
func (r *Runner) Execute(ctx context.Context, sandboxID string, command []string) (<-chan OutputLine, error) {
	r.mu.Lock()
	entry, ok := r.active[sandboxID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSandboxNotFound, sandboxID)
	}
	if len(command) == 0 {
		command = entry.command
	}
	provider := entry.provider
	timeout := entry.cfg.Timeout
	r.mu.Unlock()

	if len(command) == 0 {
		return nil, fmt.Errorf("no command provided and solution declares none")
	}

	r.logger.Info("executing in sandbox",
		zap.String("sandbox_id", sandboxID),
		zap.Strings("command", command),
		zap.Duration("timeout", timeout))

	out, err := provider.Execute(ctx, sandboxID, command, timeout)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	entry.status = StatusRunning
	r.mu.Unlock()

	return out, nil
}

// GetResults merges the provider result with runner-level metadata and
// persists the outcome onto the solution's bounded test history. A failed
// persist is logged, never fatal.
func (r *Runner) GetResults(ctx context.Context, sandboxID string) (*Result, error) {
	r.mu.Lock()
	entry, ok := r.active[sandboxID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSandboxNotFound, sandboxID)
	}

	result, err := entry.provider.GetResult(ctx, sandboxID)
	if err != nil {
		return nil, err
	}

	if result.Metrics == nil {
		result.Metrics = make(map[string]any)
	}
	result.Metrics["provider"] = entry.providerName
	result.Metrics["started_at"] = entry.startedAt.UTC().Format(time.RFC3339)
	result.Metrics["timeout_sec"] = entry.cfg.Timeout.Seconds()
	result.Metrics["memory_limit"] = entry.cfg.MemoryLimit

	r.mu.Lock()
	entry.status = result.Status
	r.mu.Unlock()

	if result.Status.Final() {
		r.persistOutcome(ctx, entry, result)
	}

	return result, nil
}

func (r *Runner) persistOutcome(ctx context.Context, entry *activeSandbox, result *Result) {
	sol, err := r.storage.Retrieve(ctx, entry.solutionID)
	if err != nil {
		r.logger.Warn("cannot persist test outcome: solution retrieval failed",
			zap.String("solution_id", entry.solutionID), zap.Error(err))
		return
	}

	sol.AppendTestRecord(registry.TestRecord{
		SandboxID:     result.SandboxID,
		Provider:      entry.providerName,
		Status:        string(result.Status),
		ExitCode:      result.ExitCode,
		ExecutionTime: result.ExecutionTime,
		Timestamp:     time.Now().UTC(),
	})

	if err := r.storage.Update(ctx, entry.solutionID, sol); err != nil {
		r.logger.Warn("failed to persist test outcome",
			zap.String("solution_id", entry.solutionID), zap.Error(err))
	}
}

// Cleanup releases the sandbox and removes the runner's bookkeeping entry.
// A second call for the same ID returns false without error.
func (r *Runner) Cleanup(ctx context.Context, sandboxID string) (bool, error) {
	r.mu.Lock()
	entry, ok := r.active[sandboxID]
	if ok {
		delete(r.active, sandboxID)
	}
	r.mu.Unlock()
	if !ok {
		return false, nil
	}

	ok, err := entry.provider.Cleanup(ctx, sandboxID)
	if err != nil {
		r.logger.Error("sandbox cleanup failed",
			zap.String("sandbox_id", sandboxID), zap.Error(err))
		return false, err
	}
	return ok, nil
}

// CleanupAll releases every active sandbox and returns how many were
// cleaned successfully.
func (r *Runner) CleanupAll(ctx context.Context) int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	count := 0
	for _, id := range ids {
		if ok, err := r.Cleanup(ctx, id); err == nil && ok {
			count++
		}
	}
	return count
}

// ListProviders describes every registered provider and its availability.
func (r *Runner) ListProviders(ctx context.Context) map[string]ProviderInfo {
	out := make(map[string]ProviderInfo)
	for _, p := range r.factory.Providers() {
		out[p.Name()] = ProviderInfo{
			Name:         p.Name(),
			Capabilities: p.Capabilities(),
			Available:    p.IsAvailable(ctx),
		}
	}
	return out
}

// HealthCheck probes every registered provider.
func (r *Runner) HealthCheck(ctx context.Context) map[string]bool {
	return r.factory.HealthCheck(ctx)
}

// ActiveCount reports how many sandboxes are currently registered.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active) + r.reserved
}

// mergeRunConfig layers the run's overrides onto the runner defaults and
// the solution's declared limits, then normalizes.
func mergeRunConfig(defaults, cfg RunConfig, sol *registry.Solution) RunConfig {
	if cfg.Provider == "" {
		cfg.Provider = defaults.Provider
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MemoryLimit == "" {
		cfg.MemoryLimit = sol.Content.MemoryLimit
	}
	if cfg.MemoryLimit == "" {
		cfg.MemoryLimit = defaults.MemoryLimit
	}
	if cfg.CPULimit <= 0 {
		cfg.CPULimit = defaults.CPULimit
	}
	if cfg.DockerImage == "" {
		cfg.DockerImage = defaults.DockerImage
	}
	if cfg.NetworkMode == "" {
		cfg.NetworkMode = defaults.NetworkMode
	}
	if !cfg.GPUEnabled && defaults.GPUEnabled {
		cfg.GPUEnabled = true
		cfg.GPUCount = defaults.GPUCount
	}
	if cfg.GPUEnabled && cfg.GPUCount <= 0 {
		cfg.GPUCount = 1
	}
	if sol.Content.RequiresGPU && !cfg.GPUEnabled {
		cfg.GPUEnabled = true
		cfg.GPUCount = 1
	}
	return cfg.Normalized()
}

// deriveRequirements reads the solution's declared needs once per run.
// Defaults: network allowed, no GPU, no persistence, platform "any".
func deriveRequirements(sol *registry.Solution, cfg RunConfig) Requirements {
	req := Requirements{
		NeedsNetwork: true,
		Platform:     "any",
		MaxMemory:    cfg.MemoryLimit,
	}
	if sol.Content.RequiresNetwork != nil {
		req.NeedsNetwork = *sol.Content.RequiresNetwork
	}
	req.NeedsGPU = sol.Content.RequiresGPU || cfg.GPUEnabled
	req.NeedsPersistence = sol.Content.RequiresPersistence
	if sol.Content.Platform != "" {
		req.Platform = sol.Content.Platform
	}
	return req
}

// materializeSolution writes the solution content into a temporary layout:
// the main file, auxiliary files, and a requirements manifest. The caller
// removes the directory once the provider has copied it.
func materializeSolution(sol *registry.Solution) (string, error) {
	dir, err := os.MkdirTemp("", "sandrun-solution-*")
	if err != nil {
		return "", err
	}

	fail := func(err error) (string, error) {
		os.RemoveAll(dir)
		return "", err
	}

	mainFile := sol.Content.MainFile
	if mainFile == "" {
		mainFile = "main.py"
	}
	if sol.Content.Code != "" {
		if err := writeRel(dir, mainFile, sol.Content.Code); err != nil {
			return fail(err)
		}
	}

	for name, content := range sol.Content.Files {
		if name == mainFile && sol.Content.Code != "" {
			continue
		}
		if err := writeRel(dir, name, content); err != nil {
			return fail(err)
		}
	}

	if len(sol.Content.Requirements) > 0 {
		manifest := strings.Join(sol.Content.Requirements, "\n") + "\n"
		if err := writeRel(dir, "requirements.txt", manifest); err != nil {
			return fail(err)
		}
	}

	return dir, nil
}

// writeRel writes a file under dir, rejecting path escapes; solution file
// names are untrusted.
func writeRel(dir, name, content string) error {
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return fmt.Errorf("unsafe file path in solution: %s", name)
	}
	path := filepath.Join(dir, clean)
	if err := os.MkdirAll(filepath.Dir(path), dirPermission); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), filePermission)
}

// defaultCommand resolves the run command from solution metadata: an
// explicit run_command wins, otherwise dispatch on the main file's
// extension. Paths are relative to the sandbox root, where the solution is
// staged under solution/.
func defaultCommand(sol *registry.Solution) []string {
	if rc := strings.TrimSpace(sol.Content.RunCommand); rc != "" {
		return []string{"sh", "-c", rc}
	}

	mainFile := sol.Content.MainFile
	if mainFile == "" {
		mainFile = "main.py"
	}
	target := filepath.ToSlash(filepath.Join("solution", mainFile))

	switch filepath.Ext(mainFile) {
	case ".js":
		return []string{"node", target}
	case ".sh":
		return []string{"sh", target}
	default:
		// .py and anything unrecognized take the interpreter path.
		return []string{"python3", target}
	}
}
