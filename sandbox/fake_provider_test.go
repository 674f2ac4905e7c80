package sandbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// fakeProvider is a scriptable Provider for factory and runner tests.
type fakeProvider struct {
	name       string
	caps       Capabilities
	available  bool
	panicProbe bool

	prepareErr error
	execErr    error
	execLines  []OutputLine
	execStatus Status
	execExit   *int
	execErrs   []string

	mu       sync.Mutex
	prepared map[string]string // sandboxID -> solutionID
	executed map[string]bool
	cleaned  map[string]bool
	results  map[string]*Result
}

func newFakeProvider(name string, caps Capabilities, available bool) *fakeProvider {
	code := 0
	return &fakeProvider{
		name:       name,
		caps:       caps,
		available:  available,
		execStatus: StatusCompleted,
		execExit:   &code,
		prepared:   make(map[string]string),
		executed:   make(map[string]bool),
		cleaned:    make(map[string]bool),
		results:    make(map[string]*Result),
	}
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) IsAvailable(context.Context) bool {
	if f.panicProbe {
		panic("probe exploded")
	}
	return f.available
}

func (f *fakeProvider) Capabilities() Capabilities { return f.caps }

func (f *fakeProvider) Prepare(_ context.Context, solutionID, _ string, _ RunConfig) (string, error) {
	if f.prepareErr != nil {
		return "", f.prepareErr
	}
	id := uuid.NewString()
	f.mu.Lock()
	f.prepared[id] = solutionID
	f.mu.Unlock()
	return id, nil
}

func (f *fakeProvider) Execute(_ context.Context, sandboxID string, command []string, _ time.Duration) (<-chan OutputLine, error) {
	if f.execErr != nil {
		return nil, f.execErr
	}
	f.mu.Lock()
	solutionID, ok := f.prepared[sandboxID]
	if !ok {
		f.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrSandboxNotFound, sandboxID)
	}
	f.executed[sandboxID] = true

	var stdout, stderr string
	for _, l := range f.execLines {
		if l.Stream == StreamStderr {
			stderr += l.Text + "\n"
		} else {
			stdout += l.Text + "\n"
		}
	}
	f.results[sandboxID] = &Result{
		SandboxID:  sandboxID,
		SolutionID: solutionID,
		Status:     f.execStatus,
		ExitCode:   f.execExit,
		Stdout:     stdout,
		Stderr:     stderr,
		Errors:     append([]string(nil), f.execErrs...),
		Metrics:    map[string]any{},
	}
	f.mu.Unlock()

	out := make(chan OutputLine, len(f.execLines)+1)
	for _, l := range f.execLines {
		out <- l
	}
	close(out)
	return out, nil
}

func (f *fakeProvider) GetResult(_ context.Context, sandboxID string) (*Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if r, ok := f.results[sandboxID]; ok {
		cp := *r
		cp.Metrics = map[string]any{}
		return &cp, nil
	}
	if solutionID, ok := f.prepared[sandboxID]; ok {
		return &Result{SandboxID: sandboxID, SolutionID: solutionID, Status: StatusReady, Metrics: map[string]any{}}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSandboxNotFound, sandboxID)
}

func (f *fakeProvider) Cleanup(_ context.Context, sandboxID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cleaned[sandboxID] || f.prepared[sandboxID] == "" {
		return false, nil
	}
	f.cleaned[sandboxID] = true
	return true, nil
}

func (f *fakeProvider) Stop(ctx context.Context, sandboxID string) (bool, error) {
	return f.Cleanup(ctx, sandboxID)
}

func processCaps() Capabilities {
	return Capabilities{Platform: "darwin", IsolationLevel: IsolationProcess, Network: true}
}

func containerCaps() Capabilities {
	return Capabilities{Platform: "any", IsolationLevel: IsolationContainer, Network: true, GPU: true, Persistent: true}
}
