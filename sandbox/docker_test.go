package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type cmdResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// MockCommandRunner implements CommandRunner for testing. Results are keyed
// by the first two arguments ("docker run", "docker pull", ...); unmatched
// commands succeed with empty output.
type MockCommandRunner struct {
	results map[string]cmdResult
	calls   [][]string
}

func (m *MockCommandRunner) RunCommand(_ context.Context, args []string) (string, string, int, error) {
	m.calls = append(m.calls, args)
	key := strings.Join(args[:min(2, len(args))], " ")
	if result, exists := m.results[key]; exists {
		return result.stdout, result.stderr, result.exitCode, result.err
	}
	return "", "", 0, nil
}

func (m *MockCommandRunner) callsFor(key string) [][]string {
	var out [][]string
	for _, c := range m.calls {
		if strings.Join(c[:min(2, len(c))], " ") == key {
			out = append(out, c)
		}
	}
	return out
}

func stageSolutionDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.py"), []byte("print('hi')\n"), 0o644))
	return dir
}

func TestDockerProviderCapabilities(t *testing.T) {
	d := NewDockerProvider(zaptest.NewLogger(t))
	caps := d.Capabilities()

	assert.Equal(t, IsolationContainer, caps.IsolationLevel)
	assert.Equal(t, "any", caps.Platform)
	assert.True(t, caps.GPU)
	assert.True(t, caps.Persistent)
}

func TestDockerProviderIsAvailable(t *testing.T) {
	tests := []struct {
		name     string
		result   cmdResult
		expected bool
	}{
		{"DaemonResponds", cmdResult{stdout: "27.0.1"}, true},
		{"DaemonDown", cmdResult{stderr: "Cannot connect to the Docker daemon", exitCode: 1}, false},
		{"BinaryMissing", cmdResult{err: os.ErrNotExist}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &MockCommandRunner{results: map[string]cmdResult{"docker version": tt.result}}
			d := NewDockerProvider(zaptest.NewLogger(t), WithDockerCommandRunner(runner))
			assert.Equal(t, tt.expected, d.IsAvailable(context.Background()))
		})
	}
}

func TestBuildRunArgs(t *testing.T) {
	dirs := instanceDirs{
		Root:      "/tmp/x",
		Solution:  "/tmp/x/solution",
		Workspace: "/tmp/x/workspace",
		Output:    "/tmp/x/output",
	}

	t.Run("Defaults", func(t *testing.T) {
		args := buildRunArgs("sandrun-abc", dirs, RunConfig{}.Normalized())
		joined := strings.Join(args, " ")

		assert.Contains(t, joined, "-v /tmp/x/solution:/sandbox/solution:ro")
		assert.Contains(t, joined, "-v /tmp/x/workspace:/sandbox/workspace")
		assert.Contains(t, joined, "-v /tmp/x/output:/sandbox/output")
		assert.Contains(t, joined, "--memory 4g")
		assert.Contains(t, joined, "--cpus 4")
		assert.Contains(t, joined, "--network bridge")
		assert.NotContains(t, joined, "--gpus")
		assert.Equal(t, "infinity", args[len(args)-1])
		assert.Equal(t, "sleep", args[len(args)-2])
	})

	t.Run("GPUAndEnv", func(t *testing.T) {
		cfg := RunConfig{
			GPUEnabled:  true,
			GPUCount:    2,
			Environment: map[string]string{"MODEL_DIR": "/sandbox/solution"},
			NetworkMode: "none",
			MemoryLimit: "8g",
		}.Normalized()
		args := buildRunArgs("sandrun-abc", dirs, cfg)
		joined := strings.Join(args, " ")

		assert.Contains(t, joined, "--gpus 2")
		assert.Contains(t, joined, "-e MODEL_DIR=/sandbox/solution")
		assert.Contains(t, joined, "--network none")
		assert.Contains(t, joined, "--memory 8g")
	})
}

func TestDockerProviderPrepareAndCleanup(t *testing.T) {
	runner := &MockCommandRunner{results: map[string]cmdResult{
		"docker image": {exitCode: 0},
		"docker run":   {stdout: "c0ffee\n"},
	}}
	d := NewDockerProvider(zaptest.NewLogger(t), WithDockerCommandRunner(runner))

	id, err := d.Prepare(context.Background(), "sol-1", stageSolutionDir(t), RunConfig{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	inst, err := d.lookup(id)
	require.NoError(t, err)

	// Exactly solution/, workspace/, output/ at the top level.
	entries, err := os.ReadDir(inst.dirs.Root)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"solution", "workspace", "output"}, names)

	// Solution payload copied in.
	copied, err := os.ReadFile(filepath.Join(inst.dirs.Solution, "main.py"))
	require.NoError(t, err)
	assert.Equal(t, "print('hi')\n", string(copied))

	// Image present, so no pull was issued.
	assert.Empty(t, runner.callsFor("docker pull"))
	require.Len(t, runner.callsFor("docker run"), 1)

	root := inst.dirs.Root

	ok, err := d.Cleanup(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoDirExists(t, root)
	require.NotEmpty(t, runner.callsFor("docker stop"))
	require.NotEmpty(t, runner.callsFor("docker rm"))

	// Second cleanup is a no-op that reports false.
	ok, err = d.Cleanup(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDockerProviderPreparePullsMissingImage(t *testing.T) {
	runner := &MockCommandRunner{results: map[string]cmdResult{
		"docker image": {exitCode: 1, stderr: "No such image"},
		"docker run":   {stdout: "c0ffee\n"},
	}}
	d := NewDockerProvider(zaptest.NewLogger(t), WithDockerCommandRunner(runner))

	id, err := d.Prepare(context.Background(), "sol-1", stageSolutionDir(t), RunConfig{DockerImage: "python:3.12-slim"})
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = d.Cleanup(context.Background(), id) })

	pulls := runner.callsFor("docker pull")
	require.Len(t, pulls, 1)
	assert.Equal(t, []string{"docker", "pull", "python:3.12-slim"}, pulls[0])
}

func TestDockerProviderPrepareFailureLeavesNothing(t *testing.T) {
	runner := &MockCommandRunner{results: map[string]cmdResult{
		"docker image": {exitCode: 0},
		"docker run":   {exitCode: 125, stderr: "driver failed"},
	}}
	d := NewDockerProvider(zaptest.NewLogger(t), WithDockerCommandRunner(runner))

	_, err := d.Prepare(context.Background(), "sol-1", stageSolutionDir(t), RunConfig{})
	require.Error(t, err)

	var prepErr *PreparationError
	require.ErrorAs(t, err, &prepErr)
	assert.Equal(t, "docker", prepErr.Provider)

	d.mu.Lock()
	assert.Empty(t, d.instances)
	d.mu.Unlock()
}

func TestReadExitCode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".exit_code")

	t.Run("Valid", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("42\n"), 0o644))
		code, err := readExitCode(path)
		require.NoError(t, err)
		assert.Equal(t, 42, code)
	})

	t.Run("Garbage", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("not a number"), 0o644))
		_, err := readExitCode(path)
		require.Error(t, err)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := readExitCode(filepath.Join(dir, "absent"))
		require.Error(t, err)
	})
}

func TestComputeCPUPercent(t *testing.T) {
	tests := []struct {
		name        string
		cpuDelta    float64
		systemDelta float64
		expected    float64
	}{
		{"HalfBusy", 50, 100, 50},
		{"ZeroSystemDelta", 50, 0, 0},
		{"NegativeSystemDelta", 50, -1, 0},
		{"NegativeCPUDelta", -5, 100, 0},
		{"Idle", 0, 100, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, computeCPUPercent(tt.cpuDelta, tt.systemDelta), 1e-9)
		})
	}
}

func TestParseCPUStat(t *testing.T) {
	content := "usage_usec 123456\nuser_usec 100000\nsystem_usec 23456\n"
	v, ok := parseCPUStat(content)
	require.True(t, ok)
	assert.Equal(t, int64(123456), v)

	_, ok = parseCPUStat("nr_periods 0\n")
	assert.False(t, ok)

	_, ok = parseCPUStat("usage_usec garbage\n")
	assert.False(t, ok)
}
