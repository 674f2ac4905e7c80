package registry

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a solution does not exist in the store.
var ErrNotFound = errors.New("solution not found")

// MaxTestHistory bounds the number of test outcomes retained per solution.
const MaxTestHistory = 10

// Solution is the unit of untrusted code under test, identified by an
// opaque ID.
type Solution struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Version     string       `json:"version"`
	Type        string       `json:"type"`
	Content     Content      `json:"content"`
	TestResults []TestRecord `json:"test_results,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Content holds the solution payload and its declared execution needs.
// RequiresNetwork is a pointer so that "unset" can default to allowed.
type Content struct {
	Code                string            `json:"code,omitempty"`
	MainFile            string            `json:"main_file,omitempty"`
	Files               map[string]string `json:"files,omitempty"`
	Requirements        []string          `json:"requirements,omitempty"`
	RunCommand          string            `json:"run_command,omitempty"`
	RequiresNetwork     *bool             `json:"requires_network,omitempty"`
	RequiresGPU         bool              `json:"requires_gpu,omitempty"`
	RequiresPersistence bool              `json:"requires_persistence,omitempty"`
	Platform            string            `json:"platform,omitempty"`
	MemoryLimit         string            `json:"memory_limit,omitempty"`
}

// TestRecord is one sandbox outcome appended to a solution's history.
type TestRecord struct {
	SandboxID     string    `json:"sandbox_id"`
	Provider      string    `json:"provider,omitempty"`
	Status        string    `json:"status"`
	ExitCode      *int      `json:"exit_code,omitempty"`
	ExecutionTime float64   `json:"execution_time"`
	Timestamp     time.Time `json:"timestamp"`
}

// AppendTestRecord adds a record to the solution's history, keeping only
// the MaxTestHistory most recent entries.
func (s *Solution) AppendTestRecord(rec TestRecord) {
	s.TestResults = append(s.TestResults, rec)
	if len(s.TestResults) > MaxTestHistory {
		s.TestResults = s.TestResults[len(s.TestResults)-MaxTestHistory:]
	}
}

// Storage is the solution store consumed by the sandbox runner.
type Storage interface {
	// Store persists a new solution, assigning an ID when empty, and
	// returns the ID.
	Store(ctx context.Context, s *Solution) (string, error)

	// Retrieve returns the solution for the given ID, or ErrNotFound.
	Retrieve(ctx context.Context, id string) (*Solution, error)

	// Update replaces the stored record for the given ID.
	Update(ctx context.Context, id string, s *Solution) error

	// Delete removes a solution; it reports whether anything was removed.
	Delete(ctx context.Context, id string) (bool, error)

	// Close releases the underlying store.
	Close() error
}
