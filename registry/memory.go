package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage implements Storage with an in-process map. It is intended
// for tests and embedded use where no database file is wanted.
type MemoryStorage struct {
	mu        sync.RWMutex
	solutions map[string]*Solution
}

// NewMemoryStorage creates an empty in-memory store.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{solutions: make(map[string]*Solution)}
}

// clone deep-copies a solution so callers never share mutable state with
// the store.
func clone(s *Solution) *Solution {
	raw, err := json.Marshal(s)
	if err != nil {
		// Solution contains only JSON-encodable fields.
		panic(err)
	}
	var out Solution
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return &out
}

func (m *MemoryStorage) Store(_ context.Context, sol *Solution) (string, error) {
	if sol.ID == "" {
		sol.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sol.CreatedAt = now
	sol.UpdatedAt = now

	m.mu.Lock()
	defer m.mu.Unlock()
	m.solutions[sol.ID] = clone(sol)
	return sol.ID, nil
}

func (m *MemoryStorage) Retrieve(_ context.Context, id string) (*Solution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sol, ok := m.solutions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(sol), nil
}

func (m *MemoryStorage) Update(_ context.Context, id string, sol *Solution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.solutions[id]; !ok {
		return ErrNotFound
	}
	sol.UpdatedAt = time.Now().UTC()
	m.solutions[id] = clone(sol)
	return nil
}

func (m *MemoryStorage) Delete(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.solutions[id]; !ok {
		return false, nil
	}
	delete(m.solutions, id)
	return true, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}
