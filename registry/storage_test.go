package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleSolution() *Solution {
	network := false
	return &Solution{
		Name:    "fib",
		Version: "1.0.0",
		Type:    "solution",
		Content: Content{
			Code:            "print(fib(10))",
			MainFile:        "fib.py",
			Files:           map[string]string{"lib/fib.py": "def fib(n): ..."},
			Requirements:    []string{"numpy"},
			RequiresNetwork: &network,
			MemoryLimit:     "2g",
		},
	}
}

// storageConformance exercises the Storage contract against any
// implementation.
func storageConformance(t *testing.T, store Storage) {
	ctx := context.Background()

	t.Run("RetrieveMissing", func(t *testing.T) {
		_, err := store.Retrieve(ctx, "nope")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("StoreAndRetrieve", func(t *testing.T) {
		id, err := store.Store(ctx, sampleSolution())
		require.NoError(t, err)
		require.NotEmpty(t, id)

		got, err := store.Retrieve(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)
		assert.Equal(t, "fib", got.Name)
		assert.Equal(t, "print(fib(10))", got.Content.Code)
		assert.Equal(t, map[string]string{"lib/fib.py": "def fib(n): ..."}, got.Content.Files)
		require.NotNil(t, got.Content.RequiresNetwork)
		assert.False(t, *got.Content.RequiresNetwork)
		assert.False(t, got.CreatedAt.IsZero())
	})

	t.Run("StoreKeepsExplicitID", func(t *testing.T) {
		sol := sampleSolution()
		sol.ID = "sol-explicit"
		id, err := store.Store(ctx, sol)
		require.NoError(t, err)
		assert.Equal(t, "sol-explicit", id)
	})

	t.Run("Update", func(t *testing.T) {
		id, err := store.Store(ctx, sampleSolution())
		require.NoError(t, err)

		sol, err := store.Retrieve(ctx, id)
		require.NoError(t, err)
		sol.Content.Code = "print(fib(20))"
		sol.AppendTestRecord(TestRecord{SandboxID: "sb-1", Status: "completed"})
		require.NoError(t, store.Update(ctx, id, sol))

		got, err := store.Retrieve(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "print(fib(20))", got.Content.Code)
		require.Len(t, got.TestResults, 1)
		assert.Equal(t, "sb-1", got.TestResults[0].SandboxID)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		err := store.Update(ctx, "nope", sampleSolution())
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		id, err := store.Store(ctx, sampleSolution())
		require.NoError(t, err)

		ok, err := store.Delete(ctx, id)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = store.Delete(ctx, id)
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = store.Retrieve(ctx, id)
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStorage(t *testing.T) {
	store := NewMemoryStorage()
	t.Cleanup(func() { store.Close() })
	storageConformance(t, store)
}

func TestMemoryStorageIsolation(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStorage()

	id, err := store.Store(ctx, sampleSolution())
	require.NoError(t, err)

	// Mutating a retrieved copy must not leak into the store.
	got, err := store.Retrieve(ctx, id)
	require.NoError(t, err)
	got.Content.Code = "tampered"
	got.Content.Files["lib/fib.py"] = "tampered"

	fresh, err := store.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "print(fib(10))", fresh.Content.Code)
	assert.Equal(t, "def fib(n): ...", fresh.Content.Files["lib/fib.py"])
}

func TestSQLiteStorageInMemory(t *testing.T) {
	store, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	storageConformance(t, store)
}

func TestSQLiteStoragePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "registry.db")

	store, err := Open(dbPath)
	require.NoError(t, err)
	id, err := store.Store(ctx, sampleSolution())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	got, err := reopened.Retrieve(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "fib", got.Name)
	assert.Equal(t, "fib.py", got.Content.MainFile)
}

func TestSQLiteStorageCreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "registry.db")
	store, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.Close())
	assert.FileExists(t, dbPath)
}

func TestAppendTestRecordCapsHistory(t *testing.T) {
	sol := &Solution{}
	for i := 0; i < MaxTestHistory+7; i++ {
		sol.AppendTestRecord(TestRecord{SandboxID: fmt.Sprintf("sb-%d", i)})
	}

	require.Len(t, sol.TestResults, MaxTestHistory)
	// Oldest entries are dropped first.
	assert.Equal(t, "sb-7", sol.TestResults[0].SandboxID)
	assert.Equal(t, fmt.Sprintf("sb-%d", MaxTestHistory+6), sol.TestResults[MaxTestHistory-1].SandboxID)
}
