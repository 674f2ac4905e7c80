package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
    version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS solutions (
    id           TEXT PRIMARY KEY,
    name         TEXT NOT NULL DEFAULT '',
    version      TEXT NOT NULL DEFAULT '1.0.0',
    type         TEXT NOT NULL DEFAULT 'solution',
    content      TEXT NOT NULL DEFAULT '{}',
    test_results TEXT NOT NULL DEFAULT '[]',
    created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
    updated_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_solutions_type ON solutions(type);
CREATE INDEX IF NOT EXISTS idx_solutions_updated ON solutions(updated_at DESC);
`

// SQLiteStorage implements Storage backed by a SQLite database.
type SQLiteStorage struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path and runs
// migrations. Use ":memory:" for an in-memory database (useful for testing).
func Open(dbPath string) (*SQLiteStorage, error) {
	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps ":memory:" databases coherent and avoids
	// SQLITE_BUSY on concurrent writes.
	db.SetMaxOpenConns(1)

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	var current int
	row := db.QueryRow("SELECT version FROM schema_version LIMIT 1")
	if err := row.Scan(&current); err != nil {
		// Table doesn't exist or is empty, run initial schema
		current = 0
	}

	if current >= schemaVersion {
		return nil
	}

	if current < 1 {
		if _, err := db.Exec(schemaV1); err != nil {
			return err
		}
	}

	if _, err := db.Exec("DELETE FROM schema_version"); err != nil {
		return err
	}
	_, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", schemaVersion)
	return err
}

func (s *SQLiteStorage) Store(ctx context.Context, sol *Solution) (string, error) {
	if sol.ID == "" {
		sol.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	sol.CreatedAt = now
	sol.UpdatedAt = now

	content, err := json.Marshal(sol.Content)
	if err != nil {
		return "", fmt.Errorf("encoding content: %w", err)
	}
	results, err := json.Marshal(sol.TestResults)
	if err != nil {
		return "", fmt.Errorf("encoding test results: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO solutions (id, name, version, type, content, test_results, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sol.ID, sol.Name, sol.Version, sol.Type, string(content), string(results),
		sol.CreatedAt.Format(time.RFC3339), sol.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return "", fmt.Errorf("inserting solution: %w", err)
	}
	return sol.ID, nil
}

func (s *SQLiteStorage) Retrieve(ctx context.Context, id string) (*Solution, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, version, type, content, test_results, created_at, updated_at
		FROM solutions WHERE id = ?`, id)

	var sol Solution
	var content, results, createdAt, updatedAt string
	err := row.Scan(&sol.ID, &sol.Name, &sol.Version, &sol.Type, &content, &results, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying solution: %w", err)
	}

	if err := json.Unmarshal([]byte(content), &sol.Content); err != nil {
		return nil, fmt.Errorf("decoding content: %w", err)
	}
	if err := json.Unmarshal([]byte(results), &sol.TestResults); err != nil {
		return nil, fmt.Errorf("decoding test results: %w", err)
	}
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		sol.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339, updatedAt); err == nil {
		sol.UpdatedAt = t
	}
	return &sol, nil
}

func (s *SQLiteStorage) Update(ctx context.Context, id string, sol *Solution) error {
	sol.UpdatedAt = time.Now().UTC()

	content, err := json.Marshal(sol.Content)
	if err != nil {
		return fmt.Errorf("encoding content: %w", err)
	}
	results, err := json.Marshal(sol.TestResults)
	if err != nil {
		return fmt.Errorf("encoding test results: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE solutions SET name = ?, version = ?, type = ?, content = ?, test_results = ?, updated_at = ?
		WHERE id = ?`,
		sol.Name, sol.Version, sol.Type, string(content), string(results),
		sol.UpdatedAt.Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("updating solution: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) Delete(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM solutions WHERE id = ?", id)
	if err != nil {
		return false, fmt.Errorf("deleting solution: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
