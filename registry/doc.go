// Package registry stores and retrieves solutions.
//
// A solution is the untrusted unit of code and metadata the sandbox runner
// tests. The package defines the Storage interface the runner consumes and
// two implementations: SQLiteStorage, a durable store backed by a single
// SQLite table with JSON-encoded content, and MemoryStorage for tests.
package registry
