// Package sqlite adapts the output cache to a local SQLite file, for
// single-process runners that want the cache to survive restarts without
// standing up a separate cache service.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Options configures a Cache.
type Options struct {
	Path      string
	TableName string
}

// Cache is a SQLite-backed output cache.
type Cache struct {
	db        *sql.DB
	tableName string
}

// New opens (creating if necessary) the SQLite database at opts.Path and
// ensures its cache table exists.
func New(opts Options) (*Cache, error) {
	tableName := opts.TableName
	if tableName == "" {
		tableName = "task_cache"
	}

	db, err := sql.Open("sqlite3", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("taskgraph/cache/sqlite: open: %w", err)
	}

	c := &Cache{db: db, tableName: tableName}
	if err := c.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) initSchema() error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			task_type       TEXT NOT NULL,
			canonical_input TEXT NOT NULL,
			output          TEXT NOT NULL,
			stored_at       DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (task_type, canonical_input)
		)`, c.tableName)
	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("taskgraph/cache/sqlite: init schema: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error { return c.db.Close() }

// Get returns the cached output for (taskType, canonicalInput).
func (c *Cache) Get(ctx context.Context, taskType, canonicalInput string) (map[string]any, bool, error) {
	query := fmt.Sprintf(`SELECT output FROM %s WHERE task_type = ? AND canonical_input = ?`, c.tableName)

	var raw string
	err := c.db.QueryRowContext(ctx, query, taskType, canonicalInput).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("taskgraph/cache/sqlite: get: %w", err)
	}

	var output map[string]any
	if err := json.Unmarshal([]byte(raw), &output); err != nil {
		return nil, false, fmt.Errorf("taskgraph/cache/sqlite: decode: %w", err)
	}
	return output, true, nil
}

// Put stores output under (taskType, canonicalInput), replacing any existing
// entry for the same key.
func (c *Cache) Put(ctx context.Context, taskType, canonicalInput string, output map[string]any) error {
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("taskgraph/cache/sqlite: encode: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (task_type, canonical_input, output, stored_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(task_type, canonical_input) DO UPDATE SET
			output = excluded.output,
			stored_at = excluded.stored_at`, c.tableName)

	if _, err := c.db.ExecContext(ctx, query, taskType, canonicalInput, string(data)); err != nil {
		return fmt.Errorf("taskgraph/cache/sqlite: put: %w", err)
	}
	return nil
}
