// Package postgres adapts the output cache to PostgreSQL, for multi-runner
// deployments that want a durable, queryable cache shared across processes.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBPool abstracts over *pgxpool.Pool so tests can substitute pgxmock
// without a real database.
type DBPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgx.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Options configures a Cache.
type Options struct {
	ConnString string
	TableName  string
}

// Cache is a PostgreSQL-backed output cache.
type Cache struct {
	pool      DBPool
	tableName string
}

// New connects to PostgreSQL using opts.ConnString and ensures the cache
// table exists.
func New(ctx context.Context, opts Options) (*Cache, error) {
	pool, err := pgxpool.New(ctx, opts.ConnString)
	if err != nil {
		return nil, fmt.Errorf("taskgraph/cache/postgres: connect: %w", err)
	}
	return NewWithPool(ctx, pool, opts.TableName)
}

// NewWithPool wraps an already-constructed DBPool, primarily for tests that
// inject a pgxmock pool.
func NewWithPool(ctx context.Context, pool DBPool, tableName string) (*Cache, error) {
	if tableName == "" {
		tableName = "task_cache"
	}
	c := &Cache{pool: pool, tableName: tableName}
	if err := c.initSchema(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) initSchema(ctx context.Context) error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			task_type       TEXT NOT NULL,
			canonical_input TEXT NOT NULL,
			output          JSONB NOT NULL,
			stored_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (task_type, canonical_input)
		)`, c.tableName)
	if _, err := c.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("taskgraph/cache/postgres: init schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *Cache) Close() { c.pool.Close() }

// Get returns the cached output for (taskType, canonicalInput).
func (c *Cache) Get(ctx context.Context, taskType, canonicalInput string) (map[string]any, bool, error) {
	query := fmt.Sprintf(`SELECT output FROM %s WHERE task_type = $1 AND canonical_input = $2`, c.tableName)

	var raw []byte
	err := c.pool.QueryRow(ctx, query, taskType, canonicalInput).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("taskgraph/cache/postgres: get: %w", err)
	}

	var output map[string]any
	if err := json.Unmarshal(raw, &output); err != nil {
		return nil, false, fmt.Errorf("taskgraph/cache/postgres: decode: %w", err)
	}
	return output, true, nil
}

// Put stores output under (taskType, canonicalInput), replacing any existing
// entry for the same key.
func (c *Cache) Put(ctx context.Context, taskType, canonicalInput string, output map[string]any) error {
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("taskgraph/cache/postgres: encode: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (task_type, canonical_input, output, stored_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (task_type, canonical_input) DO UPDATE SET
			output = excluded.output,
			stored_at = excluded.stored_at`, c.tableName)

	if _, err := c.pool.Exec(ctx, query, taskType, canonicalInput, data); err != nil {
		return fmt.Errorf("taskgraph/cache/postgres: put: %w", err)
	}
	return nil
}
