// Package redis adapts the output cache to a Redis backend, for runners that
// need the cache to survive process restarts or be shared across runner
// instances.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Options configures a Cache.
type Options struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Cache is a Redis-backed output cache, one key per (taskType,
// canonicalInput) pair.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// New constructs a Cache from connection options.
func New(opts Options) *Cache {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "taskgraph:cache"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	return &Cache{client: client, prefix: prefix, ttl: opts.TTL}
}

// NewWithClient wraps an already-constructed redis.Client, for hosts that
// want to share a connection pool across multiple concerns.
func NewWithClient(client *redis.Client, prefix string, ttl time.Duration) *Cache {
	if prefix == "" {
		prefix = "taskgraph:cache"
	}
	return &Cache{client: client, prefix: prefix, ttl: ttl}
}

func (c *Cache) key(taskType, canonicalInput string) string {
	return fmt.Sprintf("%s:%s:%s", c.prefix, taskType, canonicalInput)
}

// Get returns the cached output for (taskType, canonicalInput).
func (c *Cache) Get(ctx context.Context, taskType, canonicalInput string) (map[string]any, bool, error) {
	data, err := c.client.Get(ctx, c.key(taskType, canonicalInput)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("taskgraph/cache/redis: get: %w", err)
	}

	var output map[string]any
	if err := json.Unmarshal(data, &output); err != nil {
		return nil, false, fmt.Errorf("taskgraph/cache/redis: decode: %w", err)
	}
	return output, true, nil
}

// Put stores output under (taskType, canonicalInput), applying the
// configured TTL if set.
func (c *Cache) Put(ctx context.Context, taskType, canonicalInput string, output map[string]any) error {
	data, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("taskgraph/cache/redis: encode: %w", err)
	}

	if err := c.client.Set(ctx, c.key(taskType, canonicalInput), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("taskgraph/cache/redis: set: %w", err)
	}
	return nil
}

// Close releases the underlying client's connections.
func (c *Cache) Close() error {
	return c.client.Close()
}
