package coordination

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key prefixes for the idempotency protocol. A processing key exists only
// while a command is actively being handled; a completed key caches the
// created tenant id for the deduplication window.
const (
	processingPrefix = "processing:"
	completedPrefix  = "completed:"
)

// ProcessingKey returns the processing-lock key for a correlation id.
func ProcessingKey(correlationID string) string {
	return processingPrefix + correlationID
}

// CompletedKey returns the completion-record key for a correlation id.
func CompletedKey(correlationID string) string {
	return completedPrefix + correlationID
}

// Cache is the coordination contract the command consumer relies on. Both the
// Redis client and an in-memory implementation satisfy it, which keeps the
// idempotency protocol unit-testable without infrastructure.
type Cache interface {
	// SetIfAbsent atomically stores value under key with the given TTL and
	// reports whether the key was newly set.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Get returns the value for key and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// RedisCache implements Cache on a shared Redis instance.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a RedisCache from connection parameters.
func NewRedisCache(addr, password string, db int) *RedisCache {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisCache{client: rdb}
}

func (c *RedisCache) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, value, ttl).Result()
}

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.client.SetEx(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// Ping verifies the Redis connection.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the underlying connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
