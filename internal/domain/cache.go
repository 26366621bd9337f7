package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations. Used for active
// rule sets per jurisdiction and for velocity counters.
type Cache interface {
	// Get retrieves a value from cache. Returns nil, nil if not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// IncrementCounter atomically increments a windowed counter and
	// returns the new value. Used as the fast path for velocity checks.
	IncrementCounter(ctx context.Context, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings: check local first, then Redis.
	EnableTwoPhase bool
}
