package domain

import (
	"context"
	"time"
)

// Cache is a key/value store with expiry.
// The worker uses it to remember which transactions were already published,
// so a redelivered message is acknowledged without a second publish.
// Supports two-phase caching: local LRU + Redis.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, key string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}
