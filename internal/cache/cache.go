package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
)

// New creates a cache based on configuration.
// "memory" returns an LRU cache. "redis" returns a Redis cache, or a
// TwoPhaseCache fronting it with an LRU when two-phase is enabled.
// "none" returns a nil cache, which turns idempotency markers off.
func New(cfg domain.CacheConfig, client *redis.Client) (domain.Cache, error) {
	switch cfg.Type {
	case "memory", "":
		return NewLRUCache(cfg.LocalMaxSize), nil

	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis cache requires a redis client")
		}
		remote := NewRedisCache(client)
		if cfg.EnableTwoPhase {
			return NewTwoPhaseCache(NewLRUCache(cfg.LocalMaxSize), remote, cfg.LocalTTL), nil
		}
		return remote, nil

	case "none":
		return nil, nil

	default:
		return nil, fmt.Errorf("unsupported cache type: %s", cfg.Type)
	}
}

// TwoPhaseCache reads from a local L1 before the shared L2.
// L1 entries live at most l1TTL so a marker deleted on another node is
// forgotten locally within that bound.
type TwoPhaseCache struct {
	local  *LRUCache
	remote domain.Cache
	l1TTL  time.Duration
}

// NewTwoPhaseCache layers local in front of remote.
func NewTwoPhaseCache(local *LRUCache, remote domain.Cache, l1TTL time.Duration) *TwoPhaseCache {
	if l1TTL <= 0 {
		l1TTL = 5 * time.Minute
	}
	return &TwoPhaseCache{local: local, remote: remote, l1TTL: l1TTL}
}

// Get retrieves from L1 first, then L2. Populates L1 on L2 hit.
func (c *TwoPhaseCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.local.Get(ctx, key)
	if err != nil || val != nil {
		return val, err
	}

	val, err = c.remote.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if val != nil {
		_ = c.local.Set(ctx, key, val, c.l1TTL)
	}
	return val, nil
}

// Set writes L2 first so L1 never holds a value the cluster lacks.
func (c *TwoPhaseCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.remote.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return c.local.Set(ctx, key, value, min(ttl, c.l1TTL))
}

// Delete removes from both L1 and L2.
func (c *TwoPhaseCache) Delete(ctx context.Context, key string) error {
	if err := c.local.Delete(ctx, key); err != nil {
		return err
	}
	return c.remote.Delete(ctx, key)
}

// Ping checks both layers.
func (c *TwoPhaseCache) Ping(ctx context.Context) error {
	if err := c.local.Ping(ctx); err != nil {
		return fmt.Errorf("L1 ping failed: %w", err)
	}
	if err := c.remote.Ping(ctx); err != nil {
		return fmt.Errorf("L2 ping failed: %w", err)
	}
	return nil
}

// Close closes both layers.
func (c *TwoPhaseCache) Close() error {
	_ = c.local.Close()
	return c.remote.Close()
}

// Stats returns L1 statistics.
func (c *TwoPhaseCache) Stats() (size int, capacity int) {
	return c.local.Stats()
}
