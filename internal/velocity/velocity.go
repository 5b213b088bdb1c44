// Package velocity keeps per-account transaction history and answers
// windowed count/sum queries.
package velocity

import (
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
)

// New creates the velocity store selected by cfg.Type.
// client is required for the redis store and ignored otherwise. "none"
// returns a nil store, which disables velocity rules.
func New(cfg domain.VelocityConfig, client *redis.Client) (domain.VelocityStore, error) {
	retention := cfg.Retention
	if retention < cfg.Window {
		retention = cfg.Window
	}

	switch cfg.Type {
	case "memory", "":
		return NewMemoryStore(retention), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis velocity store requires a redis client")
		}
		return NewRedisStore(client, retention), nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown velocity store type: %s", cfg.Type)
	}
}

// windowBounds returns (start, end] for a window ending at end.
func windowBounds(end time.Time, window time.Duration) (time.Time, time.Time) {
	return end.Add(-window), end
}
