// Package queue provides the durable stream transports used by Kestrel.
package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("queue is closed")

	// ErrNoGroup is returned when receiving for a group that was never created.
	ErrNoGroup = errors.New("consumer group does not exist")

	// ErrUnknownDelivery is returned when acknowledging a message this
	// consumer does not hold.
	ErrUnknownDelivery = errors.New("unknown delivery")
)

// New creates a queue based on configuration.
// "memory" serves single-process deployments and tests, "redis" uses Redis
// Streams on the shared client, and "nats" uses JetStream.
func New(ctx context.Context, cfg domain.QueueConfig, natsCfg domain.NATSConfig, client *redis.Client) (domain.Queue, error) {
	switch cfg.Type {
	case "memory":
		return NewMemoryQueue(cfg), nil

	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis queue requires a redis client")
		}
		return NewRedisQueue(client, cfg), nil

	case "nats":
		return NewNATSQueue(ctx, cfg, natsCfg)

	default:
		return nil, fmt.Errorf("unsupported queue type: %s", cfg.Type)
	}
}
