package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
)

// Stream entry fields shared with the upstream gateway.
const (
	FieldPayload       = "payload"
	FieldTransactionID = "transactionId"
)

// RedisQueue implements Queue on Redis Streams consumer groups.
// Pending entries idle longer than the visibility timeout are reclaimed
// with XAUTOCLAIM before new entries are read.
type RedisQueue struct {
	client     *redis.Client
	visibility time.Duration
	block      time.Duration
	maxLen     int64
	closed     atomic.Bool
}

// NewRedisQueue creates a queue on a shared client. Close does not close
// the client.
func NewRedisQueue(client *redis.Client, cfg domain.QueueConfig) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &RedisQueue{
		client:     client,
		visibility: visibility,
		block:      cfg.BlockTimeout,
		maxLen:     cfg.MaxLen,
	}
}

// EnsureGroup runs XGROUP CREATE ... 0 MKSTREAM, tolerating BUSYGROUP.
func (q *RedisQueue) EnsureGroup(ctx context.Context, topic, group string) error {
	if q.closed.Load() {
		return ErrClosed
	}
	err := q.client.XGroupCreateMkStream(ctx, topic, group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create group %s on %s: %w", group, topic, err)
	}
	return nil
}

// Publish appends an entry with the payload and transaction id fields.
func (q *RedisQueue) Publish(ctx context.Context, topic, key string, payload []byte) (string, error) {
	if q.closed.Load() {
		return "", ErrClosed
	}

	args := &redis.XAddArgs{
		Stream: topic,
		Values: map[string]any{
			FieldPayload:       payload,
			FieldTransactionID: key,
		},
	}
	if q.maxLen > 0 {
		args.MaxLen = q.maxLen
		args.Approx = true
	}

	id, err := q.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", topic, err)
	}
	return id, nil
}

// Receive claims stale pending entries first, then reads new ones.
func (q *RedisQueue) Receive(ctx context.Context, topic, group, consumer string, max int) ([]*domain.Delivery, error) {
	if q.closed.Load() {
		return nil, ErrClosed
	}
	if max <= 0 {
		max = 1
	}

	claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   topic,
		Group:    group,
		Consumer: consumer,
		MinIdle:  q.visibility,
		Start:    "0-0",
		Count:    int64(max),
	}).Result()
	if err != nil {
		return nil, q.wrapErr("xautoclaim", topic, group, err)
	}
	if len(claimed) > 0 {
		return toDeliveries(topic, claimed, true), nil
	}

	block := q.block
	if block <= 0 {
		block = -1 // go-redis omits BLOCK for negative values
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{topic, ">"},
		Count:    int64(max),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, q.wrapErr("xreadgroup", topic, group, err)
	}

	var out []*domain.Delivery
	for _, s := range streams {
		out = append(out, toDeliveries(topic, s.Messages, false)...)
	}
	return out, nil
}

func (q *RedisQueue) wrapErr(op, topic, group string, err error) error {
	if strings.HasPrefix(err.Error(), "NOGROUP") {
		return fmt.Errorf("%w: %s/%s", ErrNoGroup, topic, group)
	}
	return fmt.Errorf("%s %s: %w", op, topic, err)
}

func toDeliveries(topic string, msgs []redis.XMessage, redelivered bool) []*domain.Delivery {
	now := time.Now()
	out := make([]*domain.Delivery, 0, len(msgs))
	for _, m := range msgs {
		d := &domain.Delivery{
			ID:          m.ID,
			Topic:       topic,
			Redelivered: redelivered,
			ReceivedAt:  now,
		}
		if v, ok := m.Values[FieldPayload].(string); ok {
			d.Payload = []byte(v)
		}
		if v, ok := m.Values[FieldTransactionID].(string); ok {
			d.Key = v
		}
		out = append(out, d)
	}
	return out
}

// Ack runs XACK.
func (q *RedisQueue) Ack(ctx context.Context, topic, group string, d *domain.Delivery) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if err := q.client.XAck(ctx, topic, group, d.ID).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", topic, d.ID, err)
	}
	return nil
}

// Ping checks Redis connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	if q.closed.Load() {
		return ErrClosed
	}
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}
