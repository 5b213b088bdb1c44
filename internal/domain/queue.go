package domain

import (
	"context"
	"time"
)

// Queue is a durable stream with consumer groups.
// Messages stay pending for a group until acknowledged; a message that is not
// acknowledged within the visibility timeout is handed out again.
// Backed by Redis Streams (production), NATS JetStream, or an in-memory queue.
type Queue interface {
	// EnsureGroup creates the topic and consumer group if they do not exist.
	EnsureGroup(ctx context.Context, topic string, group string) error

	// Publish appends a message and returns its queue-assigned id.
	// key is carried alongside the payload (the transaction id for scored events).
	Publish(ctx context.Context, topic string, key string, payload []byte) (string, error)

	// Receive claims up to max messages for consumer. Messages whose previous
	// claim expired are returned before new ones. It blocks for at most the
	// configured block timeout and may return an empty slice.
	Receive(ctx context.Context, topic string, group string, consumer string, max int) ([]*Delivery, error)

	// Ack removes a message from the group's pending set.
	Ack(ctx context.Context, topic string, group string, d *Delivery) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// Delivery is one claimed message.
type Delivery struct {
	ID          string    `json:"id"`
	Topic       string    `json:"topic"`
	Key         string    `json:"key,omitempty"`
	Payload     []byte    `json:"payload"`
	Redelivered bool      `json:"redelivered"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

// Default stream names, shared with the upstream gateway and alert workers.
const (
	TopicIncoming   = "txn:incoming"
	TopicScored     = "txn:scored"
	TopicDeadLetter = "txn:deadletter"

	GroupDetection = "detection-workers"
	GroupAlerts    = "alert-workers"
)
