package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/opensource-finance/kestrel/internal/domain"
)

const (
	subjectPrefix = "kestrel."
	keyHeader     = "Kestrel-Key"
)

// NATSQueue implements Queue on JetStream. Each topic maps to a subject in
// one stream and each group to a durable pull consumer whose AckWait is the
// visibility timeout.
type NATSQueue struct {
	mu         sync.Mutex
	conn       *nats.Conn
	js         jetstream.JetStream
	stream     string
	visibility time.Duration
	block      time.Duration
	consumers  map[string]jetstream.Consumer
	inflight   map[string]inflightMsg
	closed     bool
}

// NewNATSQueue connects with retry and ensures the stream exists.
func NewNATSQueue(ctx context.Context, cfg domain.QueueConfig, nc domain.NATSConfig) (*NATSQueue, error) {
	if nc.URL == "" {
		nc.URL = nats.DefaultURL
	}
	if nc.MaxReconnects == 0 {
		nc.MaxReconnects = 10
	}
	if nc.ReconnectWait == 0 {
		nc.ReconnectWait = 5 * time.Second
	}
	if nc.StreamName == "" {
		nc.StreamName = "KESTREL"
	}

	opts := []nats.Option{
		nats.Name("kestrel"),
		nats.MaxReconnects(nc.MaxReconnects),
		nats.ReconnectWait(nc.ReconnectWait),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err, "will_reconnect", !c.IsClosed())
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("NATS reconnected", "url", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			slog.Info("NATS connection closed")
		}),
	}
	if nc.Token != "" {
		opts = append(opts, nats.Token(nc.Token))
	}

	var conn *nats.Conn
	var err error
	for i := 0; i < nc.MaxReconnects; i++ {
		conn, err = nats.Connect(nc.URL, opts...)
		if err == nil {
			break
		}
		slog.Warn("NATS connection attempt failed",
			"attempt", i+1,
			"max_attempts", nc.MaxReconnects,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(nc.ReconnectWait):
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", nc.MaxReconnects, err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      nc.StreamName,
		Subjects:  []string{subjectPrefix + ">"},
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
		Discard:   jetstream.DiscardOld,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", nc.StreamName, err)
	}

	slog.Info("NATS connected",
		"url", conn.ConnectedUrl(),
		"stream", nc.StreamName,
	)

	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &NATSQueue{
		conn:       conn,
		js:         js,
		stream:     nc.StreamName,
		visibility: visibility,
		block:      cfg.BlockTimeout,
		consumers:  make(map[string]jetstream.Consumer),
		inflight:   make(map[string]inflightMsg),
	}, nil
}

// inflightMsg is a fetched message awaiting Ack. After its ack wait the
// server redelivers it, so the entry is dropped.
type inflightMsg struct {
	msg     jetstream.Msg
	expires time.Time
}

func subject(topic string) string {
	return subjectPrefix + topic
}

// durableName derives a consumer name; JetStream forbids '.', '*', '>' and
// whitespace in names.
func durableName(topic, group string) string {
	clean := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
				return r
			default:
				return '_'
			}
		}, s)
	}
	return clean(group) + "__" + clean(topic)
}

func inflightKey(topic, group, id string) string {
	return topic + "|" + group + "|" + id
}

// EnsureGroup creates or updates the durable consumer for topic and group.
func (q *NATSQueue) EnsureGroup(ctx context.Context, topic, group string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}

	name := durableName(topic, group)
	cons, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		Durable:       name,
		FilterSubject: subject(topic),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.visibility,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer %s: %w", name, err)
	}
	q.consumers[name] = cons
	return nil
}

// Publish stores the message in the stream and returns its sequence.
func (q *NATSQueue) Publish(ctx context.Context, topic, key string, payload []byte) (string, error) {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	msg := nats.NewMsg(subject(topic))
	msg.Data = payload
	if key != "" {
		msg.Header.Set(keyHeader, key)
	}

	ack, err := q.js.PublishMsg(ctx, msg)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", topic, err)
	}
	return strconv.FormatUint(ack.Sequence, 10), nil
}

// Receive fetches up to max messages. The consumer name is not used:
// JetStream balances a durable across all pullers.
func (q *NATSQueue) Receive(ctx context.Context, topic, group, _ string, max int) ([]*domain.Delivery, error) {
	if max <= 0 {
		max = 1
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	cons, ok := q.consumers[durableName(topic, group)]
	q.evictExpiredLocked(time.Now())
	q.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoGroup, topic, group)
	}

	wait := q.block
	if wait <= 0 {
		wait = time.Second
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < wait {
		wait = time.Until(deadline)
		if wait <= 0 {
			return nil, context.DeadlineExceeded
		}
	}

	batch, err := cons.Fetch(max, jetstream.FetchMaxWait(wait))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", topic, err)
	}

	now := time.Now()
	var out []*domain.Delivery
	for m := range batch.Messages() {
		meta, err := m.Metadata()
		if err != nil {
			slog.Warn("dropping JetStream message without metadata", "subject", m.Subject(), "error", err)
			continue
		}
		d := &domain.Delivery{
			ID:          strconv.FormatUint(meta.Sequence.Stream, 10),
			Topic:       topic,
			Key:         m.Headers().Get(keyHeader),
			Payload:     m.Data(),
			Redelivered: meta.NumDelivered > 1,
			ReceivedAt:  now,
		}
		q.mu.Lock()
		q.inflight[inflightKey(topic, group, d.ID)] = inflightMsg{msg: m, expires: now.Add(q.visibility)}
		q.mu.Unlock()
		out = append(out, d)
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return out, fmt.Errorf("fetch %s: %w", topic, err)
	}
	return out, nil
}

// Ack acknowledges a message previously returned by Receive.
func (q *NATSQueue) Ack(ctx context.Context, topic, group string, d *domain.Delivery) error {
	key := inflightKey(topic, group, d.ID)

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	m, ok := q.inflight[key]
	q.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDelivery, d.ID)
	}

	if err := m.msg.DoubleAck(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", d.ID, err)
	}

	q.mu.Lock()
	delete(q.inflight, key)
	q.mu.Unlock()
	return nil
}

func (q *NATSQueue) evictExpiredLocked(now time.Time) {
	for key, m := range q.inflight {
		if now.After(m.expires) {
			delete(q.inflight, key)
		}
	}
}

// Ping checks NATS connectivity.
func (q *NATSQueue) Ping(ctx context.Context) error {
	if !q.conn.IsConnected() {
		return fmt.Errorf("NATS not connected")
	}
	return q.conn.FlushWithContext(ctx)
}

// Close drains the connection.
func (q *NATSQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	q.inflight = make(map[string]inflightMsg)
	return q.conn.Drain()
}
