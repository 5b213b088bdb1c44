package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// MemoryQueue is an in-process queue with consumer-group semantics.
// Each group reads the topic log independently; a claimed message stays
// pending until acknowledged and is handed out again once its claim expires.
type MemoryQueue struct {
	mu         sync.Mutex
	topics     map[string]*memTopic
	visibility time.Duration
	block      time.Duration
	closed     bool
	done       chan struct{}
	now        func() time.Time
}

type memTopic struct {
	log    []memMessage
	groups map[string]*memGroup
	signal chan struct{} // closed and replaced on every publish
}

type memMessage struct {
	id      string
	key     string
	payload []byte
}

type memGroup struct {
	next    int
	pending map[string]*memPending
	order   []string // pending ids in log order
}

type memPending struct {
	msg        memMessage
	consumer   string
	deadline   time.Time
	deliveries int
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(cfg domain.QueueConfig) *MemoryQueue {
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &MemoryQueue{
		topics:     make(map[string]*memTopic),
		visibility: visibility,
		block:      cfg.BlockTimeout,
		done:       make(chan struct{}),
		now:        time.Now,
	}
}

func (q *MemoryQueue) topic(name string) *memTopic {
	t, ok := q.topics[name]
	if !ok {
		t = &memTopic{groups: make(map[string]*memGroup), signal: make(chan struct{})}
		q.topics[name] = t
	}
	return t
}

// EnsureGroup creates the group reading from the start of the topic.
func (q *MemoryQueue) EnsureGroup(_ context.Context, topic, group string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	t := q.topic(topic)
	if _, ok := t.groups[group]; !ok {
		t.groups[group] = &memGroup{pending: make(map[string]*memPending)}
	}
	return nil
}

// Publish appends a message and wakes blocked receivers.
func (q *MemoryQueue) Publish(_ context.Context, topic, key string, payload []byte) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return "", ErrClosed
	}

	t := q.topic(topic)
	id := uuid.New().String()
	t.log = append(t.log, memMessage{id: id, key: key, payload: payload})

	close(t.signal)
	t.signal = make(chan struct{})
	return id, nil
}

// Receive returns expired claims first, then new messages.
func (q *MemoryQueue) Receive(ctx context.Context, topic, group, consumer string, max int) ([]*domain.Delivery, error) {
	if max <= 0 {
		max = 1
	}

	var timeout <-chan time.Time
	if q.block > 0 {
		timer := time.NewTimer(q.block)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, ErrClosed
		}
		t, ok := q.topics[topic]
		if !ok || t.groups[group] == nil {
			q.mu.Unlock()
			return nil, fmt.Errorf("%w: %s/%s", ErrNoGroup, topic, group)
		}

		out := q.claimLocked(t, t.groups[group], topic, consumer, max)
		wake := t.signal
		q.mu.Unlock()

		if len(out) > 0 || timeout == nil {
			return out, nil
		}

		select {
		case <-wake:
		case <-timeout:
			return nil, nil
		case <-q.done:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (q *MemoryQueue) claimLocked(t *memTopic, g *memGroup, topic, consumer string, max int) []*domain.Delivery {
	now := q.now()
	var out []*domain.Delivery

	for _, id := range g.order {
		if len(out) == max {
			return out
		}
		p := g.pending[id]
		if now.Before(p.deadline) {
			continue
		}
		p.consumer = consumer
		p.deadline = now.Add(q.visibility)
		p.deliveries++
		out = append(out, newDelivery(topic, p.msg, true, now))
	}

	for len(out) < max && g.next < len(t.log) {
		msg := t.log[g.next]
		g.next++
		g.pending[msg.id] = &memPending{
			msg:        msg,
			consumer:   consumer,
			deadline:   now.Add(q.visibility),
			deliveries: 1,
		}
		g.order = append(g.order, msg.id)
		out = append(out, newDelivery(topic, msg, false, now))
	}
	return out
}

func newDelivery(topic string, msg memMessage, redelivered bool, now time.Time) *domain.Delivery {
	return &domain.Delivery{
		ID:          msg.id,
		Topic:       topic,
		Key:         msg.key,
		Payload:     msg.payload,
		Redelivered: redelivered,
		ReceivedAt:  now,
	}
}

// Ack removes a message from the group's pending set.
// Acknowledging an id that is not pending is a no-op, as in Redis.
func (q *MemoryQueue) Ack(_ context.Context, topic, group string, d *domain.Delivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	t, ok := q.topics[topic]
	if !ok || t.groups[group] == nil {
		return fmt.Errorf("%w: %s/%s", ErrNoGroup, topic, group)
	}

	g := t.groups[group]
	if _, ok := g.pending[d.ID]; !ok {
		return nil
	}
	delete(g.pending, d.ID)
	for i, id := range g.order {
		if id == d.ID {
			g.order = append(g.order[:i], g.order[i+1:]...)
			break
		}
	}
	return nil
}

// Pending returns how many messages the group holds unacknowledged.
func (q *MemoryQueue) Pending(topic, group string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.topics[topic]
	if !ok || t.groups[group] == nil {
		return 0
	}
	return len(t.groups[group].pending)
}

// Len returns how many messages were ever published to topic.
func (q *MemoryQueue) Len(topic string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if t, ok := q.topics[topic]; ok {
		return len(t.log)
	}
	return 0
}

// Ping checks queue health.
func (q *MemoryQueue) Ping(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	return nil
}

// Close releases blocked receivers.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)
	return nil
}
