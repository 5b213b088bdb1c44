package worker

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/queue"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/score"
	"github.com/shopspring/decimal"
)

var fixedNow = time.Date(2025, 3, 1, 12, 0, 5, 0, time.UTC)

// flakyQueue fails selected operations a set number of times.
type flakyQueue struct {
	*queue.MemoryQueue
	publishFailures atomic.Int32
	ackFailures     atomic.Int32
	failTopic       string
}

func (q *flakyQueue) Publish(ctx context.Context, topic, key string, payload []byte) (string, error) {
	if topic == q.failTopic && q.publishFailures.Add(-1) >= 0 {
		return "", errors.New("connection reset")
	}
	return q.MemoryQueue.Publish(ctx, topic, key, payload)
}

func (q *flakyQueue) Ack(ctx context.Context, topic, group string, d *domain.Delivery) error {
	if q.ackFailures.Add(-1) >= 0 {
		return errors.New("connection reset")
	}
	return q.MemoryQueue.Ack(ctx, topic, group, d)
}

type harness struct {
	pool  *Pool
	queue *flakyQueue
	repo  *repository.SQLRepository
}

func newHarness(t *testing.T, withCache bool) *harness {
	t.Helper()

	mq := queue.NewMemoryQueue(domain.QueueConfig{
		VisibilityTimeout: 30 * time.Second,
		BlockTimeout:      20 * time.Millisecond,
	})
	h := &harness{queue: &flakyQueue{MemoryQueue: mq}}
	t.Cleanup(func() { _ = mq.Close() })

	ctx := context.Background()
	for _, tg := range [][2]string{
		{domain.TopicIncoming, domain.GroupDetection},
		{domain.TopicScored, domain.GroupAlerts},
		{domain.TopicDeadLetter, "audit"},
	} {
		if err := mq.EnsureGroup(ctx, tg[0], tg[1]); err != nil {
			t.Fatalf("EnsureGroup failed: %v", err)
		}
	}

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	h.repo = repo

	reg, err := rules.NewRegistry(domain.DefaultRulesConfig())
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	ev, err := rules.NewEvaluator(rules.EvaluatorConfig{Registry: reg, Window: time.Hour})
	if err != nil {
		t.Fatalf("failed to create evaluator: %v", err)
	}

	processor := score.NewProcessor()
	processor.Clock = func() time.Time { return fixedNow }

	cfg := ConfigFromDomain(domain.DefaultConfig())
	cfg.Queue = h.queue
	cfg.Evaluator = ev
	cfg.Processor = processor
	cfg.Repo = repo
	cfg.Clock = func() time.Time { return fixedNow }
	cfg.Count = 2
	if withCache {
		cfg.Cache = cache.NewLRUCache(100)
	}

	pool, err := NewPool(cfg)
	if err != nil {
		t.Fatalf("failed to create pool: %v", err)
	}
	h.pool = pool
	return h
}

func testEvent(id, amount string) *domain.TransactionEvent {
	return &domain.TransactionEvent{
		TransactionID: id,
		AccountID:     "ACC-001",
		MerchantID:    "MER-001",
		Amount:        decimal.RequireFromString(amount),
		Currency:      "USD",
		Timestamp:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Account: domain.AccountInfo{
			RiskLevel: domain.RiskHigh,
			CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
			Country:   "US",
		},
		IP: domain.IPInfo{Address: "185.220.101.1", Country: "DE", IsTor: true},
	}
}

func (h *harness) publishInput(t *testing.T, payload []byte, key string) {
	t.Helper()
	if _, err := h.queue.MemoryQueue.Publish(context.Background(), domain.TopicIncoming, key, payload); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
}

func (h *harness) publishEvent(t *testing.T, tx *domain.TransactionEvent) {
	t.Helper()
	payload, err := queue.EncodeTransaction(tx)
	if err != nil {
		t.Fatal(err)
	}
	h.publishInput(t, payload, tx.TransactionID)
}

func (h *harness) receive(t *testing.T) *domain.Delivery {
	t.Helper()
	ds, err := h.queue.Receive(context.Background(), domain.TopicIncoming, domain.GroupDetection, "test-1", 1)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if len(ds) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(ds))
	}
	return ds[0]
}

func (h *harness) outputs(t *testing.T, topic, group string) []*domain.Delivery {
	t.Helper()
	ds, err := h.queue.MemoryQueue.Receive(context.Background(), topic, group, "reader", 100)
	if err != nil {
		t.Fatalf("receive %s failed: %v", topic, err)
	}
	return ds
}

func TestProcessScoresAndPublishes(t *testing.T) {
	h := newHarness(t, true)
	ctx := context.Background()
	h.publishEvent(t, testEvent("TXN-001", "5000"))

	if state := h.pool.Process(ctx, h.receive(t)); state != StateAcked {
		t.Fatalf("expected acked, got %s", state)
	}
	if n := h.queue.Pending(domain.TopicIncoming, domain.GroupDetection); n != 0 {
		t.Errorf("expected input acked, %d pending", n)
	}

	out := h.outputs(t, domain.TopicScored, domain.GroupAlerts)
	if len(out) != 1 {
		t.Fatalf("expected 1 scored message, got %d", len(out))
	}
	if out[0].Key != "TXN-001" {
		t.Errorf("expected key TXN-001, got %q", out[0].Key)
	}

	scored, err := queue.DecodeScored(out[0].Payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if scored.RiskScore != 100 || scored.RiskLevel != domain.RiskHigh {
		t.Errorf("expected 100 HIGH, got %d %s", scored.RiskScore, scored.RiskLevel)
	}
	if !scored.ScoredAt.Equal(fixedNow) || scored.EngineVersion != score.EngineVersion {
		t.Errorf("unexpected metadata %v %s", scored.ScoredAt, scored.EngineVersion)
	}

	saved, err := h.repo.GetScored(ctx, "TXN-001")
	if err != nil {
		t.Fatalf("expected scored transaction saved: %v", err)
	}
	if saved.RiskScore != scored.RiskScore {
		t.Errorf("saved score %d differs from published %d", saved.RiskScore, scored.RiskScore)
	}

	if stats := h.pool.Stats(); stats.Scored != 1 || stats.InFlight != 0 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestProcessDeadLettersInvalidInput(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		payload []byte
	}{
		{"MalformedJSON", []byte(`{"transactionId": "TXN-1",`)},
		{"MissingFields", []byte(`{"transactionId": "TXN-1", "amount": 10}`)},
		{"NegativeAmount", func() []byte {
			tx := testEvent("TXN-1", "-5")
			b, _ := queue.EncodeTransaction(tx)
			return b
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, true)
			h.publishInput(t, tt.payload, "TXN-1")
			d := h.receive(t)

			if state := h.pool.Process(ctx, d); state != StateAcked {
				t.Fatalf("expected acked, got %s", state)
			}
			if len(h.outputs(t, domain.TopicScored, domain.GroupAlerts)) != 0 {
				t.Error("invalid input must not be scored")
			}

			dls := h.outputs(t, domain.TopicDeadLetter, "audit")
			if len(dls) != 1 {
				t.Fatalf("expected 1 dead letter, got %d", len(dls))
			}

			saved, err := h.repo.ListDeadLetters(ctx, 10)
			if err != nil {
				t.Fatalf("list dead letters failed: %v", err)
			}
			if len(saved) != 1 {
				t.Fatalf("expected 1 saved dead letter, got %d", len(saved))
			}
			if saved[0].MessageID != d.ID || saved[0].SourceTopic != domain.TopicIncoming || saved[0].Reason == "" {
				t.Errorf("unexpected dead letter %+v", saved[0])
			}
			if !bytes.Equal(saved[0].Payload, tt.payload) {
				t.Errorf("dead letter payload differs from original")
			}
		})
	}
}

func TestProcessDeadLetterPublishFailure(t *testing.T) {
	h := newHarness(t, true)
	h.queue.failTopic = domain.TopicDeadLetter
	h.queue.publishFailures.Store(1)
	h.publishInput(t, []byte(`not json`), "")

	if state := h.pool.Process(context.Background(), h.receive(t)); state != StateRetryPending {
		t.Fatalf("expected retry pending, got %s", state)
	}
	if n := h.queue.Pending(domain.TopicIncoming, domain.GroupDetection); n != 1 {
		t.Errorf("message must stay pending, got %d", n)
	}
}

func TestProcessPublishFailureLeavesMessagePending(t *testing.T) {
	h := newHarness(t, true)
	h.queue.failTopic = domain.TopicScored
	h.queue.publishFailures.Store(1)
	h.publishEvent(t, testEvent("TXN-001", "10"))
	ctx := context.Background()

	d := h.receive(t)
	if state := h.pool.Process(ctx, d); state != StateRetryPending {
		t.Fatalf("expected retry pending, got %s", state)
	}
	if n := h.queue.Pending(domain.TopicIncoming, domain.GroupDetection); n != 1 {
		t.Fatalf("message must stay pending, got %d", n)
	}
	if _, err := h.repo.GetScored(ctx, "TXN-001"); !errors.Is(err, repository.ErrNotFound) {
		t.Errorf("nothing should be saved before publish succeeds, got %v", err)
	}

	// The redelivered message succeeds once the output stream recovers.
	d.Redelivered = true
	if state := h.pool.Process(ctx, d); state != StateAcked {
		t.Fatalf("expected acked on redelivery, got %s", state)
	}
	if len(h.outputs(t, domain.TopicScored, domain.GroupAlerts)) != 1 {
		t.Error("expected scored message after retry")
	}
	if stats := h.pool.Stats(); stats.Retried != 1 || stats.Scored != 1 {
		t.Errorf("unexpected stats %+v", stats)
	}
}

func TestRedeliveryAfterAckFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("MarkerSkipsSecondPublish", func(t *testing.T) {
		h := newHarness(t, true)
		h.queue.ackFailures.Store(1)
		h.publishEvent(t, testEvent("TXN-001", "5000"))

		d := h.receive(t)
		if state := h.pool.Process(ctx, d); state != StateRetryPending {
			t.Fatalf("expected retry pending after ack failure, got %s", state)
		}

		d.Redelivered = true
		if state := h.pool.Process(ctx, d); state != StateAcked {
			t.Fatalf("expected redelivery acked, got %s", state)
		}
		if n := len(h.outputs(t, domain.TopicScored, domain.GroupAlerts)); n != 1 {
			t.Errorf("expected exactly one scored message, got %d", n)
		}
		if stats := h.pool.Stats(); stats.Duplicates != 1 {
			t.Errorf("expected 1 duplicate, got %+v", stats)
		}
	})

	t.Run("ReprocessingIsByteIdentical", func(t *testing.T) {
		h := newHarness(t, false)
		h.queue.ackFailures.Store(1)
		h.publishEvent(t, testEvent("TXN-001", "5000"))

		d := h.receive(t)
		h.pool.Process(ctx, d)
		d.Redelivered = true
		if state := h.pool.Process(ctx, d); state != StateAcked {
			t.Fatalf("expected acked, got %s", state)
		}

		out := h.outputs(t, domain.TopicScored, domain.GroupAlerts)
		if len(out) != 2 {
			t.Fatalf("expected the result published twice without a marker cache, got %d", len(out))
		}
		if !bytes.Equal(out[0].Payload, out[1].Payload) {
			t.Errorf("redelivered result diverged:\n%s\n%s", out[0].Payload, out[1].Payload)
		}
	})
}

func TestServe(t *testing.T) {
	h := newHarness(t, true)
	for _, id := range []string{"TXN-1", "TXN-2", "TXN-3", "TXN-4", "TXN-5"} {
		h.publishEvent(t, testEvent(id, "10"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.pool.Serve(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for h.queue.Len(domain.TopicScored) < 5 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	if n := h.queue.Len(domain.TopicScored); n != 5 {
		t.Errorf("expected 5 scored messages, got %d", n)
	}
	if h.pool.String() != "worker-pool" {
		t.Errorf("unexpected service name %q", h.pool.String())
	}
}

func TestNewPoolValidation(t *testing.T) {
	if _, err := NewPool(Config{}); err == nil {
		t.Error("expected error without queue")
	}
	if _, err := NewPool(Config{Queue: queue.NewMemoryQueue(domain.QueueConfig{})}); err == nil {
		t.Error("expected error without evaluator")
	}
}
