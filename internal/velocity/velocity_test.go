package velocity

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func txAt(id string, at time.Time, amount int64) *domain.TransactionEvent {
	return &domain.TransactionEvent{
		TransactionID: id,
		AccountID:     "ACC-001",
		MerchantID:    "MER-001",
		Amount:        decimal.NewFromInt(amount),
		Currency:      "USD",
		Timestamp:     at,
	}
}

func newRedisStore(t *testing.T) domain.VelocityStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client, 24*time.Hour)
}

func TestStores(t *testing.T) {
	factories := map[string]func(t *testing.T) domain.VelocityStore{
		"memory": func(*testing.T) domain.VelocityStore { return NewMemoryStore(24 * time.Hour) },
		"redis":  newRedisStore,
	}

	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("EmptyAccount", func(t *testing.T) {
				store := factory(t)
				w, err := store.Window(ctx, "ACC-404", t0, time.Hour)
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if w.Count != 0 || !w.Sum.IsZero() {
					t.Errorf("expected empty window, got %+v", w)
				}
			})

			t.Run("WindowBounds", func(t *testing.T) {
				store := factory(t)
				entries := []*domain.TransactionEvent{
					txAt("TXN-old", t0.Add(-2*time.Hour), 1000),
					txAt("TXN-edge", t0.Add(-time.Hour), 500), // exclusive start
					txAt("TXN-1", t0.Add(-30*time.Minute), 100),
					txAt("TXN-2", t0.Add(-time.Minute), 200),
					txAt("TXN-now", t0, 300), // inclusive end
					txAt("TXN-future", t0.Add(time.Minute), 9000),
				}
				for _, tx := range entries {
					if err := store.Record(ctx, tx); err != nil {
						t.Fatalf("record %s: %v", tx.TransactionID, err)
					}
				}

				w, err := store.Window(ctx, "ACC-001", t0, time.Hour)
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if w.Count != 3 {
					t.Errorf("expected 3 transactions, got %d", w.Count)
				}
				if !w.Sum.Equal(decimal.NewFromInt(600)) {
					t.Errorf("expected sum 600, got %s", w.Sum)
				}
				if !w.End.Equal(t0) || !w.Start.Equal(t0.Add(-time.Hour)) {
					t.Errorf("unexpected bounds %v..%v", w.Start, w.End)
				}
			})

			t.Run("RecordIsIdempotent", func(t *testing.T) {
				store := factory(t)
				tx := txAt("TXN-dup", t0.Add(-time.Minute), 250)
				for i := 0; i < 3; i++ {
					if err := store.Record(ctx, tx); err != nil {
						t.Fatalf("record: %v", err)
					}
				}

				w, _ := store.Window(ctx, "ACC-001", t0, time.Hour)
				if w.Count != 1 {
					t.Errorf("expected 1 transaction, got %d", w.Count)
				}
			})

			t.Run("ElevenInAnHour", func(t *testing.T) {
				store := factory(t)
				for i := 0; i < 11; i++ {
					tx := txAt(fmt.Sprintf("TXN-%02d", i), t0.Add(-time.Duration(i)*time.Minute), 10)
					if err := store.Record(ctx, tx); err != nil {
						t.Fatalf("record: %v", err)
					}
				}

				w, _ := store.Window(ctx, "ACC-001", t0, time.Hour)
				if w.Count != 11 {
					t.Errorf("expected 11 transactions, got %d", w.Count)
				}
			})
		})
	}
}

func TestMemoryStoreRetention(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(time.Hour)

	store.Record(ctx, txAt("TXN-old", t0.Add(-3*time.Hour), 100))
	store.Record(ctx, txAt("TXN-new", t0, 100))

	w, _ := store.Window(ctx, "ACC-001", t0, 24*time.Hour)
	if w.Count != 1 {
		t.Errorf("expected old entry trimmed, got count %d", w.Count)
	}
}

func TestParseMember(t *testing.T) {
	amount, err := parseMember("TXN:with:colons:12.50")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !amount.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("expected 12.5, got %s", amount)
	}

	if _, err := parseMember("garbage"); err == nil {
		t.Error("expected error for member without amount")
	}
}

func TestNew(t *testing.T) {
	if _, err := New(domain.VelocityConfig{Type: "memory", Window: time.Hour}, nil); err != nil {
		t.Errorf("memory store: %v", err)
	}
	if _, err := New(domain.VelocityConfig{Type: "redis"}, nil); err == nil {
		t.Error("expected error for redis store without client")
	}
	if s, err := New(domain.VelocityConfig{Type: "none"}, nil); err != nil || s != nil {
		t.Errorf("expected nil store for none, got %v, %v", s, err)
	}
	if _, err := New(domain.VelocityConfig{Type: "cassandra"}, nil); err == nil {
		t.Error("expected error for unknown type")
	}
}
