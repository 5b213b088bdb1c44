package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

type flakyGraph struct {
	err   error
	calls int
}

func (f *flakyGraph) Facts(context.Context, domain.GraphQuery) (domain.GraphFacts, error) {
	f.calls++
	return domain.GraphFacts{SharedDeviceAccounts: 2}, f.err
}
func (f *flakyGraph) Ping(context.Context) error { return nil }
func (f *flakyGraph) Close() error               { return nil }

func testConfig() domain.BreakerConfig {
	return domain.BreakerConfig{
		Enabled:             true,
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             time.Minute,
		ConsecutiveFailures: 3,
	}
}

func TestWrapGraphTrips(t *testing.T) {
	ctx := context.Background()
	next := &flakyGraph{err: errors.New("connection refused")}
	store := WrapGraph(next, testConfig(), nil)

	for i := 0; i < 3; i++ {
		if _, err := store.Facts(ctx, domain.GraphQuery{AccountID: "ACC-001"}); err == nil {
			t.Fatalf("call %d: expected error", i)
		}
	}

	_, err := store.Facts(ctx, domain.GraphQuery{AccountID: "ACC-001"})
	if !errors.Is(err, ErrOpen) {
		t.Errorf("expected ErrOpen after threshold, got %v", err)
	}
	if next.calls != 3 {
		t.Errorf("expected open breaker to skip the store, got %d calls", next.calls)
	}
	if s := store.(*GraphStore).State(); s != "open" {
		t.Errorf("expected open state, got %s", s)
	}
}

func TestWrapGraphPassesResults(t *testing.T) {
	next := &flakyGraph{}
	store := WrapGraph(next, testConfig(), nil)

	facts, err := store.Facts(context.Background(), domain.GraphQuery{AccountID: "ACC-001"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if facts.SharedDeviceAccounts != 2 {
		t.Errorf("expected facts passed through, got %+v", facts)
	}
}

func TestCancellationDoesNotTrip(t *testing.T) {
	next := &flakyGraph{err: context.Canceled}
	store := WrapGraph(next, testConfig(), nil)

	for i := 0; i < 5; i++ {
		store.Facts(context.Background(), domain.GraphQuery{})
	}
	if s := store.(*GraphStore).State(); s != "closed" {
		t.Errorf("expected closed state, got %s", s)
	}
}

func TestWrapDisabled(t *testing.T) {
	next := &flakyGraph{}
	cfg := testConfig()
	cfg.Enabled = false

	if store := WrapGraph(next, cfg, nil); store != domain.GraphStore(next) {
		t.Error("expected the store unchanged when breakers are disabled")
	}
}
