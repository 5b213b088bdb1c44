package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
)

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

type fixedStats worker.Stats

func (s fixedStats) Stats() worker.Stats { return worker.Stats(s) }

func newTestServer(t *testing.T, cfg HandlerConfig) *Server {
	t.Helper()
	if cfg.Registry == nil {
		reg, err := rules.NewRegistry(domain.DefaultRulesConfig())
		if err != nil {
			t.Fatalf("failed to build registry: %v", err)
		}
		cfg.Registry = reg
	}
	if cfg.Queue.InputTopic == "" {
		cfg.Queue = domain.DefaultConfig().Queue
	}
	if cfg.Version == "" {
		cfg.Version = "test-v1"
	}
	return NewServer(domain.ServerConfig{Host: "localhost", Port: 0}, NewHandler(cfg))
}

func do(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, HandlerConfig{Workers: fixedStats{Workers: 4, Scored: 12}})

	rr := do(t, s, "/health")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	var resp HealthResponse
	decode(t, rr, &resp)

	if resp.Service != ServiceName || resp.Status != "healthy" {
		t.Errorf("unexpected service/status %s/%s", resp.Service, resp.Status)
	}
	if resp.RulesLoaded != 13 {
		t.Errorf("expected 13 rules loaded, got %d", resp.RulesLoaded)
	}
	if resp.ConsumerGroup != domain.GroupDetection || resp.InputStream != domain.TopicIncoming ||
		resp.OutputStream != domain.TopicScored || resp.DeadLetterStream != domain.TopicDeadLetter {
		t.Errorf("unexpected stream names %+v", resp)
	}
	if resp.Version != "test-v1" {
		t.Errorf("expected version test-v1, got %s", resp.Version)
	}
	if resp.Workers == nil || resp.Workers.Scored != 12 {
		t.Errorf("expected worker stats, got %+v", resp.Workers)
	}
	if rr.Header().Get(RequestIDHeader) == "" {
		t.Error("expected request id header")
	}
}

func TestReady(t *testing.T) {
	ok := pingFunc(func(context.Context) error { return nil })
	down := pingFunc(func(context.Context) error { return errors.New("connection refused") })

	t.Run("AllHealthy", func(t *testing.T) {
		s := newTestServer(t, HandlerConfig{Dependencies: map[string]Pinger{"queue": ok, "graph": ok, "velocity": nil}})
		rr := do(t, s, "/ready")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var resp struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}
		decode(t, rr, &resp)
		if resp.Status != "ready" || len(resp.Checks) != 2 {
			t.Errorf("unexpected response %+v", resp)
		}
	})

	t.Run("DependencyDown", func(t *testing.T) {
		s := newTestServer(t, HandlerConfig{Dependencies: map[string]Pinger{"queue": ok, "graph": down}})
		rr := do(t, s, "/ready")
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rr.Code)
		}
		if !strings.Contains(rr.Body.String(), "connection refused") {
			t.Errorf("expected failure reason in body, got %s", rr.Body.String())
		}
	})
}

func TestRules(t *testing.T) {
	s := newTestServer(t, HandlerConfig{})

	t.Run("List", func(t *testing.T) {
		rr := do(t, s, "/rules")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		var resp struct {
			Rules []rules.Info `json:"rules"`
			Count int          `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 13 || resp.Rules[0].Name != domain.RuleHighAmount {
			t.Errorf("unexpected rules %+v", resp)
		}
	})

	t.Run("Get", func(t *testing.T) {
		rr := do(t, s, "/rules/"+domain.RuleGraphRing)
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		var info rules.Info
		decode(t, rr, &info)
		if info.Weight != 5 {
			t.Errorf("expected weight 5, got %d", info.Weight)
		}
	})

	t.Run("NotFound", func(t *testing.T) {
		if rr := do(t, s, "/rules/nope"); rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})
}

func TestMetricsEndpoint(t *testing.T) {
	rr := do(t, newTestServer(t, HandlerConfig{}), "/metrics")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "go_goroutines") {
		t.Error("expected prometheus exposition format")
	}
}

func TestAuditEndpoints(t *testing.T) {
	ctx := context.Background()

	t.Run("WithoutRepository", func(t *testing.T) {
		s := newTestServer(t, HandlerConfig{})
		for _, path := range []string{"/transactions/TXN-1", "/accounts/ACC-1/transactions", "/deadletters"} {
			if rr := do(t, s, path); rr.Code != http.StatusServiceUnavailable {
				t.Errorf("%s: expected 503, got %d", path, rr.Code)
			}
		}
	})

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	defer repo.Close()

	ts := time.Now().UTC().Add(-time.Hour).Truncate(time.Second)
	scored := domain.NewScoredTransaction(&domain.TransactionEvent{
		TransactionID: "TXN-1",
		AccountID:     "ACC-1",
		MerchantID:    "MER-1",
		Amount:        decimal.NewFromInt(5000),
		Currency:      "USD",
		Timestamp:     ts,
	}, 40, domain.RiskMedium, []domain.RuleResult{domain.Triggered(domain.RuleHighAmount, 40, "over threshold")})
	scored.ScoredAt = ts
	if err := repo.SaveScored(ctx, scored); err != nil {
		t.Fatalf("SaveScored failed: %v", err)
	}
	later := domain.NewScoredTransaction(&domain.TransactionEvent{
		TransactionID: "TXN-2",
		AccountID:     "ACC-1",
		MerchantID:    "MER-1",
		Amount:        decimal.NewFromInt(20),
		Currency:      "USD",
		Timestamp:     ts.Add(time.Minute),
	}, 0, domain.RiskLow, nil)
	later.ScoredAt = ts.Add(time.Minute)
	if err := repo.SaveScored(ctx, later); err != nil {
		t.Fatalf("SaveScored failed: %v", err)
	}
	if err := repo.SaveDeadLetter(ctx, &domain.DeadLetter{
		ID: "dl-1", SourceTopic: domain.TopicIncoming, MessageID: "1-0", Reason: "bad json", Payload: []byte("{"), FailedAt: ts,
	}); err != nil {
		t.Fatalf("SaveDeadLetter failed: %v", err)
	}

	s := newTestServer(t, HandlerConfig{Repo: repo})

	t.Run("GetScored", func(t *testing.T) {
		rr := do(t, s, "/transactions/TXN-1")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
		}
		var got domain.ScoredTransaction
		decode(t, rr, &got)
		if got.RiskScore != 40 || got.RiskLevel != domain.RiskMedium {
			t.Errorf("unexpected scored transaction %+v", got)
		}
	})

	t.Run("GetScoredMissing", func(t *testing.T) {
		if rr := do(t, s, "/transactions/TXN-404"); rr.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rr.Code)
		}
	})

	t.Run("ListAccount", func(t *testing.T) {
		rr := do(t, s, "/accounts/ACC-1/transactions")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		var resp struct {
			Transactions []domain.ScoredTransaction `json:"transactions"`
			Count        int                        `json:"count"`
		}
		decode(t, rr, &resp)
		if resp.Count != 2 {
			t.Errorf("expected 2 transactions, got %d", resp.Count)
		}

		rr = do(t, s, "/accounts/ACC-1/transactions?limit=1")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		resp.Transactions = nil
		decode(t, rr, &resp)
		if resp.Count != 1 || len(resp.Transactions) != 1 || resp.Transactions[0].TransactionID != "TXN-1" {
			t.Errorf("expected only TXN-1 with limit=1, got %+v", resp)
		}

		if rr := do(t, s, "/accounts/ACC-1/transactions?since=yesterday"); rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for bad since, got %d", rr.Code)
		}
		if rr := do(t, s, "/accounts/ACC-1/transactions?limit=5000"); rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for limit over the maximum, got %d", rr.Code)
		}
	})

	t.Run("DeadLetters", func(t *testing.T) {
		rr := do(t, s, "/deadletters?limit=10")
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		var resp struct {
			DeadLetters []domain.DeadLetter `json:"deadLetters"`
		}
		decode(t, rr, &resp)
		if len(resp.DeadLetters) != 1 || resp.DeadLetters[0].Reason != "bad json" {
			t.Errorf("unexpected dead letters %+v", resp.DeadLetters)
		}

		if rr := do(t, s, "/deadletters?limit=0"); rr.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for bad limit, got %d", rr.Code)
		}
	})
}

func TestRecoverMiddleware(t *testing.T) {
	h := RecoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", rr.Code)
	}
}

func TestMiddlewareLabelsByRoute(t *testing.T) {
	s := newTestServer(t, HandlerConfig{})
	counter := metrics.HTTPRequests.WithLabelValues("/rules/{name}", "404")
	before := testutil.ToFloat64(counter)

	req := httptest.NewRequest(http.MethodGet, "/rules/unknown-rule", nil)
	req.Header.Set(RequestIDHeader, "req-123")
	rr := httptest.NewRecorder()
	s.Router().ServeHTTP(rr, req)

	if got := testutil.ToFloat64(counter) - before; got != 1 {
		t.Errorf("expected one request counted under the route pattern, got %v", got)
	}
	if rr.Header().Get(RequestIDHeader) != "req-123" {
		t.Errorf("expected request id echoed, got %q", rr.Header().Get(RequestIDHeader))
	}
	if rr.Header().Get(TraceIDHeader) == "" {
		t.Error("expected trace id header")
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	s := newTestServer(t, HandlerConfig{})
	s.config.Host = "127.0.0.1"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
