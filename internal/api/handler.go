package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// ServiceName is reported by /health.
const ServiceName = "detection-worker"

// StatsProvider reports worker pool counters.
type StatsProvider interface {
	Stats() worker.Stats
}

// Pinger is any dependency with a health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HandlerConfig holds the handler's dependencies. Only Registry is required.
type HandlerConfig struct {
	Registry *rules.Registry
	Queue    domain.QueueConfig
	Version  string

	// Dependencies probed by /ready, keyed by name. Nil entries are skipped.
	Dependencies map[string]Pinger

	Repo    domain.Repository
	Workers StatsProvider
}

// Handler holds dependencies for API handlers.
type Handler struct {
	cfg       HandlerConfig
	startedAt time.Time
	now       func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(cfg HandlerConfig) *Handler {
	return &Handler{
		cfg:       cfg,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Service          string        `json:"service"`
	Status           string        `json:"status"`
	Timestamp        time.Time     `json:"timestamp"`
	Uptime           float64       `json:"uptime"`
	RulesLoaded      int           `json:"rulesLoaded"`
	ConsumerGroup    string        `json:"consumerGroup"`
	InputStream      string        `json:"inputStream"`
	OutputStream     string        `json:"outputStream"`
	DeadLetterStream string        `json:"deadLetterStream"`
	Version          string        `json:"version"`
	Workers          *worker.Stats `json:"workers,omitempty"`
}

// Health handles GET /health. It reports liveness only.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	resp := HealthResponse{
		Service:          ServiceName,
		Status:           "healthy",
		Timestamp:        now.UTC(),
		Uptime:           now.Sub(h.startedAt).Seconds(),
		ConsumerGroup:    h.cfg.Queue.Group,
		InputStream:      h.cfg.Queue.InputTopic,
		OutputStream:     h.cfg.Queue.OutputTopic,
		DeadLetterStream: h.cfg.Queue.DeadLetterTopic,
		Version:          h.cfg.Version,
	}
	if h.cfg.Registry != nil {
		resp.RulesLoaded = h.cfg.Registry.Len()
	}
	if h.cfg.Workers != nil {
		stats := h.cfg.Workers.Stats()
		resp.Workers = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

// Ready handles GET /ready by pinging every dependency.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.cfg.Dependencies))
	ready := true
	for name, dep := range h.cfg.Dependencies {
		if dep == nil {
			continue
		}
		if err := dep.Ping(ctx); err != nil {
			slog.Warn("readiness check failed", "dependency", name, "error", err)
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": checks,
	})
}

// ListRules handles GET /rules.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	infos := h.cfg.Registry.Describe()
	writeJSON(w, http.StatusOK, map[string]any{
		"rules": infos,
		"count": len(infos),
	})
}

// GetRule handles GET /rules/{name}.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	for _, info := range h.cfg.Registry.Describe() {
		if info.Name == name {
			writeJSON(w, http.StatusOK, info)
			return
		}
	}
	writeError(w, http.StatusNotFound, "rule not found")
}

// GetScored handles GET /transactions/{id}.
func (h *Handler) GetScored(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not configured")
		return
	}

	scored, err := h.cfg.Repo.GetScored(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "transaction not found")
		return
	}
	if err != nil {
		slog.Error("failed to load scored transaction", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load transaction")
		return
	}
	writeJSON(w, http.StatusOK, scored)
}

// ListAccountScored handles GET /accounts/{id}/transactions?since=RFC3339&limit=N.
// since defaults to 24 hours ago; results are oldest first.
func (h *Handler) ListAccountScored(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not configured")
		return
	}

	since := h.now().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "since must be an RFC3339 timestamp")
			return
		}
		since = t
	}
	limit, ok := queryLimit(w, r, defaultAccountLimit)
	if !ok {
		return
	}

	list, err := h.cfg.Repo.ListScoredByAccount(r.Context(), chi.URLParam(r, "id"), since, limit)
	if err != nil {
		slog.Error("failed to list scored transactions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"transactions": list,
		"count":        len(list),
	})
}

// ListDeadLetters handles GET /deadletters?limit=N.
func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not configured")
		return
	}

	limit, ok := queryLimit(w, r, defaultDeadLetterLimit)
	if !ok {
		return
	}

	list, err := h.cfg.Repo.ListDeadLetters(r.Context(), limit)
	if err != nil {
		slog.Error("failed to list dead letters", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deadLetters": list,
		"count":       len(list),
	})
}

const (
	defaultAccountLimit    = 100
	defaultDeadLetterLimit = 50
	maxLimit               = 1000
)

// queryLimit parses ?limit=, writing a 400 and returning false when it is
// not between 1 and maxLimit.
func queryLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 || n > maxLimit {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("limit must be between 1 and %d", maxLimit))
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
