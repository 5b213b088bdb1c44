// Package breaker wraps the graph and velocity stores in circuit breakers.
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	gobreaker "github.com/sony/gobreaker/v2"
)

// ErrOpen is returned while a breaker rejects calls.
var ErrOpen = gobreaker.ErrOpenState

// New creates a circuit breaker that trips after cfg.ConsecutiveFailures
// failures in a row. State changes are logged and exported as metrics.
// Caller cancellation does not count as a failure.
func New[T any](name string, cfg domain.BreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[T] {
	if logger == nil {
		logger = slog.Default()
	}
	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}

	metrics.BreakerState.WithLabelValues(name).Set(float64(gobreaker.StateClosed))

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			metrics.BreakerState.WithLabelValues(name).Set(float64(to))
			metrics.BreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	}

	return gobreaker.NewCircuitBreaker[T](settings)
}

// GraphStore guards a graph store with a breaker.
type GraphStore struct {
	next domain.GraphStore
	cb   *gobreaker.CircuitBreaker[domain.GraphFacts]
}

// WrapGraph returns next unchanged when breakers are disabled.
func WrapGraph(next domain.GraphStore, cfg domain.BreakerConfig, logger *slog.Logger) domain.GraphStore {
	if !cfg.Enabled || next == nil {
		return next
	}
	return &GraphStore{
		next: next,
		cb:   New[domain.GraphFacts]("graph", cfg, logger),
	}
}

func (s *GraphStore) Facts(ctx context.Context, q domain.GraphQuery) (domain.GraphFacts, error) {
	return s.cb.Execute(func() (domain.GraphFacts, error) {
		return s.next.Facts(ctx, q)
	})
}

// State reports the breaker state ("closed", "half-open", "open").
func (s *GraphStore) State() string {
	return s.cb.State().String()
}

func (s *GraphStore) Ping(ctx context.Context) error { return s.next.Ping(ctx) }
func (s *GraphStore) Close() error                   { return s.next.Close() }

// VelocityStore guards the velocity window query with a breaker.
// Record is passed through unguarded.
type VelocityStore struct {
	next domain.VelocityStore
	cb   *gobreaker.CircuitBreaker[domain.VelocityWindow]
}

// WrapVelocity returns next unchanged when breakers are disabled.
func WrapVelocity(next domain.VelocityStore, cfg domain.BreakerConfig, logger *slog.Logger) domain.VelocityStore {
	if !cfg.Enabled || next == nil {
		return next
	}
	return &VelocityStore{
		next: next,
		cb:   New[domain.VelocityWindow]("velocity", cfg, logger),
	}
}

func (s *VelocityStore) Window(ctx context.Context, accountID string, end time.Time, window time.Duration) (domain.VelocityWindow, error) {
	return s.cb.Execute(func() (domain.VelocityWindow, error) {
		return s.next.Window(ctx, accountID, end, window)
	})
}

// State reports the breaker state.
func (s *VelocityStore) State() string {
	return s.cb.State().String()
}

func (s *VelocityStore) Record(ctx context.Context, tx *domain.TransactionEvent) error {
	return s.next.Record(ctx, tx)
}
func (s *VelocityStore) Ping(ctx context.Context) error { return s.next.Ping(ctx) }
func (s *VelocityStore) Close() error                   { return s.next.Close() }
