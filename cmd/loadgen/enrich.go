package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/redis/go-redis/v9"
)

// edgeWriter is implemented by the graph stores that accept new links.
type edgeWriter interface {
	AddEdge(ctx context.Context, accountID, kind, target string) error
}

// enricher does the upstream stage's bookkeeping for each event before it
// is published: the transaction goes into the velocity store and the
// account is linked to its device and IP in the entity graph.
type enricher struct {
	velocity domain.VelocityStore
	edges    edgeWriter
}

func (e *enricher) apply(ctx context.Context, tx *domain.TransactionEvent) error {
	var errs []error
	if e.velocity != nil {
		if err := e.velocity.Record(ctx, tx); err != nil {
			errs = append(errs, fmt.Errorf("record velocity: %w", err))
		}
	}
	if e.edges != nil {
		if tx.Device.DeviceID != "" {
			if err := e.edges.AddEdge(ctx, tx.AccountID, domain.EdgeUsed, tx.Device.DeviceID); err != nil {
				errs = append(errs, fmt.Errorf("link device: %w", err))
			}
		}
		if tx.IP.Address != "" {
			if err := e.edges.AddEdge(ctx, tx.AccountID, domain.EdgeConnectedFrom, tx.IP.Address); err != nil {
				errs = append(errs, fmt.Errorf("link ip: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}

// openEnricher connects to the stores the engine reads. A memory velocity
// store lives in the engine's process, so it cannot be fed from here.
func openEnricher(ctx context.Context, cfg *domain.Config, client *redis.Client) (*enricher, func(), error) {
	e := &enricher{}
	var closers []func() error
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				slog.Warn("failed to close enrichment store", "error", err)
			}
		}
	}

	switch cfg.Velocity.Type {
	case "redis":
		store, err := velocity.New(cfg.Velocity, client)
		if err != nil {
			return nil, nil, err
		}
		e.velocity = store
		closers = append(closers, store.Close)
	case "memory":
		slog.Warn("velocity.type is memory; velocity rules will not see loadgen traffic")
	}

	var (
		db     *sql.DB
		driver string
	)
	if cfg.Graph.Type == "sql" {
		repo, err := repository.New(cfg.Repository)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("open graph database: %w", err)
		}
		closers = append(closers, repo.Close)
		db, driver = repo.DB(), repo.Driver()
	}
	g, err := graph.New(ctx, cfg.Graph, db, driver)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	if g != nil {
		closers = append(closers, g.Close)
		if w, ok := g.(edgeWriter); ok {
			e.edges = w
		}
	}

	return e, closeAll, nil
}
