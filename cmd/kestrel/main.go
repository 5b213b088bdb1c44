// Kestrel - Real-time transaction fraud scoring.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/breaker"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/graph"
	"github.com/opensource-finance/kestrel/internal/queue"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/score"
	"github.com/opensource-finance/kestrel/internal/supervisor"
	"github.com/opensource-finance/kestrel/internal/tracing"
	"github.com/opensource-finance/kestrel/internal/velocity"
	"github.com/opensource-finance/kestrel/internal/worker"
	"github.com/redis/go-redis/v9"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (default $KESTREL_CONFIG)")
	flag.Parse()

	// Bootstrap logger until the configured one is known
	slog.SetDefault(newLogger(os.Stdout, domain.LoggingConfig{Level: "info", Format: "json"}))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := newLogger(os.Stdout, cfg.Logging)
	slog.SetDefault(logger)

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"queue", cfg.Queue.Type,
		"graph", cfg.Graph.Type,
		"velocity", cfg.Velocity.Type,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("kestrel stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("kestrel shutdown complete")
}

// closer is released in reverse order of acquisition.
type closer struct {
	name string
	fn   func() error
}

func run(ctx context.Context, cfg *domain.Config, logger *slog.Logger) error {
	var closers []closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i].fn(); err != nil {
				slog.Warn("close failed", "component", closers[i].name, "error", err)
			}
		}
	}()
	onClose := func(name string, fn func() error) {
		closers = append(closers, closer{name: name, fn: fn})
	}

	shutdownTracing, err := tracing.Init(ctx, cfg.Tracing, Version, logger)
	if err != nil {
		return err
	}
	onClose("tracing", func() error {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return shutdownTracing(sctx)
	})

	// Redis backs any of queue, velocity and cache
	var redisClient *redis.Client
	if needsRedis(cfg) {
		redisClient, err = connectRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		onClose("redis", redisClient.Close)
	}

	// Repository
	var repo *repository.SQLRepository
	var auditRepo domain.Repository
	if cfg.Repository.Driver != "none" {
		repo, err = repository.New(cfg.Repository)
		if err != nil {
			return fmt.Errorf("failed to initialize repository: %w", err)
		}
		onClose("repository", repo.Close)
		auditRepo = repo
		slog.Info("repository initialized", "driver", cfg.Repository.Driver)
	}

	// Entity graph
	var db *sql.DB
	if repo != nil {
		db = repo.DB()
	}
	graphStore, err := graph.New(ctx, cfg.Graph, db, cfg.Repository.Driver)
	if err != nil {
		return fmt.Errorf("failed to initialize graph store: %w", err)
	}
	if graphStore != nil {
		onClose("graph", graphStore.Close)
	}
	graphStore = breaker.WrapGraph(graphStore, cfg.Breaker, logger)
	slog.Info("graph store initialized", "type", cfg.Graph.Type, "ring_max_depth", cfg.Graph.RingMaxDepth)

	// Velocity
	velocityStore, err := velocity.New(cfg.Velocity, redisClient)
	if err != nil {
		return fmt.Errorf("failed to initialize velocity store: %w", err)
	}
	if velocityStore != nil {
		onClose("velocity", velocityStore.Close)
	}
	velocityStore = breaker.WrapVelocity(velocityStore, cfg.Breaker, logger)
	slog.Info("velocity store initialized", "type", cfg.Velocity.Type, "window", cfg.Velocity.Window.String())

	// Rules
	registry, err := rules.NewRegistry(cfg.Rules)
	if err != nil {
		return fmt.Errorf("failed to build rule registry: %w", err)
	}
	evaluator, err := rules.NewEvaluator(rules.EvaluatorConfig{
		Registry:        registry,
		Velocity:        velocityStore,
		Graph:           graphStore,
		Window:          cfg.Velocity.Window,
		VelocityTimeout: cfg.Velocity.QueryTimeout,
		GraphTimeout:    cfg.Graph.QueryTimeout,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize evaluator: %w", err)
	}
	slog.Info("rule registry initialized", "rules_count", registry.Len())

	// Idempotency markers
	markerCache, err := cache.New(cfg.Cache, redisClient)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	if markerCache != nil {
		onClose("cache", markerCache.Close)
	}
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	// Queue
	q, err := queue.New(ctx, cfg.Queue, cfg.NATS, redisClient)
	if err != nil {
		return fmt.Errorf("failed to initialize queue: %w", err)
	}
	onClose("queue", q.Close)
	if err := ensureGroups(ctx, q, cfg.Queue); err != nil {
		return err
	}
	if cfg.Queue.Type == "memory" {
		slog.Warn("memory queue only receives messages published by this process")
	}
	slog.Info("queue initialized",
		"type", cfg.Queue.Type,
		"input", cfg.Queue.InputTopic,
		"output", cfg.Queue.OutputTopic,
		"group", cfg.Queue.Group,
	)

	// Worker pool
	wcfg := worker.ConfigFromDomain(cfg)
	wcfg.Queue = q
	wcfg.Evaluator = evaluator
	wcfg.Processor = score.NewProcessor()
	wcfg.Cache = markerCache
	wcfg.Repo = auditRepo
	wcfg.Logger = logger
	pool, err := worker.NewPool(wcfg)
	if err != nil {
		return fmt.Errorf("failed to create worker pool: %w", err)
	}

	// HTTP surface
	deps := map[string]api.Pinger{"queue": q}
	if graphStore != nil {
		deps["graph"] = graphStore
	}
	if velocityStore != nil {
		deps["velocity"] = velocityStore
	}
	if auditRepo != nil {
		deps["repository"] = auditRepo
	}
	handler := api.NewHandler(api.HandlerConfig{
		Registry:     registry,
		Queue:        cfg.Queue,
		Version:      Version,
		Dependencies: deps,
		Repo:         auditRepo,
		Workers:      pool,
	})
	srv := api.NewServer(cfg.Server, handler)

	tree := supervisor.NewTree(logger, supervisor.DefaultTreeConfig())
	tree.AddProcessing(pool)
	tree.AddAPI(srv)

	printBanner(cfg, Version, registry.Len())
	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"workers", cfg.Worker.Count,
	)

	err = tree.Serve(ctx)
	slog.Info("shutting down...")
	if report, rerr := tree.UnstoppedServiceReport(); rerr == nil && len(report) > 0 {
		slog.Warn("services did not stop in time", "count", len(report))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	stats := pool.Stats()
	slog.Info("worker pool stopped",
		"scored", stats.Scored,
		"duplicates", stats.Duplicates,
		"dead_lettered", stats.DeadLettered,
		"retried", stats.Retried,
	)
	return nil
}

func newLogger(w io.Writer, cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if os.Getenv("KESTREL_DEBUG") == "true" {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func needsRedis(cfg *domain.Config) bool {
	return cfg.Queue.Type == "redis" || cfg.Velocity.Type == "redis" || cfg.Cache.Type == "redis"
}

func connectRedis(ctx context.Context, cfg domain.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	slog.Info("redis connected", "addr", cfg.Addr)
	return client, nil
}

// ensureGroups creates the input and output consumer groups, as the stream
// setup step of the pipeline does.
func ensureGroups(ctx context.Context, q domain.Queue, cfg domain.QueueConfig) error {
	if err := q.EnsureGroup(ctx, cfg.InputTopic, cfg.Group); err != nil {
		return fmt.Errorf("failed to ensure group %s on %s: %w", cfg.Group, cfg.InputTopic, err)
	}
	if cfg.OutputGroup != "" {
		if err := q.EnsureGroup(ctx, cfg.OutputTopic, cfg.OutputGroup); err != nil {
			return fmt.Errorf("failed to ensure group %s on %s: %w", cfg.OutputGroup, cfg.OutputTopic, err)
		}
	}
	return nil
}

func printBanner(cfg *domain.Config, version string, rulesLoaded int) {
	fmt.Println()
	fmt.Println("  +-------------------------------------------+")
	fmt.Println("  |                 KESTREL                   |")
	fmt.Println("  |     Real-time Transaction Fraud Scoring   |")
	fmt.Println("  +-------------------------------------------+")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Rules:    %d\n", rulesLoaded)
	fmt.Printf("  Input:    %s (%s)\n", cfg.Queue.InputTopic, cfg.Queue.Group)
	fmt.Printf("  Output:   %s\n", cfg.Queue.OutputTopic)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    GET /health                     - Liveness and stream names")
	fmt.Println("    GET /ready                      - Dependency checks")
	fmt.Println("    GET /rules                      - Registered rules")
	fmt.Println("    GET /metrics                    - Prometheus metrics")
	fmt.Println("    GET /transactions/{id}          - Scored transaction")
	fmt.Println("    GET /accounts/{id}/transactions - Account history")
	fmt.Println("    GET /deadletters                - Recent dead letters")
	fmt.Println()
}
