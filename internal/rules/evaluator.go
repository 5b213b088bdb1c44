package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Context names reported in Evaluation.Degraded.
const (
	ContextVelocity = "velocity"
	ContextGraph    = "graph"
)

var tracer = otel.Tracer("kestrel-rules")

// Evaluation is the report of one evaluation pass.
type Evaluation struct {
	// Results has one entry per registered rule, in registry order.
	Results []domain.RuleResult

	// Skipped lists rules whose required context was unavailable.
	Skipped []string

	// Failed lists rules that returned an error or panicked.
	Failed []string

	// Degraded lists context queries that failed.
	Degraded []string

	Duration time.Duration
}

// Triggered returns the triggered results in registry order.
func (e *Evaluation) Triggered() []domain.RuleResult {
	out := make([]domain.RuleResult, 0, len(e.Results))
	for _, r := range e.Results {
		if r.Triggered {
			out = append(out, r)
		}
	}
	return out
}

// EvaluatorConfig wires the evaluator's dependencies.
// A nil store disables the rules that need it without marking the pass degraded.
type EvaluatorConfig struct {
	Registry *Registry
	Velocity domain.VelocityStore
	Graph    domain.GraphStore

	// Window is the velocity window length.
	Window time.Duration

	VelocityTimeout time.Duration
	GraphTimeout    time.Duration

	Logger *slog.Logger
}

// Evaluator runs every registered rule against one transaction.
// It is safe for concurrent use.
type Evaluator struct {
	registry        *Registry
	rules           []Rule
	velocity        domain.VelocityStore
	graph           domain.GraphStore
	window          time.Duration
	velocityTimeout time.Duration
	graphTimeout    time.Duration
	logger          *slog.Logger
}

// NewEvaluator creates an evaluator.
func NewEvaluator(cfg EvaluatorConfig) (*Evaluator, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("rule registry is required")
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Evaluator{
		registry:        cfg.Registry,
		rules:           cfg.Registry.List(),
		velocity:        cfg.Velocity,
		graph:           cfg.Graph,
		window:          cfg.Window,
		velocityTimeout: cfg.VelocityTimeout,
		graphTimeout:    cfg.GraphTimeout,
		logger:          cfg.Logger,
	}, nil
}

// Registry returns the rule registry the evaluator runs.
func (e *Evaluator) Registry() *Registry {
	return e.registry
}

// Evaluate loads the context for tx and runs every rule. It always completes:
// context failures skip dependent rules, rule failures count as not triggered.
func (e *Evaluator) Evaluate(ctx context.Context, tx *domain.TransactionEvent) *Evaluation {
	start := time.Now()

	ctx, span := tracer.Start(ctx, "rules.Evaluate",
		trace.WithAttributes(
			attribute.String("tx.id", tx.TransactionID),
			attribute.String("account.id", tx.AccountID),
		),
	)
	defer span.End()

	ec := newEvalContext(tx)
	eval := &Evaluation{Results: make([]domain.RuleResult, 0, len(e.rules))}

	e.loadContext(ctx, tx, ec, eval)

	for _, rule := range e.rules {
		name := rule.Name()

		if !ec.Available.Has(rule.Requires()) {
			res := domain.NotTriggered(name, "required context unavailable")
			res.Skipped = true
			eval.Results = append(eval.Results, res)
			eval.Skipped = append(eval.Skipped, name)
			continue
		}

		res, err := e.runRule(rule, tx, ec)
		if err != nil {
			e.logger.Warn("rule evaluation failed",
				"rule", name,
				"tx_id", tx.TransactionID,
				"error", err,
			)
			metrics.RuleErrors.WithLabelValues(name).Inc()
			res = domain.NotTriggered(name, "")
			res.Error = err.Error()
			eval.Results = append(eval.Results, res)
			eval.Failed = append(eval.Failed, name)
			continue
		}

		res.RuleName = name
		if res.Triggered {
			res = domain.Triggered(name, res.RawScore, res.Details)
			metrics.RuleTriggered.WithLabelValues(name).Inc()
		} else {
			res.RawScore = 0
		}
		eval.Results = append(eval.Results, res)
	}

	eval.Duration = time.Since(start)
	metrics.EvaluationDuration.Observe(eval.Duration.Seconds())

	span.SetAttributes(
		attribute.Int("rules.evaluated", len(eval.Results)),
		attribute.Int("rules.skipped", len(eval.Skipped)),
		attribute.Int("rules.failed", len(eval.Failed)),
	)
	if len(eval.Degraded) > 0 {
		span.SetStatus(codes.Error, "degraded evaluation")
	}

	return eval
}

// loadContext issues the velocity and graph queries concurrently.
func (e *Evaluator) loadContext(ctx context.Context, tx *domain.TransactionEvent, ec *EvalContext, eval *Evaluation) {
	var (
		wg          sync.WaitGroup
		velocity    domain.VelocityWindow
		graph       domain.GraphFacts
		velocityErr error
		graphErr    error
	)

	if e.velocity != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			qctx, cancel := withTimeout(ctx, e.velocityTimeout)
			defer cancel()
			velocity, velocityErr = e.velocity.Window(qctx, tx.AccountID, tx.Timestamp, e.window)
		}()
	}

	if e.graph != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			qctx, cancel := withTimeout(ctx, e.graphTimeout)
			defer cancel()
			graph, graphErr = e.graph.Facts(qctx, domain.GraphQuery{
				AccountID: tx.AccountID,
				DeviceID:  tx.Device.DeviceID,
				IPAddress: tx.IP.Address,
			})
		}()
	}

	wg.Wait()

	if e.velocity != nil {
		if velocityErr != nil {
			e.degraded(eval, ContextVelocity, tx, velocityErr)
		} else {
			ec.Velocity = velocity
			ec.Available |= CapVelocity
		}
	}

	if e.graph != nil {
		if graphErr != nil {
			e.degraded(eval, ContextGraph, tx, graphErr)
		} else {
			ec.Graph = graph
			ec.Available |= CapGraph
		}
	}
}

func (e *Evaluator) degraded(eval *Evaluation, name string, tx *domain.TransactionEvent, err error) {
	eval.Degraded = append(eval.Degraded, name)
	metrics.DegradedEvaluations.WithLabelValues(name).Inc()
	e.logger.Warn("degraded evaluation",
		"context", name,
		"tx_id", tx.TransactionID,
		"account_id", tx.AccountID,
		"error", err,
	)
}

// runRule evaluates one rule, converting a panic into an error.
func (e *Evaluator) runRule(rule Rule, tx *domain.TransactionEvent, ec *EvalContext) (res domain.RuleResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("rule %s panicked: %v", rule.Name(), p)
		}
	}()
	return rule.Evaluate(tx, ec)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
