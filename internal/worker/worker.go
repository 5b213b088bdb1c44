// Package worker consumes transaction events, scores them and publishes the
// results with at-least-once delivery.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/queue"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/score"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("kestrel-worker")

// Config holds the pool's collaborators and settings.
type Config struct {
	Queue     domain.Queue
	Evaluator *rules.Evaluator
	Processor *score.Processor

	// Optional
	Cache domain.Cache
	Repo  domain.Repository

	InputTopic      string
	OutputTopic     string
	DeadLetterTopic string
	Group           string

	// ConsumerName is suffixed with the loop index.
	ConsumerName string
	Count        int
	BatchSize    int

	ProcessTimeout time.Duration
	ErrorBackoff   time.Duration
	MarkerTTL      time.Duration

	Clock  func() time.Time
	Logger *slog.Logger
}

// ConfigFromDomain fills the settings of a Config from application config.
// Collaborators must be set by the caller.
func ConfigFromDomain(cfg *domain.Config) Config {
	return Config{
		InputTopic:      cfg.Queue.InputTopic,
		OutputTopic:     cfg.Queue.OutputTopic,
		DeadLetterTopic: cfg.Queue.DeadLetterTopic,
		Group:           cfg.Queue.Group,
		ConsumerName:    cfg.Worker.ConsumerName,
		Count:           cfg.Worker.Count,
		BatchSize:       cfg.Queue.BatchSize,
		ProcessTimeout:  cfg.Worker.ProcessTimeout,
		ErrorBackoff:    cfg.Worker.ErrorBackoff,
		MarkerTTL:       cfg.Cache.MarkerTTL,
	}
}

// Pool runs Count consumer loops against one consumer group.
type Pool struct {
	cfg     Config
	markers markers
	logger  *slog.Logger
	stats   counters
}

type counters struct {
	scored     atomic.Int64
	duplicates atomic.Int64
	deadLetter atomic.Int64
	retried    atomic.Int64
	inFlight   atomic.Int64
}

// Stats is a snapshot of the pool's counters since start.
type Stats struct {
	Workers      int   `json:"workers"`
	Scored       int64 `json:"scored"`
	Duplicates   int64 `json:"duplicates"`
	DeadLettered int64 `json:"deadLettered"`
	Retried      int64 `json:"retried"`
	InFlight     int64 `json:"inFlight"`
}

// NewPool validates cfg and creates a pool.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("worker: queue is required")
	}
	if cfg.Evaluator == nil {
		return nil, fmt.Errorf("worker: evaluator is required")
	}
	if cfg.InputTopic == "" || cfg.OutputTopic == "" || cfg.DeadLetterTopic == "" || cfg.Group == "" {
		return nil, fmt.Errorf("worker: input, output and dead-letter topics and group are required")
	}
	if cfg.Processor == nil {
		cfg.Processor = score.NewProcessor()
	}
	if cfg.ConsumerName == "" {
		cfg.ConsumerName = "detector"
	}
	if cfg.Count <= 0 {
		cfg.Count = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 5 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = time.Second
	}
	if cfg.MarkerTTL <= 0 {
		cfg.MarkerTTL = 24 * time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Pool{
		cfg:     cfg,
		markers: markers{cache: cfg.Cache, ttl: cfg.MarkerTTL},
		logger:  cfg.Logger,
	}, nil
}

// Serve runs the consumer loops until ctx is cancelled.
func (p *Pool) Serve(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 1; i <= p.cfg.Count; i++ {
		consumer := fmt.Sprintf("%s-%d", p.cfg.ConsumerName, i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.loop(ctx, consumer)
		}()
	}

	p.logger.Info("workers started",
		"count", p.cfg.Count,
		"input_stream", p.cfg.InputTopic,
		"consumer_group", p.cfg.Group,
	)

	wg.Wait()
	p.logger.Info("workers stopped")
	return ctx.Err()
}

func (p *Pool) String() string {
	return "worker-pool"
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:      p.cfg.Count,
		Scored:       p.stats.scored.Load(),
		Duplicates:   p.stats.duplicates.Load(),
		DeadLettered: p.stats.deadLetter.Load(),
		Retried:      p.stats.retried.Load(),
		InFlight:     p.stats.inFlight.Load(),
	}
}

func (p *Pool) loop(ctx context.Context, consumer string) {
	for ctx.Err() == nil {
		deliveries, err := p.cfg.Queue.Receive(ctx, p.cfg.InputTopic, p.cfg.Group, consumer, p.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			metrics.RecordQueueError("receive")
			p.logger.Error("failed to receive messages",
				"consumer", consumer,
				"error", err,
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.ErrorBackoff):
			}
			continue
		}

		for i, d := range deliveries {
			if ctx.Err() != nil {
				// Unprocessed claims stay pending and are redelivered.
				metrics.MessagesProcessed.WithLabelValues(metrics.OutcomeUnprocessed).Add(float64(len(deliveries) - i))
				return
			}
			p.Process(ctx, d)
		}
	}
}

// Process runs one delivery through the state machine and returns the
// terminal state. The message is acknowledged only in StateAcked.
func (p *Pool) Process(ctx context.Context, d *domain.Delivery) State {
	start := time.Now()
	p.stats.inFlight.Add(1)
	defer p.stats.inFlight.Add(-1)

	ctx, span := tracer.Start(ctx, "worker.Process",
		trace.WithAttributes(
			attribute.String("message.id", d.ID),
			attribute.String("message.topic", d.Topic),
			attribute.Bool("message.redelivered", d.Redelivered),
		),
	)
	defer span.End()

	m := NewMachine()
	outcome, err := p.run(ctx, m, d)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if m.State() != StateRetryPending {
			if terr := m.To(StateRetryPending); terr != nil {
				p.logger.Error("state machine violation", "message_id", d.ID, "error", terr)
			}
		}
		outcome = metrics.OutcomeRetry
		if errors.Is(err, errAckFailed) {
			outcome = metrics.OutcomeAckFailed
		}
		p.stats.retried.Add(1)
		p.logger.Warn("message left for redelivery",
			"message_id", d.ID,
			"tx_id", d.Key,
			"state", m.State().String(),
			"error", err,
		)
	}

	span.SetAttributes(attribute.String("outcome", outcome))
	metrics.RecordMessage(outcome, time.Since(start))
	return m.State()
}

var errAckFailed = errors.New("ack failed")

// run executes the pipeline. A non-nil error means the message was not
// acknowledged and will be redelivered after the visibility timeout.
func (p *Pool) run(ctx context.Context, m *Machine, d *domain.Delivery) (string, error) {
	if err := m.To(StateClaimed); err != nil {
		return "", err
	}

	tx, err := queue.DecodeTransaction(d.Payload)
	if err != nil {
		if err := p.deadLetter(ctx, m, d, err); err != nil {
			return "", err
		}
		if err := p.ack(ctx, m, d); err != nil {
			return "", err
		}
		p.stats.deadLetter.Add(1)
		return metrics.OutcomeDeadLetter, nil
	}

	seen, err := p.markers.published(ctx, tx.TransactionID)
	if err != nil {
		p.logger.Warn("idempotency lookup failed, scoring anyway",
			"tx_id", tx.TransactionID,
			"error", err,
		)
	}
	if seen {
		if err := m.To(StateAcknowledging); err != nil {
			return "", err
		}
		if err := p.ack(ctx, m, d); err != nil {
			return "", err
		}
		p.stats.duplicates.Add(1)
		p.logger.Debug("duplicate delivery acknowledged",
			"tx_id", tx.TransactionID,
			"message_id", d.ID,
		)
		return metrics.OutcomeDuplicate, nil
	}

	if err := m.To(StateEvaluating); err != nil {
		return "", err
	}
	evalCtx, cancel := context.WithTimeout(ctx, p.cfg.ProcessTimeout)
	eval := p.cfg.Evaluator.Evaluate(evalCtx, tx)
	cancel()
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("evaluation interrupted: %w", err)
	}

	scored := p.cfg.Processor.Process(tx, eval.Results, eval.Degraded)
	payload, err := queue.EncodeScored(scored)
	if err != nil {
		return "", fmt.Errorf("encode scored transaction: %w", err)
	}

	if err := m.To(StatePublishing); err != nil {
		return "", err
	}
	if _, err := p.cfg.Queue.Publish(ctx, p.cfg.OutputTopic, tx.TransactionID, payload); err != nil {
		metrics.RecordQueueError("publish")
		return "", fmt.Errorf("publish scored transaction: %w", err)
	}

	if err := p.markers.mark(ctx, tx.TransactionID); err != nil {
		p.logger.Warn("failed to store published marker",
			"tx_id", tx.TransactionID,
			"error", err,
		)
	}
	if p.cfg.Repo != nil {
		if err := p.cfg.Repo.SaveScored(ctx, scored); err != nil {
			p.logger.Error("failed to save scored transaction",
				"tx_id", tx.TransactionID,
				"error", err,
			)
		}
	}

	if err := m.To(StateAcknowledging); err != nil {
		return "", err
	}
	if err := p.ack(ctx, m, d); err != nil {
		return "", err
	}

	p.stats.scored.Add(1)
	metrics.RecordScore(string(scored.RiskLevel), scored.RiskScore)
	p.logger.Info("transaction scored",
		"tx_id", tx.TransactionID,
		"account_id", tx.AccountID,
		"risk_score", scored.RiskScore,
		"risk_level", scored.RiskLevel,
		"triggered_rules", scored.RuleNames(),
		"degraded", eval.Degraded,
		"duration_ms", eval.Duration.Milliseconds(),
	)
	return metrics.OutcomeScored, nil
}

// deadLetter publishes a record of the failed message. The input message is
// acknowledged only after the record is published.
func (p *Pool) deadLetter(ctx context.Context, m *Machine, d *domain.Delivery, cause error) error {
	if err := m.To(StateDeadLettering); err != nil {
		return err
	}

	dl := &domain.DeadLetter{
		ID:          uuid.New().String(),
		SourceTopic: d.Topic,
		MessageID:   d.ID,
		Reason:      cause.Error(),
		Payload:     d.Payload,
		FailedAt:    p.cfg.Clock(),
	}
	payload, err := queue.EncodeDeadLetter(dl)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	if _, err := p.cfg.Queue.Publish(ctx, p.cfg.DeadLetterTopic, d.Key, payload); err != nil {
		metrics.RecordQueueError("publish_dead_letter")
		return fmt.Errorf("publish dead letter: %w", err)
	}

	if p.cfg.Repo != nil {
		if err := p.cfg.Repo.SaveDeadLetter(ctx, dl); err != nil {
			p.logger.Error("failed to save dead letter",
				"message_id", d.ID,
				"error", err,
			)
		}
	}

	p.logger.Warn("message dead-lettered",
		"message_id", d.ID,
		"topic", d.Topic,
		"reason", dl.Reason,
	)
	return m.To(StateAcknowledging)
}

func (p *Pool) ack(ctx context.Context, m *Machine, d *domain.Delivery) error {
	if err := p.cfg.Queue.Ack(ctx, p.cfg.InputTopic, p.cfg.Group, d); err != nil {
		metrics.RecordQueueError("ack")
		return fmt.Errorf("%w: %w", errAckFailed, err)
	}
	return m.To(StateAcked)
}
