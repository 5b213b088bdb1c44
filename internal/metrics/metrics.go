// Package metrics exposes Prometheus instrumentation for the detection engine.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "kestrel"

// Message outcomes.
const (
	OutcomeScored      = "scored"
	OutcomeDuplicate   = "duplicate"
	OutcomeDeadLetter  = "dead_letter"
	OutcomeRetry       = "retry"
	OutcomeAckFailed   = "ack_failed"
	OutcomeUnprocessed = "unprocessed"
)

var (
	// Worker
	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "messages_total",
			Help:      "Messages handled by the detection workers, by outcome",
		},
		[]string{"outcome"},
	)

	MessageDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "message_duration_seconds",
			Help:      "Time from claim to acknowledgement",
			Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	QueueErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "errors_total",
			Help:      "Queue operation failures",
		},
		[]string{"operation"},
	)

	// Evaluation
	EvaluationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "evaluation_duration_seconds",
			Help:      "Duration of one evaluation pass including context queries",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5},
		},
	)

	RuleTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "triggered_total",
			Help:      "Rule triggers by rule name",
		},
		[]string{"rule"},
	)

	RuleErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "errors_total",
			Help:      "Rule evaluations that returned an error or panicked",
		},
		[]string{"rule"},
	)

	DegradedEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rules",
			Name:      "degraded_total",
			Help:      "Evaluations where a context query failed, by context",
		},
		[]string{"context"},
	)

	RiskLevels = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "score",
			Name:      "risk_level_total",
			Help:      "Scored transactions by risk level",
		},
		[]string{"level"},
	)

	RiskScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "score",
			Name:      "risk_score",
			Help:      "Distribution of risk scores",
			Buckets:   prometheus.LinearBuckets(10, 10, 10),
		},
	)

	// HTTP surface
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Requests to the status surface by route and status code",
		},
		[]string{"route", "code"},
	)

	// Circuit breakers
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)
)

// RecordMessage records the outcome and latency of one message.
func RecordMessage(outcome string, duration time.Duration) {
	MessagesProcessed.WithLabelValues(outcome).Inc()
	if duration > 0 {
		MessageDuration.Observe(duration.Seconds())
	}
}

// RecordScore records the final score of a scored transaction.
func RecordScore(level string, score int) {
	RiskLevels.WithLabelValues(level).Inc()
	RiskScore.Observe(float64(score))
}

// RecordQueueError counts a failed queue operation.
func RecordQueueError(operation string) {
	QueueErrors.WithLabelValues(operation).Inc()
}
