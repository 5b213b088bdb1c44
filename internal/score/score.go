// Package score turns rule results into the final risk assessment.
package score

import (
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Score bounds and level thresholds. These are fixed, not configuration.
const (
	MinScore = 0
	MaxScore = 100

	MediumThreshold = 30
	HighThreshold   = 70
)

// EngineVersion is stamped on every scored transaction.
const EngineVersion = "kestrel-1.0"

// Aggregate sums the raw scores of triggered results and clamps to [0, 100].
// Non-triggered results contribute nothing regardless of their rawScore.
func Aggregate(results []domain.RuleResult) (int, domain.RiskLevel) {
	sum := 0
	for _, r := range results {
		if r.Triggered {
			sum += r.RawScore
		}
	}
	s := clamp(sum)
	return s, Level(s)
}

// Level maps a score to LOW (<30), MEDIUM (30-69) or HIGH (>=70).
func Level(s int) domain.RiskLevel {
	switch {
	case s >= HighThreshold:
		return domain.RiskHigh
	case s >= MediumThreshold:
		return domain.RiskMedium
	default:
		return domain.RiskLow
	}
}

func clamp(s int) int {
	if s < MinScore {
		return MinScore
	}
	if s > MaxScore {
		return MaxScore
	}
	return s
}

// Processor assembles the scored transaction.
type Processor struct {
	// Clock stamps ScoredAt. Inject a fixed clock for reproducible output.
	Clock func() time.Time

	EngineVersion string
}

// NewProcessor creates a processor with the wall clock.
func NewProcessor() *Processor {
	return &Processor{
		Clock:         func() time.Time { return time.Now().UTC() },
		EngineVersion: EngineVersion,
	}
}

// Process aggregates results (already in registry order) into a ScoredTransaction.
// Only triggered rules are kept. degraded names the context queries that failed.
func (p *Processor) Process(tx *domain.TransactionEvent, results []domain.RuleResult, degraded []string) *domain.ScoredTransaction {
	s, level := Aggregate(results)

	triggered := make([]domain.RuleResult, 0, len(results))
	for _, r := range results {
		if r.Triggered {
			triggered = append(triggered, r)
		}
	}

	scored := domain.NewScoredTransaction(tx, s, level, triggered)
	if len(degraded) > 0 {
		scored.DegradedContexts = append([]string(nil), degraded...)
	}
	scored.ScoredAt = p.Clock()
	scored.EngineVersion = p.EngineVersion
	return scored
}
