package score

import (
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

func TestLevel(t *testing.T) {
	tests := []struct {
		score int
		want  domain.RiskLevel
	}{
		{0, domain.RiskLow},
		{29, domain.RiskLow},
		{30, domain.RiskMedium},
		{69, domain.RiskMedium},
		{70, domain.RiskHigh},
		{100, domain.RiskHigh},
	}

	for _, tt := range tests {
		if got := Level(tt.score); got != tt.want {
			t.Errorf("Level(%d) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestAggregate(t *testing.T) {
	t.Run("NoResults", func(t *testing.T) {
		s, level := Aggregate(nil)
		if s != 0 || level != domain.RiskLow {
			t.Errorf("expected 0 LOW, got %d %s", s, level)
		}
	})

	t.Run("IgnoresNonTriggered", func(t *testing.T) {
		results := []domain.RuleResult{
			{RuleName: "a", Triggered: true, RawScore: 20},
			{RuleName: "b", Triggered: false, RawScore: 50},
			{RuleName: "c", Triggered: true, RawScore: 15},
		}
		s, level := Aggregate(results)
		if s != 35 {
			t.Errorf("expected 35, got %d", s)
		}
		if level != domain.RiskMedium {
			t.Errorf("expected MEDIUM, got %s", level)
		}
	})

	t.Run("ClampsAt100", func(t *testing.T) {
		results := []domain.RuleResult{
			{RuleName: "a", Triggered: true, RawScore: 50},
			{RuleName: "b", Triggered: true, RawScore: 50},
			{RuleName: "c", Triggered: true, RawScore: 35},
		}
		s, level := Aggregate(results)
		if s != MaxScore {
			t.Errorf("expected %d, got %d", MaxScore, s)
		}
		if level != domain.RiskHigh {
			t.Errorf("expected HIGH, got %s", level)
		}
	})
}

func TestProcessor(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	proc := &Processor{Clock: func() time.Time { return fixed }, EngineVersion: "test"}

	tx := &domain.TransactionEvent{
		TransactionID: "TXN-001",
		AccountID:     "ACC-001",
		Amount:        decimal.NewFromInt(5000),
		Currency:      "USD",
		Timestamp:     fixed,
	}
	results := []domain.RuleResult{
		{RuleName: domain.RuleHighAmount, Triggered: true, RawScore: 40},
		{RuleName: domain.RuleRoundAmount, Triggered: false},
		{RuleName: domain.RuleTorDetected, Triggered: true, RawScore: 35},
	}

	scored := proc.Process(tx, results, []string{"graph"})

	if scored.RiskScore != 75 || scored.RiskLevel != domain.RiskHigh {
		t.Errorf("expected 75 HIGH, got %d %s", scored.RiskScore, scored.RiskLevel)
	}
	names := scored.RuleNames()
	if len(names) != 2 || names[0] != domain.RuleHighAmount || names[1] != domain.RuleTorDetected {
		t.Errorf("unexpected triggered rules %v", names)
	}
	if !scored.ScoredAt.Equal(fixed) {
		t.Errorf("expected injected clock, got %v", scored.ScoredAt)
	}
	if len(scored.DegradedContexts) != 1 || scored.DegradedContexts[0] != "graph" {
		t.Errorf("expected degraded [graph], got %v", scored.DegradedContexts)
	}
	if scored.TransactionID != "TXN-001" {
		t.Errorf("expected event fields carried over, got %q", scored.TransactionID)
	}
}
