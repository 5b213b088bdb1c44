package domain

import (
	"time"
)

// ScoredTransaction is the transaction event augmented with its risk assessment.
// It is written once to the output stream and never mutated afterwards.
type ScoredTransaction struct {
	TransactionEvent

	RiskScore      int          `json:"riskScore"`
	RiskLevel      RiskLevel    `json:"riskLevel"`
	TriggeredRules []RuleResult `json:"triggeredRules"`

	// Processing metadata
	DegradedContexts []string  `json:"degradedContexts,omitempty"`
	ScoredAt         time.Time `json:"scoredAt"`
	EngineVersion    string    `json:"engineVersion"`
}

// NewScoredTransaction assembles a scored result from the triggered rules.
// triggered must already be filtered and ordered.
func NewScoredTransaction(tx *TransactionEvent, score int, level RiskLevel, triggered []RuleResult) *ScoredTransaction {
	if triggered == nil {
		triggered = []RuleResult{}
	}
	return &ScoredTransaction{
		TransactionEvent: *tx,
		RiskScore:        score,
		RiskLevel:        level,
		TriggeredRules:   triggered,
	}
}

// RuleNames returns the names of the triggered rules in order.
func (s *ScoredTransaction) RuleNames() []string {
	names := make([]string, len(s.TriggeredRules))
	for i, r := range s.TriggeredRules {
		names[i] = r.RuleName
	}
	return names
}

// DeadLetter is recorded for a message that cannot be scored.
type DeadLetter struct {
	ID          string    `json:"id"`
	SourceTopic string    `json:"sourceTopic"`
	MessageID   string    `json:"messageId"`
	Reason      string    `json:"reason"`
	Payload     []byte    `json:"payload"`
	FailedAt    time.Time `json:"failedAt"`
}
