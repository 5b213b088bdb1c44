package domain

// RiskLevel is the discrete severity derived from a risk score.
// Accounts carry the same levels as an enrichment attribute.
type RiskLevel string

const (
	RiskLow    RiskLevel = "LOW"
	RiskMedium RiskLevel = "MEDIUM"
	RiskHigh   RiskLevel = "HIGH"
)

// Valid reports whether l is one of the known levels.
func (l RiskLevel) Valid() bool {
	switch l {
	case RiskLow, RiskMedium, RiskHigh:
		return true
	}
	return false
}

// Rule names. The order here is the registry order.
const (
	RuleHighAmount      = "high_amount"
	RuleRoundAmount     = "round_amount"
	RuleNewAccount      = "new_account"
	RuleHighRiskAccount = "high_risk_account"
	RuleForeignIP       = "foreign_ip"
	RuleVPNDetected     = "vpn_detected"
	RuleTorDetected     = "tor_detected"
	RuleDatacenterIP    = "datacenter_ip"
	RuleVelocityTxn     = "velocity_txn"
	RuleVelocityAmount  = "velocity_amount"
	RuleSharedDevice    = "shared_device"
	RuleSharedIP        = "shared_ip"
	RuleGraphRing       = "graph_ring"
)

// RuleNames lists every built-in rule in registry order.
var RuleNames = []string{
	RuleHighAmount, RuleRoundAmount, RuleNewAccount, RuleHighRiskAccount,
	RuleForeignIP, RuleVPNDetected, RuleTorDetected, RuleDatacenterIP,
	RuleVelocityTxn, RuleVelocityAmount,
	RuleSharedDevice, RuleSharedIP, RuleGraphRing,
}

// MaxRawScore caps the raw score a single rule may contribute.
const MaxRawScore = 50

// RuleResult is the output of one rule's evaluation.
type RuleResult struct {
	RuleName  string `json:"ruleName"`
	Triggered bool   `json:"triggered"`
	RawScore  int    `json:"rawScore"`
	Details   string `json:"details"`

	// Set by the evaluator only; never published.
	Skipped bool   `json:"-"`
	Error   string `json:"-"`
}

// NotTriggered builds a result for a rule that did not fire.
func NotTriggered(name, details string) RuleResult {
	return RuleResult{RuleName: name, Details: details}
}

// Triggered builds a result for a rule that fired, clamping the score to [0, MaxRawScore].
func Triggered(name string, rawScore int, details string) RuleResult {
	if rawScore < 0 {
		rawScore = 0
	}
	if rawScore > MaxRawScore {
		rawScore = MaxRawScore
	}
	return RuleResult{RuleName: name, Triggered: true, RawScore: rawScore, Details: details}
}
