package rules

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// predicateRule fires a fixed score when a boolean CEL expression over the
// event's enrichment holds. Expressions are compiled once when the registry
// is built; they are not user supplied.
type predicateRule struct {
	base
	expression string
	score      int
	details    string
	program    cel.Program
}

// newPredicateEnv declares the variables visible to predicate expressions.
func newPredicateEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("amount", cel.DoubleType),
		cel.Variable("currency", cel.StringType),
		cel.Variable("account", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("ip", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("device", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

func compilePredicate(env *cel.Env, r *predicateRule) error {
	ast, issues := env.Compile(r.expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("failed to compile rule %s: %w", r.name, issues.Err())
	}

	if !ast.OutputType().IsExactType(cel.BoolType) {
		return fmt.Errorf("rule %s: expression must return bool, got %s", r.name, ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return fmt.Errorf("failed to create program for rule %s: %w", r.name, err)
	}
	r.program = program
	return nil
}

// predicateVars builds the CEL activation for one event.
func predicateVars(tx *domain.TransactionEvent) map[string]any {
	amount, _ := tx.Amount.Float64()
	return map[string]any{
		"amount":   amount,
		"currency": tx.Currency,
		"account": map[string]any{
			"riskLevel": string(tx.Account.RiskLevel),
			"country":   tx.Account.Country,
		},
		"ip": map[string]any{
			"address":      tx.IP.Address,
			"country":      tx.IP.Country,
			"isVpn":        tx.IP.IsVPN,
			"isTor":        tx.IP.IsTor,
			"isDatacenter": tx.IP.IsDatacenter,
		},
		"device": map[string]any{
			"deviceId":    tx.Device.DeviceID,
			"fingerprint": tx.Device.Fingerprint,
		},
	}
}

func (r *predicateRule) Evaluate(tx *domain.TransactionEvent, ec *EvalContext) (domain.RuleResult, error) {
	vars := ec.vars
	if vars == nil {
		vars = predicateVars(tx)
	}

	out, _, err := r.program.Eval(vars)
	if err != nil {
		return domain.RuleResult{}, fmt.Errorf("evaluate %s: %w", r.name, err)
	}

	matched, ok := out.(types.Bool)
	if !ok {
		return domain.RuleResult{}, fmt.Errorf("evaluate %s: unexpected result type %s", r.name, out.Type().TypeName())
	}
	if !matched {
		return domain.NotTriggered(r.name, ""), nil
	}
	return domain.Triggered(r.name, r.score, r.details), nil
}

// predicateRules returns the account and IP predicate rules in registry order.
func predicateRules(cfg domain.RulesConfig) []*predicateRule {
	return []*predicateRule{
		{
			base: base{
				name:        domain.RuleHighRiskAccount,
				description: "Account is flagged HIGH risk",
				weight:      3,
				requires:    CapAccount,
			},
			expression: `account.riskLevel == "HIGH"`,
			score:      cfg.HighRiskAccountScore,
			details:    "account risk level is HIGH",
		},
		{
			base: base{
				name:        domain.RuleForeignIP,
				description: "IP country differs from the account's country",
				weight:      2,
				requires:    CapTransaction | CapAccount,
			},
			expression: `ip.country != "" && account.country != "" && ip.country != account.country`,
			score:      cfg.ForeignIPScore,
			details:    "IP country does not match account country",
		},
		{
			base: base{
				name:        domain.RuleVPNDetected,
				description: "Transaction originated from a VPN",
				weight:      2,
				requires:    CapTransaction,
			},
			expression: `ip.isVpn == true`,
			score:      cfg.VPNScore,
			details:    "IP address belongs to a VPN provider",
		},
		{
			base: base{
				name:        domain.RuleTorDetected,
				description: "Transaction originated from a Tor exit node",
				weight:      4,
				requires:    CapTransaction,
			},
			expression: `ip.isTor == true`,
			score:      cfg.TorScore,
			details:    "IP address is a Tor exit node",
		},
		{
			base: base{
				name:        domain.RuleDatacenterIP,
				description: "Transaction originated from a datacenter IP",
				weight:      1,
				requires:    CapTransaction,
			},
			expression: `ip.isDatacenter == true`,
			score:      cfg.DatacenterIPScore,
			details:    "IP address belongs to a hosting provider",
		},
	}
}
