package rules

import (
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// BuiltinRules returns the full rule set in registry order.
// Predicate rules are returned uncompiled; NewRegistry compiles them.
func BuiltinRules(cfg domain.RulesConfig) []Rule {
	rules := []Rule{
		&highAmountRule{
			base: base{
				name:        domain.RuleHighAmount,
				description: "Amount exceeds the high-value threshold",
				weight:      3,
				requires:    CapTransaction,
			},
			threshold: decimal.NewFromFloat(cfg.HighAmountThreshold),
			base0:     cfg.HighAmountBase,
			step:      decimal.NewFromFloat(cfg.HighAmountStep),
		},
		&roundAmountRule{
			base: base{
				name:        domain.RuleRoundAmount,
				description: "Amount is an exact multiple of a round unit",
				weight:      1,
				requires:    CapTransaction,
			},
			units: cfg.RoundAmountUnits,
			score: cfg.RoundAmountScore,
		},
		&newAccountRule{
			base: base{
				name:        domain.RuleNewAccount,
				description: "Account was created recently",
				weight:      2,
				requires:    CapAccount,
			},
			maxAge: cfg.NewAccountMaxAge,
			score:  cfg.NewAccountScore,
		},
	}

	for _, p := range predicateRules(cfg) {
		rules = append(rules, p)
	}

	rules = append(rules,
		&velocityTxnRule{
			base: base{
				name:        domain.RuleVelocityTxn,
				description: "Too many transactions in the velocity window",
				weight:      3,
				requires:    CapVelocity,
			},
			threshold: cfg.VelocityTxnThreshold,
			base0:     cfg.VelocityTxnBase,
			step:      cfg.VelocityTxnStep,
		},
		&velocityAmountRule{
			base: base{
				name:        domain.RuleVelocityAmount,
				description: "Too much value moved in the velocity window",
				weight:      3,
				requires:    CapVelocity,
			},
			threshold: decimal.NewFromFloat(cfg.VelocityAmountThreshold),
			base0:     cfg.VelocityAmountBase,
			step:      decimal.NewFromFloat(cfg.VelocityAmountStep),
		},
		&sharedEntityRule{
			base: base{
				name:        domain.RuleSharedDevice,
				description: "Device is used by several accounts",
				weight:      4,
				requires:    CapGraph,
			},
			entity:    "device",
			count:     func(g domain.GraphFacts) int { return g.SharedDeviceAccounts },
			threshold: cfg.SharedDeviceThreshold,
			base0:     cfg.SharedDeviceBase,
			step:      cfg.SharedDeviceStep,
		},
		&sharedEntityRule{
			base: base{
				name:        domain.RuleSharedIP,
				description: "IP address is used by several accounts",
				weight:      3,
				requires:    CapGraph,
			},
			entity:    "IP",
			count:     func(g domain.GraphFacts) int { return g.SharedIPAccounts },
			threshold: cfg.SharedIPThreshold,
			base0:     cfg.SharedIPBase,
			step:      cfg.SharedIPStep,
		},
		&graphRingRule{
			base: base{
				name:        domain.RuleGraphRing,
				description: "Account is part of a shared device/IP ring",
				weight:      5,
				requires:    CapGraph,
			},
			score: cfg.GraphRingScore,
		},
	)

	return rules
}

// stepsOver counts whole steps of size step in (value - threshold).
func stepsOver(value, threshold, step decimal.Decimal) int {
	if !step.IsPositive() {
		return 0
	}
	return int(value.Sub(threshold).Div(step).Floor().IntPart())
}

type highAmountRule struct {
	base
	threshold decimal.Decimal
	base0     int
	step      decimal.Decimal
}

func (r *highAmountRule) Evaluate(tx *domain.TransactionEvent, _ *EvalContext) (domain.RuleResult, error) {
	if !tx.Amount.GreaterThan(r.threshold) {
		return domain.NotTriggered(r.name, ""), nil
	}
	raw := r.base0 + stepsOver(tx.Amount, r.threshold, r.step)
	return domain.Triggered(r.name, raw,
		fmt.Sprintf("amount %s %s exceeds %s", tx.Amount.StringFixed(2), tx.Currency, r.threshold.String())), nil
}

type roundAmountRule struct {
	base
	units []int64
	score int
}

func (r *roundAmountRule) Evaluate(tx *domain.TransactionEvent, _ *EvalContext) (domain.RuleResult, error) {
	for _, u := range r.units {
		if u <= 0 {
			continue
		}
		unit := decimal.NewFromInt(u)
		if tx.Amount.GreaterThanOrEqual(unit) && tx.Amount.Mod(unit).IsZero() {
			return domain.Triggered(r.name, r.score,
				fmt.Sprintf("amount %s is a multiple of %d", tx.Amount.String(), u)), nil
		}
	}
	return domain.NotTriggered(r.name, ""), nil
}

type newAccountRule struct {
	base
	maxAge time.Duration
	score  int
}

func (r *newAccountRule) Evaluate(tx *domain.TransactionEvent, _ *EvalContext) (domain.RuleResult, error) {
	age, ok := tx.AccountAge()
	if !ok {
		return domain.NotTriggered(r.name, "account creation time unknown"), nil
	}
	if age >= r.maxAge {
		return domain.NotTriggered(r.name, ""), nil
	}
	if age < 0 {
		age = 0
	}
	return domain.Triggered(r.name, r.score,
		fmt.Sprintf("account is %.1f days old", age.Hours()/24)), nil
}

type velocityTxnRule struct {
	base
	threshold int64
	base0     int
	step      int
}

func (r *velocityTxnRule) Evaluate(_ *domain.TransactionEvent, ec *EvalContext) (domain.RuleResult, error) {
	n := ec.Velocity.Count
	if n < r.threshold {
		return domain.NotTriggered(r.name, ""), nil
	}
	raw := r.base0 + r.step*int(n-r.threshold)
	return domain.Triggered(r.name, raw,
		fmt.Sprintf("%d transactions in window", n)), nil
}

type velocityAmountRule struct {
	base
	threshold decimal.Decimal
	base0     int
	step      decimal.Decimal
}

func (r *velocityAmountRule) Evaluate(_ *domain.TransactionEvent, ec *EvalContext) (domain.RuleResult, error) {
	sum := ec.Velocity.Sum
	if sum.LessThan(r.threshold) {
		return domain.NotTriggered(r.name, ""), nil
	}
	raw := r.base0 + stepsOver(sum, r.threshold, r.step)
	return domain.Triggered(r.name, raw,
		fmt.Sprintf("%s moved in window", sum.StringFixed(2))), nil
}

// sharedEntityRule fires when an entity is linked to at least threshold accounts.
type sharedEntityRule struct {
	base
	entity    string
	count     func(domain.GraphFacts) int
	threshold int
	base0     int
	step      int
}

func (r *sharedEntityRule) Evaluate(_ *domain.TransactionEvent, ec *EvalContext) (domain.RuleResult, error) {
	n := r.count(ec.Graph)
	if r.threshold <= 0 || n < r.threshold {
		return domain.NotTriggered(r.name, ""), nil
	}
	raw := r.base0 + r.step*(n-r.threshold)
	return domain.Triggered(r.name, raw,
		fmt.Sprintf("%s shared by %d accounts", r.entity, n)), nil
}

type graphRingRule struct {
	base
	score int
}

func (r *graphRingRule) Evaluate(_ *domain.TransactionEvent, ec *EvalContext) (domain.RuleResult, error) {
	if !ec.Graph.InRing {
		return domain.NotTriggered(r.name, ""), nil
	}
	return domain.Triggered(r.name, r.score, "account is linked into a ring through shared devices or IPs"), nil
}
