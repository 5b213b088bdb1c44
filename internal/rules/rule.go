// Package rules provides the fraud rule set and the evaluator that runs it.
package rules

import (
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Capability is a set of context sources a rule reads.
type Capability uint8

const (
	// CapTransaction is the event itself (amount, IP, device).
	CapTransaction Capability = 1 << iota
	// CapAccount is the account enrichment carried on the event.
	CapAccount
	// CapVelocity is the velocity window query.
	CapVelocity
	// CapGraph is the entity graph query.
	CapGraph
)

var capabilityNames = []struct {
	c    Capability
	name string
}{
	{CapTransaction, "transaction"},
	{CapAccount, "account"},
	{CapVelocity, "velocity"},
	{CapGraph, "graph"},
}

// Has reports whether every capability in want is present in c.
func (c Capability) Has(want Capability) bool {
	return c&want == want
}

// Names lists the capabilities in c.
func (c Capability) Names() []string {
	names := make([]string, 0, len(capabilityNames))
	for _, cn := range capabilityNames {
		if c&cn.c != 0 {
			names = append(names, cn.name)
		}
	}
	return names
}

func (c Capability) String() string {
	return strings.Join(c.Names(), "|")
}

// Rule is one fraud heuristic. Implementations must be pure: all external
// state is read from the EvalContext, never queried directly.
type Rule interface {
	Name() string
	Description() string

	// Weight (1-5) is informational; scoring uses the raw score only.
	Weight() int

	// Requires lists the context sources Evaluate reads.
	Requires() Capability

	Evaluate(tx *domain.TransactionEvent, ec *EvalContext) (domain.RuleResult, error)
}

// EvalContext is computed once per evaluation pass and shared read-only by all rules.
type EvalContext struct {
	Velocity domain.VelocityWindow
	Graph    domain.GraphFacts

	// Available holds the capabilities whose data was loaded.
	Available Capability

	vars map[string]any
}

func newEvalContext(tx *domain.TransactionEvent) *EvalContext {
	return &EvalContext{
		Available: CapTransaction | CapAccount,
		vars:      predicateVars(tx),
	}
}

// NewEvalContext builds a context with the given data, for callers that
// evaluate single rules outside the Evaluator.
func NewEvalContext(tx *domain.TransactionEvent, v domain.VelocityWindow, g domain.GraphFacts) *EvalContext {
	ec := newEvalContext(tx)
	ec.Velocity = v
	ec.Graph = g
	ec.Available |= CapVelocity | CapGraph
	return ec
}

// base carries the static metadata every rule shares.
type base struct {
	name        string
	description string
	weight      int
	requires    Capability
}

func (b base) Name() string         { return b.name }
func (b base) Description() string  { return b.description }
func (b base) Weight() int          { return b.weight }
func (b base) Requires() Capability { return b.requires }
