package rules

import (
	"errors"
	"fmt"
	"slices"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrDuplicateRule is returned when two rules share a name.
var ErrDuplicateRule = errors.New("duplicate rule name")

// Registry is the ordered, immutable rule set. Order is the order rules are
// evaluated in and the order triggered rules are published in.
type Registry struct {
	rules  []Rule
	byName map[string]Rule
}

// NewRegistry builds the builtin rule set from configuration, skipping
// disabled rules and compiling predicate expressions.
func NewRegistry(cfg domain.RulesConfig) (*Registry, error) {
	env, err := newPredicateEnv()
	if err != nil {
		return nil, err
	}

	var enabled []Rule
	for _, r := range BuiltinRules(cfg) {
		if slices.Contains(cfg.Disabled, r.Name()) {
			continue
		}
		if p, ok := r.(*predicateRule); ok {
			if err := compilePredicate(env, p); err != nil {
				return nil, err
			}
		}
		enabled = append(enabled, r)
	}

	return NewRegistryOf(enabled...)
}

// NewRegistryOf builds a registry from an explicit rule list.
func NewRegistryOf(rules ...Rule) (*Registry, error) {
	reg := &Registry{
		rules:  make([]Rule, 0, len(rules)),
		byName: make(map[string]Rule, len(rules)),
	}
	for _, r := range rules {
		if r == nil {
			return nil, fmt.Errorf("nil rule at position %d", len(reg.rules))
		}
		if _, dup := reg.byName[r.Name()]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateRule, r.Name())
		}
		reg.rules = append(reg.rules, r)
		reg.byName[r.Name()] = r
	}
	return reg, nil
}

// List returns the rules in order. The slice is a copy.
func (r *Registry) List() []Rule {
	return slices.Clone(r.rules)
}

// Get returns the rule with the given name.
func (r *Registry) Get(name string) (Rule, bool) {
	rule, ok := r.byName[name]
	return rule, ok
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	return len(r.rules)
}

// Info describes a rule for the status surface.
type Info struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Weight      int      `json:"weight"`
	Requires    []string `json:"requires"`
}

// Describe returns the metadata of every rule in order.
func (r *Registry) Describe() []Info {
	infos := make([]Info, len(r.rules))
	for i, rule := range r.rules {
		infos[i] = Info{
			Name:        rule.Name(),
			Description: rule.Description(),
			Weight:      rule.Weight(),
			Requires:    rule.Requires().Names(),
		}
	}
	return infos
}
