package rules

import (
	"errors"
	"testing"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func TestRegistryOrder(t *testing.T) {
	reg := mustRegistry(t)

	want := []string{
		domain.RuleHighAmount,
		domain.RuleRoundAmount,
		domain.RuleNewAccount,
		domain.RuleHighRiskAccount,
		domain.RuleForeignIP,
		domain.RuleVPNDetected,
		domain.RuleTorDetected,
		domain.RuleDatacenterIP,
		domain.RuleVelocityTxn,
		domain.RuleVelocityAmount,
		domain.RuleSharedDevice,
		domain.RuleSharedIP,
		domain.RuleGraphRing,
	}

	if reg.Len() != len(want) {
		t.Fatalf("expected %d rules, got %d", len(want), reg.Len())
	}
	for i, r := range reg.List() {
		if r.Name() != want[i] {
			t.Errorf("position %d: expected %s, got %s", i, want[i], r.Name())
		}
	}
}

func TestRegistryListIsCopy(t *testing.T) {
	reg := mustRegistry(t)

	list := reg.List()
	list[0] = nil

	if reg.List()[0] == nil {
		t.Error("mutating List() result changed the registry")
	}
}

func TestRegistryDisabled(t *testing.T) {
	cfg := domain.DefaultRulesConfig()
	cfg.Disabled = []string{domain.RuleRoundAmount, domain.RuleDatacenterIP}

	reg, err := NewRegistry(cfg)
	if err != nil {
		t.Fatalf("failed to build registry: %v", err)
	}
	if reg.Len() != 11 {
		t.Errorf("expected 11 rules, got %d", reg.Len())
	}
	if _, ok := reg.Get(domain.RuleRoundAmount); ok {
		t.Error("disabled rule still registered")
	}
}

func TestRegistryDuplicate(t *testing.T) {
	a := &graphRingRule{base: base{name: "dup"}}
	b := &graphRingRule{base: base{name: "dup"}}

	_, err := NewRegistryOf(a, b)
	if !errors.Is(err, ErrDuplicateRule) {
		t.Errorf("expected ErrDuplicateRule, got %v", err)
	}
}

func TestRegistryDescribe(t *testing.T) {
	reg := mustRegistry(t)

	infos := reg.Describe()
	if len(infos) != reg.Len() {
		t.Fatalf("expected %d infos, got %d", reg.Len(), len(infos))
	}

	last := infos[len(infos)-1]
	if last.Name != domain.RuleGraphRing {
		t.Errorf("expected last rule graph_ring, got %s", last.Name)
	}
	if len(last.Requires) != 1 || last.Requires[0] != "graph" {
		t.Errorf("expected requires [graph], got %v", last.Requires)
	}
}

func TestCapability(t *testing.T) {
	c := CapTransaction | CapGraph
	if !c.Has(CapGraph) {
		t.Error("expected graph capability")
	}
	if c.Has(CapGraph | CapVelocity) {
		t.Error("did not expect velocity capability")
	}
	if c.String() != "transaction|graph" {
		t.Errorf("unexpected string %q", c.String())
	}
}
