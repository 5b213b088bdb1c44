package domain

import (
	"errors"
	"fmt"
	"slices"
)

// ErrInvalidConfig is wrapped by every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Validate checks the configuration for values the services cannot start with.
// All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	oneOf := func(field, value string, allowed ...string) {
		if !slices.Contains(allowed, value) {
			fail("%s: unknown value %q (want one of %v)", field, value, allowed)
		}
	}

	if c.Server.Port < 0 || c.Server.Port > 65535 {
		fail("server.port: %d out of range", c.Server.Port)
	}

	oneOf("queue.type", c.Queue.Type, "memory", "redis", "nats")
	oneOf("graph.type", c.Graph.Type, "sql", "neo4j", "none")
	oneOf("velocity.type", c.Velocity.Type, "memory", "redis", "none")
	oneOf("repository.driver", c.Repository.Driver, "sqlite", "postgres", "none")
	oneOf("cache.type", c.Cache.Type, "memory", "redis", "none")
	oneOf("logging.level", c.Logging.Level, "debug", "info", "warn", "error")

	for field, topic := range map[string]string{
		"queue.input_topic":       c.Queue.InputTopic,
		"queue.output_topic":      c.Queue.OutputTopic,
		"queue.dead_letter_topic": c.Queue.DeadLetterTopic,
		"queue.group":             c.Queue.Group,
	} {
		if topic == "" {
			fail("%s: must not be empty", field)
		}
	}
	if c.Queue.InputTopic != "" && c.Queue.InputTopic == c.Queue.OutputTopic {
		fail("queue.output_topic: must differ from input_topic")
	}
	if c.Queue.VisibilityTimeout <= 0 {
		fail("queue.visibility_timeout: must be positive")
	}
	if c.Queue.BlockTimeout <= 0 {
		fail("queue.block_timeout: must be positive")
	}

	if c.Graph.Type == "sql" && c.Repository.Driver == "none" {
		fail("graph.type: sql requires a repository driver")
	}
	if c.Graph.RingMaxDepth < 4 {
		fail("graph.ring_max_depth: %d is below the shortest possible ring (4)", c.Graph.RingMaxDepth)
	}

	if c.Velocity.Window <= 0 {
		fail("velocity.window: must be positive")
	}
	if c.Velocity.Retention < c.Velocity.Window {
		fail("velocity.retention: must be >= velocity.window")
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		fail("tracing.sample_ratio: %v outside 0-1", c.Tracing.SampleRatio)
	}

	if c.Worker.Count <= 0 {
		fail("worker.count: must be positive")
	}

	errs = append(errs, c.Rules.validate()...)
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

func (r *RulesConfig) validate() []error {
	var errs []error
	scores := map[string]int{
		"high_amount_base":        r.HighAmountBase,
		"round_amount_score":      r.RoundAmountScore,
		"new_account_score":       r.NewAccountScore,
		"high_risk_account_score": r.HighRiskAccountScore,
		"foreign_ip_score":        r.ForeignIPScore,
		"vpn_score":               r.VPNScore,
		"tor_score":               r.TorScore,
		"datacenter_ip_score":     r.DatacenterIPScore,
		"velocity_txn_base":       r.VelocityTxnBase,
		"velocity_amount_base":    r.VelocityAmountBase,
		"shared_device_base":      r.SharedDeviceBase,
		"shared_ip_base":          r.SharedIPBase,
		"graph_ring_score":        r.GraphRingScore,
	}
	for name, v := range scores {
		if v < 0 || v > 50 {
			errs = append(errs, fmt.Errorf("rules.%s: %d outside 0-50", name, v))
		}
	}

	if r.HighAmountThreshold <= 0 || r.HighAmountStep <= 0 {
		errs = append(errs, fmt.Errorf("rules.high_amount: threshold and step must be positive"))
	}
	if r.VelocityAmountThreshold <= 0 || r.VelocityAmountStep <= 0 {
		errs = append(errs, fmt.Errorf("rules.velocity_amount: threshold and step must be positive"))
	}
	if r.VelocityTxnThreshold <= 0 || r.SharedDeviceThreshold <= 0 || r.SharedIPThreshold <= 0 {
		errs = append(errs, fmt.Errorf("rules: count thresholds must be positive"))
	}
	for _, u := range r.RoundAmountUnits {
		if u <= 0 {
			errs = append(errs, fmt.Errorf("rules.round_amount_units: %d must be positive", u))
		}
	}
	if r.NewAccountMaxAge <= 0 {
		errs = append(errs, fmt.Errorf("rules.new_account_max_age: must be positive"))
	}
	for _, name := range r.Disabled {
		if !slices.Contains(RuleNames, name) {
			errs = append(errs, fmt.Errorf("rules.disabled: unknown rule %q", name))
		}
	}
	return errs
}
