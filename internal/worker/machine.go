package worker

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is returned when a message moves to a state that is
// not reachable from its current one.
var ErrIllegalTransition = errors.New("illegal state transition")

// State is the processing state of one claimed message.
type State int

const (
	StateIdle State = iota
	StateClaimed
	StateEvaluating
	StatePublishing
	StateDeadLettering
	StateAcknowledging
	StateAcked
	StateRetryPending
)

var stateNames = map[State]string{
	StateIdle:          "idle",
	StateClaimed:       "claimed",
	StateEvaluating:    "evaluating",
	StatePublishing:    "publishing",
	StateDeadLettering: "dead_lettering",
	StateAcknowledging: "acknowledging",
	StateAcked:         "acked",
	StateRetryPending:  "retry_pending",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateAcked || s == StateRetryPending
}

// transitions lists the states reachable from each state.
// Claimed -> Acknowledging is the duplicate-delivery shortcut.
var transitions = map[State][]State{
	StateIdle:          {StateClaimed},
	StateClaimed:       {StateEvaluating, StateDeadLettering, StateAcknowledging, StateRetryPending},
	StateEvaluating:    {StatePublishing, StateRetryPending},
	StatePublishing:    {StateAcknowledging, StateRetryPending},
	StateDeadLettering: {StateAcknowledging, StateRetryPending},
	StateAcknowledging: {StateAcked, StateRetryPending},
}

// Machine tracks one message through the pipeline.
type Machine struct {
	state   State
	history []State
}

// NewMachine returns a machine in StateIdle.
func NewMachine() *Machine {
	return &Machine{state: StateIdle, history: []State{StateIdle}}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// History returns every state visited, in order.
func (m *Machine) History() []State {
	return append([]State(nil), m.history...)
}

// To moves the machine to next.
func (m *Machine) To(next State) error {
	for _, allowed := range transitions[m.state] {
		if allowed == next {
			m.state = next
			m.history = append(m.history, next)
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, m.state, next)
}
