package workflow

import (
	"fmt"
)

// Guards carries the two prerequisites the merge points branch on.
// They are read from the current record before the event is applied.
type Guards struct {
	DoctorPresent bool
	VitalsPresent bool
}

// GuardFunc is a function that evaluates whether a transition should be allowed
type GuardFunc func(g Guards) bool

// DoctorPresent passes when a doctor is already attached
func DoctorPresent(g Guards) bool { return g.DoctorPresent }

// VitalsPresent passes when vital signs are already attached
func VitalsPresent(g Guards) bool { return g.VitalsPresent }

// Not inverts a guard
func Not(guard GuardFunc) GuardFunc {
	return func(g Guards) bool { return !guard(g) }
}

// TableBuilder builds an immutable transition table
type TableBuilder interface {
	// Configure returns a state configuration for the given state
	Configure(state State) StateConfiguration

	// Build freezes the configured transitions into a Table
	Build() *Table
}

// StateConfiguration configures transitions for a specific state
type StateConfiguration interface {
	// Permit allows a trigger to transition to the target state
	Permit(trigger Trigger, toState State) StateConfiguration

	// PermitIf allows a trigger to transition to the target state if the guard condition passes.
	// Transitions for the same trigger are evaluated in registration order; the first passing one wins.
	PermitIf(trigger Trigger, toState State, guard GuardFunc) StateConfiguration
}

// transition represents a state transition with optional guard
type transition struct {
	toState State
	guard   GuardFunc
}

// stateConfig implements StateConfiguration
type stateConfig struct {
	fromState   State
	transitions map[Trigger][]transition
}

// tableBuilder implements TableBuilder
type tableBuilder struct {
	configurations map[State]*stateConfig
}

// NewBuilder creates a new transition table builder
func NewBuilder() TableBuilder {
	return &tableBuilder{
		configurations: make(map[State]*stateConfig),
	}
}

// Configure returns a state configuration for the given state.
// StateNone may be configured to describe how a workflow comes into existence.
func (b *tableBuilder) Configure(state State) StateConfiguration {
	if state != StateNone && !state.IsValid() {
		panic(fmt.Sprintf("invalid state: %s", state))
	}

	config, exists := b.configurations[state]
	if !exists {
		config = &stateConfig{
			fromState:   state,
			transitions: make(map[Trigger][]transition),
		}
		b.configurations[state] = config
	}

	return config
}

// Build creates an immutable copy of the configured transitions
func (b *tableBuilder) Build() *Table {
	configsCopy := make(map[State]map[Trigger][]transition, len(b.configurations))
	for state, config := range b.configurations {
		transitionsCopy := make(map[Trigger][]transition, len(config.transitions))
		for trigger, transitions := range config.transitions {
			transitionsCopy[trigger] = append([]transition{}, transitions...)
		}
		configsCopy[state] = transitionsCopy
	}

	return &Table{configurations: configsCopy}
}

// Permit allows a trigger to transition to the target state
func (c *stateConfig) Permit(trigger Trigger, toState State) StateConfiguration {
	return c.PermitIf(trigger, toState, nil)
}

// PermitIf allows a trigger to transition to the target state if the guard condition passes
func (c *stateConfig) PermitIf(trigger Trigger, toState State, guard GuardFunc) StateConfiguration {
	if !toState.IsValid() {
		panic(fmt.Sprintf("invalid target state: %s", toState))
	}
	if toState.Before(c.fromState) {
		panic(fmt.Sprintf("transition %s -> %s regresses status", c.fromState, toState))
	}

	c.transitions[trigger] = append(c.transitions[trigger], transition{
		toState: toState,
		guard:   guard,
	})

	return c
}
