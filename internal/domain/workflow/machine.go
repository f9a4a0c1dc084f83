package workflow

import (
	"fmt"
	"sort"
)

// StateMachine computes transitions without holding any per-workflow state.
// Implementations never perform I/O and are safe for concurrent use.
type StateMachine interface {
	// Next returns the state reached by firing trigger from state under the given guards
	Next(state State, guards Guards, trigger Trigger) (State, error)

	// CanFire returns true if the trigger is configured for the state, ignoring guards
	CanFire(state State, trigger Trigger) bool

	// PermittedTriggers returns all triggers configured for the state, sorted by name
	PermittedTriggers(state State) []Trigger
}

// Table is an immutable transition table produced by a TableBuilder
type Table struct {
	configurations map[State]map[Trigger][]transition
}

var _ StateMachine = (*Table)(nil)

// Next returns the state reached by firing trigger from state
func (t *Table) Next(state State, guards Guards, trigger Trigger) (State, error) {
	if state != StateNone && !state.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidState, state)
	}

	// Vitals are attached exactly once, whatever the state.
	if trigger == TriggerVitalsRecorded && guards.VitalsPresent {
		return "", fmt.Errorf("%w: workflow in state %s", ErrAlreadyRecorded, state)
	}

	transitions, exists := t.configurations[state][trigger]
	if !exists || len(transitions) == 0 {
		return "", fmt.Errorf("%w: cannot fire trigger %s from state %s", ErrInvalidTransition, trigger, displayState(state))
	}

	for _, tr := range transitions {
		if tr.guard == nil || tr.guard(guards) {
			return tr.toState, nil
		}
	}

	return "", fmt.Errorf("%w: guards rejected trigger %s from state %s", ErrInvalidTransition, trigger, displayState(state))
}

// CanFire returns true if the trigger is configured for the state
func (t *Table) CanFire(state State, trigger Trigger) bool {
	return len(t.configurations[state][trigger]) > 0
}

// PermittedTriggers returns all triggers configured for the state
func (t *Table) PermittedTriggers(state State) []Trigger {
	config := t.configurations[state]
	triggers := make([]Trigger, 0, len(config))
	for trigger := range config {
		triggers = append(triggers, trigger)
	}
	sort.Slice(triggers, func(i, j int) bool { return triggers[i] < triggers[j] })
	return triggers
}

func displayState(s State) string {
	if s == StateNone {
		return "(none)"
	}
	return s.String()
}
