// Package fsm implements a small named-action transition table. It is
// shared by the session status machine and the per-tool phase machines.
package fsm

import (
	"fmt"
	"sort"
	"strings"
)

// transition maps an action to the set of states it may leave from and
// the single state it arrives at.
type transition struct {
	from map[string]bool
	to   string
}

// Machine is a pure transition table. It holds no current state and has
// no callbacks; callers keep their own state and ask the machine whether
// an action is admissible.
type Machine struct {
	actions     []string
	transitions map[string]transition
}

// New returns an empty Machine.
func New() *Machine {
	return &Machine{transitions: make(map[string]transition)}
}

// Add registers an action that moves any of the from states to the to
// state. Re-adding an action replaces its previous entry.
func (m *Machine) Add(action, to string, from ...string) *Machine {
	fromSet := make(map[string]bool, len(from))
	for _, f := range from {
		fromSet[f] = true
	}
	if _, exists := m.transitions[action]; !exists {
		m.actions = append(m.actions, action)
	}
	m.transitions[action] = transition{from: fromSet, to: to}
	return m
}

// InvalidTransitionError reports an action applied from a state outside
// its admissible from-set.
type InvalidTransitionError struct {
	Action  string
	Current string
	From    []string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %q from state %q (valid from: %s)",
		e.Action, e.Current, strings.Join(e.From, ", "))
}

// UnknownActionError reports an action not present in the table.
type UnknownActionError struct {
	Action string
}

func (e *UnknownActionError) Error() string {
	return fmt.Sprintf("unknown action %q", e.Action)
}

// Transition returns the target state for applying action from current.
// On failure the returned error carries the admissible from-set.
func (m *Machine) Transition(current, action string) (string, error) {
	t, ok := m.transitions[action]
	if !ok {
		return "", &UnknownActionError{Action: action}
	}
	if !t.from[current] {
		return "", &InvalidTransitionError{Action: action, Current: current, From: m.fromSet(action)}
	}
	return t.to, nil
}

// ValidActions returns the actions admissible from current, in
// registration order.
func (m *Machine) ValidActions(current string) []string {
	var actions []string
	for _, a := range m.actions {
		if m.transitions[a].from[current] {
			actions = append(actions, a)
		}
	}
	return actions
}

// fromSet returns the sorted from-set for an action.
func (m *Machine) fromSet(action string) []string {
	t := m.transitions[action]
	from := make([]string, 0, len(t.from))
	for f := range t.from {
		from = append(from, f)
	}
	sort.Strings(from)
	return from
}
