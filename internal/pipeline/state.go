// Package pipeline holds the queue item, its state machine, and the
// orchestrator that drives one item through the processing steps.
package pipeline

import "fmt"

// State is the processing state of a queue item.
type State string

const (
	StateReceived   State = "RECEIVED"
	StateAcked      State = "ACKED"
	StateUnderstood State = "UNDERSTOOD"
	StateProposed   State = "PROPOSED"
	StateApproved   State = "APPROVED"
	StateRejected   State = "REJECTED"
	StateModified   State = "MODIFIED"
	StateExecuted   State = "EXECUTED"
	StateAudited    State = "AUDITED"
	StateFailed     State = "FAILED"
	StateDeadLetter State = "DEAD_LETTER"
)

// transitions is the forward edge set of the state graph. FAILED is reachable
// from every non-terminal state and is handled separately in CanTransition so
// the table stays readable.
var transitions = map[State][]State{
	StateReceived:   {StateAcked},
	StateAcked:      {StateUnderstood},
	StateUnderstood: {StateProposed},
	StateProposed:   {StateApproved, StateRejected, StateModified},
	StateApproved:   {StateExecuted},
	StateModified:   {StateExecuted},
	StateExecuted:   {StateAudited},
	StateFailed:     {StateReceived, StateDeadLetter},
}

// AllStates lists every state, in rough pipeline order. Used by the CLI and
// the review surface for display and filtering.
var AllStates = []State{
	StateReceived, StateAcked, StateUnderstood, StateProposed,
	StateApproved, StateRejected, StateModified, StateExecuted,
	StateAudited, StateFailed, StateDeadLetter,
}

// Terminal reports whether no further processing ever touches an item in
// this state.
func (s State) Terminal() bool {
	switch s {
	case StateAudited, StateRejected, StateDeadLetter:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateReceived, StateAcked, StateUnderstood, StateProposed,
		StateApproved, StateRejected, StateModified, StateExecuted,
		StateAudited, StateFailed, StateDeadLetter:
		return true
	}
	return false
}

// CanTransition reports whether the state graph allows from -> to.
// Intermediate states are never skipped; any non-terminal state may move to
// FAILED, and only FAILED may move to DEAD_LETTER or back to RECEIVED.
func CanTransition(from, to State) bool {
	if from == to {
		return false
	}
	if to == StateFailed {
		return !from.Terminal()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseState converts a stored string back into a State.
func ParseState(s string) (State, error) {
	st := State(s)
	if !st.Valid() {
		return "", fmt.Errorf("pipeline: unknown state %q", s)
	}
	return st, nil
}
