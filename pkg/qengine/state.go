package qengine

import (
	"fmt"
)

// State is the lifecycle position of one job inside a run. The same values
// describe the overall outcome of a run in RunReport.State.
type State string

const (
	StatePending   State = "pending"
	StateReady     State = "ready"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateSkipped   State = "skipped"
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	switch s {
	case StateSucceeded, StateFailed, StateSkipped, StateCancelled:
		return true
	default:
		return false
	}
}

var transitions = map[State][]State{
	StatePending: {StateReady, StateSkipped, StateCancelled},
	StateReady:   {StateRunning, StateSkipped, StateCancelled},
	StateRunning: {StateSucceeded, StateFailed, StateCancelled},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IllegalTransitionError is returned by RunState for a move the state machine
// does not allow.
type IllegalTransitionError struct {
	Job      string
	From, To State
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("job %q: illegal transition %s -> %s", e.Job, e.From, e.To)
}

// RunState maps every job of one execution to its State. It is not safe for
// concurrent use; the engine's coordinator is its only writer.
type RunState struct {
	order  []string
	states map[string]State
}

// NewRunState puts every named job in StatePending.
func NewRunState(names []string) *RunState {
	s := &RunState{
		order:  append([]string(nil), names...),
		states: make(map[string]State, len(names)),
	}
	for _, n := range names {
		s.states[n] = StatePending
	}
	return s
}

// Get returns the state of a job, or "" if the job is not part of the run.
func (s *RunState) Get(name string) State {
	return s.states[name]
}

// Transition moves a job to a new state.
func (s *RunState) Transition(name string, to State) error {
	from, ok := s.states[name]
	if !ok {
		return fmt.Errorf("job %q is not part of this run", name)
	}
	if !canTransition(from, to) {
		return &IllegalTransitionError{Job: name, From: from, To: to}
	}
	s.states[name] = to
	return nil
}

// Done reports whether every job is terminal.
func (s *RunState) Done() bool {
	for _, st := range s.states {
		if !st.IsTerminal() {
			return false
		}
	}
	return true
}

// InState lists the jobs currently in st, in run order.
func (s *RunState) InState(st State) []string {
	var out []string
	for _, n := range s.order {
		if s.states[n] == st {
			out = append(out, n)
		}
	}
	return out
}

// Snapshot copies the current mapping.
func (s *RunState) Snapshot() map[string]State {
	out := make(map[string]State, len(s.states))
	for k, v := range s.states {
		out[k] = v
	}
	return out
}
