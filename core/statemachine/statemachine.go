package statemachine

import (
	"errors"
	"fmt"
	"sort"
)

type State string

const (
	StateCreated          State = "created"
	StatePlanning         State = "planning"
	StatePreviewReady     State = "preview_ready"
	StateAwaitingApproval State = "awaiting_approval"
	StateApplying         State = "applying"
	StateApplied          State = "applied"
	StateFailed           State = "failed"
)

var ErrInvalidTransition = errors.New("invalid state transition")

// TransitionError reports a rejected from -> to pair. It matches ErrInvalidTransition
// under errors.Is.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition.Error(), e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// transitions is the complete table; any pair not listed is rejected.
var transitions = map[State][]State{
	StateCreated:          {StatePlanning, StateFailed},
	StatePlanning:         {StatePreviewReady, StateFailed},
	StatePreviewReady:     {StateAwaitingApproval, StatePlanning, StateFailed},
	StateAwaitingApproval: {StateApplying, StatePreviewReady, StateFailed},
	StateApplying:         {StateApplied, StateFailed},
	StateApplied:          {},
	StateFailed:           {StatePlanning},
}

func States() []State {
	return []State{
		StateCreated,
		StatePlanning,
		StatePreviewReady,
		StateAwaitingApproval,
		StateApplying,
		StateApplied,
		StateFailed,
	}
}

func IsValid(state State) bool {
	_, ok := transitions[state]
	return ok
}

func IsTerminal(state State) bool {
	targets, ok := transitions[state]
	return ok && len(targets) == 0
}

func CanTransition(from State, to State) bool {
	for _, target := range transitions[from] {
		if target == to {
			return true
		}
	}
	return false
}

func AssertTransition(from State, to State) error {
	if CanTransition(from, to) {
		return nil
	}
	return &TransitionError{From: from, To: to}
}

// Next returns the permitted targets of from in lexical order.
func Next(from State) []State {
	targets := append([]State{}, transitions[from]...)
	sort.Slice(targets, func(i, j int) bool {
		return targets[i] < targets[j]
	})
	return targets
}
