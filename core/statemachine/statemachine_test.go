package statemachine

import (
	"errors"
	"testing"
)

func TestTransitionTableExhaustive(t *testing.T) {
	allowed := map[State]map[State]bool{
		StateCreated:          {StatePlanning: true, StateFailed: true},
		StatePlanning:         {StatePreviewReady: true, StateFailed: true},
		StatePreviewReady:     {StateAwaitingApproval: true, StatePlanning: true, StateFailed: true},
		StateAwaitingApproval: {StateApplying: true, StatePreviewReady: true, StateFailed: true},
		StateApplying:         {StateApplied: true, StateFailed: true},
		StateApplied:          {},
		StateFailed:           {StatePlanning: true},
	}
	for _, from := range States() {
		for _, to := range States() {
			expected := allowed[from][to]
			if got := CanTransition(from, to); got != expected {
				t.Fatalf("CanTransition(%s, %s)=%t expected %t", from, to, got, expected)
			}
			err := AssertTransition(from, to)
			if expected && err != nil {
				t.Fatalf("AssertTransition(%s, %s) unexpected error: %v", from, to, err)
			}
			if !expected {
				if err == nil {
					t.Fatalf("AssertTransition(%s, %s) expected error", from, to)
				}
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("expected ErrInvalidTransition, got %v", err)
				}
				var transitionErr *TransitionError
				if !errors.As(err, &transitionErr) || transitionErr.From != from || transitionErr.To != to {
					t.Fatalf("expected TransitionError{%s,%s}, got %#v", from, to, err)
				}
			}
		}
	}
}

func TestSameStateTransitionsRejected(t *testing.T) {
	for _, state := range States() {
		if CanTransition(state, state) {
			t.Fatalf("same-state transition must be rejected for %s", state)
		}
	}
}

func TestAppliedIsTerminal(t *testing.T) {
	if !IsTerminal(StateApplied) {
		t.Fatalf("expected applied to be terminal")
	}
	if len(Next(StateApplied)) != 0 {
		t.Fatalf("expected no outgoing transitions from applied")
	}
	for _, to := range append(States(), State("unknown")) {
		if err := AssertTransition(StateApplied, to); err == nil {
			t.Fatalf("expected applied -> %s to be rejected", to)
		}
	}
	if IsTerminal(StateFailed) {
		t.Fatalf("failed permits retry and must not be terminal")
	}
}

func TestUnknownStatesRejected(t *testing.T) {
	if IsValid(State("archived")) {
		t.Fatalf("unexpected valid state")
	}
	if CanTransition(State("archived"), StatePlanning) {
		t.Fatalf("unknown source must be rejected")
	}
	if CanTransition(StateCreated, State("archived")) {
		t.Fatalf("unknown target must be rejected")
	}
	if IsTerminal(State("archived")) {
		t.Fatalf("unknown state must not report terminal")
	}
}

func TestNextIsSortedCopy(t *testing.T) {
	next := Next(StatePreviewReady)
	expected := []State{StateAwaitingApproval, StateFailed, StatePlanning}
	if len(next) != len(expected) {
		t.Fatalf("unexpected next states: %v", next)
	}
	for index := range expected {
		if next[index] != expected[index] {
			t.Fatalf("unexpected next states order: %v", next)
		}
	}
	next[0] = StateApplied
	if CanTransition(StatePreviewReady, StateApplied) {
		t.Fatalf("mutating Next result must not change the table")
	}
}

func TestTransitionErrorMessage(t *testing.T) {
	err := AssertTransition(StatePlanning, StateApplying)
	if err == nil || err.Error() != "invalid state transition: planning -> applying" {
		t.Fatalf("unexpected error text: %v", err)
	}
}
