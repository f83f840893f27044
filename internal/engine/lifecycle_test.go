package engine

import (
	"errors"
	"testing"
)

func TestTerminalStatesHaveNoExits(t *testing.T) {
	terminals := []RunState{StateSucceeded, StateFailed, StateTimeout, StateBudgetExceeded, StateStopped}
	all := []RunState{StateRunning, StateWaitingForApproval, StateSucceeded, StateFailed, StateTimeout, StateBudgetExceeded, StateStopped}

	for _, from := range terminals {
		if !IsTerminal(from) {
			t.Errorf("%s should be terminal", from)
		}
		for _, to := range all {
			if from == to {
				continue
			}
			if err := validateTransition(from, to); !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("transition %s -> %s should be rejected", from, to)
			}
		}
	}
}

func TestApprovalRoundTrip(t *testing.T) {
	if err := validateTransition(StateRunning, StateWaitingForApproval); err != nil {
		t.Fatalf("RUNNING -> WAITING_FOR_APPROVAL: %v", err)
	}
	if err := validateTransition(StateWaitingForApproval, StateRunning); err != nil {
		t.Fatalf("WAITING_FOR_APPROVAL -> RUNNING: %v", err)
	}
	// Budget exhaustion is only checked while RUNNING.
	if err := validateTransition(StateWaitingForApproval, StateBudgetExceeded); err == nil {
		t.Fatal("WAITING_FOR_APPROVAL -> BUDGET_EXCEEDED should be rejected")
	}
}

func TestSameStateIsNoOp(t *testing.T) {
	for _, s := range []RunState{StateRunning, StateSucceeded, StateStopped} {
		if err := validateTransition(s, s); err != nil {
			t.Errorf("%s -> %s should be allowed: %v", s, s, err)
		}
	}
}
