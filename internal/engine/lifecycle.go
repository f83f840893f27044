package engine

import "fmt"

// RunState is the lifecycle state of a run. RUNNING is initial; the five
// outcome states are terminal and never left.
type RunState string

const (
	StateRunning            RunState = "RUNNING"
	StateWaitingForApproval RunState = "WAITING_FOR_APPROVAL"
	StateSucceeded          RunState = "SUCCEEDED"
	StateFailed             RunState = "FAILED"
	StateTimeout            RunState = "TIMEOUT"
	StateBudgetExceeded     RunState = "BUDGET_EXCEEDED"
	StateStopped            RunState = "STOPPED"
)

// IsTerminal reports whether no further transition can leave the state.
func IsTerminal(s RunState) bool {
	switch s {
	case StateSucceeded, StateFailed, StateTimeout, StateBudgetExceeded, StateStopped:
		return true
	default:
		return false
	}
}

var allowedTransitions = map[RunState]map[RunState]struct{}{
	StateRunning: {
		StateWaitingForApproval: {},
		StateSucceeded:          {},
		StateFailed:             {},
		StateTimeout:            {},
		StateBudgetExceeded:     {},
		StateStopped:            {},
	},
	StateWaitingForApproval: {
		StateRunning: {},
		StateFailed:  {},
		StateTimeout: {},
		StateStopped: {},
	},
	StateSucceeded:      {},
	StateFailed:         {},
	StateTimeout:        {},
	StateBudgetExceeded: {},
	StateStopped:        {},
}

func validateTransition(from, to RunState) error {
	if from == to {
		return nil
	}
	allowed, ok := allowedTransitions[from]
	if !ok {
		return fmt.Errorf("%w: unknown source state %q", ErrInvalidTransition, from)
	}
	if _, ok := allowed[to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
