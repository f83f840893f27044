// Package exectest provides a scripted ActionExecutor for engine tests.
package exectest

import (
	"context"
	"sync"

	"github.com/caseforge/agent-engine/internal/executor"
	"github.com/caseforge/agent-engine/internal/goal"
	"github.com/caseforge/agent-engine/internal/memory"
)

// Step is one scripted response. Exactly one of Outcome or Err is used.
type Step struct {
	Outcome *executor.Outcome
	Err     error
}

// Scripted replays a fixed sequence of steps, one per invocation. When the
// script runs out, the last step repeats, which makes "never succeeds"
// scenarios easy to express with a single step.
type Scripted struct {
	mu    sync.Mutex
	steps []Step
	calls int
}

func New(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

func (s *Scripted) DecideAndPerform(_ context.Context, _ goal.Goal, _ *memory.WorkingMemory) (*executor.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.calls
	if idx >= len(s.steps) {
		idx = len(s.steps) - 1
	}
	s.calls++

	step := s.steps[idx]
	if step.Err != nil {
		return nil, step.Err
	}
	out := *step.Outcome
	return &out, nil
}

// Calls reports how many times the executor was invoked.
func (s *Scripted) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// --- Step constructors ---

// Succeed is a successful action that does not finish the goal.
func Succeed(cost int64) Step {
	return Step{Outcome: &executor.Outcome{ActionType: "generate_test", Success: true, CostCents: cost}}
}

// Done is a successful action that declares the goal satisfied.
func Done(cost int64) Step {
	return Step{Outcome: &executor.Outcome{ActionType: "generate_test", Success: true, CostCents: cost, GoalSatisfied: true}}
}

// NeedApproval is an action that suspends the run for human review.
func NeedApproval(content string) Step {
	return Step{Outcome: &executor.Outcome{ActionType: "generate_test", NeedsApproval: true, ApprovalContent: content}}
}

// Fail is an action-level failure.
func Fail(err error) Step {
	return Step{Err: err}
}
