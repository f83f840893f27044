// Package budget enforces the iteration and cost ceilings bounding a run.
// It is a pure rule chain over working memory and the run's limits; the
// orchestrator maps its verdicts to terminal run states.
package budget

import (
	"fmt"

	"github.com/caseforge/agent-engine/internal/memory"
)

// Limits are the per-run ceilings, resolved from system defaults and any
// overrides supplied at start.
type Limits struct {
	MaxIterations int   `json:"max_iterations"`
	MaxCostCents  int64 `json:"max_cost_cents"`
}

// Verdict classifies why a run may or may not continue.
type Verdict string

const (
	VerdictContinue       Verdict = "CONTINUE"
	VerdictTimeout        Verdict = "TIMEOUT"
	VerdictBudgetExceeded Verdict = "BUDGET_EXCEEDED"
)

// Decision carries the verdict and a human-readable reason for the
// failure-like verdicts.
type Decision struct {
	Verdict Verdict `json:"verdict"`
	Reason  string  `json:"reason,omitempty"`
}

// ruleFunc is one budget rule. It returns a non-continue verdict with a
// reason on violation, or (VerdictContinue, "") when the rule passes.
type ruleFunc func(m *memory.WorkingMemory, limits Limits) (Verdict, string)

// rules returns the ordered chain of budget rules. Iteration exhaustion is
// checked before cost so a run that hits both limits reports TIMEOUT.
func rules() []ruleFunc {
	return []ruleFunc{
		checkIterations,
		checkCost,
	}
}

// Check runs working memory through the rule chain. It is called at the top
// of every iteration; an action may overshoot the cost ceiling within a step,
// which is tolerated, but the next Check blocks the run.
func Check(m *memory.WorkingMemory, limits Limits) Decision {
	for _, rule := range rules() {
		if verdict, reason := rule(m, limits); verdict != VerdictContinue {
			return Decision{Verdict: verdict, Reason: reason}
		}
	}
	return Decision{Verdict: VerdictContinue}
}

// checkIterations blocks the run once it has completed the configured number
// of iterations.
func checkIterations(m *memory.WorkingMemory, limits Limits) (Verdict, string) {
	if limits.MaxIterations > 0 && m.Iteration >= limits.MaxIterations {
		return VerdictTimeout, fmt.Sprintf("iteration limit reached: %d of %d", m.Iteration, limits.MaxIterations)
	}
	return VerdictContinue, ""
}

// checkCost blocks the run once accumulated cost meets the ceiling.
func checkCost(m *memory.WorkingMemory, limits Limits) (Verdict, string) {
	if limits.MaxCostCents > 0 && m.TotalCostCents >= limits.MaxCostCents {
		return VerdictBudgetExceeded, fmt.Sprintf("cost limit reached: %d of %d cents", m.TotalCostCents, limits.MaxCostCents)
	}
	return VerdictContinue, ""
}
