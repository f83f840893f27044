package engine

import (
	"context"
	"testing"
	"time"

	"pgregory.net/rapid"

	"github.com/caseforge/agent-engine/internal/executor/exectest"
)

// Property: for any sequence of successful action costs and any limits, the
// run terminates in the state a sequential simulation of the budget rules
// predicts, with matching iteration count and total cost.
func TestPropertyRunTermination(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		costs := rapid.SliceOfN(rapid.Int64Range(0, 40), 1, 15).Draw(rt, "costs")
		maxIters := rapid.IntRange(1, 20).Draw(rt, "max_iters")
		maxCost := rapid.Int64Range(1, 300).Draw(rt, "max_cost")

		steps := make([]exectest.Step, 0, len(costs))
		for i, c := range costs {
			if i == len(costs)-1 {
				steps = append(steps, exectest.Done(c))
			} else {
				steps = append(steps, exectest.Succeed(c))
			}
		}

		// Sequential simulation: budget checked at the top of each pass.
		wantState := StateSucceeded
		wantIters := 0
		var wantCost int64
		for i, c := range costs {
			if wantIters >= maxIters {
				wantState = StateTimeout
				break
			}
			if wantCost >= maxCost {
				wantState = StateBudgetExceeded
				break
			}
			wantIters++
			wantCost += c
			if i == len(costs)-1 {
				wantState = StateSucceeded
			}
		}
		orch, _, _ := newHarness()
		h, err := orch.Start(context.Background(), testGoal(),
			RunConfig{MaxIterations: maxIters, MaxCostCents: maxCost},
			exectest.New(steps...))
		if err != nil {
			rt.Fatalf("start: %v", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		res, err := h.Wait(ctx)
		if err != nil {
			rt.Fatalf("run did not terminate: %v", err)
		}

		if res.State != wantState {
			rt.Fatalf("state %s, want %s (costs=%v maxIters=%d maxCost=%d)",
				res.State, wantState, costs, maxIters, maxCost)
		}
		if res.Iterations != wantIters {
			rt.Fatalf("iterations %d, want %d", res.Iterations, wantIters)
		}
		if res.TotalCostCents != wantCost {
			rt.Fatalf("total cost %d, want %d", res.TotalCostCents, wantCost)
		}
	})
}
