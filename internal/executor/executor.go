// Package executor defines the contract between the run orchestrator and the
// goal-specific action implementations it drives.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/caseforge/agent-engine/internal/goal"
	"github.com/caseforge/agent-engine/internal/memory"
	"github.com/caseforge/agent-engine/internal/retry"
)

// ScratchApprovalGranted is set in working-memory scratch by the orchestrator
// once an approval ticket for the run is approved, so the re-invoked executor
// knows it may proceed with the gated action.
const ScratchApprovalGranted = "approval_granted"

// Outcome is the structured result of one action. The orchestrator folds it
// into working memory and decides whether to continue, suspend, or terminate.
type Outcome struct {
	ActionType string `json:"action_type"`
	Success    bool   `json:"success"`
	// CostCents is the cost attributed to this action, in integer cents.
	CostCents int64 `json:"cost_cents"`
	// Input and Output are snapshots recorded into run history.
	Input  json.RawMessage `json:"input,omitempty"`
	Output json.RawMessage `json:"output,omitempty"`
	// WorkProducts are merged into working memory after schema validation
	// against the goal type's declared products.
	WorkProducts map[string]any `json:"work_products,omitempty"`
	// StateDelta is merged into working memory scratch state.
	StateDelta map[string]any `json:"state_delta,omitempty"`
	// NeedsApproval suspends the run until an external decision arrives.
	// ApprovalContent is what the human reviewer sees.
	NeedsApproval   bool   `json:"needs_approval"`
	ApprovalContent string `json:"approval_content,omitempty"`
	// GoalSatisfied signals the executor considers the goal complete,
	// independent of any parseable success criteria.
	GoalSatisfied bool `json:"goal_satisfied"`
}

// ActionExecutor performs one unit of goal-specific work per call. The
// orchestrator passes a deep-copied memory snapshot; executors must not
// assume mutations to it are visible to the run.
type ActionExecutor interface {
	DecideAndPerform(ctx context.Context, g goal.Goal, snap *memory.WorkingMemory) (*Outcome, error)
}

// ActionError is the failure type executors return. Retryable marks transient
// failures; SideEffects marks that the action may have already changed
// external state, which blocks retries regardless of Retryable.
type ActionError struct {
	ActionType  string
	Retryable   bool
	SideEffects bool
	Err         error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %s: %v", e.ActionType, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Classify maps action failures to retry classes. Actions are treated as
// non-idempotent unless they say otherwise: only an ActionError that is both
// retryable and side-effect free is retried. Anything else, including errors
// of unknown provenance, is fatal.
func Classify(err error) retry.Class {
	var actionErr *ActionError
	if errors.As(err, &actionErr) && actionErr.Retryable && !actionErr.SideEffects {
		return retry.ClassRetryable
	}
	return retry.ClassFatal
}
