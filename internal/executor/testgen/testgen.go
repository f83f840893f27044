// Package testgen implements the test-generation action executor. Each
// invocation asks the LLM for a test case matching the goal's ticket, parses
// and schema-validates the result, and reports the goal satisfied once a
// valid test case lands in working memory.
package testgen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/caseforge/agent-engine/internal/executor"
	"github.com/caseforge/agent-engine/internal/goal"
	"github.com/caseforge/agent-engine/internal/llm"
	"github.com/caseforge/agent-engine/internal/memory"
)

const actionType = "generate_test"

const systemPrompt = `You are a senior QA engineer. Produce exactly one test case as a JSON object
with fields: "name" (string), "steps" (array of strings), "code" (string with
the test implementation). Respond with the JSON object only.`

// Executor drives test generation through an LLM.
type Executor struct {
	client          llm.Client
	pricePer1KCents int64
}

func New(client llm.Client, pricePer1KCents int64) *Executor {
	return &Executor{client: client, pricePer1KCents: pricePer1KCents}
}

// DecideAndPerform generates one candidate test case. When the goal demands
// human review and approval has not been granted yet, it suspends instead of
// calling the LLM.
func (e *Executor) DecideAndPerform(ctx context.Context, g goal.Goal, snap *memory.WorkingMemory) (*executor.Outcome, error) {
	if needsApproval(g, snap) {
		return &executor.Outcome{
			ActionType:    actionType,
			NeedsApproval: true,
			ApprovalContent: fmt.Sprintf("Generate automated test for ticket %v in %v",
				g.Params["ticket_id"], g.Params["language"]),
		}, nil
	}

	prompt := buildPrompt(g, snap)
	input, _ := json.Marshal(map[string]any{"prompt": prompt})

	resp, err := e.client.Chat(ctx, llm.ChatRequest{
		Temperature: 0.2,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		var apiErr *llm.APIError
		retryable := errors.As(err, &apiErr) && apiErr.Transient()
		if !errors.As(err, &apiErr) {
			// network-level failure, nothing reached the provider
			retryable = true
		}
		return nil, &executor.ActionError{ActionType: actionType, Retryable: retryable, Err: err}
	}

	cost := llm.CostCents(resp.Usage, e.pricePer1KCents)

	testCase, err := parseTestCase(resp.Content)
	if err == nil {
		err = goal.ValidateProduct(g.Type, "test_case", testCase)
	}
	if err != nil {
		// Malformed output still costs tokens. Report an unsuccessful
		// iteration and let the loop try again under its budget.
		return &executor.Outcome{
			ActionType: actionType,
			Success:    false,
			CostCents:  cost,
			Input:      input,
			Output:     json.RawMessage(fmt.Sprintf(`{"error":%q}`, err.Error())),
		}, nil
	}

	generated := 1
	if prev, ok := asInt(snap.Scratch["tests_generated"]); ok {
		generated = prev + 1
	}

	output, _ := json.Marshal(testCase)
	return &executor.Outcome{
		ActionType:    actionType,
		Success:       true,
		CostCents:     cost,
		Input:         input,
		Output:        output,
		WorkProducts:  map[string]any{"test_case": testCase},
		StateDelta:    map[string]any{"tests_generated": generated},
		GoalSatisfied: true,
	}, nil
}

func needsApproval(g goal.Goal, snap *memory.WorkingMemory) bool {
	required, _ := g.Params["require_approval"].(bool)
	if !required {
		return false
	}
	granted, _ := snap.Scratch[executor.ScratchApprovalGranted].(bool)
	return !granted
}

func buildPrompt(g goal.Goal, snap *memory.WorkingMemory) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write a %v test for ticket %v.", g.Params["language"], g.Params["ticket_id"])
	if desc, ok := g.Params["description"].(string); ok && desc != "" {
		fmt.Fprintf(&b, "\nTicket description: %s", desc)
	}
	if last := snap.LastEntry(); last != nil && !last.Success && last.Error == "" && last.Output != nil {
		fmt.Fprintf(&b, "\nThe previous attempt was rejected: %s\nFix the problem and try again.", last.Output)
	}
	return b.String()
}

// asInt reads a counter that may have gone through a JSON round-trip, where
// numbers come back as float64.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// parseTestCase extracts the first JSON object from the model output, which
// may be wrapped in prose or a markdown fence.
func parseTestCase(content string) (map[string]any, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in model output")
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(content[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("parse model output: %w", err)
	}
	return out, nil
}
