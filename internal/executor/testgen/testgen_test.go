package testgen

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/caseforge/agent-engine/internal/executor"
	"github.com/caseforge/agent-engine/internal/goal"
	"github.com/caseforge/agent-engine/internal/llm"
	"github.com/caseforge/agent-engine/internal/memory"
	"github.com/caseforge/agent-engine/internal/retry"
)

// fakeClient returns canned responses or errors in order.
type fakeClient struct {
	responses []*llm.ChatResponse
	errs      []error
	calls     int
}

func (f *fakeClient) Chat(_ context.Context, _ llm.ChatRequest) (*llm.ChatResponse, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	return f.responses[i], nil
}

func genGoal(params map[string]any) goal.Goal {
	if params == nil {
		params = map[string]any{}
	}
	if _, ok := params["ticket_id"]; !ok {
		params["ticket_id"] = "PROJ-42"
	}
	if _, ok := params["language"]; !ok {
		params["language"] = "go"
	}
	return goal.Goal{ID: uuid.New(), Type: "test_generation", Params: params, TriggeredBy: "tester"}
}

const validOutput = `Here is the test:
{"name": "login rejects bad password", "steps": ["open login", "submit", "assert error"], "code": "func TestLogin(t *testing.T) {}"}`

func TestGenerateValidTestCase(t *testing.T) {
	client := &fakeClient{responses: []*llm.ChatResponse{
		{Content: validOutput, Usage: llm.TokenUsage{TotalTokens: 1500}},
	}}
	e := New(client, 2)

	snap := newMemory()
	out, err := e.DecideAndPerform(context.Background(), genGoal(nil), snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.Success || !out.GoalSatisfied {
		t.Fatalf("expected successful satisfied outcome, got %+v", out)
	}
	if out.CostCents != 3 { // 1500 tokens at 2 cents per 1k, rounded up
		t.Fatalf("expected cost 3, got %d", out.CostCents)
	}
	if _, ok := out.WorkProducts["test_case"]; !ok {
		t.Fatal("missing test_case work-product")
	}
	if out.StateDelta["tests_generated"] != 1 {
		t.Fatalf("unexpected state delta: %v", out.StateDelta)
	}
}

func TestGeneratedCounterSurvivesJSONRoundTrip(t *testing.T) {
	client := &fakeClient{responses: []*llm.ChatResponse{
		{Content: validOutput, Usage: llm.TokenUsage{TotalTokens: 100}},
	}}
	e := New(client, 1)

	// A snapshot reloaded from a persisted run carries JSON numbers, so the
	// counter arrives as float64, not int.
	snap := newMemory()
	snap.Scratch["tests_generated"] = float64(2)

	out, err := e.DecideAndPerform(context.Background(), genGoal(nil), snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.StateDelta["tests_generated"] != 3 {
		t.Fatalf("counter reset instead of advancing: %v", out.StateDelta)
	}
}

func TestMalformedOutputIsUnsuccessfulNotFatal(t *testing.T) {
	client := &fakeClient{responses: []*llm.ChatResponse{
		{Content: "I cannot produce JSON today", Usage: llm.TokenUsage{TotalTokens: 200}},
	}}
	e := New(client, 1)

	out, err := e.DecideAndPerform(context.Background(), genGoal(nil), newMemory())
	if err != nil {
		t.Fatalf("malformed output should not be an error: %v", err)
	}
	if out.Success || out.GoalSatisfied {
		t.Fatalf("expected unsuccessful outcome, got %+v", out)
	}
	if out.CostCents != 1 {
		t.Fatalf("tokens were spent, expected cost 1, got %d", out.CostCents)
	}
}

func TestTransientAPIErrorIsRetryable(t *testing.T) {
	client := &fakeClient{errs: []error{&llm.APIError{Status: 503}}}
	e := New(client, 1)

	_, err := e.DecideAndPerform(context.Background(), genGoal(nil), newMemory())
	if err == nil {
		t.Fatal("expected error")
	}
	var actionErr *executor.ActionError
	if !errors.As(err, &actionErr) || !actionErr.Retryable {
		t.Fatalf("503 should surface as retryable ActionError, got %v", err)
	}
	if executor.Classify(err) != retry.ClassRetryable {
		t.Fatal("classifier should mark transient API failure retryable")
	}
}

func TestBadRequestIsFatal(t *testing.T) {
	client := &fakeClient{errs: []error{&llm.APIError{Status: 400}}}
	e := New(client, 1)

	_, err := e.DecideAndPerform(context.Background(), genGoal(nil), newMemory())
	if executor.Classify(err) != retry.ClassFatal {
		t.Fatalf("400 should be fatal, got %v", err)
	}
}

func TestApprovalGateBeforeGeneration(t *testing.T) {
	client := &fakeClient{}
	e := New(client, 1)
	g := genGoal(map[string]any{"require_approval": true})

	snap := newMemory()
	out, err := e.DecideAndPerform(context.Background(), g, snap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !out.NeedsApproval {
		t.Fatal("expected approval request before generation")
	}
	if out.ApprovalContent == "" {
		t.Fatal("approval request must carry reviewable content")
	}
	if client.calls != 0 {
		t.Fatal("LLM must not be called before approval")
	}

	// Once approval is granted the executor proceeds.
	client.responses = []*llm.ChatResponse{{Content: validOutput, Usage: llm.TokenUsage{TotalTokens: 100}}}
	snap.Scratch[executor.ScratchApprovalGranted] = true
	out, err = e.DecideAndPerform(context.Background(), g, snap)
	if err != nil {
		t.Fatalf("unexpected error after approval: %v", err)
	}
	if out.NeedsApproval || !out.Success {
		t.Fatalf("expected generation after approval, got %+v", out)
	}
}

func newMemory() *memory.WorkingMemory { return memory.New(uuid.New(), time.Now()) }
