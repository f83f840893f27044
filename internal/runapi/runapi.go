// Package runapi exposes agent runs over HTTP: starting, watching, stopping,
// and resolving approval tickets. Status reads go through persisted snapshots,
// never a live run's working memory.
package runapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/caseforge/agent-engine/internal/engine"
	"github.com/caseforge/agent-engine/internal/executor"
	"github.com/caseforge/agent-engine/internal/goal"
	"github.com/caseforge/agent-engine/internal/store"
)

// Errors returned by the run service.
var (
	ErrNotFound   = errors.New("runapi: not found")
	ErrValidation = errors.New("runapi: validation error")
	ErrConflict   = errors.New("runapi: conflict")
)

// Resolver settles approval tickets. Satisfied by *approval.Gate.
type Resolver interface {
	Resolve(ctx context.Context, ticketID uuid.UUID, decision, reason string) error
}

// StartRequest is the input for starting a new run.
type StartRequest struct {
	GoalType        string         `json:"goal_type"`
	Params          map[string]any `json:"params"`
	SuccessCriteria string         `json:"success_criteria,omitempty"`
	TriggeredBy     string         `json:"triggered_by,omitempty"`

	// Optional per-run overrides; zero means system default.
	MaxIterations      int   `json:"max_iterations,omitempty"`
	MaxCostCents       int64 `json:"max_cost_cents,omitempty"`
	ApprovalTimeoutSec int   `json:"approval_timeout_sec,omitempty"`
}

// ResolveRequest is the input for resolving an approval ticket.
type ResolveRequest struct {
	Decision string `json:"decision"` // "APPROVED" or "REJECTED"
	Reason   string `json:"reason,omitempty"`
}

// TicketResponse is the API-facing representation of an approval ticket.
type TicketResponse struct {
	ID        uuid.UUID `json:"id"`
	RunID     uuid.UUID `json:"run_id"`
	Content   string    `json:"content"`
	Decision  string    `json:"decision"`
	Reason    string    `json:"reason,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// RunResponse is the API-facing representation of a run.
type RunResponse struct {
	ID              uuid.UUID       `json:"id"`
	GoalID          uuid.UUID       `json:"goal_id"`
	GoalType        string          `json:"goal_type"`
	GoalParams      json.RawMessage `json:"goal_params"`
	SuccessCriteria string          `json:"success_criteria,omitempty"`
	TriggeredBy     string          `json:"triggered_by,omitempty"`
	State           string          `json:"state"`
	Iteration       int             `json:"iteration"`
	TotalCostCents  int64           `json:"total_cost_cents"`
	ErrorMessage    string          `json:"error_message,omitempty"`
	MaxIterations   int             `json:"max_iterations"`
	MaxCostCents    int64           `json:"max_cost_cents"`
	PendingApproval *TicketResponse `json:"pending_approval,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// HistoryResponse is one recorded action of a run.
type HistoryResponse struct {
	Iteration        int             `json:"iteration"`
	ActionType       string          `json:"action_type"`
	Input            json.RawMessage `json:"input,omitempty"`
	Output           json.RawMessage `json:"output,omitempty"`
	Success          bool            `json:"success"`
	Error            string          `json:"error,omitempty"`
	DurationMs       int64           `json:"duration_ms"`
	CostCents        int64           `json:"cost_cents"`
	ApprovalRequired bool            `json:"approval_required"`
	ApprovalTicketID *uuid.UUID      `json:"approval_ticket_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Service mediates between the HTTP surface and the orchestrator. Executors
// are registered per goal type; starting a goal type with no executor fails
// validation.
type Service struct {
	orch      *engine.Orchestrator
	reader    store.RunReader
	tickets   store.TicketStore
	resolver  Resolver
	executors map[string]executor.ActionExecutor
}

// NewService creates a new run service.
func NewService(orch *engine.Orchestrator, reader store.RunReader, tickets store.TicketStore, resolver Resolver) *Service {
	return &Service{
		orch:      orch,
		reader:    reader,
		tickets:   tickets,
		resolver:  resolver,
		executors: make(map[string]executor.ActionExecutor),
	}
}

// RegisterExecutor binds an executor to a goal type. Not safe for concurrent
// use with Start; register everything during wiring.
func (s *Service) RegisterExecutor(goalType string, exec executor.ActionExecutor) {
	s.executors[goalType] = exec
}

// Start validates the request and launches a run.
func (s *Service) Start(ctx context.Context, req StartRequest) (*RunResponse, error) {
	g := goal.Goal{
		ID:              uuid.New(),
		Type:            req.GoalType,
		Params:          req.Params,
		SuccessCriteria: req.SuccessCriteria,
		TriggeredBy:     req.TriggeredBy,
	}
	if err := goal.Validate(g); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	exec, ok := s.executors[g.Type]
	if !ok {
		return nil, fmt.Errorf("%w: no executor registered for goal type %q", ErrValidation, g.Type)
	}

	cfg := engine.RunConfig{
		MaxIterations:   req.MaxIterations,
		MaxCostCents:    req.MaxCostCents,
		ApprovalTimeout: time.Duration(req.ApprovalTimeoutSec) * time.Second,
	}
	if cfg.MaxIterations < 0 || cfg.MaxCostCents < 0 || cfg.ApprovalTimeout < 0 {
		return nil, fmt.Errorf("%w: run limits must be non-negative", ErrValidation)
	}

	handle, err := s.orch.Start(ctx, g, cfg, exec)
	if err != nil {
		return nil, fmt.Errorf("runapi: start run: %w", err)
	}

	return s.Get(ctx, handle.RunID)
}

// Get returns the persisted view of a run. A run suspended for approval
// carries its pending ticket.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*RunResponse, error) {
	run, err := s.reader.GetRun(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runapi: get run: %w", err)
	}

	resp := toRunResponse(run)
	if run.State == string(engine.StateWaitingForApproval) {
		ticket, err := s.tickets.GetPendingTicketForRun(ctx, id)
		if err == nil {
			tr := toTicketResponse(ticket)
			resp.PendingApproval = &tr
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("runapi: pending ticket: %w", err)
		}
	}
	return &resp, nil
}

// History returns the run's full action history in iteration order.
func (s *Service) History(ctx context.Context, id uuid.UUID) ([]HistoryResponse, error) {
	if _, err := s.reader.GetRun(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runapi: get run: %w", err)
	}

	rows, err := s.reader.ListHistory(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("runapi: list history: %w", err)
	}

	out := make([]HistoryResponse, len(rows))
	for i, row := range rows {
		out[i] = HistoryResponse{
			Iteration:        row.Iteration,
			ActionType:       row.ActionType,
			Input:            row.Input,
			Output:           row.Output,
			Success:          row.Success,
			Error:            row.Error,
			DurationMs:       row.DurationMs,
			CostCents:        row.CostCents,
			ApprovalRequired: row.ApprovalRequired,
			ApprovalTicketID: row.ApprovalTicketID,
			CreatedAt:        row.CreatedAt,
		}
	}
	return out, nil
}

// Stop requests cancellation of a run. Stopping a run that already reached a
// terminal state is a no-op.
func (s *Service) Stop(ctx context.Context, id uuid.UUID) (*RunResponse, error) {
	if _, err := s.reader.GetRun(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("runapi: get run: %w", err)
	}

	if err := s.orch.Stop(ctx, id); err != nil {
		return nil, fmt.Errorf("runapi: stop run: %w", err)
	}
	return s.Get(ctx, id)
}

// ResolveApproval settles a pending ticket. Only APPROVED and REJECTED are
// accepted from the API; timeouts and stops are engine-internal decisions.
func (s *Service) ResolveApproval(ctx context.Context, ticketID uuid.UUID, req ResolveRequest) (*TicketResponse, error) {
	if req.Decision != store.DecisionApproved && req.Decision != store.DecisionRejected {
		return nil, fmt.Errorf("%w: decision must be %q or %q", ErrValidation, store.DecisionApproved, store.DecisionRejected)
	}

	if err := s.resolver.Resolve(ctx, ticketID, req.Decision, req.Reason); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			return nil, ErrNotFound
		case errors.Is(err, store.ErrAlreadyResolved):
			return nil, fmt.Errorf("%w: ticket already resolved", ErrConflict)
		default:
			return nil, fmt.Errorf("runapi: resolve approval: %w", err)
		}
	}

	ticket, err := s.tickets.GetApprovalTicket(ctx, ticketID)
	if err != nil {
		return nil, fmt.Errorf("runapi: get ticket: %w", err)
	}
	resp := toTicketResponse(ticket)
	return &resp, nil
}

func toRunResponse(run store.Run) RunResponse {
	return RunResponse{
		ID:              run.ID,
		GoalID:          run.GoalID,
		GoalType:        run.GoalType,
		GoalParams:      run.GoalParams,
		SuccessCriteria: run.SuccessCriteria,
		TriggeredBy:     run.TriggeredBy,
		State:           run.State,
		Iteration:       run.Iteration,
		TotalCostCents:  run.TotalCostCents,
		ErrorMessage:    run.ErrorMessage,
		MaxIterations:   run.MaxIterations,
		MaxCostCents:    run.MaxCostCents,
		CreatedAt:       run.CreatedAt,
		UpdatedAt:       run.UpdatedAt,
	}
}

func toTicketResponse(t store.ApprovalTicket) TicketResponse {
	return TicketResponse{
		ID:        t.ID,
		RunID:     t.RunID,
		Content:   t.Content,
		Decision:  t.Decision,
		Reason:    t.Reason,
		ExpiresAt: t.ExpiresAt,
		CreatedAt: t.CreatedAt,
	}
}
