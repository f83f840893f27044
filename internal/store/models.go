package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Run is one row of agent_runs. Snapshot holds the latest persisted
// WorkingMemory as JSON; consumers read it instead of the live object.
type Run struct {
	ID                 uuid.UUID       `json:"id"`
	GoalID             uuid.UUID       `json:"goal_id"`
	GoalType           string          `json:"goal_type"`
	GoalParams         json.RawMessage `json:"goal_params"`
	SuccessCriteria    string          `json:"success_criteria"`
	TriggeredBy        string          `json:"triggered_by"`
	State              string          `json:"state"`
	Iteration          int             `json:"iteration"`
	TotalCostCents     int64           `json:"total_cost_cents"`
	Snapshot           json.RawMessage `json:"snapshot,omitempty"`
	ErrorMessage       string          `json:"error_message,omitempty"`
	MaxIterations      int             `json:"max_iterations"`
	MaxCostCents       int64           `json:"max_cost_cents"`
	ApprovalTimeoutSec int             `json:"approval_timeout_sec"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// HistoryRow is one row of run_history.
type HistoryRow struct {
	ID               int64           `json:"id"`
	RunID            uuid.UUID       `json:"run_id"`
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

// ApprovalTicket is one row of approval_tickets.
type ApprovalTicket struct {
	ID         uuid.UUID  `json:"id"`
	RunID      uuid.UUID  `json:"run_id"`
	Content    string     `json:"content"`
	Decision   string     `json:"decision"`
	Reason     string     `json:"reason,omitempty"`
	ExpiresAt  time.Time  `json:"expires_at"`
	CreatedAt  time.Time  `json:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}
