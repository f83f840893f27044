package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Approval ticket decisions.
const (
	DecisionPending  = "PENDING"
	DecisionApproved = "APPROVED"
	DecisionRejected = "REJECTED"
	DecisionTimedOut = "TIMED_OUT"
	DecisionStopped  = "STOPPED"
)

var (
	ErrNotFound        = errors.New("store: not found")
	ErrAlreadyResolved = errors.New("store: ticket already resolved")
	ErrRunTerminal     = errors.New("store: run already terminal")
)

// DBTX is the common interface of pgxpool.Pool and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// Queries bundles all SQL access against one DBTX.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns Queries bound to the given transaction.
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

const createRun = `
INSERT INTO agent_runs (
    id, goal_id, goal_type, goal_params, success_criteria, triggered_by,
    state, max_iterations, max_cost_cents, approval_timeout_sec
) VALUES ($1, $2, $3, $4, $5, $6, 'RUNNING', $7, $8, $9)
RETURNING id, goal_id, goal_type, goal_params, success_criteria, triggered_by,
    state, iteration, total_cost_cents, snapshot, error_message,
    max_iterations, max_cost_cents, approval_timeout_sec, created_at, updated_at
`

type CreateRunParams struct {
	ID                 uuid.UUID
	GoalID             uuid.UUID
	GoalType           string
	GoalParams         json.RawMessage
	SuccessCriteria    string
	TriggeredBy        string
	MaxIterations      int
	MaxCostCents       int64
	ApprovalTimeoutSec int
}

func (q *Queries) CreateRun(ctx context.Context, arg CreateRunParams) (Run, error) {
	row := q.db.QueryRow(ctx, createRun,
		arg.ID, arg.GoalID, arg.GoalType, arg.GoalParams, arg.SuccessCriteria,
		arg.TriggeredBy, arg.MaxIterations, arg.MaxCostCents, arg.ApprovalTimeoutSec)
	return scanRun(row)
}

// updateRun only touches non-terminal rows, so a terminal state can never be
// overwritten by a late snapshot or a racing stop.
const updateRun = `
UPDATE agent_runs
SET state = $2,
    iteration = $3,
    total_cost_cents = $4,
    snapshot = $5,
    error_message = $6,
    updated_at = now()
WHERE id = $1
  AND state IN ('RUNNING', 'WAITING_FOR_APPROVAL')
`

type UpdateRunParams struct {
	ID             uuid.UUID
	State          string
	Iteration      int
	TotalCostCents int64
	Snapshot       json.RawMessage
	ErrorMessage   string
}

func (q *Queries) UpdateRun(ctx context.Context, arg UpdateRunParams) error {
	tag, err := q.db.Exec(ctx, updateRun,
		arg.ID, arg.State, arg.Iteration, arg.TotalCostCents, arg.Snapshot, arg.ErrorMessage)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Re-persisting the same terminal state is an idempotent no-op.
		run, getErr := q.GetRun(ctx, arg.ID)
		if getErr != nil {
			return getErr
		}
		if run.State == arg.State {
			return nil
		}
		return ErrRunTerminal
	}
	return nil
}

const markStopped = `
UPDATE agent_runs
SET state = 'STOPPED', updated_at = now()
WHERE id = $1
  AND state IN ('RUNNING', 'WAITING_FOR_APPROVAL')
`

// MarkStopped flips a non-terminal run to STOPPED without needing a snapshot.
// A run that already reached another terminal state is left untouched.
func (q *Queries) MarkStopped(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.Exec(ctx, markStopped, id)
	return err
}

const getRun = `
SELECT id, goal_id, goal_type, goal_params, success_criteria, triggered_by,
    state, iteration, total_cost_cents, snapshot, error_message,
    max_iterations, max_cost_cents, approval_timeout_sec, created_at, updated_at
FROM agent_runs
WHERE id = $1
`

func (q *Queries) GetRun(ctx context.Context, id uuid.UUID) (Run, error) {
	return scanRun(q.db.QueryRow(ctx, getRun, id))
}

const listRunsByState = `
SELECT id, goal_id, goal_type, goal_params, success_criteria, triggered_by,
    state, iteration, total_cost_cents, snapshot, error_message,
    max_iterations, max_cost_cents, approval_timeout_sec, created_at, updated_at
FROM agent_runs
WHERE state = $1
ORDER BY created_at
`

func (q *Queries) ListRunsByState(ctx context.Context, state string) ([]Run, error) {
	rows, err := q.db.Query(ctx, listRunsByState, state)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

const appendHistory = `
INSERT INTO run_history (
    run_id, iteration, action_type, input, output, success, error,
    duration_ms, cost_cents, approval_required, approval_ticket_id, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
RETURNING id
`

type AppendHistoryParams struct {
	RunID            uuid.UUID
	Iteration        int
	ActionType       string
	Input            json.RawMessage
	Output           json.RawMessage
	Success          bool
	Error            string
	DurationMs       int64
	CostCents        int64
	ApprovalRequired bool
	ApprovalTicketID *uuid.UUID
	CreatedAt        time.Time
}

func (q *Queries) AppendHistory(ctx context.Context, arg AppendHistoryParams) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx, appendHistory,
		arg.RunID, arg.Iteration, arg.ActionType, arg.Input, arg.Output,
		arg.Success, arg.Error, arg.DurationMs, arg.CostCents,
		arg.ApprovalRequired, arg.ApprovalTicketID, arg.CreatedAt).Scan(&id)
	return id, err
}

const listHistory = `
SELECT id, run_id, iteration, action_type, input, output, success, error,
    duration_ms, cost_cents, approval_required, approval_ticket_id, created_at
FROM run_history
WHERE run_id = $1
ORDER BY id
`

func (q *Queries) ListHistory(ctx context.Context, runID uuid.UUID) ([]HistoryRow, error) {
	rows, err := q.db.Query(ctx, listHistory, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryRow
	for rows.Next() {
		var h HistoryRow
		if err := rows.Scan(&h.ID, &h.RunID, &h.Iteration, &h.ActionType, &h.Input,
			&h.Output, &h.Success, &h.Error, &h.DurationMs, &h.CostCents,
			&h.ApprovalRequired, &h.ApprovalTicketID, &h.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

const createApprovalTicket = `
INSERT INTO approval_tickets (id, run_id, content, decision, expires_at)
VALUES ($1, $2, $3, 'PENDING', $4)
RETURNING id, run_id, content, decision, reason, expires_at, created_at, resolved_at
`

type CreateApprovalTicketParams struct {
	ID        uuid.UUID
	RunID     uuid.UUID
	Content   string
	ExpiresAt time.Time
}

func (q *Queries) CreateApprovalTicket(ctx context.Context, arg CreateApprovalTicketParams) (ApprovalTicket, error) {
	row := q.db.QueryRow(ctx, createApprovalTicket, arg.ID, arg.RunID, arg.Content, arg.ExpiresAt)
	return scanTicket(row)
}

const getApprovalTicket = `
SELECT id, run_id, content, decision, reason, expires_at, created_at, resolved_at
FROM approval_tickets
WHERE id = $1
`

func (q *Queries) GetApprovalTicket(ctx context.Context, id uuid.UUID) (ApprovalTicket, error) {
	return scanTicket(q.db.QueryRow(ctx, getApprovalTicket, id))
}

// resolveApprovalTicket is a compare-and-set on the PENDING decision, so only
// the first resolution wins.
const resolveApprovalTicket = `
UPDATE approval_tickets
SET decision = $2, reason = $3, resolved_at = now()
WHERE id = $1 AND decision = 'PENDING'
RETURNING id, run_id, content, decision, reason, expires_at, created_at, resolved_at
`

func (q *Queries) ResolveApprovalTicket(ctx context.Context, id uuid.UUID, decision, reason string) (ApprovalTicket, error) {
	row := q.db.QueryRow(ctx, resolveApprovalTicket, id, decision, reason)
	ticket, err := scanTicket(row)
	if errors.Is(err, ErrNotFound) {
		// Either the ticket does not exist or it was already resolved.
		existing, getErr := q.GetApprovalTicket(ctx, id)
		if getErr != nil {
			return ApprovalTicket{}, getErr
		}
		return existing, ErrAlreadyResolved
	}
	return ticket, err
}

const getPendingTicketForRun = `
SELECT id, run_id, content, decision, reason, expires_at, created_at, resolved_at
FROM approval_tickets
WHERE run_id = $1 AND decision = 'PENDING'
`

func (q *Queries) GetPendingTicketForRun(ctx context.Context, runID uuid.UUID) (ApprovalTicket, error) {
	return scanTicket(q.db.QueryRow(ctx, getPendingTicketForRun, runID))
}

func scanRun(row pgx.Row) (Run, error) {
	var r Run
	err := row.Scan(&r.ID, &r.GoalID, &r.GoalType, &r.GoalParams, &r.SuccessCriteria,
		&r.TriggeredBy, &r.State, &r.Iteration, &r.TotalCostCents, &r.Snapshot,
		&r.ErrorMessage, &r.MaxIterations, &r.MaxCostCents, &r.ApprovalTimeoutSec,
		&r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	return r, err
}

func scanTicket(row pgx.Row) (ApprovalTicket, error) {
	var t ApprovalTicket
	err := row.Scan(&t.ID, &t.RunID, &t.Content, &t.Decision, &t.Reason,
		&t.ExpiresAt, &t.CreatedAt, &t.ResolvedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ApprovalTicket{}, ErrNotFound
	}
	return t, err
}
