// Package engine hosts the run orchestrator: it starts runs, drives each one
// through the iterate-until-done loop on its own goroutine, applies the
// budget, retry, and approval machinery around every action, and persists
// every state transition.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/caseforge/agent-engine/internal/approval"
	"github.com/caseforge/agent-engine/internal/budget"
	"github.com/caseforge/agent-engine/internal/executor"
	"github.com/caseforge/agent-engine/internal/goal"
	"github.com/caseforge/agent-engine/internal/memory"
	"github.com/caseforge/agent-engine/internal/retry"
	"github.com/caseforge/agent-engine/internal/store"
	"github.com/caseforge/agent-engine/pkg/config"
)

// Errors returned by the orchestrator.
var (
	ErrRunNotFound       = errors.New("engine: run not found")
	ErrInvalidTransition = errors.New("engine: invalid state transition")
)

// RunConfig bounds one run. Zero fields fall back to system defaults.
type RunConfig struct {
	MaxIterations   int           `json:"max_iterations"`
	MaxCostCents    int64         `json:"max_cost_cents"`
	ApprovalTimeout time.Duration `json:"approval_timeout"`
}

// Result is the terminal outcome of a run.
type Result struct {
	RunID          uuid.UUID `json:"run_id"`
	State          RunState  `json:"state"`
	Iterations     int       `json:"iterations"`
	TotalCostCents int64     `json:"total_cost_cents"`
	ErrorMessage   string    `json:"error_message,omitempty"`
}

// ApprovalGate is the suspension primitive the orchestrator depends on.
type ApprovalGate interface {
	Request(ctx context.Context, runID uuid.UUID, content string, timeout time.Duration) (store.ApprovalTicket, error)
	Await(ctx context.Context, ticketID uuid.UUID, timeout time.Duration) (approval.Decision, error)
	CancelRun(ctx context.Context, runID uuid.UUID)
}

// Notifier is told about terminal transitions, fire-and-forget.
type Notifier interface {
	RunFinished(ctx context.Context, result Result)
}

// activeRun is one hosted run. Its working memory is mutated only by the loop
// goroutine; everything else reads persisted snapshots.
type activeRun struct {
	id     uuid.UUID
	goal   goal.Goal
	cfg    RunConfig
	exec   executor.ActionExecutor
	mem    *memory.WorkingMemory
	cancel context.CancelFunc

	stopRequested atomic.Bool

	// persistedEntries counts history rows already written, only touched by
	// the loop goroutine.
	persistedEntries int

	// resumeTicket holds the ticket id of a just-approved suspension so the
	// next recorded entry correlates with it. Loop goroutine only.
	resumeTicket *uuid.UUID

	done   chan struct{}
	mu     sync.Mutex
	state  RunState
	result Result
}

// takeResumeTicket consumes the ticket id of the approval that let the
// current action run, if any.
func (r *activeRun) takeResumeTicket() *uuid.UUID {
	t := r.resumeTicket
	r.resumeTicket = nil
	return t
}

func (r *activeRun) setState(to RunState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := validateTransition(r.state, to); err != nil {
		return err
	}
	r.state = to
	return nil
}

func (r *activeRun) complete(res Result) {
	r.mu.Lock()
	r.result = res
	r.mu.Unlock()
	close(r.done)
}

// RunHandle is returned by Start. It identifies the run and lets the caller
// wait for or poll the terminal result.
type RunHandle struct {
	RunID   uuid.UUID
	run     *activeRun
	release func()
}

// Done is closed when the run reaches a terminal state.
func (h *RunHandle) Done() <-chan struct{} { return h.run.done }

// Wait blocks until the run terminates or ctx is cancelled. Collecting the
// result releases the run's registry slot.
func (h *RunHandle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.run.done:
		h.run.mu.Lock()
		res := h.run.result
		h.run.mu.Unlock()
		h.collect()
		return res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Result polls for the terminal result without blocking. Collecting the
// result releases the run's registry slot.
func (h *RunHandle) Result() (Result, bool) {
	select {
	case <-h.run.done:
		h.run.mu.Lock()
		res := h.run.result
		h.run.mu.Unlock()
		h.collect()
		return res, true
	default:
		return Result{}, false
	}
}

func (h *RunHandle) collect() {
	if h.release != nil {
		h.release()
	}
}

// Orchestrator hosts runs. Each run executes on its own goroutine; the
// orchestrator itself only guards the registry.
type Orchestrator struct {
	store       store.EngineStore
	gate        ApprovalGate
	notifier    Notifier
	retryPolicy retry.Policy
	defaults    config.EngineConfig

	mu   sync.RWMutex
	runs map[uuid.UUID]*activeRun
}

// New creates an orchestrator. notifier may be nil.
func New(st store.EngineStore, gate ApprovalGate, notifier Notifier, cfg config.EngineConfig) *Orchestrator {
	return &Orchestrator{
		store:    st,
		gate:     gate,
		notifier: notifier,
		defaults: cfg,
		retryPolicy: retry.Policy{
			MaxAttempts:  cfg.RetryMaxAttempts,
			InitialDelay: time.Duration(cfg.RetryInitialMs) * time.Millisecond,
			MaxDelay:     time.Duration(cfg.RetryMaxDelayMs) * time.Millisecond,
			Multiplier:   2.0,
			Jitter:       true,
		},
		runs: make(map[uuid.UUID]*activeRun),
	}
}

// resolveConfig fills zero RunConfig fields from system defaults.
func (o *Orchestrator) resolveConfig(cfg RunConfig) RunConfig {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = o.defaults.MaxIterations
	}
	if cfg.MaxCostCents <= 0 {
		cfg.MaxCostCents = o.defaults.MaxCostCents
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = time.Duration(o.defaults.ApprovalTimeoutSec) * time.Second
	}
	return cfg
}

// Start validates the goal, persists the initial RUNNING record, and launches
// the run loop. It returns immediately with a handle. A goal missing required
// parameters fails here with no run created.
func (o *Orchestrator) Start(ctx context.Context, g goal.Goal, cfg RunConfig, exec executor.ActionExecutor) (*RunHandle, error) {
	if err := goal.Validate(g); err != nil {
		return nil, err
	}
	cfg = o.resolveConfig(cfg)

	runID := uuid.New()
	params, err := json.Marshal(g.Params)
	if err != nil {
		return nil, fmt.Errorf("engine: marshal goal params: %w", err)
	}

	if _, err := o.store.CreateRun(ctx, store.CreateRunParams{
		ID:                 runID,
		GoalID:             g.ID,
		GoalType:           g.Type,
		GoalParams:         params,
		SuccessCriteria:    g.SuccessCriteria,
		TriggeredBy:        g.TriggeredBy,
		MaxIterations:      cfg.MaxIterations,
		MaxCostCents:       cfg.MaxCostCents,
		ApprovalTimeoutSec: int(cfg.ApprovalTimeout / time.Second),
	}); err != nil {
		return nil, fmt.Errorf("engine: create run: %w", err)
	}

	// The loop outlives the caller's request context.
	runCtx, cancel := context.WithCancel(context.Background())
	run := &activeRun{
		id:     runID,
		goal:   g,
		cfg:    cfg,
		exec:   exec,
		mem:    memory.New(runID, time.Now()),
		cancel: cancel,
		done:   make(chan struct{}),
		state:  StateRunning,
	}

	o.mu.Lock()
	o.runs[runID] = run
	o.mu.Unlock()

	go o.runLoop(runCtx, run)

	slog.Info("engine: run started",
		slog.String("run_id", runID.String()),
		slog.String("goal_type", g.Type),
		slog.Int("max_iterations", cfg.MaxIterations),
		slog.Int64("max_cost_cents", cfg.MaxCostCents),
	)
	return o.handleFor(runID, run), nil
}

func (o *Orchestrator) handleFor(runID uuid.UUID, run *activeRun) *RunHandle {
	return &RunHandle{
		RunID:   runID,
		run:     run,
		release: func() { o.removeRun(runID) },
	}
}

func (o *Orchestrator) removeRun(runID uuid.UUID) {
	o.mu.Lock()
	delete(o.runs, runID)
	o.mu.Unlock()
}

// Stop requests cooperative cancellation. An in-flight action is allowed to
// finish; a run suspended in the approval gate is released immediately. Runs
// persisted but not hosted by this instance are marked stopped in the store.
func (o *Orchestrator) Stop(ctx context.Context, runID uuid.UUID) error {
	o.mu.RLock()
	run, ok := o.runs[runID]
	o.mu.RUnlock()

	if !ok {
		if err := o.store.MarkStopped(ctx, runID); err != nil {
			return fmt.Errorf("engine: mark stopped: %w", err)
		}
		return nil
	}

	run.stopRequested.Store(true)
	run.cancel()
	o.gate.CancelRun(ctx, runID)

	slog.Info("engine: stop requested", slog.String("run_id", runID.String()))
	return nil
}

// Handle returns the handle of a hosted run. Terminal runs stay registered
// until a handle collects their result.
func (o *Orchestrator) Handle(runID uuid.UUID) (*RunHandle, error) {
	o.mu.RLock()
	run, ok := o.runs[runID]
	o.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	return o.handleFor(runID, run), nil
}

// RunningCount reports how many runs are currently hosted and non-terminal.
func (o *Orchestrator) RunningCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	n := 0
	for _, run := range o.runs {
		select {
		case <-run.done:
		default:
			n++
		}
	}
	return n
}

// Shutdown requests cancellation of every hosted run and waits for the loops
// to finish or ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.mu.RLock()
	runs := make([]*activeRun, 0, len(o.runs))
	for _, run := range o.runs {
		runs = append(runs, run)
	}
	o.mu.RUnlock()

	for _, run := range runs {
		run.stopRequested.Store(true)
		run.cancel()
		o.gate.CancelRun(ctx, run.id)
	}
	for _, run := range runs {
		select {
		case <-run.done:
		case <-ctx.Done():
			return
		}
	}
}

// runLoop drives one run to a terminal state. It is the only goroutine that
// mutates the run's working memory, and the only writer of its terminal state.
func (o *Orchestrator) runLoop(ctx context.Context, run *activeRun) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("engine: run loop panic",
				slog.String("run_id", run.id.String()),
				slog.Any("panic", r),
			)
			o.finish(run, StateFailed, fmt.Sprintf("internal panic: %v", r))
		}
	}()

	criteria := goal.ParseCriteria(run.goal.SuccessCriteria)

	for {
		if run.stopRequested.Load() {
			o.finish(run, StateStopped, "")
			return
		}

		if d := budget.Check(run.mem, budget.Limits{
			MaxIterations: run.cfg.MaxIterations,
			MaxCostCents:  run.cfg.MaxCostCents,
		}); d.Verdict != budget.VerdictContinue {
			switch d.Verdict {
			case budget.VerdictTimeout:
				o.finish(run, StateTimeout, d.Reason)
			case budget.VerdictBudgetExceeded:
				o.finish(run, StateBudgetExceeded, d.Reason)
			}
			return
		}

		start := time.Now()
		out, err := retry.Do(ctx, o.retryPolicy, func(ctx context.Context) (*executor.Outcome, error) {
			return run.exec.DecideAndPerform(ctx, run.goal, run.mem.Snapshot())
		}, executor.Classify, func(attempt int, delay time.Duration, err error) {
			slog.Warn("engine: action retry",
				slog.String("run_id", run.id.String()),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.Any("error", err),
			)
		})
		durationMs := time.Since(start).Milliseconds()

		if err != nil {
			if run.stopRequested.Load() || ctx.Err() != nil {
				o.finish(run, StateStopped, "")
				return
			}
			o.recordFailure(ctx, run, err, durationMs)
			o.finish(run, StateFailed, err.Error())
			return
		}

		if out.NeedsApproval {
			if !o.suspendForApproval(ctx, run, out, durationMs) {
				return // terminal state already set
			}
			continue
		}

		if err := o.applyOutcome(ctx, run, out, durationMs); err != nil {
			o.finish(run, StateFailed, err.Error())
			return
		}

		if done, err := o.goalSatisfied(run, out, criteria); err != nil {
			o.finish(run, StateFailed, err.Error())
			return
		} else if done {
			o.finish(run, StateSucceeded, "")
			return
		}
	}
}

// suspendForApproval runs the ticket/await protocol. It returns false when
// the run reached a terminal state during the wait.
func (o *Orchestrator) suspendForApproval(ctx context.Context, run *activeRun, out *executor.Outcome, durationMs int64) bool {
	ticket, err := o.gate.Request(ctx, run.id, out.ApprovalContent, run.cfg.ApprovalTimeout)
	if err != nil {
		o.finish(run, StateFailed, fmt.Sprintf("create approval ticket: %v", err))
		return false
	}

	now := time.Now()
	run.mem.RecordSuspension(memory.HistoryEntry{
		ActionType:       out.ActionType,
		Input:            out.Input,
		DurationMs:       durationMs,
		ApprovalTicketID: &ticket.ID,
	}, now)

	// Persist WAITING_FOR_APPROVAL before suspending, so a crash during the
	// wait is recoverable by re-attaching to the ticket.
	if err := run.setState(StateWaitingForApproval); err != nil {
		o.finish(run, StateFailed, err.Error())
		return false
	}
	o.persist(ctx, run, StateWaitingForApproval, "")

	slog.Info("engine: run suspended for approval",
		slog.String("run_id", run.id.String()),
		slog.String("ticket_id", ticket.ID.String()),
	)

	decision, err := o.gate.Await(ctx, ticket.ID, run.cfg.ApprovalTimeout)
	if err != nil {
		o.finish(run, StateFailed, fmt.Sprintf("await approval: %v", err))
		return false
	}

	switch decision.Outcome {
	case store.DecisionApproved:
		run.mem.Scratch[executor.ScratchApprovalGranted] = true
		run.resumeTicket = &ticket.ID
		if err := run.setState(StateRunning); err != nil {
			o.finish(run, StateFailed, err.Error())
			return false
		}
		o.persist(ctx, run, StateRunning, "")
		slog.Info("engine: approval granted, run resumed",
			slog.String("run_id", run.id.String()),
			slog.String("ticket_id", ticket.ID.String()),
		)
		return true
	case store.DecisionRejected:
		reason := decision.Reason
		if reason == "" {
			reason = "approval rejected"
		} else {
			reason = "approval rejected: " + reason
		}
		o.finish(run, StateFailed, reason)
	case store.DecisionTimedOut:
		o.finish(run, StateTimeout, "approval wait timed out")
	case store.DecisionStopped:
		o.finish(run, StateStopped, "")
	default:
		o.finish(run, StateFailed, fmt.Sprintf("unexpected approval decision %q", decision.Outcome))
	}
	return false
}

// applyOutcome validates produced work-products, folds the outcome into
// working memory, and persists the new snapshot and history entry.
func (o *Orchestrator) applyOutcome(ctx context.Context, run *activeRun, out *executor.Outcome, durationMs int64) error {
	for name, value := range out.WorkProducts {
		if err := goal.ValidateProduct(run.goal.Type, name, value); err != nil {
			return err
		}
	}

	run.mem.RecordAction(memory.HistoryEntry{
		ActionType:       out.ActionType,
		Input:            out.Input,
		Output:           out.Output,
		Success:          out.Success,
		DurationMs:       durationMs,
		CostCents:        out.CostCents,
		ApprovalTicketID: run.takeResumeTicket(),
	}, out.WorkProducts, out.StateDelta, time.Now())

	o.persist(ctx, run, StateRunning, "")
	return nil
}

// goalSatisfied consults the executor's signal first, then any parseable
// success criteria evaluated against run metrics.
func (o *Orchestrator) goalSatisfied(run *activeRun, out *executor.Outcome, criteria []goal.Condition) (bool, error) {
	if out.GoalSatisfied {
		return true, nil
	}
	if len(criteria) == 0 {
		return false, nil
	}
	return goal.EvaluateCriteria(criteria, run.mem.Metric)
}

// recordFailure appends the failed action to history so the failure is
// visible in the persisted record.
func (o *Orchestrator) recordFailure(ctx context.Context, run *activeRun, actionErr error, durationMs int64) {
	actionType := "unknown"
	var ae *executor.ActionError
	if errors.As(actionErr, &ae) && ae.ActionType != "" {
		actionType = ae.ActionType
	}
	run.mem.RecordAction(memory.HistoryEntry{
		ActionType:       actionType,
		Success:          false,
		Error:            actionErr.Error(),
		DurationMs:       durationMs,
		ApprovalTicketID: run.takeResumeTicket(),
	}, nil, nil, time.Now())
	o.persist(ctx, run, StateRunning, "")
}

// persist writes the newest history entry and the current snapshot. History
// is written first so replaying the log always reaches the snapshot state.
func (o *Orchestrator) persist(ctx context.Context, run *activeRun, state RunState, errMsg string) {
	if last := run.mem.LastEntry(); last != nil && run.persistedEntries < len(run.mem.History) {
		if _, err := o.store.AppendHistory(ctx, store.AppendHistoryParams{
			RunID:            run.id,
			Iteration:        last.Iteration,
			ActionType:       last.ActionType,
			Input:            last.Input,
			Output:           last.Output,
			Success:          last.Success,
			Error:            last.Error,
			DurationMs:       last.DurationMs,
			CostCents:        last.CostCents,
			ApprovalRequired: last.ApprovalRequired,
			ApprovalTicketID: last.ApprovalTicketID,
			CreatedAt:        last.CreatedAt,
		}); err != nil {
			slog.Error("engine: append history",
				slog.String("run_id", run.id.String()),
				slog.Any("error", err),
			)
		} else {
			run.persistedEntries++
		}
	}

	snapshot, err := json.Marshal(run.mem.Snapshot())
	if err != nil {
		slog.Error("engine: marshal snapshot", slog.String("run_id", run.id.String()), slog.Any("error", err))
		snapshot = nil
	}
	if err := o.store.UpdateRun(ctx, store.UpdateRunParams{
		ID:             run.id,
		State:          string(state),
		Iteration:      run.mem.Iteration,
		TotalCostCents: run.mem.TotalCostCents,
		Snapshot:       snapshot,
		ErrorMessage:   errMsg,
	}); err != nil && !errors.Is(err, store.ErrRunTerminal) {
		slog.Error("engine: update run",
			slog.String("run_id", run.id.String()),
			slog.Any("error", err),
		)
	}
}

// finish records the terminal state, persists it, and fires the notifier.
// The registry slot is held until a handle collects the result. STOPPED
// arriving after another terminal state loses; the store enforces the same
// rule.
func (o *Orchestrator) finish(run *activeRun, state RunState, errMsg string) {
	if err := run.setState(state); err != nil {
		slog.Warn("engine: terminal transition rejected",
			slog.String("run_id", run.id.String()),
			slog.String("to", string(state)),
			slog.Any("error", err),
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o.persist(ctx, run, state, errMsg)

	result := Result{
		RunID:          run.id,
		State:          state,
		Iterations:     run.mem.Iteration,
		TotalCostCents: run.mem.TotalCostCents,
		ErrorMessage:   errMsg,
	}
	run.complete(result)

	slog.Info("engine: run finished",
		slog.String("run_id", run.id.String()),
		slog.String("state", string(state)),
		slog.Int("iterations", result.Iterations),
		slog.Int64("total_cost_cents", result.TotalCostCents),
	)

	if o.notifier != nil {
		go o.notifier.RunFinished(context.Background(), result)
	}
}
