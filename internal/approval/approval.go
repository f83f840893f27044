// Package approval decouples "a decision is needed" from "a decision arrives".
// A suspended run parks on a per-ticket channel that is fired exactly once,
// by the external decision, by the wait timeout, or by a stop request. Tickets
// are persisted before the run suspends, so a process restart can re-attach.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/caseforge/agent-engine/internal/store"
)

// ErrAlreadyResolved reports a resolve call on a ticket whose decision was
// already recorded. Callers treat it as information, not failure.
var ErrAlreadyResolved = store.ErrAlreadyResolved

// Decision is the outcome of one approval wait.
type Decision struct {
	Outcome string `json:"outcome"` // store.DecisionApproved etc.
	Reason  string `json:"reason,omitempty"`
}

// resolutionMsg is the cross-instance pub/sub payload.
type resolutionMsg struct {
	TicketID uuid.UUID `json:"ticket_id"`
	Decision string    `json:"decision"`
	Reason   string    `json:"reason,omitempty"`
}

// Gate coordinates approval suspensions for runs hosted by this process.
type Gate struct {
	tickets store.TicketStore
	rdb     *redis.Client // nil disables the cross-instance bridge
	channel string

	mu      sync.Mutex
	waiters map[uuid.UUID]chan Decision
}

// NewGate creates an approval gate. rdb may be nil for single-instance
// deployments and tests.
func NewGate(tickets store.TicketStore, rdb *redis.Client, channel string) *Gate {
	return &Gate{
		tickets: tickets,
		rdb:     rdb,
		channel: channel,
		waiters: make(map[uuid.UUID]chan Decision),
	}
}

// Request persists a PENDING ticket and registers the wait channel. It does
// not block; the caller persists WAITING_FOR_APPROVAL and then calls Await.
// The unique pending-per-run index rejects a second outstanding ticket.
func (g *Gate) Request(ctx context.Context, runID uuid.UUID, content string, timeout time.Duration) (store.ApprovalTicket, error) {
	ticket, err := g.tickets.CreateApprovalTicket(ctx, store.CreateApprovalTicketParams{
		ID:        uuid.New(),
		RunID:     runID,
		Content:   content,
		ExpiresAt: time.Now().Add(timeout),
	})
	if err != nil {
		return store.ApprovalTicket{}, err
	}

	g.mu.Lock()
	g.waiters[ticket.ID] = make(chan Decision, 1)
	g.mu.Unlock()

	return ticket, nil
}

// Await suspends until the ticket is resolved, the timeout elapses, or ctx is
// cancelled. Exactly one of these wins; the losers observe the recorded
// decision instead of overwriting it.
func (g *Gate) Await(ctx context.Context, ticketID uuid.UUID, timeout time.Duration) (Decision, error) {
	g.mu.Lock()
	ch, ok := g.waiters[ticketID]
	g.mu.Unlock()
	if !ok {
		// Re-attach after restart: the channel is gone but the ticket row
		// survives. Register a fresh waiter keyed by the same ticket.
		ch = make(chan Decision, 1)
		g.mu.Lock()
		g.waiters[ticketID] = ch
		g.mu.Unlock()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case d := <-ch:
		g.dropWaiter(ticketID)
		return d, nil
	case <-timer.C:
		return g.settle(ticketID, store.DecisionTimedOut, "approval wait timed out")
	case <-ctx.Done():
		return g.settle(ticketID, store.DecisionStopped, "run stopped while awaiting approval")
	}
}

// settle tries to record decision for a wait that ended locally. If an
// external resolution won the race, the recorded decision is returned instead.
func (g *Gate) settle(ticketID uuid.UUID, decision, reason string) (Decision, error) {
	defer g.dropWaiter(ticketID)

	// Await's ctx is already done on the stop path, so use a background
	// context for the persistence call.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ticket, err := g.tickets.ResolveApprovalTicket(ctx, ticketID, decision, reason)
	if errors.Is(err, ErrAlreadyResolved) {
		return Decision{Outcome: ticket.Decision, Reason: ticket.Reason}, nil
	}
	if err != nil {
		return Decision{}, err
	}
	return Decision{Outcome: ticket.Decision, Reason: ticket.Reason}, nil
}

// Resolve records an external decision and wakes the waiter. Resolving an
// already-resolved or expired ticket returns ErrAlreadyResolved and changes
// nothing.
func (g *Gate) Resolve(ctx context.Context, ticketID uuid.UUID, decision, reason string) error {
	ticket, err := g.tickets.ResolveApprovalTicket(ctx, ticketID, decision, reason)
	if err != nil {
		return err
	}

	d := Decision{Outcome: ticket.Decision, Reason: ticket.Reason}
	g.fire(ticketID, d)
	g.publish(ctx, resolutionMsg{TicketID: ticketID, Decision: d.Outcome, Reason: d.Reason})
	return nil
}

// CancelRun releases the waiter of the run's outstanding ticket, if any, with
// a STOPPED decision. Called by the orchestrator's stop path so a suspended
// run terminates without the resolution channel ever being used.
func (g *Gate) CancelRun(ctx context.Context, runID uuid.UUID) {
	ticket, err := g.tickets.GetPendingTicketForRun(ctx, runID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			slog.Warn("approval: lookup pending ticket on cancel", slog.String("run_id", runID.String()), slog.Any("error", err))
		}
		return
	}

	resolved, err := g.tickets.ResolveApprovalTicket(ctx, ticket.ID, store.DecisionStopped, "run stopped")
	if err != nil && !errors.Is(err, ErrAlreadyResolved) {
		slog.Warn("approval: resolve ticket on cancel", slog.String("ticket_id", ticket.ID.String()), slog.Any("error", err))
		return
	}
	g.fire(ticket.ID, Decision{Outcome: resolved.Decision, Reason: resolved.Reason})
}

// Listen consumes cross-instance resolutions from redis pub/sub and wakes
// local waiters. Blocks until ctx is cancelled; a nil redis client returns
// immediately.
func (g *Gate) Listen(ctx context.Context) {
	if g.rdb == nil {
		return
	}

	sub := g.rdb.Subscribe(ctx, g.channel)
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			var res resolutionMsg
			if err := json.Unmarshal([]byte(msg.Payload), &res); err != nil {
				slog.Warn("approval: bad resolution payload", slog.Any("error", err))
				continue
			}
			g.fire(res.TicketID, Decision{Outcome: res.Decision, Reason: res.Reason})
		}
	}
}

// fire delivers the decision to the local waiter, if one exists. The waiter
// channel is buffered and removed on delivery, so repeated fires are no-ops.
func (g *Gate) fire(ticketID uuid.UUID, d Decision) {
	g.mu.Lock()
	ch, ok := g.waiters[ticketID]
	if ok {
		delete(g.waiters, ticketID)
	}
	g.mu.Unlock()
	if ok {
		ch <- d
	}
}

func (g *Gate) dropWaiter(ticketID uuid.UUID) {
	g.mu.Lock()
	delete(g.waiters, ticketID)
	g.mu.Unlock()
}

func (g *Gate) publish(ctx context.Context, msg resolutionMsg) {
	if g.rdb == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := g.rdb.Publish(ctx, g.channel, payload).Err(); err != nil {
		slog.Warn("approval: publish resolution", slog.Any("error", err))
	}
}
