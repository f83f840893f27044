package approval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/caseforge/agent-engine/internal/store"
)

// fakeTickets is an in-memory TicketStore with the same pending-uniqueness
// and compare-and-set semantics as the real one.
type fakeTickets struct {
	mu      sync.Mutex
	tickets map[uuid.UUID]store.ApprovalTicket
}

func newFakeTickets() *fakeTickets {
	return &fakeTickets{tickets: make(map[uuid.UUID]store.ApprovalTicket)}
}

func (f *fakeTickets) CreateApprovalTicket(_ context.Context, arg store.CreateApprovalTicketParams) (store.ApprovalTicket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tickets {
		if t.RunID == arg.RunID && t.Decision == store.DecisionPending {
			return store.ApprovalTicket{}, fmt.Errorf("pending ticket already exists for run %s", arg.RunID)
		}
	}
	ticket := store.ApprovalTicket{
		ID:        arg.ID,
		RunID:     arg.RunID,
		Content:   arg.Content,
		Decision:  store.DecisionPending,
		ExpiresAt: arg.ExpiresAt,
		CreatedAt: time.Now(),
	}
	f.tickets[arg.ID] = ticket
	return ticket, nil
}

func (f *fakeTickets) GetApprovalTicket(_ context.Context, id uuid.UUID) (store.ApprovalTicket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickets[id]
	if !ok {
		return store.ApprovalTicket{}, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeTickets) ResolveApprovalTicket(_ context.Context, id uuid.UUID, decision, reason string) (store.ApprovalTicket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickets[id]
	if !ok {
		return store.ApprovalTicket{}, store.ErrNotFound
	}
	if t.Decision != store.DecisionPending {
		return t, store.ErrAlreadyResolved
	}
	now := time.Now()
	t.Decision = decision
	t.Reason = reason
	t.ResolvedAt = &now
	f.tickets[id] = t
	return t, nil
}

func (f *fakeTickets) GetPendingTicketForRun(_ context.Context, runID uuid.UUID) (store.ApprovalTicket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, t := range f.tickets {
		if t.RunID == runID && t.Decision == store.DecisionPending {
			return t, nil
		}
	}
	return store.ApprovalTicket{}, store.ErrNotFound
}

func TestResolveWakesWaiter(t *testing.T) {
	gate := NewGate(newFakeTickets(), nil, "")
	runID := uuid.New()

	ticket, err := gate.Request(context.Background(), runID, "approve test generation", time.Minute)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	done := make(chan Decision, 1)
	go func() {
		d, err := gate.Await(context.Background(), ticket.ID, time.Minute)
		if err != nil {
			t.Errorf("await: %v", err)
		}
		done <- d
	}()

	// Give the waiter a moment to park, then resolve.
	time.Sleep(10 * time.Millisecond)
	if err := gate.Resolve(context.Background(), ticket.ID, store.DecisionApproved, "looks good"); err != nil {
		t.Fatalf("resolve: %v", err)
	}

	select {
	case d := <-done:
		if d.Outcome != store.DecisionApproved || d.Reason != "looks good" {
			t.Fatalf("unexpected decision %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter was not released")
	}
}

func TestDoubleResolveIsNoOp(t *testing.T) {
	tickets := newFakeTickets()
	gate := NewGate(tickets, nil, "")

	ticket, err := gate.Request(context.Background(), uuid.New(), "content", time.Minute)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	if err := gate.Resolve(context.Background(), ticket.ID, store.DecisionRejected, "no"); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	err = gate.Resolve(context.Background(), ticket.ID, store.DecisionApproved, "actually yes")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}

	// First decision stands.
	stored, _ := tickets.GetApprovalTicket(context.Background(), ticket.ID)
	if stored.Decision != store.DecisionRejected || stored.Reason != "no" {
		t.Fatalf("decision changed by second resolve: %+v", stored)
	}
}

func TestAwaitTimeout(t *testing.T) {
	tickets := newFakeTickets()
	gate := NewGate(tickets, nil, "")

	ticket, err := gate.Request(context.Background(), uuid.New(), "content", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	d, err := gate.Await(context.Background(), ticket.ID, 20*time.Millisecond)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if d.Outcome != store.DecisionTimedOut {
		t.Fatalf("expected TIMED_OUT, got %+v", d)
	}

	// The ticket is settled durably; a late resolve is a no-op.
	err = gate.Resolve(context.Background(), ticket.ID, store.DecisionApproved, "")
	if !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("late resolve should be rejected, got %v", err)
	}
}

func TestCancelRunReleasesWaiter(t *testing.T) {
	gate := NewGate(newFakeTickets(), nil, "")
	runID := uuid.New()

	ticket, err := gate.Request(context.Background(), runID, "content", time.Minute)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	done := make(chan Decision, 1)
	go func() {
		d, _ := gate.Await(context.Background(), ticket.ID, time.Minute)
		done <- d
	}()

	time.Sleep(10 * time.Millisecond)
	gate.CancelRun(context.Background(), runID)

	select {
	case d := <-done:
		if d.Outcome != store.DecisionStopped {
			t.Fatalf("expected STOPPED, got %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("stop did not release the waiter")
	}
}

func TestAwaitContextCancel(t *testing.T) {
	gate := NewGate(newFakeTickets(), nil, "")

	ticket, err := gate.Request(context.Background(), uuid.New(), "content", time.Minute)
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	d, err := gate.Await(ctx, ticket.ID, time.Minute)
	if err != nil {
		t.Fatalf("await: %v", err)
	}
	if d.Outcome != store.DecisionStopped {
		t.Fatalf("expected STOPPED on ctx cancel, got %+v", d)
	}
}

func TestSecondPendingTicketRejected(t *testing.T) {
	gate := NewGate(newFakeTickets(), nil, "")
	runID := uuid.New()

	if _, err := gate.Request(context.Background(), runID, "first", time.Minute); err != nil {
		t.Fatalf("request: %v", err)
	}
	if _, err := gate.Request(context.Background(), runID, "second", time.Minute); err == nil {
		t.Fatal("expected second outstanding ticket to be rejected")
	}
}
