// Package memory holds the mutable per-run working state. A WorkingMemory is
// owned exclusively by the goroutine driving its run loop; everything else
// sees deep-copied snapshots.
package memory

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// HistoryEntry records one executed action, or one approval suspension.
// Entries are append-only and never edited after the fact.
type HistoryEntry struct {
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

// WorkingMemory is the live state of one run. Iteration counts completed
// actions; approval-suspension entries appear in History but do not advance
// it. TotalCostCents always equals the sum of History entry costs.
type WorkingMemory struct {
	RunID          uuid.UUID      `json:"run_id"`
	Iteration      int            `json:"iteration"`
	TotalCostCents int64          `json:"total_cost_cents"`
	History        []HistoryEntry `json:"history"`
	Products       map[string]any `json:"products"`
	Scratch        map[string]any `json:"scratch"`
	StartedAt      time.Time      `json:"started_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// New allocates empty working memory for a fresh run.
func New(runID uuid.UUID, now time.Time) *WorkingMemory {
	return &WorkingMemory{
		RunID:     runID,
		Products:  map[string]any{},
		Scratch:   map[string]any{},
		StartedAt: now,
		UpdatedAt: now,
	}
}

// RecordAction appends a completed-action entry, advances the iteration
// counter, accumulates cost, and merges produced work-products and scratch
// deltas. The entry's iteration number is assigned here.
func (m *WorkingMemory) RecordAction(entry HistoryEntry, products, scratch map[string]any, now time.Time) {
	entry.Iteration = m.Iteration + 1
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	m.History = append(m.History, entry)
	m.Iteration++
	m.TotalCostCents += entry.CostCents
	for k, v := range products {
		m.Products[k] = v
	}
	for k, v := range scratch {
		m.Scratch[k] = v
	}
	m.UpdatedAt = now
}

// RecordSuspension appends an approval-suspension entry. It carries the
// current iteration number and does not advance the counter; the post-approval
// execution of the action is what counts as an iteration.
func (m *WorkingMemory) RecordSuspension(entry HistoryEntry, now time.Time) {
	entry.Iteration = m.Iteration
	entry.ApprovalRequired = true
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}
	m.History = append(m.History, entry)
	m.TotalCostCents += entry.CostCents
	m.UpdatedAt = now
}

// Snapshot returns a deep copy safe to hand across goroutine boundaries.
func (m *WorkingMemory) Snapshot() *WorkingMemory {
	out := *m
	out.History = make([]HistoryEntry, len(m.History))
	copy(out.History, m.History)
	for i, e := range out.History {
		if e.Input != nil {
			out.History[i].Input = append(json.RawMessage(nil), e.Input...)
		}
		if e.Output != nil {
			out.History[i].Output = append(json.RawMessage(nil), e.Output...)
		}
		if e.ApprovalTicketID != nil {
			id := *e.ApprovalTicketID
			out.History[i].ApprovalTicketID = &id
		}
	}
	out.Products = cloneMap(m.Products)
	out.Scratch = cloneMap(m.Scratch)
	return &out
}

// Metric resolves a named numeric metric for success-criteria evaluation. It
// checks scratch first, then top-level products, then fields inside map-shaped
// products (so "coverage" finds Products["coverage_report"]["coverage"]).
func (m *WorkingMemory) Metric(name string) (any, bool) {
	if v, ok := m.Scratch[name]; ok {
		return v, true
	}
	if v, ok := m.Products[name]; ok {
		return v, true
	}
	for _, p := range m.Products {
		if fields, ok := p.(map[string]any); ok {
			if v, ok := fields[name]; ok {
				return v, true
			}
		}
	}
	return nil, false
}

// LastEntry returns the most recent history entry, or nil for a fresh run.
func (m *WorkingMemory) LastEntry() *HistoryEntry {
	if len(m.History) == 0 {
		return nil
	}
	return &m.History[len(m.History)-1]
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

// cloneValue deep-copies the JSON-shaped values actions produce. Scalars are
// returned as-is.
func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
