// Package store provides the durable persistence layer for agent runs,
// their action history, and approval tickets, backed by PostgreSQL via pgx.
package store

import (
	"context"
	_ "embed"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

//go:embed schema.sql
var schemaSQL string

// Store wraps Queries and provides transaction support.
type Store struct {
	pool DBTX
	*Queries
}

// NewStore creates a new Store wrapping the given connection pool.
func NewStore(pool DBTX) *Store {
	return &Store{
		pool:    pool,
		Queries: New(pool),
	}
}

// EnsureSchema applies the embedded schema. All statements are idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schemaSQL)
	return err
}

// Tx executes fn inside a database transaction. If fn returns an error the
// transaction is rolled back; otherwise it is committed.
func (s *Store) Tx(ctx context.Context, fn func(q *Queries) error) error {
	beginner, ok := s.pool.(interface {
		Begin(ctx context.Context) (pgx.Tx, error)
	})
	if !ok {
		return fn(s.Queries)
	}

	tx, err := beginner.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(s.Queries.WithTx(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// Exec exposes raw exec for ad-hoc queries (used sparingly).
func (s *Store) Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error) {
	return s.pool.Exec(ctx, sql, args...)
}

// EngineStore is the persistence surface the run orchestrator depends on.
// Kept narrow so engine tests can supply an in-memory fake.
type EngineStore interface {
	CreateRun(ctx context.Context, arg CreateRunParams) (Run, error)
	UpdateRun(ctx context.Context, arg UpdateRunParams) error
	AppendHistory(ctx context.Context, arg AppendHistoryParams) (int64, error)
	MarkStopped(ctx context.Context, id uuid.UUID) error
	GetRun(ctx context.Context, id uuid.UUID) (Run, error)
}

// TicketStore is the persistence surface the approval gate depends on.
type TicketStore interface {
	CreateApprovalTicket(ctx context.Context, arg CreateApprovalTicketParams) (ApprovalTicket, error)
	GetApprovalTicket(ctx context.Context, id uuid.UUID) (ApprovalTicket, error)
	ResolveApprovalTicket(ctx context.Context, id uuid.UUID, decision, reason string) (ApprovalTicket, error)
	GetPendingTicketForRun(ctx context.Context, runID uuid.UUID) (ApprovalTicket, error)
}

// RunReader is the read-only surface the HTTP API uses. Consumers see only
// persisted snapshots, never live working memory.
type RunReader interface {
	GetRun(ctx context.Context, id uuid.UUID) (Run, error)
	ListRunsByState(ctx context.Context, state string) ([]Run, error)
	ListHistory(ctx context.Context, runID uuid.UUID) ([]HistoryRow, error)
}
