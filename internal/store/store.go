package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by any lookup that found nothing.
var ErrNotFound = errors.New("store: not found")

// ErrAppendOnly is returned (never silently swallowed) when something tries
// to mutate or remove an append-only row.
var ErrAppendOnly = errors.New("store: events and receipts are append-only")

// ErrConflict is returned on a unique-constraint violation, e.g. a second
// quote for the same (agent_id, idempotency_key).
var ErrConflict = errors.New("store: conflict")

// Database is the kernel's persistence boundary. Reads that don't need
// cross-aggregate atomicity go through it directly; the Execute Engine's
// reserve/drive/reconcile/finalize sequence goes through a Tx from Begin.
type Database interface {
	// Begin opens one atomic unit of work. Callers MUST call Commit or
	// Rollback. Commit-before-Rollback semantics: once Commit succeeds,
	// Rollback is a no-op; once Rollback runs, Commit returns an error.
	Begin(ctx context.Context) (Tx, error)

	Agents() AgentStore
	Policies() PolicyStore
	Quotes() QuoteStore
	Executions() ExecutionStore
	Events() EventStore
	Receipts() ReceiptStore
	Challenges() ChallengeStore
	Tokens() TokenStore
	Reservations() ReservationStore
	Snapshots() SnapshotStore
}

// Tx is the narrow capability the Execute Engine and drivers use to read
// and write within one atomic unit of work. It mirrors Database's store
// accessors but every write made through them is visible only on Commit.
type Tx interface {
	Agents() AgentStore
	Policies() PolicyStore
	Quotes() QuoteStore
	Executions() ExecutionStore
	Events() EventStore
	Receipts() ReceiptStore
	Reservations() ReservationStore
	Snapshots() SnapshotStore

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// AgentStore persists User/Agent/Budget rows.
type AgentStore interface {
	CreateUser(ctx context.Context, userID string) error
	UserExists(ctx context.Context, userID string) (bool, error)

	CreateAgent(ctx context.Context, a *Agent) error
	GetAgent(ctx context.Context, agentID string) (*Agent, error)
	SaveAgent(ctx context.Context, a *Agent) error

	CreateBudget(ctx context.Context, b *Budget) error
	GetBudget(ctx context.Context, agentID string) (*Budget, error)
	SaveBudget(ctx context.Context, b *Budget) error
}

// PolicyStore persists append-only policy revisions.
type PolicyStore interface {
	Create(ctx context.Context, p *PolicyDoc) error
	Latest(ctx context.Context, agentID string) (*PolicyDoc, error)
	History(ctx context.Context, agentID string) ([]*PolicyDoc, error)
}

// QuoteStore persists immutable quotes, unique on (agent_id, idempotency_key).
type QuoteStore interface {
	Create(ctx context.Context, q *Quote) error
	Get(ctx context.Context, quoteID string) (*Quote, error)
	FindByIdempotencyKey(ctx context.Context, agentID, idempotencyKey string) (*Quote, error)
}

// ExecutionStore persists at-most-one execution row per quote.
type ExecutionStore interface {
	Create(ctx context.Context, e *Execution) error
	Get(ctx context.Context, execID string) (*Execution, error)
	FindByQuote(ctx context.Context, quoteID string) (*Execution, error)
	UpdateStatus(ctx context.Context, execID string, status ExecutionStatus, externalRef, reason string) error
	CountApplied(ctx context.Context, agentID, intentType string, since time.Time) (int, error)
}

// EventStore appends hash-chained events; storage rejects UPDATE/DELETE.
type EventStore interface {
	Append(ctx context.Context, e *Event) error
	LatestHash(ctx context.Context, agentID string) (hash string, ok bool, err error)
	ListByAgent(ctx context.Context, agentID string, since time.Time) ([]*Event, error)
}

// ReceiptStore appends human-grade receipts; append-only.
type ReceiptStore interface {
	Create(ctx context.Context, r *Receipt) error
	ListByAgent(ctx context.Context, agentID string, since time.Time) ([]*Receipt, error)
	Get(ctx context.Context, receiptID string) (*Receipt, error)
}

// ChallengeStore persists step-up challenges.
type ChallengeStore interface {
	Create(ctx context.Context, c *Challenge) error
	Get(ctx context.Context, challengeID string) (*Challenge, error)
	FindPendingByQuote(ctx context.Context, quoteID string) (*Challenge, error)
	UpdateStatus(ctx context.Context, challengeID string, status ChallengeStatus, approvedAt *time.Time) error
}

// TokenStore persists step-up tokens.
type TokenStore interface {
	Create(ctx context.Context, t *StepUpToken) error
	FindByHash(ctx context.Context, tokenHash string) (*StepUpToken, error)
	Revoke(ctx context.Context, tokenID string) error
	RevokeAllForAgent(ctx context.Context, agentID string) error
}

// ReservationStore persists outgoing-transfer and hold reservations.
type ReservationStore interface {
	Create(ctx context.Context, r *Reservation) error
	Release(ctx context.Context, reservationID string) error
	Settle(ctx context.Context, reservationID string) error
	SumPending(ctx context.Context, agentID string, source ReservationSource) (int64, error)
	ListByAgent(ctx context.Context, agentID string) ([]*Reservation, error)
}

// SnapshotStore persists the derived, overwritten-in-place spend snapshot.
type SnapshotStore interface {
	Get(ctx context.Context, agentID string) (*Snapshot, error)
	Upsert(ctx context.Context, s *Snapshot) error
}
