// Package driver is the contract the Execute Engine uses to talk to a
// specific economic environment (a simulated job economy, an on-chain
// USDC wallet, a card network) without depending on any of them directly.
//
// A driver never holds a reference back to the kernel. Execute hands it a
// Capability bound to the open transaction instead, so the driver can
// append events, write receipts, and record reservations without being
// able to reach into unrelated kernel state.
package driver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/agentkernel/kernel/internal/store"
)

// Intent is the caller's proposed action, normalized by the matching
// driver before policy evaluation runs against it.
type Intent struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

// EstimateResult is what Policy Evaluator needs to project budget impact.
type EstimateResult struct {
	BaseCostCents   int64 `json:"baseCostCents"`
	TransferCents   int64 `json:"transferCents"`
}

// FreshnessStatus is the driver's self-assessed recency of its last
// observation.
type FreshnessStatus string

const (
	FreshnessFresh   FreshnessStatus = "fresh"
	FreshnessStale   FreshnessStatus = "stale"
	FreshnessUnknown FreshnessStatus = "unknown"
)

// Freshness is the driver's report used by the Freshness Gate.
type Freshness struct {
	Status            FreshnessStatus `json:"status"`
	UpdatedAgoSeconds int64           `json:"updatedAgoSeconds"`
	Details           string          `json:"details,omitempty"`
}

// Transfer is a cross-agent credit side-effect an in-kernel-settlement
// driver can request during Execute. Confined to drivers whose economy is
// entirely inside the kernel (job-economy); balance-backed drivers never
// produce one.
type Transfer struct {
	ToAgentID   string `json:"toAgentId"`
	AmountCents int64  `json:"amountCents"`
}

// EnvEvent is one environment-level effect of an apply/execute call.
type EnvEvent struct {
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	CostDeltaCents int64           `json:"costDeltaCents,omitempty"`
	Transfer       *Transfer       `json:"transfer,omitempty"`
}

// ExecStatus mirrors store.ExecutionStatus plus the two additional
// outcomes a driver's Execute call can report that never reach the
// Execution row directly: rejected (pre_check/commit_check failed) and
// idempotent (driver recognized its own idempotency key already ran).
type ExecStatus string

const (
	ExecStatusApplied    ExecStatus = "applied"
	ExecStatusFailed     ExecStatus = "failed"
	ExecStatusRejected   ExecStatus = "rejected"
	ExecStatusIdempotent ExecStatus = "idempotent"
)

// ExecuteResult is what a driver's Execute call returns to the Execute
// Engine.
type ExecuteResult struct {
	Status      ExecStatus
	ExternalRef string
	Reason      string
	EnvEvents   []EnvEvent
}

// ReceiptRequest is the narrow shape a driver can use to write a receipt
// through its Capability, without importing the receipts package (which
// would reach back toward the kernel).
type ReceiptRequest struct {
	Source          store.ReceiptSource
	EventID         string
	ExternalRef     string
	WhatHappened    string
	WhyChanged      string
	WhatHappensNext string
	OccurredAt      time.Time
}

// Capability is the narrow handle Execute gives a driver for the
// duration of one Execute call: append events, write receipts, and
// record reservations, all scoped to the open transaction and the
// calling agent. No driver ever receives the kernel itself.
type Capability struct {
	AgentID string
	UserID  string

	AppendEvent func(ctx context.Context, eventType string, payload any, occurredAt time.Time) (*store.Event, error)
	CreateReceipt func(ctx context.Context, req ReceiptRequest) (*store.Receipt, error)
	WriteReservation func(ctx context.Context, source store.ReservationSource, amountCents int64, externalRef string) (*store.Reservation, error)
}

// Driver is the capability set a concrete environment implements. Tagged
// variants are selected by intent type via Supports.
type Driver interface {
	// Supports reports whether this driver handles intentType.
	Supports(intentType string) bool

	// Normalize must be deterministic and idempotent. Normalization
	// failures surface as a stable reason via the returned error's
	// message, which callers treat as a kernelerrors.Reason string.
	Normalize(ctx context.Context, intent Intent) (Intent, error)

	// EstimateCost returns the cost Policy Evaluator projects against
	// budget; it never mutates state.
	EstimateCost(ctx context.Context, agentID string, intent Intent) (EstimateResult, error)

	// Freshness reports the driver's self-assessed recency. Drivers with
	// no external environment (in-kernel settlement) always report
	// fresh.
	Freshness(ctx context.Context, agentID string) (Freshness, error)

	// Observation returns environment facts; for balance environments
	// this includes confirmed_balance_cents, observed_block_number,
	// observed_block_timestamp, buffer_cents.
	Observation(ctx context.Context, agentID string) (map[string]any, error)

	// PreCheck enforces driver-specific allowlists and hard caps ahead
	// of the execute transaction.
	PreCheck(ctx context.Context, agentID string, intent Intent) error

	// CommitCheck re-verifies PreCheck's constraints against live state
	// under the execute transaction, immediately before Execute runs.
	CommitCheck(ctx context.Context, tx store.Tx, agentID string, intent Intent) error

	// Execute performs the environment action. It may append events,
	// write receipts, and record reservations through cap, all within
	// the caller's open transaction.
	Execute(ctx context.Context, tx store.Tx, cap Capability, intent Intent) (ExecuteResult, error)
}

// Registry selects the driver that supports a given intent type.
type Registry struct {
	drivers []Driver
}

// NewRegistry builds a Registry over the given drivers, tried in order.
func NewRegistry(drivers ...Driver) *Registry {
	return &Registry{drivers: drivers}
}

// For returns the first registered driver that supports intentType, or
// nil if none do.
func (r *Registry) For(intentType string) Driver {
	for _, d := range r.drivers {
		if d.Supports(intentType) {
			return d
		}
	}
	return nil
}
